package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"smsrouter/internal/auth"
	"smsrouter/internal/awsutil"
	"smsrouter/internal/config"
	"smsrouter/internal/forwarder"
	"smsrouter/internal/httpserver"
	"smsrouter/internal/logging"
	"smsrouter/internal/migrations"
	"smsrouter/internal/normalize"
	"smsrouter/internal/observability"
	sqsqueue "smsrouter/internal/queue/sqs"
	"smsrouter/internal/ratelimit"
	"smsrouter/internal/resolver"
	"smsrouter/internal/service"
	"smsrouter/internal/store/memstore"
	"smsrouter/internal/store/pg"
)

type ledgerStore interface {
	service.Store
	forwarder.Store
}

// localQueue forwards in-process. Used with the memory store, where no
// separate forwarder can see the deliveries.
type localQueue struct {
	ctx       context.Context
	processor *forwarder.Processor
}

func (q *localQueue) EnqueueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	go func() {
		if err := q.processor.HandleNudge(q.ctx, deliveryID); err != nil {
			slog.Warn("local delivery failed", "err", err, "tenant_id", tenantID, "delivery_id", deliveryID)
		}
	}()
	return nil
}

func main() {
	cfg := config.LoadIngest()
	logging.Init("ingest", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st ledgerStore
	if cfg.Memory() {
		slog.Warn("using in-memory store, state is lost on exit")
		st = memstore.New()
	} else {
		if cfg.MigrateOnStart {
			if err := migrations.Up(cfg.DBDSN); err != nil {
				slog.Error("ingest migrate failed", "err", err)
				os.Exit(1)
			}
		}
		db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBMaxConns,
			MinConns:          cfg.DBMinConns,
			MaxConnLifetime:   cfg.DBMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBHealthCheckPeriod,
		})
		if err != nil {
			slog.Error("ingest db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		st = pg.New(db)
	}

	var extra []normalize.Profile
	if cfg.ProfilesFile != "" {
		var err error
		extra, err = normalize.LoadProfiles(cfg.ProfilesFile)
		if err != nil {
			slog.Error("ingest profiles load failed", "err", err, "path", cfg.ProfilesFile)
			os.Exit(1)
		}
	}
	registry, err := normalize.NewRegistry(extra...)
	if err != nil {
		slog.Error("ingest profile registry failed", "err", err)
		os.Exit(1)
	}
	slog.Info("source profiles loaded", "profiles", registry.Names())

	res := resolver.New(st)
	if err := res.Refresh(ctx); err != nil {
		slog.Error("ingest initial binding load failed", "err", err)
		os.Exit(1)
	}
	go res.Run(ctx, cfg.BindingRefreshInterval)

	observability.Register(prometheus.DefaultRegisterer)

	var queue service.Queue
	switch {
	case cfg.SQSQueueURL != "":
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("ingest sqs client init failed", "err", err)
			os.Exit(1)
		}
		queueURL, err := awsutil.ResolveQueueURL(ctx, sqsClient, cfg.SQSQueueURL)
		if err != nil {
			slog.Error("ingest sqs queue resolve failed", "err", err)
			os.Exit(1)
		}
		queue = &sqsqueue.Producer{SQS: sqsClient, QueueURL: queueURL, GroupBuckets: 16}
	case cfg.Memory():
		processor := &forwarder.Processor{
			Store:    st,
			HTTP:     &http.Client{Timeout: 10 * time.Second},
			Limiter:  rate.NewLimiter(rate.Limit(50), 100),
			Breakers: forwarder.NewBreakerSet(5, time.Minute),
			Policy:   forwarder.DefaultRetryPolicy(),
		}
		queue = &localQueue{ctx: ctx, processor: processor}
		sweeper := &forwarder.Sweeper{Processor: processor}
		go func() { _ = sweeper.Run(ctx) }()
	default:
		slog.Warn("no SQS_QUEUE_URL, deliveries wait for the forwarder sweep")
	}

	limiter := ratelimit.RateLimiter(ratelimit.NoOpRateLimiter{})
	if cfg.RedisURL != "" {
		rl, err := ratelimit.Open(ctx, cfg.RedisURL, cfg.RateLimit, cfg.RateLimitWindow)
		if err != nil {
			slog.Error("ingest redis connect failed", "err", err)
			os.Exit(1)
		}
		limiter = rl
	}
	defer limiter.Close()

	svc := &service.LedgerService{
		Store:      st,
		Normalizer: registry,
		Resolver:   res,
		Queue:      queue,
		Surcharge:  cfg.Surcharge,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, httpserver.DependencyCheck{Name: "store", Check: st.Ping}))

	inbound := &httpserver.Inbound{
		Svc:          svc,
		Secrets:      cfg.GatewaySecrets,
		Limiter:      limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	inbound.Register(s.Mux)

	api := &httpserver.API{Svc: svc, Bindings: res}
	api.Register(s.Operator(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("ingest shutdown", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	slog.Info("ingest listening", "port", cfg.Port, "surcharge", cfg.Surcharge.String(), "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("ingest server failed", "err", err)
		os.Exit(1)
	}
}
