package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"smsrouter/internal/awsutil"
	"smsrouter/internal/config"
	"smsrouter/internal/forwarder"
	"smsrouter/internal/httpserver"
	"smsrouter/internal/logging"
	"smsrouter/internal/migrations"
	"smsrouter/internal/observability"
	sqsqueue "smsrouter/internal/queue/sqs"
	"smsrouter/internal/store/pg"
)

func main() {
	cfg := config.LoadForwarder()
	logging.Init("forwarder", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MigrateOnStart {
		if err := migrations.Up(cfg.DBDSN); err != nil {
			slog.Error("forwarder migrate failed", "err", err)
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
		slog.Error("forwarder db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("forwarder sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueURL, err := awsutil.ResolveQueueURL(ctx, sqsClient, cfg.SQSQueueURL)
	if err != nil {
		slog.Error("forwarder sqs queue resolve failed", "err", err)
		os.Exit(1)
	}
	queueReady := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &queueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := queueReady(startupCtx); err != nil {
		startupCancel()
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	processor := &forwarder.Processor{
		Store:    store,
		HTTP:     &http.Client{Timeout: cfg.HTTPTimeout},
		Limiter:  rate.NewLimiter(rate.Limit(cfg.OutboundRPS), cfg.OutboundBurst),
		Breakers: forwarder.NewBreakerSet(cfg.BreakerFailures, cfg.BreakerOpenFor),
		Policy: forwarder.RetryPolicy{
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
			MaxAttempts: cfg.RetryMaxAttempts,
			JitterPct:   cfg.RetryJitterPct,
		},
		Lease:   cfg.Lease,
		Timeout: cfg.HTTPTimeout,
	}
	sweeper := &forwarder.Sweeper{
		Processor: processor,
		Interval:  cfg.SweepInterval,
		Batch:     cfg.SweepBatch,
		Workers:   cfg.WorkerConcurrency,
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          queueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness)
	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		httpserver.DependencyCheck{Name: "store", Check: store.Ping},
		httpserver.DependencyCheck{Name: "queue", Check: queueReady},
	))
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           health.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("forwarder health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("forwarder starting poll", "queue_url", queueURL, "workers", cfg.WorkerConcurrency)
		err := consumer.PollConcurrent(gctx, cfg.WorkerConcurrency, func(ctx context.Context, n sqsqueue.DeliveryNudge) (err error) {
			start := time.Now()
			defer func() {
				status := "ok"
				if err != nil {
					status = "error"
				}
				slog.Debug("forwarder nudge finish",
					"delivery_id", n.DeliveryID,
					"tenant_id", n.TenantID,
					"status", status,
					"duration", time.Since(start),
					"err", err,
				)
			}()
			return processor.HandleNudge(ctx, n.DeliveryID)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("forwarder failed", "err", err)
		os.Exit(1)
	}
	slog.Info("forwarder stopped")
}
