// Command mock-tenant is a stand-in tenant endpoint for local runs. It checks
// delivery signatures and answers with configurable outcomes so retry and
// breaker behaviour can be exercised end to end.
package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"smsrouter/internal/forwarder"
	"smsrouter/internal/signing"
)

type config struct {
	Port              string  `envconfig:"PORT" default:"8090"`
	Secret            string  `envconfig:"MOCK_WEBHOOK_SECRET" default:"0123456789abcdef"`
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"server_error:1"`
	DelayMinMs        int     `envconfig:"MOCK_DELAY_MS_MIN" default:"0"`
	DelayMaxMs        int     `envconfig:"MOCK_DELAY_MS_MAX" default:"0"`
	TimeoutDelayMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"15000"`
	RetryAfterSecs    int     `envconfig:"MOCK_RETRY_AFTER_SECS" default:"60"`
	KeepLast          int     `envconfig:"MOCK_KEEP_LAST" default:"100"`

	Outcomes       []string
	FailureWeights []weightedOutcome
	DelayMin       time.Duration
	DelayMax       time.Duration
	TimeoutDelay   time.Duration
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type received struct {
	DeliveryID string            `json:"deliveryId"`
	Attempt    string            `json:"attempt"`
	Outcome    string            `json:"outcome"`
	Payload    forwarder.Payload `json:"payload"`
	At         time.Time         `json:"at"`
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex

	mu   sync.Mutex
	last []received
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := newServer(cfg)
	slog.Info("mock tenant listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           loggingMiddleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("mock tenant server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	return &server{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/received", s.handleList).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(s.handleDelivery).Methods(http.MethodPost)
	return router
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h).With("service", "mock-tenant"))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock tenant request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"delivery_id", r.Header.Get(forwarder.HeaderDeliveryID),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock tenant config load failed", "err", err)
		os.Exit(1)
	}
	return finishConfig(cfg)
}

func finishConfig(cfg config) config {
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "server_error", Weight: 1}}
	}
	cfg.DelayMin = time.Duration(cfg.DelayMinMs) * time.Millisecond
	cfg.DelayMax = time.Duration(cfg.DelayMaxMs) * time.Millisecond
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMin, cfg.DelayMax = cfg.DelayMax, cfg.DelayMin
	}
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 100
	}
	return cfg
}

func (s *server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if !signing.Verify(s.cfg.Secret, body, r.Header.Get(signing.HeaderSignature)) {
		slog.Warn("mock tenant signature mismatch", "delivery_id", r.Header.Get(forwarder.HeaderDeliveryID))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	var p forwarder.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if d := s.randDuration(s.cfg.DelayMin, s.cfg.DelayMax); d > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(d):
		}
	}

	outcome := s.nextOutcome()
	s.remember(received{
		DeliveryID: r.Header.Get(forwarder.HeaderDeliveryID),
		Attempt:    r.Header.Get(forwarder.HeaderDeliveryAttempt),
		Outcome:    outcome,
		Payload:    p,
		At:         time.Now().UTC(),
	})

	status, retryAfter := classifyOutcome(outcome)
	if status == 0 {
		select {
		case <-r.Context().Done():
		case <-time.After(s.cfg.TimeoutDelay):
		}
		http.Error(w, "timeout", http.StatusGatewayTimeout)
		return
	}
	if retryAfter && s.cfg.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RetryAfterSecs))
	}
	writeJSON(w, status, map[string]any{"ok": status < 300, "messageId": p.MessageID})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]received(nil), s.last...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *server) remember(rec received) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = append(s.last, rec)
	if over := len(s.last) - s.cfg.KeepLast; over > 0 {
		s.last = s.last[over:]
	}
}

func (s *server) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	s.rngMu.Lock()
	n := s.rng.Int63n(span + 1)
	s.rngMu.Unlock()
	return min + time.Duration(n)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token to a response status. Zero means
// hang until the client gives up. Tokens may also be a bare status code.
func classifyOutcome(raw string) (status int, retryAfter bool) {
	switch kind := strings.TrimSpace(raw); kind {
	case "", "ok", "success":
		return http.StatusOK, false
	case "accepted":
		return http.StatusAccepted, false
	case "rate_limit":
		return http.StatusTooManyRequests, true
	case "bad_request":
		return http.StatusBadRequest, false
	case "not_found":
		return http.StatusNotFound, false
	case "server_error":
		return http.StatusInternalServerError, false
	case "unavailable":
		return http.StatusServiceUnavailable, true
	case "timeout":
		return 0, false
	default:
		if code, err := strconv.Atoi(kind); err == nil && code >= 200 && code <= 599 {
			return code, code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]weightedOutcome, 0, len(parts))
	for _, p := range parts {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 {
			continue
		}
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "server_error"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
