package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DependencyCheck is one named readiness probe, e.g. the store or the queue.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readyzResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Readyz runs every check in parallel under one timeout and reports each
// result by name. Any failure answers 503.
func Readyz(timeout time.Duration, checks ...DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		errs := make([]error, len(checks))
		var wg sync.WaitGroup
		for i, c := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Check(ctx)
			}()
		}
		wg.Wait()

		resp := readyzResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for i, c := range checks {
			if errs[i] != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", errs[i], "request_id", RequestIDFrom(r.Context()))
				resp.Checks[c.Name] = errs[i].Error()
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
