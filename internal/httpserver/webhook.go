package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/ratelimit"
	"smsrouter/internal/service"
	"smsrouter/internal/signing"
)

const DefaultMaxBodyBytes = 256 << 10

type Ingester interface {
	Ingest(ctx context.Context, profile string, raw []byte) (service.IngestResponse, error)
}

// Inbound receives gateway deliveries. Profiles listed in Secrets must sign
// the body; other profiles are accepted unsigned.
type Inbound struct {
	Svc          Ingester
	Secrets      map[string]string
	Limiter      ratelimit.RateLimiter
	MaxBodyBytes int64
}

type inboundResponse struct {
	Success   bool   `json:"success"`
	Outcome   string `json:"outcome"`
	MessageID string `json:"messageId"`
}

func (h *Inbound) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/{profile}/inbound", h.handleInbound).Methods(http.MethodPost)
}

func (h *Inbound) handleInbound(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]

	if h.Limiter != nil {
		allowed, err := h.Limiter.Allow(r.Context(), "inbound:"+profile)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "err", err, "profile", profile)
		} else if !allowed {
			observability.RateLimited.WithLabelValues(profile).Inc()
			http.Error(w, ErrRateLimited, http.StatusTooManyRequests)
			return
		}
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrPayloadTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, ErrMalformedPayload, http.StatusBadRequest)
		return
	}

	if secret := h.Secrets[profile]; secret != "" {
		if !signing.Verify(secret, raw, r.Header.Get(signing.HeaderGatewaySignature)) {
			slog.Warn("gateway signature rejected", "profile", profile, "request_id", RequestIDFrom(r.Context()))
			http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
			return
		}
	}

	resp, err := h.Svc.Ingest(r.Context(), profile, raw)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inboundResponse{
		Success:   true,
		Outcome:   string(resp.Outcome),
		MessageID: resp.MessageID,
	})
}

func writeIngestError(w http.ResponseWriter, err error) {
	var nerr *domain.NormalizationError
	switch {
	case errors.Is(err, domain.ErrUnknownSourceProfile):
		http.Error(w, ErrUnknownProfile, http.StatusNotFound)
	case errors.As(err, &nerr) && errors.Is(err, domain.ErrMissingRequiredField):
		http.Error(w, ErrMissingField+": "+nerr.Field, http.StatusBadRequest)
	case errors.As(err, &nerr):
		http.Error(w, ErrMalformedPayload, http.StatusBadRequest)
	case errors.Is(err, domain.ErrStoreUnavailable):
		http.Error(w, ErrStoreUnavailable, http.StatusServiceUnavailable)
	default:
		slog.Error("ingest failed", "err", err)
		http.Error(w, ErrStoreUnavailable, http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
