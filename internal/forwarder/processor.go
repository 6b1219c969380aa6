// Package forwarder delivers signed copies of ingested messages to tenant
// webhooks. Each delivery is a small state machine persisted by the store:
//
//	pending -> in_flight -> success
//	                     -> retry_scheduled -> in_flight -> ...
//	                     -> failed_exhausted
//
// Claiming a delivery is a conditional update, so at most one attempt per
// delivery is ever in flight.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/signing"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

const (
	errWebhookNotConfigured = "webhook_not_configured"
	deferRateLimited        = "rate_limited_local"
	deferCircuitOpen        = "circuit_open"

	HeaderMessageID       = "X-Message-Id"
	HeaderTimestamp       = "X-Signature-Timestamp"
	HeaderDeliveryID      = "X-Delivery-Id"
	HeaderDeliveryAttempt = "X-Delivery-Attempt"

	maxErrorLen = 512
)

type Store interface {
	ClaimDelivery(ctx context.Context, deliveryID string, now time.Time, lease time.Duration) (store.DeliveryJob, bool, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryJob, error)
	RecordAttempt(ctx context.Context, in store.AttemptResult) error
	Defer(ctx context.Context, deliveryID string, next time.Time, reason string, now time.Time) error
}

type Processor struct {
	Store    Store
	HTTP     *http.Client
	Limiter  *rate.Limiter
	Breakers *BreakerSet
	Policy   RetryPolicy

	// Lease bounds how long a claimed delivery stays in flight before another
	// worker may reclaim it. It must exceed Timeout.
	Lease   time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

// Payload is the canonical body POSTed to tenants.
type Payload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"messageId"`
}

func CanonicalBody(msg domain.InboundMessage) ([]byte, error) {
	return json.Marshal(Payload{
		From:      msg.From,
		To:        msg.To,
		Message:   msg.Body,
		Timestamp: msg.ReceivedAt.UTC().Format(time.RFC3339),
		MessageID: msg.MessageID,
	})
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return util.NowUTC()
}

func (p *Processor) lease() time.Duration {
	if p.Lease > 0 {
		return p.Lease
	}
	return 2 * time.Minute
}

func (p *Processor) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 10 * time.Second
}

// HandleNudge claims and processes one delivery. A delivery that is not due
// or already claimed elsewhere is a no-op.
func (p *Processor) HandleNudge(ctx context.Context, deliveryID string) error {
	job, ok, err := p.Store.ClaimDelivery(ctx, deliveryID, p.now(), p.lease())
	if err != nil {
		return fmt.Errorf("claim %s: %w", deliveryID, err)
	}
	if !ok {
		return nil
	}
	return p.Process(ctx, job)
}

// Process makes one attempt for a claimed delivery and persists the outcome.
// Downstream failures are recorded, not returned; only store errors are.
func (p *Processor) Process(ctx context.Context, job store.DeliveryJob) error {
	d := job.Delivery
	attempt := d.AttemptCount + 1

	if job.WebhookURL == "" {
		return p.record(ctx, job, attempt, sendResult{}, errors.New(errWebhookNotConfigured), true)
	}
	body, err := CanonicalBody(job.Message)
	if err != nil {
		return p.record(ctx, job, attempt, sendResult{}, fmt.Errorf("encode body: %w", err), true)
	}

	if p.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.ForwardAttempts.WithLabelValues("rate_limited_local", "0").Inc()
			now := p.now()
			return p.deferDelivery(ctx, d.ID, now.Add(time.Second), deferRateLimited, now)
		}
	}

	res, err := p.executeWithBreaker(ctx, job, body, attempt)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// An open breaker is tenant protection, not a delivery failure, so no
		// attempt is consumed.
		observability.ForwardAttempts.WithLabelValues("cb_open", "0").Inc()
		now := p.now()
		return p.deferDelivery(ctx, d.ID, now.Add(p.Breakers.OpenFor()), deferCircuitOpen, now)
	}
	return p.record(ctx, job, attempt, res, err, false)
}

func (p *Processor) executeWithBreaker(ctx context.Context, job store.DeliveryJob, body []byte, attempt int) (sendResult, error) {
	call := func() (any, error) {
		return p.send(ctx, job, body, attempt)
	}
	if p.Breakers == nil {
		out, err := call()
		return out.(sendResult), err
	}
	out, err := p.Breakers.Get(job.Delivery.TenantID).Execute(call)
	if out == nil {
		var fe forwardError
		if errors.As(err, &fe) {
			return fe.result, err
		}
		return sendResult{}, err
	}
	return out.(sendResult), err
}

func (p *Processor) send(ctx context.Context, job store.DeliveryJob, body []byte, attempt int) (sendResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return sendResult{}, forwardError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "smsrouter-forwarder/1")
	req.Header.Set(signing.HeaderSignature, signing.Sign(job.WebhookSecret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.now().Unix(), 10))
	req.Header.Set(HeaderMessageID, job.Message.MessageID)
	req.Header.Set(HeaderDeliveryID, job.Delivery.ID)
	req.Header.Set(HeaderDeliveryAttempt, strconv.Itoa(attempt))

	resp, err := p.client().Do(req)
	res := sendResult{latency: time.Since(start)}
	if err != nil {
		return res, forwardError{result: res, err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.httpStatus = resp.StatusCode
	res.latency = time.Since(start)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, nil
	}
	res.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return res, forwardError{result: res, err: fmt.Errorf("tenant webhook returned %d", resp.StatusCode)}
}

func (p *Processor) client() *http.Client {
	if p.HTTP != nil {
		return p.HTTP
	}
	return http.DefaultClient
}

// record persists the attempt even if ctx was canceled mid-flight; otherwise
// a finished POST could be repeated after the lease expires.
func (p *Processor) record(ctx context.Context, job store.DeliveryJob, attempt int, res sendResult, sendErr error, terminal bool) error {
	now := p.now()
	in := store.AttemptResult{
		DeliveryID:    job.Delivery.ID,
		AttemptNumber: attempt,
		Success:       sendErr == nil,
		HTTPStatus:    res.httpStatus,
		Latency:       res.latency,
		Now:           now,
	}
	if sendErr != nil {
		in.Error = truncate(sendErr.Error(), maxErrorLen)
		if !terminal && !p.Policy.Exhausted(attempt) {
			next := now.Add(p.Policy.Delay(attempt, res.retryAfter))
			in.NextAttemptAt = &next
		}
	}

	if err := p.Store.RecordAttempt(context.WithoutCancel(ctx), in); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			slog.Warn("delivery lease lost, attempt discarded", "delivery_id", job.Delivery.ID, "attempt", attempt)
			return nil
		}
		return fmt.Errorf("record attempt %s#%d: %w", job.Delivery.ID, attempt, err)
	}

	status := strconv.Itoa(res.httpStatus)
	if res.latency > 0 {
		observability.ForwardLatency.Observe(res.latency.Seconds())
	}
	log := slog.With("tenant_id", job.Delivery.TenantID, "message_id", job.Message.MessageID, "delivery_id", job.Delivery.ID, "attempt", attempt)
	switch {
	case in.Success:
		observability.ForwardAttempts.WithLabelValues("ok", status).Inc()
		log.Info("forward delivered", "http_status", res.httpStatus, "duration", res.latency)
	case in.NextAttemptAt != nil:
		observability.ForwardAttempts.WithLabelValues("error", status).Inc()
		log.Warn("forward failed, retry scheduled", "http_status", res.httpStatus, "err", in.Error, "next_attempt_at", *in.NextAttemptAt)
	default:
		observability.ForwardAttempts.WithLabelValues("error", status).Inc()
		observability.ForwardExhausted.Inc()
		log.Error("forward exhausted", "http_status", res.httpStatus, "err", in.Error)
	}
	return nil
}

func (p *Processor) deferDelivery(ctx context.Context, deliveryID string, next time.Time, reason string, now time.Time) error {
	err := p.Store.Defer(context.WithoutCancel(ctx), deliveryID, next, reason, now)
	if errors.Is(err, store.ErrLeaseLost) {
		return nil
	}
	return err
}

type sendResult struct {
	httpStatus int
	retryAfter time.Duration
	latency    time.Duration
}

type forwardError struct {
	result sendResult
	err    error
}

func (e forwardError) Error() string { return e.err.Error() }
func (e forwardError) Unwrap() error { return e.err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
