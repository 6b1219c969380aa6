package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsrouter/internal/domain"
	"smsrouter/internal/normalize"
	"smsrouter/internal/resolver"
	"smsrouter/internal/service"
	"smsrouter/internal/signing"
	"smsrouter/internal/store"
	"smsrouter/internal/store/memstore"
)

const tenantSecret = "0123456789abcdef"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type received struct {
	body    []byte
	headers http.Header
}

// tenantServer answers with the scripted status codes in order and repeats
// the last one once the script runs out.
type tenantServer struct {
	mu       sync.Mutex
	requests []received
	script   []int
	header   http.Header
}

func (s *tenantServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, received{body: body, headers: r.Header.Clone()})
	code := http.StatusOK
	if n := len(s.requests); len(s.script) > 0 {
		if n > len(s.script) {
			n = len(s.script)
		}
		code = s.script[n-1]
	}
	for k, v := range s.header {
		w.Header()[k] = v
	}
	s.mu.Unlock()
	w.WriteHeader(code)
}

func (s *tenantServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// nudgeQueue processes deliveries synchronously, standing in for SQS.
type nudgeQueue struct {
	p *Processor
}

func (q nudgeQueue) EnqueueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	return q.p.HandleNudge(ctx, deliveryID)
}

type harness struct {
	svc   *service.LedgerService
	store *memstore.Store
	proc  *Processor
	sweep *Sweeper
	clock *clock
	hook  *tenantServer
}

func newHarness(t *testing.T, policy RetryPolicy, script ...int) *harness {
	t.Helper()
	ctx := context.Background()

	hook := &tenantServer{script: script}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	reg, err := normalize.NewRegistry()
	require.NoError(t, err)
	st := memstore.New()
	res := resolver.New(st)
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	proc := &Processor{
		Store:    st,
		HTTP:     srv.Client(),
		Breakers: NewBreakerSet(100, time.Hour),
		Policy:   policy,
		Lease:    time.Minute,
		Now:      clk.Now,
	}
	svc := &service.LedgerService{
		Store:      st,
		Normalizer: reg,
		Resolver:   res,
		Queue:      nudgeQueue{p: proc},
		Surcharge:  decimal.RequireFromString("0.01"),
		Now:        clk.Now,
	}

	_, err = svc.CreateTenant(ctx, "t1", "Tenant One", decimal.RequireFromString("5.00"))
	require.NoError(t, err)
	require.NoError(t, svc.AddBinding(ctx, domain.Binding{TenantID: "t1", Kind: domain.BindingAddress, Address: "+19876543210"}))
	require.NoError(t, svc.SetWebhook(ctx, "t1", srv.URL+"/hook", tenantSecret))
	require.NoError(t, res.Refresh(ctx))

	return &harness{
		svc:   svc,
		store: st,
		proc:  proc,
		sweep: &Sweeper{Processor: proc, Batch: 10, Workers: 2},
		clock: clk,
		hook:  hook,
	}
}

func (h *harness) ingest(t *testing.T, id string) service.IngestResponse {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"from":"+15550001111","to":"+19876543210","message":"hello","messageId":%q,"timestamp":"2024-05-01T11:59:00Z"}`, id))
	resp, err := h.svc.Ingest(context.Background(), normalize.ProfileGeneric, raw)
	require.NoError(t, err)
	return resp
}

func (h *harness) delivery(t *testing.T) domain.Delivery {
	t.Helper()
	ds, err := h.svc.ListDeliveries(context.Background(), store.DeliveryQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: maxAttempts}
}

func TestForwardDeliversSignedCanonicalBody(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	resp := h.ingest(t, "m-1")
	require.NotEmpty(t, resp.DeliveryID)

	require.Equal(t, 1, h.hook.count())
	req := h.hook.requests[0]
	assert.True(t, signing.Verify(tenantSecret, req.body, req.headers.Get(signing.HeaderSignature)))
	assert.Equal(t, "m-1", req.headers.Get(HeaderMessageID))
	assert.Equal(t, resp.DeliveryID, req.headers.Get(HeaderDeliveryID))
	assert.Equal(t, "1", req.headers.Get(HeaderDeliveryAttempt))

	var got Payload
	require.NoError(t, json.Unmarshal(req.body, &got))
	assert.Equal(t, Payload{
		From:      "+15550001111",
		To:        "+19876543210",
		Message:   "hello",
		Timestamp: "2024-05-01T11:59:00Z",
		MessageID: "m-1",
	}, got)

	d := h.delivery(t)
	assert.Equal(t, domain.DeliverySuccess, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Nil(t, d.LeaseUntil)

	attempts, err := h.svc.ListAttempts(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, http.StatusOK, attempts[0].HTTPStatus)
}

func TestDuplicateIsNotForwardedAgain(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	h.ingest(t, "m-1")
	dup := h.ingest(t, "m-1")

	assert.Equal(t, store.OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, 1, h.hook.count())

	h.clock.Advance(time.Hour)
	n, err := h.sweep.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.hook.count())
}

func TestForwardRetriesUntilExhausted(t *testing.T) {
	h := newHarness(t, fastPolicy(3), http.StatusInternalServerError)
	ctx := context.Background()
	h.ingest(t, "m-1")

	d := h.delivery(t)
	assert.Equal(t, domain.DeliveryRetryScheduled, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, http.StatusInternalServerError, d.LastHTTPStatus)

	// Not due yet.
	n, err := h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Hour)
		n, err := h.sweep.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	d = h.delivery(t)
	assert.Equal(t, domain.DeliveryFailedExhausted, d.Status)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Equal(t, 3, h.hook.count())

	// Terminal deliveries are never claimed again.
	h.clock.Advance(time.Hour)
	n, err = h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	attempts, err := h.svc.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	events, err := h.svc.ListOperatorEvents(ctx, store.EventQuery{Kind: domain.EventForwardExhausted})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, d.ID, events[0].DeliveryID)
	assert.Equal(t, "m-1", events[0].MessageID)

	// Forwarding failure never touches the inbox or the ledger.
	entries, err := h.svc.ListInbox(ctx, store.InboxQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	tn, err := h.svc.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tn.Balance.Equal(decimal.RequireFromString("4.99")))
}

func TestForwardRecoversAfterFailure(t *testing.T) {
	h := newHarness(t, fastPolicy(5), http.StatusBadGateway, http.StatusOK)
	h.ingest(t, "m-1")

	h.clock.Advance(time.Hour)
	_, err := h.sweep.SweepOnce(context.Background())
	require.NoError(t, err)

	d := h.delivery(t)
	assert.Equal(t, domain.DeliverySuccess, d.Status)
	assert.Equal(t, 2, d.AttemptCount)
}

func TestForwardHonorsRetryAfter(t *testing.T) {
	h := newHarness(t, RetryPolicy{Base: time.Second, Max: 30 * time.Minute, MaxAttempts: 5}, http.StatusTooManyRequests)
	h.hook.header = http.Header{"Retry-After": []string{"600"}}
	start := h.clock.Now()
	h.ingest(t, "m-1")

	d := h.delivery(t)
	assert.Equal(t, domain.DeliveryRetryScheduled, d.Status)
	assert.Equal(t, start.Add(10*time.Minute), d.NextAttemptAt)
}

func TestOpenBreakerDefersWithoutConsumingAttempt(t *testing.T) {
	h := newHarness(t, fastPolicy(5), http.StatusInternalServerError)
	h.proc.Breakers = NewBreakerSet(1, time.Hour)
	h.ingest(t, "m-1")
	require.Equal(t, 1, h.hook.count())

	h.clock.Advance(time.Minute)
	n, err := h.sweep.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, h.hook.count())
	d := h.delivery(t)
	assert.Equal(t, domain.DeliveryRetryScheduled, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, deferCircuitOpen, d.LastError)
	assert.Equal(t, h.clock.Now().Add(time.Hour), d.NextAttemptAt)
}

func TestMissingWebhookFailsTerminally(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	h.svc.Queue = nil
	ctx := context.Background()
	h.ingest(t, "m-1")
	require.NoError(t, h.svc.ClearWebhook(ctx, "t1"))

	_, err := h.sweep.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, h.hook.count())
	d := h.delivery(t)
	assert.Equal(t, domain.DeliveryFailedExhausted, d.Status)
	assert.Equal(t, errWebhookNotConfigured, d.LastError)
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	h.svc.Queue = nil
	ctx := context.Background()
	resp := h.ingest(t, "m-1")

	// A worker claims and then disappears.
	_, ok, err := h.store.ClaimDelivery(ctx, resp.DeliveryID, h.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = h.store.ClaimDelivery(ctx, resp.DeliveryID, h.clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be claimed twice")

	h.clock.Advance(30 * time.Second)
	n, err := h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Minute)
	n, err = h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.hook.count())
	assert.Equal(t, domain.DeliverySuccess, h.delivery(t).Status)
}

func TestLostLeaseDiscardsResult(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	h.svc.Queue = nil
	ctx := context.Background()
	resp := h.ingest(t, "m-1")

	job, ok, err := h.store.ClaimDelivery(ctx, resp.DeliveryID, h.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Another worker finishes the same delivery first.
	require.NoError(t, h.store.RecordAttempt(ctx, store.AttemptResult{
		DeliveryID: job.Delivery.ID, AttemptNumber: 1, Success: true, HTTPStatus: 200, Now: h.clock.Now(),
	}))

	require.NoError(t, h.proc.Process(ctx, job))
	attempts, err := h.svc.ListAttempts(ctx, job.Delivery.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestHandleNudgeIgnoresUnknownDelivery(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	require.NoError(t, h.proc.HandleNudge(context.Background(), "dlv_missing"))
	assert.Zero(t, h.hook.count())
}

type claimRecorder struct {
	Store
	mu     sync.Mutex
	limits []int
}

func (c *claimRecorder) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryJob, error) {
	c.mu.Lock()
	c.limits = append(c.limits, limit)
	c.mu.Unlock()
	return c.Store.ClaimDue(ctx, now, lease, limit)
}

func TestSweepClaimsNoMoreThanWorkers(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	h.svc.Queue = nil
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		h.ingest(t, fmt.Sprintf("m-%d", i))
	}

	rec := &claimRecorder{Store: h.store}
	h.proc.Store = rec
	h.sweep.Batch = 4
	h.sweep.Workers = 2

	n, err := h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{2, 2}, rec.limits)
	assert.Equal(t, 4, h.hook.count())

	n, err = h.sweep.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{2, 2, 2}, rec.limits)
	assert.Equal(t, 5, h.hook.count())

	ds, err := h.svc.ListDeliveries(ctx, store.DeliveryQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, ds, 5)
	for _, d := range ds {
		assert.Equal(t, domain.DeliverySuccess, d.Status)
	}
}
