package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsrouter/internal/auth"
	"smsrouter/internal/domain"
	"smsrouter/internal/normalize"
	"smsrouter/internal/observability"
	"smsrouter/internal/ratelimit"
	"smsrouter/internal/resolver"
	"smsrouter/internal/service"
	"smsrouter/internal/signing"
	"smsrouter/internal/store"
	"smsrouter/internal/store/memstore"
)

const (
	jwtSecret     = "jwt-test-secret"
	jwtIssuer     = "smsrouter"
	gatewaySecret = "gw-secret"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	store *memstore.Store
	svc   *service.LedgerService
	token string
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                        { return nil }

type failingIngester struct{ err error }

func (f failingIngester) Ingest(ctx context.Context, profile string, raw []byte) (service.IngestResponse, error) {
	return service.IngestResponse{}, f.err
}

type option func(*Inbound)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	ctx := context.Background()

	reg, err := normalize.NewRegistry()
	require.NoError(t, err)
	st := memstore.New()
	res := resolver.New(st)
	svc := &service.LedgerService{
		Store:      st,
		Normalizer: reg,
		Resolver:   res,
		Surcharge:  decimal.RequireFromString("0.01"),
		Now:        func() time.Time { return fixedNow },
	}
	_, err = svc.CreateTenant(ctx, "t1", "Tenant One", decimal.RequireFromString("1.00"))
	require.NoError(t, err)
	require.NoError(t, svc.AddBinding(ctx, domain.Binding{TenantID: "t1", Kind: domain.BindingAddress, Address: "+19876543210"}))
	_, err = svc.CreateTenant(ctx, "t0", "Broke Tenant", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, svc.AddBinding(ctx, domain.Binding{TenantID: "t0", Kind: domain.BindingAddress, Address: "+19870000000"}))
	require.NoError(t, res.Refresh(ctx))

	in := &Inbound{
		Svc:     svc,
		Secrets: map[string]string{normalize.ProfileAndroidGateway: gatewaySecret},
		Limiter: ratelimit.NoOpRateLimiter{},
	}
	for _, o := range opts {
		o(in)
	}

	s := New()
	s.Mux.Use(Metrics(observability.APIRequests))
	s.Mux.HandleFunc("/healthz", Healthz())
	s.Mux.HandleFunc("/readyz", Readyz(time.Second, DependencyCheck{Name: "store", Check: st.Ping}))
	in.Register(s.Mux)
	(&API{Svc: svc, Bindings: res}).Register(s.Operator(auth.NewVerifier(jwtSecret, jwtIssuer)))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	token, err := auth.Issue(jwtSecret, jwtIssuer, "ops@example.com", []string{auth.RoleOperator}, time.Hour)
	require.NoError(t, err)

	return &harness{t: t, srv: srv, store: st, svc: svc, token: token}
}

func (h *harness) do(method, path, token string, body []byte, headers ...string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) admin(method, path string, body any) *http.Response {
	h.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	return h.do(method, path, h.token, raw)
}

func (h *harness) inbound(id, to string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, "/v1/webhooks/generic/inbound", "", genericPayload(id, to))
}

func genericPayload(id, to string) []byte {
	return []byte(fmt.Sprintf(`{"from":"+1234","to":%q,"message":"hello","messageId":%q}`, to, id))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestInboundCreatedThenDuplicate(t *testing.T) {
	h := newHarness(t)

	first := h.inbound("m1", "+19876543210")
	require.Equal(t, http.StatusOK, first.StatusCode)
	body1 := decode[map[string]any](t, first)

	second := h.inbound("m1", "+19876543210")
	require.Equal(t, http.StatusOK, second.StatusCode)
	body2 := decode[map[string]any](t, second)

	assert.Equal(t, true, body1["success"])
	assert.Equal(t, "created", body1["outcome"])
	assert.Equal(t, "duplicate", body2["outcome"])
	assert.Len(t, body2, len(body1))

	tenant, err := h.svc.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, tenant.Balance.Equal(decimal.RequireFromString("0.99")), tenant.Balance.String())
}

func TestInboundGatewaySignature(t *testing.T) {
	h := newHarness(t)
	path := "/v1/webhooks/android-gateway/inbound"
	body := []byte(`{"from":"+1234","receiver":"+19876543210","message":"hi","messageId":"a1"}`)

	resp := h.do(http.MethodPost, path, "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(http.MethodPost, path, "", body, signing.HeaderGatewaySignature, signing.Sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(http.MethodPost, path, "", body, signing.HeaderGatewaySignature, signing.Sign(gatewaySecret, body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInboundErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/webhooks/nope/inbound", "", genericPayload("m1", "+19876543210"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodPost, "/v1/webhooks/generic/inbound", "", []byte(`{"from":"+1234","message":"no recipient"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodPost, "/v1/webhooks/generic/inbound", "", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInboundBodyLimit(t *testing.T) {
	h := newHarness(t, func(in *Inbound) { in.MaxBodyBytes = 64 })
	big := []byte(`{"from":"+1234","to":"+19876543210","message":"` + strings.Repeat("x", 200) + `"}`)
	resp := h.do(http.MethodPost, "/v1/webhooks/generic/inbound", "", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestInboundRateLimited(t *testing.T) {
	h := newHarness(t, func(in *Inbound) { in.Limiter = denyLimiter{} })
	resp := h.inbound("m1", "+19876543210")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestInboundStoreUnavailable(t *testing.T) {
	h := newHarness(t, func(in *Inbound) {
		in.Svc = failingIngester{err: fmt.Errorf("ingest m1: %w: %w", domain.ErrStoreUnavailable, errors.New("connection refused"))}
	})
	resp := h.inbound("m1", "+19876543210")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOperatorAuth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/v1/tenants/t1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(http.MethodGet, "/v1/tenants/t1/stats", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer, err := auth.Issue(jwtSecret, jwtIssuer, "viewer@example.com", []string{"viewer"}, time.Hour)
	require.NoError(t, err)
	resp = h.do(http.MethodGet, "/v1/tenants/t1/stats", viewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodGet, "/v1/tenants/t1/stats", h.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGrantCredit(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(http.MethodPost, "/v1/credits/grants", map[string]any{"tenantId": "t1", "amount": "10", "note": "top up"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[grantResponse](t, resp)
	assert.Equal(t, "t1", out.TenantID)
	assert.True(t, out.Balance.Equal(decimal.RequireFromString("11.00")), out.Balance.String())
	assert.NotEmpty(t, out.TransactionID)

	txs, err := h.store.ListTransactions(context.Background(), store.TransactionQuery{TenantID: "t1", Limit: 10})
	require.NoError(t, err)
	var grant domain.CreditTransaction
	for _, tx := range txs {
		if tx.ID == out.TransactionID {
			grant = tx
		}
	}
	assert.Equal(t, domain.ReasonAdminGrant, grant.Reason)
	assert.Equal(t, "ops@example.com", grant.ActorID)
	assert.Equal(t, "top up", grant.Note)

	resp = h.admin(http.MethodPost, "/v1/credits/grants", map[string]any{"tenantId": "t1", "amount": "0"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/credits/grants", map[string]any{"tenantId": "t1", "amount": "0.00001"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/credits/grants", map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/credits/grants", map[string]any{"tenantId": "ghost", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookConfig(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(http.MethodPut, "/v1/tenants/t1/webhook", map[string]string{"secret": "0123456789abcdef"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPut, "/v1/tenants/t1/webhook", map[string]string{"url": "ftp://x", "secret": "0123456789abcdef"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPut, "/v1/tenants/t1/webhook", map[string]string{"url": "https://tenant.example/hook", "secret": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPut, "/v1/tenants/t1/webhook", map[string]string{"url": "https://tenant.example/hook", "secret": "0123456789abcdef"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	tenant, err := h.svc.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "https://tenant.example/hook", tenant.WebhookURL)

	resp = h.admin(http.MethodDelete, "/v1/tenants/t1/webhook", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	tenant, err = h.svc.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, tenant.WebhookURL)

	resp = h.admin(http.MethodPut, "/v1/tenants/ghost/webhook", map[string]string{"url": "https://tenant.example/hook", "secret": "0123456789abcdef"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInboxPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, h.inbound(fmt.Sprintf("m%d", i), "+19876543210").StatusCode)
	}

	resp := h.admin(http.MethodGet, "/v1/tenants/t1/inbox?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[page[domain.InboxEntry]](t, resp)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	resp = h.admin(http.MethodGet, "/v1/tenants/t1/inbox?limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[page[domain.InboxEntry]](t, resp)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, e := range append(first.Items, second.Items...) {
		seen[e.MessageID] = true
	}
	assert.Len(t, seen, 3)

	resp = h.admin(http.MethodGet, "/v1/tenants/t1/inbox?search=hello&direction=received", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[page[domain.InboxEntry]](t, resp).Items, 3)

	resp = h.admin(http.MethodGet, "/v1/tenants/t1/inbox?direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodGet, "/v1/tenants/t1/inbox?cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodGet, "/v1/tenants/ghost/inbox", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnassignedAndEvents(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.inbound("u1", "+15550001111").StatusCode)
	require.Equal(t, http.StatusOK, h.inbound("b1", "+19870000000").StatusCode)

	resp := h.admin(http.MethodGet, "/v1/inbox/unassigned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unassigned := decode[page[domain.InboxEntry]](t, resp)
	require.Len(t, unassigned.Items, 1)
	assert.Equal(t, "u1", unassigned.Items[0].MessageID)
	assert.Empty(t, unassigned.Items[0].TenantID)

	resp = h.admin(http.MethodGet, "/v1/operator/events?kind=low_balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[page[domain.OperatorEvent]](t, resp)
	require.Len(t, events.Items, 1)
	assert.Equal(t, "t0", events.Items[0].TenantID)
	assert.Equal(t, "b1", events.Items[0].MessageID)
}

func TestSentAndStats(t *testing.T) {
	h := newHarness(t)
	msg := map[string]any{"messageId": "s1", "from": "+19876543210", "to": "+15557654321", "message": "reply", "timestamp": fixedNow}

	resp := h.admin(http.MethodPost, "/v1/tenants/t1/sent", msg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.admin(http.MethodPost, "/v1/tenants/t1/sent", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[sentResponse](t, resp).Created)

	resp = h.admin(http.MethodPost, "/v1/tenants/t1/sent", map[string]any{"messageId": "s2", "to": "+15557654321"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, http.StatusOK, h.inbound("m1", "+19876543210").StatusCode)

	resp = h.admin(http.MethodGet, "/v1/tenants/t1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[domain.Stats](t, resp)
	assert.Equal(t, domain.Stats{TotalSent: 1, TotalReceived: 1, SentToday: 1, ReceivedToday: 1}, stats)

	resp = h.admin(http.MethodGet, "/v1/tenants/ghost/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileCounters(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.inbound("m1", "+19876543210").StatusCode)
	h.store.CorruptCounters("t1", fixedNow, 5, 0)

	resp := h.admin(http.MethodPost, "/v1/tenants/t1/counters/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[counterReportResponse](t, resp)
	assert.True(t, rep.Drifted)
	require.Len(t, rep.Rebuilt, 1)
	assert.Equal(t, int64(1), rep.Rebuilt[0].Received)
	assert.Equal(t, int64(0), rep.Rebuilt[0].Sent)

	resp = h.admin(http.MethodPost, "/v1/tenants/t1/counters/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[counterReportResponse](t, resp).Drifted)

	resp = h.admin(http.MethodPost, "/v1/tenants/t1/balance/reconcile?fix=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/tenants/t1/balance/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[balanceReportResponse](t, resp).Drifted)
}

func TestTenantBindingAndRefresh(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(http.MethodPost, "/v1/tenants", map[string]any{"id": "t2", "name": "Tenant Two", "initialBalance": "2.50"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.admin(http.MethodPost, "/v1/tenants", map[string]any{"id": "t2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = h.admin(http.MethodPost, "/v1/tenants", map[string]any{"name": "no id"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/tenants/t2/bindings", map[string]any{"kind": "modem_port", "modemId": "m-7"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.admin(http.MethodPost, "/v1/tenants/t2/bindings", map[string]any{"kind": "address", "address": "+15552223333"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.admin(http.MethodPut, "/v1/tenants/t2/webhook", map[string]string{"url": "https://two.example/hook", "secret": "0123456789abcdef"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.admin(http.MethodPost, "/v1/bindings/refresh", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, http.StatusOK, h.inbound("m1", "+15552223333").StatusCode)
	resp = h.admin(http.MethodGet, "/v1/tenants/t2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tenant := decode[domain.Tenant](t, resp)
	assert.True(t, tenant.Balance.Equal(decimal.RequireFromString("2.49")), tenant.Balance.String())

	resp = h.admin(http.MethodGet, "/v1/tenants/t2/deliveries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deliveries := decode[page[domain.Delivery]](t, resp)
	require.Len(t, deliveries.Items, 1)

	resp = h.admin(http.MethodGet, "/v1/deliveries/"+deliveries.Items[0].ID+"/attempts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[page[domain.DeliveryAttempt]](t, resp).Items)

	resp = h.admin(http.MethodGet, "/v1/tenants/t2/transactions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[page[domain.CreditTransaction]](t, resp).Items, 2)
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	resp = h.do(http.MethodGet, "/readyz", "", nil, HeaderRequestID, "req-42")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
	ready := decode[readyzResponse](t, resp)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, map[string]string{"store": "ok"}, ready.Checks)
}

func TestReadyzFailingCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	Readyz(time.Second,
		DependencyCheck{Name: "store", Check: func(ctx context.Context) error { return nil }},
		DependencyCheck{Name: "queue", Check: func(ctx context.Context) error { return errors.New("queue down") }},
	)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body readyzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, map[string]string{"store": "ok", "queue": "queue down"}, body.Checks)
}

func TestReadyzTimeoutReachesChecks(t *testing.T) {
	rec := httptest.NewRecorder()
	Readyz(10*time.Millisecond, DependencyCheck{Name: "store", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), context.DeadlineExceeded.Error())
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	c, err := decodeCursor(encodeCursor(ts, "01HXYZ"))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(ts))
	assert.Equal(t, "01HXYZ", c.ID)

	c, err = decodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = decodeCursor("bm8tc2VwYXJhdG9y")
	assert.Error(t, err)
}
