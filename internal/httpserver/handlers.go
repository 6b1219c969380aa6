package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
	"smsrouter/internal/store"
)

const maxAdminBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Ledger is the part of the ledger service the operator API drives.
type Ledger interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
	CreateTenant(ctx context.Context, id, name string, initial decimal.Decimal) (domain.Tenant, error)
	AddBinding(ctx context.Context, b domain.Binding) error
	SetWebhook(ctx context.Context, tenantID, rawURL, secret string) error
	ClearWebhook(ctx context.Context, tenantID string) error
	GrantCredit(ctx context.Context, tenantID string, amount decimal.Decimal, actorID, note string) (domain.CreditTransaction, error)
	AppendSent(ctx context.Context, tenantID string, m store.SentMessage) (store.AppendResult, error)
	Stats(ctx context.Context, tenantID string) (domain.Stats, error)
	ListInbox(ctx context.Context, q store.InboxQuery) ([]domain.InboxEntry, error)
	ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.CreditTransaction, error)
	ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]domain.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
	ListOperatorEvents(ctx context.Context, q store.EventQuery) ([]domain.OperatorEvent, error)
	ReconcileCounters(ctx context.Context, tenantID string) (store.CounterReport, error)
	ReconcileBalance(ctx context.Context, tenantID string, fix bool) (store.BalanceReport, error)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

// API serves the operator and dashboard endpoints. Register mounts them on a
// subrouter guarded by Auth.
type API struct {
	Svc      Ledger
	Bindings Refresher
}

type createTenantRequest struct {
	ID             string          `json:"id" validate:"required,max=64,excludesall=/"`
	Name           string          `json:"name" validate:"max=200"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

type bindingRequest struct {
	Kind    domain.BindingKind `json:"kind" validate:"required,oneof=address modem_port"`
	Address string             `json:"address" validate:"required_if=Kind address,max=32"`
	ModemID string             `json:"modemId" validate:"required_if=Kind modem_port,max=128"`
	PortID  string             `json:"portId" validate:"required_if=Kind modem_port,max=128"`
}

type webhookRequest struct {
	URL    string `json:"url" validate:"max=2048"`
	Secret string `json:"secret" validate:"max=256"`
}

type grantRequest struct {
	TenantID string          `json:"tenantId" validate:"required,max=64"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note" validate:"max=500"`
}

type grantResponse struct {
	TenantID      string          `json:"tenantId"`
	Balance       decimal.Decimal `json:"balance"`
	TransactionID string          `json:"transactionId"`
}

type counterReportResponse struct {
	TenantID string              `json:"tenantId"`
	Drifted  bool                `json:"drifted"`
	Cached   []domain.CounterRow `json:"cached"`
	Rebuilt  []domain.CounterRow `json:"rebuilt"`
}

type balanceReportResponse struct {
	TenantID string          `json:"tenantId"`
	Stored   decimal.Decimal `json:"stored"`
	Computed decimal.Decimal `json:"computed"`
	Drifted  bool            `json:"drifted"`
	Fixed    bool            `json:"fixed"`
}

type sentResponse struct {
	Created bool              `json:"created"`
	Entry   domain.InboxEntry `json:"entry"`
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/tenants", a.handleCreateTenant).Methods(http.MethodPost)
	m.HandleFunc("/v1/tenants/{tenantId}", a.handleGetTenant).Methods(http.MethodGet)
	m.HandleFunc("/v1/tenants/{tenantId}/bindings", a.handleAddBinding).Methods(http.MethodPost)
	m.HandleFunc("/v1/tenants/{tenantId}/webhook", a.handleSetWebhook).Methods(http.MethodPut)
	m.HandleFunc("/v1/tenants/{tenantId}/webhook", a.handleClearWebhook).Methods(http.MethodDelete)
	m.HandleFunc("/v1/tenants/{tenantId}/sent", a.handleAppendSent).Methods(http.MethodPost)
	m.HandleFunc("/v1/tenants/{tenantId}/counters/reconcile", a.handleReconcileCounters).Methods(http.MethodPost)
	m.HandleFunc("/v1/tenants/{tenantId}/balance/reconcile", a.handleReconcileBalance).Methods(http.MethodPost)
	m.HandleFunc("/v1/tenants/{tenantId}/stats", a.handleStats).Methods(http.MethodGet)
	m.HandleFunc("/v1/tenants/{tenantId}/inbox", a.handleInbox).Methods(http.MethodGet)
	m.HandleFunc("/v1/tenants/{tenantId}/transactions", a.handleTransactions).Methods(http.MethodGet)
	m.HandleFunc("/v1/tenants/{tenantId}/deliveries", a.handleDeliveries).Methods(http.MethodGet)
	m.HandleFunc("/v1/deliveries/{id}/attempts", a.handleAttempts).Methods(http.MethodGet)
	m.HandleFunc("/v1/credits/grants", a.handleGrant).Methods(http.MethodPost)
	m.HandleFunc("/v1/operator/events", a.handleEvents).Methods(http.MethodGet)
	m.HandleFunc("/v1/inbox/unassigned", a.handleUnassigned).Methods(http.MethodGet)
	m.HandleFunc("/v1/bindings/refresh", a.handleRefreshBindings).Methods(http.MethodPost)
}

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := a.Svc.CreateTenant(r.Context(), req.ID, req.Name, req.InitialBalance)
	if err != nil {
		writeLedgerError(w, err, "create tenant failed", "tenant_id", req.ID)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	t, err := a.Svc.GetTenant(r.Context(), tenantID)
	if err != nil {
		writeLedgerError(w, err, "get tenant failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleAddBinding(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req bindingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b := domain.Binding{TenantID: tenantID, Kind: req.Kind, Address: req.Address, ModemID: req.ModemID, PortID: req.PortID}
	if err := a.Svc.AddBinding(r.Context(), b); err != nil {
		writeLedgerError(w, err, "add binding failed", "tenant_id", tenantID)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.Svc.SetWebhook(r.Context(), tenantID, req.URL, req.Secret); err != nil {
		writeLedgerError(w, err, "set webhook failed", "tenant_id", tenantID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if err := a.Svc.ClearWebhook(r.Context(), tenantID); err != nil {
		writeLedgerError(w, err, "clear webhook failed", "tenant_id", tenantID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, _ := OperatorFrom(r.Context())
	tx, err := a.Svc.GrantCredit(r.Context(), req.TenantID, req.Amount, op.ActorID, req.Note)
	if err != nil {
		writeLedgerError(w, err, "grant credit failed", "tenant_id", req.TenantID, "actor_id", op.ActorID)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{TenantID: tx.TenantID, Balance: tx.BalanceAfter, TransactionID: tx.ID})
}

func (a *API) handleAppendSent(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req store.SentMessage
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Svc.AppendSent(r.Context(), tenantID, req)
	if err != nil {
		writeLedgerError(w, err, "append sent failed", "tenant_id", tenantID, "message_id", req.MessageID)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sentResponse{Created: res.Created, Entry: res.Entry})
}

func (a *API) handleReconcileCounters(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	rep, err := a.Svc.ReconcileCounters(r.Context(), tenantID)
	if err != nil {
		writeLedgerError(w, err, "reconcile counters failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, counterReportResponse{
		TenantID: rep.TenantID,
		Drifted:  rep.Drifted,
		Cached:   nonNil(rep.Cached),
		Rebuilt:  nonNil(rep.Rebuilt),
	})
}

func (a *API) handleReconcileBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	fix, err := boolParam(r, "fix")
	if err != nil {
		http.Error(w, ErrInvalidParameter+": fix", http.StatusBadRequest)
		return
	}
	rep, err := a.Svc.ReconcileBalance(r.Context(), tenantID, fix)
	if err != nil {
		writeLedgerError(w, err, "reconcile balance failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, balanceReportResponse{
		TenantID: rep.TenantID,
		Stored:   rep.Stored,
		Computed: rep.Computed,
		Drifted:  rep.Drifted,
		Fixed:    rep.Fixed,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if _, err := a.Svc.GetTenant(r.Context(), tenantID); err != nil {
		writeLedgerError(w, err, "stats failed", "tenant_id", tenantID)
		return
	}
	st, err := a.Svc.Stats(r.Context(), tenantID)
	if err != nil {
		writeLedgerError(w, err, "stats failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	a.listInbox(w, r, store.InboxQuery{TenantID: mux.Vars(r)["tenantId"]})
}

func (a *API) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	a.listInbox(w, r, store.InboxQuery{Unassigned: true})
}

func (a *API) listInbox(w http.ResponseWriter, r *http.Request, q store.InboxQuery) {
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	q.Limit, q.Before = limit, before
	q.Search = strings.TrimSpace(r.URL.Query().Get("search"))
	switch dir := domain.Direction(r.URL.Query().Get("direction")); dir {
	case "", domain.DirectionReceived, domain.DirectionSent:
		q.Direction = dir
	default:
		http.Error(w, ErrInvalidParameter+": direction", http.StatusBadRequest)
		return
	}
	items, err := a.Svc.ListInbox(r.Context(), q)
	if err != nil {
		writeLedgerError(w, err, "list inbox failed", "tenant_id", q.TenantID)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, limit, func(e domain.InboxEntry) (time.Time, string) { return e.CreatedAt, e.ID }))
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, err := a.Svc.ListTransactions(r.Context(), store.TransactionQuery{TenantID: tenantID, Limit: limit, Before: before})
	if err != nil {
		writeLedgerError(w, err, "list transactions failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, limit, func(t domain.CreditTransaction) (time.Time, string) { return t.CreatedAt, t.ID }))
}

func (a *API) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := store.DeliveryQuery{
		TenantID: tenantID,
		Status:   domain.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Before:   before,
	}
	items, err := a.Svc.ListDeliveries(r.Context(), q)
	if err != nil {
		writeLedgerError(w, err, "list deliveries failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, limit, func(d domain.Delivery) (time.Time, string) { return d.CreatedAt, d.ID }))
}

func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	items, err := a.Svc.ListAttempts(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err, "list attempts failed", "delivery_id", id)
		return
	}
	writeJSON(w, http.StatusOK, page[domain.DeliveryAttempt]{Items: nonNil(items)})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := store.EventQuery{
		TenantID: r.URL.Query().Get("tenantId"),
		Kind:     domain.OperatorEventKind(r.URL.Query().Get("kind")),
		Limit:    limit,
		Before:   before,
	}
	items, err := a.Svc.ListOperatorEvents(r.Context(), q)
	if err != nil {
		writeLedgerError(w, err, "list operator events failed")
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, limit, func(e domain.OperatorEvent) (time.Time, string) { return e.CreatedAt, e.ID }))
}

func (a *API) handleRefreshBindings(w http.ResponseWriter, r *http.Request) {
	if err := a.Bindings.Refresh(r.Context()); err != nil {
		slog.Error("binding refresh failed", "err", err)
		http.Error(w, ErrResolverRefresh, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads and validates a JSON request body, writing a 400 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if err := dec.Decode(dst); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			http.Error(w, ErrInvalidParameter+": "+verrs[0].Field(), http.StatusBadRequest)
			return false
		}
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	return true
}

// pageParams parses limit and cursor, writing a 400 on failure. Limit is
// clamped to the store page bounds.
func pageParams(w http.ResponseWriter, r *http.Request) (int, *store.Cursor, bool) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, ErrInvalidParameter+": limit", http.StatusBadRequest)
			return 0, nil, false
		}
		limit = n
	}
	before, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, ErrInvalidCursor, http.StatusBadRequest)
		return 0, nil, false
	}
	return store.ClampLimit(limit), before, true
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func writeLedgerError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrTenantNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrTenantExists):
		http.Error(w, ErrTenantExists, http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidAmount):
		http.Error(w, ErrInvalidAmount, http.StatusBadRequest)
	case errors.Is(err, domain.ErrWebhookURLRequired),
		errors.Is(err, domain.ErrInvalidWebhook),
		errors.Is(err, domain.ErrInvalidBinding),
		errors.Is(err, domain.ErrMissingRequiredField):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error(msg, append([]any{"err", err}, attrs...)...)
		http.Error(w, ErrStoreUnavailable, http.StatusServiceUnavailable)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
