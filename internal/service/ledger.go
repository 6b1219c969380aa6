package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/resolver"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

type Normalizer interface {
	Normalize(raw []byte, profile string, now time.Time) (domain.InboundMessage, error)
}

type Resolver interface {
	Resolve(msg domain.InboundMessage) resolver.Resolution
}

// Queue nudges the forwarder about a new delivery. The delivery row is the
// source of truth; a lost nudge only delays forwarding until the next sweep.
type Queue interface {
	EnqueueDelivery(ctx context.Context, tenantID, deliveryID string) error
}

type Store interface {
	Ping(ctx context.Context) error

	Ingest(ctx context.Context, in store.IngestRequest) (store.IngestResult, error)
	AppendSent(ctx context.Context, tenantID string, m store.SentMessage, now time.Time) (store.AppendResult, error)
	GrantCredit(ctx context.Context, in store.CreditGrant) (domain.CreditTransaction, error)

	CreateTenant(ctx context.Context, in store.NewTenant) (domain.Tenant, error)
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
	SetWebhook(ctx context.Context, in store.WebhookConfig) error
	AddBinding(ctx context.Context, b domain.Binding) error
	ListBindings(ctx context.Context) ([]domain.Binding, error)

	Stats(ctx context.Context, tenantID string, now time.Time) (domain.Stats, error)
	ListInbox(ctx context.Context, q store.InboxQuery) ([]domain.InboxEntry, error)
	ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.CreditTransaction, error)
	ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]domain.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
	ListOperatorEvents(ctx context.Context, q store.EventQuery) ([]domain.OperatorEvent, error)

	ReconcileCounters(ctx context.Context, tenantID string, now time.Time) (store.CounterReport, error)
	ReconcileBalance(ctx context.Context, tenantID string, fix bool, now time.Time) (store.BalanceReport, error)
}

type LedgerService struct {
	Store      Store
	Normalizer Normalizer
	Resolver   Resolver
	Queue      Queue

	// Surcharge is debited per received message; zero disables billing.
	Surcharge decimal.Decimal
	Now       func() time.Time
}

type IngestResponse struct {
	Outcome    store.IngestOutcome
	MessageID  string
	TenantID   string
	Charged    bool
	LowBalance bool
	DeliveryID string
}

func (s *LedgerService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

// Ingest normalizes, resolves and records one gateway delivery. A duplicate
// message id returns OutcomeDuplicate with no side effects. Store failures
// are wrapped in domain.ErrStoreUnavailable: nothing was committed and the
// gateway should retry.
func (s *LedgerService) Ingest(ctx context.Context, profile string, raw []byte) (IngestResponse, error) {
	now := s.now()
	msg, err := s.Normalizer.Normalize(raw, profile, now)
	if err != nil {
		observability.Ingests.WithLabelValues(profile, "rejected").Inc()
		slog.Warn("normalization failed", "profile", profile, "err", err, "payload", truncate(raw, 2048))
		return IngestResponse{}, err
	}

	res := s.Resolver.Resolve(msg)
	match := string(res.MatchedBy)
	if match == "" {
		match = "unassigned"
	}
	observability.Routing.WithLabelValues(match).Inc()

	out, err := s.Store.Ingest(ctx, store.IngestRequest{
		Message:   msg,
		TenantID:  res.TenantID,
		Surcharge: s.Surcharge,
		Now:       now,
	})
	if err != nil {
		observability.Ingests.WithLabelValues(profile, "error").Inc()
		slog.Error("ingest failed", "err", err, "message_id", msg.MessageID, "tenant_id", res.TenantID)
		return IngestResponse{}, fmt.Errorf("ingest %s: %w: %w", msg.MessageID, domain.ErrStoreUnavailable, err)
	}
	observability.Ingests.WithLabelValues(profile, string(out.Outcome)).Inc()

	resp := IngestResponse{
		Outcome:    out.Outcome,
		MessageID:  msg.MessageID,
		TenantID:   out.Entry.TenantID,
		Charged:    out.Charged,
		LowBalance: out.LowBalance,
		DeliveryID: out.DeliveryID,
	}
	if out.Outcome == store.OutcomeDuplicate {
		slog.Info("duplicate delivery ignored", "message_id", msg.MessageID, "profile", profile)
		return resp, nil
	}

	switch {
	case resp.TenantID == "":
		slog.Info("unassigned message recorded", "message_id", msg.MessageID, "to", msg.To, "modem_id", msg.ModemID, "port_id", msg.PortID)
	case out.LowBalance:
		observability.LowBalance.Inc()
		slog.Warn("low balance, surcharge skipped", "tenant_id", resp.TenantID, "message_id", msg.MessageID, "surcharge", s.Surcharge.String(), "balance", out.BalanceAfter.String())
	case out.Charged:
		observability.CreditTransactions.WithLabelValues(string(domain.ReasonReceivedSMS)).Inc()
	}

	if out.DeliveryID != "" {
		s.forward(ctx, resp.TenantID, out.DeliveryID)
	}
	return resp, nil
}

// forward hands a committed delivery to the forwarder.
func (s *LedgerService) forward(ctx context.Context, tenantID, deliveryID string) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.EnqueueDelivery(ctx, tenantID, deliveryID); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		slog.Warn("delivery nudge failed, sweeper will pick it up", "err", err, "tenant_id", tenantID, "delivery_id", deliveryID)
		return
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
