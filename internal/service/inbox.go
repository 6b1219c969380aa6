package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"smsrouter/internal/domain"
	"smsrouter/internal/observability"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

// AppendSent records an outbound message in the tenant inbox. Repeating the
// same message id returns the existing entry.
func (s *LedgerService) AppendSent(ctx context.Context, tenantID string, m store.SentMessage) (store.AppendResult, error) {
	m.MessageID = strings.TrimSpace(m.MessageID)
	if m.MessageID == "" {
		return store.AppendResult{}, fmt.Errorf("%w: messageId", domain.ErrMissingRequiredField)
	}
	to, ok := util.CanonicalPhone(m.To)
	if !ok {
		return store.AppendResult{}, fmt.Errorf("%w: to", domain.ErrMissingRequiredField)
	}
	m.To = to
	if !util.IsAlphanumericSender(m.From) {
		from, ok := util.CanonicalPhone(m.From)
		if !ok {
			return store.AppendResult{}, fmt.Errorf("%w: from", domain.ErrMissingRequiredField)
		}
		m.From = from
	}
	return s.Store.AppendSent(ctx, tenantID, m, s.now())
}

func (s *LedgerService) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	return s.Store.Stats(ctx, tenantID, s.now())
}

func (s *LedgerService) ListInbox(ctx context.Context, q store.InboxQuery) ([]domain.InboxEntry, error) {
	if !q.Unassigned {
		if _, err := s.Store.GetTenant(ctx, q.TenantID); err != nil {
			return nil, err
		}
	}
	q.Limit = store.ClampLimit(q.Limit)
	return s.Store.ListInbox(ctx, q)
}

func (s *LedgerService) ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.CreditTransaction, error) {
	if _, err := s.Store.GetTenant(ctx, q.TenantID); err != nil {
		return nil, err
	}
	q.Limit = store.ClampLimit(q.Limit)
	return s.Store.ListTransactions(ctx, q)
}

func (s *LedgerService) ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]domain.Delivery, error) {
	q.Limit = store.ClampLimit(q.Limit)
	return s.Store.ListDeliveries(ctx, q)
}

func (s *LedgerService) ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	return s.Store.ListAttempts(ctx, deliveryID)
}

func (s *LedgerService) ListOperatorEvents(ctx context.Context, q store.EventQuery) ([]domain.OperatorEvent, error) {
	q.Limit = store.ClampLimit(q.Limit)
	return s.Store.ListOperatorEvents(ctx, q)
}

// ReconcileCounters rebuilds one tenant's cached counters from inbox entries.
func (s *LedgerService) ReconcileCounters(ctx context.Context, tenantID string) (store.CounterReport, error) {
	rep, err := s.Store.ReconcileCounters(ctx, tenantID, s.now())
	if err != nil {
		return store.CounterReport{}, err
	}
	if rep.Drifted {
		observability.CounterDrift.Inc()
		slog.Warn("inbox counters drifted, rebuilt", "tenant_id", tenantID, "cached", rep.Cached, "rebuilt", rep.Rebuilt)
	}
	return rep, nil
}

// ReconcileAllCounters runs ReconcileCounters for every tenant and returns
// the reports that found drift.
func (s *LedgerService) ReconcileAllCounters(ctx context.Context) ([]store.CounterReport, error) {
	ids, err := s.Store.ListTenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []store.CounterReport
	for _, id := range ids {
		rep, err := s.ReconcileCounters(ctx, id)
		if err != nil {
			return drifted, fmt.Errorf("reconcile %s: %w", id, err)
		}
		if rep.Drifted {
			drifted = append(drifted, rep)
		}
	}
	return drifted, nil
}

// ReconcileBalance compares the cached balance with the ledger sum. It only
// rewrites the balance when fix is set.
func (s *LedgerService) ReconcileBalance(ctx context.Context, tenantID string, fix bool) (store.BalanceReport, error) {
	rep, err := s.Store.ReconcileBalance(ctx, tenantID, fix, s.now())
	if err != nil {
		return store.BalanceReport{}, err
	}
	if rep.Drifted {
		slog.Warn("balance drift", "tenant_id", tenantID, "stored", rep.Stored.String(), "computed", rep.Computed.String(), "fixed", rep.Fixed)
	}
	return rep, nil
}
