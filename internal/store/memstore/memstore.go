// Package memstore is an in-process implementation of the storage layer used
// for development mode and tests. A single mutex serializes every operation,
// which gives the same atomicity the Postgres store gets from transactions.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

type Store struct {
	mu sync.Mutex

	tenants      map[string]*domain.Tenant
	bindings     []domain.Binding
	messages     map[string]domain.InboundMessage
	entries      []domain.InboxEntry
	entryKeys    map[string]struct{}
	counters     map[string]map[time.Time]*domain.CounterRow
	transactions []domain.CreditTransaction
	deliveries   map[string]*domain.Delivery
	attempts     map[string][]domain.DeliveryAttempt
	events       []domain.OperatorEvent
}

func New() *Store {
	return &Store{
		tenants:    make(map[string]*domain.Tenant),
		messages:   make(map[string]domain.InboundMessage),
		entryKeys:  make(map[string]struct{}),
		counters:   make(map[string]map[time.Time]*domain.CounterRow),
		deliveries: make(map[string]*domain.Delivery),
		attempts:   make(map[string][]domain.DeliveryAttempt),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func entryKey(tenantID, messageID string, dir domain.Direction) string {
	return tenantID + "\x00" + messageID + "\x00" + string(dir)
}

func (s *Store) CreateTenant(ctx context.Context, in store.NewTenant) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[in.ID]; exists {
		return domain.Tenant{}, domain.ErrTenantExists
	}
	t := &domain.Tenant{ID: in.ID, Name: in.Name, Balance: decimal.Zero, CreatedAt: in.Now, UpdatedAt: in.Now}
	s.tenants[in.ID] = t
	if in.InitialBalance.IsPositive() {
		s.appendTx(t, in.InitialBalance, domain.ReasonAdminGrant, "", "", "initial balance", in.Now)
	}
	return *t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return *t, nil
}

func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SetWebhook(ctx context.Context, in store.WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[in.TenantID]
	if !ok {
		return domain.ErrTenantNotFound
	}
	t.WebhookURL = in.URL
	t.WebhookSecret = in.Secret
	t.UpdatedAt = in.Now
	return nil
}

func (s *Store) AddBinding(ctx context.Context, b domain.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[b.TenantID]; !ok {
		return domain.ErrTenantNotFound
	}
	for _, cur := range s.bindings {
		if cur == b {
			return nil
		}
	}
	s.bindings = append(s.bindings, b)
	return nil
}

func (s *Store) ListBindings(ctx context.Context) ([]domain.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Binding(nil), s.bindings...), nil
}

// Ingest mirrors the Postgres transaction: every check happens before the
// first mutation, so a rejected ingest leaves no trace.
func (s *Store) Ingest(ctx context.Context, in store.IngestRequest) (store.IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return store.IngestResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := in.Message
	if _, seen := s.messages[msg.MessageID]; seen {
		return store.IngestResult{Outcome: store.OutcomeDuplicate}, nil
	}

	tenant := s.tenants[in.TenantID]
	tenantID := ""
	if tenant != nil {
		tenantID = tenant.ID
	}

	s.messages[msg.MessageID] = msg
	entry := domain.InboxEntry{
		ID:          util.NewID(util.PrefixInboxEntry),
		TenantID:    tenantID,
		MessageID:   msg.MessageID,
		Direction:   domain.DirectionReceived,
		From:        msg.From,
		To:          msg.To,
		Body:        msg.Body,
		Timestamp:   msg.ReceivedAt,
		CostApplied: decimal.Zero,
		CreatedAt:   in.Now,
	}
	res := store.IngestResult{Outcome: store.OutcomeCreated}
	if tenant == nil {
		s.addEntry(entry)
		res.Entry = entry
		return res, nil
	}

	s.bumpCounter(tenantID, in.Now, domain.DirectionReceived)
	if in.Surcharge.IsPositive() {
		if tenant.Balance.GreaterThanOrEqual(in.Surcharge) {
			s.appendTx(tenant, in.Surcharge.Neg(), domain.ReasonReceivedSMS, msg.MessageID, "", "", in.Now)
			entry.CostApplied = in.Surcharge
			res.Charged = true
		} else {
			res.LowBalance = true
			s.addEvent(domain.OperatorEvent{
				Kind:      domain.EventLowBalance,
				TenantID:  tenantID,
				MessageID: msg.MessageID,
				Detail:    "surcharge " + in.Surcharge.String() + " skipped, balance " + tenant.Balance.String(),
				CreatedAt: in.Now,
			})
		}
	}
	res.BalanceAfter = tenant.Balance
	s.addEntry(entry)
	res.Entry = entry

	if tenant.WebhookURL != "" {
		d := &domain.Delivery{
			ID:            util.NewID(util.PrefixDelivery),
			TenantID:      tenantID,
			MessageID:     msg.MessageID,
			Status:        domain.DeliveryPending,
			NextAttemptAt: in.Now,
			CreatedAt:     in.Now,
			UpdatedAt:     in.Now,
		}
		s.deliveries[d.ID] = d
		res.DeliveryID = d.ID
	}
	return res, nil
}

func (s *Store) AppendSent(ctx context.Context, tenantID string, m store.SentMessage, now time.Time) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return store.AppendResult{}, domain.ErrTenantNotFound
	}
	key := entryKey(tenantID, m.MessageID, domain.DirectionSent)
	if _, exists := s.entryKeys[key]; exists {
		for _, e := range s.entries {
			if entryKey(e.TenantID, e.MessageID, e.Direction) == key {
				return store.AppendResult{Entry: e}, nil
			}
		}
	}
	ts := m.SentAt
	if ts.IsZero() {
		ts = now
	}
	entry := domain.InboxEntry{
		ID:          util.NewID(util.PrefixInboxEntry),
		TenantID:    tenantID,
		MessageID:   m.MessageID,
		Direction:   domain.DirectionSent,
		From:        m.From,
		To:          m.To,
		Body:        m.Body,
		Timestamp:   ts.UTC(),
		CostApplied: decimal.Zero,
		CreatedAt:   now,
	}
	s.addEntry(entry)
	s.bumpCounter(tenantID, now, domain.DirectionSent)
	return store.AppendResult{Entry: entry, Created: true}, nil
}

func (s *Store) GrantCredit(ctx context.Context, in store.CreditGrant) (domain.CreditTransaction, error) {
	if !in.Amount.IsPositive() {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[in.TenantID]
	if !ok {
		return domain.CreditTransaction{}, domain.ErrTenantNotFound
	}
	return s.appendTx(t, in.Amount, domain.ReasonAdminGrant, "", in.ActorID, in.Note, in.Now), nil
}

func (s *Store) Stats(ctx context.Context, tenantID string, now time.Time) (domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return domain.Stats{}, domain.ErrTenantNotFound
	}
	today := util.DayUTC(now)
	var st domain.Stats
	for day, row := range s.counters[tenantID] {
		st.TotalSent += row.Sent
		st.TotalReceived += row.Received
		if day.Equal(today) {
			st.SentToday = row.Sent
			st.ReceivedToday = row.Received
		}
	}
	return st, nil
}

func (s *Store) ListInbox(ctx context.Context, q store.InboxQuery) ([]domain.InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(q.Search))
	var out []domain.InboxEntry
	for _, e := range s.entries {
		if q.Unassigned {
			if e.TenantID != "" {
				continue
			}
		} else if e.TenantID != q.TenantID {
			continue
		}
		if q.Direction != "" && e.Direction != q.Direction {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.From+"\x00"+e.To+"\x00"+e.Body), search) {
			continue
		}
		if !before(e.CreatedAt, e.ID, q.Before) {
			continue
		}
		out = append(out, e)
	}
	sortDesc(out, func(e domain.InboxEntry) (time.Time, string) { return e.CreatedAt, e.ID })
	return page(out, q.Limit), nil
}

func (s *Store) ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CreditTransaction
	for _, tx := range s.transactions {
		if tx.TenantID == q.TenantID && before(tx.CreatedAt, tx.ID, q.Before) {
			out = append(out, tx)
		}
	}
	sortDesc(out, func(tx domain.CreditTransaction) (time.Time, string) { return tx.CreatedAt, tx.ID })
	return page(out, q.Limit), nil
}

func (s *Store) ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Delivery
	for _, d := range s.deliveries {
		if q.TenantID != "" && d.TenantID != q.TenantID {
			continue
		}
		if q.Status != "" && d.Status != q.Status {
			continue
		}
		if before(d.CreatedAt, d.ID, q.Before) {
			out = append(out, *d)
		}
	}
	sortDesc(out, func(d domain.Delivery) (time.Time, string) { return d.CreatedAt, d.ID })
	return page(out, q.Limit), nil
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), s.attempts[deliveryID]...), nil
}

func (s *Store) ListOperatorEvents(ctx context.Context, q store.EventQuery) ([]domain.OperatorEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OperatorEvent
	for _, ev := range s.events {
		if q.TenantID != "" && ev.TenantID != q.TenantID {
			continue
		}
		if q.Kind != "" && ev.Kind != q.Kind {
			continue
		}
		if before(ev.CreatedAt, ev.ID, q.Before) {
			out = append(out, ev)
		}
	}
	sortDesc(out, func(ev domain.OperatorEvent) (time.Time, string) { return ev.CreatedAt, ev.ID })
	return page(out, q.Limit), nil
}

// ReconcileCounters replaces the tenant's cached counters with totals
// rebuilt from inbox entries.
func (s *Store) ReconcileCounters(ctx context.Context, tenantID string, now time.Time) (store.CounterReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return store.CounterReport{}, domain.ErrTenantNotFound
	}
	rebuilt := make(map[time.Time]*domain.CounterRow)
	for _, e := range s.entries {
		if e.TenantID != tenantID {
			continue
		}
		day := util.DayUTC(e.CreatedAt)
		row := rebuilt[day]
		if row == nil {
			row = &domain.CounterRow{Day: day}
			rebuilt[day] = row
		}
		if e.Direction == domain.DirectionSent {
			row.Sent++
		} else {
			row.Received++
		}
	}
	rep := store.CounterReport{
		TenantID: tenantID,
		Cached:   counterRows(s.counters[tenantID]),
		Rebuilt:  counterRows(rebuilt),
	}
	rep.Drifted = !store.SameCounters(rep.Cached, rep.Rebuilt)
	s.counters[tenantID] = rebuilt
	if rep.Drifted {
		s.addEvent(domain.OperatorEvent{
			Kind:      domain.EventCounterDrift,
			TenantID:  tenantID,
			Detail:    "inbox counters rebuilt from entries",
			CreatedAt: now,
		})
	}
	return rep, nil
}

func (s *Store) ReconcileBalance(ctx context.Context, tenantID string, fix bool, now time.Time) (store.BalanceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return store.BalanceReport{}, domain.ErrTenantNotFound
	}
	sum := decimal.Zero
	for _, tx := range s.transactions {
		if tx.TenantID == tenantID {
			sum = sum.Add(tx.Delta)
		}
	}
	rep := store.BalanceReport{TenantID: tenantID, Stored: t.Balance, Computed: sum, Drifted: !t.Balance.Equal(sum)}
	if rep.Drifted && fix {
		t.Balance = sum
		rep.Fixed = true
		s.addEvent(domain.OperatorEvent{
			Kind:      domain.EventBalanceDrift,
			TenantID:  tenantID,
			Detail:    "balance " + rep.Stored.String() + " reset to ledger sum " + sum.String(),
			CreatedAt: now,
		})
	}
	return rep, nil
}

// ClaimDelivery moves one due delivery to in_flight. A stale lease counts as
// due so a crashed worker's delivery is picked up again.
func (s *Store) ClaimDelivery(ctx context.Context, deliveryID string, now time.Time, lease time.Duration) (store.DeliveryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok || !claimable(d, now) {
		return store.DeliveryJob{}, false, nil
	}
	return s.claim(d, now, lease), true, nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.Delivery
	for _, d := range s.deliveries {
		if claimable(d, now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	jobs := make([]store.DeliveryJob, 0, len(due))
	for _, d := range due {
		jobs = append(jobs, s.claim(d, now, lease))
	}
	return jobs, nil
}

func claimable(d *domain.Delivery, now time.Time) bool {
	switch d.Status {
	case domain.DeliveryPending, domain.DeliveryRetryScheduled:
		return !d.NextAttemptAt.After(now)
	case domain.DeliveryInFlight:
		return d.LeaseUntil != nil && d.LeaseUntil.Before(now)
	default:
		return false
	}
}

func (s *Store) claim(d *domain.Delivery, now time.Time, lease time.Duration) store.DeliveryJob {
	until := now.Add(lease)
	d.Status = domain.DeliveryInFlight
	d.LeaseUntil = &until
	d.UpdatedAt = now
	job := store.DeliveryJob{Delivery: *d, Message: s.messages[d.MessageID]}
	if t, ok := s.tenants[d.TenantID]; ok {
		job.WebhookURL = t.WebhookURL
		job.WebhookSecret = t.WebhookSecret
	}
	return job
}

func (s *Store) RecordAttempt(ctx context.Context, in store.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[in.DeliveryID]
	if !ok || d.Status != domain.DeliveryInFlight || d.AttemptCount != in.AttemptNumber-1 {
		return store.ErrLeaseLost
	}
	att := domain.DeliveryAttempt{
		ID:            util.NewID(util.PrefixAttempt),
		DeliveryID:    d.ID,
		TenantID:      d.TenantID,
		MessageID:     d.MessageID,
		AttemptNumber: in.AttemptNumber,
		Status:        domain.AttemptFailed,
		HTTPStatus:    in.HTTPStatus,
		Error:         in.Error,
		LatencyMs:     in.Latency.Milliseconds(),
		NextRetryAt:   in.NextAttemptAt,
		CreatedAt:     in.Now,
	}
	d.AttemptCount = in.AttemptNumber
	d.LeaseUntil = nil
	d.LastHTTPStatus = in.HTTPStatus
	d.LastError = in.Error
	d.UpdatedAt = in.Now
	switch {
	case in.Success:
		att.Status = domain.AttemptSuccess
		d.Status = domain.DeliverySuccess
	case in.NextAttemptAt != nil:
		d.Status = domain.DeliveryRetryScheduled
		d.NextAttemptAt = *in.NextAttemptAt
	default:
		d.Status = domain.DeliveryFailedExhausted
		s.addEvent(domain.OperatorEvent{
			Kind:       domain.EventForwardExhausted,
			TenantID:   d.TenantID,
			MessageID:  d.MessageID,
			DeliveryID: d.ID,
			Detail:     store.ExhaustedDetail(in),
			CreatedAt:  in.Now,
		})
	}
	s.attempts[d.ID] = append(s.attempts[d.ID], att)
	return nil
}

func (s *Store) Defer(ctx context.Context, deliveryID string, next time.Time, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok || d.Status != domain.DeliveryInFlight {
		return store.ErrLeaseLost
	}
	if d.AttemptCount == 0 {
		d.Status = domain.DeliveryPending
	} else {
		d.Status = domain.DeliveryRetryScheduled
	}
	d.NextAttemptAt = next
	d.LeaseUntil = nil
	d.LastError = reason
	d.UpdatedAt = now
	return nil
}

// appendTx must be called with mu held.
func (s *Store) appendTx(t *domain.Tenant, delta decimal.Decimal, reason domain.CreditReason, related, actor, note string, now time.Time) domain.CreditTransaction {
	t.Balance = t.Balance.Add(delta)
	t.UpdatedAt = now
	tx := domain.CreditTransaction{
		ID:               util.NewID(util.PrefixTransaction),
		TenantID:         t.ID,
		Delta:            delta,
		Reason:           reason,
		RelatedMessageID: related,
		ActorID:          actor,
		Note:             note,
		BalanceAfter:     t.Balance,
		CreatedAt:        now,
	}
	s.transactions = append(s.transactions, tx)
	return tx
}

func (s *Store) addEntry(e domain.InboxEntry) {
	s.entries = append(s.entries, e)
	s.entryKeys[entryKey(e.TenantID, e.MessageID, e.Direction)] = struct{}{}
}

func (s *Store) addEvent(ev domain.OperatorEvent) {
	ev.ID = util.NewID(util.PrefixEvent)
	s.events = append(s.events, ev)
}

func (s *Store) bumpCounter(tenantID string, now time.Time, dir domain.Direction) {
	days := s.counters[tenantID]
	if days == nil {
		days = make(map[time.Time]*domain.CounterRow)
		s.counters[tenantID] = days
	}
	day := util.DayUTC(now)
	row := days[day]
	if row == nil {
		row = &domain.CounterRow{Day: day}
		days[day] = row
	}
	if dir == domain.DirectionSent {
		row.Sent++
	} else {
		row.Received++
	}
}

// CorruptCounters overwrites a cached counter row. Tests use it to simulate
// drift.
func (s *Store) CorruptCounters(tenantID string, day time.Time, sent, received int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[tenantID] == nil {
		s.counters[tenantID] = make(map[time.Time]*domain.CounterRow)
	}
	d := util.DayUTC(day)
	s.counters[tenantID][d] = &domain.CounterRow{Day: d, Sent: sent, Received: received}
}

func counterRows(m map[time.Time]*domain.CounterRow) []domain.CounterRow {
	out := make([]domain.CounterRow, 0, len(m))
	for _, row := range m {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

func before(createdAt time.Time, id string, c *store.Cursor) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

func sortDesc[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

func page[T any](items []T, limit int) []T {
	limit = store.ClampLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
