package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
	"smsrouter/internal/store"
	"smsrouter/internal/util"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) CreateTenant(ctx context.Context, in store.NewTenant) (domain.Tenant, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO tenants (id, name, balance, created_at, updated_at)
		VALUES ($1,$2,0,$3,$3)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.Name, in.Now)
	if err != nil {
		return domain.Tenant{}, err
	}
	if ct.RowsAffected() == 0 {
		return domain.Tenant{}, domain.ErrTenantExists
	}
	t := domain.Tenant{ID: in.ID, Name: in.Name, Balance: decimal.Zero, CreatedAt: in.Now, UpdatedAt: in.Now}
	if in.InitialBalance.IsPositive() {
		grant, err := applyCredit(ctx, tx, in.ID, in.InitialBalance, domain.ReasonAdminGrant, "", "", "initial balance", in.Now)
		if err != nil {
			return domain.Tenant{}, err
		}
		t.Balance = grant.BalanceAfter
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, balance, COALESCE(webhook_url,''), COALESCE(webhook_secret,''), created_at, updated_at
		FROM tenants WHERE id=$1
	`, id).Scan(&t.ID, &t.Name, &t.Balance, &t.WebhookURL, &t.WebhookSecret, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return t, err
}

func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) SetWebhook(ctx context.Context, in store.WebhookConfig) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE tenants SET webhook_url=$2, webhook_secret=$3, updated_at=$4 WHERE id=$1
	`, in.TenantID, nullIfEmpty(in.URL), nullIfEmpty(in.Secret), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (s *Store) AddBinding(ctx context.Context, b domain.Binding) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO bindings (tenant_id, kind, address, modem_id, port_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, kind, address, modem_id, port_id) DO NOTHING
	`, b.TenantID, b.Kind, b.Address, b.ModemID, b.PortID)
	if isForeignKeyViolation(err) {
		return domain.ErrTenantNotFound
	}
	return err
}

func (s *Store) ListBindings(ctx context.Context) ([]domain.Binding, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT tenant_id, kind, address, modem_id, port_id FROM bindings ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Binding, error) {
		var b domain.Binding
		err := r.Scan(&b.TenantID, &b.Kind, &b.Address, &b.ModemID, &b.PortID)
		return b, err
	})
}

// Ingest runs the whole intake in one transaction. The inbound_messages
// primary key is the dedup gate: a concurrent duplicate blocks on it until
// the first insert commits, then takes the DO NOTHING path. The tenant row is
// locked so balance checks and debits serialize per tenant.
func (s *Store) Ingest(ctx context.Context, in store.IngestRequest) (store.IngestResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.IngestResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg := in.Message
	ct, err := tx.Exec(ctx, `
		INSERT INTO inbound_messages (message_id, from_addr, to_addr, body, received_at, timestamp_inferred,
		                              modem_id, port_id, source_profile, raw_payload_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.MessageID, msg.From, msg.To, msg.Body, msg.ReceivedAt, msg.TimestampInferred,
		msg.ModemID, msg.PortID, msg.SourceProfile, msg.RawPayloadHash, in.Now)
	if err != nil {
		return store.IngestResult{}, err
	}
	if ct.RowsAffected() == 0 {
		return store.IngestResult{Outcome: store.OutcomeDuplicate}, nil
	}

	var (
		tenantID string
		balance  decimal.Decimal
		webhook  string
	)
	if in.TenantID != "" {
		err := tx.QueryRow(ctx, `
			SELECT id, balance, COALESCE(webhook_url,'') FROM tenants WHERE id=$1 FOR UPDATE
		`, in.TenantID).Scan(&tenantID, &balance, &webhook)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return store.IngestResult{}, err
		}
	}

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
	res := store.IngestResult{Outcome: store.OutcomeCreated, BalanceAfter: balance}

	if tenantID != "" {
		if err := bumpCounter(ctx, tx, tenantID, in.Now, domain.DirectionReceived); err != nil {
			return store.IngestResult{}, err
		}
		if in.Surcharge.IsPositive() {
			if balance.GreaterThanOrEqual(in.Surcharge) {
				ctr, err := applyCredit(ctx, tx, tenantID, in.Surcharge.Neg(), domain.ReasonReceivedSMS, msg.MessageID, "", "", in.Now)
				if err != nil {
					return store.IngestResult{}, err
				}
				entry.CostApplied = in.Surcharge
				res.Charged = true
				res.BalanceAfter = ctr.BalanceAfter
			} else {
				res.LowBalance = true
				err := insertEvent(ctx, tx, domain.OperatorEvent{
					Kind:      domain.EventLowBalance,
					TenantID:  tenantID,
					MessageID: msg.MessageID,
					Detail:    "surcharge " + in.Surcharge.String() + " skipped, balance " + balance.String(),
					CreatedAt: in.Now,
				})
				if err != nil {
					return store.IngestResult{}, err
				}
			}
		}
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return store.IngestResult{}, err
	}
	res.Entry = entry

	if tenantID != "" && webhook != "" {
		id := util.NewID(util.PrefixDelivery)
		_, err := tx.Exec(ctx, `
			INSERT INTO deliveries (id, tenant_id, message_id, status, next_attempt_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$5,$5)
		`, id, tenantID, msg.MessageID, domain.DeliveryPending, in.Now)
		if err != nil {
			return store.IngestResult{}, err
		}
		res.DeliveryID = id
	}

	if err := tx.Commit(ctx); err != nil {
		return store.IngestResult{}, err
	}
	return res, nil
}

func (s *Store) AppendSent(ctx context.Context, tenantID string, m store.SentMessage, now time.Time) (store.AppendResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockTenant(ctx, tx, tenantID); err != nil {
		return store.AppendResult{}, err
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
	ct, err := tx.Exec(ctx, `
		INSERT INTO inbox_entries (id, tenant_id, message_id, direction, from_addr, to_addr, body, ts, cost_applied, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9)
		ON CONFLICT (tenant_id, message_id, direction) DO NOTHING
	`, entry.ID, entry.TenantID, entry.MessageID, entry.Direction, entry.From, entry.To, entry.Body, entry.Timestamp, entry.CreatedAt)
	if err != nil {
		return store.AppendResult{}, err
	}
	if ct.RowsAffected() == 0 {
		existing, err := scanEntry(tx.QueryRow(ctx, `
			SELECT `+entryColumns+` FROM inbox_entries WHERE tenant_id=$1 AND message_id=$2 AND direction=$3
		`, tenantID, m.MessageID, domain.DirectionSent))
		if err != nil {
			return store.AppendResult{}, err
		}
		return store.AppendResult{Entry: existing}, nil
	}
	if err := bumpCounter(ctx, tx, tenantID, now, domain.DirectionSent); err != nil {
		return store.AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.AppendResult{}, err
	}
	return store.AppendResult{Entry: entry, Created: true}, nil
}

func (s *Store) GrantCredit(ctx context.Context, in store.CreditGrant) (domain.CreditTransaction, error) {
	if !in.Amount.IsPositive() {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ctr, err := applyCredit(ctx, tx, in.TenantID, in.Amount, domain.ReasonAdminGrant, "", in.ActorID, in.Note, in.Now)
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CreditTransaction{}, err
	}
	return ctr, nil
}

func (s *Store) Stats(ctx context.Context, tenantID string, now time.Time) (domain.Stats, error) {
	var st domain.Stats
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(c.sent),0)::bigint, COALESCE(SUM(c.received),0)::bigint,
		       COALESCE(SUM(c.sent) FILTER (WHERE c.day=$2),0)::bigint,
		       COALESCE(SUM(c.received) FILTER (WHERE c.day=$2),0)::bigint
		FROM tenants t LEFT JOIN inbox_daily_counters c ON c.tenant_id=t.id
		WHERE t.id=$1
		GROUP BY t.id
	`, tenantID, util.DayUTC(now)).Scan(&st.TotalSent, &st.TotalReceived, &st.SentToday, &st.ReceivedToday)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stats{}, domain.ErrTenantNotFound
	}
	return st, err
}

func (s *Store) ListInbox(ctx context.Context, q store.InboxQuery) ([]domain.InboxEntry, error) {
	w := newWhere()
	if q.Unassigned {
		w.add("tenant_id = ''")
	} else {
		w.add("tenant_id = ?", q.TenantID)
	}
	if q.Direction != "" {
		w.add("direction = ?", q.Direction)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		w.add("(from_addr ILIKE ? OR to_addr ILIKE ? OR body ILIKE ?)", likePattern(search))
	}
	w.cursor(q.Before)

	rows, err := s.DB.Query(ctx, `SELECT `+entryColumns+` FROM inbox_entries `+w.sql()+
		` ORDER BY created_at DESC, id DESC LIMIT `+w.limit(q.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.InboxEntry, error) { return scanEntry(r) })
}

func (s *Store) ListTransactions(ctx context.Context, q store.TransactionQuery) ([]domain.CreditTransaction, error) {
	w := newWhere()
	w.add("tenant_id = ?", q.TenantID)
	w.cursor(q.Before)
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, delta, reason, COALESCE(related_message_id,''), COALESCE(actor_id,''),
		       COALESCE(note,''), balance_after, created_at
		FROM credit_transactions `+w.sql()+` ORDER BY created_at DESC, id DESC LIMIT `+w.limit(q.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.CreditTransaction, error) {
		var t domain.CreditTransaction
		err := r.Scan(&t.ID, &t.TenantID, &t.Delta, &t.Reason, &t.RelatedMessageID, &t.ActorID, &t.Note, &t.BalanceAfter, &t.CreatedAt)
		return t, err
	})
}

func (s *Store) ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]domain.Delivery, error) {
	w := newWhere()
	if q.TenantID != "" {
		w.add("tenant_id = ?", q.TenantID)
	}
	if q.Status != "" {
		w.add("status = ?", q.Status)
	}
	w.cursor(q.Before)
	rows, err := s.DB.Query(ctx, `SELECT `+deliveryColumns+` FROM deliveries `+w.sql()+
		` ORDER BY created_at DESC, id DESC LIMIT `+w.limit(q.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Delivery, error) { return scanDelivery(r) })
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, delivery_id, tenant_id, message_id, attempt_number, status, http_status, error,
		       latency_ms, next_retry_at, created_at
		FROM delivery_attempts WHERE delivery_id=$1 ORDER BY attempt_number
	`, deliveryID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.DeliveryAttempt, error) {
		var a domain.DeliveryAttempt
		err := r.Scan(&a.ID, &a.DeliveryID, &a.TenantID, &a.MessageID, &a.AttemptNumber, &a.Status,
			&a.HTTPStatus, &a.Error, &a.LatencyMs, &a.NextRetryAt, &a.CreatedAt)
		return a, err
	})
}

func (s *Store) ListOperatorEvents(ctx context.Context, q store.EventQuery) ([]domain.OperatorEvent, error) {
	w := newWhere()
	if q.TenantID != "" {
		w.add("tenant_id = ?", q.TenantID)
	}
	if q.Kind != "" {
		w.add("kind = ?", q.Kind)
	}
	w.cursor(q.Before)
	rows, err := s.DB.Query(ctx, `
		SELECT id, kind, tenant_id, message_id, delivery_id, detail, created_at
		FROM operator_events `+w.sql()+` ORDER BY created_at DESC, id DESC LIMIT `+w.limit(q.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.OperatorEvent, error) {
		var ev domain.OperatorEvent
		err := r.Scan(&ev.ID, &ev.Kind, &ev.TenantID, &ev.MessageID, &ev.DeliveryID, &ev.Detail, &ev.CreatedAt)
		return ev, err
	})
}

// ReconcileCounters rebuilds the tenant's daily counters from inbox entries
// under the tenant lock, so no ingest for the tenant can interleave.
func (s *Store) ReconcileCounters(ctx context.Context, tenantID string, now time.Time) (store.CounterReport, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.CounterReport{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockTenant(ctx, tx, tenantID); err != nil {
		return store.CounterReport{}, err
	}
	cached, err := collectCounters(tx.Query(ctx, `
		SELECT day, sent, received FROM inbox_daily_counters WHERE tenant_id=$1 ORDER BY day
	`, tenantID))
	if err != nil {
		return store.CounterReport{}, err
	}
	rebuilt, err := collectCounters(tx.Query(ctx, `
		SELECT (created_at AT TIME ZONE 'UTC')::date AS day,
		       COUNT(*) FILTER (WHERE direction='sent'),
		       COUNT(*) FILTER (WHERE direction='received')
		FROM inbox_entries WHERE tenant_id=$1
		GROUP BY 1 ORDER BY 1
	`, tenantID))
	if err != nil {
		return store.CounterReport{}, err
	}

	rep := store.CounterReport{TenantID: tenantID, Cached: cached, Rebuilt: rebuilt}
	rep.Drifted = !store.SameCounters(cached, rebuilt)
	if rep.Drifted {
		if _, err := tx.Exec(ctx, `DELETE FROM inbox_daily_counters WHERE tenant_id=$1`, tenantID); err != nil {
			return store.CounterReport{}, err
		}
		for _, row := range rebuilt {
			_, err := tx.Exec(ctx, `
				INSERT INTO inbox_daily_counters (tenant_id, day, sent, received) VALUES ($1,$2,$3,$4)
			`, tenantID, row.Day, row.Sent, row.Received)
			if err != nil {
				return store.CounterReport{}, err
			}
		}
		err := insertEvent(ctx, tx, domain.OperatorEvent{
			Kind:      domain.EventCounterDrift,
			TenantID:  tenantID,
			Detail:    "inbox counters rebuilt from entries",
			CreatedAt: now,
		})
		if err != nil {
			return store.CounterReport{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return store.CounterReport{}, err
	}
	return rep, nil
}

func (s *Store) ReconcileBalance(ctx context.Context, tenantID string, fix bool, now time.Time) (store.BalanceReport, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.BalanceReport{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rep := store.BalanceReport{TenantID: tenantID}
	err = tx.QueryRow(ctx, `SELECT balance FROM tenants WHERE id=$1 FOR UPDATE`, tenantID).Scan(&rep.Stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.BalanceReport{}, domain.ErrTenantNotFound
	}
	if err != nil {
		return store.BalanceReport{}, err
	}
	err = tx.QueryRow(ctx, `SELECT COALESCE(SUM(delta),0) FROM credit_transactions WHERE tenant_id=$1`, tenantID).Scan(&rep.Computed)
	if err != nil {
		return store.BalanceReport{}, err
	}
	rep.Drifted = !rep.Stored.Equal(rep.Computed)
	if rep.Drifted && fix {
		if _, err := tx.Exec(ctx, `UPDATE tenants SET balance=$2, updated_at=$3 WHERE id=$1`, tenantID, rep.Computed, now); err != nil {
			return store.BalanceReport{}, err
		}
		err := insertEvent(ctx, tx, domain.OperatorEvent{
			Kind:      domain.EventBalanceDrift,
			TenantID:  tenantID,
			Detail:    "balance " + rep.Stored.String() + " reset to ledger sum " + rep.Computed.String(),
			CreatedAt: now,
		})
		if err != nil {
			return store.BalanceReport{}, err
		}
		rep.Fixed = true
	}
	if err := tx.Commit(ctx); err != nil {
		return store.BalanceReport{}, err
	}
	return rep, nil
}

const claimableSQL = `((d.status IN ('pending','retry_scheduled') AND d.next_attempt_at <= $1)
	OR (d.status = 'in_flight' AND d.lease_until < $1))`

const jobSelect = `
	SELECT c.id, c.tenant_id, c.message_id, c.status, c.attempt_count, c.next_attempt_at, c.lease_until,
	       c.last_http_status, c.last_error, c.created_at, c.updated_at,
	       m.from_addr, m.to_addr, m.body, m.received_at, m.timestamp_inferred, m.modem_id, m.port_id,
	       m.source_profile, m.raw_payload_hash,
	       COALESCE(t.webhook_url,''), COALESCE(t.webhook_secret,'')
	FROM claimed c
	JOIN inbound_messages m ON m.message_id = c.message_id
	JOIN tenants t ON t.id = c.tenant_id`

// ClaimDelivery moves one due delivery to in_flight with a lease. An expired
// lease counts as due so a crashed worker's delivery is picked up again.
func (s *Store) ClaimDelivery(ctx context.Context, deliveryID string, now time.Time, lease time.Duration) (store.DeliveryJob, bool, error) {
	rows, err := s.DB.Query(ctx, `
		WITH claimed AS (
			UPDATE deliveries d SET status='in_flight', lease_until=$2, updated_at=$1
			WHERE d.id=$3 AND `+claimableSQL+`
			RETURNING d.*
		)`+jobSelect, now, now.Add(lease), deliveryID)
	if err != nil {
		return store.DeliveryJob{}, false, err
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil || len(jobs) == 0 {
		return store.DeliveryJob{}, false, err
	}
	return jobs[0], true, nil
}

// ClaimDue claims up to limit due deliveries, oldest first. SKIP LOCKED keeps
// concurrent sweepers from waiting on each other.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryJob, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	rows, err := s.DB.Query(ctx, `
		WITH due AS (
			SELECT d.id FROM deliveries d
			WHERE `+claimableSQL+`
			ORDER BY d.next_attempt_at, d.id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE deliveries d SET status='in_flight', lease_until=$2, updated_at=$1
			FROM due WHERE d.id = due.id
			RETURNING d.*
		)`+jobSelect, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanJob)
}

// RecordAttempt finishes an in-flight attempt. The attempt number fences
// against a worker whose lease was reclaimed.
func (s *Store) RecordAttempt(ctx context.Context, in store.AttemptResult) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status := domain.DeliveryFailedExhausted
	attStatus := domain.AttemptFailed
	switch {
	case in.Success:
		status, attStatus = domain.DeliverySuccess, domain.AttemptSuccess
	case in.NextAttemptAt != nil:
		status = domain.DeliveryRetryScheduled
	}

	var tenantID, messageID string
	err = tx.QueryRow(ctx, `
		UPDATE deliveries
		SET status=$3, attempt_count=$2, next_attempt_at=COALESCE($4, next_attempt_at), lease_until=NULL,
		    last_http_status=$5, last_error=$6, updated_at=$7
		WHERE id=$1 AND status='in_flight' AND attempt_count=$2-1
		RETURNING tenant_id, message_id
	`, in.DeliveryID, in.AttemptNumber, status, in.NextAttemptAt, in.HTTPStatus, in.Error, in.Now).Scan(&tenantID, &messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrLeaseLost
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts (id, delivery_id, tenant_id, message_id, attempt_number, status,
		                               http_status, error, latency_ms, next_retry_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, util.NewID(util.PrefixAttempt), in.DeliveryID, tenantID, messageID, in.AttemptNumber, attStatus,
		in.HTTPStatus, in.Error, in.Latency.Milliseconds(), in.NextAttemptAt, in.Now)
	if err != nil {
		return err
	}

	if status == domain.DeliveryFailedExhausted {
		err := insertEvent(ctx, tx, domain.OperatorEvent{
			Kind:       domain.EventForwardExhausted,
			TenantID:   tenantID,
			MessageID:  messageID,
			DeliveryID: in.DeliveryID,
			Detail:     store.ExhaustedDetail(in),
			CreatedAt:  in.Now,
		})
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Defer releases a claim without consuming an attempt.
func (s *Store) Defer(ctx context.Context, deliveryID string, next time.Time, reason string, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE deliveries
		SET status = CASE WHEN attempt_count = 0 THEN 'pending' ELSE 'retry_scheduled' END,
		    next_attempt_at=$2, lease_until=NULL, last_error=$3, updated_at=$4
		WHERE id=$1 AND status='in_flight'
	`, deliveryID, next, reason, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// applyCredit changes a balance and appends the matching ledger row. The
// balance CHECK constraint rejects anything that would go negative.
func applyCredit(ctx context.Context, tx pgx.Tx, tenantID string, delta decimal.Decimal, reason domain.CreditReason, related, actor, note string, now time.Time) (domain.CreditTransaction, error) {
	var after decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE tenants SET balance = balance + $2, updated_at=$3 WHERE id=$1 RETURNING balance
	`, tenantID, delta, now).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditTransaction{}, domain.ErrTenantNotFound
	}
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	ctr := domain.CreditTransaction{
		ID:               util.NewID(util.PrefixTransaction),
		TenantID:         tenantID,
		Delta:            delta,
		Reason:           reason,
		RelatedMessageID: related,
		ActorID:          actor,
		Note:             note,
		BalanceAfter:     after,
		CreatedAt:        now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, delta, reason, related_message_id, actor_id, note, balance_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ctr.ID, tenantID, delta, reason, nullIfEmpty(related), nullIfEmpty(actor), nullIfEmpty(note), after, now)
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	return ctr, nil
}

func lockTenant(ctx context.Context, tx pgx.Tx, tenantID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM tenants WHERE id=$1 FOR UPDATE`, tenantID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTenantNotFound
	}
	return err
}

// bumpCounter buckets by ingestion day, matching how reconciliation
// rebuilds counters from created_at.
func bumpCounter(ctx context.Context, tx pgx.Tx, tenantID string, now time.Time, dir domain.Direction) error {
	sent, received := 0, 1
	if dir == domain.DirectionSent {
		sent, received = 1, 0
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO inbox_daily_counters (tenant_id, day, sent, received)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET sent = inbox_daily_counters.sent + EXCLUDED.sent,
		              received = inbox_daily_counters.received + EXCLUDED.received
	`, tenantID, util.DayUTC(now), sent, received)
	return err
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.InboxEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO inbox_entries (id, tenant_id, message_id, direction, from_addr, to_addr, body, ts, cost_applied, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.TenantID, e.MessageID, e.Direction, e.From, e.To, e.Body, e.Timestamp, e.CostApplied, e.CreatedAt)
	return err
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.OperatorEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO operator_events (id, kind, tenant_id, message_id, delivery_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, util.NewID(util.PrefixEvent), ev.Kind, ev.TenantID, ev.MessageID, ev.DeliveryID, ev.Detail, ev.CreatedAt)
	return err
}

const entryColumns = `id, tenant_id, message_id, direction, from_addr, to_addr, body, ts, cost_applied, created_at`

func scanEntry(r pgx.Row) (domain.InboxEntry, error) {
	var e domain.InboxEntry
	err := r.Scan(&e.ID, &e.TenantID, &e.MessageID, &e.Direction, &e.From, &e.To, &e.Body, &e.Timestamp, &e.CostApplied, &e.CreatedAt)
	return e, err
}

const deliveryColumns = `id, tenant_id, message_id, status, attempt_count, next_attempt_at, lease_until,
	last_http_status, last_error, created_at, updated_at`

func scanDelivery(r pgx.Row) (domain.Delivery, error) {
	var d domain.Delivery
	err := r.Scan(&d.ID, &d.TenantID, &d.MessageID, &d.Status, &d.AttemptCount, &d.NextAttemptAt, &d.LeaseUntil,
		&d.LastHTTPStatus, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func scanJob(r pgx.CollectableRow) (store.DeliveryJob, error) {
	var j store.DeliveryJob
	d, m := &j.Delivery, &j.Message
	err := r.Scan(&d.ID, &d.TenantID, &d.MessageID, &d.Status, &d.AttemptCount, &d.NextAttemptAt, &d.LeaseUntil,
		&d.LastHTTPStatus, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
		&m.From, &m.To, &m.Body, &m.ReceivedAt, &m.TimestampInferred, &m.ModemID, &m.PortID,
		&m.SourceProfile, &m.RawPayloadHash,
		&j.WebhookURL, &j.WebhookSecret)
	m.MessageID = d.MessageID
	return j, err
}

func collectCounters(rows pgx.Rows, err error) ([]domain.CounterRow, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.CounterRow, error) {
		var c domain.CounterRow
		err := r.Scan(&c.Day, &c.Sent, &c.Received)
		c.Day = c.Day.UTC()
		return c, err
	})
}

// where builds a parameterized WHERE clause. Each ? in a fragment becomes
// the next $n placeholder bound to the same argument.
type where struct {
	parts []string
	args  []any
}

func newWhere() *where { return &where{} }

func (w *where) add(frag string, arg ...any) {
	if len(arg) > 0 {
		w.args = append(w.args, arg[0])
		frag = strings.ReplaceAll(frag, "?", fmt.Sprintf("$%d", len(w.args)))
	}
	w.parts = append(w.parts, frag)
}

func (w *where) cursor(c *store.Cursor) {
	if c == nil {
		return
	}
	w.args = append(w.args, c.CreatedAt, c.ID)
	n := len(w.args)
	w.parts = append(w.parts, fmt.Sprintf("(created_at, id) < ($%d, $%d)", n-1, n))
}

func (w *where) sql() string {
	if len(w.parts) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.parts, " AND ")
}

func (w *where) limit(n int) string {
	return fmt.Sprint(store.ClampLimit(n))
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
