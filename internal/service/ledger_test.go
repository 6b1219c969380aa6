package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsrouter/internal/domain"
	"smsrouter/internal/normalize"
	"smsrouter/internal/resolver"
	"smsrouter/internal/store"
	"smsrouter/internal/store/memstore"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (q *recordingQueue) EnqueueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, tenantID+"/"+deliveryID)
	return q.err
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

type fixture struct {
	svc   *LedgerService
	store *memstore.Store
	queue *recordingQueue
	res   *resolver.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg, err := normalize.NewRegistry()
	require.NoError(t, err)

	st := memstore.New()
	res := resolver.New(st)
	q := &recordingQueue{}
	svc := &LedgerService{
		Store:      st,
		Normalizer: reg,
		Resolver:   res,
		Queue:      q,
		Surcharge:  decimal.RequireFromString("0.01"),
		Now:        func() time.Time { return fixedNow },
	}

	_, err = svc.CreateTenant(ctx, "t1", "Tenant One", decimal.RequireFromString("5.00"))
	require.NoError(t, err)
	require.NoError(t, svc.AddBinding(ctx, domain.Binding{TenantID: "t1", Kind: domain.BindingAddress, Address: "+19876543210"}))
	require.NoError(t, svc.SetWebhook(ctx, "t1", "https://tenant.example/hook", "0123456789abcdef"))
	require.NoError(t, res.Refresh(ctx))

	return &fixture{svc: svc, store: st, queue: q, res: res}
}

func payload(id, to string) []byte {
	return []byte(fmt.Sprintf(`{"from":"+1234","to":%q,"message":"hi","messageId":%q}`, to, id))
}

func balance(t *testing.T, f *fixture, tenant string) decimal.Decimal {
	t.Helper()
	tn, err := f.svc.GetTenant(context.Background(), tenant)
	require.NoError(t, err)
	return tn.Balance
}

func TestIngestChargesAndForwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCreated, resp.Outcome)
	assert.Equal(t, "t1", resp.TenantID)
	assert.True(t, resp.Charged)
	assert.NotEmpty(t, resp.DeliveryID)

	assert.True(t, balance(t, f, "t1").Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, 1, f.queue.count())

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.DirectionReceived, entries[0].Direction)
	assert.True(t, entries[0].CostApplied.Equal(decimal.RequireFromString("0.01")))

	txs, err := f.svc.ListTransactions(ctx, store.TransactionQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	var debit *domain.CreditTransaction
	for i := range txs {
		if txs[i].Reason == domain.ReasonReceivedSMS {
			debit = &txs[i]
		}
	}
	require.NotNil(t, debit)
	assert.Equal(t, "m1", debit.RelatedMessageID)
	assert.True(t, debit.Delta.Equal(decimal.RequireFromString("-0.01")))
	assert.True(t, debit.BalanceAfter.Equal(decimal.RequireFromString("4.99")))
}

func TestIngestDuplicateIsSideEffectFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.NoError(t, err)
	resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeDuplicate, resp.Outcome)
	assert.Empty(t, resp.DeliveryID)
	assert.True(t, balance(t, f, "t1").Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, 1, f.queue.count())

	deliveries, err := f.svc.ListDeliveries(ctx, store.DeliveryQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestIngestDuplicateEvenAfterBindingChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+15550001111"))
	require.NoError(t, err)

	_, err = f.svc.CreateTenant(ctx, "t2", "", decimal.RequireFromString("1"))
	require.NoError(t, err)
	require.NoError(t, f.svc.AddBinding(ctx, domain.Binding{TenantID: "t2", Kind: domain.BindingAddress, Address: "+15550001111"}))
	require.NoError(t, f.res.Refresh(ctx))

	resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+15550001111"))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDuplicate, resp.Outcome)
	assert.True(t, balance(t, f, "t2").Equal(decimal.RequireFromString("1")))

	unassigned, err := f.svc.ListInbox(ctx, store.InboxQuery{Unassigned: true})
	require.NoError(t, err)
	assert.Len(t, unassigned, 1, "unassigned entries are not re-attributed")
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	outcomes := make(chan store.IngestOutcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m-race", "+19876543210"))
			assert.NoError(t, err)
			outcomes <- resp.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for o := range outcomes {
		if o == store.OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.True(t, balance(t, f, "t1").Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, 1, f.queue.count())
}

func TestIngestLowBalanceSkipsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateTenant(ctx, "broke", "", decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, f.svc.AddBinding(ctx, domain.Binding{TenantID: "broke", Kind: domain.BindingAddress, Address: "+15550002222"}))
	require.NoError(t, f.res.Refresh(ctx))

	resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+15550002222"))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCreated, resp.Outcome)
	assert.True(t, resp.LowBalance)
	assert.False(t, resp.Charged)
	assert.Empty(t, resp.DeliveryID, "tenant has no webhook configured")

	assert.True(t, balance(t, f, "broke").IsZero())

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{TenantID: "broke"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].CostApplied.IsZero())

	txs, err := f.svc.ListTransactions(ctx, store.TransactionQuery{TenantID: "broke"})
	require.NoError(t, err)
	assert.Empty(t, txs)

	events, err := f.svc.ListOperatorEvents(ctx, store.EventQuery{TenantID: "broke", Kind: domain.EventLowBalance})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MessageID)
}

func TestIngestUnassigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload("m1", "+15559990000"))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCreated, resp.Outcome)
	assert.Empty(t, resp.TenantID)
	assert.Empty(t, resp.DeliveryID)
	assert.Equal(t, 0, f.queue.count())
	assert.True(t, balance(t, f, "t1").Equal(decimal.RequireFromString("5.00")))

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{Unassigned: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].TenantID)
}

func TestIngestModemPortBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddBinding(ctx, domain.Binding{TenantID: "t1", Kind: domain.BindingModemPort, ModemID: "bank-a", PortID: "3"}))
	require.NoError(t, f.res.Refresh(ctx))

	raw := []byte(`{"sender":"+1234","recipient":"+15550003333","body":"x","id":"mp-1","modem":"bank-a","port":3}`)
	resp, err := f.svc.Ingest(ctx, normalize.ProfileModemPool, raw)
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.TenantID)
}

func TestIngestRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, []byte(`{"to":"+19876543210"}`))
	require.ErrorIs(t, err, domain.ErrMissingRequiredField)

	_, err = f.svc.Ingest(ctx, "unknown", []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrUnknownSourceProfile)

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingStore struct {
	Store
}

func (failingStore) Ingest(ctx context.Context, in store.IngestRequest) (store.IngestResult, error) {
	return store.IngestResult{}, errors.New("connection reset")
}

func TestIngestStoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.svc.Store = failingStore{Store: f.store}

	_, err := f.svc.Ingest(context.Background(), normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 0, f.queue.count())
}

func TestIngestQueueFailureDoesNotFailIntake(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("sqs down")

	resp, err := f.svc.Ingest(context.Background(), normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.DeliveryID)
}

func TestBalanceNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Surcharge = decimal.RequireFromString("0.75")

	for i := 0; i < 20; i++ {
		_, err := f.svc.Ingest(ctx, normalize.ProfileGeneric, payload(fmt.Sprintf("b-%d", i), "+19876543210"))
		require.NoError(t, err)
		if i == 10 {
			_, err := f.svc.GrantCredit(ctx, "t1", decimal.RequireFromString("1.10"), "op", "")
			require.NoError(t, err)
		}
		assert.False(t, balance(t, f, "t1").IsNegative())
	}

	rep, err := f.svc.ReconcileBalance(ctx, "t1", false)
	require.NoError(t, err)
	assert.False(t, rep.Drifted)

	entries, err := f.svc.ListInbox(ctx, store.InboxQuery{TenantID: "t1", Limit: 100})
	require.NoError(t, err)
	txs, err := f.svc.ListTransactions(ctx, store.TransactionQuery{TenantID: "t1", Limit: 100})
	require.NoError(t, err)
	charged := map[string]int{}
	for _, tx := range txs {
		if tx.Reason == domain.ReasonReceivedSMS {
			charged[tx.RelatedMessageID]++
		}
	}
	for _, e := range entries {
		if e.CostApplied.IsPositive() {
			assert.Equal(t, 1, charged[e.MessageID], "entry %s", e.MessageID)
		} else {
			assert.Zero(t, charged[e.MessageID], "entry %s", e.MessageID)
		}
	}
}

func TestZeroSurchargeDisablesBilling(t *testing.T) {
	f := newFixture(t)
	f.svc.Surcharge = decimal.Zero

	resp, err := f.svc.Ingest(context.Background(), normalize.ProfileGeneric, payload("m1", "+19876543210"))
	require.NoError(t, err)
	assert.False(t, resp.Charged)
	assert.False(t, resp.LowBalance)
	assert.True(t, balance(t, f, "t1").Equal(decimal.RequireFromString("5")))
}
