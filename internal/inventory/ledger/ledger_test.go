package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/internal/inventory/repository"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

type recordingMarker struct {
	mu    sync.Mutex
	marks []domain.DirtyMark
}

func (m *recordingMarker) MarkDirty(mark domain.DirtyMark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, mark)
}

type recordingObserver struct {
	commits []ledger.Commit
}

func (o *recordingObserver) Committed(_ context.Context, c ledger.Commit) {
	o.commits = append(o.commits, c)
}

type fixture struct {
	ledger   *ledger.Ledger
	store    *repository.MemoryStore
	catalog  *repository.MemoryCatalog
	marker   *recordingMarker
	observer *recordingObserver
}

func newFixture(t *testing.T, items ...string) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	catalog := repository.NewMemoryCatalog()
	for _, id := range items {
		require.NoError(t, catalog.CreateItem(context.Background(), &domain.Item{ID: id, NamePrimary: id, Active: true}))
	}

	l := ledger.New(store, catalog, logger.Nop())
	f := &fixture{ledger: l, store: store, catalog: catalog, marker: &recordingMarker{}, observer: &recordingObserver{}}
	l.AddMarker(f.marker)
	l.AddObserver(f.observer)
	return f
}

func (f *fixture) submit(t *testing.T, req ledger.Request) *ledger.Result {
	t.Helper()
	res, err := f.ledger.Submit(context.Background(), req)
	require.NoError(t, err)
	return res
}

func req(typ domain.OperationType, qty int64, key string) ledger.Request {
	return ledger.Request{
		ItemID:         "gauze",
		LocationID:     "ward-3",
		Type:           typ,
		Quantity:       qty,
		ActorID:        "nurse-1",
		IdempotencyKey: key,
	}
}

func TestSubmit_ReceiptThenIssue(t *testing.T) {
	f := newFixture(t, "gauze")

	r1 := f.submit(t, req(domain.OpReceipt, 30, "k1"))
	assert.Equal(t, int64(30), r1.Balance.Quantity)
	assert.Equal(t, int64(1), r1.Sequence)
	assert.Equal(t, int64(1), r1.Balance.Sequence)
	assert.False(t, r1.Duplicate)

	r2 := f.submit(t, req(domain.OpIssue, 12, "k2"))
	assert.Equal(t, int64(18), r2.Balance.Quantity)
	assert.Equal(t, int64(2), r2.Sequence)

	require.Len(t, f.marker.marks, 2)
	assert.Equal(t, int64(2), f.marker.marks[1].Sequence)
	assert.Equal(t, domain.StockKey{ItemID: "gauze", LocationID: "ward-3"}, f.marker.marks[1].Key)
	require.Len(t, f.observer.commits, 2)
	assert.Equal(t, "nurse-1", f.observer.commits[0].ActorID)
}

func TestSubmit_IssueBeyondBalance(t *testing.T) {
	f := newFixture(t, "gauze")
	f.submit(t, req(domain.OpReceipt, 30, "k1"))

	_, err := f.ledger.Submit(context.Background(), req(domain.OpIssue, 50, "k2"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
	assert.Equal(t, "INSUFFICIENT_STOCK", errors.Code(err))

	b, err := f.ledger.Balance(context.Background(), domain.StockKey{ItemID: "gauze", LocationID: "ward-3"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Quantity)
	assert.Len(t, f.marker.marks, 1)
}

func TestSubmit_BackorderAllowsNegative(t *testing.T) {
	f := newFixture(t, "gauze")

	r := req(domain.OpIssue, 5, "k1")
	r.BackorderAllowed = true
	res := f.submit(t, r)
	assert.Equal(t, int64(-5), res.Balance.Quantity)

	res = f.submit(t, req(domain.OpReceipt, 8, "k2"))
	assert.Equal(t, int64(3), res.Balance.Quantity)
}

func TestSubmit_AdjustmentCannotGoNegative(t *testing.T) {
	f := newFixture(t, "gauze")
	f.submit(t, req(domain.OpReceipt, 2, "k1"))

	adj := req(domain.OpAdjustment, -3, "k2")
	adj.ReasonCode = "damaged"
	adj.BackorderAllowed = true
	_, err := f.ledger.Submit(context.Background(), adj)

	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
}

func TestSubmit_DuplicateKeyReplays(t *testing.T) {
	f := newFixture(t, "gauze")

	first := f.submit(t, req(domain.OpReceipt, 10, "scan-7"))

	again := req(domain.OpReceipt, 10, "scan-7")
	again.ActorID = "someone-else"
	second := f.submit(t, again)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, first.Balance.Quantity, second.Balance.Quantity)

	ops, err := f.ledger.Operations(context.Background(), domain.OperationFilter{})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
	assert.Len(t, f.marker.marks, 1)
}

func TestSubmit_ReplayReturnsOriginalBalance(t *testing.T) {
	f := newFixture(t, "gauze")

	first := f.submit(t, req(domain.OpReceipt, 10, "k1"))
	f.submit(t, req(domain.OpReceipt, 5, "k2"))

	replayed := f.submit(t, req(domain.OpReceipt, 10, "k1"))
	assert.Equal(t, first.Balance.Quantity, replayed.Balance.Quantity)
	assert.Equal(t, int64(10), replayed.Balance.Quantity)
}

func TestSubmit_ReplayAfterItemDeactivated(t *testing.T) {
	f := newFixture(t, "gauze")
	ctx := context.Background()
	first := f.submit(t, req(domain.OpReceipt, 10, "k1"))

	item, err := f.catalog.Item(ctx, "gauze")
	require.NoError(t, err)
	item.Active = false
	require.NoError(t, f.catalog.UpdateItem(ctx, item))

	replayed := f.submit(t, req(domain.OpReceipt, 10, "k1"))
	assert.True(t, replayed.Duplicate)
	assert.Equal(t, first.OperationID, replayed.OperationID)

	_, err = f.ledger.Submit(ctx, req(domain.OpReceipt, 10, "k2"))
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))

	batch := ledger.BatchRequest{
		BatchID: "batch-4",
		Entries: []ledger.Request{{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 10, IdempotencyKey: "k1"}},
	}
	res, err := f.ledger.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	assert.True(t, res.Results[0].Duplicate)
	assert.Equal(t, first.OperationID, res.Results[0].OperationID)
}

func TestSubmit_KeyReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t, "gauze")
	f.submit(t, req(domain.OpReceipt, 10, "k1"))

	_, err := f.ledger.Submit(context.Background(), req(domain.OpReceipt, 11, "k1"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIdempotencyKeyReused))
	assert.Equal(t, 400, errors.StatusCode(err))
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, "gauze")
	require.NoError(t, f.catalog.CreateItem(context.Background(), &domain.Item{ID: "retired", Active: false}))

	tests := []struct {
		name  string
		mut   func(r *ledger.Request)
		field string
	}{
		{name: "missing item", mut: func(r *ledger.Request) { r.ItemID = "" }, field: "item_id"},
		{name: "missing location", mut: func(r *ledger.Request) { r.LocationID = "" }, field: "location_id"},
		{name: "missing key", mut: func(r *ledger.Request) { r.IdempotencyKey = "" }, field: "idempotency_key"},
		{name: "zero receipt", mut: func(r *ledger.Request) { r.Quantity = 0 }, field: "quantity"},
		{name: "negative issue", mut: func(r *ledger.Request) { r.Type = domain.OpIssue; r.Quantity = -1 }, field: "quantity"},
		{name: "adjustment without reason", mut: func(r *ledger.Request) { r.Type = domain.OpAdjustment }, field: "reason_code"},
		{name: "negative count", mut: func(r *ledger.Request) { r.Type = domain.OpCycleCount; r.Quantity = -4 }, field: "quantity"},
		{name: "unknown type", mut: func(r *ledger.Request) { r.Type = "borrow" }, field: "type"},
		{name: "negative cost", mut: func(r *ledger.Request) {
			r.UnitCost = decimal.NewNullDecimal(decimal.NewFromInt(-1))
		}, field: "unit_cost"},
		{name: "unknown item", mut: func(r *ledger.Request) { r.ItemID = "nope" }, field: "item_id"},
		{name: "inactive item", mut: func(r *ledger.Request) { r.ItemID = "retired" }, field: "item_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := req(domain.OpReceipt, 1, "k-"+tt.name)
			tt.mut(&r)

			_, err := f.ledger.Submit(context.Background(), r)

			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Contains(t, appErr.Details, tt.field)
		})
	}
}

func TestSubmit_CycleCountSetsCountedValue(t *testing.T) {
	f := newFixture(t, "gauze")
	f.submit(t, req(domain.OpReceipt, 30, "k1"))

	res := f.submit(t, req(domain.OpCycleCount, 26, "count-1"))
	assert.Equal(t, int64(26), res.Balance.Quantity)

	ops, err := f.ledger.Operations(context.Background(), domain.OperationFilter{Types: []domain.OperationType{domain.OpCycleCount}})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, int64(-4), ops[0].Delta)
	assert.Equal(t, int64(26), ops[0].Quantity)
}

func TestSubmit_MovingAverageCost(t *testing.T) {
	f := newFixture(t, "gauze")

	r := req(domain.OpReceipt, 10, "k1")
	r.UnitCost = decimal.NewNullDecimal(decimal.RequireFromString("2.00"))
	f.submit(t, r)

	r = req(domain.OpReceipt, 30, "k2")
	r.UnitCost = decimal.NewNullDecimal(decimal.RequireFromString("4.00"))
	res := f.submit(t, r)
	assert.Equal(t, "3.5", res.Balance.AverageCost.String())

	res = f.submit(t, req(domain.OpIssue, 20, "k3"))
	assert.Equal(t, "3.5", res.Balance.AverageCost.String(), "issues keep the average")
}

func TestSubmit_ExpectedSequence(t *testing.T) {
	f := newFixture(t, "gauze")
	f.submit(t, req(domain.OpReceipt, 10, "k1"))

	stale := int64(0)
	r := req(domain.OpIssue, 1, "k2")
	r.ExpectedSequence = &stale
	_, err := f.ledger.Submit(context.Background(), r)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSequenceConflict))
	current, ok := domain.CurrentSequence(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), current)

	r.ExpectedSequence = &current
	res := f.submit(t, r)
	assert.Equal(t, int64(9), res.Balance.Quantity)
}

func TestSubmit_ConcurrentBalanceEqualsSumOfDeltas(t *testing.T) {
	f := newFixture(t, "gauze", "mask")
	ctx := context.Background()
	f.submit(t, ledger.Request{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 100, IdempotencyKey: "seed-g"})
	f.submit(t, ledger.Request{ItemID: "mask", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 100, IdempotencyKey: "seed-m"})

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := "gauze"
			if i%2 == 1 {
				item = "mask"
			}
			typ := domain.OpIssue
			if i%3 == 0 {
				typ = domain.OpReceipt
			}
			_, err := f.ledger.Submit(ctx, ledger.Request{
				ItemID: item, LocationID: "ward-3", Type: typ, Quantity: 3,
				IdempotencyKey: fmt.Sprintf("c-%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, item := range []string{"gauze", "mask"} {
		ops, err := f.ledger.Operations(ctx, domain.OperationFilter{ItemIDs: []string{item}})
		require.NoError(t, err)
		var sum int64
		for _, op := range ops {
			sum += op.Delta
		}
		b, err := f.ledger.Balance(ctx, domain.StockKey{ItemID: item, LocationID: "ward-3"})
		require.NoError(t, err)
		assert.Equal(t, sum, b.Quantity, item)
		assert.Equal(t, ops[len(ops)-1].Sequence, b.Sequence, item)
	}

	seq, err := f.ledger.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(62), seq)
}

func TestSubmitBatch_AllOrNothing(t *testing.T) {
	f := newFixture(t, "gauze", "mask")
	ctx := context.Background()
	f.submit(t, req(domain.OpReceipt, 5, "seed"))

	_, err := f.ledger.SubmitBatch(ctx, ledger.BatchRequest{
		BatchID: "batch-1",
		ActorID: "nurse-1",
		Source:  domain.SourceBatchScan,
		Entries: []ledger.Request{
			{ItemID: "mask", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 4},
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpIssue, Quantity: 9},
		},
	})

	require.Error(t, err)
	var rejected *domain.BatchRejectedError
	require.True(t, errors.As(err, &rejected))
	require.Len(t, rejected.Entries, 1)
	assert.Equal(t, 1, rejected.Entries[0].Index)
	assert.Equal(t, "INSUFFICIENT_STOCK", rejected.Entries[0].Code)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	b, err := f.ledger.Balance(ctx, domain.StockKey{ItemID: "mask", LocationID: "ward-3"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Quantity, "no entry of a rejected batch commits")
	assert.Len(t, f.marker.marks, 1)
}

func TestSubmitBatch_ValidationReport(t *testing.T) {
	f := newFixture(t, "gauze")

	_, err := f.ledger.SubmitBatch(context.Background(), ledger.BatchRequest{
		Entries: []ledger.Request{
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 1},
			{ItemID: "unknown", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 1},
			{ItemID: "gauze", LocationID: "", Type: domain.OpReceipt, Quantity: 1},
		},
	})

	var rejected *domain.BatchRejectedError
	require.True(t, errors.As(err, &rejected))
	require.Len(t, rejected.Entries, 2)
	assert.Equal(t, 1, rejected.Entries[0].Index)
	assert.Equal(t, 2, rejected.Entries[1].Index)
	assert.Equal(t, "BATCH_REJECTED", errors.Code(err))
}

func TestSubmitBatch_CommitsAtomically(t *testing.T) {
	f := newFixture(t, "gauze", "mask")
	ctx := context.Background()

	res, err := f.ledger.SubmitBatch(ctx, ledger.BatchRequest{
		BatchID:   "batch-2",
		SessionID: "session-9",
		ActorID:   "nurse-1",
		Source:    domain.SourceBatchScan,
		Entries: []ledger.Request{
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 4},
			{ItemID: "mask", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 2},
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpIssue, Quantity: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "batch-2", res.BatchID)
	require.Len(t, res.Results, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{res.Results[0].Sequence, res.Results[1].Sequence, res.Results[2].Sequence})
	assert.Equal(t, int64(1), res.Results[2].Balance.Quantity)
	assert.Len(t, res.OperationIDs(), 3)

	ops, err := f.ledger.Operations(ctx, domain.OperationFilter{})
	require.NoError(t, err)
	for i, op := range ops {
		assert.Equal(t, "batch-2", op.BatchID)
		assert.Equal(t, domain.SourceBatchScan, op.Source)
		assert.Equal(t, "nurse-1", op.ActorID)
		assert.Equal(t, fmt.Sprintf("batch-2:%d", i), op.IdempotencyKey)
	}

	require.Len(t, f.observer.commits, 1)
	assert.Equal(t, "session-9", f.observer.commits[0].SessionID)
	assert.Len(t, f.observer.commits[0].Operations, 3)
}

func TestSubmitBatch_ReplayReturnsOriginalBatch(t *testing.T) {
	f := newFixture(t, "gauze")
	ctx := context.Background()
	batch := ledger.BatchRequest{
		BatchID: "batch-3",
		Entries: []ledger.Request{{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 4}},
	}

	first, err := f.ledger.SubmitBatch(ctx, batch)
	require.NoError(t, err)
	second, err := f.ledger.SubmitBatch(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, first.OperationIDs(), second.OperationIDs())
	assert.True(t, second.Results[0].Duplicate)
	b, _ := f.ledger.Balance(ctx, domain.StockKey{ItemID: "gauze", LocationID: "ward-3"})
	assert.Equal(t, int64(4), b.Quantity)
}

func TestSubmitBatch_RepeatedKeyRejected(t *testing.T) {
	f := newFixture(t, "gauze")

	_, err := f.ledger.SubmitBatch(context.Background(), ledger.BatchRequest{
		Entries: []ledger.Request{
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 1, IdempotencyKey: "same"},
			{ItemID: "gauze", LocationID: "ward-3", Type: domain.OpReceipt, Quantity: 1, IdempotencyKey: "same"},
		},
	})

	var rejected *domain.BatchRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 1, rejected.Entries[0].Index)
}

func TestSubmitBatch_Empty(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.SubmitBatch(context.Background(), ledger.BatchRequest{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestSubmit_UsesClock(t *testing.T) {
	f := newFixture(t, "gauze")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.ledger.SetClock(func() time.Time { return at })

	f.submit(t, req(domain.OpReceipt, 1, "k1"))

	require.Len(t, f.marker.marks, 1)
	assert.Equal(t, at, f.marker.marks[0].At)
}
