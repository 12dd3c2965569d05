package classification_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/internal/inventory/repository"
	"github.com/medflow/stockflow-backend/pkg/cache"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

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

type recordingListener struct {
	mu      sync.Mutex
	batches [][]classification.Change
}

func (l *recordingListener) ClassificationsUpdated(_ context.Context, changes []classification.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, changes)
}

func (l *recordingListener) last() []classification.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return nil
	}
	return l.batches[len(l.batches)-1]
}

type switchableCosts struct {
	mu  sync.Mutex
	err error
}

func (s *switchableCosts) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *switchableCosts) UnitCosts(ctx context.Context, items []domain.Item) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return classification.CatalogCostSource{}.UnitCosts(ctx, items)
}

type engineFixture struct {
	engine    *classification.Engine
	ledger    *ledger.Ledger
	catalog   *repository.MemoryCatalog
	snapshots *repository.MemorySnapshotStore
	queue     *dirty.Queue
	locker    *cache.LocalLocker
	costs     *switchableCosts
	listener  *recordingListener
	clock     *clock
	keys      int
}

func newEngineFixture(t *testing.T, cfg classification.Config, costs map[string]int64, uncosted ...string) *engineFixture {
	t.Helper()
	ctx := context.Background()

	catalog := repository.NewMemoryCatalog()
	for id, c := range costs {
		require.NoError(t, catalog.CreateItem(ctx, &domain.Item{ID: id, NamePrimary: id, Active: true, UnitCost: cost(c)}))
	}
	for _, id := range uncosted {
		require.NoError(t, catalog.CreateItem(ctx, &domain.Item{ID: id, NamePrimary: id, Active: true}))
	}

	f := &engineFixture{
		catalog:   catalog,
		snapshots: repository.NewMemorySnapshotStore(),
		queue:     dirty.New(),
		locker:    cache.NewLocalLocker(),
		costs:     &switchableCosts{},
		listener:  &recordingListener{},
		clock:     &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
	}

	f.ledger = ledger.New(repository.NewMemoryStore(), catalog, logger.Nop())
	f.ledger.SetClock(f.clock.Now)
	f.ledger.AddMarker(f.queue)

	engine, err := classification.NewEngine(cfg, f.ledger, catalog, f.snapshots, f.costs, f.locker, f.queue, logger.Nop())
	require.NoError(t, err)
	engine.SetClock(f.clock.Now)
	engine.AddListener(f.listener)
	f.engine = engine
	return f
}

func (f *engineFixture) submit(t *testing.T, item string, typ domain.OperationType, qty int64) {
	t.Helper()
	f.keys++
	_, err := f.ledger.Submit(context.Background(), ledger.Request{
		ItemID:         item,
		LocationID:     "ward-3",
		Type:           typ,
		Quantity:       qty,
		ActorID:        "nurse-1",
		IdempotencyKey: fmt.Sprintf("k%d", f.keys),
	})
	require.NoError(t, err)
}

func (f *engineFixture) issue(t *testing.T, item string, qty int64) {
	t.Helper()
	f.submit(t, item, domain.OpReceipt, qty)
	f.submit(t, item, domain.OpIssue, qty)
}

func (f *engineFixture) category(t *testing.T, id string) domain.Category {
	t.Helper()
	item, err := f.catalog.Item(context.Background(), id)
	require.NoError(t, err)
	return item.Category
}

func (f *engineFixture) snapshot(t *testing.T, id string) domain.Snapshot {
	t.Helper()
	snap, err := f.snapshots.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return *snap
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := classification.DefaultConfig()
	cfg.CutoffA = 0.99

	_, err := classification.NewEngine(cfg, nil, nil, nil, nil, nil, dirty.New(), logger.Nop())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestEngine_RecomputeAll(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"gauze": 1, "mask": 1, "swab": 1})
	ctx := context.Background()

	f.issue(t, "gauze", 90)
	f.issue(t, "mask", 8)
	f.issue(t, "swab", 2)

	ran, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	seq, err := f.ledger.Sequence(ctx)
	require.NoError(t, err)

	gauze := f.snapshot(t, "gauze")
	assert.Equal(t, domain.CategoryA, gauze.Category)
	assert.InDelta(t, 0.9, gauze.ValueScore, 1e-9)
	assert.Equal(t, seq, gauze.LedgerSequence)
	assert.Equal(t, f.clock.Now(), gauze.ComputedAt)
	assert.False(t, gauze.Stale)

	assert.Equal(t, domain.CategoryB, f.snapshot(t, "mask").Category)
	assert.Equal(t, domain.CategoryC, f.snapshot(t, "swab").Category)

	assert.Equal(t, domain.CategoryA, f.category(t, "gauze"))
	assert.Equal(t, domain.CategoryB, f.category(t, "mask"))
	assert.Equal(t, domain.CategoryC, f.category(t, "swab"))

	changes := f.listener.last()
	require.Len(t, changes, 3)
	for _, c := range changes {
		assert.Nil(t, c.Previous)
		assert.True(t, c.CategoryChanged())
	}
}

func TestEngine_RecomputeAllSkipsWithoutLeaderLock(t *testing.T) {
	f := newEngineFixture(t, classification.DefaultConfig(), map[string]int64{"gauze": 1})
	ctx := context.Background()

	release, ok, err := f.locker.TryLock(ctx, classification.FullRecomputeLock, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, f.listener.last())

	require.NoError(t, release(ctx))
	ran, err = f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestEngine_WindowExcludesOldOperations(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"gauze": 1, "mask": 1})

	f.issue(t, "gauze", 50)
	f.clock.Advance(400 * 24 * time.Hour)
	f.issue(t, "mask", 5)

	_, err := f.engine.RecomputeAll(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.snapshot(t, "gauze").CompositeScore)
	assert.Equal(t, domain.CategoryC, f.snapshot(t, "gauze").Category)
	assert.Equal(t, domain.CategoryA, f.snapshot(t, "mask").Category)
}

func TestEngine_IncrementalPublishesDirtyAndMovedItems(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"a": 1, "b": 1, "idle": 1})
	ctx := context.Background()

	f.issue(t, "a", 90)
	f.issue(t, "b", 10)
	_, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	f.queue.Drain()
	require.Equal(t, domain.CategoryA, f.category(t, "a"))
	require.Equal(t, domain.CategoryB, f.category(t, "b"))

	f.clock.Advance(time.Minute)
	f.issue(t, "b", 900)

	published, err := f.engine.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	assert.Equal(t, domain.CategoryA, f.category(t, "b"))
	assert.Equal(t, domain.CategoryB, f.category(t, "a"))

	changes := f.listener.last()
	require.Len(t, changes, 2)
	for _, c := range changes {
		require.NotNil(t, c.Previous)
		assert.True(t, c.CategoryChanged())
	}

	idle := f.snapshot(t, "idle")
	assert.Equal(t, f.clock.Now().Add(-time.Minute), idle.ComputedAt)
}

func TestEngine_IncrementalSeesUsageLeaveTheWindow(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"a": 1, "b": 1})
	ctx := context.Background()

	f.issue(t, "a", 90)
	_, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	f.queue.Drain()
	require.Equal(t, domain.CategoryA, f.category(t, "a"))

	// a's issues age out while only b is marked dirty
	f.clock.Advance(400 * 24 * time.Hour)
	f.issue(t, "b", 10)

	published, err := f.engine.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	b := f.snapshot(t, "b")
	assert.InDelta(t, 1.0, b.ValueScore, 1e-9)
	assert.Equal(t, domain.CategoryA, b.Category)

	a := f.snapshot(t, "a")
	assert.Zero(t, a.CompositeScore)
	assert.Equal(t, domain.CategoryC, a.Category)
	assert.Equal(t, f.clock.Now(), a.ComputedAt)
}

func TestEngine_IncrementalDebouncesPerItem(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"a": 1, "b": 1})
	ctx := context.Background()

	f.issue(t, "a", 5)
	published, err := f.engine.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published, "first run loads the window and publishes unseen items")

	f.issue(t, "a", 5)
	published, err = f.engine.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Equal(t, 1, f.engine.Pending())

	f.clock.Advance(31 * time.Second)
	published, err = f.engine.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Zero(t, f.engine.Pending())
	assert.Equal(t, f.clock.Now(), f.snapshot(t, "a").ComputedAt)
}

func TestEngine_MissingCostFlagsStale(t *testing.T) {
	f := newEngineFixture(t, classification.DefaultConfig(), map[string]int64{"gauze": 2}, "tape", "unused")
	ctx := context.Background()

	f.issue(t, "gauze", 10)
	f.issue(t, "tape", 10)

	_, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)

	tape := f.snapshot(t, "tape")
	assert.True(t, tape.Stale)
	assert.Equal(t, classification.ReasonMissingCost, tape.StaleReason)
	assert.Equal(t, domain.CategoryC, tape.Category)

	// an uncosted item with no usage has nothing to value
	assert.False(t, f.snapshot(t, "unused").Stale)
	assert.False(t, f.snapshot(t, "gauze").Stale)

	view, err := f.engine.Classification(ctx, "tape")
	require.NoError(t, err)
	require.NotNil(t, view.Warning)
	assert.True(t, errors.Is(view.Warning, domain.ErrClassificationStale))
}

func TestEngine_CostSourceFailureKeepsPreviousSnapshot(t *testing.T) {
	f := newEngineFixture(t, valueOnly(), map[string]int64{"gauze": 1, "mask": 1})
	ctx := context.Background()

	f.issue(t, "gauze", 90)
	f.issue(t, "mask", 10)
	_, err := f.engine.RecomputeAll(ctx)
	require.NoError(t, err)
	before := f.snapshot(t, "mask")

	f.costs.fail(fmt.Errorf("costing service down"))
	f.clock.Advance(time.Hour)
	_, err = f.engine.RecomputeAll(ctx)
	require.NoError(t, err)

	after := f.snapshot(t, "mask")
	assert.True(t, after.Stale)
	assert.Contains(t, after.StaleReason, "costing service down")
	assert.Equal(t, before.Category, after.Category)
	assert.Equal(t, before.ComputedAt, after.ComputedAt)
	assert.Equal(t, before.CompositeScore, after.CompositeScore)
}

func TestEngine_Classification(t *testing.T) {
	f := newEngineFixture(t, classification.DefaultConfig(), map[string]int64{"gauze": 1})
	ctx := context.Background()

	view, err := f.engine.Classification(ctx, "gauze")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryC, view.Snapshot.Category)
	assert.True(t, view.Snapshot.Stale)
	require.NotNil(t, view.Warning)
	assert.Equal(t, classification.ReasonNotComputed, view.Warning.Details["reason"])

	_, err = f.engine.RecomputeAll(ctx)
	require.NoError(t, err)

	view, err = f.engine.Classification(ctx, "gauze")
	require.NoError(t, err)
	assert.Nil(t, view.Warning)

	f.clock.Advance(3 * time.Hour)
	view, err = f.engine.Classification(ctx, "gauze")
	require.NoError(t, err)
	require.NotNil(t, view.Warning)
	assert.Equal(t, classification.ReasonFreshness, view.Warning.Details["reason"])

	_, err = f.engine.Classification(ctx, "unknown")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEngine_StartRunsInitialRecompute(t *testing.T) {
	f := newEngineFixture(t, classification.DefaultConfig(), map[string]int64{"gauze": 1, "mask": 1})
	f.issue(t, "gauze", 3)

	f.engine.Start(context.Background())
	defer f.engine.Stop()

	require.Eventually(t, func() bool {
		snaps, err := f.snapshots.Snapshots(context.Background())
		return err == nil && len(snaps) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
