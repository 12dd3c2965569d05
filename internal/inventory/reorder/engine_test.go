package reorder_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/internal/inventory/reorder"
	"github.com/medflow/stockflow-backend/internal/inventory/repository"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

type recordingListener struct {
	mu      sync.Mutex
	raised  []domain.Advisory
	cleared []domain.Advisory
}

func (l *recordingListener) AdvisoryRaised(_ context.Context, a domain.Advisory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.raised = append(l.raised, a)
}

func (l *recordingListener) AdvisoryCleared(_ context.Context, a domain.Advisory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, a)
}

type fixture struct {
	engine   *reorder.Engine
	ledger   *ledger.Ledger
	catalog  *repository.MemoryCatalog
	queue    *dirty.Queue
	listener *recordingListener
	now      time.Time
	keys     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	catalog := repository.NewMemoryCatalog()
	twoDays := 2.0
	require.NoError(t, catalog.CreateItem(ctx, &domain.Item{ID: "gauze", NamePrimary: "Gauze", Active: true, LeadTimeDays: &twoDays}))
	require.NoError(t, catalog.CreateItem(ctx, &domain.Item{ID: "mask", NamePrimary: "Mask", Active: true}))

	f := &fixture{
		catalog:  catalog,
		queue:    dirty.New(),
		listener: &recordingListener{},
		now:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.ledger = ledger.New(repository.NewMemoryStore(), catalog, logger.Nop())
	f.ledger.SetClock(func() time.Time { return f.now })
	f.ledger.AddMarker(f.queue)

	cfg := reorder.DefaultConfig()
	cfg.Window = 10 * 24 * time.Hour

	engine, err := reorder.NewEngine(cfg, f.ledger, catalog, f.queue, logger.Nop())
	require.NoError(t, err)
	engine.SetClock(func() time.Time { return f.now })
	engine.AddListener(f.listener)
	f.engine = engine
	return f
}

func (f *fixture) submit(t *testing.T, item, location string, typ domain.OperationType, qty int64) {
	t.Helper()
	f.keys++
	_, err := f.ledger.Submit(context.Background(), ledger.Request{
		ItemID:           item,
		LocationID:       location,
		Type:             typ,
		Quantity:         qty,
		ActorID:          "nurse-1",
		IdempotencyKey:   fmt.Sprintf("k%d", f.keys),
		BackorderAllowed: true,
	})
	require.NoError(t, err)
}

func (f *fixture) evaluate(t *testing.T) {
	t.Helper()
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
}

func TestEngine_AdvisoryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.StockKey{ItemID: "gauze", LocationID: "ward-3"}

	f.submit(t, "gauze", "ward-3", domain.OpReceipt, 100)
	f.submit(t, "gauze", "ward-3", domain.OpIssue, 30)
	f.evaluate(t)

	// mean 3/day, sigma 9: rp = 3*2 + 1.645*9*sqrt(2) ~ 26.9 against a balance of 70
	lv, ok := f.engine.Levels(key)
	require.True(t, ok)
	assert.InDelta(t, 3, lv.AverageDailyUsage, 1e-9)
	assert.InDelta(t, 9, lv.DemandStdDev, 1e-9)
	assert.InDelta(t, 26.94, lv.ReorderPoint, 0.01)
	assert.Empty(t, f.listener.raised)

	f.submit(t, "gauze", "ward-3", domain.OpIssue, 45)
	f.evaluate(t)
	require.Len(t, f.listener.raised, 1)
	first := f.listener.raised[0]
	assert.Equal(t, int64(25), first.CurrentBalance)
	assert.Equal(t, f.now, first.TriggeredAt)
	assert.Equal(t, 2.0, first.LeadTimeDays)

	advisories, err := f.engine.Advisories(ctx, reorder.Filter{})
	require.NoError(t, err)
	require.Len(t, advisories, 1)

	t.Run("breach within cooldown is suppressed", func(t *testing.T) {
		f.now = f.now.Add(time.Hour)
		f.submit(t, "gauze", "ward-3", domain.OpIssue, 1)
		f.evaluate(t)
		assert.Len(t, f.listener.raised, 1)

		advisories, err := f.engine.Advisories(ctx, reorder.Filter{})
		require.NoError(t, err)
		require.Len(t, advisories, 1)
		assert.Equal(t, int64(24), advisories[0].CurrentBalance)
		assert.Equal(t, first.TriggeredAt, advisories[0].TriggeredAt)
	})

	t.Run("breach after cooldown fires again", func(t *testing.T) {
		f.now = f.now.Add(24 * time.Hour)
		f.submit(t, "gauze", "ward-3", domain.OpIssue, 1)
		f.evaluate(t)
		assert.Len(t, f.listener.raised, 2)
	})

	t.Run("recovery clears", func(t *testing.T) {
		f.submit(t, "gauze", "ward-3", domain.OpReceipt, 500)
		f.evaluate(t)
		require.Len(t, f.listener.cleared, 1)
		assert.Equal(t, int64(523), f.listener.cleared[0].CurrentBalance)

		advisories, err := f.engine.Advisories(ctx, reorder.Filter{})
		require.NoError(t, err)
		assert.Empty(t, advisories)
	})

	t.Run("next breach fires immediately", func(t *testing.T) {
		f.now = f.now.Add(time.Minute)
		f.submit(t, "gauze", "ward-3", domain.OpIssue, 500)
		f.evaluate(t)
		assert.Len(t, f.listener.raised, 3)
	})
}

func TestEngine_RefreshesItemLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, "mask", "ward-3", domain.OpReceipt, 50)
	f.submit(t, "mask", "ward-3", domain.OpIssue, 10)
	f.submit(t, "mask", "icu", domain.OpReceipt, 50)
	f.submit(t, "mask", "icu", domain.OpIssue, 20)
	f.evaluate(t)

	ward, ok := f.engine.Levels(domain.StockKey{ItemID: "mask", LocationID: "ward-3"})
	require.True(t, ok)
	icu, ok := f.engine.Levels(domain.StockKey{ItemID: "mask", LocationID: "icu"})
	require.True(t, ok)
	assert.Equal(t, 7.0, ward.LeadTimeDays, "default lead time")

	item, err := f.catalog.Item(ctx, "mask")
	require.NoError(t, err)
	assert.InDelta(t, ward.ReorderPoint+icu.ReorderPoint, item.ReorderPoint, 1e-9)
	assert.InDelta(t, ward.SafetyStock+icu.SafetyStock, item.SafetyStock, 1e-9)
}

func TestEngine_NoDemandEmptyStockRaisesAdvisory(t *testing.T) {
	f := newFixture(t)

	f.submit(t, "mask", "ward-3", domain.OpReceipt, 5)
	f.submit(t, "mask", "ward-3", domain.OpCycleCount, 0)
	f.evaluate(t)

	bal, err := f.ledger.Balance(context.Background(), domain.StockKey{ItemID: "mask", LocationID: "ward-3"})
	require.NoError(t, err)
	require.Zero(t, bal.Quantity)

	require.Len(t, f.listener.raised, 1)
	adv := f.listener.raised[0]
	assert.Zero(t, adv.ReorderPoint)
	assert.Zero(t, adv.AverageDailyUsage)
	assert.Zero(t, adv.CurrentBalance)

	outstanding, err := f.engine.Advisories(context.Background(), reorder.Filter{})
	require.NoError(t, err)
	assert.Len(t, outstanding, 1)
}

func TestEngine_NoDemandStockedPointStaysQuiet(t *testing.T) {
	f := newFixture(t)

	f.submit(t, "mask", "ward-3", domain.OpReceipt, 5)
	f.evaluate(t)

	assert.Empty(t, f.listener.raised)
}

func TestEngine_AdvisoriesFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, "gauze", "ward-3", domain.OpIssue, 5)
	f.submit(t, "mask", "icu", domain.OpIssue, 5)
	f.submit(t, "mask", "ward-3", domain.OpIssue, 5)
	f.evaluate(t)
	require.NoError(t, f.catalog.SetCategory(ctx, "mask", domain.CategoryA))

	all, err := f.engine.Advisories(ctx, reorder.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "gauze", all[0].ItemID)
	assert.Equal(t, "icu", all[1].LocationID)
	assert.Equal(t, int64(-5), all[0].CurrentBalance)

	ward, err := f.engine.Advisories(ctx, reorder.Filter{LocationID: "ward-3"})
	require.NoError(t, err)
	assert.Len(t, ward, 2)

	tierA, err := f.engine.Advisories(ctx, reorder.Filter{Category: domain.CategoryA})
	require.NoError(t, err)
	require.Len(t, tierA, 2)
	for _, a := range tierA {
		assert.Equal(t, "mask", a.ItemID)
	}

	both, err := f.engine.Advisories(ctx, reorder.Filter{LocationID: "ward-3", Category: domain.CategoryC})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "gauze", both[0].ItemID)
}

func TestEngine_EvaluateAll(t *testing.T) {
	f := newFixture(t)
	key := domain.StockKey{ItemID: "gauze", LocationID: "ward-3"}

	f.submit(t, "gauze", "ward-3", domain.OpReceipt, 100)
	f.submit(t, "gauze", "ward-3", domain.OpIssue, 90)
	f.queue.Drain()

	require.NoError(t, f.engine.EvaluateAll(context.Background()))
	assert.Len(t, f.listener.raised, 1)

	// once the issue ages out of the window demand is gone and the advisory clears
	f.now = f.now.Add(11 * 24 * time.Hour)
	require.NoError(t, f.engine.EvaluateAll(context.Background()))
	lv, _ := f.engine.Levels(key)
	assert.Zero(t, lv.AverageDailyUsage)
	assert.Len(t, f.listener.cleared, 1)
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := reorder.DefaultConfig()
	cfg.ServiceLevel = 1.2
	_, err := reorder.NewEngine(cfg, nil, nil, dirty.New(), logger.Nop())
	assert.Error(t, err)
}
