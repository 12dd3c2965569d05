package classification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/cache"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// FullRecomputeLock is the leader lock key for scheduled full recomputes
const FullRecomputeLock = "classification:full"

// Stale reasons
const (
	ReasonMissingCost   = "missing unit cost"
	ReasonNotComputed   = "not yet computed"
	ReasonFreshness     = "older than freshness bound"
	reasonCostSourceFmt = "cost source unavailable: %v"
)

// OperationReader reads the ledger at a fixed sequence
type OperationReader interface {
	Operations(ctx context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error)
	Sequence(ctx context.Context) (int64, error)
}

// Catalog is the item store the engine ranks and writes categories back to
type Catalog interface {
	Item(ctx context.Context, id string) (*domain.Item, error)
	Items(ctx context.Context) ([]domain.Item, error)
	SetCategory(ctx context.Context, id string, category domain.Category) error
}

// SnapshotStore persists the latest snapshot per item
type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snapshots []domain.Snapshot) error
	Snapshot(ctx context.Context, itemID string) (*domain.Snapshot, error)
	Snapshots(ctx context.Context) ([]domain.Snapshot, error)
}

// CostSource supplies unit costs at recompute time. Items absent from the
// returned map have no known cost.
type CostSource interface {
	UnitCosts(ctx context.Context, items []domain.Item) (map[string]decimal.Decimal, error)
}

// CatalogCostSource reads costs straight off the catalog items
type CatalogCostSource struct{}

// UnitCosts returns every item's catalog unit cost
func (CatalogCostSource) UnitCosts(_ context.Context, items []domain.Item) (map[string]decimal.Decimal, error) {
	costs := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		if item.UnitCost.Valid {
			costs[item.ID] = item.UnitCost.Decimal
		}
	}
	return costs, nil
}

// Change is one published snapshot with the one it replaced
type Change struct {
	Previous *domain.Snapshot
	Current  domain.Snapshot
}

// CategoryChanged reports whether the item moved between tiers
func (c Change) CategoryChanged() bool {
	return c.Previous == nil || c.Previous.Category != c.Current.Category
}

// Listener is told about every batch of published snapshots
type Listener interface {
	ClassificationsUpdated(ctx context.Context, changes []Change)
}

// View is a served classification. Warning is set when the snapshot is stale.
type View struct {
	Snapshot domain.Snapshot  `json:"snapshot"`
	Warning  *errors.AppError `json:"warning,omitempty"`
}

type usage struct {
	quantity     int64
	transactions int64
}

// Engine keeps ABC snapshots current. Full recomputes run on a schedule;
// dirty items are recomputed incrementally, at most once per item per
// MinRecomputeInterval.
type Engine struct {
	cfg       Config
	ops       OperationReader
	catalog   Catalog
	snapshots SnapshotStore
	costs     CostSource
	locker    cache.Locker
	queue     *dirty.Queue
	listeners []Listener
	now       func() time.Time
	logger    *logger.Logger
	cancel    context.CancelFunc
	done      chan struct{}

	// run serializes recomputes; the fields below it are only touched under it
	run     sync.Mutex
	usage   map[string]usage
	pending map[string]int64
	lastRun map[string]time.Time
}

// NewEngine validates cfg and creates an engine draining queue
func NewEngine(cfg Config, ops OperationReader, catalog Catalog, snapshots SnapshotStore, costs CostSource, locker cache.Locker, queue *dirty.Queue, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if costs == nil {
		costs = CatalogCostSource{}
	}
	if locker == nil {
		locker = cache.NewLocalLocker()
	}

	return &Engine{
		cfg:       cfg,
		ops:       ops,
		catalog:   catalog,
		snapshots: snapshots,
		costs:     costs,
		locker:    locker,
		queue:     queue,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.WithComponent("classification"),
		usage:     make(map[string]usage),
		pending:   make(map[string]int64),
		lastRun:   make(map[string]time.Time),
	}, nil
}

// AddListener registers a listener. Call before Start.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// SetClock overrides the engine clock
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start runs an initial full recompute, then reacts to dirty marks and the
// full-recompute schedule until ctx is done or Stop is called
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		e.logger.Info().
			Dur("full_interval", e.cfg.FullRecomputeInterval).
			Dur("min_interval", e.cfg.MinRecomputeInterval).
			Msg("classification engine started")

		e.runFull(ctx)

		full := time.NewTicker(e.cfg.FullRecomputeInterval)
		defer full.Stop()
		debounce := time.NewTicker(tickInterval(e.cfg.MinRecomputeInterval))
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info().Msg("classification engine stopped")
				return
			case <-full.C:
				e.runFull(ctx)
			case <-e.queue.Ready():
				e.runDirty(ctx)
			case <-debounce.C:
				e.runDirty(ctx)
			}
		}
	}()
}

// Stop stops the background loop and waits for it to exit
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func tickInterval(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func (e *Engine) runFull(ctx context.Context) {
	if _, err := e.RecomputeAll(ctx); err != nil {
		e.logger.Error().Err(err).Msg("full recompute failed")
	}
}

func (e *Engine) runDirty(ctx context.Context) {
	if _, err := e.RecomputeDirty(ctx); err != nil {
		e.logger.Error().Err(err).Msg("incremental recompute failed")
	}
}

// RecomputeAll reclassifies the whole catalog. It returns false without
// doing anything when another replica holds the leader lock.
func (e *Engine) RecomputeAll(ctx context.Context) (bool, error) {
	release, ok, err := e.locker.TryLock(ctx, FullRecomputeLock, e.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("failed to obtain recompute lock: %w", err)
	}
	if !ok {
		e.logger.Debug().Msg("full recompute held by another replica, skipping")
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release recompute lock")
		}
	}()

	e.run.Lock()
	defer e.run.Unlock()

	start := time.Now()
	seq, err := e.ops.Sequence(ctx)
	if err != nil {
		return false, err
	}
	if err := e.loadUsage(ctx, seq); err != nil {
		return false, err
	}

	items, err := e.catalog.Items(ctx)
	if err != nil {
		return false, err
	}
	targets := make(map[string]bool, len(items))
	for _, item := range items {
		targets[item.ID] = true
	}
	for id, markSeq := range e.pending {
		if markSeq <= seq {
			delete(e.pending, id)
		}
	}

	published, err := e.publish(ctx, items, targets, seq)
	if err != nil {
		return false, err
	}

	e.logger.Info().
		Int64("ledger_sequence", seq).
		Int("items", len(items)).
		Int("published", published).
		Dur("duration", time.Since(start)).
		Msg("full recompute completed")
	return true, nil
}

// RecomputeDirty drains the dirty queue and reclassifies the items whose
// debounce interval has elapsed. Items not yet due stay pending. It returns
// the number of snapshots published.
func (e *Engine) RecomputeDirty(ctx context.Context) (int, error) {
	e.run.Lock()
	defer e.run.Unlock()

	for _, mark := range e.queue.Drain() {
		if mark.Sequence > e.pending[mark.Key.ItemID] {
			e.pending[mark.Key.ItemID] = mark.Sequence
		}
	}
	if len(e.pending) == 0 {
		return 0, nil
	}

	now := e.now()
	due := make(map[string]int64)
	for id, seq := range e.pending {
		if last, ok := e.lastRun[id]; ok && now.Sub(last) < e.cfg.MinRecomputeInterval {
			continue
		}
		due[id] = seq
	}
	if len(due) == 0 {
		return 0, nil
	}
	for id := range due {
		delete(e.pending, id)
	}

	published, err := e.recomputeItems(ctx, due)
	if err != nil {
		for id, seq := range due {
			if seq > e.pending[id] {
				e.pending[id] = seq
			}
		}
		return 0, err
	}
	return published, nil
}

func (e *Engine) recomputeItems(ctx context.Context, due map[string]int64) (int, error) {
	seq, err := e.ops.Sequence(ctx)
	if err != nil {
		return 0, err
	}

	// the window slides for every item, so usage is re-read in full even
	// though only due items are republished
	if err := e.loadUsage(ctx, seq); err != nil {
		return 0, err
	}

	items, err := e.catalog.Items(ctx)
	if err != nil {
		return 0, err
	}
	targets := make(map[string]bool, len(due))
	for id := range due {
		targets[id] = true
	}

	published, err := e.publish(ctx, items, targets, seq)
	if err != nil {
		return 0, err
	}
	e.logger.Debug().
		Int64("ledger_sequence", seq).
		Int("dirty", len(due)).
		Int("published", published).
		Msg("incremental recompute completed")
	return published, nil
}

// loadUsage rebuilds the usage cache for every item from the window
func (e *Engine) loadUsage(ctx context.Context, seq int64) error {
	all, err := e.windowUsage(ctx, seq)
	if err != nil {
		return err
	}
	e.usage = all
	return nil
}

func (e *Engine) windowUsage(ctx context.Context, seq int64) (map[string]usage, error) {
	from := e.now().Add(-e.cfg.Window)
	ops, err := e.ops.Operations(ctx, domain.OperationFilter{
		Types:       []domain.OperationType{domain.OpIssue},
		From:        from,
		MaxSequence: seq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read window operations: %w", err)
	}

	out := make(map[string]usage)
	for _, op := range ops {
		u := out[op.ItemID]
		d := op.Delta
		if d < 0 {
			d = -d
		}
		u.quantity += d
		u.transactions++
		out[op.ItemID] = u
	}
	return out, nil
}

// publish ranks every item from the usage cache and writes snapshots for
// targets plus any item whose category moved
func (e *Engine) publish(ctx context.Context, items []domain.Item, targets map[string]bool, seq int64) (int, error) {
	now := e.now()

	costs, costErr := e.costs.UnitCosts(ctx, items)
	if costErr != nil {
		e.logger.Warn().Err(costErr).Msg("cost source failed, flagging snapshots stale")
	}

	failed := make(map[string]string)
	stats := make([]ItemStats, 0, len(items))
	for _, item := range items {
		u := e.usage[item.ID]
		s := ItemStats{ItemID: item.ID, Quantity: u.quantity, Transactions: u.transactions}
		switch cost, ok := costs[item.ID]; {
		case costErr != nil:
			failed[item.ID] = fmt.Sprintf(reasonCostSourceFmt, costErr)
		case ok:
			s.UnitCost = decimal.NullDecimal{Decimal: cost, Valid: true}
		case u.quantity > 0:
			failed[item.ID] = ReasonMissingCost
		}
		stats = append(stats, s)
	}

	previous, err := e.previousSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	categories := make(map[string]domain.Category, len(items))
	for _, item := range items {
		categories[item.ID] = item.Category
	}

	var (
		out     []domain.Snapshot
		changes []Change
	)
	for _, snap := range Classify(stats, e.cfg) {
		prev := previous[snap.ItemID]
		if reason, bad := failed[snap.ItemID]; bad {
			if !targets[snap.ItemID] {
				continue
			}
			snap = staleSnapshot(snap.ItemID, prev, reason, seq, now)
		} else {
			snap.LedgerSequence = seq
			snap.ComputedAt = now
			if !targets[snap.ItemID] && prev != nil && prev.Category == snap.Category {
				continue
			}
		}
		out = append(out, snap)
		changes = append(changes, Change{Previous: prev, Current: snap})
	}
	if len(out) == 0 {
		return 0, nil
	}

	if err := e.snapshots.SaveSnapshots(ctx, out); err != nil {
		return 0, fmt.Errorf("failed to save snapshots: %w", err)
	}
	for _, snap := range out {
		e.lastRun[snap.ItemID] = now
		if categories[snap.ItemID] == snap.Category {
			continue
		}
		if err := e.catalog.SetCategory(ctx, snap.ItemID, snap.Category); err != nil {
			return 0, fmt.Errorf("failed to update category of %s: %w", snap.ItemID, err)
		}
	}

	for _, l := range e.listeners {
		l.ClassificationsUpdated(ctx, changes)
	}
	return len(out), nil
}

func (e *Engine) previousSnapshots(ctx context.Context) (map[string]*domain.Snapshot, error) {
	all, err := e.snapshots.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Snapshot, len(all))
	for i := range all {
		out[all[i].ItemID] = &all[i]
	}
	return out, nil
}

// staleSnapshot keeps the previous snapshot, or a C placeholder, flagged stale
func staleSnapshot(itemID string, prev *domain.Snapshot, reason string, seq int64, now time.Time) domain.Snapshot {
	if prev != nil {
		snap := *prev
		snap.Stale = true
		snap.StaleReason = reason
		return snap
	}
	return domain.Snapshot{
		ItemID:         itemID,
		Category:       domain.CategoryC,
		LedgerSequence: seq,
		ComputedAt:     now,
		Stale:          true,
		StaleReason:    reason,
	}
}

// Classification returns the item's current snapshot. A stale or expired
// snapshot is still served, with a ClassificationStaleError warning.
func (e *Engine) Classification(ctx context.Context, itemID string) (*View, error) {
	item, err := e.catalog.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}

	snap, err := e.snapshots.Snapshot(ctx, itemID)
	if errors.Is(err, errors.ErrNotFound) {
		placeholder := staleSnapshot(item.ID, nil, ReasonNotComputed, 0, e.now())
		return &View{
			Snapshot: placeholder,
			Warning:  domain.ClassificationStaleError(item.ID, placeholder.ComputedAt, ReasonNotComputed),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	view := &View{Snapshot: *snap}
	switch {
	case snap.Stale:
		view.Warning = domain.ClassificationStaleError(itemID, snap.ComputedAt, snap.StaleReason)
	case e.now().Sub(snap.ComputedAt) > e.cfg.FreshnessBound:
		view.Warning = domain.ClassificationStaleError(itemID, snap.ComputedAt, ReasonFreshness)
	}
	return view, nil
}

// Pending returns the number of items waiting out their debounce interval
func (e *Engine) Pending() int {
	e.run.Lock()
	defer e.run.Unlock()
	return len(e.pending)
}
