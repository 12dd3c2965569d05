package reorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// LedgerReader is the slice of the ledger the engine reads
type LedgerReader interface {
	Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error)
	Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error)
	Operations(ctx context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error)
}

// Catalog supplies lead times and receives catalog-wide reorder figures
type Catalog interface {
	Item(ctx context.Context, id string) (*domain.Item, error)
	SetReorderLevels(ctx context.Context, id string, reorderPoint, safetyStock float64) error
}

// Listener is told when advisories fire and clear
type Listener interface {
	AdvisoryRaised(ctx context.Context, advisory domain.Advisory)
	AdvisoryCleared(ctx context.Context, advisory domain.Advisory)
}

// Filter narrows Advisories; empty fields match everything
type Filter struct {
	LocationID string
	Category   domain.Category
}

type pointState struct {
	levels    Levels
	breached  bool
	lastFired time.Time
	advisory  domain.Advisory
}

// Engine evaluates stock points marked dirty by the ledger
type Engine struct {
	cfg       Config
	z         float64
	ledger    LedgerReader
	catalog   Catalog
	queue     *dirty.Queue
	listeners []Listener
	now       func() time.Time
	logger    *logger.Logger
	cancel    context.CancelFunc
	done      chan struct{}

	run    sync.Mutex
	mu     sync.RWMutex
	points map[domain.StockKey]*pointState
}

// NewEngine validates cfg and creates an engine draining queue
func NewEngine(cfg Config, ledger LedgerReader, catalog Catalog, queue *dirty.Queue, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		z:       Z(cfg.ServiceLevel),
		ledger:  ledger,
		catalog: catalog,
		queue:   queue,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  log.WithComponent("reorder"),
		points:  make(map[domain.StockKey]*pointState),
	}, nil
}

// AddListener registers a listener. Call before Start.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// SetClock overrides the clock used by scheduled refreshes
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start evaluates every stock point once, then follows dirty marks and
// refreshes on RefreshInterval until ctx is done or Stop is called
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		e.logger.Info().Dur("refresh_interval", e.cfg.RefreshInterval).Msg("reorder engine started")

		if err := e.EvaluateAll(ctx); err != nil {
			e.logger.Error().Err(err).Msg("initial reorder evaluation failed")
		}

		ticker := time.NewTicker(e.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info().Msg("reorder engine stopped")
				return
			case <-e.queue.Ready():
				if _, err := e.Evaluate(ctx); err != nil {
					e.logger.Error().Err(err).Msg("reorder evaluation failed")
				}
			case <-ticker.C:
				if err := e.EvaluateAll(ctx); err != nil {
					e.logger.Error().Err(err).Msg("reorder refresh failed")
				}
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

// Evaluate drains the dirty queue and re-evaluates each marked stock point
// at the mark's commit time. It returns the number of points evaluated.
func (e *Engine) Evaluate(ctx context.Context) (int, error) {
	e.run.Lock()
	defer e.run.Unlock()

	marks := e.queue.Drain()
	items := make(map[string]bool)
	for i, mark := range marks {
		if err := e.evaluate(ctx, mark.Key, mark.At); err != nil {
			e.queue.Requeue(marks[i:])
			return i, err
		}
		items[mark.Key.ItemID] = true
	}
	if err := e.refreshItems(ctx, items); err != nil {
		return len(marks), err
	}
	return len(marks), nil
}

// EvaluateAll re-evaluates every stock point with a balance at the current time
func (e *Engine) EvaluateAll(ctx context.Context) error {
	e.run.Lock()
	defer e.run.Unlock()

	balances, err := e.ledger.Balances(ctx, domain.BalanceFilter{})
	if err != nil {
		return err
	}
	now := e.now()
	items := make(map[string]bool)
	for _, b := range balances {
		if err := e.evaluate(ctx, b.Key(), now); err != nil {
			return err
		}
		items[b.ItemID] = true
	}
	return e.refreshItems(ctx, items)
}

func (e *Engine) evaluate(ctx context.Context, key domain.StockKey, at time.Time) error {
	bal, err := e.ledger.Balance(ctx, key)
	if err != nil {
		return err
	}
	item, err := e.catalog.Item(ctx, key.ItemID)
	if err != nil {
		return err
	}
	// reads are pinned to the balance's sequence so usage and balance agree
	ops, err := e.ledger.Operations(ctx, domain.OperationFilter{
		ItemIDs:     []string{key.ItemID},
		LocationID:  key.LocationID,
		Types:       []domain.OperationType{domain.OpIssue},
		From:        at.Add(-time.Duration(e.cfg.Days()) * day),
		MaxSequence: bal.Sequence,
	})
	if err != nil {
		return fmt.Errorf("failed to read usage for %s: %w", key, err)
	}

	leadTime := e.cfg.DefaultLeadTimeDays
	if item.LeadTimeDays != nil && *item.LeadTimeDays > 0 {
		leadTime = *item.LeadTimeDays
	}
	levels := ComputeLevels(DailyUsage(ops, at, e.cfg.Days()), leadTime, e.z)

	e.mu.Lock()
	st, ok := e.points[key]
	if !ok {
		st = &pointState{}
		e.points[key] = st
	}
	st.levels = levels

	breach := float64(bal.Quantity) <= levels.ReorderPoint
	var raised, cleared *domain.Advisory
	switch {
	case breach:
		fire := !st.breached || at.Sub(st.lastFired) >= e.cfg.Cooldown
		st.breached = true
		st.advisory = domain.Advisory{
			ItemID:            key.ItemID,
			LocationID:        key.LocationID,
			CurrentBalance:    bal.Quantity,
			ReorderPoint:      levels.ReorderPoint,
			SafetyStock:       levels.SafetyStock,
			AverageDailyUsage: levels.AverageDailyUsage,
			LeadTimeDays:      levels.LeadTimeDays,
			TriggeredAt:       st.advisory.TriggeredAt,
		}
		if fire {
			st.lastFired = at
			st.advisory.TriggeredAt = at
			adv := st.advisory
			raised = &adv
		}
	case st.breached:
		adv := st.advisory
		adv.CurrentBalance = bal.Quantity
		cleared = &adv
		st.breached = false
		st.lastFired = time.Time{}
		st.advisory = domain.Advisory{}
	}
	e.mu.Unlock()

	if raised != nil {
		e.logger.Info().
			Str("item_id", key.ItemID).
			Str("location_id", key.LocationID).
			Int64("balance", bal.Quantity).
			Float64("reorder_point", levels.ReorderPoint).
			Msg("reorder advisory raised")
		for _, l := range e.listeners {
			l.AdvisoryRaised(ctx, *raised)
		}
	}
	if cleared != nil {
		for _, l := range e.listeners {
			l.AdvisoryCleared(ctx, *cleared)
		}
	}
	return nil
}

// refreshItems writes each item's reorder figures summed over its stock points
func (e *Engine) refreshItems(ctx context.Context, items map[string]bool) error {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var rp, ss float64
		e.mu.RLock()
		for key, st := range e.points {
			if key.ItemID == id {
				rp += st.levels.ReorderPoint
				ss += st.levels.SafetyStock
			}
		}
		e.mu.RUnlock()

		if err := e.catalog.SetReorderLevels(ctx, id, rp, ss); err != nil {
			return fmt.Errorf("failed to update reorder levels of %s: %w", id, err)
		}
	}
	return nil
}

// Levels returns the last computed figures for a stock point
func (e *Engine) Levels(key domain.StockKey) (Levels, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.points[key]
	if !ok {
		return Levels{}, false
	}
	return st.levels, true
}

// Advisories lists outstanding advisories ordered by item then location
func (e *Engine) Advisories(ctx context.Context, filter Filter) ([]domain.Advisory, error) {
	e.mu.RLock()
	out := make([]domain.Advisory, 0)
	for key, st := range e.points {
		if !st.breached {
			continue
		}
		if filter.LocationID != "" && key.LocationID != filter.LocationID {
			continue
		}
		out = append(out, st.advisory)
	}
	e.mu.RUnlock()

	if filter.Category != "" {
		kept := out[:0]
		for _, adv := range out {
			item, err := e.catalog.Item(ctx, adv.ItemID)
			if err != nil {
				return nil, err
			}
			if item.Category == filter.Category {
				kept = append(kept, adv)
			}
		}
		out = kept
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out, nil
}
