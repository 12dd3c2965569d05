package service

import (
	"context"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/events"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/internal/inventory/projection"
	"github.com/medflow/stockflow-backend/internal/inventory/reorder"
	"github.com/medflow/stockflow-backend/pkg/cache"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// Pipeline is the fan-out from ledger commits to the analytics side
type Pipeline struct {
	Ledger         *ledger.Ledger
	ClassifyQueue  *dirty.Queue
	ReorderQueue   *dirty.Queue
	Classification *classification.Engine
	Reorder        *reorder.Engine
	Projection     *projection.Store
	// Events is optional; nil disables outbound events
	Events *events.StockEventPublisher
}

// Connect registers every marker, observer and listener. Each engine gets
// its own dirty queue so neither drains marks the other still needs.
func (p Pipeline) Connect() {
	p.Ledger.AddMarker(p.ClassifyQueue)
	p.Ledger.AddMarker(p.ReorderQueue)

	p.Ledger.AddObserver(p.Projection)
	p.Classification.AddListener(p.Projection)
	p.Reorder.AddListener(p.Projection)

	if p.Events != nil {
		p.Ledger.AddObserver(p.Events)
		p.Classification.AddListener(p.Events)
		p.Reorder.AddListener(p.Events)
	}
}

// SnapshotLister reads every stored classification snapshot
type SnapshotLister interface {
	Snapshots(ctx context.Context) ([]domain.Snapshot, error)
}

// ItemLister reads the whole catalog
type ItemLister interface {
	Items(ctx context.Context) ([]domain.Item, error)
}

type projectionSource struct {
	ItemLister
	SnapshotLister
	ledger *ledger.Ledger
}

func (s projectionSource) Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error) {
	return s.ledger.Balances(ctx, filter)
}

// LoadProjection seeds the projection from durable state
func LoadProjection(ctx context.Context, store *projection.Store, items ItemLister, l *ledger.Ledger, snapshots SnapshotLister) error {
	return store.Load(ctx, projectionSource{ItemLister: items, SnapshotLister: snapshots, ledger: l})
}

// Start launches the session sweeper and both engines
func (s *StockService) Start(ctx context.Context) {
	s.sessions.Start(ctx)
	s.classifier.Start(ctx)
	s.reorder.Start(ctx)
}

// Stop halts the engines and aborts live scan sessions
func (s *StockService) Stop() {
	s.reorder.Stop()
	s.classifier.Stop()
	s.sessions.Stop()
}

// CatalogStore is everything the service and the engines need from the catalog
type CatalogStore interface {
	Catalog
	ItemLister
	barcode.Lookup
	SetCategory(ctx context.Context, id string, category domain.Category) error
	SetReorderLevels(ctx context.Context, id string, reorderPoint, safetyStock float64) error
}

// Components are the stores and settings a service is assembled from
type Components struct {
	Ledger    ledger.Store
	Catalog   CatalogStore
	Snapshots classification.SnapshotStore
	// Costs defaults to the catalog's unit cost
	Costs classification.CostSource
	// Locker defaults to an in-process lock
	Locker cache.Locker
	// Events is optional
	Events *events.StockEventPublisher

	Barcode        barcode.Config
	SessionTTL     time.Duration
	Classification classification.Config
	Reorder        reorder.Config
}

// Assembly is a wired service with the collaborators cmd needs directly
type Assembly struct {
	Service  *StockService
	Ledger   *ledger.Ledger
	Barcodes *barcode.Service
	Pipeline Pipeline
}

// Assemble builds the ledger, barcode service, session manager, engines and
// projection over c, connects them and loads the projection
func Assemble(ctx context.Context, c Components, log *logger.Logger) (*Assembly, error) {
	l := ledger.New(c.Ledger, c.Catalog, log)
	barcodes := barcode.NewService(barcode.DefaultRegistry(), c.Catalog, c.Barcode, log)
	sessions := barcode.NewSessionManager(barcodes, l, c.Catalog, c.SessionTTL, log)

	classifyQueue, reorderQueue := dirty.New(), dirty.New()
	classifier, err := classification.NewEngine(c.Classification, l, c.Catalog, c.Snapshots, c.Costs, c.Locker, classifyQueue, log)
	if err != nil {
		return nil, err
	}
	reorderEngine, err := reorder.NewEngine(c.Reorder, l, c.Catalog, reorderQueue, log)
	if err != nil {
		return nil, err
	}
	store := projection.NewStore(log)

	p := Pipeline{
		Ledger:         l,
		ClassifyQueue:  classifyQueue,
		ReorderQueue:   reorderQueue,
		Classification: classifier,
		Reorder:        reorderEngine,
		Projection:     store,
		Events:         c.Events,
	}
	p.Connect()

	if err := LoadProjection(ctx, store, c.Catalog, l, c.Snapshots); err != nil {
		return nil, err
	}

	return &Assembly{
		Service:  NewStockService(c.Catalog, l, barcodes, sessions, classifier, reorderEngine, store, log),
		Ledger:   l,
		Barcodes: barcodes,
		Pipeline: p,
	}, nil
}
