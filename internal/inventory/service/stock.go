// Package service is the stock service's application layer. It composes the
// ledger, the catalog, barcode resolution, scan sessions, both analytics
// engines and the projection behind the operations the HTTP handlers and
// the issue-request consumer call.
package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/internal/inventory/projection"
	"github.com/medflow/stockflow-backend/internal/inventory/reorder"
	"github.com/medflow/stockflow-backend/pkg/actor"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// Catalog is the item and barcode store the service administers
type Catalog interface {
	CreateItem(ctx context.Context, item *domain.Item) error
	UpdateItem(ctx context.Context, item *domain.Item) error
	Item(ctx context.Context, id string) (*domain.Item, error)
	AddBarcode(ctx context.Context, alias domain.BarcodeAlias) error
	RemoveBarcode(ctx context.Context, symbology domain.Symbology, value string) error
}

// StockService handles stock business logic
type StockService struct {
	catalog    Catalog
	ledger     *ledger.Ledger
	barcodes   *barcode.Service
	sessions   *barcode.SessionManager
	classifier *classification.Engine
	reorder    *reorder.Engine
	projection *projection.Store
	logger     *logger.Logger
}

// NewStockService creates a new stock service
func NewStockService(
	catalog Catalog,
	l *ledger.Ledger,
	barcodes *barcode.Service,
	sessions *barcode.SessionManager,
	classifier *classification.Engine,
	reorderEngine *reorder.Engine,
	store *projection.Store,
	log *logger.Logger,
) *StockService {
	return &StockService{
		catalog:    catalog,
		ledger:     l,
		barcodes:   barcodes,
		sessions:   sessions,
		classifier: classifier,
		reorder:    reorderEngine,
		projection: store,
		logger:     log.WithComponent("stock-service"),
	}
}

// ============================================================================
// Items and barcodes
// ============================================================================

// ItemInput is the writable part of a catalog item
type ItemInput struct {
	ID            string              `json:"id,omitempty"`
	NamePrimary   string              `json:"name_primary" validate:"required,max=255"`
	NameSecondary string              `json:"name_secondary" validate:"max=255"`
	UnitCost      decimal.NullDecimal `json:"unit_cost"`
	UnitOfMeasure string              `json:"unit_of_measure" validate:"required,max=32"`
	LeadTimeDays  *float64            `json:"lead_time_days,omitempty" validate:"omitempty,gte=0"`
	Active        *bool               `json:"active,omitempty"`
}

func (in ItemInput) apply(item *domain.Item) error {
	if in.UnitCost.Valid && in.UnitCost.Decimal.IsNegative() {
		return domain.ValidationError("unit_cost", "must not be negative")
	}
	item.NamePrimary = in.NamePrimary
	item.NameSecondary = in.NameSecondary
	item.UnitCost = in.UnitCost
	item.UnitOfMeasure = in.UnitOfMeasure
	item.LeadTimeDays = in.LeadTimeDays
	if in.Active != nil {
		item.Active = *in.Active
	}
	return nil
}

// CreateItem adds an item to the catalog. New items start in category C
// and are active unless stated otherwise.
func (s *StockService) CreateItem(ctx context.Context, in ItemInput) (*domain.Item, error) {
	item := &domain.Item{ID: in.ID, Active: true, Category: domain.CategoryC}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := in.apply(item); err != nil {
		return nil, err
	}

	if err := s.catalog.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	s.projection.ItemChanged(*item)

	s.logger.Info().
		Str("item_id", item.ID).
		Str("actor_id", actor.IDFromContext(ctx)).
		Msg("item created")
	return item, nil
}

// GetItem returns an item with its barcode aliases
func (s *StockService) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	return s.catalog.Item(ctx, id)
}

// UpdateItem replaces an item's writable fields
func (s *StockService) UpdateItem(ctx context.Context, id string, in ItemInput) (*domain.Item, error) {
	item, err := s.catalog.Item(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := in.apply(item); err != nil {
		return nil, err
	}

	if err := s.catalog.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	s.projection.ItemChanged(*item)
	return item, nil
}

// BarcodeInput assigns a barcode to an item
type BarcodeInput struct {
	Symbology domain.Symbology `json:"symbology"`
	Value     string           `json:"value" validate:"required,max=200"`
}

// AddBarcode normalizes a barcode and maps it to the item. GTIN-family
// values share one index so EAN-13 and UPC-A spellings collide.
func (s *StockService) AddBarcode(ctx context.Context, itemID string, in BarcodeInput) (*domain.BarcodeAlias, error) {
	if in.Symbology == "" {
		in.Symbology = barcode.InferSymbology(in.Value)
	}
	if !in.Symbology.Valid() {
		return nil, domain.ValidationError("symbology", "unknown symbology")
	}
	if _, err := s.catalog.Item(ctx, itemID); err != nil {
		return nil, err
	}

	sym, value := barcode.Normalize(in.Symbology, in.Value)
	if in.Symbology.GTINFamily() && !barcode.ValidCheckDigit(value) {
		return nil, domain.ValidationError("value", "invalid GTIN check digit")
	}

	alias := domain.BarcodeAlias{Symbology: sym, Value: value, ItemID: itemID}
	if err := s.catalog.AddBarcode(ctx, alias); err != nil {
		return nil, err
	}
	return &alias, nil
}

// RemoveBarcode unmaps a barcode
func (s *StockService) RemoveBarcode(ctx context.Context, symbology domain.Symbology, value string) error {
	sym, normalized := barcode.Normalize(symbology, value)
	return s.catalog.RemoveBarcode(ctx, sym, normalized)
}

// ============================================================================
// Ledger
// ============================================================================

// OperationInput is one stock operation as submitted over the API. The
// item is given directly or by barcode.
type OperationInput struct {
	ItemID           string               `json:"item_id,omitempty" validate:"required_without=Barcode"`
	Barcode          string               `json:"barcode,omitempty" validate:"max=200"`
	Symbology        domain.Symbology     `json:"symbology,omitempty"`
	LocationID       string               `json:"location_id" validate:"required,max=100"`
	Type             domain.OperationType `json:"type"`
	Quantity         int64                `json:"quantity"`
	IdempotencyKey   string               `json:"idempotency_key,omitempty"`
	Source           domain.Source        `json:"source,omitempty"`
	BackorderAllowed bool                 `json:"backorder_allowed"`
	ReasonCode       string               `json:"reason_code,omitempty"`
	UnitCost         decimal.NullDecimal  `json:"unit_cost"`
	ExpectedSequence *int64               `json:"expected_sequence,omitempty"`
}

func (s *StockService) request(ctx context.Context, in OperationInput) (ledger.Request, error) {
	itemID := in.ItemID
	if itemID == "" {
		sym := in.Symbology
		if sym == "" {
			sym = barcode.InferSymbology(in.Barcode)
		}
		ref, err := s.barcodes.Resolve(ctx, in.Barcode, sym)
		if err != nil {
			return ledger.Request{}, err
		}
		itemID = ref.ItemID
	}

	return ledger.Request{
		ItemID:           itemID,
		LocationID:       in.LocationID,
		Type:             in.Type,
		Quantity:         in.Quantity,
		ActorID:          actor.IDFromContext(ctx),
		IdempotencyKey:   in.IdempotencyKey,
		Source:           in.Source,
		BackorderAllowed: in.BackorderAllowed,
		ReasonCode:       in.ReasonCode,
		UnitCost:         in.UnitCost,
		ExpectedSequence: in.ExpectedSequence,
	}, nil
}

// SubmitOperation applies one stock operation exactly once per idempotency key
func (s *StockService) SubmitOperation(ctx context.Context, in OperationInput) (*ledger.Result, error) {
	if in.Source == "" {
		in.Source = domain.SourceManual
		if in.ItemID == "" {
			in.Source = domain.SourceSingleScan
		}
	}
	req, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.ledger.Submit(ctx, req)
}

// BatchInput is a stateless batch commit: the entries of a scan session
// that was reviewed on the client
type BatchInput struct {
	BatchID   string           `json:"batch_id,omitempty"`
	SessionID string           `json:"session_id" validate:"required,max=100"`
	Entries   []OperationInput `json:"entries" validate:"required,min=1,dive"`
}

// SubmitBatch commits every entry or none. The batch id defaults to the
// session id so a retried commit replays instead of applying twice.
// Entries without an idempotency key get "<batch id>:<index>". Barcode
// resolution failures are reported per entry before the ledger is asked.
func (s *StockService) SubmitBatch(ctx context.Context, in BatchInput) (*ledger.BatchResult, error) {
	batch := ledger.BatchRequest{
		BatchID:   in.BatchID,
		SessionID: in.SessionID,
		ActorID:   actor.IDFromContext(ctx),
		Source:    domain.SourceBatchScan,
		Entries:   make([]ledger.Request, len(in.Entries)),
	}
	if batch.BatchID == "" {
		batch.BatchID = in.SessionID
	}

	var report []domain.EntryError
	var cause error
	for i, entry := range in.Entries {
		req, err := s.request(ctx, entry)
		if err != nil {
			if !isBusinessError(err) {
				return nil, err
			}
			report = append(report, domain.NewEntryError(i, err))
			if cause == nil {
				cause = err
			}
			continue
		}
		batch.Entries[i] = req
	}
	if len(report) > 0 {
		return nil, domain.NewBatchRejectedError(report, cause)
	}

	return s.ledger.SubmitBatch(ctx, batch)
}

// Balances lists stock point balances
func (s *StockService) Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error) {
	return s.ledger.Balances(ctx, filter)
}

func isBusinessError(err error) bool {
	var appErr *errors.AppError
	return errors.As(err, &appErr) && appErr.StatusCode < 500
}

// ============================================================================
// Scanning
// ============================================================================

// DecodeOutcome is a decoded frame and, when it resolved, the item
type DecodeOutcome struct {
	Decode     *barcode.DecodeResult `json:"decode"`
	Item       *barcode.ItemRef      `json:"item,omitempty"`
	Candidates []string              `json:"candidates,omitempty"`
	// Warning is the resolution error of a decoded but unresolved barcode
	Warning error `json:"-"`
}

// Decode decodes a single frame and resolves it against the catalog. A
// barcode matching zero or several items still returns the decode with
// its candidates.
func (s *StockService) Decode(ctx context.Context, frame barcode.Frame) (*DecodeOutcome, error) {
	res, ref, err := s.barcodes.Scan(ctx, frame)
	if err != nil && (res == nil || !errors.Is(err, domain.ErrAmbiguousBarcode)) {
		return nil, err
	}
	return &DecodeOutcome{
		Decode:     res,
		Item:       ref,
		Candidates: domain.Candidates(err),
		Warning:    err,
	}, nil
}

// CreateSession opens a scan session and starts scanning. The session
// commits as the requesting actor.
func (s *StockService) CreateSession(ctx context.Context, params barcode.Params) (barcode.View, error) {
	params.ActorID = actor.IDFromContext(ctx)
	sess, err := s.sessions.Create(params)
	if err != nil {
		return barcode.View{}, err
	}
	return sess.Start(ctx)
}

// Session returns a live scan session
func (s *StockService) Session(id string) (*barcode.Session, error) {
	return s.sessions.Get(id)
}

// ============================================================================
// Analytics
// ============================================================================

// Classification returns an item's ABC snapshot with a warning when stale
func (s *StockService) Classification(ctx context.Context, itemID string) (*classification.View, error) {
	return s.classifier.Classification(ctx, itemID)
}

// Advisories lists outstanding reorder advisories
func (s *StockService) Advisories(ctx context.Context, filter reorder.Filter) ([]domain.Advisory, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, domain.ValidationError("category", "must be one of: A B C")
	}
	return s.reorder.Advisories(ctx, filter)
}

// ProjectedItems returns the read model's rows and the version they were
// read at. An empty category matches every item.
func (s *StockService) ProjectedItems(category domain.Category) ([]*projection.ItemView, int64, error) {
	if category != "" && !category.Valid() {
		return nil, 0, domain.ValidationError("category", "must be one of: A B C")
	}

	view := s.projection.Current()
	rows := view.Items()
	if category == "" {
		return rows, view.Version, nil
	}
	out := make([]*projection.ItemView, 0, len(rows))
	for _, row := range rows {
		if row.Category == category {
			out = append(out, row)
		}
	}
	return out, view.Version, nil
}

// ProjectedItem returns one item's read model row and its version
func (s *StockService) ProjectedItem(id string) (*projection.ItemView, int64, error) {
	view := s.projection.Current()
	row, ok := view.Item(id)
	if !ok {
		return nil, 0, errors.NotFound("item")
	}
	return row, view.Version, nil
}

// Export renders the projection's classification table
func (s *StockService) Export(format projection.Format) ([]byte, error) {
	doc := s.projection.Export()
	data, err := projection.Render(doc, format)
	if err != nil {
		return nil, errors.Internal("failed to render export")
	}

	s.logger.Debug().
		Str("format", string(format)).
		Int64("version", doc.Version).
		Int("rows", len(doc.Rows)).
		Msg("classification snapshot exported")
	return data, nil
}
