// Package domain holds the stock service's data model: catalog items,
// barcode aliases, ledger operations, balances, ABC snapshots and advisories.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OperationType is the closed set of ledger operation kinds
type OperationType string

const (
	OpReceipt     OperationType = "receipt"
	OpIssue       OperationType = "issue"
	OpTransferOut OperationType = "transfer_out"
	OpTransferIn  OperationType = "transfer_in"
	OpAdjustment  OperationType = "adjustment"
	OpCycleCount  OperationType = "cycle_count"
	OpReturn      OperationType = "return"
)

// OperationTypes lists every operation type
var OperationTypes = []OperationType{
	OpReceipt, OpIssue, OpTransferOut, OpTransferIn, OpAdjustment, OpCycleCount, OpReturn,
}

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OpReceipt, OpIssue, OpTransferOut, OpTransferIn, OpAdjustment, OpCycleCount, OpReturn:
		return true
	default:
		return false
	}
}

// Outbound reports whether the type removes stock and is subject to the
// non-negative balance rule unless backorder is allowed
func (t OperationType) Outbound() bool {
	switch t {
	case OpIssue, OpTransferOut:
		return true
	case OpReceipt, OpTransferIn, OpAdjustment, OpCycleCount, OpReturn:
		return false
	default:
		return false
	}
}

// ParseOperationType converts the wire form into an OperationType.
// Hyphenated spellings ("transfer-out") are accepted.
func ParseOperationType(s string) (OperationType, error) {
	t := OperationType(normalizeEnum(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown operation type %q", s)
	}
	return t, nil
}

// Source is where a stock operation was captured
type Source string

const (
	SourceManual     Source = "manual"
	SourceSingleScan Source = "single_scan"
	SourceBatchScan  Source = "batch_scan"
)

// Valid reports whether s is a known source
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceSingleScan, SourceBatchScan:
		return true
	default:
		return false
	}
}

// ParseSource converts the wire form into a Source
func ParseSource(s string) (Source, error) {
	src := Source(normalizeEnum(s))
	if !src.Valid() {
		return "", fmt.Errorf("unknown source %q", s)
	}
	return src, nil
}

func normalizeEnum(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c == '-':
			b[i] = '_'
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Category is an ABC tier
type Category string

const (
	CategoryA Category = "A"
	CategoryB Category = "B"
	CategoryC Category = "C"
)

// Valid reports whether c is A, B or C
func (c Category) Valid() bool {
	return c == CategoryA || c == CategoryB || c == CategoryC
}

// StockKey identifies a stock point
type StockKey struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
}

func (k StockKey) String() string {
	return k.ItemID + "@" + k.LocationID
}

// Less orders keys by item then location; locks are always taken in this order
func (k StockKey) Less(o StockKey) bool {
	if k.ItemID != o.ItemID {
		return k.ItemID < o.ItemID
	}
	return k.LocationID < o.LocationID
}

// Item is a catalog entry
type Item struct {
	ID            string              `db:"id" json:"id"`
	NamePrimary   string              `db:"name_primary" json:"name_primary"`
	NameSecondary string              `db:"name_secondary" json:"name_secondary"`
	UnitCost      decimal.NullDecimal `db:"unit_cost" json:"unit_cost"`
	UnitOfMeasure string              `db:"unit_of_measure" json:"unit_of_measure"`
	LeadTimeDays  *float64            `db:"lead_time_days" json:"lead_time_days,omitempty"`
	ReorderPoint  float64             `db:"reorder_point" json:"reorder_point"`
	SafetyStock   float64             `db:"safety_stock" json:"safety_stock"`
	Category      Category            `db:"category" json:"category"`
	Active        bool                `db:"is_active" json:"active"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`

	Barcodes []BarcodeAlias `db:"-" json:"barcodes,omitempty"`
}

// BarcodeAlias maps a normalized barcode value to an item
type BarcodeAlias struct {
	Symbology Symbology `db:"symbology" json:"symbology"`
	Value     string    `db:"value" json:"value"`
	ItemID    string    `db:"item_id" json:"item_id"`
}

// StockOperation is an immutable ledger entry
type StockOperation struct {
	ID                   string              `db:"id" json:"id"`
	Sequence             int64               `db:"sequence" json:"sequence"`
	ItemID               string              `db:"item_id" json:"item_id"`
	LocationID           string              `db:"location_id" json:"location_id"`
	Type                 OperationType       `db:"type" json:"type"`
	Quantity             int64               `db:"quantity" json:"quantity"`
	Delta                int64               `db:"delta" json:"delta"`
	ResultingQuantity    int64               `db:"resulting_quantity" json:"resulting_quantity"`
	ResultingAverageCost decimal.Decimal     `db:"resulting_average_cost" json:"resulting_average_cost"`
	UnitCost             decimal.NullDecimal `db:"unit_cost" json:"unit_cost"`
	ReasonCode           string              `db:"reason_code" json:"reason_code,omitempty"`
	BackorderAllowed     bool                `db:"backorder_allowed" json:"backorder_allowed"`
	ActorID              string              `db:"actor_id" json:"actor_id"`
	IdempotencyKey       string              `db:"idempotency_key" json:"idempotency_key"`
	Fingerprint          string              `db:"fingerprint" json:"-"`
	Source               Source              `db:"source" json:"source"`
	BatchID              string              `db:"batch_id" json:"batch_id,omitempty"`
	OccurredAt           time.Time           `db:"occurred_at" json:"occurred_at"`
}

// Key returns the operation's stock point
func (o *StockOperation) Key() StockKey {
	return StockKey{ItemID: o.ItemID, LocationID: o.LocationID}
}

// Balance is the derived state of one stock point
type Balance struct {
	ItemID      string          `db:"item_id" json:"item_id"`
	LocationID  string          `db:"location_id" json:"location_id"`
	Quantity    int64           `db:"quantity" json:"quantity"`
	AverageCost decimal.Decimal `db:"average_cost" json:"average_cost"`
	// Sequence of the last operation applied; 0 for a stock point never touched
	Sequence  int64     `db:"sequence" json:"sequence"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Key returns the balance's stock point
func (b *Balance) Key() StockKey {
	return StockKey{ItemID: b.ItemID, LocationID: b.LocationID}
}

// Snapshot is one item's ABC classification. It is replaced wholesale on every recompute.
type Snapshot struct {
	ItemID         string    `db:"item_id" json:"item_id"`
	ValueScore     float64   `db:"value_score" json:"value_score"`
	VolumeScore    float64   `db:"volume_score" json:"volume_score"`
	FrequencyScore float64   `db:"frequency_score" json:"frequency_score"`
	CompositeScore float64   `db:"composite_score" json:"composite_score"`
	Category       Category  `db:"category" json:"category"`
	LedgerSequence int64     `db:"ledger_sequence" json:"ledger_sequence"`
	ComputedAt     time.Time `db:"computed_at" json:"computed_at"`
	Stale          bool      `db:"stale" json:"stale"`
	StaleReason    string    `db:"stale_reason" json:"stale_reason,omitempty"`
}

// Advisory is an outstanding reorder recommendation for one stock point
type Advisory struct {
	ItemID            string    `json:"item_id"`
	LocationID        string    `json:"location_id"`
	CurrentBalance    int64     `json:"current_balance"`
	ReorderPoint      float64   `json:"reorder_point"`
	SafetyStock       float64   `json:"safety_stock"`
	AverageDailyUsage float64   `json:"average_daily_usage"`
	LeadTimeDays      float64   `json:"lead_time_days"`
	TriggeredAt       time.Time `json:"triggered_at"`
}

// DirtyMark tells the engines a stock point changed at a ledger sequence
type DirtyMark struct {
	Key      StockKey
	Sequence int64
	// At is the commit's logical time
	At time.Time
}

// OperationFilter selects ledger operations
type OperationFilter struct {
	ItemIDs    []string
	LocationID string
	Types      []OperationType
	From       time.Time
	To         time.Time
	// MaxSequence bounds the read to a consistent ledger prefix; 0 means unbounded
	MaxSequence int64
}

// BalanceFilter selects balances; empty fields match everything
type BalanceFilter struct {
	ItemID     string
	LocationID string
}

// UnmarshalText normalizes spelling; validity is checked by the ledger
func (t *OperationType) UnmarshalText(text []byte) error {
	*t = OperationType(normalizeEnum(string(text)))
	return nil
}

// UnmarshalText normalizes spelling; validity is checked where the source is used
func (s *Source) UnmarshalText(text []byte) error {
	*s = Source(normalizeEnum(string(text)))
	return nil
}
