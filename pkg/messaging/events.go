package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Emitted by this service
	EventStockCommitted         = "inventory.stock.committed"
	EventBatchCommitted         = "inventory.batch.committed"
	EventClassificationUpdated  = "inventory.classification.updated"
	EventReorderAdvisoryRaised  = "inventory.advisory.raised"
	EventReorderAdvisoryCleared = "inventory.advisory.cleared"

	// Consumed from the workshop/consumption context
	EventIssueRequested = "consumption.issue.requested"
)

// Exchange names
const (
	ExchangeInventoryEvents   = "inventory.events"
	ExchangeConsumptionEvents = "consumption.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Inventory Events

// StockCommittedEvent is published for every committed stock operation
type StockCommittedEvent struct {
	OperationID  string    `json:"operation_id"`
	Sequence     int64     `json:"sequence"`
	ItemID       string    `json:"item_id"`
	LocationID   string    `json:"location_id"`
	Type         string    `json:"type"`
	Delta        int64     `json:"delta"`
	ResultingQty int64     `json:"resulting_quantity"`
	ActorID      string    `json:"actor_id"`
	Source       string    `json:"source"`
	BatchID      string    `json:"batch_id,omitempty"`
	CommittedAt  time.Time `json:"committed_at"`
}

// BatchCommittedEvent is published once per committed scan batch
type BatchCommittedEvent struct {
	BatchID      string   `json:"batch_id"`
	SessionID    string   `json:"session_id,omitempty"`
	OperationIDs []string `json:"operation_ids"`
	ActorID      string   `json:"actor_id"`
}

// ClassificationUpdatedEvent is published when an item's ABC snapshot is replaced
type ClassificationUpdatedEvent struct {
	ItemID           string    `json:"item_id"`
	Category         string    `json:"category"`
	PreviousCategory string    `json:"previous_category,omitempty"`
	CompositeScore   float64   `json:"composite_score"`
	LedgerSequence   int64     `json:"ledger_sequence"`
	Stale            bool      `json:"stale"`
	ComputedAt       time.Time `json:"computed_at"`
}

// ReorderAdvisoryEvent is published when a stock point breaches or recovers its reorder point
type ReorderAdvisoryEvent struct {
	ItemID         string    `json:"item_id"`
	LocationID     string    `json:"location_id"`
	CurrentBalance int64     `json:"current_balance"`
	ReorderPoint   float64   `json:"reorder_point"`
	SafetyStock    float64   `json:"safety_stock"`
	At             time.Time `json:"at"`
}

// Consumption Events

// IssueRequestedEvent asks the ledger to issue stock for a workshop/service order
type IssueRequestedEvent struct {
	RequestID        string `json:"request_id"`
	ItemID           string `json:"item_id,omitempty"`
	Barcode          string `json:"barcode,omitempty"`
	Symbology        string `json:"symbology,omitempty"`
	LocationID       string `json:"location_id"`
	Quantity         int64  `json:"quantity"`
	ActorID          string `json:"actor_id"`
	BackorderAllowed bool   `json:"backorder_allowed"`
}
