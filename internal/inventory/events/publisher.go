package events

import (
	"context"
	"sync"

	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/pkg/logger"
	"github.com/medflow/stockflow-backend/pkg/messaging"
)

// DefaultBuffer is the number of events held while the broker is slow
const DefaultBuffer = 1024

type outbound struct {
	eventType string
	key       string
	data      interface{}
}

// StockEventPublisher publishes ledger, classification and advisory events.
// Callers never wait on the broker: events are queued and sent by a single
// worker, and dropped with an error log when the queue is full. A nil
// publisher is a no-op.
type StockEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
	queue     chan outbound
	wg        sync.WaitGroup

	// mu guards closed against sends racing Close
	mu     sync.RWMutex
	closed bool
}

// NewStockEventPublisher creates a publisher and starts its worker
func NewStockEventPublisher(publisher messaging.EventPublisher, buffer int, log *logger.Logger) *StockEventPublisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p := &StockEventPublisher{
		publisher: publisher,
		logger:    log.WithComponent("event-publisher"),
		queue:     make(chan outbound, buffer),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *StockEventPublisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.publisher.Publish(context.Background(), ev.eventType, ev.data); err != nil {
			p.logger.Error().Err(err).
				Str("event_type", ev.eventType).
				Str("key", ev.key).
				Msg("failed to publish event")
		}
	}
}

// Close sends what is queued and stops the worker. Events raised after
// Close are dropped.
func (p *StockEventPublisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *StockEventPublisher) enqueue(eventType, key string, data interface{}) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn().Str("event_type", eventType).Str("key", key).Msg("publisher closed, dropping event")
		return
	}

	select {
	case p.queue <- outbound{eventType: eventType, key: key, data: data}:
	default:
		p.logger.Error().Str("event_type", eventType).Str("key", key).Msg("event queue full, dropping event")
	}
}

// Committed publishes one stock event per operation and a batch event for scan batches
func (p *StockEventPublisher) Committed(_ context.Context, commit ledger.Commit) {
	if p == nil {
		return
	}
	for _, op := range commit.Operations {
		p.enqueue(messaging.EventStockCommitted, op.ID, messaging.StockCommittedEvent{
			OperationID:  op.ID,
			Sequence:     op.Sequence,
			ItemID:       op.ItemID,
			LocationID:   op.LocationID,
			Type:         string(op.Type),
			Delta:        op.Delta,
			ResultingQty: op.ResultingQuantity,
			ActorID:      op.ActorID,
			Source:       string(op.Source),
			BatchID:      op.BatchID,
			CommittedAt:  op.OccurredAt,
		})
	}

	if commit.BatchID == "" {
		return
	}
	ids := make([]string, len(commit.Operations))
	for i, op := range commit.Operations {
		ids[i] = op.ID
	}
	p.enqueue(messaging.EventBatchCommitted, commit.BatchID, messaging.BatchCommittedEvent{
		BatchID:      commit.BatchID,
		SessionID:    commit.SessionID,
		OperationIDs: ids,
		ActorID:      commit.ActorID,
	})
}

// ClassificationsUpdated publishes one event per replaced snapshot
func (p *StockEventPublisher) ClassificationsUpdated(_ context.Context, changes []classification.Change) {
	if p == nil {
		return
	}
	for _, c := range changes {
		data := messaging.ClassificationUpdatedEvent{
			ItemID:         c.Current.ItemID,
			Category:       string(c.Current.Category),
			CompositeScore: c.Current.CompositeScore,
			LedgerSequence: c.Current.LedgerSequence,
			Stale:          c.Current.Stale,
			ComputedAt:     c.Current.ComputedAt,
		}
		if c.Previous != nil {
			data.PreviousCategory = string(c.Previous.Category)
		}
		p.enqueue(messaging.EventClassificationUpdated, c.Current.ItemID, data)
	}
}

// AdvisoryRaised publishes a reorder advisory
func (p *StockEventPublisher) AdvisoryRaised(_ context.Context, a domain.Advisory) {
	if p == nil {
		return
	}
	p.enqueue(messaging.EventReorderAdvisoryRaised, a.ItemID+"@"+a.LocationID, advisoryEvent(a))
}

// AdvisoryCleared publishes the recovery of a stock point
func (p *StockEventPublisher) AdvisoryCleared(_ context.Context, a domain.Advisory) {
	if p == nil {
		return
	}
	p.enqueue(messaging.EventReorderAdvisoryCleared, a.ItemID+"@"+a.LocationID, advisoryEvent(a))
}

func advisoryEvent(a domain.Advisory) messaging.ReorderAdvisoryEvent {
	return messaging.ReorderAdvisoryEvent{
		ItemID:         a.ItemID,
		LocationID:     a.LocationID,
		CurrentBalance: a.CurrentBalance,
		ReorderPoint:   a.ReorderPoint,
		SafetyStock:    a.SafetyStock,
		At:             a.TriggeredAt,
	}
}
