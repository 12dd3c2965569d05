package consumers

import (
	"context"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
	"github.com/medflow/stockflow-backend/pkg/messaging"
)

// QueueIssueRequests is the durable queue bound to consumption events
const QueueIssueRequests = "stock-service.issue-requests"

// Submitter applies stock operations
type Submitter interface {
	Submit(ctx context.Context, req ledger.Request) (*ledger.Result, error)
}

// Resolver maps a barcode to exactly one active item
type Resolver interface {
	Resolve(ctx context.Context, rawValue string, symbology domain.Symbology) (*barcode.ItemRef, error)
}

// IssueRequestConsumer turns issue requests from the consumption context
// into ledger issues. The request id is the idempotency key, so a
// redelivered message replays instead of issuing twice.
type IssueRequestConsumer struct {
	consumer  *messaging.Consumer
	submitter Submitter
	resolver  Resolver
	logger    *logger.Logger
}

// NewIssueRequestConsumer creates a new issue request consumer
func NewIssueRequestConsumer(rmq *messaging.RabbitMQ, submitter Submitter, resolver Resolver, log *logger.Logger) (*IssueRequestConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, QueueIssueRequests, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeConsumptionEvents, messaging.EventIssueRequested); err != nil {
		return nil, err
	}

	c := NewIssueRequestHandler(submitter, resolver, log)
	c.consumer = consumer
	consumer.RegisterHandler(messaging.EventIssueRequested, c.HandleIssueRequested)

	return c, nil
}

// NewIssueRequestHandler creates the handler without a broker connection
func NewIssueRequestHandler(submitter Submitter, resolver Resolver, log *logger.Logger) *IssueRequestConsumer {
	return &IssueRequestConsumer{
		submitter: submitter,
		resolver:  resolver,
		logger:    log.WithComponent("issue-consumer"),
	}
}

// Start starts consuming messages
func (c *IssueRequestConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// HandleIssueRequested submits one issue. Business rejections are
// permanent and dead-lettered; infrastructure failures are redelivered.
func (c *IssueRequestConsumer) HandleIssueRequested(ctx context.Context, event *messaging.Event) error {
	var data messaging.IssueRequestedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return messaging.Permanent(err)
	}
	if data.RequestID == "" {
		return messaging.Permanent(domain.ValidationError("request_id", "this field is required"))
	}

	log := c.logger.With().
		Str("request_id", data.RequestID).
		Str("location_id", data.LocationID).
		Logger()

	itemID := data.ItemID
	if itemID == "" && data.Barcode != "" {
		sym := barcode.InferSymbology(data.Barcode)
		if data.Symbology != "" {
			parsed, err := domain.ParseSymbology(data.Symbology)
			if err != nil {
				return messaging.Permanent(domain.ValidationError("symbology", err.Error()))
			}
			sym = parsed
		}
		ref, err := c.resolver.Resolve(ctx, data.Barcode, sym)
		if err != nil {
			return c.classify(err)
		}
		itemID = ref.ItemID
	}

	res, err := c.submitter.Submit(ctx, ledger.Request{
		ItemID:           itemID,
		LocationID:       data.LocationID,
		Type:             domain.OpIssue,
		Quantity:         data.Quantity,
		ActorID:          data.ActorID,
		IdempotencyKey:   data.RequestID,
		Source:           domain.SourceManual,
		BackorderAllowed: data.BackorderAllowed,
	})
	if err != nil {
		log.Warn().Err(err).Str("item_id", itemID).Msg("issue request rejected")
		return c.classify(err)
	}

	log.Info().
		Str("item_id", itemID).
		Str("operation_id", res.OperationID).
		Bool("duplicate", res.Duplicate).
		Int64("balance", res.Balance.Quantity).
		Msg("issue request applied")
	return nil
}

func (c *IssueRequestConsumer) classify(err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return messaging.Permanent(err)
	}
	return err
}
