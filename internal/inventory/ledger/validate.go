package ledger

import (
	"context"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/actor"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

func (l *Ledger) withDefaults(req Request, batchID string) Request {
	if req.Source == "" {
		req.Source = domain.SourceManual
	}
	if req.ActorID == "" {
		req.ActorID = actor.SystemID
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = l.now()
	}
	req.OccurredAt = req.OccurredAt.UTC()
	req.batchID = batchID
	return req
}

// validateFields checks the request on its own, without reading any state
func validateFields(req Request) error {
	details := make(map[string]string)

	if req.ItemID == "" {
		details["item_id"] = "this field is required"
	}
	if req.LocationID == "" {
		details["location_id"] = "this field is required"
	}
	switch {
	case req.IdempotencyKey == "":
		details["idempotency_key"] = "this field is required"
	case len(req.IdempotencyKey) > MaxIdempotencyKeyLength:
		details["idempotency_key"] = "must be at most 200 characters"
	}
	if !req.Source.Valid() {
		details["source"] = "unknown source"
	}

	switch req.Type {
	case domain.OpReceipt, domain.OpTransferIn, domain.OpReturn, domain.OpIssue, domain.OpTransferOut:
		if req.Quantity <= 0 {
			details["quantity"] = "must be greater than 0"
		}
	case domain.OpAdjustment:
		if req.Quantity == 0 {
			details["quantity"] = "must not be 0"
		}
		if req.ReasonCode == "" {
			details["reason_code"] = "required for adjustments"
		}
	case domain.OpCycleCount:
		if req.Quantity < 0 {
			details["quantity"] = "counted quantity must not be negative"
		}
	default:
		details["type"] = "unknown operation type"
	}

	if req.UnitCost.Valid && req.UnitCost.Decimal.IsNegative() {
		details["unit_cost"] = "must not be negative"
	}

	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// checkItem rejects unknown and inactive items. Replays skip it so a
// retried key returns its original result after the item is deactivated.
func (l *Ledger) checkItem(ctx context.Context, itemID string) error {
	item, err := l.items.Item(ctx, itemID)
	if errors.Is(err, errors.ErrNotFound) {
		return domain.ValidationError("item_id", "unknown item")
	}
	if err != nil {
		return err
	}
	if !item.Active {
		return domain.ValidationError("item_id", "item is inactive")
	}

	return nil
}
