package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

// costPlaces is the precision of the moving-average unit cost
const costPlaces = 4

// delta converts a request quantity into the signed change it applies to current
func delta(t domain.OperationType, quantity, current int64) int64 {
	switch t {
	case domain.OpReceipt, domain.OpTransferIn, domain.OpReturn:
		return quantity
	case domain.OpIssue, domain.OpTransferOut:
		return -quantity
	case domain.OpAdjustment:
		return quantity
	case domain.OpCycleCount:
		return quantity - current
	default:
		panic("ledger: unhandled operation type " + string(t))
	}
}

// movingAverage folds an inbound quantity at cost into the running average
func movingAverage(currentQty int64, currentAvg decimal.Decimal, inbound int64, cost decimal.Decimal) decimal.Decimal {
	if currentQty <= 0 {
		return cost.Round(costPlaces)
	}
	q0 := decimal.NewFromInt(currentQty)
	q := decimal.NewFromInt(inbound)
	return q0.Mul(currentAvg).Add(q.Mul(cost)).Div(q0.Add(q)).Round(costPlaces)
}

// apply computes the operation and resulting balance for req against current.
// It does not assign sequences.
func apply(req Request, current domain.Balance, fingerprint string) (domain.StockOperation, domain.Balance, error) {
	key := req.Key()
	d := delta(req.Type, req.Quantity, current.Quantity)
	resulting := current.Quantity + d

	if d < 0 && resulting < 0 && !(req.Type.Outbound() && req.BackorderAllowed) {
		return domain.StockOperation{}, domain.Balance{}, domain.InsufficientStockError(key, current.Quantity, -d)
	}

	avg := current.AverageCost
	if d > 0 && req.UnitCost.Valid {
		avg = movingAverage(current.Quantity, current.AverageCost, d, req.UnitCost.Decimal)
	}

	op := domain.StockOperation{
		ItemID:               req.ItemID,
		LocationID:           req.LocationID,
		Type:                 req.Type,
		Quantity:             req.Quantity,
		Delta:                d,
		ResultingQuantity:    resulting,
		ResultingAverageCost: avg,
		UnitCost:             req.UnitCost,
		ReasonCode:           req.ReasonCode,
		BackorderAllowed:     req.BackorderAllowed && req.Type.Outbound(),
		ActorID:              req.ActorID,
		IdempotencyKey:       req.IdempotencyKey,
		Fingerprint:          fingerprint,
		Source:               req.Source,
		OccurredAt:           req.OccurredAt,
	}

	bal := domain.Balance{
		ItemID:      req.ItemID,
		LocationID:  req.LocationID,
		Quantity:    resulting,
		AverageCost: avg,
		UpdatedAt:   req.OccurredAt,
	}

	return op, bal, nil
}
