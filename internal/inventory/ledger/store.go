package ledger

import (
	"context"
	"errors"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

// ErrDuplicateIdempotencyKey is returned by Store.InTx when a concurrent
// commit claimed one of the transaction's idempotency keys first
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// Reader is the read side of the ledger store
type Reader interface {
	// Balance returns the zero balance (sequence 0) for an unknown stock point
	Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error)
	Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error)
	// Operations are returned in sequence order
	Operations(ctx context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error)
	// OperationByIdempotencyKey returns nil, nil when the key is unused
	OperationByIdempotencyKey(ctx context.Context, key string) (*domain.StockOperation, error)
	// LastSequence is the highest committed sequence
	LastSequence(ctx context.Context) (int64, error)
}

// Tx is one atomic unit of ledger writes
type Tx interface {
	OperationByIdempotencyKey(ctx context.Context, key string) (*domain.StockOperation, error)
	// Balance sees writes appended earlier in the same transaction
	Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error)
	// Append records op and stores bal, provided the stock point still
	// carries expected. A mismatch is a ConflictError. Once the transaction
	// commits, op.Sequence and bal.Sequence hold the assigned sequence.
	Append(ctx context.Context, op *domain.StockOperation, bal *domain.Balance, expected int64) error
}

// Store persists operations and balances
type Store interface {
	Reader
	// InTx runs fn atomically. keys lists every stock point fn writes.
	InTx(ctx context.Context, keys []domain.StockKey, fn func(tx Tx) error) error
}

// ItemReader looks up catalog items
type ItemReader interface {
	Item(ctx context.Context, id string) (*domain.Item, error)
}

// Marker receives a dirty mark for every committed operation
type Marker interface {
	MarkDirty(mark domain.DirtyMark)
}

// Commit describes what one Submit or SubmitBatch call applied
type Commit struct {
	BatchID    string
	SessionID  string
	ActorID    string
	Operations []domain.StockOperation
	Balances   []domain.Balance
}

// Observer is notified after operations commit. It must not block.
type Observer interface {
	Committed(ctx context.Context, commit Commit)
}
