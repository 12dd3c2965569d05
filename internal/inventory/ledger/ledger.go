// Package ledger is the append-only stock operation ledger. It validates
// requests per operation type, applies them exactly once per idempotency
// key under an optimistic per-stock-point sequence check, and keeps
// balances equal to the sum of committed deltas.
package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// MaxIdempotencyKeyLength bounds caller-supplied keys
const MaxIdempotencyKeyLength = 200

// Request asks the ledger to apply one stock operation
type Request struct {
	ItemID     string
	LocationID string
	Type       domain.OperationType
	// Quantity is a positive magnitude for directional types, a signed
	// delta for adjustments and the counted value for cycle counts
	Quantity         int64
	ActorID          string
	IdempotencyKey   string
	Source           domain.Source
	BackorderAllowed bool
	ReasonCode       string
	UnitCost         decimal.NullDecimal
	// ExpectedSequence, when set, must equal the stock point's current sequence
	ExpectedSequence *int64
	// OccurredAt defaults to the commit time
	OccurredAt time.Time

	batchID string
}

// Key returns the request's stock point
func (r Request) Key() domain.StockKey {
	return domain.StockKey{ItemID: r.ItemID, LocationID: r.LocationID}
}

// Result is the outcome of one applied (or replayed) request
type Result struct {
	OperationID string         `json:"operation_id"`
	Sequence    int64          `json:"sequence"`
	Balance     domain.Balance `json:"resulting_balance"`
	// Duplicate is set when the idempotency key had already been applied
	Duplicate bool `json:"duplicate"`
}

// BatchRequest commits several requests atomically under one batch id
type BatchRequest struct {
	BatchID   string
	SessionID string
	ActorID   string
	Source    domain.Source
	Entries   []Request
}

// BatchResult lists one result per entry, in entry order
type BatchResult struct {
	BatchID string   `json:"batch_id"`
	Results []Result `json:"results"`
}

// OperationIDs returns the entries' operation ids in order
func (r *BatchResult) OperationIDs() []string {
	ids := make([]string, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.OperationID
	}
	return ids
}

// Ledger validates and commits stock operations
type Ledger struct {
	store     Store
	items     ItemReader
	markers   []Marker
	observers []Observer
	now       func() time.Time
	logger    *logger.Logger
}

// New creates a ledger over store
func New(store Store, items ItemReader, log *logger.Logger) *Ledger {
	return &Ledger{
		store:  store,
		items:  items,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("ledger"),
	}
}

// AddMarker registers a dirty-mark receiver. Call before the first Submit.
func (l *Ledger) AddMarker(m Marker) {
	l.markers = append(l.markers, m)
}

// AddObserver registers a commit observer. Call before the first Submit.
func (l *Ledger) AddObserver(o Observer) {
	l.observers = append(l.observers, o)
}

// SetClock overrides the commit clock
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Submit validates and applies one request
func (l *Ledger) Submit(ctx context.Context, req Request) (*Result, error) {
	req = l.withDefaults(req, "")
	if err := validateFields(req); err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(req)

	if prior, err := l.store.OperationByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return replay(prior, fingerprint)
	}
	if err := l.checkItem(ctx, req.ItemID); err != nil {
		return nil, err
	}

	var (
		op    *domain.StockOperation
		bal   *domain.Balance
		prior *domain.StockOperation
	)
	err := l.store.InTx(ctx, []domain.StockKey{req.Key()}, func(tx Tx) error {
		existing, err := tx.OperationByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			prior = existing
			return nil
		}

		op, bal, err = l.prepare(ctx, tx, req, fingerprint)
		return err
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, err = l.store.OperationByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil && prior == nil {
			err = errors.Conflict("concurrent submission with the same idempotency key")
		}
	}
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return replay(prior, fingerprint)
	}

	l.committed(ctx, Commit{ActorID: req.ActorID, Operations: []domain.StockOperation{*op}, Balances: []domain.Balance{*bal}})

	l.logger.Debug().
		Str("operation_id", op.ID).
		Int64("sequence", op.Sequence).
		Str("item_id", op.ItemID).
		Str("location_id", op.LocationID).
		Str("type", string(op.Type)).
		Int64("delta", op.Delta).
		Msg("stock operation committed")

	return &Result{OperationID: op.ID, Sequence: op.Sequence, Balance: *bal}, nil
}

// SubmitBatch validates every entry and commits all of them atomically,
// or none. A rejected batch returns a *domain.BatchRejectedError with one
// report line per failing entry.
func (l *Ledger) SubmitBatch(ctx context.Context, batch BatchRequest) (*BatchResult, error) {
	if len(batch.Entries) == 0 {
		return nil, domain.ValidationError("entries", "batch has no entries")
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}

	entries := make([]Request, len(batch.Entries))
	fingerprints := make([]string, len(batch.Entries))
	seenKeys := make(map[string]int, len(batch.Entries))
	var report []domain.EntryError
	var firstErr error

	reject := func(i int, err error) {
		report = append(report, domain.NewEntryError(i, err))
		if firstErr == nil {
			firstErr = err
		}
	}

	for i, entry := range batch.Entries {
		if entry.ActorID == "" {
			entry.ActorID = batch.ActorID
		}
		if entry.Source == "" {
			entry.Source = batch.Source
		}
		if entry.IdempotencyKey == "" {
			entry.IdempotencyKey = batch.BatchID + ":" + strconv.Itoa(i)
		}
		entry = l.withDefaults(entry, batch.BatchID)
		entries[i] = entry

		if err := validateFields(entry); err != nil {
			reject(i, err)
			continue
		}
		if j, dup := seenKeys[entry.IdempotencyKey]; dup {
			reject(i, domain.ValidationError("idempotency_key", "repeats entry "+strconv.Itoa(j)))
			continue
		}
		seenKeys[entry.IdempotencyKey] = i
		fingerprints[i] = Fingerprint(entry)

		prior, err := l.store.OperationByIdempotencyKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			continue
		}
		if err := l.checkItem(ctx, entry.ItemID); err != nil {
			if isInfrastructure(err) {
				return nil, err
			}
			reject(i, err)
		}
	}
	if len(report) > 0 {
		return nil, domain.NewBatchRejectedError(report, firstErr)
	}

	keys := make([]domain.StockKey, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key())
	}

	results := make([]Result, len(entries))
	ops := make([]*domain.StockOperation, len(entries))
	bals := make([]*domain.Balance, len(entries))
	var replayedBatchID string

	err := l.store.InTx(ctx, keys, func(tx Tx) error {
		report, firstErr = nil, nil

		for i, entry := range entries {
			prior, err := tx.OperationByIdempotencyKey(ctx, entry.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				res, err := replay(prior, fingerprints[i])
				if err != nil {
					reject(i, err)
					continue
				}
				results[i] = *res
				if replayedBatchID == "" {
					replayedBatchID = prior.BatchID
				}
				continue
			}

			op, bal, err := l.prepare(ctx, tx, entry, fingerprints[i])
			if err != nil {
				if isInfrastructure(err) {
					return err
				}
				reject(i, err)
				continue
			}
			ops[i], bals[i] = op, bal
		}

		if len(report) > 0 {
			return domain.NewBatchRejectedError(report, firstErr)
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return nil, errors.Conflict("concurrent submission with the same idempotency key")
	}
	if err != nil {
		return nil, err
	}

	commit := Commit{BatchID: batch.BatchID, SessionID: batch.SessionID, ActorID: batch.ActorID}
	for i := range entries {
		if ops[i] == nil {
			continue
		}
		results[i] = Result{OperationID: ops[i].ID, Sequence: ops[i].Sequence, Balance: *bals[i]}
		commit.Operations = append(commit.Operations, *ops[i])
		commit.Balances = append(commit.Balances, *bals[i])
	}

	batchID := batch.BatchID
	if len(commit.Operations) == 0 && replayedBatchID != "" {
		batchID = replayedBatchID
	}
	if len(commit.Operations) > 0 {
		l.committed(ctx, commit)
		l.logger.Info().
			Str("batch_id", batch.BatchID).
			Str("session_id", batch.SessionID).
			Int("operations", len(commit.Operations)).
			Msg("stock batch committed")
	}

	return &BatchResult{BatchID: batchID, Results: results}, nil
}

// prepare reads the stock point inside tx, applies req and appends the
// result. The returned pointers are the ones handed to Append, so they carry
// the assigned sequence once the transaction commits.
func (l *Ledger) prepare(ctx context.Context, tx Tx, req Request, fingerprint string) (*domain.StockOperation, *domain.Balance, error) {
	current, err := tx.Balance(ctx, req.Key())
	if err != nil {
		return nil, nil, err
	}

	if req.ExpectedSequence != nil && *req.ExpectedSequence != current.Sequence {
		return nil, nil, domain.ConflictError(req.Key(), current.Sequence)
	}

	op, bal, err := apply(req, current, fingerprint)
	if err != nil {
		return nil, nil, err
	}
	op.ID = uuid.NewString()
	op.BatchID = req.batchID

	if err := tx.Append(ctx, &op, &bal, current.Sequence); err != nil {
		return nil, nil, err
	}
	return &op, &bal, nil
}

func (l *Ledger) committed(ctx context.Context, commit Commit) {
	for _, op := range commit.Operations {
		mark := domain.DirtyMark{Key: op.Key(), Sequence: op.Sequence, At: op.OccurredAt}
		for _, m := range l.markers {
			m.MarkDirty(mark)
		}
	}
	for _, o := range l.observers {
		o.Committed(ctx, commit)
	}
}

// replay returns the original result for an already-applied key
func replay(prior *domain.StockOperation, fingerprint string) (*Result, error) {
	if prior.Fingerprint != fingerprint {
		return nil, domain.IdempotencyKeyReusedError(prior.IdempotencyKey)
	}
	return &Result{
		OperationID: prior.ID,
		Sequence:    prior.Sequence,
		Balance: domain.Balance{
			ItemID:      prior.ItemID,
			LocationID:  prior.LocationID,
			Quantity:    prior.ResultingQuantity,
			AverageCost: prior.ResultingAverageCost,
			Sequence:    prior.Sequence,
			UpdatedAt:   prior.OccurredAt,
		},
		Duplicate: true,
	}, nil
}

// isInfrastructure reports errors that abort a batch rather than reject an entry
func isInfrastructure(err error) bool {
	var appErr *errors.AppError
	return !errors.As(err, &appErr)
}

// Balance returns the current balance of a stock point
func (l *Ledger) Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error) {
	return l.store.Balance(ctx, key)
}

// Balances lists balances matching filter
func (l *Ledger) Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error) {
	return l.store.Balances(ctx, filter)
}

// Operations lists operations matching filter in sequence order
func (l *Ledger) Operations(ctx context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error) {
	return l.store.Operations(ctx, filter)
}

// Sequence returns the highest committed ledger sequence
func (l *Ledger) Sequence(ctx context.Context) (int64, error) {
	return l.store.LastSequence(ctx)
}
