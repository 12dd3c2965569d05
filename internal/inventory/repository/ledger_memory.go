package repository

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
)

const lockStripes = 64

// MemoryStore is a single-process, non-durable ledger store. Writers to
// different stock points proceed in parallel under striped locks; only the
// final append takes the store-wide lock, which keeps the log in sequence order.
type MemoryStore struct {
	stripes [lockStripes]sync.Mutex

	mu       sync.RWMutex
	balances map[domain.StockKey]domain.Balance
	log      []domain.StockOperation
	byKey    map[string]int
	seq      int64
}

// NewMemoryStore creates an empty in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[domain.StockKey]domain.Balance),
		byKey:    make(map[string]int),
	}
}

var _ ledger.Store = (*MemoryStore)(nil)

func stripeOf(key domain.StockKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.ItemID))
	h.Write([]byte{0})
	h.Write([]byte(key.LocationID))
	return int(h.Sum32() % lockStripes)
}

// InTx locks the stripes of keys in ascending order, runs fn against a
// buffered transaction and publishes its writes if fn succeeds
func (s *MemoryStore) InTx(ctx context.Context, keys []domain.StockKey, fn func(tx ledger.Tx) error) error {
	seen := make(map[int]bool, len(keys))
	stripes := make([]int, 0, len(keys))
	for _, k := range keys {
		idx := stripeOf(k)
		if !seen[idx] {
			seen[idx] = true
			stripes = append(stripes, idx)
		}
	}
	sort.Ints(stripes)

	for _, idx := range stripes {
		s.stripes[idx].Lock()
	}
	defer func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.stripes[stripes[i]].Unlock()
		}
	}()

	tx := &memoryTx{store: s, locked: seen, pending: make(map[domain.StockKey]*domain.Balance)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	if len(tx.appended) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range tx.appended {
		if _, taken := s.byKey[a.op.IdempotencyKey]; taken {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	for _, a := range tx.appended {
		s.seq++
		a.op.Sequence = s.seq
		a.bal.Sequence = s.seq
		s.byKey[a.op.IdempotencyKey] = len(s.log)
		s.log = append(s.log, *a.op)
	}
	for key, bal := range tx.pending {
		s.balances[key] = *bal
	}

	return nil
}

// Balance returns the current balance of a stock point
func (s *MemoryStore) Balance(_ context.Context, key domain.StockKey) (domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(key), nil
}

func (s *MemoryStore) balanceLocked(key domain.StockKey) domain.Balance {
	if b, ok := s.balances[key]; ok {
		return b
	}
	return domain.Balance{ItemID: key.ItemID, LocationID: key.LocationID}
}

// Balances lists balances matching filter ordered by item and location
func (s *MemoryStore) Balances(_ context.Context, filter domain.BalanceFilter) ([]domain.Balance, error) {
	s.mu.RLock()
	out := make([]domain.Balance, 0, len(s.balances))
	for key, b := range s.balances {
		if filter.ItemID != "" && key.ItemID != filter.ItemID {
			continue
		}
		if filter.LocationID != "" && key.LocationID != filter.LocationID {
			continue
		}
		out = append(out, b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out, nil
}

// Operations lists operations matching filter in sequence order
func (s *MemoryStore) Operations(_ context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error) {
	items := toSet(filter.ItemIDs)
	types := make(map[domain.OperationType]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StockOperation
	for _, op := range s.log {
		if filter.MaxSequence > 0 && op.Sequence > filter.MaxSequence {
			break
		}
		if items != nil && !items[op.ItemID] {
			continue
		}
		if filter.LocationID != "" && op.LocationID != filter.LocationID {
			continue
		}
		if len(types) > 0 && !types[op.Type] {
			continue
		}
		if !filter.From.IsZero() && op.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !op.OccurredAt.Before(filter.To) {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// OperationByIdempotencyKey returns the operation recorded under key, or nil
func (s *MemoryStore) OperationByIdempotencyKey(_ context.Context, key string) (*domain.StockOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	op := s.log[idx]
	return &op, nil
}

// LastSequence returns the highest committed sequence
func (s *MemoryStore) LastSequence(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

type appendedOp struct {
	op  *domain.StockOperation
	bal *domain.Balance
}

// memoryTx buffers writes until commit. Sequences inside an open
// transaction are provisional negatives and are rewritten on commit.
type memoryTx struct {
	store    *MemoryStore
	locked   map[int]bool
	pending  map[domain.StockKey]*domain.Balance
	appended []appendedOp
}

func (tx *memoryTx) OperationByIdempotencyKey(ctx context.Context, key string) (*domain.StockOperation, error) {
	for _, a := range tx.appended {
		if a.op.IdempotencyKey == key {
			op := *a.op
			return &op, nil
		}
	}
	return tx.store.OperationByIdempotencyKey(ctx, key)
}

func (tx *memoryTx) Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error) {
	if b, ok := tx.pending[key]; ok {
		return *b, nil
	}
	return tx.store.Balance(ctx, key)
}

func (tx *memoryTx) Append(ctx context.Context, op *domain.StockOperation, bal *domain.Balance, expected int64) error {
	key := op.Key()
	if !tx.locked[stripeOf(key)] {
		panic("repository: append to stock point " + key.String() + " not declared to InTx")
	}

	current, err := tx.Balance(ctx, key)
	if err != nil {
		return err
	}
	if current.Sequence != expected {
		return domain.ConflictError(key, current.Sequence)
	}

	provisional := -int64(len(tx.appended) + 1)
	op.Sequence = provisional
	bal.Sequence = provisional

	tx.pending[key] = bal
	tx.appended = append(tx.appended, appendedOp{op: op, bal: bal})
	return nil
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
