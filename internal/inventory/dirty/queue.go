// Package dirty tracks stock points changed since an engine last looked.
package dirty

import (
	"sort"
	"sync"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

// Queue coalesces dirty marks per stock point. Marking never blocks, so the
// ledger can mark from its commit path.
type Queue struct {
	mu    sync.Mutex
	marks map[domain.StockKey]domain.DirtyMark
	ready chan struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		marks: make(map[domain.StockKey]domain.DirtyMark),
		ready: make(chan struct{}, 1),
	}
}

// MarkDirty records that mark.Key changed. A later mark for the same key
// replaces an earlier one.
func (q *Queue) MarkDirty(mark domain.DirtyMark) {
	q.mu.Lock()
	if prev, ok := q.marks[mark.Key]; !ok || mark.Sequence >= prev.Sequence {
		q.marks[mark.Key] = mark
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns every pending mark in sequence order
func (q *Queue) Drain() []domain.DirtyMark {
	q.mu.Lock()
	out := make([]domain.DirtyMark, 0, len(q.marks))
	for _, m := range q.marks {
		out = append(out, m)
	}
	q.marks = make(map[domain.StockKey]domain.DirtyMark)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Requeue puts marks back unless a newer mark arrived meanwhile
func (q *Queue) Requeue(marks []domain.DirtyMark) {
	for _, m := range marks {
		q.MarkDirty(m)
	}
}

// Ready is signalled after marks arrive
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of pending stock points
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.marks)
}
