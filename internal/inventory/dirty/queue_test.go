package dirty_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/dirty"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

func mark(item string, seq int64) domain.DirtyMark {
	return domain.DirtyMark{Key: domain.StockKey{ItemID: item, LocationID: "l"}, Sequence: seq}
}

func TestQueue_CoalescesPerKey(t *testing.T) {
	q := dirty.New()
	q.MarkDirty(mark("a", 1))
	q.MarkDirty(mark("b", 2))
	q.MarkDirty(mark("a", 3))

	assert.Equal(t, 2, q.Len())

	marks := q.Drain()
	require.Len(t, marks, 2)
	assert.Equal(t, "b", marks[0].Key.ItemID)
	assert.Equal(t, int64(3), marks[1].Sequence)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RequeueKeepsNewerMark(t *testing.T) {
	q := dirty.New()
	q.MarkDirty(mark("a", 1))
	drained := q.Drain()

	q.MarkDirty(mark("a", 5))
	q.Requeue(drained)

	marks := q.Drain()
	require.Len(t, marks, 1)
	assert.Equal(t, int64(5), marks[0].Sequence)
}

func TestQueue_ReadySignalsWithoutBlocking(t *testing.T) {
	q := dirty.New()
	for i := 0; i < 10; i++ {
		q.MarkDirty(mark("a", int64(i)))
	}

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}

func TestQueue_ConcurrentMarks(t *testing.T) {
	q := dirty.New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.MarkDirty(mark(string(rune('a'+i%5)), int64(i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, q.Len())
}
