package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

// MemorySnapshotStore keeps the latest ABC snapshot per item
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]domain.Snapshot
}

// NewMemorySnapshotStore creates an empty snapshot store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]domain.Snapshot)}
}

// SaveSnapshots replaces the stored snapshot of every item in snapshots
func (s *MemorySnapshotStore) SaveSnapshots(_ context.Context, snapshots []domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		s.snapshots[snap.ItemID] = snap
	}
	return nil
}

// Snapshot returns an item's latest snapshot
func (s *MemorySnapshotStore) Snapshot(_ context.Context, itemID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[itemID]
	if !ok {
		return nil, errors.NotFound("classification")
	}
	return &snap, nil
}

// Snapshots lists every stored snapshot ordered by item id
func (s *MemorySnapshotStore) Snapshots(context.Context) ([]domain.Snapshot, error) {
	s.mu.RLock()
	out := make([]domain.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}
