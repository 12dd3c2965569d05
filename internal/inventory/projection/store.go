// Package projection keeps a versioned, denormalized per-item read model of
// balances, classifications and advisories for analytics readers.
package projection

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// ItemView is one item's row in the read model. Views are never mutated
// after publication.
type ItemView struct {
	ItemID   string           `json:"item_id"`
	Name     string           `json:"name"`
	Category domain.Category  `json:"category"`
	Active   bool             `json:"active"`
	Balances map[string]int64 `json:"balances"`
	// Sequences holds the ledger sequence behind each location's balance
	Sequences      map[string]int64           `json:"sequences"`
	TotalQuantity  int64                      `json:"total_quantity"`
	Classification *domain.Snapshot           `json:"classification,omitempty"`
	Advisories     map[string]domain.Advisory `json:"advisories,omitempty"`
	Stale          bool                       `json:"stale"`
}

func (v *ItemView) clone() *ItemView {
	c := *v
	c.Balances = make(map[string]int64, len(v.Balances))
	for k, q := range v.Balances {
		c.Balances[k] = q
	}
	c.Sequences = make(map[string]int64, len(v.Sequences))
	for k, seq := range v.Sequences {
		c.Sequences[k] = seq
	}
	c.Advisories = make(map[string]domain.Advisory, len(v.Advisories))
	for k, a := range v.Advisories {
		c.Advisories[k] = a
	}
	if v.Classification != nil {
		snap := *v.Classification
		c.Classification = &snap
	}
	return &c
}

// View is an immutable published state of the read model
type View struct {
	Version     int64
	PublishedAt time.Time
	items       map[string]*ItemView
}

// Item returns one item's row
func (v *View) Item(id string) (*ItemView, bool) {
	iv, ok := v.items[id]
	return iv, ok
}

// Items returns every row ordered by item id
func (v *View) Items() []*ItemView {
	out := make([]*ItemView, 0, len(v.items))
	for _, iv := range v.items {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Source is what Load reads the initial state from
type Source interface {
	Items(ctx context.Context) ([]domain.Item, error)
	Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error)
	Snapshots(ctx context.Context) ([]domain.Snapshot, error)
}

// Store publishes copy-on-write views. Readers load the current view
// without locking; writers serialize on mu and swap in a new version.
type Store struct {
	current atomic.Pointer[View]
	mu      sync.Mutex
	now     func() time.Time
	logger  *logger.Logger
}

// NewStore creates an empty store at version 0
func NewStore(log *logger.Logger) *Store {
	s := &Store{
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("projection"),
	}
	s.current.Store(&View{items: map[string]*ItemView{}})
	return s
}

// SetClock overrides the publish clock
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Current returns the latest published view
func (s *Store) Current() *View {
	return s.current.Load()
}

// update copies the rows touched by fn into a new view and publishes it
func (s *Store) update(fn func(edit func(itemID string) *ItemView)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	items := make(map[string]*ItemView, len(prev.items))
	for id, iv := range prev.items {
		items[id] = iv
	}
	copied := make(map[string]bool)

	fn(func(itemID string) *ItemView {
		if copied[itemID] {
			return items[itemID]
		}
		iv, ok := items[itemID]
		if ok {
			iv = iv.clone()
		} else {
			iv = &ItemView{
				ItemID:     itemID,
				Category:   domain.CategoryC,
				Balances:   map[string]int64{},
				Sequences:  map[string]int64{},
				Advisories: map[string]domain.Advisory{},
			}
		}
		items[itemID] = iv
		copied[itemID] = true
		return iv
	})
	if len(copied) == 0 {
		return
	}

	s.current.Store(&View{
		Version:     prev.Version + 1,
		PublishedAt: s.now(),
		items:       items,
	})
}

// Load seeds the store from the catalog, ledger and snapshot store
func (s *Store) Load(ctx context.Context, src Source) error {
	items, err := src.Items(ctx)
	if err != nil {
		return err
	}
	balances, err := src.Balances(ctx, domain.BalanceFilter{})
	if err != nil {
		return err
	}
	snaps, err := src.Snapshots(ctx)
	if err != nil {
		return err
	}

	s.update(func(edit func(string) *ItemView) {
		for i := range items {
			setItem(edit(items[i].ID), &items[i])
		}
		for _, b := range balances {
			setBalance(edit(b.ItemID), b)
		}
		for i := range snaps {
			setSnapshot(edit(snaps[i].ItemID), snaps[i])
		}
	})
	s.logger.Info().Int("items", len(items)).Int64("version", s.Current().Version).Msg("projection loaded")
	return nil
}

func setItem(iv *ItemView, item *domain.Item) {
	iv.Name = item.NamePrimary
	iv.Active = item.Active
	if iv.Classification == nil {
		iv.Category = item.Category
	}
}

// setBalance applies b unless the row already reflects the same or a later
// operation. Observers run outside the ledger's lock, so commits on one
// stock point can arrive out of order.
func setBalance(iv *ItemView, b domain.Balance) {
	if last, seen := iv.Sequences[b.LocationID]; seen && b.Sequence <= last {
		return
	}
	iv.Sequences[b.LocationID] = b.Sequence
	iv.TotalQuantity += b.Quantity - iv.Balances[b.LocationID]
	iv.Balances[b.LocationID] = b.Quantity
}

func setSnapshot(iv *ItemView, snap domain.Snapshot) {
	iv.Classification = &snap
	iv.Category = snap.Category
	iv.Stale = snap.Stale
}

// ItemChanged refreshes an item's catalog fields
func (s *Store) ItemChanged(item domain.Item) {
	s.update(func(edit func(string) *ItemView) {
		setItem(edit(item.ID), &item)
	})
}

// Committed applies a ledger commit's resulting balances
func (s *Store) Committed(_ context.Context, commit ledger.Commit) {
	s.update(func(edit func(string) *ItemView) {
		for _, b := range commit.Balances {
			setBalance(edit(b.ItemID), b)
		}
	})
}

// ClassificationsUpdated applies newly published snapshots
func (s *Store) ClassificationsUpdated(_ context.Context, changes []classification.Change) {
	s.update(func(edit func(string) *ItemView) {
		for _, c := range changes {
			setSnapshot(edit(c.Current.ItemID), c.Current)
		}
	})
}

// AdvisoryRaised records an outstanding advisory
func (s *Store) AdvisoryRaised(_ context.Context, a domain.Advisory) {
	s.update(func(edit func(string) *ItemView) {
		edit(a.ItemID).Advisories[a.LocationID] = a
	})
}

// AdvisoryCleared drops an advisory
func (s *Store) AdvisoryCleared(_ context.Context, a domain.Advisory) {
	s.update(func(edit func(string) *ItemView) {
		delete(edit(a.ItemID).Advisories, a.LocationID)
	})
}
