package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

type aliasKey struct {
	symbology domain.Symbology
	value     string
}

// MemoryCatalog keeps items and barcode aliases in process memory
type MemoryCatalog struct {
	mu      sync.RWMutex
	items   map[string]domain.Item
	aliases map[aliasKey][]string
	now     func() time.Time
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		items:   make(map[string]domain.Item),
		aliases: make(map[aliasKey][]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateItem inserts a new item
func (c *MemoryCatalog) CreateItem(_ context.Context, item *domain.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[item.ID]; exists {
		return errors.Conflict("item " + item.ID + " already exists")
	}
	if item.Category == "" {
		item.Category = domain.CategoryC
	}
	now := c.now()
	item.CreatedAt, item.UpdatedAt = now, now

	stored := *item
	stored.Barcodes = nil
	c.items[item.ID] = stored
	return nil
}

// UpdateItem replaces an item's descriptive fields, cost, lead time and active flag
func (c *MemoryCatalog) UpdateItem(_ context.Context, item *domain.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.items[item.ID]
	if !ok {
		return errors.NotFound("item")
	}
	existing.NamePrimary = item.NamePrimary
	existing.NameSecondary = item.NameSecondary
	existing.UnitCost = item.UnitCost
	existing.UnitOfMeasure = item.UnitOfMeasure
	existing.LeadTimeDays = item.LeadTimeDays
	existing.Active = item.Active
	existing.UpdatedAt = c.now()
	c.items[item.ID] = existing

	*item = existing
	item.Barcodes = c.barcodesLocked(item.ID)
	return nil
}

// Item returns an item with its barcode aliases
func (c *MemoryCatalog) Item(_ context.Context, id string) (*domain.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return nil, errors.NotFound("item")
	}
	item.Barcodes = c.barcodesLocked(id)
	return &item, nil
}

// Items lists every item ordered by id, without aliases
func (c *MemoryCatalog) Items(context.Context) ([]domain.Item, error) {
	c.mu.RLock()
	out := make([]domain.Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetCategory stores the item's current ABC category
func (c *MemoryCatalog) SetCategory(_ context.Context, id string, category domain.Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return errors.NotFound("item")
	}
	item.Category = category
	item.UpdatedAt = c.now()
	c.items[id] = item
	return nil
}

// SetReorderLevels stores the item's catalog-wide reorder point and safety stock
func (c *MemoryCatalog) SetReorderLevels(_ context.Context, id string, reorderPoint, safetyStock float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return errors.NotFound("item")
	}
	item.ReorderPoint = reorderPoint
	item.SafetyStock = safetyStock
	item.UpdatedAt = c.now()
	c.items[id] = item
	return nil
}

// AddBarcode maps a normalized value to an item
func (c *MemoryCatalog) AddBarcode(_ context.Context, alias domain.BarcodeAlias) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[alias.ItemID]; !ok {
		return errors.NotFound("item")
	}
	key := aliasKey{alias.Symbology, alias.Value}
	for _, id := range c.aliases[key] {
		if id == alias.ItemID {
			return errors.Conflict("barcode already assigned to item")
		}
	}
	c.aliases[key] = append(c.aliases[key], alias.ItemID)
	return nil
}

// RemoveBarcode drops every mapping of a value
func (c *MemoryCatalog) RemoveBarcode(_ context.Context, symbology domain.Symbology, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := aliasKey{symbology, value}
	if len(c.aliases[key]) == 0 {
		return errors.NotFound("barcode")
	}
	delete(c.aliases, key)
	return nil
}

// LookupBarcode returns every item mapped to a value, active or not, ordered by id
func (c *MemoryCatalog) LookupBarcode(_ context.Context, symbology domain.Symbology, value string) ([]domain.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.aliases[aliasKey{symbology, value}]
	out := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) barcodesLocked(itemID string) []domain.BarcodeAlias {
	var out []domain.BarcodeAlias
	for key, ids := range c.aliases {
		for _, id := range ids {
			if id == itemID {
				out = append(out, domain.BarcodeAlias{Symbology: key.symbology, Value: key.value, ItemID: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbology != out[j].Symbology {
			return out[i].Symbology < out[j].Symbology
		}
		return out[i].Value < out[j].Value
	})
	return out
}
