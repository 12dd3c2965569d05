package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/database"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

const itemColumns = `id, name_primary, name_secondary, unit_cost, unit_of_measure, lead_time_days,
	reorder_point, safety_stock, category, is_active, created_at, updated_at`

// CatalogRepository handles item and barcode alias persistence
type CatalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *database.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// CreateItem inserts a new item
func (r *CatalogRepository) CreateItem(ctx context.Context, item *domain.Item) error {
	if item.Category == "" {
		item.Category = domain.CategoryC
	}

	query := `
		INSERT INTO stock_items (
			id, name_primary, name_secondary, unit_cost, unit_of_measure, lead_time_days,
			reorder_point, safety_stock, category, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		item.ID, item.NamePrimary, item.NameSecondary, item.UnitCost, item.UnitOfMeasure, item.LeadTimeDays,
		item.ReorderPoint, item.SafetyStock, item.Category, item.Active,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// UpdateItem replaces an item's descriptive fields, cost, lead time and active flag
func (r *CatalogRepository) UpdateItem(ctx context.Context, item *domain.Item) error {
	query := `
		UPDATE stock_items SET
			name_primary = $2, name_secondary = $3, unit_cost = $4, unit_of_measure = $5,
			lead_time_days = $6, is_active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + itemColumns

	var updated domain.Item
	err := r.db.GetContext(ctx, &updated, query,
		item.ID, item.NamePrimary, item.NameSecondary, item.UnitCost, item.UnitOfMeasure,
		item.LeadTimeDays, item.Active,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("item")
	}
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("failed to update item: %w", err)
	}

	updated.Barcodes, err = r.barcodes(ctx, item.ID)
	if err != nil {
		return err
	}
	*item = updated
	return nil
}

// Item returns an item with its barcode aliases
func (r *CatalogRepository) Item(ctx context.Context, id string) (*domain.Item, error) {
	var item domain.Item
	err := r.db.GetContext(ctx, &item, `SELECT `+itemColumns+` FROM stock_items WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("item")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	item.Barcodes, err = r.barcodes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Items lists every item ordered by id, without aliases
func (r *CatalogRepository) Items(ctx context.Context) ([]domain.Item, error) {
	var items []domain.Item
	if err := r.db.SelectContext(ctx, &items, `SELECT `+itemColumns+` FROM stock_items ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

// SetCategory stores the item's current ABC category
func (r *CatalogRepository) SetCategory(ctx context.Context, id string, category domain.Category) error {
	return r.touch(ctx, `UPDATE stock_items SET category = $2, updated_at = NOW() WHERE id = $1`, id, category)
}

// SetReorderLevels stores the item's catalog-wide reorder point and safety stock
func (r *CatalogRepository) SetReorderLevels(ctx context.Context, id string, reorderPoint, safetyStock float64) error {
	return r.touch(ctx,
		`UPDATE stock_items SET reorder_point = $2, safety_stock = $3, updated_at = NOW() WHERE id = $1`,
		id, reorderPoint, safetyStock)
}

func (r *CatalogRepository) touch(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("item")
	}
	return nil
}

// AddBarcode maps a normalized value to an item
func (r *CatalogRepository) AddBarcode(ctx context.Context, alias domain.BarcodeAlias) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stock_item_barcodes (symbology, value, item_id) VALUES ($1, $2, $3)`,
		alias.Symbology, alias.Value, alias.ItemID)
	if database.IsForeignKeyViolation(err) {
		return errors.NotFound("item")
	}
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("failed to add barcode: %w", err)
	}
	return nil
}

// RemoveBarcode drops every mapping of a value
func (r *CatalogRepository) RemoveBarcode(ctx context.Context, symbology domain.Symbology, value string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM stock_item_barcodes WHERE symbology = $1 AND value = $2`, symbology, value)
	if err != nil {
		return fmt.Errorf("failed to remove barcode: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove barcode: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("barcode")
	}
	return nil
}

// LookupBarcode returns every item mapped to a value, active or not, ordered by id
func (r *CatalogRepository) LookupBarcode(ctx context.Context, symbology domain.Symbology, value string) ([]domain.Item, error) {
	query := `
		SELECT i.id, i.name_primary, i.name_secondary, i.unit_cost, i.unit_of_measure, i.lead_time_days,
			i.reorder_point, i.safety_stock, i.category, i.is_active, i.created_at, i.updated_at
		FROM stock_item_barcodes b
		JOIN stock_items i ON i.id = b.item_id
		WHERE b.symbology = $1 AND b.value = $2
		ORDER BY i.id
	`

	var items []domain.Item
	if err := r.db.SelectContext(ctx, &items, query, symbology, value); err != nil {
		return nil, fmt.Errorf("failed to look up barcode: %w", err)
	}
	return items, nil
}

func (r *CatalogRepository) barcodes(ctx context.Context, itemID string) ([]domain.BarcodeAlias, error) {
	var aliases []domain.BarcodeAlias
	err := r.db.SelectContext(ctx, &aliases,
		`SELECT symbology, value, item_id FROM stock_item_barcodes WHERE item_id = $1 ORDER BY symbology, value`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list barcodes: %w", err)
	}
	return aliases, nil
}
