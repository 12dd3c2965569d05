package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/database"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

const snapshotColumns = `item_id, value_score, volume_score, frequency_score, composite_score,
	category, ledger_sequence, computed_at, stale, stale_reason`

// SnapshotRepository persists the latest ABC snapshot per item
type SnapshotRepository struct {
	db *database.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *database.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// SaveSnapshots upserts every snapshot in one transaction
func (r *SnapshotRepository) SaveSnapshots(ctx context.Context, snapshots []domain.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	query := `
		INSERT INTO abc_snapshots (` + snapshotColumns + `)
		VALUES (:item_id, :value_score, :volume_score, :frequency_score, :composite_score,
			:category, :ledger_sequence, :computed_at, :stale, :stale_reason)
		ON CONFLICT (item_id) DO UPDATE SET
			value_score = EXCLUDED.value_score,
			volume_score = EXCLUDED.volume_score,
			frequency_score = EXCLUDED.frequency_score,
			composite_score = EXCLUDED.composite_score,
			category = EXCLUDED.category,
			ledger_sequence = EXCLUDED.ledger_sequence,
			computed_at = EXCLUDED.computed_at,
			stale = EXCLUDED.stale,
			stale_reason = EXCLUDED.stale_reason
	`

	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		for i := range snapshots {
			if _, err := tx.NamedExecContext(ctx, query, &snapshots[i]); err != nil {
				if appErr := database.MapPQError(err); appErr != nil {
					return appErr
				}
				return fmt.Errorf("failed to save snapshot for %s: %w", snapshots[i].ItemID, err)
			}
		}
		return nil
	})
}

// Snapshot returns an item's latest snapshot
func (r *SnapshotRepository) Snapshot(ctx context.Context, itemID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	err := r.db.GetContext(ctx, &snap, `SELECT `+snapshotColumns+` FROM abc_snapshots WHERE item_id = $1`, itemID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("classification")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

// Snapshots lists every stored snapshot ordered by item id
func (r *SnapshotRepository) Snapshots(ctx context.Context) ([]domain.Snapshot, error) {
	var snaps []domain.Snapshot
	if err := r.db.SelectContext(ctx, &snaps, `SELECT `+snapshotColumns+` FROM abc_snapshots ORDER BY item_id`); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}
