package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/ledger"
	"github.com/medflow/stockflow-backend/pkg/database"
)

const idempotencyConstraint = "stock_operations_idempotency_key_unique"

const operationColumns = `id, sequence, item_id, location_id, type, quantity, delta,
	resulting_quantity, resulting_average_cost, unit_cost, reason_code, backorder_allowed,
	actor_id, idempotency_key, fingerprint, source, batch_id, occurred_at`

const balanceColumns = `item_id, location_id, quantity, average_cost, sequence, updated_at`

// LedgerRepository is the PostgreSQL ledger store. Writers to the same stock
// point are serialized with transaction-scoped advisory locks taken in key
// order; the balance update still checks the expected sequence.
type LedgerRepository struct {
	db *database.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ ledger.Store = (*LedgerRepository)(nil)

// InTx runs fn inside one database transaction
func (r *LedgerRepository) InTx(ctx context.Context, keys []domain.StockKey, fn func(tx ledger.Tx) error) error {
	sorted := uniqueSortedKeys(keys)

	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, key := range sorted {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
				return fmt.Errorf("failed to lock stock point %s: %w", key, err)
			}
		}
		return fn(&pgTx{tx: tx})
	})
}

// Balance returns the current balance of a stock point
func (r *LedgerRepository) Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error) {
	return balance(ctx, r.db, key)
}

// Balances lists balances matching filter ordered by item and location
func (r *LedgerRepository) Balances(ctx context.Context, filter domain.BalanceFilter) ([]domain.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM stock_balances
		WHERE ($1 = '' OR item_id = $1) AND ($2 = '' OR location_id = $2)
		ORDER BY item_id, location_id`

	var balances []domain.Balance
	if err := r.db.SelectContext(ctx, &balances, query, filter.ItemID, filter.LocationID); err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}

// Operations lists operations matching filter in sequence order
func (r *LedgerRepository) Operations(ctx context.Context, filter domain.OperationFilter) ([]domain.StockOperation, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.ItemIDs) > 0 {
		where = append(where, "item_id = ANY("+arg(pq.Array(filter.ItemIDs))+")")
	}
	if filter.LocationID != "" {
		where = append(where, "location_id = "+arg(filter.LocationID))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "type = ANY("+arg(pq.Array(types))+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "occurred_at < "+arg(filter.To))
	}
	if filter.MaxSequence > 0 {
		where = append(where, "sequence <= "+arg(filter.MaxSequence))
	}

	query := `SELECT ` + operationColumns + ` FROM stock_operations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sequence`

	var ops []domain.StockOperation
	if err := r.db.SelectContext(ctx, &ops, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

// OperationByIdempotencyKey returns the operation recorded under key, or nil
func (r *LedgerRepository) OperationByIdempotencyKey(ctx context.Context, key string) (*domain.StockOperation, error) {
	return operationByKey(ctx, r.db, key)
}

// LastSequence returns the highest committed sequence
func (r *LedgerRepository) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(sequence), 0) FROM stock_operations`); err != nil {
		return 0, fmt.Errorf("failed to read ledger sequence: %w", err)
	}
	return seq, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) OperationByIdempotencyKey(ctx context.Context, key string) (*domain.StockOperation, error) {
	return operationByKey(ctx, t.tx, key)
}

func (t *pgTx) Balance(ctx context.Context, key domain.StockKey) (domain.Balance, error) {
	return balance(ctx, t.tx, key)
}

func (t *pgTx) Append(ctx context.Context, op *domain.StockOperation, bal *domain.Balance, expected int64) error {
	var seq int64
	if err := t.tx.GetContext(ctx, &seq, `SELECT nextval('stock_operation_seq')`); err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	op.Sequence = seq
	bal.Sequence = seq

	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_operations (`+operationColumns+`)
		VALUES (:id, :sequence, :item_id, :location_id, :type, :quantity, :delta,
			:resulting_quantity, :resulting_average_cost, :unit_cost, :reason_code, :backorder_allowed,
			:actor_id, :idempotency_key, :fingerprint, :source, :batch_id, :occurred_at)`, op)
	if database.IsUniqueViolation(err, idempotencyConstraint) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = t.tx.NamedExecContext(ctx, `
			INSERT INTO stock_balances (`+balanceColumns+`)
			VALUES (:item_id, :location_id, :quantity, :average_cost, :sequence, :updated_at)
			ON CONFLICT (item_id, location_id) DO NOTHING`, bal)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE stock_balances
			SET quantity = $1, average_cost = $2, sequence = $3, updated_at = $4
			WHERE item_id = $5 AND location_id = $6 AND sequence = $7`,
			bal.Quantity, bal.AverageCost, bal.Sequence, bal.UpdatedAt, bal.ItemID, bal.LocationID, expected)
	}
	if err != nil {
		return fmt.Errorf("failed to store balance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store balance: %w", err)
	}
	if rows == 0 {
		current, err := balance(ctx, t.tx, bal.Key())
		if err != nil {
			return err
		}
		return domain.ConflictError(bal.Key(), current.Sequence)
	}

	return nil
}

func balance(ctx context.Context, q sqlx.QueryerContext, key domain.StockKey) (domain.Balance, error) {
	var b domain.Balance
	err := sqlx.GetContext(ctx, q, &b,
		`SELECT `+balanceColumns+` FROM stock_balances WHERE item_id = $1 AND location_id = $2`,
		key.ItemID, key.LocationID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Balance{ItemID: key.ItemID, LocationID: key.LocationID}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return b, nil
}

func operationByKey(ctx context.Context, q sqlx.QueryerContext, key string) (*domain.StockOperation, error) {
	var op domain.StockOperation
	err := sqlx.GetContext(ctx, q, &op,
		`SELECT `+operationColumns+` FROM stock_operations WHERE idempotency_key = $1`, key)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation: %w", err)
	}
	return &op, nil
}

func uniqueSortedKeys(keys []domain.StockKey) []domain.StockKey {
	seen := make(map[domain.StockKey]bool, len(keys))
	out := make([]domain.StockKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
