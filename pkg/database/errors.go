package database

import (
	stderrors "errors"
	"strings"

	"github.com/lib/pq"

	"github.com/medflow/stockflow-backend/pkg/errors"
)

// IsUniqueViolation reports whether err is a unique constraint violation,
// optionally on the named constraint
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsForeignKeyViolation reports whether err is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == "23503"
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return errors.Validation(map[string]string{
			"item_id": "unknown item",
		})

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "category_valid"):
		return errors.Validation(map[string]string{"category": "must be one of: A, B, C"})
	case strings.Contains(constraint, "unit_cost_non_negative"):
		return errors.Validation(map[string]string{"unit_cost": "must not be negative"})
	case strings.Contains(constraint, "lead_time_positive"):
		return errors.Validation(map[string]string{"lead_time_days": "must be greater than 0"})
	case strings.Contains(constraint, "type_valid"):
		return errors.Validation(map[string]string{"type": "unknown operation type"})
	case strings.Contains(constraint, "source_valid"):
		return errors.Validation(map[string]string{"source": "unknown source"})
	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "idempotency_key"):
		return "an operation with this idempotency key already exists"
	case strings.Contains(constraint, "stock_item_barcodes"):
		return "this barcode is already assigned to the item"
	case strings.Contains(constraint, "stock_items_pkey"):
		return "an item with this id already exists"
	default:
		return "a record with these values already exists"
	}
}
