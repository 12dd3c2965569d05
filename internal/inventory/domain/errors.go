package domain

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medflow/stockflow-backend/pkg/errors"
)

// Sentinels wrapped by the typed stock errors; match with errors.Is
var (
	ErrSequenceConflict     = stderrors.New("sequence conflict")
	ErrInsufficientStock    = stderrors.New("insufficient stock")
	ErrBarcodeDecode        = stderrors.New("barcode decode failed")
	ErrAmbiguousBarcode     = stderrors.New("ambiguous barcode")
	ErrClassificationStale  = stderrors.New("classification stale")
	ErrConfiguration        = stderrors.New("invalid configuration")
	ErrIdempotencyKeyReused = stderrors.New("idempotency key reused")
	ErrInvalidTransition    = stderrors.New("invalid session transition")
)

// Error codes
const (
	CodeSequenceConflict     = "SEQUENCE_CONFLICT"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeBarcodeDecode        = "BARCODE_DECODE_ERROR"
	CodeAmbiguousBarcode     = "AMBIGUOUS_BARCODE"
	CodeClassificationStale  = "CLASSIFICATION_STALE"
	CodeConfiguration        = "CONFIGURATION_ERROR"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeInvalidTransition    = "INVALID_SESSION_STATE"
	CodeBatchRejected        = "BATCH_REJECTED"
)

// ValidationError reports one malformed field
func ValidationError(field, message string) *errors.AppError {
	return errors.Validation(map[string]string{field: message})
}

// ConflictError reports an optimistic sequence mismatch; the caller retries
// against current
func ConflictError(key StockKey, current int64) *errors.AppError {
	return errors.Wrap(ErrSequenceConflict, CodeSequenceConflict,
		fmt.Sprintf("balance for %s has moved on", key), http.StatusConflict).
		WithDetail("current_sequence", strconv.FormatInt(current, 10))
}

// CurrentSequence extracts the sequence carried by a ConflictError
func CurrentSequence(err error) (int64, bool) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, ErrSequenceConflict) {
		return 0, false
	}
	seq, convErr := strconv.ParseInt(appErr.Details["current_sequence"], 10, 64)
	if convErr != nil {
		return 0, false
	}
	return seq, true
}

// InsufficientStockError reports an outbound movement the balance cannot cover
func InsufficientStockError(key StockKey, available, requested int64) *errors.AppError {
	return errors.Wrap(ErrInsufficientStock, CodeInsufficientStock,
		fmt.Sprintf("insufficient stock for %s", key), http.StatusUnprocessableEntity).
		WithDetails(map[string]string{
			"available": strconv.FormatInt(available, 10),
			"requested": strconv.FormatInt(requested, 10),
		})
}

// BarcodeDecodeError reports unreadable or low-confidence scan input
func BarcodeDecodeError(reason string) *errors.AppError {
	return errors.Wrap(ErrBarcodeDecode, CodeBarcodeDecode,
		"barcode could not be decoded", http.StatusUnprocessableEntity).
		WithDetail("reason", reason)
}

// AmbiguousBarcodeError reports a value matching zero or several active items.
// candidates is empty when nothing matched.
func AmbiguousBarcodeError(symbology Symbology, value string, candidates []string) *errors.AppError {
	msg := "barcode does not resolve to a single item"
	if len(candidates) == 0 {
		msg = "barcode is not assigned to any active item"
	}
	return errors.Wrap(ErrAmbiguousBarcode, CodeAmbiguousBarcode, msg, http.StatusConflict).
		WithDetails(map[string]string{
			"symbology":  string(symbology),
			"value":      value,
			"candidates": strings.Join(candidates, ","),
		})
}

// Candidates extracts the candidate item ids carried by an AmbiguousBarcodeError
func Candidates(err error) []string {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, ErrAmbiguousBarcode) {
		return nil
	}
	raw := appErr.Details["candidates"]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// ClassificationStaleError is a warning attached to a served snapshot
func ClassificationStaleError(itemID string, computedAt time.Time, reason string) *errors.AppError {
	return errors.Wrap(ErrClassificationStale, CodeClassificationStale,
		"classification is stale", http.StatusOK).
		WithDetails(map[string]string{
			"item_id":     itemID,
			"computed_at": computedAt.UTC().Format(time.RFC3339),
			"reason":      reason,
		})
}

// ConfigurationError rejects engine configuration at startup
func ConfigurationError(details map[string]string) *errors.AppError {
	return errors.Wrap(ErrConfiguration, CodeConfiguration,
		"invalid engine configuration", http.StatusInternalServerError).
		WithDetails(details)
}

// IdempotencyKeyReusedError reports a key replayed with a different payload
func IdempotencyKeyReusedError(key string) *errors.AppError {
	return errors.Wrap(ErrIdempotencyKeyReused, CodeIdempotencyKeyReused,
		"idempotency key was already used for a different operation", http.StatusBadRequest).
		WithDetail("idempotency_key", key)
}

// InvalidTransitionError rejects a session command in the wrong state
func InvalidTransitionError(from, command string) *errors.AppError {
	return errors.Wrap(ErrInvalidTransition, CodeInvalidTransition,
		fmt.Sprintf("%s is not allowed while the session is %s", command, from), http.StatusConflict).
		WithDetail("state", from)
}

// EntryError is one rejected entry of a batch
type EntryError struct {
	Index   int               `json:"index"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// NewEntryError converts an error raised for batch entry index
func NewEntryError(index int, err error) EntryError {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return EntryError{Index: index, Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}
	return EntryError{Index: index, Code: "INTERNAL_ERROR", Message: "unexpected error"}
}

// BatchRejectedError carries the per-entry report of a rejected batch
type BatchRejectedError struct {
	*errors.AppError
	Entries []EntryError
}

// NewBatchRejectedError builds the error for a batch with failing entries.
// The report is matchable as the first entry's sentinel.
func NewBatchRejectedError(entries []EntryError, cause error) *BatchRejectedError {
	appErr := errors.Wrap(cause, CodeBatchRejected,
		fmt.Sprintf("batch rejected: %d entries failed validation", len(entries)),
		http.StatusUnprocessableEntity).
		WithDetail("failed_entries", strconv.Itoa(len(entries)))
	return &BatchRejectedError{AppError: appErr, Entries: entries}
}

// Unwrap exposes the AppError so errors.As finds it
func (e *BatchRejectedError) Unwrap() error {
	return e.AppError
}
