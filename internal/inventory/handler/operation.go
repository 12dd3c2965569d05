package handler

import (
	"errors"
	"net/http"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/httputil"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// OperationHandler handles ledger writes and balance reads
type OperationHandler struct {
	service *service.StockService
	logger  *logger.Logger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(svc *service.StockService, log *logger.Logger) *OperationHandler {
	return &OperationHandler{
		service: svc,
		logger:  log,
	}
}

// batchResponse is the success body of POST /batches
type batchResponse struct {
	BatchID      string   `json:"batch_id"`
	OperationIDs []string `json:"operation_ids"`
}

// batchReport is the data attached to a rejected batch
type batchReport struct {
	Entries []domain.EntryError `json:"entries"`
}

// Submit applies one stock operation. A replayed idempotency key answers
// 200 with the original result instead of 201.
func (h *OperationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req service.OperationInput
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.service.SubmitOperation(r.Context(), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if res.Duplicate {
		httputil.JSON(w, http.StatusOK, res)
		return
	}
	httputil.Created(w, res)
}

// SubmitBatch commits a reviewed scan session's entries atomically
func (h *OperationHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req service.BatchInput
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.service.SubmitBatch(r.Context(), req)
	var rejected *domain.BatchRejectedError
	if errors.As(err, &rejected) {
		httputil.ErrorWithData(w, rejected.AppError, batchReport{Entries: rejected.Entries})
		return
	}
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, batchResponse{BatchID: res.BatchID, OperationIDs: res.OperationIDs()})
}

// Balances lists balances, optionally narrowed to an item or location
func (h *OperationHandler) Balances(w http.ResponseWriter, r *http.Request) {
	filter := domain.BalanceFilter{
		ItemID:     r.URL.Query().Get("item_id"),
		LocationID: r.URL.Query().Get("location_id"),
	}

	balances, err := h.service.Balances(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, balances, &httputil.Meta{Total: int64(len(balances))})
}
