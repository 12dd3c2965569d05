package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/httputil"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// ItemHandler handles item and barcode administration
type ItemHandler struct {
	service *service.StockService
	logger  *logger.Logger
}

// NewItemHandler creates a new item handler
func NewItemHandler(svc *service.StockService, log *logger.Logger) *ItemHandler {
	return &ItemHandler{
		service: svc,
		logger:  log,
	}
}

// Get gets an item by ID
func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, item)
}

// Create creates a new item
func (h *ItemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.ItemInput
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	item, err := h.service.CreateItem(r.Context(), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, item)
}

// Update updates an item
func (h *ItemHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req service.ItemInput
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if req.ID != "" && req.ID != id {
		httputil.Error(w, errors.BadRequest("id in body does not match path"))
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	item, err := h.service.UpdateItem(r.Context(), id, req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, item)
}

// AddBarcode maps a barcode to an item
func (h *ItemHandler) AddBarcode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req service.BarcodeInput
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	alias, err := h.service.AddBarcode(r.Context(), id, req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, alias)
}

// RemoveBarcode unmaps a barcode
func (h *ItemHandler) RemoveBarcode(w http.ResponseWriter, r *http.Request) {
	sym, err := domain.ParseSymbology(chi.URLParam(r, "symbology"))
	if err != nil {
		httputil.Error(w, errors.BadRequest(err.Error()))
		return
	}

	if err := h.service.RemoveBarcode(r.Context(), sym, chi.URLParam(r, "value")); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}
