package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/projection"
	"github.com/medflow/stockflow-backend/internal/inventory/reorder"
	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/httputil"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// AnalyticsHandler serves classifications, advisories and snapshot exports
type AnalyticsHandler struct {
	service *service.StockService
	logger  *logger.Logger
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(svc *service.StockService, log *logger.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: svc,
		logger:  log,
	}
}

// Classification returns an item's ABC snapshot. Stale snapshots are
// served with a CLASSIFICATION_STALE warning.
func (h *AnalyticsHandler) Classification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.service.Classification(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if view.Warning != nil {
		httputil.JSONWithWarnings(w, http.StatusOK, view.Snapshot, []httputil.Warning{httputil.WarningFrom(view.Warning)})
		return
	}
	httputil.JSON(w, http.StatusOK, view.Snapshot)
}

// Advisories lists outstanding reorder advisories
func (h *AnalyticsHandler) Advisories(w http.ResponseWriter, r *http.Request) {
	filter := reorder.Filter{
		LocationID: r.URL.Query().Get("location_id"),
		Category:   domain.Category(r.URL.Query().Get("category")),
	}

	advisories, err := h.service.Advisories(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, advisories, &httputil.Meta{Total: int64(len(advisories))})
}

// ProjectedItems lists the combined per-item read model. Meta carries the
// projection version the rows were read at.
func (h *AnalyticsHandler) ProjectedItems(w http.ResponseWriter, r *http.Request) {
	category := domain.Category(r.URL.Query().Get("category"))

	rows, version, err := h.service.ProjectedItems(category)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, rows, &httputil.Meta{Total: int64(len(rows)), Version: version})
}

// ProjectedItem returns one item's balances, snapshot and outstanding advisories
func (h *AnalyticsHandler) ProjectedItem(w http.ResponseWriter, r *http.Request) {
	row, version, err := h.service.ProjectedItem(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, row, &httputil.Meta{Version: version})
}

// Export downloads the classification snapshot as JSON or XLSX
func (h *AnalyticsHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := projection.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	data, err := h.service.Export(format)
	if err != nil {
		h.logger.Error().Err(err).Str("format", string(format)).Msg("failed to export classification snapshot")
		httputil.Error(w, err)
		return
	}

	filename := fmt.Sprintf("classification.%s", format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
