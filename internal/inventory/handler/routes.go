package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// BasePath is where the stock API is mounted
const BasePath = "/api/v1/stock"

// Routes registers every stock endpoint on r
func Routes(svc *service.StockService, maxFrameBytes int64, log *logger.Logger) func(r chi.Router) {
	items := NewItemHandler(svc, log)
	operations := NewOperationHandler(svc, log)
	scans := NewScanHandler(svc, maxFrameBytes, log)
	analytics := NewAnalyticsHandler(svc, log)

	return func(r chi.Router) {
		// Ledger
		r.Post("/operations", operations.Submit)
		r.Post("/batches", operations.SubmitBatch)
		r.Get("/balances", operations.Balances)

		// Scanning
		r.Post("/scan/decode", scans.Decode)
		r.Route("/scan-sessions", func(r chi.Router) {
			r.Post("/", scans.CreateSession)
			r.Get("/{id}", scans.GetSession)
			r.Post("/{id}/scans", scans.Scan)
			r.Post("/{id}/review", scans.Review)
			r.Post("/{id}/resume", scans.Resume)
			r.Put("/{id}/entries/{entryID}", scans.UpdateEntry)
			r.Delete("/{id}/entries/{entryID}", scans.RemoveEntry)
			r.Post("/{id}/commit", scans.Commit)
			r.Post("/{id}/abort", scans.Abort)
		})

		// Items and barcodes
		r.Route("/items", func(r chi.Router) {
			r.Post("/", items.Create)
			r.Get("/{id}", items.Get)
			r.Put("/{id}", items.Update)
			r.Post("/{id}/barcodes", items.AddBarcode)
			r.Get("/{id}/classification", analytics.Classification)
		})
		r.Delete("/barcodes/{symbology}/{value}", items.RemoveBarcode)

		// Analytics
		r.Get("/advisories", analytics.Advisories)
		r.Get("/snapshot/export", analytics.Export)
		r.Get("/projection/items", analytics.ProjectedItems)
		r.Get("/projection/items/{id}", analytics.ProjectedItem)
	}
}
