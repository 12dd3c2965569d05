package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// CostingClient provides HTTP client for pulling unit costs from the costing service
type CostingClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewCostingClient creates a new costing service client
func NewCostingClient(baseURL string, timeout time.Duration, log *logger.Logger) *CostingClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CostingClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("costing-client"),
	}
}

// CostLookupRequest is the request structure for a bulk cost lookup
type CostLookupRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// ItemCost is one priced item in the costing service response
type ItemCost struct {
	ItemID   string              `json:"item_id"`
	UnitCost decimal.NullDecimal `json:"unit_cost"`
}

// LookupCosts fetches unit costs for the given items. Items the costing
// service does not price are absent from the result.
func (c *CostingClient) LookupCosts(ctx context.Context, itemIDs []string) (map[string]decimal.Decimal, error) {
	payload, err := json.Marshal(CostLookupRequest{ItemIDs: itemIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/costs/lookup", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		httpReq.Header.Set(middleware.RequestIDHeader, reqID)
	}

	c.logger.Debug().Int("items", len(itemIDs)).Msg("looking up unit costs")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to call costing service")
		return nil, fmt.Errorf("failed to call costing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		c.logger.Error().
			Int("status", resp.StatusCode).
			Interface("error", errResp).
			Msg("cost lookup failed")
		return nil, fmt.Errorf("cost lookup failed with status %d: %v", resp.StatusCode, errResp)
	}

	// costing service wraps responses in {"success": true, "data": ...}
	var response struct {
		Success bool `json:"success"`
		Data    struct {
			Costs []ItemCost `json:"costs"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	costs := make(map[string]decimal.Decimal, len(response.Data.Costs))
	for _, c := range response.Data.Costs {
		if c.UnitCost.Valid {
			costs[c.ItemID] = c.UnitCost.Decimal
		}
	}
	return costs, nil
}

// UnitCosts prices items from the costing service, falling back to each
// item's catalog cost when the service does not price it
func (c *CostingClient) UnitCosts(ctx context.Context, items []domain.Item) (map[string]decimal.Decimal, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	costs, err := c.LookupCosts(ctx, ids)
	if err != nil {
		return nil, err
	}

	fallbacks := 0
	for _, item := range items {
		if _, ok := costs[item.ID]; ok || !item.UnitCost.Valid {
			continue
		}
		costs[item.ID] = item.UnitCost.Decimal
		fallbacks++
	}
	if fallbacks > 0 {
		c.logger.Debug().Int("fallbacks", fallbacks).Msg("used catalog cost for unpriced items")
	}
	return costs, nil
}
