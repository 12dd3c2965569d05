package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/internal/inventory/handler"
	"github.com/medflow/stockflow-backend/pkg/testutil"
)

func TestDecode_TextFrames(t *testing.T) {
	api := newTestAPI(t)
	api.seedGauze()

	tests := []struct {
		name    string
		body    interface{}
		status  int
		itemID  string
		warning string
		errCode string
	}{
		{"aim identified", map[string]string{"text": "]E0" + gauzeEAN}, http.StatusOK, "gauze", "", ""},
		{"bare gtin", map[string]string{"text": gauzeEAN + "\r\n"}, http.StatusOK, "gauze", "", ""},
		{"unassigned code128", map[string]string{"text": "]C1LOT-77"}, http.StatusOK, "", domain.CodeAmbiguousBarcode, ""},
		{"low confidence", map[string]string{"text": "LOT-77"}, http.StatusUnprocessableEntity, "", "", domain.CodeBarcodeDecode},
		{"bad base64", map[string]string{"image": "%%%"}, http.StatusBadRequest, "", "", "VALIDATION_ERROR"},
		{"empty", map[string]string{}, http.StatusBadRequest, "", "", "VALIDATION_ERROR"},
		{"both", map[string]string{"text": "a", "image": "YQ=="}, http.StatusBadRequest, "", "", "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := api.do(http.MethodPost, "/scan/decode", tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())

			if tt.errCode != "" {
				require.NotNil(t, env.Error)
				assert.Equal(t, tt.errCode, env.Error.Code)
				return
			}

			var out struct {
				Decode *barcode.DecodeResult `json:"decode"`
				Item   *barcode.ItemRef      `json:"item"`
			}
			require.NoError(t, json.Unmarshal(env.Data, &out))
			require.NotNil(t, out.Decode)
			if tt.itemID != "" {
				require.NotNil(t, out.Item)
				assert.Equal(t, tt.itemID, out.Item.ItemID)
			}
			if tt.warning != "" {
				require.Len(t, env.Warnings, 1)
				assert.Equal(t, tt.warning, env.Warnings[0].Code)
			} else {
				assert.Empty(t, env.Warnings)
			}
		})
	}
}

func TestDecode_PlainTextBody(t *testing.T) {
	api := newTestAPI(t)
	api.seedGauze()

	req := httptest.NewRequest(http.MethodPost, handler.BasePath+"/scan/decode", bytes.NewBufferString(gauzeEAN))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	rr := testutil.ExecuteRequest(api.router, testutil.WithUserHeaders(req, testUser))

	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestRoutes_RequireActor(t *testing.T) {
	api := newTestAPI(t)

	req := testutil.NewHTTPRequest(http.MethodGet, handler.BasePath+"/balances", nil)
	rr := testutil.ExecuteRequest(api.router, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestScanSession_Lifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.seedGauze()

	rr, env := api.do(http.MethodPost, "/scan-sessions", map[string]interface{}{"location_id": "ward-3", "type": "receipt"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var view barcode.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, barcode.StateScanning, view.State)
	base := "/scan-sessions/" + view.ID

	for i := 0; i < 2; i++ {
		rr, env = api.do(http.MethodPost, base+"/scans", map[string]string{"text": gauzeEAN})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Empty(t, env.Warnings)
	}

	rr, env = api.do(http.MethodPost, base+"/scans", map[string]string{"text": "]C1LOT-77"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.Warnings, 1)
	assert.Equal(t, domain.CodeAmbiguousBarcode, env.Warnings[0].Code)

	rr, _ = api.do(http.MethodPost, base+"/commit", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "commit requires review")

	rr, env = api.do(http.MethodPost, base+"/review", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.Entries, 2)
	assert.Equal(t, int64(2), view.Entries[0].Quantity)
	unresolved := view.Entries[1]
	assert.False(t, unresolved.Resolved)

	rr, env = api.do(http.MethodPost, base+"/commit", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rr, _ = api.do(http.MethodPut, base+"/entries/"+unresolved.ID, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, env = api.do(http.MethodPut, base+"/entries/"+unresolved.ID, map[string]interface{}{"item_id": "gauze", "quantity": 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.Entries, 1, "resolving to an item already listed merges the entries")
	assert.Equal(t, int64(5), view.Entries[0].Quantity)

	rr, env = api.do(http.MethodPost, base+"/commit", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, barcode.StateCommitted, view.State)
	assert.Len(t, view.OperationIDs, 1)

	rr, env = api.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, barcode.StateCommitted, view.State)

	rr, env = api.do(http.MethodPost, base+"/abort", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, domain.CodeInvalidTransition, env.Error.Code)

	rr, env = api.do(http.MethodGet, "/balances?item_id=gauze&location_id=ward-3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var balances []domain.Balance
	require.NoError(t, json.Unmarshal(env.Data, &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, int64(5), balances[0].Quantity)
}

func TestScanSession_RejectedCommitKeepsReview(t *testing.T) {
	api := newTestAPI(t)
	api.seedGauze()

	rr, env := api.do(http.MethodPost, "/scan-sessions", map[string]interface{}{"location_id": "ward-3", "type": "issue"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var view barcode.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	base := "/scan-sessions/" + view.ID

	rr, _ = api.do(http.MethodPost, base+"/scans", map[string]string{"text": gauzeEAN})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(http.MethodPost, base+"/review", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, env = api.do(http.MethodPost, base+"/commit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	assert.Equal(t, domain.CodeBatchRejected, env.Error.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, barcode.StateReviewing, view.State)
	require.Len(t, view.Report, 1)
	assert.Equal(t, domain.CodeInsufficientStock, view.Report[0].Code)

	rr, _ = api.do(http.MethodDelete, base+"/entries/"+view.Entries[0].ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, env = api.do(http.MethodPost, base+"/abort", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, barcode.StateAborted, view.State)

	rr, _ = api.do(http.MethodGet, "/scan-sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
