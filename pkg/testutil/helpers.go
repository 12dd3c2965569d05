package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/pkg/httputil"
)

// Envelope mirrors httputil.Response with a raw data payload for decoding in tests
type Envelope struct {
	Success  bool                `json:"success"`
	Data     json.RawMessage     `json:"data"`
	Error    *httputil.ErrorBody `json:"error"`
	Warnings []httputil.Warning  `json:"warnings"`
	Meta     *httputil.Meta      `json:"meta"`
}

// NewHTTPRequest creates an HTTP request with an optional JSON body
func NewHTTPRequest(method, path string, body interface{}) *http.Request {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// WithUserHeaders adds the gateway's user headers to a request
func WithUserHeaders(req *http.Request, userID string) *http.Request {
	req.Header.Set("X-User-ID", userID)
	return req
}

// ExecuteRequest executes a request against a handler and returns the recorder
func ExecuteRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// DecodeEnvelope parses the standard response envelope and, when target is
// non-nil, its data payload
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) Envelope {
	t.Helper()

	var env Envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	if target != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, target))
	}
	return env
}
