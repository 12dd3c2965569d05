package handler

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/stockflow-backend/internal/inventory/barcode"
	"github.com/medflow/stockflow-backend/internal/inventory/service"
	"github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/httputil"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// ScanHandler handles barcode decoding and batch scan sessions
type ScanHandler struct {
	service       *service.StockService
	maxFrameBytes int64
	logger        *logger.Logger
}

// NewScanHandler creates a new scan handler. Request bodies larger than
// maxFrameBytes are cut off before decoding.
func NewScanHandler(svc *service.StockService, maxFrameBytes int64, log *logger.Logger) *ScanHandler {
	return &ScanHandler{
		service:       svc,
		maxFrameBytes: maxFrameBytes,
		logger:        log,
	}
}

// frameRequest is the JSON form of a frame: wedge text or a base64 image
type frameRequest struct {
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// readFrame accepts a JSON frameRequest, a raw image/* body or a
// text/plain body
func (h *ScanHandler) readFrame(w http.ResponseWriter, r *http.Request) (barcode.Frame, error) {
	// base64 inflates the JSON form by a third
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFrameBytes*4/3+1024)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return barcode.Frame{}, errors.BadRequest("could not read image body")
		}
		return barcode.Frame{Kind: barcode.FrameImage, Data: data, ContentType: mediaType}, nil
	case mediaType == "text/plain":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return barcode.Frame{}, errors.BadRequest("could not read text body")
		}
		return barcode.Frame{Kind: barcode.FrameText, Data: data}, nil
	}

	var req frameRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		return barcode.Frame{}, err
	}
	switch {
	case req.Text != "" && req.Image != "":
		return barcode.Frame{}, errors.BadRequest("send either text or image, not both")
	case req.Image != "":
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return barcode.Frame{}, errors.Validation(map[string]string{"image": "must be base64 encoded"})
		}
		return barcode.Frame{Kind: barcode.FrameImage, Data: data, ContentType: req.ContentType}, nil
	case req.Text != "":
		return barcode.Frame{Kind: barcode.FrameText, Data: []byte(req.Text)}, nil
	default:
		return barcode.Frame{}, errors.Validation(map[string]string{"text": "text or image is required"})
	}
}

// Decode decodes one frame and resolves it to an item. An unresolved
// barcode is returned with its candidates and a warning.
func (h *ScanHandler) Decode(w http.ResponseWriter, r *http.Request) {
	frame, err := h.readFrame(w, r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	out, err := h.service.Decode(r.Context(), frame)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if out.Warning != nil {
		httputil.JSONWithWarnings(w, http.StatusOK, out, []httputil.Warning{httputil.WarningFrom(out.Warning)})
		return
	}
	httputil.JSON(w, http.StatusOK, out)
}

// CreateSession opens a scan session in the scanning state
func (h *ScanHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req barcode.Params
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	view, err := h.service.CreateSession(r.Context(), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, view)
}

func (h *ScanHandler) session(w http.ResponseWriter, r *http.Request) (*barcode.Session, bool) {
	sess, err := h.service.Session(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return nil, false
	}
	return sess, true
}

// GetSession returns a session's current state
func (h *ScanHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	view, err := sess.Snapshot(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

// Scan adds one frame to a session. A barcode that does not resolve is
// kept as an unresolved entry and reported as a warning.
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	frame, err := h.readFrame(w, r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	out, err := sess.Scan(r.Context(), frame)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if out.Warning != nil {
		httputil.JSONWithWarnings(w, http.StatusOK, out, []httputil.Warning{httputil.WarningFrom(out.Warning)})
		return
	}
	httputil.JSON(w, http.StatusOK, out)
}

// Review moves a session from scanning to review
func (h *ScanHandler) Review(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*barcode.Session).Review)
}

// Resume moves a session from review back to scanning
func (h *ScanHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*barcode.Session).Start)
}

// Abort discards a session
func (h *ScanHandler) Abort(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*barcode.Session).Abort)
}

// Commit submits a reviewed session as one batch. A rejected batch keeps
// the session in review and returns the per-entry report.
func (h *ScanHandler) Commit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	view, err := sess.Commit(r.Context())
	if err != nil {
		httputil.ErrorWithData(w, err, view)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

func (h *ScanHandler) transition(w http.ResponseWriter, r *http.Request, fn func(*barcode.Session, context.Context) (barcode.View, error)) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	view, err := fn(sess, r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

// entryRequest edits a review entry: its quantity, its item, or both
type entryRequest struct {
	Quantity *int64 `json:"quantity,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
}

// UpdateEntry resolves an entry to an item and/or overrides its quantity
func (h *ScanHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryID")

	var req entryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if req.Quantity == nil && req.ItemID == "" {
		httputil.Error(w, errors.Validation(map[string]string{"quantity": "quantity or item_id is required"}))
		return
	}

	var view barcode.View
	var err error
	if req.Quantity != nil {
		if view, err = sess.SetQuantity(r.Context(), entryID, *req.Quantity); err != nil {
			httputil.Error(w, err)
			return
		}
	}
	if req.ItemID != "" {
		if view, err = sess.Resolve(r.Context(), entryID, req.ItemID); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	httputil.JSON(w, http.StatusOK, view)
}

// RemoveEntry drops an entry from the review list
func (h *ScanHandler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	view, err := sess.RemoveEntry(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}
