// Package barcode turns scanner input into catalog items. Frames from image
// scanners and keyboard-wedge devices are decoded by registered decoders,
// normalized and resolved against the catalog's barcode aliases. Batch scans
// run as sessions, each owned by a single controller goroutine.
package barcode

import (
	"context"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

// FrameKind is the shape of scanner input
type FrameKind string

const (
	FrameImage FrameKind = "image"
	FrameText  FrameKind = "text"
)

// Frame is one unit of scanner input
type Frame struct {
	Kind        FrameKind
	Data        []byte
	ContentType string
}

// DecodeResult is a decoded barcode
type DecodeResult struct {
	Symbology  domain.Symbology `json:"symbology"`
	RawValue   string           `json:"raw_value"`
	Confidence float64          `json:"confidence"`
	Decoder    string           `json:"decoder"`
}

// ItemRef is a barcode resolved to exactly one active item
type ItemRef struct {
	ItemID    string           `json:"item_id"`
	Symbology domain.Symbology `json:"symbology"`
	Value     string           `json:"value"`
}

// Decoder turns frames of some kinds into barcodes
type Decoder interface {
	// CanDecode returns true if this decoder handles the given frame kind
	CanDecode(kind FrameKind) bool

	// Decode extracts a barcode from the frame. Frame data must not be
	// retained after decoding.
	Decode(ctx context.Context, frame Frame) (*DecodeResult, error)

	// Name returns the decoder name for logging
	Name() string
}

// Registry holds all registered decoders and dispatches to the right ones
type Registry struct {
	decoders []Decoder
}

// NewRegistry creates a new decoder registry
func NewRegistry(decoders ...Decoder) *Registry {
	return &Registry{decoders: decoders}
}

// DefaultRegistry registers the image and wedge decoders
func DefaultRegistry() *Registry {
	return NewRegistry(NewImageDecoder(), NewWedgeDecoder())
}

// FindDecoders returns all decoders that can handle kind, in registration
// order. Later decoders are tried when earlier ones fail.
func (r *Registry) FindDecoders(kind FrameKind) []Decoder {
	var result []Decoder
	for _, d := range r.decoders {
		if d.CanDecode(kind) {
			result = append(result, d)
		}
	}
	return result
}
