package barcode

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

const (
	confidenceCertain  = 1.0
	confidenceInferred = 0.9
	confidenceGuess    = 0.5
)

// WedgeDecoder parses text frames from keyboard-wedge and serial scanners.
// Input may carry an AIM symbology identifier ("]E0", "]C1", "]Q1", ...).
type WedgeDecoder struct{}

// NewWedgeDecoder creates a wedge decoder
func NewWedgeDecoder() *WedgeDecoder {
	return &WedgeDecoder{}
}

func (d *WedgeDecoder) CanDecode(kind FrameKind) bool {
	return kind == FrameText
}

func (d *WedgeDecoder) Name() string {
	return "wedge"
}

func (d *WedgeDecoder) Decode(_ context.Context, frame Frame) (*DecodeResult, error) {
	if !utf8.Valid(frame.Data) {
		return nil, domain.BarcodeDecodeError("scan text is not valid UTF-8")
	}
	text := strings.TrimRightFunc(string(frame.Data), unicode.IsSpace)
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if text == "" {
		return nil, domain.BarcodeDecodeError("empty scan")
	}

	if sym, value, ok := splitAIM(text); ok {
		return d.identified(sym, value)
	}
	return d.inferred(text), nil
}

func (d *WedgeDecoder) identified(sym domain.Symbology, value string) (*DecodeResult, error) {
	if value == "" {
		return nil, domain.BarcodeDecodeError("symbology identifier without data")
	}

	res := &DecodeResult{Symbology: sym, RawValue: value, Confidence: confidenceCertain, Decoder: d.Name()}
	switch sym {
	case domain.SymbologyUnknown:
		res.Confidence = confidenceGuess
	case domain.SymbologyEAN13:
		// UPC-A travels as EAN-13 with a leading zero
		if len(value) == 12 {
			res.Symbology = domain.SymbologyUPCA
		}
	case domain.SymbologyITF14:
		if len(value) != 14 {
			// plain interleaved 2 of 5, not a GTIN carrier
			res.Symbology = domain.SymbologyUnknown
			res.Confidence = confidenceGuess
			return res, nil
		}
	}

	if res.Symbology.GTINFamily() {
		want, _ := gtinSymbologyForLength(len(value))
		if want != res.Symbology || !ValidCheckDigit(value) {
			res.Confidence = 0
		}
	}
	return res, nil
}

func (d *WedgeDecoder) inferred(text string) *DecodeResult {
	res := &DecodeResult{Symbology: InferSymbology(text), RawValue: text, Confidence: confidenceGuess, Decoder: d.Name()}
	if res.Symbology != domain.SymbologyUnknown {
		res.Confidence = confidenceInferred
	}
	return res
}

// splitAIM strips an AIM identifier ("]" + code character + modifier)
func splitAIM(text string) (domain.Symbology, string, bool) {
	if len(text) < 3 || text[0] != ']' {
		return "", "", false
	}
	code, modifier, value := text[1], text[2], text[3:]

	switch code {
	case 'E':
		if modifier == '4' {
			return domain.SymbologyEAN8, value, true
		}
		return domain.SymbologyEAN13, value, true
	case 'C':
		return domain.SymbologyCode128, value, true
	case 'A':
		return domain.SymbologyCode39, value, true
	case 'I':
		return domain.SymbologyITF14, value, true
	case 'Q':
		return domain.SymbologyQR, value, true
	case 'd':
		return domain.SymbologyDataMatrix, value, true
	default:
		return domain.SymbologyUnknown, value, true
	}
}
