package barcode

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

const confidenceTryHarder = 0.85

// ImageDecoder recognizes barcodes in camera frames: QR and Data Matrix
// (2D) plus EAN-13, EAN-8, UPC-A, Code 128 and Code 39 (linear).
type ImageDecoder struct {
	readers []func() gozxing.Reader
}

// NewImageDecoder creates an image decoder trying 2D readers first
func NewImageDecoder() *ImageDecoder {
	return &ImageDecoder{
		readers: []func() gozxing.Reader{
			qrcode.NewQRCodeReader,
			func() gozxing.Reader { return datamatrix.NewDataMatrixReader() },
			oned.NewEAN13Reader,
			oned.NewEAN8Reader,
			oned.NewUPCAReader,
			oned.NewCode128Reader,
			oned.NewCode39Reader,
		},
	}
}

func (d *ImageDecoder) CanDecode(kind FrameKind) bool {
	return kind == FrameImage
}

func (d *ImageDecoder) Name() string {
	return "image"
}

// Decode runs a plain pass over every reader, then a TRY_HARDER pass.
// A hit on the second pass is reported with lower confidence.
func (d *ImageDecoder) Decode(ctx context.Context, frame Frame) (*DecodeResult, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, domain.BarcodeDecodeError("unsupported or corrupt image")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, domain.BarcodeDecodeError("image could not be binarized")
	}

	passes := []struct {
		hints      map[gozxing.DecodeHintType]interface{}
		confidence float64
	}{
		{hints: nil, confidence: confidenceCertain},
		{hints: map[gozxing.DecodeHintType]interface{}{gozxing.DecodeHintType_TRY_HARDER: true}, confidence: confidenceTryHarder},
	}

	for _, pass := range passes {
		for _, newReader := range d.readers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			result, err := newReader().Decode(bmp, pass.hints)
			if err != nil {
				continue
			}
			sym, ok := symbologyOf(result.GetBarcodeFormat())
			if !ok {
				continue
			}
			return &DecodeResult{
				Symbology:  sym,
				RawValue:   result.GetText(),
				Confidence: pass.confidence,
				Decoder:    d.Name(),
			}, nil
		}
	}

	return nil, domain.BarcodeDecodeError("no barcode found in image")
}

func symbologyOf(format gozxing.BarcodeFormat) (domain.Symbology, bool) {
	switch format {
	case gozxing.BarcodeFormat_QR_CODE:
		return domain.SymbologyQR, true
	case gozxing.BarcodeFormat_DATA_MATRIX:
		return domain.SymbologyDataMatrix, true
	case gozxing.BarcodeFormat_EAN_13:
		return domain.SymbologyEAN13, true
	case gozxing.BarcodeFormat_EAN_8:
		return domain.SymbologyEAN8, true
	case gozxing.BarcodeFormat_UPC_A:
		return domain.SymbologyUPCA, true
	case gozxing.BarcodeFormat_CODE_128:
		return domain.SymbologyCode128, true
	case gozxing.BarcodeFormat_CODE_39:
		return domain.SymbologyCode39, true
	default:
		return "", false
	}
}
