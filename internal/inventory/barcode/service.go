package barcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	apperrors "github.com/medflow/stockflow-backend/pkg/errors"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

// Config bounds decoding
type Config struct {
	MinConfidence float64
	DecodeTimeout time.Duration
	MaxFrameBytes int
}

// Lookup finds items mapped to a normalized barcode value
type Lookup interface {
	LookupBarcode(ctx context.Context, symbology domain.Symbology, value string) ([]domain.Item, error)
}

// Service decodes frames and resolves barcodes to items
type Service struct {
	registry *Registry
	lookup   Lookup
	cfg      Config
	logger   *logger.Logger
}

// NewService creates a barcode service
func NewService(registry *Registry, lookup Lookup, cfg Config, log *logger.Logger) *Service {
	return &Service{
		registry: registry,
		lookup:   lookup,
		cfg:      cfg,
		logger:   log.WithComponent("barcode"),
	}
}

// Decode tries every decoder for the frame's kind within the decode
// timeout. A decode below the confidence threshold is a failure. Attempts
// are never retried.
func (s *Service) Decode(ctx context.Context, frame Frame) (*DecodeResult, error) {
	if len(frame.Data) == 0 {
		return nil, domain.BarcodeDecodeError("empty frame")
	}
	if s.cfg.MaxFrameBytes > 0 && len(frame.Data) > s.cfg.MaxFrameBytes {
		return nil, domain.BarcodeDecodeError(fmt.Sprintf("frame exceeds %d bytes", s.cfg.MaxFrameBytes))
	}

	decoders := s.registry.FindDecoders(frame.Kind)
	if len(decoders) == 0 {
		return nil, domain.BarcodeDecodeError(fmt.Sprintf("no decoder for %q frames", frame.Kind))
	}

	if s.cfg.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DecodeTimeout)
		defer cancel()
	}

	var lastErr error
	for _, d := range decoders {
		res, err := s.decodeOne(ctx, d, frame)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if res.Confidence < s.cfg.MinConfidence {
			s.logger.Debug().
				Str("decoder", d.Name()).
				Str("symbology", string(res.Symbology)).
				Float64("confidence", res.Confidence).
				Msg("decode below confidence threshold")
			lastErr = domain.BarcodeDecodeError(
				fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, s.cfg.MinConfidence))
			continue
		}
		return res, nil
	}

	return nil, lastErr
}

// decodeOne runs d in its own goroutine so a slow decoder cannot outlive the timeout
func (s *Service) decodeOne(ctx context.Context, d Decoder, frame Frame) (*DecodeResult, error) {
	type outcome struct {
		res *DecodeResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := d.Decode(ctx, frame)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && (errors.Is(o.err, context.DeadlineExceeded) || errors.Is(o.err, context.Canceled)) {
			return nil, domain.BarcodeDecodeError("decode timed out")
		}
		return o.res, o.err
	case <-ctx.Done():
		s.logger.Warn().Str("decoder", d.Name()).Msg("barcode decode timed out")
		return nil, domain.BarcodeDecodeError("decode timed out")
	}
}

// Resolve normalizes a decoded value and maps it to exactly one active
// item. Zero or several matches are an AmbiguousBarcodeError carrying the
// candidate ids.
func (s *Service) Resolve(ctx context.Context, rawValue string, symbology domain.Symbology) (*ItemRef, error) {
	sym, value := Normalize(symbology, rawValue)
	if value == "" {
		return nil, domain.ValidationError("barcode", "this field is required")
	}

	items, err := s.lookup.LookupBarcode(ctx, sym, value)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, item := range items {
		if item.Active {
			candidates = append(candidates, item.ID)
		}
	}
	if len(candidates) != 1 {
		return nil, domain.AmbiguousBarcodeError(sym, value, candidates)
	}

	return &ItemRef{ItemID: candidates[0], Symbology: sym, Value: value}, nil
}

// Scan decodes a frame and resolves the result. The decode result is
// returned alongside a resolution error so callers can offer candidates.
func (s *Service) Scan(ctx context.Context, frame Frame) (*DecodeResult, *ItemRef, error) {
	res, err := s.Decode(ctx, frame)
	if err != nil {
		return nil, nil, err
	}
	ref, err := s.Resolve(ctx, res.RawValue, res.Symbology)
	if err != nil {
		return res, nil, err
	}
	return res, ref, nil
}

// IsDecodeFailure reports whether err is a BarcodeDecodeError
func IsDecodeFailure(err error) bool {
	return apperrors.Is(err, domain.ErrBarcodeDecode)
}
