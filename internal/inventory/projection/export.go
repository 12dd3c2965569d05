package projection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

// Format is an export rendering
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts json (the default when empty) or xlsx
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", errors.BadRequest(fmt.Sprintf("unsupported export format %q", s))
	}
}

// ContentType returns the MIME type of the rendering
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Row is one item's classification in an export
type Row struct {
	ItemID         string          `json:"item_id"`
	Category       domain.Category `json:"category"`
	ValueScore     float64         `json:"value_score"`
	VolumeScore    float64         `json:"volume_score"`
	FrequencyScore float64         `json:"frequency_score"`
	CompositeScore float64         `json:"composite_score"`
	ComputedAt     *time.Time      `json:"computed_at"`
	Stale          bool            `json:"stale"`
}

// Document is a versioned export of the classification read model
type Document struct {
	Version     int64     `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        []Row     `json:"rows"`
}

// Export snapshots the current view into a document ordered by item id
func (s *Store) Export() Document {
	view := s.Current()
	doc := Document{
		Version:     view.Version,
		GeneratedAt: s.now(),
		Rows:        make([]Row, 0, len(view.items)),
	}
	for _, iv := range view.Items() {
		row := Row{ItemID: iv.ItemID, Category: iv.Category, Stale: iv.Stale}
		if snap := iv.Classification; snap != nil {
			row.ValueScore = snap.ValueScore
			row.VolumeScore = snap.VolumeScore
			row.FrequencyScore = snap.FrequencyScore
			row.CompositeScore = snap.CompositeScore
			computed := snap.ComputedAt
			row.ComputedAt = &computed
		} else {
			row.Stale = true
		}
		doc.Rows = append(doc.Rows, row)
	}
	return doc
}

// Render encodes doc in the given format
func Render(doc Document, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(doc)
	case FormatXLSX:
		return renderXLSX(doc)
	default:
		return nil, errors.BadRequest(fmt.Sprintf("unsupported export format %q", format))
	}
}

const sheetName = "Classification"

var headers = []string{
	"Item ID", "Category", "Value Score", "Volume Score",
	"Frequency Score", "Composite Score", "Computed At", "Stale",
}

func renderXLSX(doc Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	for i, row := range doc.Rows {
		computed := ""
		if row.ComputedAt != nil {
			computed = row.ComputedAt.UTC().Format(time.RFC3339)
		}
		values := []interface{}{
			row.ItemID, string(row.Category), row.ValueScore, row.VolumeScore,
			row.FrequencyScore, row.CompositeScore, computed, row.Stale,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	// version and generation time go in document properties so the sheet stays tabular
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:       "ABC classification export",
		Version:     fmt.Sprintf("%d", doc.Version),
		Created:     doc.GeneratedAt.UTC().Format(time.RFC3339),
		Description: fmt.Sprintf("version %d generated %s", doc.Version, doc.GeneratedAt.UTC().Format(time.RFC3339)),
	}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
