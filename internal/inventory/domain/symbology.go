package domain

import "fmt"

// Symbology is a barcode encoding standard
type Symbology string

const (
	SymbologyEAN13      Symbology = "ean13"
	SymbologyEAN8       Symbology = "ean8"
	SymbologyUPCA       Symbology = "upca"
	SymbologyITF14      Symbology = "itf14"
	SymbologyCode128    Symbology = "code128"
	SymbologyCode39     Symbology = "code39"
	SymbologyQR         Symbology = "qr"
	SymbologyDataMatrix Symbology = "datamatrix"
	SymbologyUnknown    Symbology = "unknown"

	// SymbologyGTIN is the index key shared by the EAN/UPC/ITF-14 family
	SymbologyGTIN Symbology = "gtin"
)

// Valid reports whether s is a known symbology
func (s Symbology) Valid() bool {
	switch s {
	case SymbologyEAN13, SymbologyEAN8, SymbologyUPCA, SymbologyITF14,
		SymbologyCode128, SymbologyCode39, SymbologyQR, SymbologyDataMatrix,
		SymbologyUnknown, SymbologyGTIN:
		return true
	default:
		return false
	}
}

// GTINFamily reports whether values of s are GTINs and index under SymbologyGTIN
func (s Symbology) GTINFamily() bool {
	switch s {
	case SymbologyEAN13, SymbologyEAN8, SymbologyUPCA, SymbologyITF14, SymbologyGTIN:
		return true
	default:
		return false
	}
}

// TwoDimensional reports whether s is a matrix code
func (s Symbology) TwoDimensional() bool {
	return s == SymbologyQR || s == SymbologyDataMatrix
}

// ParseSymbology converts the wire form into a Symbology
func ParseSymbology(s string) (Symbology, error) {
	sym := Symbology(normalizeEnum(s))
	if !sym.Valid() {
		return "", fmt.Errorf("unknown symbology %q", s)
	}
	return sym, nil
}

// UnmarshalText lower-cases the wire form
func (s *Symbology) UnmarshalText(text []byte) error {
	*s = Symbology(normalizeEnum(string(text)))
	return nil
}
