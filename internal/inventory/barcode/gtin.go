package barcode

import (
	"strings"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
)

// GTINLength is the normalized length of every GTIN
const GTINLength = 14

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidCheckDigit verifies the GS1 mod-10 check digit of a numeric code
func ValidCheckDigit(code string) bool {
	if len(code) < 2 || !allDigits(code) {
		return false
	}

	sum := 0
	body := code[:len(code)-1]
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		// positions counted from the right of the body alternate 3,1,3,...
		if (len(body)-1-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return check == int(code[len(code)-1]-'0')
}

// gtinSymbologyForLength infers the GTIN symbology from a digit count
func gtinSymbologyForLength(n int) (domain.Symbology, bool) {
	switch n {
	case 8:
		return domain.SymbologyEAN8, true
	case 12:
		return domain.SymbologyUPCA, true
	case 13:
		return domain.SymbologyEAN13, true
	case 14:
		return domain.SymbologyITF14, true
	default:
		return "", false
	}
}

// Normalize maps a decoded value to its index form. GTIN-family values
// become 14-digit GTINs under domain.SymbologyGTIN, so an EAN-13 and the
// UPC-A it embeds resolve to the same alias.
func Normalize(symbology domain.Symbology, value string) (domain.Symbology, string) {
	value = strings.TrimSpace(value)
	if symbology.GTINFamily() && allDigits(value) && len(value) <= GTINLength {
		return domain.SymbologyGTIN, strings.Repeat("0", GTINLength-len(value)) + value
	}
	return symbology, value
}

// InferSymbology classifies a bare value: a GTIN-length digit string with a
// valid check digit is that GTIN symbology, anything else is unknown
func InferSymbology(value string) domain.Symbology {
	if sym, ok := gtinSymbologyForLength(len(value)); ok && allDigits(value) && ValidCheckDigit(value) {
		return sym
	}
	return domain.SymbologyUnknown
}
