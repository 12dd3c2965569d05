package ledger

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint hashes the fields that determine a request's effect. Carrier
// metadata (actor, timestamp, source, batch) is left out so a replay from a
// different device still matches.
func Fingerprint(req Request) string {
	var b strings.Builder
	b.WriteString(req.ItemID)
	b.WriteByte(0)
	b.WriteString(req.LocationID)
	b.WriteByte(0)
	b.WriteString(string(req.Type))
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(req.Quantity, 10))
	b.WriteByte(0)
	b.WriteString(strconv.FormatBool(req.BackorderAllowed && req.Type.Outbound()))
	b.WriteByte(0)
	b.WriteString(req.ReasonCode)
	b.WriteByte(0)
	if req.UnitCost.Valid {
		b.WriteString(req.UnitCost.Decimal.String())
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
