package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint returns a stable content hash over the canonical form of a
// scannable text: Unicode NFC, whitespace runs collapsed to a single space,
// leading/trailing whitespace stripped. Two byte-different renderings of the
// same content share a fingerprint, so scan verdicts are shared across
// clients via the cache.
func Fingerprint(text string) string {
	canonical := norm.NFC.String(text)
	canonical = strings.Join(strings.Fields(canonical), " ")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
