package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"lbc_ingest/models"
)

// The source site has no external id that is stable across scrapes, so
// listing identity is derived from content. Two observations that agree
// on this canonical subset collapse to the same row no matter when or
// how often they were seen.

const delimiter = "|"

// Hash returns the dedup key for a raw listing: a SHA-256 digest of the
// canonical field subset, truncated to 32 hex characters.
func Hash(l *models.RawListing) string {
	sum := sha256.Sum256([]byte(Canonical(l)))
	return hex.EncodeToString(sum[:16])
}

// Canonical joins the fixed, ordered field subset used for identity.
// Missing fields contribute an empty segment so the field positions
// never shift.
func Canonical(l *models.RawListing) string {
	parts := []string{
		l.Source,
		l.SourceID,
		l.URL,
		l.Title,
		l.City,
		numField(l.Budget),
		numField(l.RoomCount),
		numField(l.SurfaceArea),
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, delimiter)
}

func numField(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
