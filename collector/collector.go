// Package collector fetches listing pages from the target site and
// turns them into raw listing batches. Anti-bot handling lives here:
// the token cookie goes out on every request and every response is
// checked for a challenge page before it is parsed.
package collector

import (
	"context"
	"fmt"

	"lbc_ingest/models"
	"lbc_ingest/settings"
)

// Collector is one site-specific collection strategy. Collect emits
// page-sized batches through emit; returning from emit with an error
// stops collection.
type Collector interface {
	ID() string
	Collect(ctx context.Context, snap *settings.Snapshot, emit func(batch []models.RawListing) error) error
}

// ChallengeError reports that the site answered with an anti-bot
// challenge instead of content.
type ChallengeError struct {
	ChallengeType string // e.g. "datadome"
	Details       string
}

func (e *ChallengeError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("anti-bot challenge (%s)", e.ChallengeType)
	}
	return fmt.Sprintf("anti-bot challenge (%s): %s", e.ChallengeType, e.Details)
}
