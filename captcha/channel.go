// Package captcha is the durable mailbox an operator watches for
// anti-bot challenges. It holds at most the single latest notification;
// challenges are rare and bursty, and only the most recent one matters.
package captcha

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"lbc_ingest/models"
	"lbc_ingest/runs"
	"lbc_ingest/storage"
)

// TTL after which a notification reads as absent. Expiry happens lazily
// on Peek, not on a timer.
const TTL = 10 * time.Minute

type Channel struct {
	store storage.CaptchaStore
	runs  *runs.Manager

	now func() time.Time
}

func NewChannel(store storage.CaptchaStore, runManager *runs.Manager) *Channel {
	return &Channel{
		store: store,
		runs:  runManager,
		now:   time.Now,
	}
}

// Raise records a challenge, overwriting any previous notification, and
// drives the owning run (when given) into captcha_detected so run state
// and the mailbox never disagree about being blocked. The totals are
// the tallies accumulated before the challenge hit; they stay on the
// terminal run record.
func (c *Channel) Raise(ctx context.Context, runID *uuid.UUID, challengeType, details string, totals storage.RunTotals) error {
	n := &models.CaptchaNotification{
		ChallengeType: challengeType,
		Details:       details,
		RunID:         runID,
		RaisedAt:      c.now(),
	}
	if err := c.store.SaveCaptcha(ctx, n); err != nil {
		return fmt.Errorf("save captcha notification: %w", err)
	}

	if runID != nil {
		msg := fmt.Sprintf("blocked by %s challenge", challengeType)
		if details != "" {
			msg += ": " + details
		}
		err := c.runs.Complete(ctx, *runID, models.RunStatusCaptchaDetected, msg, totals)
		if err != nil {
			log.Printf("Warning: could not mark run %s captcha_detected: %v", runID, err)
		}
	}
	return nil
}

// Peek returns the current notification, or nil when there is none or
// the stored one has outlived the TTL. A stale record is deleted on
// read so it cannot cause a false "still blocked" later.
func (c *Channel) Peek(ctx context.Context) (*models.CaptchaNotification, error) {
	n, err := c.store.GetCaptcha(ctx)
	if err != nil {
		return nil, fmt.Errorf("get captcha notification: %w", err)
	}
	if n == nil {
		return nil, nil
	}

	if c.now().Sub(n.RaisedAt) > TTL {
		if err := c.store.DeleteCaptcha(ctx); err != nil {
			return nil, fmt.Errorf("expire captcha notification: %w", err)
		}
		return nil, nil
	}
	return n, nil
}

// Clear deletes unconditionally.
func (c *Channel) Clear(ctx context.Context) error {
	return c.store.DeleteCaptcha(ctx)
}
