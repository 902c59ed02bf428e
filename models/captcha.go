package models

import (
	"time"

	"github.com/google/uuid"
)

// CaptchaNotification is the single most-recent challenge flag, not a
// log. Raising a new one overwrites the previous.
type CaptchaNotification struct {
	ChallengeType string     `json:"challenge_type" db:"challenge_type"`
	Details       string     `json:"details" db:"details"`
	RunID         *uuid.UUID `json:"run_id" db:"run_id"`
	RaisedAt      time.Time  `json:"raised_at" db:"raised_at"`
}
