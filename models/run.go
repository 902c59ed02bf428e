package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusSuccess         RunStatus = "success"
	RunStatusError           RunStatus = "error"
	RunStatusAborted         RunStatus = "aborted"
	RunStatusCaptchaDetected RunStatus = "captcha_detected"
)

// Terminal reports whether no transition is allowed out of s.
// Retries create a new run instead.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusAborted, RunStatusCaptchaDetected:
		return true
	}
	return false
}

// Run is one execution of the ingestion pipeline.
type Run struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Status         RunStatus       `json:"status" db:"status"`
	Progress       float64         `json:"progress" db:"progress"`
	CurrentStep    string          `json:"current_step" db:"current_step"`
	CurrentMessage string          `json:"current_message" db:"current_message"`
	Config         json.RawMessage `json:"config" db:"config"` // settings snapshot frozen at start
	RawLog         string          `json:"raw_log" db:"raw_log"`
	ErrorMessage   string          `json:"error_message" db:"error_message"`
	TotalCollected int             `json:"total_collected" db:"total_collected"`
	CreatedCount   int             `json:"created_count" db:"created_count"`
	UpdatedCount   int             `json:"updated_count" db:"updated_count"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at" db:"finished_at"`
	LastActivityAt time.Time       `json:"last_activity_at" db:"last_activity_at"`
}
