package models

import "time"

// Setting is a durable key/value pair. Values are nullable strings;
// typed interpretation happens at config resolution, never downstream.
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     *string   `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
