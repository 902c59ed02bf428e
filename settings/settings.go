// Package settings resolves the durable key/value store into a typed
// configuration snapshot. Resolution happens once, at run start; the
// snapshot is frozen onto the run record and nothing downstream reads
// the live store mid-run.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"lbc_ingest/storage"
)

// Well-known setting keys.
const (
	KeySearchURL           = "search_url"
	KeyMaxPages            = "max_pages"
	KeyIngestWorkers       = "ingest_workers"
	KeyRotateIP            = "rotate_ip"
	KeyRotationWaitSeconds = "rotation_wait_seconds"
	KeyAntiBotToken        = "antibot_token" // written by the token manager
	KeyStalenessMinutes    = "run_staleness_minutes"
)

// Built-in defaults, used when a key is absent or its stored value does
// not parse.
const (
	DefaultSearchURL           = "https://www.leboncoin.fr/recherche?category=11&real_estate_type=5"
	DefaultMaxPages            = 10
	DefaultIngestWorkers       = 4
	DefaultRotationWaitSeconds = 90
	DefaultStalenessMinutes    = 15
)

// Defaults returns a snapshot holding only the built-in defaults.
func Defaults() *Snapshot {
	return &Snapshot{
		SearchURL:           DefaultSearchURL,
		MaxPages:            DefaultMaxPages,
		IngestWorkers:       DefaultIngestWorkers,
		RotationWaitSeconds: DefaultRotationWaitSeconds,
		StalenessMinutes:    DefaultStalenessMinutes,
	}
}

// Snapshot is the fully-typed configuration for one run.
type Snapshot struct {
	SearchURL           string `json:"search_url"`
	MaxPages            int    `json:"max_pages"`
	IngestWorkers       int    `json:"ingest_workers"`
	RotateIP            bool   `json:"rotate_ip"`
	RotationWaitSeconds int    `json:"rotation_wait_seconds"`
	AntiBotToken        string `json:"antibot_token"`
	StalenessMinutes    int    `json:"run_staleness_minutes"`
}

func (s *Snapshot) RotationWait() time.Duration {
	return time.Duration(s.RotationWaitSeconds) * time.Second
}

func (s *Snapshot) StalenessWindow() time.Duration {
	return time.Duration(s.StalenessMinutes) * time.Minute
}

func (s *Snapshot) JSON() (json.RawMessage, error) {
	return json.Marshal(s)
}

func FromJSON(raw json.RawMessage) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode config snapshot: %w", err)
	}
	return &s, nil
}

// Resolve overlays stored values on the built-in defaults. A stored
// value that fails to parse falls back to its default with a logged
// warning; resolution itself never fails on bad operator input.
func Resolve(ctx context.Context, store storage.SettingStore) (*Snapshot, error) {
	stored, err := store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}

	values := make(map[string]string, len(stored))
	for _, setting := range stored {
		if setting.Value != nil {
			values[setting.Key] = *setting.Value
		}
	}

	return &Snapshot{
		SearchURL:           stringValue(values, KeySearchURL, DefaultSearchURL),
		MaxPages:            intValue(values, KeyMaxPages, DefaultMaxPages),
		IngestWorkers:       intValue(values, KeyIngestWorkers, DefaultIngestWorkers),
		RotateIP:            boolValue(values, KeyRotateIP, false),
		RotationWaitSeconds: intValue(values, KeyRotationWaitSeconds, DefaultRotationWaitSeconds),
		AntiBotToken:        stringValue(values, KeyAntiBotToken, ""),
		StalenessMinutes:    intValue(values, KeyStalenessMinutes, DefaultStalenessMinutes),
	}, nil
}

// A stored empty string is a real value (the operator cleared it); only
// a nil value reads as unset.
func stringValue(values map[string]string, key, fallback string) string {
	if v, ok := values[key]; ok {
		return v
	}
	return fallback
}

func intValue(values map[string]string, key string, fallback int) int {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: setting %s=%q is not an integer, using default %d", key, v, fallback)
		return fallback
	}
	return i
}

func boolValue(values map[string]string, key string, fallback bool) bool {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: setting %s=%q is not a boolean, using default %t", key, v, fallback)
		return fallback
	}
	return b
}
