package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"lbc_ingest/models"
)

// Repository interfaces for the three persisted collections plus the
// captcha mailbox. Components take the narrow interface they need;
// tests substitute the in-memory implementation.

// RunTotals are the result tallies written at completion.
type RunTotals struct {
	TotalCollected int
	CreatedCount   int
	UpdatedCount   int
}

type RunStore interface {
	// CreateRun inserts a new pending run with its config snapshot.
	CreateRun(ctx context.Context, run *models.Run) error
	// ActivateRun flips pending -> running, conditional on no other run
	// being running. Returns false when the slot is taken.
	ActivateRun(ctx context.Context, id uuid.UUID) (bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// AdvanceRun clamps progress to non-decreasing and refreshes the
	// activity timestamp. Returns false unless the run is running.
	AdvanceRun(ctx context.Context, id uuid.UUID, progress float64, step, message string) (bool, error)
	// AppendRunLog appends to the raw log. Returns false once terminal.
	AppendRunLog(ctx context.Context, id uuid.UUID, text string) (bool, error)
	// UpdateRunTotals persists the tallies accumulated so far. Returns
	// false unless the run is running.
	UpdateRunTotals(ctx context.Context, id uuid.UUID, totals RunTotals) (bool, error)
	// CompleteRun moves running -> the given terminal status. Returns
	// false when the run was not running (terminal states are final).
	CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string, totals RunTotals) (bool, error)
	// StaleRunning lists running runs with no activity since cutoff.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error
	DeleteAllRuns(ctx context.Context) error
}

type SettingStore interface {
	GetSetting(ctx context.Context, key string) (*models.Setting, error)
	SetSetting(ctx context.Context, key string, value *string) error
	ListSettings(ctx context.Context) ([]models.Setting, error)
}

type ListingStore interface {
	// UpsertListing inserts or, when the hash exists, refreshes the
	// descriptive fields and scraped_at. Reports whether a row was created.
	UpsertListing(ctx context.Context, l *models.ExternalListing) (created bool, err error)
	GetListingByHash(ctx context.Context, hash string) (*models.ExternalListing, error)
	CountListings(ctx context.Context) (int, error)
	ListUnarchivedListings(ctx context.Context, limit int) ([]models.ExternalListing, error)
	MarkPhotosArchived(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteAllListings(ctx context.Context) error
}

type CaptchaStore interface {
	SaveCaptcha(ctx context.Context, n *models.CaptchaNotification) error
	GetCaptcha(ctx context.Context) (*models.CaptchaNotification, error)
	DeleteCaptcha(ctx context.Context) error
}

// Store is the full persistence surface, implemented by PostgresStore,
// SQLiteStore and MemoryStore.
type Store interface {
	RunStore
	SettingStore
	ListingStore
	CaptchaStore
	Close() error
}
