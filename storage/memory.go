package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"lbc_ingest/models"
)

// MemoryStore is an in-memory Store used by tests and available behind
// the same repository interfaces as the durable implementations.
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*models.Run
	settings map[string]*models.Setting
	listings map[string]*models.ExternalListing // keyed by hash
	captcha  *models.CaptchaNotification

	// Now is the clock; tests override it to steer TTL behavior.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[uuid.UUID]*models.Run),
		settings: make(map[string]*models.Setting),
		listings: make(map[string]*models.ExternalListing),
		Now:      time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

// =============================================================================
// Runs
// =============================================================================

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	cp.LastActivityAt = run.StartedAt
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ActivateRun(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status != models.RunStatusPending {
		return false, nil
	}
	for _, other := range s.runs {
		if other.Status == models.RunStatusRunning {
			return false, nil
		}
	}

	now := s.Now()
	run.Status = models.RunStatusRunning
	run.StartedAt = now
	run.LastActivityAt = now
	return true, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) AdvanceRun(ctx context.Context, id uuid.UUID, progress float64, step, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status != models.RunStatusRunning {
		return false, nil
	}
	if progress > run.Progress {
		run.Progress = progress
	}
	run.CurrentStep = step
	run.CurrentMessage = message
	run.LastActivityAt = s.Now()
	return true, nil
}

func (s *MemoryStore) AppendRunLog(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status.Terminal() {
		return false, nil
	}
	run.RawLog += text
	run.LastActivityAt = s.Now()
	return true, nil
}

func (s *MemoryStore) UpdateRunTotals(ctx context.Context, id uuid.UUID, totals RunTotals) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status != models.RunStatusRunning {
		return false, nil
	}
	run.TotalCollected = totals.TotalCollected
	run.CreatedCount = totals.CreatedCount
	run.UpdatedCount = totals.UpdatedCount
	run.LastActivityAt = s.Now()
	return true, nil
}

func (s *MemoryStore) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string, totals RunTotals) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status != models.RunStatusRunning {
		return false, nil
	}

	now := s.Now()
	run.Status = status
	run.ErrorMessage = errorMessage
	if status == models.RunStatusSuccess {
		run.Progress = 1.0
	}
	run.TotalCollected = totals.TotalCollected
	run.CreatedCount = totals.CreatedCount
	run.UpdatedCount = totals.UpdatedCount
	run.FinishedAt = &now
	run.LastActivityAt = now
	return true, nil
}

func (s *MemoryStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []models.Run
	for _, run := range s.runs {
		if run.Status == models.RunStatusRunning && run.LastActivityAt.Before(cutoff) {
			stale = append(stale, *run)
		}
	}
	return stale, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	return nil
}

func (s *MemoryStore) DeleteAllRuns(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = make(map[uuid.UUID]*models.Run)
	return nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	setting, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	cp := *setting
	return &cp, nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = &models.Setting{Key: key, Value: value, UpdatedAt: s.Now()}
	return nil
}

func (s *MemoryStore) ListSettings(ctx context.Context) ([]models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := make([]models.Setting, 0, len(s.settings))
	for _, setting := range s.settings {
		settings = append(settings, *setting)
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings, nil
}

// =============================================================================
// External listings
// =============================================================================

func (s *MemoryStore) UpsertListing(ctx context.Context, l *models.ExternalListing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.listings[l.Hash]
	if !ok {
		cp := *l
		cp.CreatedAt = l.ScrapedAt
		s.listings[l.Hash] = &cp
		l.CreatedAt = cp.CreatedAt
		return true, nil
	}

	existing.SourceID = l.SourceID
	existing.URL = l.URL
	existing.Title = l.Title
	existing.Description = l.Description
	existing.City = l.City
	existing.Budget = l.Budget
	existing.RoomCount = l.RoomCount
	existing.SurfaceArea = l.SurfaceArea
	existing.Photos = l.Photos
	if l.PostedAt != nil {
		existing.PostedAt = l.PostedAt
	}
	existing.ScrapedAt = l.ScrapedAt
	l.ID = existing.ID
	l.CreatedAt = existing.CreatedAt
	return false, nil
}

func (s *MemoryStore) GetListingByHash(ctx context.Context, hash string) (*models.ExternalListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[hash]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) CountListings(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.listings), nil
}

func (s *MemoryStore) ListUnarchivedListings(ctx context.Context, limit int) ([]models.ExternalListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var listings []models.ExternalListing
	for _, l := range s.listings {
		if l.PhotosArchivedAt == nil && len(l.Photos) > 0 {
			listings = append(listings, *l)
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].CreatedAt.Before(listings[j].CreatedAt) })
	if limit > 0 && len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, nil
}

func (s *MemoryStore) MarkPhotosArchived(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listings {
		if l.ID == id {
			l.PhotosArchivedAt = &at
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DeleteAllListings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listings = make(map[string]*models.ExternalListing)
	return nil
}

// =============================================================================
// Captcha notifications
// =============================================================================

func (s *MemoryStore) SaveCaptcha(ctx context.Context, n *models.CaptchaNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	s.captcha = &cp
	return nil
}

func (s *MemoryStore) GetCaptcha(ctx context.Context) (*models.CaptchaNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captcha == nil {
		return nil, nil
	}
	cp := *s.captcha
	return &cp, nil
}

func (s *MemoryStore) DeleteCaptcha(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.captcha = nil
	return nil
}
