package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"lbc_ingest/models"
)

// SQLiteStore implements the same repositories as PostgresStore for
// single-host deployments where running Postgres is overkill.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		current_message TEXT NOT NULL DEFAULT '',
		config JSON,
		raw_log TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		total_collected INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		last_activity_at DATETIME NOT NULL,
		CHECK (status IN ('pending','running','success','error','aborted','captcha_detected'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS runs_single_active
		ON runs (status) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS external_listings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		budget INTEGER NOT NULL DEFAULT 0,
		room_count INTEGER NOT NULL DEFAULT 0,
		surface_area INTEGER NOT NULL DEFAULT 0,
		photos JSON NOT NULL DEFAULT '[]',
		posted_at DATETIME,
		hash TEXT NOT NULL UNIQUE,
		scraped_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		photos_archived_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS captcha_notifications (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		challenge_type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		run_id TEXT,
		raised_at DATETIME NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, status, config, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(), string(run.Status), []byte(run.Config), run.StartedAt, run.StartedAt)
	return err
}

func (s *SQLiteStore) ActivateRun(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE runs SET status = 'running', started_at = ?, last_activity_at = ?
		WHERE id = ? AND status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM runs WHERE status = 'running')`

	now := time.Now()
	res, err := s.db.ExecContext(ctx, query, now, now, id.String())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRunSQL(s.db.QueryRowContext(ctx, query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRunSQL(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AdvanceRun(ctx context.Context, id uuid.UUID, progress float64, step, message string) (bool, error) {
	query := `
		UPDATE runs SET
			progress = MAX(progress, ?),
			current_step = ?,
			current_message = ?,
			last_activity_at = ?
		WHERE id = ? AND status = 'running'`

	res, err := s.db.ExecContext(ctx, query, progress, step, message, time.Now(), id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) AppendRunLog(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	query := `
		UPDATE runs SET raw_log = raw_log || ?, last_activity_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`

	res, err := s.db.ExecContext(ctx, query, text, time.Now(), id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) UpdateRunTotals(ctx context.Context, id uuid.UUID, totals RunTotals) (bool, error) {
	query := `
		UPDATE runs SET
			total_collected = ?,
			created_count = ?,
			updated_count = ?,
			last_activity_at = ?
		WHERE id = ? AND status = 'running'`

	res, err := s.db.ExecContext(ctx, query, totals.TotalCollected, totals.CreatedCount, totals.UpdatedCount, time.Now(), id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string, totals RunTotals) (bool, error) {
	query := `
		UPDATE runs SET
			status = ?,
			error_message = ?,
			progress = CASE WHEN ? = 'success' THEN 1.0 ELSE progress END,
			total_collected = ?,
			created_count = ?,
			updated_count = ?,
			finished_at = ?,
			last_activity_at = ?
		WHERE id = ? AND status = 'running'`

	now := time.Now()
	res, err := s.db.ExecContext(ctx, query,
		string(status), errorMessage, string(status),
		totals.TotalCollected, totals.CreatedCount, totals.UpdatedCount,
		now, now, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = 'running' AND last_activity_at < ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRunSQL(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id.String())
	return err
}

func (s *SQLiteStore) DeleteAllRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSQL(row rowScanner) (*models.Run, error) {
	var r models.Run
	var id string
	var config []byte
	err := row.Scan(
		&id, &r.Status, &r.Progress, &r.CurrentStep, &r.CurrentMessage, &config,
		&r.RawLog, &r.ErrorMessage, &r.TotalCollected, &r.CreatedCount, &r.UpdatedCount,
		&r.StartedAt, &r.FinishedAt, &r.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	r.Config = config
	return &r, nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	query := `SELECT key, value, updated_at FROM settings WHERE key = ?`

	var setting models.Setting
	err := s.db.QueryRowContext(ctx, query, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key string, value *string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

func (s *SQLiteStore) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var setting models.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// =============================================================================
// External listings
// =============================================================================

func (s *SQLiteStore) UpsertListing(ctx context.Context, l *models.ExternalListing) (bool, error) {
	photos, err := json.Marshal(photosOrEmpty(l.Photos))
	if err != nil {
		return false, fmt.Errorf("marshal photos: %w", err)
	}

	// SQLite has no equivalent of the xmax trick, so check-then-write.
	// WAL mode serializes writers, which keeps this safe enough here.
	existing, err := s.GetListingByHash(ctx, l.Hash)
	if err != nil {
		return false, err
	}

	if existing == nil {
		query := `
			INSERT INTO external_listings (
				id, source, source_id, url, title, description, city,
				budget, room_count, surface_area, photos, posted_at, hash,
				scraped_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := s.db.ExecContext(ctx, query,
			l.ID.String(), l.Source, l.SourceID, l.URL, l.Title, l.Description, l.City,
			l.Budget, l.RoomCount, l.SurfaceArea, string(photos), l.PostedAt, l.Hash,
			l.ScrapedAt, l.ScrapedAt)
		if err != nil {
			return false, err
		}
		l.CreatedAt = l.ScrapedAt
		return true, nil
	}

	query := `
		UPDATE external_listings SET
			source_id = ?, url = ?, title = ?, description = ?, city = ?,
			budget = ?, room_count = ?, surface_area = ?, photos = ?,
			posted_at = COALESCE(?, posted_at), scraped_at = ?
		WHERE hash = ?`

	_, err = s.db.ExecContext(ctx, query,
		l.SourceID, l.URL, l.Title, l.Description, l.City,
		l.Budget, l.RoomCount, l.SurfaceArea, string(photos),
		l.PostedAt, l.ScrapedAt, l.Hash)
	if err != nil {
		return false, err
	}
	l.ID = existing.ID
	l.CreatedAt = existing.CreatedAt
	return false, nil
}

func (s *SQLiteStore) GetListingByHash(ctx context.Context, hash string) (*models.ExternalListing, error) {
	query := `SELECT ` + listingColumns + ` FROM external_listings WHERE hash = ?`

	l, err := scanListingSQL(s.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLiteStore) CountListings(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_listings`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ListUnarchivedListings(ctx context.Context, limit int) ([]models.ExternalListing, error) {
	query := `
		SELECT ` + listingColumns + ` FROM external_listings
		WHERE photos_archived_at IS NULL AND photos != '[]'
		ORDER BY created_at
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.ExternalListing
	for rows.Next() {
		l, err := scanListingSQL(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *SQLiteStore) MarkPhotosArchived(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE external_listings SET photos_archived_at = ? WHERE id = ?`, at, id.String())
	return err
}

func (s *SQLiteStore) DeleteAllListings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM external_listings`)
	return err
}

func scanListingSQL(row rowScanner) (*models.ExternalListing, error) {
	var l models.ExternalListing
	var id string
	var photos []byte
	err := row.Scan(
		&id, &l.Source, &l.SourceID, &l.URL, &l.Title, &l.Description, &l.City,
		&l.Budget, &l.RoomCount, &l.SurfaceArea, &photos, &l.PostedAt, &l.Hash,
		&l.ScrapedAt, &l.CreatedAt, &l.PhotosArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	l.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse listing id: %w", err)
	}
	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &l.Photos); err != nil {
			return nil, fmt.Errorf("unmarshal photos: %w", err)
		}
	}
	return &l, nil
}

// =============================================================================
// Captcha notifications
// =============================================================================

func (s *SQLiteStore) SaveCaptcha(ctx context.Context, n *models.CaptchaNotification) error {
	query := `
		INSERT INTO captcha_notifications (id, challenge_type, details, run_id, raised_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			challenge_type = excluded.challenge_type,
			details = excluded.details,
			run_id = excluded.run_id,
			raised_at = excluded.raised_at`

	var runID *string
	if n.RunID != nil {
		v := n.RunID.String()
		runID = &v
	}
	_, err := s.db.ExecContext(ctx, query, n.ChallengeType, n.Details, runID, n.RaisedAt)
	return err
}

func (s *SQLiteStore) GetCaptcha(ctx context.Context) (*models.CaptchaNotification, error) {
	query := `SELECT challenge_type, details, run_id, raised_at FROM captcha_notifications WHERE id = 1`

	var n models.CaptchaNotification
	var runID *string
	err := s.db.QueryRowContext(ctx, query).Scan(&n.ChallengeType, &n.Details, &runID, &n.RaisedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if runID != nil {
		id, err := uuid.Parse(*runID)
		if err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		n.RunID = &id
	}
	return &n, nil
}

func (s *SQLiteStore) DeleteCaptcha(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM captcha_notifications WHERE id = 1`)
	return err
}
