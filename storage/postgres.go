package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"lbc_ingest/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		current_message TEXT NOT NULL DEFAULT '',
		config JSONB,
		raw_log TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		total_collected INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		last_activity_at TIMESTAMPTZ NOT NULL,
		CHECK (status IN ('pending','running','success','error','aborted','captcha_detected'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS runs_single_active
		ON runs ((1)) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS external_listings (
		id UUID PRIMARY KEY,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		budget INTEGER NOT NULL DEFAULT 0,
		room_count INTEGER NOT NULL DEFAULT 0,
		surface_area INTEGER NOT NULL DEFAULT 0,
		photos JSONB NOT NULL DEFAULT '[]',
		posted_at TIMESTAMPTZ,
		hash TEXT NOT NULL UNIQUE,
		scraped_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		photos_archived_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS captcha_notifications (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		challenge_type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		run_id UUID,
		raised_at TIMESTAMPTZ NOT NULL
	);`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, status, progress, current_step, current_message, config,
	raw_log, error_message, total_collected, created_count, updated_count,
	started_at, finished_at, last_activity_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, status, config, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $4)`

	_, err := s.pool.Exec(ctx, query, run.ID, run.Status, run.Config, run.StartedAt)
	return err
}

func (s *PostgresStore) ActivateRun(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE runs SET status = 'running', started_at = NOW(), last_activity_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM runs WHERE status = 'running')`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		// Two activations can pass the NOT EXISTS check in the same
		// instant; the partial unique index breaks the tie.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) AdvanceRun(ctx context.Context, id uuid.UUID, progress float64, step, message string) (bool, error) {
	query := `
		UPDATE runs SET
			progress = GREATEST(progress, $2),
			current_step = $3,
			current_message = $4,
			last_activity_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, query, id, progress, step, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendRunLog(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	query := `
		UPDATE runs SET raw_log = raw_log || $2, last_activity_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := s.pool.Exec(ctx, query, id, text)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateRunTotals(ctx context.Context, id uuid.UUID, totals RunTotals) (bool, error) {
	query := `
		UPDATE runs SET
			total_collected = $2,
			created_count = $3,
			updated_count = $4,
			last_activity_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, query, id, totals.TotalCollected, totals.CreatedCount, totals.UpdatedCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string, totals RunTotals) (bool, error) {
	query := `
		UPDATE runs SET
			status = $2,
			error_message = $3,
			progress = CASE WHEN $2 = 'success' THEN 1.0 ELSE progress END,
			total_collected = $4,
			created_count = $5,
			updated_count = $6,
			finished_at = NOW(),
			last_activity_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, query, id, status, errorMessage,
		totals.TotalCollected, totals.CreatedCount, totals.UpdatedCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = 'running' AND last_activity_at < $1`

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteAllRuns(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runs`)
	return err
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	err := row.Scan(
		&r.ID, &r.Status, &r.Progress, &r.CurrentStep, &r.CurrentMessage, &r.Config,
		&r.RawLog, &r.ErrorMessage, &r.TotalCollected, &r.CreatedCount, &r.UpdatedCount,
		&r.StartedAt, &r.FinishedAt, &r.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	query := `SELECT key, value, updated_at FROM settings WHERE key = $1`

	var setting models.Setting
	err := s.pool.QueryRow(ctx, query, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key string, value *string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, key, value)
	return err
}

func (s *PostgresStore) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
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

const listingColumns = `id, source, source_id, url, title, description, city,
	budget, room_count, surface_area, photos, posted_at, hash, scraped_at,
	created_at, photos_archived_at`

func (s *PostgresStore) UpsertListing(ctx context.Context, l *models.ExternalListing) (bool, error) {
	photos, err := json.Marshal(photosOrEmpty(l.Photos))
	if err != nil {
		return false, fmt.Errorf("marshal photos: %w", err)
	}

	query := `
		INSERT INTO external_listings (
			id, source, source_id, url, title, description, city,
			budget, room_count, surface_area, photos, posted_at, hash,
			scraped_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (hash) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			city = EXCLUDED.city,
			budget = EXCLUDED.budget,
			room_count = EXCLUDED.room_count,
			surface_area = EXCLUDED.surface_area,
			photos = EXCLUDED.photos,
			posted_at = COALESCE(EXCLUDED.posted_at, external_listings.posted_at),
			scraped_at = EXCLUDED.scraped_at
		RETURNING id, created_at, (xmax = 0)`

	var created bool
	err = s.pool.QueryRow(ctx, query,
		l.ID, l.Source, l.SourceID, l.URL, l.Title, l.Description, l.City,
		l.Budget, l.RoomCount, l.SurfaceArea, photos, l.PostedAt, l.Hash,
		l.ScrapedAt,
	).Scan(&l.ID, &l.CreatedAt, &created)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *PostgresStore) GetListingByHash(ctx context.Context, hash string) (*models.ExternalListing, error) {
	query := `SELECT ` + listingColumns + ` FROM external_listings WHERE hash = $1`

	l, err := scanListing(s.pool.QueryRow(ctx, query, hash))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) CountListings(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM external_listings`).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListUnarchivedListings(ctx context.Context, limit int) ([]models.ExternalListing, error) {
	query := `
		SELECT ` + listingColumns + ` FROM external_listings
		WHERE photos_archived_at IS NULL AND photos != '[]'
		ORDER BY created_at
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.ExternalListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) MarkPhotosArchived(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE external_listings SET photos_archived_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) DeleteAllListings(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM external_listings`)
	return err
}

func scanListing(row pgx.Row) (*models.ExternalListing, error) {
	var l models.ExternalListing
	var photos []byte
	err := row.Scan(
		&l.ID, &l.Source, &l.SourceID, &l.URL, &l.Title, &l.Description, &l.City,
		&l.Budget, &l.RoomCount, &l.SurfaceArea, &photos, &l.PostedAt, &l.Hash,
		&l.ScrapedAt, &l.CreatedAt, &l.PhotosArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &l.Photos); err != nil {
			return nil, fmt.Errorf("unmarshal photos: %w", err)
		}
	}
	return &l, nil
}

func photosOrEmpty(photos []string) []string {
	if photos == nil {
		return []string{}
	}
	return photos
}

// =============================================================================
// Captcha notifications
// =============================================================================

func (s *PostgresStore) SaveCaptcha(ctx context.Context, n *models.CaptchaNotification) error {
	query := `
		INSERT INTO captcha_notifications (id, challenge_type, details, run_id, raised_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			challenge_type = EXCLUDED.challenge_type,
			details = EXCLUDED.details,
			run_id = EXCLUDED.run_id,
			raised_at = EXCLUDED.raised_at`

	_, err := s.pool.Exec(ctx, query, n.ChallengeType, n.Details, n.RunID, n.RaisedAt)
	return err
}

func (s *PostgresStore) GetCaptcha(ctx context.Context) (*models.CaptchaNotification, error) {
	query := `SELECT challenge_type, details, run_id, raised_at FROM captcha_notifications WHERE id = 1`

	var n models.CaptchaNotification
	err := s.pool.QueryRow(ctx, query).Scan(&n.ChallengeType, &n.Details, &n.RunID, &n.RaisedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) DeleteCaptcha(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM captcha_notifications WHERE id = 1`)
	return err
}
