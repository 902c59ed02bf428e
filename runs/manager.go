// Package runs owns the state machine for ingestion executions:
// pending -> running -> exactly one terminal state, with at most one
// run running at any time.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"lbc_ingest/models"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

var (
	// ErrConflict is returned by Start while another run is running.
	ErrConflict = errors.New("another run is already active")
	// ErrTerminal is returned for mutations on a finished run.
	ErrTerminal = errors.New("run is in a terminal state")
	// ErrNotActive is returned for mutations on a run that was created
	// but never claimed the active slot.
	ErrNotActive = errors.New("run is not active")
	ErrNotFound  = errors.New("run not found")
)

type Manager struct {
	store storage.RunStore
}

func NewManager(store storage.RunStore) *Manager {
	return &Manager{store: store}
}

// Start creates a run with the given config snapshot and claims the
// single active slot. The snapshot is frozen here; the run never
// re-reads the live settings store.
func (m *Manager) Start(ctx context.Context, snapshot *settings.Snapshot) (uuid.UUID, error) {
	raw, err := snapshot.JSON()
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode config snapshot: %w", err)
	}

	run := &models.Run{
		ID:        uuid.New(),
		Status:    models.RunStatusPending,
		Config:    raw,
		StartedAt: time.Now(),
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}

	activated, err := m.store.ActivateRun(ctx, run.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("activate run: %w", err)
	}
	if !activated {
		// Lost the race for the active slot; drop the stillborn row.
		if err := m.store.DeleteRun(ctx, run.ID); err != nil {
			log.Printf("Warning: failed to clean up conflicted run %s: %v", run.ID, err)
		}
		return uuid.Nil, ErrConflict
	}

	return run.ID, nil
}

// Advance reports pipeline progress. Progress is clamped monotonic: a
// value below the last recorded one keeps the recorded value.
func (m *Manager) Advance(ctx context.Context, id uuid.UUID, progress float64, step, message string) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("progress %f out of range [0,1]", progress)
	}

	ok, err := m.store.AdvanceRun(ctx, id, progress, step, message)
	if err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	if !ok {
		return m.mutationFailure(ctx, id)
	}
	return nil
}

// AppendLog adds diagnostic text to the run's raw log.
func (m *Manager) AppendLog(ctx context.Context, id uuid.UUID, text string) error {
	if text == "" {
		return nil
	}
	if text[len(text)-1] != '\n' {
		text += "\n"
	}

	ok, err := m.store.AppendRunLog(ctx, id, text)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	if !ok {
		return m.mutationFailure(ctx, id)
	}
	return nil
}

// UpdateTotals persists the tallies accumulated so far. Keeping them on
// the run record means a completion that happens elsewhere, an abort or
// a challenge, carries the real counts instead of zeros.
func (m *Manager) UpdateTotals(ctx context.Context, id uuid.UUID, totals storage.RunTotals) error {
	ok, err := m.store.UpdateRunTotals(ctx, id, totals)
	if err != nil {
		return fmt.Errorf("update run totals: %w", err)
	}
	if !ok {
		return m.mutationFailure(ctx, id)
	}
	return nil
}

// Complete moves a running run into the given terminal state. Error and
// captcha_detected outcomes require a non-empty error message. Progress
// is frozen, or forced to 1.0 on success.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string, totals storage.RunTotals) error {
	if !status.Terminal() {
		return fmt.Errorf("%s is not a terminal status", status)
	}
	if errorMessage == "" && (status == models.RunStatusError || status == models.RunStatusCaptchaDetected) {
		return fmt.Errorf("outcome %s requires an error message", status)
	}

	ok, err := m.store.CompleteRun(ctx, id, status, errorMessage, totals)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if !ok {
		return m.mutationFailure(ctx, id)
	}
	return nil
}

// Abort is the voluntary operator-initiated stop. The collector polls
// run status between batches and stops ingesting once it observes it.
// The tallies persisted so far survive the abort.
func (m *Manager) Abort(ctx context.Context, id uuid.UUID) error {
	run, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.Complete(ctx, id, models.RunStatusAborted, "", storage.RunTotals{
		TotalCollected: run.TotalCollected,
		CreatedCount:   run.CreatedCount,
		UpdatedCount:   run.UpdatedCount,
	})
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]models.Run, error) {
	return m.store.ListRuns(ctx, limit)
}

// ReapStale force-fails running runs with no advance/append activity
// inside the staleness window. Without this a crashed collector leaves
// a running row that blocks every future start.
func (m *Manager) ReapStale(ctx context.Context, window time.Duration) (int, error) {
	stale, err := m.store.StaleRunning(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("find stale runs: %w", err)
	}

	reaped := 0
	for _, run := range stale {
		msg := fmt.Sprintf("watchdog: no activity for more than %s, run presumed dead", window)
		ok, err := m.store.CompleteRun(ctx, run.ID, models.RunStatusError, msg, storage.RunTotals{
			TotalCollected: run.TotalCollected,
			CreatedCount:   run.CreatedCount,
			UpdatedCount:   run.UpdatedCount,
		})
		if err != nil {
			log.Printf("Warning: failed to reap stale run %s: %v", run.ID, err)
			continue
		}
		if ok {
			log.Printf("Reaped stale run %s", run.ID)
			reaped++
		}
	}
	return reaped, nil
}

// mutationFailure explains why a conditional write matched nothing:
// the run is gone, still pending, or already terminal.
func (m *Manager) mutationFailure(ctx context.Context, id uuid.UUID) error {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrTerminal
	}
	return ErrNotActive
}
