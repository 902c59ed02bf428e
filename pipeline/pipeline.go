// Package pipeline drives one ingestion run end to end: settings
// resolution, run bookkeeping, the rotation gate, collection and the
// idempotent merge. Every started run ends in a terminal state, even
// when collection blows up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"lbc_ingest/captcha"
	"lbc_ingest/collector"
	"lbc_ingest/ingest"
	"lbc_ingest/models"
	"lbc_ingest/rotation"
	"lbc_ingest/runs"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

// errRunEnded signals that the run reached a terminal state out from
// under the pipeline (an abort, or a challenge notification).
var errRunEnded = errors.New("run ended externally")

type Pipeline struct {
	settingStore storage.SettingStore
	runs         *runs.Manager
	captcha      *captcha.Channel
	gate         *rotation.Gate
	engine       *ingest.Engine
	collector    collector.Collector
}

func New(settingStore storage.SettingStore, runManager *runs.Manager, captchaChannel *captcha.Channel, gate *rotation.Gate, engine *ingest.Engine, coll collector.Collector) *Pipeline {
	return &Pipeline{
		settingStore: settingStore,
		runs:         runManager,
		captcha:      captchaChannel,
		gate:         gate,
		engine:       engine,
		collector:    coll,
	}
}

// Execute performs one full ingestion run and returns its ID. It
// returns runs.ErrConflict when another run already holds the slot;
// any failure after the run started is recorded on the run itself, not
// returned.
func (p *Pipeline) Execute(ctx context.Context) (uuid.UUID, error) {
	snap, err := settings.Resolve(ctx, p.settingStore)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve settings: %w", err)
	}

	runID, err := p.runs.Start(ctx, snap)
	if err != nil {
		return uuid.Nil, err
	}

	log.Printf("Run %s started (%s, max %d pages)", runID, p.collector.ID(), snap.MaxPages)
	p.drive(ctx, runID, snap)
	return runID, nil
}

// ExecuteAsync starts a run and drives it in the background. The
// conflict check still happens synchronously, so callers get
// runs.ErrConflict before any goroutine is spawned. The driving
// context is detached from the caller's, which is typically an HTTP
// request that ends long before the run does.
func (p *Pipeline) ExecuteAsync(ctx context.Context) (uuid.UUID, error) {
	snap, err := settings.Resolve(ctx, p.settingStore)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve settings: %w", err)
	}

	runID, err := p.runs.Start(ctx, snap)
	if err != nil {
		return uuid.Nil, err
	}

	log.Printf("Run %s started in background (%s, max %d pages)", runID, p.collector.ID(), snap.MaxPages)
	go p.drive(context.WithoutCancel(ctx), runID, snap)
	return runID, nil
}

// drive moves the run to a terminal state. Bookkeeping failures along
// the way are logged, not fatal; the run record is best effort once the
// real work has an outcome.
func (p *Pipeline) drive(ctx context.Context, runID uuid.UUID, snap *settings.Snapshot) {
	totals := storage.RunTotals{}

	err := p.collect(ctx, runID, snap, &totals)
	switch {
	case err == nil:
		p.complete(ctx, runID, models.RunStatusSuccess, "", totals)

	case errors.Is(err, errRunEnded):
		// Aborted or challenge-completed; nothing left to record.

	case isChallenge(err):
		var challenge *collector.ChallengeError
		errors.As(err, &challenge)
		log.Printf("Run %s hit %s challenge: %s", runID, challenge.ChallengeType, challenge.Details)
		if raiseErr := p.captcha.Raise(ctx, &runID, challenge.ChallengeType, challenge.Details, totals); raiseErr != nil {
			log.Printf("Warning: could not raise captcha notification: %v", raiseErr)
			p.complete(ctx, runID, models.RunStatusCaptchaDetected, challenge.Error(), totals)
		}

	default:
		log.Printf("Run %s failed: %v", runID, err)
		p.complete(ctx, runID, models.RunStatusError, err.Error(), totals)
	}
}

func (p *Pipeline) collect(ctx context.Context, runID uuid.UUID, snap *settings.Snapshot, totals *storage.RunTotals) error {
	p.advance(ctx, runID, 0.02, "rotation", "waiting for IP rotation")
	if err := p.gate.Wait(ctx, snap); err != nil {
		return fmt.Errorf("rotation gate: %w", err)
	}

	if snap.AntiBotToken == "" {
		return errors.New("no anti-bot token captured; run a token capture first")
	}

	p.advance(ctx, runID, 0.1, "collecting", "fetching result pages")

	page := 0
	err := p.collector.Collect(ctx, snap, func(batch []models.RawListing) error {
		if ended, err := p.runEnded(ctx, runID); err != nil {
			return err
		} else if ended {
			return errRunEnded
		}

		stats, err := p.engine.IngestBatch(ctx, batch, snap.IngestWorkers)
		totals.TotalCollected += len(batch)
		totals.CreatedCount += stats.Created
		totals.UpdatedCount += stats.Updated
		p.persistTotals(ctx, runID, *totals)
		if err != nil {
			return err
		}

		page++
		progress := 0.1 + 0.85*float64(page)/float64(snap.MaxPages)
		message := fmt.Sprintf("page %d: %d collected, %d created, %d updated", page, len(batch), stats.Created, stats.Updated)
		p.advance(ctx, runID, progress, "ingesting", message)
		p.appendLog(ctx, runID, message)
		return nil
	})
	if err != nil {
		return err
	}

	p.advance(ctx, runID, 0.95, "finalizing", fmt.Sprintf("collected %d listings", totals.TotalCollected))
	return nil
}

// runEnded reports whether the run was moved to a terminal state by
// someone else, typically an abort request between batches.
func (p *Pipeline) runEnded(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := p.runs.Get(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("check run state: %w", err)
	}
	return run.Status.Terminal(), nil
}

func (p *Pipeline) advance(ctx context.Context, runID uuid.UUID, progress float64, step, message string) {
	if err := p.runs.Advance(ctx, runID, progress, step, message); err != nil && !errors.Is(err, runs.ErrTerminal) {
		log.Printf("Warning: could not advance run %s: %v", runID, err)
	}
}

// persistTotals keeps the run record's tallies current so an abort or
// challenge completion carries them instead of zeros.
func (p *Pipeline) persistTotals(ctx context.Context, runID uuid.UUID, totals storage.RunTotals) {
	if err := p.runs.UpdateTotals(ctx, runID, totals); err != nil && !errors.Is(err, runs.ErrTerminal) {
		log.Printf("Warning: could not persist totals for run %s: %v", runID, err)
	}
}

func (p *Pipeline) appendLog(ctx context.Context, runID uuid.UUID, line string) {
	if err := p.runs.AppendLog(ctx, runID, line); err != nil && !errors.Is(err, runs.ErrTerminal) {
		log.Printf("Warning: could not append to run %s log: %v", runID, err)
	}
}

func (p *Pipeline) complete(ctx context.Context, runID uuid.UUID, status models.RunStatus, message string, totals storage.RunTotals) {
	if err := p.runs.Complete(ctx, runID, status, message, totals); err != nil && !errors.Is(err, runs.ErrTerminal) {
		log.Printf("Warning: could not complete run %s: %v", runID, err)
	}
}

func isChallenge(err error) bool {
	var challenge *collector.ChallengeError
	return errors.As(err, &challenge)
}
