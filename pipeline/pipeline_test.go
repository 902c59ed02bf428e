package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"lbc_ingest/captcha"
	"lbc_ingest/collector"
	"lbc_ingest/ingest"
	"lbc_ingest/models"
	"lbc_ingest/rotation"
	"lbc_ingest/runs"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

type fakeCollector struct {
	batches      [][]models.RawListing
	finalErr     error
	afterBatch   func(i int)
	emitFailures []error
}

func (f *fakeCollector) ID() string { return "fake" }

func (f *fakeCollector) Collect(ctx context.Context, snap *settings.Snapshot, emit func([]models.RawListing) error) error {
	for i, batch := range f.batches {
		if err := emit(batch); err != nil {
			f.emitFailures = append(f.emitFailures, err)
			return err
		}
		if f.afterBatch != nil {
			f.afterBatch(i)
		}
	}
	return f.finalErr
}

func listing(sourceID string) models.RawListing {
	return models.RawListing{
		Source:   "lbc",
		SourceID: sourceID,
		URL:      "https://www.leboncoin.fr/colocations/" + sourceID + ".htm",
		Title:    "Chambre en colocation",
		City:     "Lyon",
		Budget:   540,
	}
}

func newPipeline(store *storage.MemoryStore, coll collector.Collector) (*Pipeline, *runs.Manager, *captcha.Channel) {
	runManager := runs.NewManager(store)
	channel := captcha.NewChannel(store, runManager)
	p := New(store, runManager, channel, rotation.NewGate(nil), ingest.NewEngine(store), coll)
	return p, runManager, channel
}

func setToken(t *testing.T, store *storage.MemoryStore, token string) {
	t.Helper()
	if err := store.SetSetting(context.Background(), settings.KeyAntiBotToken, &token); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
}

func TestExecuteSuccessAndReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	setToken(t, store, "dd-tok")
	ctx := context.Background()

	batch := []models.RawListing{listing("900001"), listing("900002"), listing("900003")}

	p, runManager, _ := newPipeline(store, &fakeCollector{batches: [][]models.RawListing{batch}})
	firstID, err := p.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	first, err := runManager.Get(ctx, firstID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Status != models.RunStatusSuccess {
		t.Fatalf("status = %s, want success (%s)", first.Status, first.ErrorMessage)
	}
	if first.Progress != 1.0 {
		t.Fatalf("progress = %f, want 1.0", first.Progress)
	}
	if first.TotalCollected != 3 || first.CreatedCount != 3 || first.UpdatedCount != 0 {
		t.Fatalf("totals = %d/%d/%d, want 3/3/0", first.TotalCollected, first.CreatedCount, first.UpdatedCount)
	}
	if !strings.Contains(first.RawLog, "3 created") {
		t.Fatalf("raw log missing batch line: %q", first.RawLog)
	}

	// Replaying the identical batch must update, never duplicate.
	p2, runManager2, _ := newPipeline(store, &fakeCollector{batches: [][]models.RawListing{batch}})
	secondID, err := p2.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second, _ := runManager2.Get(ctx, secondID)
	if second.TotalCollected != 3 || second.CreatedCount != 0 || second.UpdatedCount != 3 {
		t.Fatalf("replay totals = %d/%d/%d, want 3/0/3", second.TotalCollected, second.CreatedCount, second.UpdatedCount)
	}
	count, _ := store.CountListings(ctx)
	if count != 3 {
		t.Fatalf("listing count = %d, want 3", count)
	}
}

func TestExecuteConflictWhileRunning(t *testing.T) {
	store := storage.NewMemoryStore()
	setToken(t, store, "dd-tok")
	ctx := context.Background()

	p, runManager, _ := newPipeline(store, &fakeCollector{})
	if _, err := runManager.Start(ctx, settings.Defaults()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := p.Execute(ctx)
	if !errors.Is(err, runs.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestExecuteChallengeRaisesCaptcha(t *testing.T) {
	store := storage.NewMemoryStore()
	setToken(t, store, "dd-tok")
	ctx := context.Background()

	coll := &fakeCollector{
		batches:  [][]models.RawListing{{listing("930001"), listing("930002")}},
		finalErr: &collector.ChallengeError{ChallengeType: "datadome", Details: "marker captcha-delivery.com"},
	}
	p, runManager, channel := newPipeline(store, coll)

	runID, err := p.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	run, _ := runManager.Get(ctx, runID)
	if run.Status != models.RunStatusCaptchaDetected {
		t.Fatalf("status = %s, want captcha_detected", run.Status)
	}
	if run.TotalCollected != 2 || run.CreatedCount != 2 || run.UpdatedCount != 0 {
		t.Fatalf("tallies lost on the blocked run: %d/%d/%d, want 2/2/0",
			run.TotalCollected, run.CreatedCount, run.UpdatedCount)
	}

	notification, err := channel.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if notification == nil {
		t.Fatal("expected a pending captcha notification")
	}
	if notification.ChallengeType != "datadome" {
		t.Fatalf("challenge type = %q", notification.ChallengeType)
	}
	if notification.RunID == nil || *notification.RunID != runID {
		t.Fatal("notification not linked to the run")
	}
}

func TestExecuteAbortBetweenBatches(t *testing.T) {
	store := storage.NewMemoryStore()
	setToken(t, store, "dd-tok")
	ctx := context.Background()

	coll := &fakeCollector{
		batches: [][]models.RawListing{
			{listing("910001")},
			{listing("910002")},
		},
	}
	p, runManager, _ := newPipeline(store, coll)

	coll.afterBatch = func(i int) {
		if i != 0 {
			return
		}
		active, err := runManager.List(ctx, 1)
		if err != nil || len(active) == 0 {
			t.Errorf("could not find active run: %v", err)
			return
		}
		if err := runManager.Abort(ctx, active[0].ID); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	id, err := p.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	run, _ := runManager.Get(ctx, id)
	if run.Status != models.RunStatusAborted {
		t.Fatalf("status = %s, want aborted", run.Status)
	}
	if run.TotalCollected != 1 || run.CreatedCount != 1 {
		t.Fatalf("tallies lost on abort: %d/%d, want 1/1",
			run.TotalCollected, run.CreatedCount)
	}
	count, _ := store.CountListings(ctx)
	if count != 1 {
		t.Fatalf("listing count = %d, want 1 (second batch skipped)", count)
	}
}

func TestExecuteWithoutTokenFails(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	p, runManager, _ := newPipeline(store, &fakeCollector{batches: [][]models.RawListing{{listing("920001")}}})
	id, err := p.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	run, _ := runManager.Get(ctx, id)
	if run.Status != models.RunStatusError {
		t.Fatalf("status = %s, want error", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "token") {
		t.Fatalf("error message = %q", run.ErrorMessage)
	}
	count, _ := store.CountListings(ctx)
	if count != 0 {
		t.Fatalf("listing count = %d, want 0", count)
	}
}
