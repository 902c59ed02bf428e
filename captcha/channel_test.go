package captcha

import (
	"context"
	"testing"
	"time"

	"lbc_ingest/models"
	"lbc_ingest/runs"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

func newChannel(t *testing.T) (*Channel, *runs.Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	manager := runs.NewManager(store)
	return NewChannel(store, manager), manager, store
}

func TestRaiseAndPeek(t *testing.T) {
	c, _, _ := newChannel(t)
	ctx := context.Background()

	if err := c.Raise(ctx, nil, "datadome", "geo.captcha-delivery.com interstitial", storage.RunTotals{}); err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	n, err := c.Peek(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if n == nil {
		t.Fatal("expected a notification")
	}
	if n.ChallengeType != "datadome" {
		t.Fatalf("unexpected challenge type %s", n.ChallengeType)
	}
}

func TestRaiseOverwritesPrevious(t *testing.T) {
	c, _, _ := newChannel(t)
	ctx := context.Background()

	c.Raise(ctx, nil, "datadome", "first", storage.RunTotals{})
	c.Raise(ctx, nil, "recaptcha", "second", storage.RunTotals{})

	n, _ := c.Peek(ctx)
	if n == nil || n.ChallengeType != "recaptcha" || n.Details != "second" {
		t.Fatalf("expected latest notification, got %+v", n)
	}
}

func TestTTLExpiry(t *testing.T) {
	c, _, _ := newChannel(t)
	ctx := context.Background()

	raisedAt := time.Now()
	c.now = func() time.Time { return raisedAt }
	if err := c.Raise(ctx, nil, "datadome", "", storage.RunTotals{}); err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	// Nine minutes later the notification is still visible.
	c.now = func() time.Time { return raisedAt.Add(9 * time.Minute) }
	n, err := c.Peek(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if n == nil {
		t.Fatal("notification should still be present at T+9m")
	}

	// Eleven minutes later it reads as absent and is deleted.
	c.now = func() time.Time { return raisedAt.Add(11 * time.Minute) }
	n, err = c.Peek(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if n != nil {
		t.Fatal("notification should have expired at T+11m")
	}

	// The lazy delete is durable: a fresh peek inside the window that
	// would otherwise be valid still finds nothing.
	c.now = func() time.Time { return raisedAt.Add(12 * time.Minute) }
	if n, _ := c.Peek(ctx); n != nil {
		t.Fatal("expired notification reappeared")
	}
}

func TestClear(t *testing.T) {
	c, _, _ := newChannel(t)
	ctx := context.Background()

	c.Raise(ctx, nil, "datadome", "", storage.RunTotals{})
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n, _ := c.Peek(ctx); n != nil {
		t.Fatal("expected no notification after clear")
	}
}

func TestRaiseDrivesRunToCaptchaDetected(t *testing.T) {
	c, manager, _ := newChannel(t)
	ctx := context.Background()

	id, err := manager.Start(ctx, &settings.Snapshot{SearchURL: "https://example.com"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := c.Raise(ctx, &id, "datadome", "slider challenge", storage.RunTotals{TotalCollected: 40, CreatedCount: 25, UpdatedCount: 15}); err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	run, _ := manager.Get(ctx, id)
	if run.Status != models.RunStatusCaptchaDetected {
		t.Fatalf("expected captcha_detected, got %s", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Fatal("expected an error message on the blocked run")
	}
	if run.FinishedAt == nil {
		t.Fatal("captcha_detected is terminal, expected finished_at")
	}
	if run.TotalCollected != 40 || run.CreatedCount != 25 || run.UpdatedCount != 15 {
		t.Fatalf("tallies lost on the blocked run: %d/%d/%d",
			run.TotalCollected, run.CreatedCount, run.UpdatedCount)
	}
}
