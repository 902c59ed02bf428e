package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"lbc_ingest/settings"
)

func TestWaitDisabledIsImmediate(t *testing.T) {
	gate := NewGate(nil)
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("sleep should not be called when rotation is disabled")
		return nil
	}

	snap := settings.Defaults()
	snap.RotateIP = false
	if err := gate.Wait(context.Background(), snap); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitUsesConfiguredWindow(t *testing.T) {
	var slept time.Duration
	gate := NewGate(nil)
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	snap := settings.Defaults()
	snap.RotateIP = true
	snap.RotationWaitSeconds = 45
	if err := gate.Wait(context.Background(), snap); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if slept != 45*time.Second {
		t.Fatalf("slept %s, want 45s", slept)
	}
}

func TestWaitCancelled(t *testing.T) {
	gate := NewGate(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := settings.Defaults()
	snap.RotateIP = true
	snap.RotationWaitSeconds = 300

	err := gate.Wait(ctx, snap)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
