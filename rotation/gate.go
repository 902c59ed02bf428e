// Package rotation implements the pre-run IP rotation pause. Rotation
// itself is performed by an operator (or an external VPN tool); the
// gate only holds the pipeline for a fixed window so the new exit IP is
// in place before the first request goes out.
package rotation

import (
	"context"
	"log"
	"os/exec"
	"strings"
	"time"

	"lbc_ingest/settings"
)

type Gate struct {
	// StatusCommand, when non-empty, is run before and after the wait
	// to surface the current VPN exit in the logs. Typically
	// {"expressvpnctl", "status"}.
	StatusCommand []string

	sleep func(ctx context.Context, d time.Duration) error
}

func NewGate(statusCommand []string) *Gate {
	return &Gate{
		StatusCommand: statusCommand,
		sleep:         sleepCtx,
	}
}

// Wait blocks for the configured rotation window. It returns
// immediately when rotation is disabled in the snapshot, and returns
// the context error when the run is cancelled mid-wait.
func (g *Gate) Wait(ctx context.Context, snap *settings.Snapshot) error {
	if !snap.RotateIP {
		return nil
	}

	g.logStatus("before rotation wait")
	log.Printf("IP rotation enabled, waiting %s for new exit IP", snap.RotationWait())

	if err := g.sleep(ctx, snap.RotationWait()); err != nil {
		return err
	}

	g.logStatus("after rotation wait")
	return nil
}

func (g *Gate) logStatus(when string) {
	if len(g.StatusCommand) == 0 {
		return
	}
	out, err := exec.Command(g.StatusCommand[0], g.StatusCommand[1:]...).CombinedOutput()
	if err != nil {
		log.Printf("VPN status check failed (%s): %v", when, err)
		return
	}
	log.Printf("VPN status %s: %s", when, strings.TrimSpace(string(out)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
