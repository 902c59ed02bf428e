// Package scheduler owns the periodic triggers: scheduled ingestion
// runs and the watchdog that reaps runs whose process died.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"lbc_ingest/config"
	"lbc_ingest/runs"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
)

const watchdogInterval = time.Minute

// TriggerFunc starts one ingestion run. It returns runs.ErrConflict
// when a run is already active.
type TriggerFunc func(ctx context.Context) error

type Scheduler struct {
	cfg          config.SchedulerConfig
	runs         *runs.Manager
	settingStore storage.SettingStore
	trigger      TriggerFunc
	cron         *cron.Cron
}

func New(cfg config.SchedulerConfig, runManager *runs.Manager, settingStore storage.SettingStore, trigger TriggerFunc) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		runs:         runManager,
		settingStore: settingStore,
		trigger:      trigger,
	}
}

// Start launches the watchdog and, when configured, the periodic run
// trigger. It returns once everything is scheduled; the loops stop
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	go s.watchdog(ctx)

	switch {
	case s.cfg.Cron != "":
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.fire(ctx) }); err != nil {
			return err
		}
		s.cron.Start()
		log.Printf("Scheduler: ingestion on cron %q", s.cfg.Cron)
	case s.cfg.Interval > 0:
		go s.intervalLoop(ctx)
		log.Printf("Scheduler: ingestion every %s", s.cfg.Interval)
	default:
		log.Println("Scheduler: no periodic ingestion configured, runs are manual")
	}
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) intervalLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	err := s.trigger(ctx)
	switch {
	case err == nil:
	case errors.Is(err, runs.ErrConflict):
		log.Println("Scheduler: a run is already active, skipping this trigger")
	default:
		log.Printf("Scheduler: trigger failed: %v", err)
	}
}

// watchdog reaps running runs with no recent activity. The window is
// re-resolved every tick so operators can tune it without a restart.
func (s *Scheduler) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := settings.Resolve(ctx, s.settingStore)
		if err != nil {
			log.Printf("Watchdog: could not resolve settings: %v", err)
			continue
		}
		reaped, err := s.runs.ReapStale(ctx, snap.StalenessWindow())
		if err != nil {
			log.Printf("Watchdog: reap failed: %v", err)
			continue
		}
		if reaped > 0 {
			log.Printf("Watchdog: reaped %d stale run(s)", reaped)
		}
	}
}
