package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lbc_ingest/captcha"
	"lbc_ingest/collector"
	"lbc_ingest/config"
	"lbc_ingest/httputil"
	"lbc_ingest/ingest"
	"lbc_ingest/logging"
	"lbc_ingest/pipeline"
	"lbc_ingest/rotation"
	"lbc_ingest/runs"
	"lbc_ingest/scheduler"
	"lbc_ingest/server"
	"lbc_ingest/storage"
	"lbc_ingest/token"
	"lbc_ingest/workers"
)

const defaultSiteID = "lbc"

func main() {
	runOnce := flag.Bool("once", false, "execute a single ingestion run and exit")
	captureOnly := flag.Bool("capture-token", false, "capture the anti-bot token and exit")
	flag.Parse()

	if _, err := logging.Setup("logs/ingest.log"); err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}
	defer store.Close()

	site := cfg.Sites[defaultSiteID]
	if site == nil {
		log.Fatalf("No site config for %q, add config/sites/%s.yaml", defaultSiteID, defaultSiteID)
	}

	clients := httputil.NewClients(&cfg.Proxy)
	runManager := runs.NewManager(store)
	captchaChannel := captcha.NewChannel(store, runManager)
	tokenManager := token.NewManager(store, site, cfg.Browser)
	engine := ingest.NewEngine(store)
	gate := rotation.NewGate([]string{"expressvpnctl", "status"})
	coll := collector.NewLBCCollector(collector.NewClient(clients.Scraping, site), site)
	pipe := pipeline.New(store, runManager, captchaChannel, gate, engine, coll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *captureOnly {
		if _, err := tokenManager.Capture(ctx); err != nil {
			log.Fatalf("Token capture: %v", err)
		}
		return
	}

	if *runOnce {
		id, err := pipe.Execute(ctx)
		if err != nil {
			log.Fatalf("Run: %v", err)
		}
		run, err := runManager.Get(ctx, id)
		if err != nil {
			log.Fatalf("Read run result: %v", err)
		}
		log.Printf("Run %s finished: %s (%d collected, %d created, %d updated)",
			run.ID, run.Status, run.TotalCollected, run.CreatedCount, run.UpdatedCount)
		if run.ErrorMessage != "" {
			log.Printf("Run message: %s", run.ErrorMessage)
		}
		return
	}

	var photoTrigger server.PhotoTrigger
	if cfg.S3.Bucket != "" {
		uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("S3 uploader: %v", err)
		}
		archiver := workers.NewPhotoArchiver(store, uploader, clients.Admin, 20, 10*time.Minute)
		go archiver.Run(ctx)
		photoTrigger = archiver
	} else {
		log.Println("S3 not configured, photo archival disabled")
	}

	sched := scheduler.New(cfg.Scheduler, runManager, store, func(ctx context.Context) error {
		_, err := pipe.ExecuteAsync(ctx)
		return err
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	defer sched.Stop()

	api := server.New(store, runManager, captchaChannel, pipe, tokenManager, photoTrigger)
	if err := api.Start(ctx, cfg.Server.ListenAddr); err != nil {
		log.Fatalf("HTTP server: %v", err)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required with the postgres driver")
		}
		return storage.NewPostgresStore(context.Background(), cfg.Database.URL)
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Database.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
