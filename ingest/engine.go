// Package ingest merges collected listings into the local store. The
// merge is idempotent: the content hash decides identity, so replaying
// the same batch creates nothing new.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"lbc_ingest/identity"
	"lbc_ingest/models"
	"lbc_ingest/storage"
)

// Outcome reports what one Ingest call did to the store.
type Outcome struct {
	Created bool
	ID      uuid.UUID
	Hash    string
}

// BatchStats tallies one IngestBatch call. Failed counts items whose
// upsert errored; the batch keeps going past them.
type BatchStats struct {
	Created int
	Updated int
	Failed  int
}

func (s BatchStats) Total() int {
	return s.Created + s.Updated
}

type Engine struct {
	store storage.ListingStore
	now   func() time.Time
}

func NewEngine(store storage.ListingStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Ingest hashes one raw listing and upserts it by hash.
func (e *Engine) Ingest(ctx context.Context, raw *models.RawListing) (*Outcome, error) {
	hash := identity.Hash(raw)

	listing := &models.ExternalListing{
		ID:          uuid.New(),
		Source:      raw.Source,
		SourceID:    raw.SourceID,
		URL:         raw.URL,
		Title:       raw.Title,
		Description: raw.Description,
		City:        raw.City,
		Budget:      raw.Budget,
		RoomCount:   raw.RoomCount,
		SurfaceArea: raw.SurfaceArea,
		Photos:      raw.Photos,
		PostedAt:    raw.PostedAt,
		Hash:        hash,
		ScrapedAt:   e.now(),
	}

	created, err := e.store.UpsertListing(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("upsert listing %s: %w", hash, err)
	}
	return &Outcome{Created: created, ID: listing.ID, Hash: hash}, nil
}

// IngestBatch merges a batch with bounded concurrency. A failing item
// is logged and counted, never fatal; the only error returned is a
// cancelled context.
func (e *Engine) IngestBatch(ctx context.Context, batch []models.RawListing, workers int) (BatchStats, error) {
	if workers < 1 {
		workers = 1
	}

	var (
		mu    sync.Mutex
		stats BatchStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range batch {
		raw := &batch[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, err := e.Ingest(gctx, raw)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				log.Printf("Ingest failed for %s: %v", raw.URL, err)
				return nil
			}
			if outcome.Created {
				stats.Created++
			} else {
				stats.Updated++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
