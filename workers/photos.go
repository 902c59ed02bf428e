// Package workers holds the background maintenance loops that run next
// to the ingestion pipeline.
package workers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"lbc_ingest/storage"
)

// Uploader is the archive destination for listing photos.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// PhotoArchiver copies listing photos off the source CDN into our own
// storage. Source listings disappear quickly; the archived copies keep
// working after the original is gone.
type PhotoArchiver struct {
	store     storage.ListingStore
	uploader  Uploader
	http      *http.Client
	batchSize int
	interval  time.Duration
	trigger   chan struct{}
	now       func() time.Time
}

func NewPhotoArchiver(store storage.ListingStore, uploader Uploader, httpClient *http.Client, batchSize int, interval time.Duration) *PhotoArchiver {
	if batchSize < 1 {
		batchSize = 10
	}
	return &PhotoArchiver{
		store:     store,
		uploader:  uploader,
		http:      httpClient,
		batchSize: batchSize,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Trigger requests an immediate pass. Safe to call from any goroutine;
// a pass already pending coalesces.
func (w *PhotoArchiver) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run processes batches on the configured interval until the context
// is cancelled.
func (w *PhotoArchiver) Run(ctx context.Context) {
	log.Printf("Photo archiver started (batch %d, every %s)", w.batchSize, w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Photo archiver stopped")
			return
		case <-ticker.C:
		case <-w.trigger:
		}

		archived, err := w.ArchiveOnce(ctx)
		if err != nil {
			log.Printf("Photo archival pass failed: %v", err)
			continue
		}
		if archived > 0 {
			log.Printf("Archived photos for %d listings", archived)
		}
	}
}

// ArchiveOnce processes one batch of unarchived listings and reports
// how many were marked archived. A listing whose photos fail to copy
// is left unarchived for the next pass.
func (w *PhotoArchiver) ArchiveOnce(ctx context.Context) (int, error) {
	listings, err := w.store.ListUnarchivedListings(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unarchived: %w", err)
	}

	archived := 0
	for i := range listings {
		listing := &listings[i]
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if err := w.archivePhotos(ctx, listing.ID.String(), listing.Photos); err != nil {
			log.Printf("Could not archive photos for listing %s: %v", listing.ID, err)
			continue
		}
		if err := w.store.MarkPhotosArchived(ctx, listing.ID, w.now()); err != nil {
			return archived, fmt.Errorf("mark archived %s: %w", listing.ID, err)
		}
		archived++
	}
	return archived, nil
}

func (w *PhotoArchiver) archivePhotos(ctx context.Context, listingID string, photos []string) error {
	for i, photoURL := range photos {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
		if err != nil {
			return fmt.Errorf("build request for %s: %w", photoURL, err)
		}
		resp, err := w.http.Do(req)
		if err != nil {
			return fmt.Errorf("download %s: %w", photoURL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("download %s: status %d", photoURL, resp.StatusCode)
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "image/jpeg"
		}
		key := fmt.Sprintf("photos/%s/%d.jpg", listingID, i)
		err = w.uploader.Upload(ctx, key, resp.Body, contentType)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}
