package models

import (
	"time"

	"github.com/google/uuid"
)

// RawListing is one listing record as handed over by the collection
// collaborator. How it was scraped out of the markup is not this
// subsystem's concern.
type RawListing struct {
	Source      string     `json:"source"`
	SourceID    string     `json:"source_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	City        string     `json:"city"`
	Budget      int        `json:"budget"`
	RoomCount   int        `json:"room_count"`
	SurfaceArea int        `json:"surface_area"`
	Photos      []string   `json:"photos"`
	PostedAt    *time.Time `json:"posted_at"`
}

// ExternalListing is the stored, deduplicated form of a third-party
// listing. Hash is the dedup key; the same listing re-observed later
// keeps its row and bumps ScrapedAt.
type ExternalListing struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Source           string     `json:"source" db:"source"`
	SourceID         string     `json:"source_id" db:"source_id"`
	URL              string     `json:"url" db:"url"`
	Title            string     `json:"title" db:"title"`
	Description      string     `json:"description" db:"description"`
	City             string     `json:"city" db:"city"`
	Budget           int        `json:"budget" db:"budget"`
	RoomCount        int        `json:"room_count" db:"room_count"`
	SurfaceArea      int        `json:"surface_area" db:"surface_area"`
	Photos           []string   `json:"photos" db:"photos"`
	PostedAt         *time.Time `json:"posted_at" db:"posted_at"`
	Hash             string     `json:"hash" db:"hash"`
	ScrapedAt        time.Time  `json:"scraped_at" db:"scraped_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	PhotosArchivedAt *time.Time `json:"photos_archived_at" db:"photos_archived_at"`
}
