// Package store provides the storage interface and implementations for listingd.
// The in-memory store serves local runs and tests; PostgreSQL backs production.
package store

import (
	"context"

	"github.com/snaplist/listingd/pkg/models"
)

// Store is the primary storage interface. The pipeline and the API depend on
// this interface only, so the memory and Postgres implementations are
// interchangeable.
type Store interface {
	ListingStore
	ImageStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Listing Store ───────────────────────────────────────────

// ListingStore persists listings. Writes touch only the fields they name.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	CreateListing(ctx context.Context, listing *models.Listing) error

	// UpdateListingState sets status, pipeline step and pipeline error together.
	UpdateListingState(ctx context.Context, id string, state models.ListingState) error

	// UpdateAgentLog replaces the whole agent log.
	UpdateAgentLog(ctx context.Context, id string, events []models.ProgressEvent) error

	// CompleteListing writes every output field and the run cost, and moves
	// the listing to READY / COMPLETE with no error, in one write.
	CompleteListing(ctx context.Context, id string, out *models.ListingAgentOutput, costUSD float64) error

	SetTranscriptURL(ctx context.Context, id, url string) error
}

// ── Image Store ─────────────────────────────────────────────

// ImageStore persists listing photos and their derived variants.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*models.Image, error)
	CreateImage(ctx context.Context, image *models.Image) error
	ListImages(ctx context.Context, listingID string) ([]models.Image, error)

	// CountVariants counts images whose parent is parentID.
	CountVariants(ctx context.Context, parentID string) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
