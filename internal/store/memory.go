package store

// In-memory Store implementation, used when no DATABASE_URL is configured.
// File-based snapshots keep data across restarts.

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*models.Listing // key: id
	images   map[string]*models.Image   // key: id

	snap *snapshotter // nil without a data dir
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// rows are saved to dataDir/listings.json and restored on the next start. An
// unreadable snapshot is logged and the store starts empty.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		listings: make(map[string]*models.Listing),
		images:   make(map[string]*models.Image),
	}
	if dataDir == "" {
		return m
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, listings will not persist")
		return m
	}
	path := filepath.Join(dataDir, snapshotFile)
	if doc, err := readSnapshot(path); err != nil {
		log.Error().Err(err).Msg("Ignoring listing snapshot, starting empty")
	} else {
		m.restore(doc)
	}
	m.snap = &snapshotter{path: path, dump: m.dump}
	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close writes a final snapshot. Later calls are no-ops.
func (m *MemoryStore) Close() error {
	return m.snap.close()
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Listing Store ───────────────────────────────────────────

func (m *MemoryStore) GetListing(_ context.Context, id string) (*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "listing", Key: id}
	}
	return cloneListing(l), nil
}

func (m *MemoryStore) CreateListing(_ context.Context, listing *models.Listing) error {
	now := time.Now().UTC()
	c := cloneListing(listing)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.ListingStatusDraft
	}
	if c.PipelineStep == "" {
		c.PipelineStep = models.PipelinePending
	}

	m.mu.Lock()
	m.listings[c.ID] = c
	m.mu.Unlock()
	m.snap.markDirty()
	return nil
}

// updateListing applies fn to the stored listing under the write lock.
func (m *MemoryStore) updateListing(id string, fn func(l *models.Listing)) error {
	m.mu.Lock()
	l, ok := m.listings[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "listing", Key: id}
	}
	fn(l)
	l.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.snap.markDirty()
	return nil
}

func (m *MemoryStore) UpdateListingState(_ context.Context, id string, state models.ListingState) error {
	return m.updateListing(id, func(l *models.Listing) {
		l.Status = state.Status
		l.PipelineStep = state.PipelineStep
		l.PipelineError = cloneString(state.PipelineError)
	})
}

func (m *MemoryStore) UpdateAgentLog(_ context.Context, id string, events []models.ProgressEvent) error {
	cp := append([]models.ProgressEvent(nil), events...)
	return m.updateListing(id, func(l *models.Listing) {
		l.AgentLog = cp
	})
}

func (m *MemoryStore) CompleteListing(_ context.Context, id string, out *models.ListingAgentOutput, costUSD float64) error {
	return m.updateListing(id, func(l *models.Listing) {
		l.ApplyOutput(out)
		l.AgentCostUSD = costUSD
		l.Status = models.ListingStatusReady
		l.PipelineStep = models.PipelineComplete
		l.PipelineError = nil
	})
}

func (m *MemoryStore) SetTranscriptURL(_ context.Context, id, url string) error {
	return m.updateListing(id, func(l *models.Listing) {
		l.AgentTranscriptURL = &url
	})
}

// ── Image Store ─────────────────────────────────────────────

func (m *MemoryStore) GetImage(_ context.Context, id string) (*models.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "image", Key: id}
	}
	return cloneImage(img), nil
}

func (m *MemoryStore) CreateImage(_ context.Context, image *models.Image) error {
	c := cloneImage(image)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.images[c.ID] = c
	m.mu.Unlock()
	m.snap.markDirty()
	return nil
}

func (m *MemoryStore) ListImages(_ context.Context, listingID string) ([]models.Image, error) {
	m.mu.RLock()
	var result []models.Image
	for _, img := range m.images {
		if img.ListingID == listingID {
			result = append(result, *cloneImage(img))
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) CountVariants(_ context.Context, parentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, img := range m.images {
		if img.ParentImageID != nil && *img.ParentImageID == parentID {
			n++
		}
	}
	return n, nil
}

// ── Copy helpers ────────────────────────────────────────────

func cloneListing(l *models.Listing) *models.Listing {
	c := *l
	c.PipelineError = cloneString(l.PipelineError)
	c.AgentTranscriptURL = cloneString(l.AgentTranscriptURL)
	c.Model = cloneString(l.Model)
	c.AgentLog = append([]models.ProgressEvent(nil), l.AgentLog...)
	c.Comparables = append([]models.Comparable(nil), l.Comparables...)
	return &c
}

func cloneImage(img *models.Image) *models.Image {
	c := *img
	c.ParentImageID = cloneString(img.ParentImageID)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
