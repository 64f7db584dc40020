package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
)

const (
	snapshotFile    = "listings.json"
	snapshotVersion = 1

	// flushDelay coalesces bursts of agent-log appends into one write.
	flushDelay = 500 * time.Millisecond
)

// snapshotDoc is the on-disk form of a MemoryStore. Rows are sorted by id so
// successive files diff cleanly.
type snapshotDoc struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"savedAt"`
	Listings []*models.Listing `json:"listings"`
	Images   []*models.Image   `json:"images"`
}

// snapshotter writes a store to disk at most once per flushDelay.
type snapshotter struct {
	path string
	dump func() snapshotDoc

	writeMu sync.Mutex // serializes file writes

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// markDirty schedules a write unless one is already pending.
func (s *snapshotter) markDirty() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(flushDelay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.flush(); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("Listing snapshot write failed")
		}
	})
}

// close cancels any pending write and writes once more. Later calls are no-ops.
func (s *snapshotter) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.flush()
}

// flush writes the snapshot through a temp file so a crash never leaves a
// truncated one behind. Listings carry seller text, so the file is private.
func (s *snapshotter) flush() error {
	doc := s.dump()
	doc.Version = snapshotVersion
	doc.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	log.Debug().
		Int("listings", len(doc.Listings)).
		Int("images", len(doc.Images)).
		Msg("Listing snapshot written")
	return nil
}

// readSnapshot loads path. A missing file is an empty store.
func readSnapshot(path string) (snapshotDoc, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snapshotDoc{Version: snapshotVersion}, nil
	}
	if err != nil {
		return snapshotDoc{}, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return snapshotDoc{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Version != snapshotVersion {
		return snapshotDoc{}, fmt.Errorf("%s has version %d, want %d", path, doc.Version, snapshotVersion)
	}
	return doc, nil
}

// dump copies the store's rows for a snapshot.
func (m *MemoryStore) dump() snapshotDoc {
	m.mu.RLock()
	doc := snapshotDoc{
		Listings: make([]*models.Listing, 0, len(m.listings)),
		Images:   make([]*models.Image, 0, len(m.images)),
	}
	for _, l := range m.listings {
		doc.Listings = append(doc.Listings, cloneListing(l))
	}
	for _, img := range m.images {
		doc.Images = append(doc.Images, cloneImage(img))
	}
	m.mu.RUnlock()

	sort.Slice(doc.Listings, func(i, j int) bool { return doc.Listings[i].ID < doc.Listings[j].ID })
	sort.Slice(doc.Images, func(i, j int) bool { return doc.Images[i].ID < doc.Images[j].ID })
	return doc
}

// restore indexes a snapshot. Images whose listing is gone are dropped.
func (m *MemoryStore) restore(doc snapshotDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range doc.Listings {
		m.listings[l.ID] = l
	}
	orphans := 0
	for _, img := range doc.Images {
		if _, ok := m.listings[img.ListingID]; !ok {
			orphans++
			continue
		}
		m.images[img.ID] = img
	}

	log.Info().
		Int("listings", len(m.listings)).
		Int("images", len(m.images)).
		Int("orphan_images", orphans).
		Msg("Listing snapshot restored")
}
