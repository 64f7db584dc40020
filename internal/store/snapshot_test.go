package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snaplist/listingd/pkg/models"
)

func TestSnapshot_DropsOrphanImages(t *testing.T) {
	dir := t.TempDir()
	s := &snapshotter{path: filepath.Join(dir, snapshotFile), dump: func() snapshotDoc {
		return snapshotDoc{
			Listings: []*models.Listing{{ID: "l1"}},
			Images: []*models.Image{
				{ID: "i1", ListingID: "l1"},
				{ID: "i2", ListingID: "gone"},
			},
		}
	}}
	if err := s.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	m := NewMemoryStore(dir)
	defer m.Close()
	if _, err := m.GetImage(context.Background(), "i1"); err != nil {
		t.Errorf("GetImage(i1) error = %v", err)
	}
	if _, err := m.GetImage(context.Background(), "i2"); err == nil {
		t.Error("orphan image i2 was restored")
	}
}

func TestSnapshot_UnknownVersionStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"version": 99, "listings": [{"id": "l1"}]}`)
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), data, 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewMemoryStore(dir)
	defer m.Close()
	if _, err := m.GetListing(context.Background(), "l1"); err == nil {
		t.Error("listing restored from an unknown snapshot version")
	}
}

func TestSnapshot_DebouncedWriteIsPrivate(t *testing.T) {
	dir := t.TempDir()
	m := NewMemoryStore(dir)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.snap.markDirty()
	}
	if err := m.CreateListing(context.Background(), &models.Listing{ID: "l1", UserID: "u"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, snapshotFile)
	deadline := time.Now().Add(5 * time.Second)
	var info os.FileInfo
	for {
		var err error
		if info, err = os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot not written: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("snapshot mode = %o, want 600", perm)
	}

	doc, err := readSnapshot(path)
	if err != nil {
		t.Fatalf("readSnapshot() error = %v", err)
	}
	if doc.Version != snapshotVersion {
		t.Errorf("Version = %d", doc.Version)
	}
}
