package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects under a directory on disk. This is the default
// driver for development and one-shot CLI runs.
type LocalStore struct {
	basePath string
	// publicBaseURL, when set, is used to build URLs instead of file:// paths.
	publicBaseURL string
}

// NewLocalStore creates a file-based store. If basePath is empty it defaults
// to ~/.listingd/blobs.
func NewLocalStore(basePath, publicBaseURL string) *LocalStore {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "listingd", "blobs")
		} else {
			basePath = filepath.Join(home, ".listingd", "blobs")
		}
	}
	return &LocalStore{basePath: basePath, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *LocalStore) Kind() string { return "local" }

// resolve confines p to the base directory.
func (s *LocalStore) resolve(p string) string {
	return filepath.Join(s.basePath, filepath.Clean("/"+p))
}

func (s *LocalStore) Put(_ context.Context, p string, data []byte, _ string) (string, error) {
	full := s.resolve(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	// Write to temp file then rename so readers never see a partial object.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", p, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("rename blob %s: %w", p, err)
	}

	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+p)), "/"), nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}

func (s *LocalStore) Get(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(p))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", p, err)
	}
	return data, nil
}
