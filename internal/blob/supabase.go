package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage "github.com/supabase-community/storage-go"
)

// SupabaseStore writes objects to a Supabase Storage bucket.
type SupabaseStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// NewSupabaseStore creates a store for bucket. The service role key is
// required for uploads to private buckets.
func NewSupabaseStore(supabaseURL, serviceRoleKey, bucket string) *SupabaseStore {
	baseURL := strings.TrimRight(supabaseURL, "/")
	return &SupabaseStore{
		client:  storage.NewClient(baseURL+"/storage/v1", serviceRoleKey, nil),
		bucket:  bucket,
		baseURL: baseURL,
	}
}

func (s *SupabaseStore) Kind() string { return "supabase" }

// Put uploads with upsert so a retried job overwrites its own object.
func (s *SupabaseStore) Put(_ context.Context, p string, data []byte, contentType string) (string, error) {
	upsert := true
	opts := storage.FileOptions{Upsert: &upsert}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	if _, err := s.client.UploadFile(s.bucket, p, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("supabase upload %s: %w", p, err)
	}
	return s.PublicURL(p), nil
}

func (s *SupabaseStore) Get(_ context.Context, p string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, p)
	if err != nil {
		return nil, fmt.Errorf("supabase download %s: %w", p, err)
	}
	return data, nil
}

// PublicURL is the object's public URL.
func (s *SupabaseStore) PublicURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, p)
}
