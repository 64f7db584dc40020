// Package blob stores opaque objects: agent transcripts and enhanced photos.
//
// Layout:
//
//	transcripts/{listingID}/{timestamp}.jsonl
//	listings/{listingID}/enhanced/{imageID}.{ext}
package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Store writes and reads objects by slash-separated path.
type Store interface {
	Kind() string
	// Put stores data at path, replacing any existing object, and returns a
	// URL the object can be fetched from.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// TranscriptPath is where a run's transcript for listingID is stored.
func TranscriptPath(listingID string, at time.Time) string {
	return fmt.Sprintf("transcripts/%s/%s.jsonl", listingID, at.UTC().Format("2006-01-02T15-04-05Z"))
}

// EnhancedPath is where an enhanced variant is stored.
func EnhancedPath(listingID, imageID, mediaType string) string {
	ext := "png"
	if i := strings.LastIndex(mediaType, "/"); i >= 0 && i < len(mediaType)-1 {
		ext = strings.TrimPrefix(mediaType[i+1:], "x-")
	}
	if ext == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("listings/%s/enhanced/%s.%s", listingID, imageID, ext)
}

// PutTranscript writes transcript lines as JSONL and returns the object URL.
func PutTranscript(ctx context.Context, s Store, listingID string, lines []string) (string, error) {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(strings.TrimRight(line, "\r\n"))
		buf.WriteByte('\n')
	}

	path := TranscriptPath(listingID, time.Now())
	url, err := s.Put(ctx, path, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return "", fmt.Errorf("upload transcript: %w", err)
	}

	log.Debug().
		Str("listing", listingID).
		Str("store", s.Kind()).
		Int("lines", len(lines)).
		Str("size", humanize.Bytes(uint64(buf.Len()))).
		Msg("Transcript uploaded")
	return url, nil
}
