package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	// maxImageBytes caps a single downloaded photo.
	maxImageBytes = 25 << 20
	// downloadConcurrency bounds parallel photo downloads.
	downloadConcurrency = 4
)

// Downloader fetches photos by URL.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a downloader with the given per-request timeout.
func NewDownloader(timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Downloader{client: &http.Client{Timeout: timeout}}
}

// DownloadAll fetches every URL, keeping input order. Any failure fails the
// whole batch.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) ([]models.DownloadedImage, error) {
	images := make([]models.DownloadedImage, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			img, err := d.Download(gctx, u)
			if err != nil {
				return fmt.Errorf("image %d: %w", i+1, err)
			}
			images[i] = *img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, img := range images {
		total += len(img.Data)
	}
	log.Info().
		Int("images", len(images)).
		Str("size", humanize.Bytes(uint64(total))).
		Msg("Images downloaded")
	return images, nil
}

// Download fetches one photo. Non-2xx statuses and empty bodies are errors.
func (d *Downloader) Download(ctx context.Context, url string) (*models.DownloadedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download %s: empty body", url)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("download %s: larger than %s", url, humanize.Bytes(maxImageBytes))
	}

	return &models.DownloadedImage{
		SourceURL: url,
		MediaType: mediaType(resp.Header.Get("Content-Type"), data),
		Data:      data,
	}, nil
}

// mediaType trusts an image/* Content-Type and sniffs otherwise.
func mediaType(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return "image/jpeg"
}
