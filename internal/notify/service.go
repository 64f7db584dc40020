// Package notify tells the surrounding application that a listing is ready.
//
// Two drivers ship with listingd:
//  1. Webhook: HTTP POST of the notification as JSON, optionally signed with
//     HMAC-SHA256 and retried with exponential backoff
//  2. Log: writes the notification to the structured log; the default when
//     no webhook URL is configured
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
)

// EventListingReady is the event name sent in the X-Listingd-Event header.
const EventListingReady = "listing.ready"

// Notifier delivers ready notifications.
type Notifier interface {
	Kind() string
	NotifyReady(ctx context.Context, n models.ReadyNotification) error
}

// ── Log Driver ───────────────────────────────────────────────

// LogNotifier records notifications in the log only.
type LogNotifier struct{}

func (LogNotifier) Kind() string { return "log" }

func (LogNotifier) NotifyReady(_ context.Context, n models.ReadyNotification) error {
	log.Info().
		Str("user", n.UserID).
		Str("listing", n.ListingID).
		Str("title", n.Title).
		Msg("📣 Listing ready")
	return nil
}

// ── Webhook Driver ───────────────────────────────────────────

// WebhookNotifier posts notifications to a webhook URL.
type WebhookNotifier struct {
	url        string
	secret     string
	maxRetries uint64
	// initialInterval is the first retry delay; it doubles per attempt.
	initialInterval time.Duration
	client          *http.Client
}

// NewWebhookNotifier creates a webhook driver. An empty secret disables signing.
func NewWebhookNotifier(url, secret string, maxRetries int) *WebhookNotifier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &WebhookNotifier{
		url:             url,
		secret:          secret,
		maxRetries:      uint64(maxRetries),
		initialInterval: time.Second,
		client:          &http.Client{Timeout: 15 * time.Second},
	}
}

// WithInitialInterval overrides the first retry delay.
func (d *WebhookNotifier) WithInitialInterval(iv time.Duration) *WebhookNotifier {
	d.initialInterval = iv
	return d
}

func (d *WebhookNotifier) Kind() string { return "webhook" }

// NotifyReady posts n. 5xx responses and transport errors are retried;
// 4xx responses fail immediately.
func (d *WebhookNotifier) NotifyReady(ctx context.Context, n models.ReadyNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var signature string
	if d.secret != "" {
		signature = "sha256=" + Sign(d.secret, body)
	}

	attempts := 0
	send := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "listingd-webhook/1.0")
		req.Header.Set("X-Listingd-Event", EventListingReady)
		if signature != "" {
			req.Header.Set("X-Listingd-Signature", signature)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
		default:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.initialInterval
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, d.maxRetries), ctx)

	if err := backoff.Retry(send, policy); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}

	log.Info().
		Str("listing", n.ListingID).
		Int("attempts", attempts).
		Msg("Ready notification delivered")
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// New picks the webhook driver when url is set, otherwise the log driver.
func New(url, secret string, maxRetries int) Notifier {
	if url == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(url, secret, maxRetries)
}
