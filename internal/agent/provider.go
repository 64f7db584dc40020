// Package agent defines the provider abstraction used to run the listing agent.
//
// A Provider takes the downloaded photos and the user's description, drives an
// LLM agent until it produces a listing payload, and reports progress through a
// ProgressSink as it goes. Two strategies exist:
//
//	sandbox: runs an agent CLI inside a disposable container and reads a result file
//	direct:  runs a bounded tool-use loop against the hosted Messages API
//
// Exactly one provider is active per process; Factory selects it from
// configuration, caches it, and can be reset.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/snaplist/listingd/pkg/models"
)

// ErrMissingCredentials is returned on first use when a provider has no API key.
var ErrMissingCredentials = errors.New("missing credentials")

// ProgressSink receives progress events as a provider observes them.
// Implementations own persistence; providers only produce.
type ProgressSink interface {
	Emit(ev models.ProgressEvent)
}

// SinkFunc adapts a plain function to ProgressSink.
type SinkFunc func(ev models.ProgressEvent)

func (f SinkFunc) Emit(ev models.ProgressEvent) { f(ev) }

// Discard is a sink that drops every event.
var Discard ProgressSink = SinkFunc(func(models.ProgressEvent) {})

// Provider runs the listing agent end to end.
type Provider interface {
	// Name identifies the strategy ("sandbox", "direct").
	Name() string

	// Run drives the agent and returns the validated output. Construction must
	// not perform I/O; the first network or process activity happens here.
	Run(ctx context.Context, images []models.DownloadedImage, userDescription string, sink ProgressSink) (*models.AgentProviderResult, error)
}

// RequireKey reports a configuration error when key is empty.
func RequireKey(provider, envVar, key string) error {
	if key == "" {
		return fmt.Errorf("%s provider: %s not set: %w", provider, envVar, ErrMissingCredentials)
	}
	return nil
}
