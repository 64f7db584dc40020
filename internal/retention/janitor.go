// Package retention periodically removes state listingd no longer needs.
//
// Two sweepers are registered by the server:
//   - finished job records older than the job TTL are dropped from the runner
//   - local sandbox directories left behind by a crashed process are removed
//
// The janitor runs as a background goroutine and stops with its context.
// A failing sweeper is logged and retried on the next cycle.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when the configured interval is too short.
const DefaultInterval = 10 * time.Minute

// Sweeper removes expired state. It returns the number of items removed.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc struct {
	Label string
	Fn    func(ctx context.Context, now time.Time) (int, error)
}

func (s SweepFunc) Name() string { return s.Label }

func (s SweepFunc) Sweep(ctx context.Context, now time.Time) (int, error) {
	return s.Fn(ctx, now)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Removed map[string]int
	Errors  map[string]error
}

// Janitor runs every registered sweeper on an interval.
type Janitor struct {
	interval time.Duration

	mu       sync.RWMutex
	sweepers []Sweeper
	now      func() time.Time
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(interval time.Duration) *Janitor {
	if interval < time.Second {
		interval = DefaultInterval
	}
	return &Janitor{interval: interval, now: time.Now}
}

// Register adds a sweeper.
func (j *Janitor) Register(s Sweeper) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sweepers = append(j.sweepers, s)
	log.Debug().Str("sweeper", s.Name()).Msg("Retention sweeper registered")
}

// Names returns the registered sweeper names in registration order.
func (j *Janitor) Names() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, len(j.sweepers))
	for i, s := range j.sweepers {
		names[i] = s.Name()
	}
	return names
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Strs("sweepers", j.Names()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep with every sweeper.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	j.mu.RLock()
	sweepers := append([]Sweeper(nil), j.sweepers...)
	j.mu.RUnlock()

	start := j.now()
	stats := CycleStats{Removed: map[string]int{}, Errors: map[string]error{}}
	total := 0

	for _, s := range sweepers {
		if ctx.Err() != nil {
			break
		}
		n, err := s.Sweep(ctx, start)
		if err != nil {
			stats.Errors[s.Name()] = err
			log.Warn().Err(err).Str("sweeper", s.Name()).Msg("Retention sweep failed")
		}
		stats.Removed[s.Name()] = n
		total += n
	}

	if total > 0 {
		event := log.Info().Dur("elapsed", time.Since(start))
		for name, n := range stats.Removed {
			event = event.Int(name, n)
		}
		event.Msg("Retention cycle complete")
	}
	return stats
}
