package retention_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/retention"
	"github.com/stretchr/testify/assert"
)

func counter(name string, n int, err error, calls *atomic.Int32) retention.Sweeper {
	return retention.SweepFunc{Label: name, Fn: func(context.Context, time.Time) (int, error) {
		calls.Add(1)
		return n, err
	}}
}

func TestRunCycle_CollectsStats(t *testing.T) {
	var calls atomic.Int32
	j := retention.NewJanitor(time.Minute)
	j.Register(counter("jobs", 3, nil, &calls))
	j.Register(counter("sandboxes", 1, errors.New("permission denied"), &calls))

	assert.Equal(t, []string{"jobs", "sandboxes"}, j.Names())

	stats := j.RunCycle(context.Background())
	assert.Equal(t, map[string]int{"jobs": 3, "sandboxes": 1}, stats.Removed)
	assert.EqualError(t, stats.Errors["sandboxes"], "permission denied")
	assert.NotContains(t, stats.Errors, "jobs")
	assert.Equal(t, int32(2), calls.Load())
}

func TestStart_SweepsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	j := retention.NewJanitor(time.Second)
	j.Register(counter("jobs", 0, nil, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond, "runs once on start")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
