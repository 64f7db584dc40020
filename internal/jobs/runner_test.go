package jobs_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRunner(attempts int) *jobs.Runner {
	return jobs.NewRunner(jobs.Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond})
}

func TestRun_RetriesAndReplaysSteps(t *testing.T) {
	r := fastRunner(3)
	var first, second atomic.Int32

	out, err := r.Run(context.Background(), "generate", func(ctx context.Context, run *jobs.Run) (any, error) {
		a, err := jobs.Step(ctx, run, "run-agent", func(context.Context) (string, error) {
			first.Add(1)
			return "agent-result", nil
		})
		if err != nil {
			return nil, err
		}
		_, err = jobs.Step(ctx, run, "complete", func(context.Context) (int, error) {
			if second.Add(1) < 3 {
				return 0, errors.New("db blip")
			}
			return 1, nil
		})
		return a, err
	})

	require.NoError(t, err)
	assert.Equal(t, "agent-result", out)
	assert.Equal(t, int32(1), first.Load(), "completed step must not re-run")
	assert.Equal(t, int32(3), second.Load())
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	r := fastRunner(3)
	var calls atomic.Int32

	_, err := r.Run(context.Background(), "generate", func(ctx context.Context, run *jobs.Run) (any, error) {
		calls.Add(1)
		return nil, errors.New("always")
	})
	assert.EqualError(t, err, "always")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_PermanentStopsRetries(t *testing.T) {
	r := fastRunner(5)
	var calls atomic.Int32
	bad := errors.New("image is not an original")

	_, err := r.Run(context.Background(), "enhance", func(ctx context.Context, run *jobs.Run) (any, error) {
		calls.Add(1)
		return nil, jobs.Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_TracksStatus(t *testing.T) {
	r := fastRunner(2)
	release := make(chan struct{})

	id := r.Submit("generate", func(ctx context.Context, run *jobs.Run) (any, error) {
		assert.NotEmpty(t, run.JobID())
		<-release
		return 42, nil
	})

	j, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "generate", j.Kind)

	close(release)
	assert.Eventually(t, func() bool {
		j, _ := r.Get(id)
		return j.Status == jobs.StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	j, _ = r.Get(id)
	assert.Equal(t, 42, j.Result)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.FinishedAt)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestSubmit_FailureRecorded(t *testing.T) {
	r := fastRunner(2)
	id := r.Submit("generate", func(context.Context, *jobs.Run) (any, error) {
		return nil, errors.New("provider exploded")
	})
	require.NoError(t, r.Shutdown(context.Background()))

	j, _ := r.Get(id)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, "provider exploded", j.Error)
	assert.Equal(t, 2, j.Attempts)
}

func TestShutdown_CancelsRunningJobs(t *testing.T) {
	r := fastRunner(1)
	started := make(chan struct{})
	r.Submit("slow", func(ctx context.Context, _ *jobs.Run) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, r.Shutdown(ctx))
}

func TestRun_AttemptTimeout(t *testing.T) {
	r := jobs.NewRunner(jobs.Config{MaxAttempts: 1, Timeout: 20 * time.Millisecond})
	_, err := r.Run(context.Background(), "slow", func(ctx context.Context, _ *jobs.Run) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrune_DropsOnlyOldFinishedJobs(t *testing.T) {
	r := fastRunner(1)
	_, _ = r.Run(context.Background(), "done", func(context.Context, *jobs.Run) (any, error) { return 1, nil })

	release := make(chan struct{})
	running := r.Submit("running", func(context.Context, *jobs.Run) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	assert.Equal(t, 0, r.Prune(time.Now().Add(-time.Hour)), "nothing is old yet")
	assert.Equal(t, 1, r.Prune(time.Now().Add(time.Second)))

	_, ok := r.Get(running)
	assert.True(t, ok, "unfinished jobs survive pruning")
}
