// Package jobs runs background jobs with memoized steps and whole-job retries.
//
// A job is a function over a *Run. Work inside the job is split into named
// steps; a step that succeeded is not executed again when the job is retried,
// its recorded result is replayed instead. Failed jobs are retried with
// exponential backoff (1s, 2s, 4s, ...) up to a fixed number of attempts.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is the externally visible record of a submitted job.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Func is a job body. Its return value is recorded as the job result.
type Func func(ctx context.Context, run *Run) (any, error)

// Config bounds retries and run time.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Timeout bounds a single attempt; zero means no limit.
	Timeout time.Duration
}

// Runner executes jobs in-process.
type Runner struct {
	cfg Config

	mu   sync.RWMutex
	jobs map[string]*Job

	wg       sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		jobs:     make(map[string]*Job),
		baseCtx:  ctx,
		cancelFn: cancel,
	}
}

// Submit starts fn in the background and returns the job id immediately.
func (r *Runner) Submit(kind string, fn Func) string {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	log.Info().Str("job", job.ID).Str("kind", kind).Msg("🧾 Job submitted")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _ = r.execute(r.baseCtx, job, fn)
	}()
	return job.ID
}

// Run executes fn synchronously with the same retry policy as Submit.
func (r *Runner) Run(ctx context.Context, kind string, fn Func) (any, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return r.execute(ctx, job, fn)
}

// Get returns a copy of the job record.
func (r *Runner) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Prune drops finished jobs that ended before cutoff and returns how many
// were removed. Queued and running jobs are kept.
func (r *Runner) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, j := range r.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels running jobs and waits for them to return, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancelFn()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) update(job *Job, fn func(j *Job)) {
	r.mu.Lock()
	fn(job)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, job *Job, fn Func) (any, error) {
	run := &Run{jobID: job.ID, results: make(map[string]any)}
	tracer := otel.Tracer("listingd/jobs")

	var result any
	attempt := func() error {
		r.update(job, func(j *Job) {
			j.Status = StatusRunning
			j.Attempts++
		})

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		defer cancel()

		attemptCtx, span := tracer.Start(attemptCtx, "job."+job.Kind)
		span.SetAttributes(attribute.String("job.id", job.ID), attribute.Int("job.attempt", job.Attempts))
		defer span.End()

		out, err := fn(attemptCtx, run)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn().
				Err(err).
				Str("job", job.ID).
				Str("kind", job.Kind).
				Int("attempt", job.Attempts).
				Msg("Job attempt failed")
			return err
		}
		result = out
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(attempt, policy)

	now := time.Now().UTC()
	r.update(job, func(j *Job) {
		j.FinishedAt = &now
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusSucceeded
		j.Result = result
	})

	if err != nil {
		log.Error().Err(err).Str("job", job.ID).Str("kind", job.Kind).Int("attempts", job.Attempts).Msg("❌ Job failed")
		return nil, err
	}
	log.Info().Str("job", job.ID).Str("kind", job.Kind).Int("attempts", job.Attempts).Msg("✅ Job completed")
	return result, nil
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// ── Steps ────────────────────────────────────────────────────

// Run is the state of one job across its attempts.
type Run struct {
	jobID string

	mu      sync.Mutex
	results map[string]any
}

// JobID returns the id of the job this run belongs to.
func (r *Run) JobID() string { return r.jobID }

// Step runs fn once per job: after it succeeds, later attempts get the
// recorded result without calling fn.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	run.mu.Lock()
	if v, ok := run.results[name]; ok {
		run.mu.Unlock()
		log.Debug().Str("job", run.jobID).Str("step", name).Msg("Step replayed")
		return v.(T), nil
	}
	run.mu.Unlock()

	ctx, span := otel.Tracer("listingd/jobs").Start(ctx, "step."+name)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	run.mu.Lock()
	run.results[name] = v
	run.mu.Unlock()
	return v, nil
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
