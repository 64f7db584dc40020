// Package progress keeps the per-listing agent log.
//
// A Log holds the events in memory and persists the whole sequence through a
// Writer. Appends never block on storage: a background flusher coalesces
// bursts into a single write, and a failed write is retried by the next one
// since every flush carries the full log.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
)

// flushTimeout bounds a single background write.
const flushTimeout = 10 * time.Second

// Writer persists a listing's complete agent log.
type Writer interface {
	UpdateAgentLog(ctx context.Context, listingID string, events []models.ProgressEvent) error
}

// Log is an append-only event log for one listing. It implements
// agent.ProgressSink.
type Log struct {
	listingID string
	w         Writer

	mu     sync.Mutex
	events []models.ProgressEvent
	seq    int // bumped on every append

	flushMu sync.Mutex // serializes writes so an older snapshot never lands last
	flushed int        // seq of the last successful write

	flushCh  chan struct{}
	doneCh   chan struct{}
	loopDone chan struct{}
	closed   sync.Once
}

// New starts a log for listingID, continuing from existing events.
func New(listingID string, w Writer, existing []models.ProgressEvent) *Log {
	l := &Log{
		listingID: listingID,
		w:         w,
		events:    append([]models.ProgressEvent(nil), existing...),
		flushCh:   make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Append records ev and schedules a flush.
func (l *Log) Append(ev models.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.seq++
	l.mu.Unlock()

	select {
	case l.flushCh <- struct{}{}:
	default:
		// Already pending
	}
}

// Emit implements agent.ProgressSink.
func (l *Log) Emit(ev models.ProgressEvent) { l.Append(ev) }

// Events returns a copy of the log.
func (l *Log) Events() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ProgressEvent(nil), l.events...)
}

// Flush writes the full log now. Events are kept on failure.
func (l *Log) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	seq := l.seq
	snapshot := append([]models.ProgressEvent(nil), l.events...)
	l.mu.Unlock()

	if seq == l.flushed {
		return nil
	}
	if err := l.w.UpdateAgentLog(ctx, l.listingID, snapshot); err != nil {
		return err
	}
	l.flushed = seq
	return nil
}

func (l *Log) flushLoop() {
	defer close(l.loopDone)
	for {
		select {
		case <-l.doneCh:
			return
		case <-l.flushCh:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := l.Flush(ctx); err != nil {
				log.Warn().Err(err).Str("listing", l.listingID).Msg("Agent log flush failed, will retry on next event")
			}
			cancel()
		}
	}
}

// Close stops the flusher and performs a final synchronous flush.
func (l *Log) Close(ctx context.Context) error {
	l.closed.Do(func() { close(l.doneCh) })
	<-l.loopDone
	return l.Flush(ctx)
}
