package progress_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/progress"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ agent.ProgressSink = (*progress.Log)(nil)

type memWriter struct {
	mu     sync.Mutex
	writes int
	last   []models.ProgressEvent
	fail   bool
}

func (w *memWriter) UpdateAgentLog(_ context.Context, _ string, events []models.ProgressEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("db unavailable")
	}
	w.writes++
	w.last = events
	return nil
}

func (w *memWriter) snapshot() (int, []models.ProgressEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.last
}

func TestLog_FlushesEventuallyAndOnClose(t *testing.T) {
	w := &memWriter{}
	l := progress.New("l1", w, nil)

	l.Emit(models.NewProgressEvent(models.ProgressStatus, "Downloading images"))
	assert.Eventually(t, func() bool {
		_, last := w.snapshot()
		return len(last) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 50; i++ {
		l.Append(models.NewProgressEvent(models.ProgressText, fmt.Sprintf("step %d", i)))
	}
	require.NoError(t, l.Close(context.Background()))

	writes, last := w.snapshot()
	require.Len(t, last, 51)
	assert.Equal(t, "step 49", last[50].Content)
	assert.Less(t, writes, 52, "bursts should coalesce")
}

func TestLog_KeepsExistingEventsInOrder(t *testing.T) {
	w := &memWriter{}
	prior := []models.ProgressEvent{models.NewProgressEvent(models.ProgressError, "previous attempt failed")}
	l := progress.New("l1", w, prior)

	l.Append(models.ProgressEvent{Kind: models.ProgressStatus, Content: "retrying"})
	require.NoError(t, l.Close(context.Background()))

	events := l.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.ProgressError, events[0].Kind)
	assert.False(t, events[1].Timestamp.IsZero(), "timestamp is stamped on append")
}

func TestLog_FailedFlushKeepsEvents(t *testing.T) {
	w := &memWriter{fail: true}
	l := progress.New("l1", w, nil)

	l.Append(models.NewProgressEvent(models.ProgressSearch, "query one"))
	l.Append(models.NewProgressEvent(models.ProgressSearch, "query two"))

	err := l.Close(context.Background())
	assert.Error(t, err)
	assert.Len(t, l.Events(), 2)

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()

	require.NoError(t, l.Flush(context.Background()))
	_, last := w.snapshot()
	assert.Len(t, last, 2)
}

func TestLog_NoWriteWithoutChanges(t *testing.T) {
	w := &memWriter{}
	l := progress.New("l1", w, nil)
	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))

	writes, _ := w.snapshot()
	assert.Zero(t, writes)
}
