package sandboxed

import (
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *recorder) Emit(ev models.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []models.ProgressKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProgressKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestLineBuffer_CarriesPartialLines(t *testing.T) {
	var lb LineBuffer

	assert.Empty(t, lb.Feed([]byte("ab")))
	assert.Equal(t, 2, lb.Pending())

	assert.Equal(t, []string{"abc", "de"}, lb.Feed([]byte("c\nde\r\nf")))
	assert.Empty(t, lb.Feed(nil))

	rest, ok := lb.Flush()
	assert.True(t, ok)
	assert.Equal(t, "f", rest)

	_, ok = lb.Flush()
	assert.False(t, ok)
}

const sampleStream = `{"type":"system","subtype":"init","session_id":"s1"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the photos."},{"type":"tool_use","id":"t1","name":"WebSearch","input":{"query":"dewalt dcd771 sold"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"..."}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"WebFetch","input":{"url":"https://example.com/item"}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t3","name":"Write","input":{"file_path":"output/listing.json","content":"{}"}}]}}
{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.0831,"num_turns":4,"result":"done"}
`

func TestConsume_MapsEvents(t *testing.T) {
	rec := &recorder{}
	st := &streamState{sink: rec}

	// One byte per read exercises the partial-line path on every line.
	require.NoError(t, st.consume(iotest.OneByteReader(strings.NewReader(sampleStream))))

	assert.Equal(t, []models.ProgressKind{
		models.ProgressText,
		models.ProgressSearch,
		models.ProgressFetch,
		models.ProgressWrite,
	}, rec.kinds())
	assert.InDelta(t, 0.0831, st.costUSD, 1e-9)
	assert.Equal(t, 4, st.turns)
	assert.Empty(t, st.failure)
	assert.Len(t, st.transcript, 6)
}

func TestConsume_IgnoresGarbageLines(t *testing.T) {
	clean := &recorder{}
	cleanState := &streamState{sink: clean}
	require.NoError(t, cleanState.consume(strings.NewReader(sampleStream)))

	var noisy strings.Builder
	for _, line := range strings.Split(strings.TrimSpace(sampleStream), "\n") {
		noisy.WriteString("npm WARN deprecated something\n")
		noisy.WriteString(`{"type":"assistant","message":`)
		noisy.WriteString("\n")
		noisy.WriteString(line)
		noisy.WriteString("\n\n")
	}
	noisy.WriteString("trailing junk without newline")

	dirty := &recorder{}
	dirtyState := &streamState{sink: dirty}
	require.NoError(t, dirtyState.consume(strings.NewReader(noisy.String())))

	assert.Equal(t, clean.kinds(), dirty.kinds())
	assert.Equal(t, cleanState.costUSD, dirtyState.costUSD)
	assert.Empty(t, dirtyState.failure)
}

func TestConsume_CapturesErrorResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"result text", `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Credit balance is too low"}`, "Credit balance is too low"},
		{"errors list", `{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["a","b"]}`, "a; b"},
		{"subtype only", `{"type":"result","subtype":"error_max_turns","is_error":false}`, "error_max_turns"},
		{"bare flag", `{"type":"result","is_error":true}`, "agent reported an error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &streamState{sink: agent.Discard}
			require.NoError(t, st.consume(strings.NewReader(tt.line+"\n")))
			assert.Equal(t, tt.want, st.failure)
		})
	}
}
