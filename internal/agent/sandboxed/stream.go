package sandboxed

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/snaplist/listingd/internal/agent"
)

// LineBuffer splits a byte stream into lines, carrying the incomplete
// trailing line across reads.
type LineBuffer struct {
	partial []byte
}

// Feed appends chunk and returns every line it completed, without the
// newline. Carriage returns before the newline are dropped.
func (b *LineBuffer) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.partial = append(b.partial, chunk...)
			break
		}
		line := append(b.partial, chunk[:i]...)
		lines = append(lines, strings.TrimSuffix(string(line), "\r"))
		b.partial = b.partial[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.partial) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(b.partial), "\r")
	b.partial = nil
	return line, true
}

// Pending reports the size of the buffered partial line.
func (b *LineBuffer) Pending() int { return len(b.partial) }

// ── Driver Events ────────────────────────────────────────────

// streamEvent is the subset of the driver's stream-json events we read.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []agent.Block `json:"content"`
	} `json:"message"`
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	Errors       []string `json:"errors"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	NumTurns     int      `json:"num_turns"`
}

// streamState accumulates what the provider needs from a run's output.
type streamState struct {
	sink       agent.ProgressSink
	transcript []string
	failure    string
	costUSD    float64
	turns      int
	sawResult  bool
}

// handle processes one stdout line. Lines that are not JSON objects are
// kept in the transcript and otherwise ignored.
func (s *streamState) handle(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.transcript = append(s.transcript, line)

	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}

	switch ev.Type {
	case "assistant":
		for _, pe := range agent.ProgressFromBlocks(ev.Message.Content) {
			s.sink.Emit(pe)
		}

	case "result":
		s.sawResult = true
		s.turns = ev.NumTurns
		if ev.TotalCostUSD != nil {
			s.costUSD = *ev.TotalCostUSD
		}
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			s.failure = failureReason(ev)
		}
	}
}

// failureReason picks the most descriptive field of an error result.
func failureReason(ev streamEvent) string {
	switch {
	case strings.TrimSpace(ev.Result) != "":
		return strings.TrimSpace(ev.Result)
	case len(ev.Errors) > 0:
		return strings.Join(ev.Errors, "; ")
	case ev.Subtype != "":
		return ev.Subtype
	default:
		return "agent reported an error"
	}
}

// consume drains r through a LineBuffer into s. It returns only when r is
// exhausted or fails.
func (s *streamState) consume(r io.Reader) error {
	var lb LineBuffer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		for _, line := range lb.Feed(buf[:n]) {
			s.handle(line)
		}
		if err != nil {
			if rest, ok := lb.Flush(); ok {
				s.handle(rest)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
