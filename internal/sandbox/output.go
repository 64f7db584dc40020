package sandbox

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// OutputBuffer is a thread-safe ring buffer holding the last N lines of a stream.
type OutputBuffer struct {
	mu       sync.RWMutex
	lines    []string
	maxLines int
}

// NewOutputBuffer creates a buffer that retains up to maxLines lines.
func NewOutputBuffer(maxLines int) *OutputBuffer {
	return &OutputBuffer{
		lines:    make([]string, 0, maxLines),
		maxLines: maxLines,
	}
}

// Write appends a line, dropping the oldest when full.
func (b *OutputBuffer) Write(line string) {
	b.mu.Lock()
	if len(b.lines) >= b.maxLines {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// Recent returns the last n lines; n <= 0 returns all of them.
func (b *OutputBuffer) Recent(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.lines)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, n)
	copy(out, b.lines[total-n:])
	return out
}

// String joins the retained lines.
func (b *OutputBuffer) String() string {
	return strings.TrimSpace(strings.Join(b.Recent(0), "\n"))
}

// Collect drains r into b line by line and closes done at EOF.
func (b *OutputBuffer) Collect(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.Write(scanner.Text())
	}
	// Keep draining after an oversized line so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
}
