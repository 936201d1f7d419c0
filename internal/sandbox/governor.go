package sandbox

import (
	"bytes"
	"sync"
)

// TruncationMarker is appended to output that exceeded the byte ceiling.
const TruncationMarker = "\n... [output truncated]"

// Governor is an io.Writer that keeps at most max bytes and silently
// discards the rest while still accepting writes, so the producer never
// blocks on a full pipe.
//
// The retained prefix depends only on the byte stream and max, never on how
// the stream was chunked.
type Governor struct {
	mu        sync.Mutex
	max       int
	buf       bytes.Buffer
	total     int64
	truncated bool
}

// NewGovernor creates a governor with the given ceiling. max <= 0 keeps nothing.
func NewGovernor(max int) *Governor {
	if max < 0 {
		max = 0
	}
	return &Governor{max: max}
}

// Write implements io.Writer. It never returns an error.
func (g *Governor) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total += int64(len(p))
	room := g.max - g.buf.Len()
	switch {
	case room >= len(p):
		g.buf.Write(p)
	case room > 0:
		g.buf.Write(p[:room])
		g.truncated = true
	case len(p) > 0:
		g.truncated = true
	}
	return len(p), nil
}

// Bytes returns the captured output, with TruncationMarker appended when
// the ceiling was exceeded.
func (g *Governor) Bytes() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]byte, 0, g.buf.Len()+len(TruncationMarker))
	out = append(out, g.buf.Bytes()...)
	if g.truncated {
		out = append(out, TruncationMarker...)
	}
	return out
}

// Truncated reports whether any bytes were discarded.
func (g *Governor) Truncated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.truncated
}

// Total returns the number of bytes written, including discarded ones.
func (g *Governor) Total() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}
