package livesync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrWriterClosed is returned after a write has failed or Done was sent.
var ErrWriterClosed = errors.New("livesync: writer closed")

// SSEWriter serializes frames, keep-alive comments and the terminator onto
// one event stream. The first failed write closes it.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSEWriter wraps w. Frames are flushed immediately when w supports it.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// PrepareHeaders sets the event-stream response headers.
func PrepareHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteFrame writes one `data:` event.
func (s *SSEWriter) WriteFrame(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return s.write("data: " + string(payload) + "\n\n")
}

// Comment writes an SSE comment line, used as keep-alive.
func (s *SSEWriter) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

// Done writes the stream terminator and closes the writer.
func (s *SSEWriter) Done() error {
	err := s.write("data: [DONE]\n\n")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *SSEWriter) write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrWriterClosed
	}
	if _, err := io.WriteString(s.w, chunk); err != nil {
		s.closed = true
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
