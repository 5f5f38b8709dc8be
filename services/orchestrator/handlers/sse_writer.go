package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// SSEWriter writes stream frames to an HTTP response in server-sent-event
// format.
//
// # Description
//
// Every frame goes out as a single data line, `data: {json}`, followed by
// the blank line that terminates an SSE event. There is no `event:` field;
// clients dispatch on the frame's own type property. Each write flushes so
// tokens reach the client as they are produced.
//
// # Thread Safety
//
// Implementations must serialize writes; the turn goroutine and the
// keep-alive ticker may write concurrently.
type SSEWriter interface {
	// WriteFrame serializes one frame and flushes it.
	WriteFrame(frame datatypes.StreamFrame) error

	// WriteToken writes a token frame with one reply delta.
	WriteToken(content string) error

	// WriteTitle writes the one-per-conversation title frame.
	WriteTitle(title string) error

	// WriteError writes a terminal error frame. The message must already be
	// safe for clients; no done frame follows it.
	WriteError(msg string) error

	// WriteDone writes the terminal done frame.
	WriteDone() error

	// WriteKeepAlive writes an SSE comment (": ping") that clients ignore
	// but that keeps idle proxies from cutting the connection.
	WriteKeepAlive() error
}

// sseWriter is the http.ResponseWriter-backed SSEWriter.
type sseWriter struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller sets the
// stream headers first (SetSSEHeaders); the writer only emits frames.
// Fails when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteFrame(frame datatypes.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: "token", Content: content})
}

func (w *sseWriter) WriteTitle(title string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: "title", Content: title})
}

func (w *sseWriter) WriteError(msg string) error {
	return w.WriteFrame(datatypes.StreamFrame{Type: "error", Content: msg})
}

func (w *sseWriter) WriteDone() error {
	return w.WriteFrame(datatypes.StreamFrame{Type: "done"})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response for SSE streaming: event-stream
// content type, caching off, connection held open, nginx buffering off.
// Must run before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
