package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// plainResponseWriter deliberately lacks http.Flusher.
type plainResponseWriter struct {
	header http.Header
}

func (w *plainResponseWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *plainResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *plainResponseWriter) WriteHeader(int)             {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&plainResponseWriter{})
	assert.Error(t, err)

	w, err := NewSSEWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestSSEWriter_TokenFrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteToken("Hello"))
	assert.Equal(t, "data: {\"type\":\"token\",\"content\":\"Hello\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_DoneFrameOmitsContent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteDone())
	assert.Equal(t, "data: {\"type\":\"done\"}\n\n", rec.Body.String())
}

func TestSSEWriter_ErrorAndTitleFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteTitle("Go Profiling"))
	require.NoError(t, w.WriteError("chat completion failed"))

	frames := parseSSEFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, datatypes.StreamFrame{Type: "title", Content: "Go Profiling"}, frames[0])
	assert.Equal(t, datatypes.StreamFrame{Type: "error", Content: "chat completion failed"}, frames[1])
}

func TestSSEWriter_KeepAliveIsComment(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())

	// Comments carry no data line and decode to zero frames.
	assert.Empty(t, parseSSEFrames(t, rec.Body.String()))
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
