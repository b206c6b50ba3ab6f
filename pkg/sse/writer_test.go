package sse

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOpen_SetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)

	require.NoError(t, s.Open())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	// Open is idempotent.
	require.NoError(t, s.Open())
}

func TestStreamSend_NamedFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)
	require.NoError(t, s.Open())

	err := s.Send(JobProgressEvent{
		Type:      string(EventProgress),
		JobID:     "8f3b1c2a-0000-0000-0000-000000000001",
		Status:    "processing",
		Progress:  45,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress\n")
	assert.Contains(t, body, `"jobId":"8f3b1c2a-0000-0000-0000-000000000001"`)
	assert.Contains(t, body, `"progress":45`)
	assert.True(t, strings.HasSuffix(body, "\n\n"), "frame must end with a blank line")
}

func TestStreamSend_UntypedEventHasNoNameLine(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)
	require.NoError(t, s.Open())

	require.NoError(t, s.Send(JobProgressEvent{JobID: "x"}))
	assert.NotContains(t, rec.Body.String(), "event:")
}

func TestStreamKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)
	require.NoError(t, s.Open())

	require.NoError(t, s.KeepAlive())
	assert.Equal(t, ": keep-alive\n\n", rec.Body.String())
}

func TestStreamClosed_RejectsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)
	require.NoError(t, s.Open())
	s.Close()

	assert.Error(t, s.Send(JobProgressEvent{JobID: "x"}))
	assert.Error(t, s.KeepAlive())
	assert.Empty(t, rec.Body.String())
}

func TestStreamClosed_RejectsOpen(t *testing.T) {
	s := NewStream(httptest.NewRecorder())
	s.Close()
	assert.Error(t, s.Open())
}

// plainWriter is an http.ResponseWriter without http.Flusher.
type plainWriter struct {
	header http.Header
	body   bytes.Buffer
}

func (w *plainWriter) Header() http.Header        { return w.header }
func (w *plainWriter) Write(p []byte) (int, error) { return w.body.Write(p) }
func (w *plainWriter) WriteHeader(int)            {}

func TestStream_WorksWithoutFlusher(t *testing.T) {
	w := &plainWriter{header: make(http.Header)}
	s := NewStream(w)

	require.NoError(t, s.Open())
	require.NoError(t, s.Send(JobProgressEvent{Type: string(EventSnapshot), JobID: "x"}))
	require.NoError(t, s.KeepAlive())
	assert.Contains(t, w.body.String(), "event: snapshot\n")
}
