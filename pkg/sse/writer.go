// Package sse streams job progress events to HTTP clients over
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Stream writes one job's progress events to an HTTP response. Writes
// are serialized, so keep-alive frames and events may come from
// different goroutines.
type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	opened  bool
	closed  bool
}

// NewStream wraps an HTTP response for event streaming. Nothing is
// written until Open, so request validation can still fail with a
// normal error response.
func NewStream(w http.ResponseWriter) *Stream {
	flusher, _ := w.(http.Flusher)
	return &Stream{w: w, flusher: flusher}
}

// Open commits the SSE headers and flushes them to the client.
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	if s.closed {
		return fmt.Errorf("sse: stream closed")
	}

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.flush()

	s.opened = true
	return nil
}

// Send writes one progress event as a named frame:
//
//	event: progress
//	data: {...}
func (s *Stream) Send(event JobProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sse: stream closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}

	if event.Type != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// KeepAlive writes a comment frame so proxies keep the idle stream
// open.
func (s *Stream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sse: stream closed")
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Close stops the stream; later writes fail.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Stream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
