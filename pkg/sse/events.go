package sse

import "time"

// JobEventType represents the type of SSE event in a job progress stream.
type JobEventType string

const (
	// EventSnapshot is the first event, carrying the current job state.
	EventSnapshot JobEventType = "snapshot"

	// EventProgress is emitted on every job state change.
	EventProgress JobEventType = "progress"

	// EventDone is the final event, emitted once the job reaches a
	// terminal status.
	EventDone JobEventType = "done"
)

// JobProgressEvent carries a job state snapshot. The same shape is used
// for both the initial snapshot and subsequent progress events, so
// duplicate delivery is harmless: consumers render the latest state.
type JobProgressEvent struct {
	Type          string    `json:"type"`
	JobID         string    `json:"jobId"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	CurrentStep   string    `json:"currentStep,omitempty"`
	TotalChunks   int       `json:"totalChunks"`
	SettledChunks int       `json:"settledChunks"`
	FailedChunks  int       `json:"failedChunks"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewSnapshotEvent creates the initial snapshot event for a subscriber.
func NewSnapshotEvent(e JobProgressEvent) JobProgressEvent {
	e.Type = string(EventSnapshot)
	return e
}

// NewProgressEvent creates a progress event.
func NewProgressEvent(e JobProgressEvent) JobProgressEvent {
	e.Type = string(EventProgress)
	return e
}

