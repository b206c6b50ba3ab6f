package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSnapshotEvent(t *testing.T) {
	tests := []struct {
		name  string
		state JobProgressEvent
	}{
		{
			name: "job mid-flight",
			state: JobProgressEvent{
				JobID:         "550e8400-e29b-41d4-a716-446655440000",
				Status:        "processing",
				Progress:      45,
				TotalChunks:   8,
				SettledChunks: 4,
			},
		},
		{
			name: "failed job with error",
			state: JobProgressEvent{
				JobID:        "job-456",
				Status:       "failed",
				Progress:     100,
				ErrorCode:    "low_validation_pass_rate",
				ErrorMessage: "too few sentences passed validation",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewSnapshotEvent(tt.state)

			assert.Equal(t, string(EventSnapshot), event.Type)
			assert.Equal(t, tt.state.JobID, event.JobID)
			assert.Equal(t, tt.state.Status, event.Status)
			assert.Equal(t, tt.state.Progress, event.Progress)
			assert.Equal(t, tt.state.ErrorCode, event.ErrorCode)
		})
	}
}

func TestNewProgressEvent(t *testing.T) {
	state := JobProgressEvent{
		JobID:         "job-789",
		Status:        "processing",
		Progress:      60,
		TotalChunks:   10,
		SettledChunks: 7,
		FailedChunks:  1,
		Timestamp:     time.Now(),
	}

	event := NewProgressEvent(state)

	assert.Equal(t, string(EventProgress), event.Type)
	assert.Equal(t, 7, event.SettledChunks)
	assert.Equal(t, 1, event.FailedChunks)
}

func TestJobEventTypeConstants(t *testing.T) {
	assert.Equal(t, "snapshot", string(EventSnapshot))
	assert.Equal(t, "progress", string(EventProgress))
	assert.Equal(t, "done", string(EventDone))
}
