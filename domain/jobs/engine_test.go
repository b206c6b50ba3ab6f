package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressFor(t *testing.T) {
	tests := []struct {
		name    string
		settled int
		total   int
		want    int
	}{
		{name: "nothing settled", settled: 0, total: 10, want: 15},
		{name: "half settled", settled: 5, total: 10, want: 45},
		{name: "all settled caps at ceiling", settled: 10, total: 10, want: 75},
		{name: "single chunk done", settled: 1, total: 1, want: 75},
		{name: "zero total stays at plan", settled: 0, total: 0, want: 15},
		{name: "one of three", settled: 1, total: 3, want: 35},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProgressFor(tt.settled, tt.total))
		})
	}
}

func TestMergeResults_DropsOverlapDuplicates(t *testing.T) {
	chunks := []ChunkOutput{
		{ChunkIndex: 0, PageStart: 1, OverlapStart: 1,
			Sentences: []string{"Le chat dormait dehors.", "Il pleuvait fort."}},
		{ChunkIndex: 1, PageStart: 11, OverlapStart: 10,
			Sentences: []string{"Il pleuvait fort.", "La nuit tombait vite."}},
		{ChunkIndex: 2, PageStart: 21, OverlapStart: 20,
			Sentences: []string{"Le train partait enfin."}},
	}

	merged := MergeResults(chunks)
	assert.Equal(t, []string{
		"Le chat dormait dehors.",
		"Il pleuvait fort.",
		"La nuit tombait vite.",
		"Le train partait enfin.",
	}, merged)
}

func TestMergeResults_KeepsRepeatsOutsideOverlap(t *testing.T) {
	// A sentence that recurs in a distant chunk is a real repetition in
	// the document, not an overlap artifact.
	chunks := []ChunkOutput{
		{ChunkIndex: 0, PageStart: 1, OverlapStart: 1,
			Sentences: []string{"Il ne répondit pas.", "Elle attendait encore."}},
		{ChunkIndex: 1, PageStart: 11, OverlapStart: 10,
			Sentences: []string{"La pluie cessa."}},
		{ChunkIndex: 2, PageStart: 21, OverlapStart: 20,
			Sentences: []string{"Il ne répondit pas.", "Le silence dura."}},
	}

	merged := MergeResults(chunks)
	assert.Equal(t, []string{
		"Il ne répondit pas.",
		"Elle attendait encore.",
		"La pluie cessa.",
		"Il ne répondit pas.",
		"Le silence dura.",
	}, merged)
}

func TestMergeResults_NoOverlapKeepsAdjacentDuplicates(t *testing.T) {
	// Without an overlap window between the chunks there is nothing to
	// deduplicate.
	chunks := []ChunkOutput{
		{ChunkIndex: 0, PageStart: 1, OverlapStart: 1,
			Sentences: []string{"Le vent soufflait."}},
		{ChunkIndex: 1, PageStart: 11, OverlapStart: 11,
			Sentences: []string{"Le vent soufflait."}},
	}

	assert.Equal(t, []string{"Le vent soufflait.", "Le vent soufflait."}, MergeResults(chunks))
}

func TestNewHistory(t *testing.T) {
	job := &Job{
		ID:             "7b0a2c6e-0000-0000-0000-000000000002",
		UserID:         "3e7d5a10-0000-0000-0000-000000000001",
		Filename:       "roman.pdf",
		ModelProfile:   ProfileBalanced,
		PricingVersion: "v1",
		PricingRate:    1.0,
		PageCount:      22,
	}
	outputs := []ChunkOutput{
		{ChunkID: "c-1", ChunkIndex: 0, PageStart: 1, OverlapStart: 1,
			Sentences: []string{"Le chat dormait dehors.", "Il pleuvait fort."}},
		{ChunkID: "c-2", ChunkIndex: 1, PageStart: 11, OverlapStart: 10,
			Sentences: []string{"Il pleuvait fort.", "La nuit tombait vite."}},
	}

	history, err := NewHistory(job, outputs)
	require.NoError(t, err)

	assert.Equal(t, job.ID, history.JobID)
	assert.Equal(t, job.UserID, history.UserID)
	assert.Equal(t, "roman.pdf", history.Filename)
	assert.Equal(t, []string{"c-1", "c-2"}, history.ChunkIDs)
	assert.Equal(t, []string{
		"Le chat dormait dehors.",
		"Il pleuvait fort.",
		"La nuit tombait vite.",
	}, history.Sentences, "overlap duplicates are merged away before persisting")
	assert.False(t, history.Exported)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(history.SettingsSnapshot, &snapshot))
	assert.Equal(t, ProfileBalanced, snapshot["modelProfile"])
	assert.Equal(t, 1.0, snapshot["pricingRate"])
	assert.Equal(t, float64(22), snapshot["pageCount"])
}

func TestMergeResults_Empty(t *testing.T) {
	assert.Nil(t, MergeResults(nil))
	assert.Nil(t, MergeResults([]ChunkOutput{{}, {}}))
}

func TestGateForPassRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want passGate
	}{
		{name: "below minimum fails", rate: 0.29, want: gateFail},
		{name: "exactly minimum passes with warning", rate: 0.30, want: gateWarn},
		{name: "between thresholds warns", rate: 0.50, want: gateWarn},
		{name: "exactly warning threshold is clean", rate: 0.70, want: gateOK},
		{name: "above warning threshold is clean", rate: 0.95, want: gateOK},
		{name: "zero fails", rate: 0, want: gateFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gateForPassRate(tt.rate, 0.30, 0.70))
		})
	}
}

func TestPipelineContext_SoftLimitExpires(t *testing.T) {
	ctx, cancel := pipelineContext(context.Background(), time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("soft limit did not cancel the context")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestPipelineContext_ZeroLimitPassesThrough(t *testing.T) {
	ctx, cancel := pipelineContext(context.Background(), 0)
	defer cancel()

	assert.NoError(t, ctx.Err())
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
}

func TestMostFrequentCode(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
		want  string
	}{
		{
			name:  "clear winner",
			codes: []string{"model_failed", "low_validation_pass_rate", "model_failed"},
			want:  "model_failed",
		},
		{
			name:  "tie breaks lexicographically",
			codes: []string{"model_failed", "extraction_failed"},
			want:  "extraction_failed",
		},
		{
			name:  "single code",
			codes: []string{"stuck_chunk"},
			want:  "stuck_chunk",
		},
		{
			name: "empty",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MostFrequentCode(tt.codes))
		})
	}
}

func TestSnapshotEvent(t *testing.T) {
	code := "low_validation_pass_rate"
	msg := "every chunk failed"
	job := &Job{
		ID:            "7b0a2c6e-0000-0000-0000-000000000001",
		Status:        JobStatusFailed,
		Progress:      100,
		CurrentStep:   StepDone,
		TotalChunks:   4,
		SettledChunks: 4,
		FailedChunks:  4,
		ErrorCode:     &code,
		ErrorMessage:  &msg,
	}

	event := snapshotEvent(job)
	assert.Equal(t, "snapshot", event.Type)
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, JobStatusFailed, event.Status)
	assert.Equal(t, StepDone, event.CurrentStep)
	assert.Equal(t, code, event.ErrorCode)
	assert.Equal(t, msg, event.ErrorMessage)
	assert.False(t, event.Timestamp.IsZero())
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(JobStatusCompleted))
	assert.True(t, IsTerminalStatus(JobStatusFailed))
	assert.True(t, IsTerminalStatus(JobStatusCancelled))
	assert.False(t, IsTerminalStatus(JobStatusPending))
	assert.False(t, IsTerminalStatus(JobStatusQueued))
	assert.False(t, IsTerminalStatus(JobStatusProcessing))
}
