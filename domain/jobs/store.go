package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

// Store handles database operations for jobs and chunks
type Store struct {
	db  bun.IDB
	log *slog.Logger
}

// NewStore creates a new jobs store
func NewStore(db *bun.DB, log *slog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With(logger.Scope("jobs.store")),
	}
}

// CreateJob inserts a new job in the pending state, carrying its credit
// reservation.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if _, err := s.db.NewInsert().Model(job).Exec(ctx); err != nil {
		s.log.Error("failed to create job", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetJob returns a job by id scoped to its owner.
func (s *Store) GetJob(ctx context.Context, jobID, userID string) (*Job, error) {
	job := &Job{}
	err := s.db.NewSelect().
		Model(job).
		Where("j.id = ?", jobID).
		Where("j.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrJobNotFound
		}
		s.log.Error("failed to get job", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return job, nil
}

// GetJobAny returns a job by id without an owner check, for admin and
// background paths.
func (s *Store) GetJobAny(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	err := s.db.NewSelect().
		Model(job).
		Where("j.id = ?", jobID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrJobNotFound
		}
		s.log.Error("failed to get job", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return job, nil
}

// ListJobs returns a user's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, params JobListParams) ([]Job, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	jobsList := []Job{}
	q := s.db.NewSelect().
		Model(&jobsList).
		Where("j.user_id = ?", params.UserID)
	if params.Status != "" {
		q = q.Where("j.status = ?", params.Status)
	}

	total, err := q.
		Order("j.created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		ScanAndCount(ctx)
	if err != nil {
		s.log.Error("failed to list jobs", logger.Error(err))
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return jobsList, total, nil
}

// MarkQueued moves a job from pending to queued. Returns false when the
// job was not pending, so a duplicate start is a no-op.
func (s *Store) MarkQueued(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobStatusQueued).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status = ?", JobStatusPending).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to mark job queued", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return rows > 0, nil
}

// BeginProcessing moves a queued job to processing and stamps the first
// visible step.
func (s *Store) BeginProcessing(ctx context.Context, jobID string, progress int, step string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobStatusProcessing).
		Set("progress = ?", progress).
		Set("current_step = ?", step).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status = ?", JobStatusQueued).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to begin processing", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return rows > 0, nil
}

// CommitPlan records the chunk plan on a processing job.
func (s *Store) CommitPlan(ctx context.Context, db bun.IDB, jobID string, totalChunks, progress int, step string) error {
	_, err := db.NewUpdate().
		Model((*Job)(nil)).
		Set("total_chunks = ?", totalChunks).
		Set("progress = ?", progress).
		Set("current_step = ?", step).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status = ?", JobStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to commit chunk plan", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// InsertChunks bulk-inserts the planned chunks for a job.
func (s *Store) InsertChunks(ctx context.Context, db bun.IDB, chunks []JobChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&chunks).Exec(ctx); err != nil {
		s.log.Error("failed to insert chunks", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// ClaimChunk atomically claims the oldest due pending chunk. Uses
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
// Each claim counts as an attempt. Returns nil when the queue is empty.
func (s *Store) ClaimChunk(ctx context.Context, workerID string) (*JobChunk, error) {
	return s.claim(ctx, workerID, "")
}

// ClaimJobChunk claims one pending chunk belonging to a specific job,
// used by the single-chunk fast path.
func (s *Store) ClaimJobChunk(ctx context.Context, jobID, workerID string) (*JobChunk, error) {
	return s.claim(ctx, workerID, jobID)
}

func (s *Store) claim(ctx context.Context, workerID, jobID string) (*JobChunk, error) {
	// The empty job filter compares against the chunk's own job_id,
	// keeping the statement shape identical for both claim paths.
	query := `
		WITH cte AS (
			SELECT id FROM pf.job_chunks
			WHERE status = 'pending' AND scheduled_at <= now()
				AND job_id = COALESCE(NULLIF(?, '')::uuid, job_id)
			ORDER BY scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE pf.job_chunks jc
		SET status = 'processing',
			attempts = jc.attempts + 1,
			worker_id = ?,
			started_at = now(),
			heartbeat_at = now(),
			updated_at = now()
		FROM cte WHERE jc.id = cte.id
		RETURNING jc.*`

	chunk := &JobChunk{}
	err := s.db.NewRaw(query, jobID, workerID).Scan(ctx, chunk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.log.Error("failed to claim chunk", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return chunk, nil
}

// Heartbeat bumps a running chunk's liveness stamp. Returns false when
// the chunk is no longer processing or is owned by another worker.
func (s *Store) Heartbeat(ctx context.Context, chunkID, workerID string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("heartbeat_at = now()").
		Set("updated_at = now()").
		Where("id = ?", chunkID).
		Where("worker_id = ?", workerID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to heartbeat chunk", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// CompleteChunk settles a chunk as completed with its output.
func (s *Store) CompleteChunk(ctx context.Context, chunk *JobChunk, result *ChunkResult, passRate float64, tokensUsed int64, inputCount, outputCount int) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return apperror.ErrInternal.WithInternal(err)
	}

	res, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusCompleted).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Set("pass_rate = ?", passRate).
		Set("tokens_used = ?", tokensUsed).
		Set("input_sentence_count = ?", inputCount).
		Set("output_sentence_count = ?", outputCount).
		Set("result = ?", string(payload)).
		Where("id = ?", chunk.ID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to complete chunk", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("chunk %s no longer processing", chunk.ID)
	}
	return nil
}

// FailChunk settles a chunk as permanently failed.
func (s *Store) FailChunk(ctx context.Context, chunkID, code, message string) error {
	_, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusFailed).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Set("error_code = ?", code).
		Set("error_message = ?", truncateError(message)).
		Where("id = ?", chunkID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to fail chunk", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// RescheduleChunk puts a chunk back in the pending queue after a
// transient failure, delayed by the backoff.
func (s *Store) RescheduleChunk(ctx context.Context, chunkID, message string, delay time.Duration) error {
	_, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusPending).
		Set("worker_id = NULL").
		Set("started_at = NULL").
		Set("heartbeat_at = NULL").
		Set("scheduled_at = now() + (? || ' seconds')::interval", int(delay.Seconds())).
		Set("error_message = ?", truncateError(message)).
		Set("updated_at = now()").
		Where("id = ?", chunkID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to reschedule chunk", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SettleCounts is the job's fan-in state after one chunk settled.
type SettleCounts struct {
	SettledChunks int
	FailedChunks  int
	TotalChunks   int
	Progress      int
}

// RecordSettled bumps the job's settled counter for one chunk and
// recomputes progress in the same statement. The returned counts are
// the authoritative fan-in state: the caller that observes
// settled == total finalizes the job.
func (s *Store) RecordSettled(ctx context.Context, jobID string, failed bool) (*SettleCounts, error) {
	failedInc := 0
	if failed {
		failedInc = 1
	}

	query := `
		UPDATE pf.jobs
		SET settled_chunks = settled_chunks + 1,
			failed_chunks = failed_chunks + ?,
			progress = LEAST(15 + (settled_chunks + 1) * 60 / total_chunks, 75),
			current_step = 'Normalizing',
			updated_at = now()
		WHERE id = ? AND status = 'processing'
		RETURNING settled_chunks, failed_chunks, total_chunks, progress`

	counts := &SettleCounts{}
	err := s.db.NewRaw(query, failedInc, jobID).
		Scan(ctx, &counts.SettledChunks, &counts.FailedChunks, &counts.TotalChunks, &counts.Progress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Job already left processing (cancelled or force-finalized).
			return nil, nil
		}
		s.log.Error("failed to record settled chunk", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return counts, nil
}

// FinalizeJob moves a processing job to a terminal state. Returns false
// when another writer finalized first. Runs on the caller's db handle so
// the terminal write and the history row can share a transaction.
func (s *Store) FinalizeJob(ctx context.Context, db bun.IDB, jobID, status string, actualTokens, actualCredits int64, errorCode, errorMessage string) (bool, error) {
	q := db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", status).
		Set("progress = 100").
		Set("current_step = ?", StepDone).
		Set("actual_tokens = ?", actualTokens).
		Set("actual_credits = ?", actualCredits).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status = ?", JobStatusProcessing)
	if errorCode != "" {
		q = q.Set("error_code = ?", errorCode).
			Set("error_message = ?", truncateError(errorMessage))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		s.log.Error("failed to finalize job", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return rows > 0, nil
}

// CancelJob moves a non-terminal job to cancelled. Returns the previous
// status. The row lock keeps the status read and the update atomic
// against concurrent finalization.
func (s *Store) CancelJob(ctx context.Context, db bun.IDB, jobID string) (string, error) {
	var prev string
	err := db.NewSelect().
		Model((*Job)(nil)).
		Column("status").
		Where("id = ?", jobID).
		For("UPDATE").
		Scan(ctx, &prev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.ErrJobNotFound
		}
		return "", apperror.ErrDatabase.WithInternal(err)
	}
	if IsTerminalStatus(prev) {
		return "", apperror.ErrAlreadyTerminal
	}

	_, err = db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobStatusCancelled).
		Set("current_step = ?", StepDone).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to cancel job", logger.Error(err))
		return "", apperror.ErrDatabase.WithInternal(err)
	}
	return prev, nil
}

// CancelPendingChunks drops a job's unclaimed chunks. In-flight chunks
// finish on their own and settle against an already-cancelled job.
func (s *Store) CancelPendingChunks(ctx context.Context, db bun.IDB, jobID string) (int64, error) {
	res, err := db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusCancelled).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("job_id = ?", jobID).
		Where("status = ?", ChunkStatusPending).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to cancel pending chunks", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// AbandonChunk cancels a claimed chunk whose job already left the
// processing state. The chunk does not settle against the job.
func (s *Store) AbandonChunk(ctx context.Context, chunkID string) error {
	_, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusCancelled).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("id = ?", chunkID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to abandon chunk", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// CompletedChunks returns the completed chunks with their payloads, in
// chunk order, ready for the overlap-aware merge.
func (s *Store) CompletedChunks(ctx context.Context, jobID string) ([]ChunkOutput, error) {
	chunks := []JobChunk{}
	err := s.db.NewSelect().
		Model(&chunks).
		Column("id", "chunk_index", "page_start", "overlap_start", "result").
		Where("job_id = ?", jobID).
		Where("status = ?", ChunkStatusCompleted).
		Order("chunk_index ASC").
		Scan(ctx)
	if err != nil {
		s.log.Error("failed to collect completed chunks", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	outputs := make([]ChunkOutput, 0, len(chunks))
	for _, c := range chunks {
		out := ChunkOutput{
			ChunkID:      c.ID,
			ChunkIndex:   c.ChunkIndex,
			PageStart:    c.PageStart,
			OverlapStart: c.OverlapStart,
		}
		if len(c.Result) > 0 {
			var r ChunkResult
			if err := json.Unmarshal(c.Result, &r); err != nil {
				s.log.Warn("skipping malformed chunk result", slog.String("job_id", jobID), logger.Error(err))
				continue
			}
			out.Sentences = r.Sentences
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// SumChunkTokens totals the tokens consumed by a job's chunks.
func (s *Store) SumChunkTokens(ctx context.Context, jobID string) (int64, error) {
	var total int64
	err := s.db.NewSelect().
		Model((*JobChunk)(nil)).
		ColumnExpr("COALESCE(SUM(tokens_used), 0)").
		Where("job_id = ?", jobID).
		Scan(ctx, &total)
	if err != nil {
		s.log.Error("failed to sum chunk tokens", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return total, nil
}

// FailedChunkCodes returns the error codes of a job's failed chunks.
func (s *Store) FailedChunkCodes(ctx context.Context, jobID string) ([]string, error) {
	var codes []string
	err := s.db.NewSelect().
		Model((*JobChunk)(nil)).
		ColumnExpr("COALESCE(error_code, 'unknown')").
		Where("job_id = ?", jobID).
		Where("status = ?", ChunkStatusFailed).
		Scan(ctx, &codes)
	if err != nil {
		s.log.Error("failed to read failed chunk codes", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return codes, nil
}

// StuckChunks returns processing chunks whose heartbeat went silent for
// longer than the threshold, usually after a worker crash.
func (s *Store) StuckChunks(ctx context.Context, threshold time.Duration) ([]JobChunk, error) {
	chunks := []JobChunk{}
	err := s.db.NewSelect().
		Model(&chunks).
		Where("status = ?", ChunkStatusProcessing).
		Where("COALESCE(heartbeat_at, started_at) < now() - (? || ' seconds')::interval", int(threshold.Seconds())).
		Scan(ctx)
	if err != nil {
		s.log.Error("failed to query stuck chunks", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return chunks, nil
}

// ReclaimChunk moves a stuck processing chunk back to pending so
// another worker can pick it up. Returns false when the chunk moved on
// in the meantime.
func (s *Store) ReclaimChunk(ctx context.Context, chunkID string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*JobChunk)(nil)).
		Set("status = ?", ChunkStatusPending).
		Set("worker_id = NULL").
		Set("started_at = NULL").
		Set("heartbeat_at = NULL").
		Set("scheduled_at = now()").
		Set("updated_at = now()").
		Where("id = ?", chunkID).
		Where("status = ?", ChunkStatusProcessing).
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to reclaim chunk", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// UnfinalizedJobs returns processing jobs whose chunks have all settled
// but whose terminal write and history row never landed, usually after
// a crash between the counter update and finalization.
func (s *Store) UnfinalizedJobs(ctx context.Context, settleAge time.Duration) ([]Job, error) {
	jobsList := []Job{}
	err := s.db.NewSelect().
		Model(&jobsList).
		Where("status = ?", JobStatusProcessing).
		Where("total_chunks > 0").
		Where("settled_chunks >= total_chunks").
		Where("NOT EXISTS (SELECT 1 FROM pf.histories h WHERE h.job_id = j.id)").
		Where("updated_at < now() - (? || ' seconds')::interval", int(settleAge.Seconds())).
		Scan(ctx)
	if err != nil {
		s.log.Error("failed to query unfinalized jobs", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobsList, nil
}

// ExpiredJobs returns processing jobs older than the soft timeout.
func (s *Store) ExpiredJobs(ctx context.Context, timeout time.Duration) ([]Job, error) {
	jobsList := []Job{}
	err := s.db.NewSelect().
		Model(&jobsList).
		Where("status = ?", JobStatusProcessing).
		Where("confirmed_at < now() - (? || ' seconds')::interval", int(timeout.Seconds())).
		Scan(ctx)
	if err != nil {
		s.log.Error("failed to query expired jobs", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobsList, nil
}

// SaveHistory persists the merged result of a completed job. Idempotent
// per job, so a finalize retry never duplicates the row.
func (s *Store) SaveHistory(ctx context.Context, db bun.IDB, history *History) error {
	if history.Sentences == nil {
		history.Sentences = []string{}
	}
	if history.ChunkIDs == nil {
		history.ChunkIDs = []string{}
	}
	_, err := db.NewInsert().
		Model(history).
		On("CONFLICT (job_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		s.log.Error("failed to save history", slog.String("job_id", history.JobID), logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// HistoryByJob returns a job's persisted result, or nil when the job
// has not completed.
func (s *Store) HistoryByJob(ctx context.Context, jobID string) (*History, error) {
	history := &History{}
	err := s.db.NewSelect().
		Model(history).
		Where("job_id = ?", jobID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.log.Error("failed to load history", slog.String("job_id", jobID), logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return history, nil
}

// InsertHistory appends a job history event.
func (s *Store) InsertHistory(ctx context.Context, jobID, userID, event string, detail any) error {
	entry := &JobHistory{JobID: jobID, UserID: userID, Event: event}
	if detail != nil {
		payload, err := json.Marshal(detail)
		if err == nil {
			entry.Detail = payload
		}
	}
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		// History is best-effort; the job flow never fails on it.
		s.log.Warn("failed to insert job history", slog.String("event", event), logger.Error(err))
	}
	return nil
}

// ListHistory returns a job's history events, oldest first.
func (s *Store) ListHistory(ctx context.Context, jobID string) ([]JobHistory, error) {
	entries := []JobHistory{}
	err := s.db.NewSelect().
		Model(&entries).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		s.log.Error("failed to list job history", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

// truncateError caps stored error messages.
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
