package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/domain/credits"
	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/internal/database"
	"github.com/phraseforge/phraseforge/internal/storage"
	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/linguist"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
	"github.com/phraseforge/phraseforge/pkg/normalize"
	"github.com/phraseforge/phraseforge/pkg/pdftext"
	"github.com/phraseforge/phraseforge/pkg/preprocess"
	"github.com/phraseforge/phraseforge/pkg/sse"
	"github.com/phraseforge/phraseforge/pkg/tier"
	"github.com/phraseforge/phraseforge/pkg/validate"
)

// ProgressPublisher fans job progress out to subscribers. Events are
// full snapshots, so duplicate delivery is harmless.
type ProgressPublisher interface {
	Publish(ctx context.Context, event sse.JobProgressEvent)
}

// progressAnalyzing is set when planning begins, progressAfterPlan when
// the chunk plan is committed; chunk settlement moves it towards
// progressSettleCeiling and finalization jumps to 100.
const (
	progressAnalyzing     = 5
	progressAfterPlan     = 15
	progressSettleSpan    = 60
	progressSettleCeiling = 75
)

// ProgressFor computes job progress from settled chunk counts.
func ProgressFor(settled, total int) int {
	if total <= 0 {
		return progressAfterPlan
	}
	p := progressAfterPlan + settled*progressSettleSpan/total
	if p > progressSettleCeiling {
		p = progressSettleCeiling
	}
	return p
}

// Engine drives the job lifecycle: estimate, confirm and fan-out,
// per-chunk processing, fan-in and finalization.
type Engine struct {
	store     *Store
	db        *bun.DB
	credits   *credits.Service
	estimator *Estimator
	storage   *storage.Service
	extractor pdftext.Extractor
	prep      *preprocess.Preprocessor
	ling      linguist.Engine
	norm      *normalize.Normalizer
	validator *validate.Validator
	progress  ProgressPublisher
	cfg       *config.Config
	log       *slog.Logger
}

// NewEngine creates the job engine.
func NewEngine(
	store *Store,
	db *bun.DB,
	creditsSvc *credits.Service,
	storageSvc *storage.Service,
	extractor pdftext.Extractor,
	ling linguist.Engine,
	norm *normalize.Normalizer,
	progress ProgressPublisher,
	cfg *config.Config,
	log *slog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		db:        db,
		credits:   creditsSvc,
		estimator: NewEstimator(cfg.Credits),
		storage:   storageSvc,
		extractor: extractor,
		prep:      preprocess.New(ling),
		ling:      ling,
		norm:      norm,
		validator: validate.New(validate.Config{
			MinWords: cfg.Validation.MinWords,
			MaxWords: cfg.Validation.MaxWords,
		}),
		progress: progress,
		cfg:      cfg,
		log:      log.With(logger.Scope("jobs.engine")),
	}
}

// Estimate prices a document without creating anything. Tokens scale
// with pages and the profile factor; credits apply the stored rate plus
// the safety multiplier.
func (e *Engine) Estimate(pageCount int, profile string) (*EstimateResponse, error) {
	if profile == "" {
		profile = ProfileBalanced
	}
	if !ValidProfile(profile) {
		return nil, apperror.ErrBadRequest.WithMessage(fmt.Sprintf("Unknown model profile %q", profile))
	}
	if pageCount <= 0 {
		return nil, apperror.ErrBadRequest.WithMessage("Page count must be positive")
	}

	est := e.estimator.Estimate(pageCount, profile)
	return &EstimateResponse{
		PageCount:        pageCount,
		ModelProfile:     profile,
		PricingVersion:   e.cfg.Credits.PricingVersion,
		PricingRate:      e.estimator.Rate(),
		EstimatedTokens:  est.Tokens,
		EstimatedCredits: est.Credits,
	}, nil
}

// Confirm validates the upload, reserves the estimated credits and
// creates a pending job, then starts planning in the background. The
// reservation is written before the job row; a crash between the two
// is repaired by the abandoned-reservation watchdog.
func (e *Engine) Confirm(ctx context.Context, userID, filename string, content []byte, profile string) (*CreateResponse, error) {
	if profile == "" {
		profile = ProfileBalanced
	}
	if !ValidProfile(profile) {
		return nil, apperror.ErrBadRequest.WithMessage(fmt.Sprintf("Unknown model profile %q", profile))
	}

	probe, err := e.extractor.Probe(ctx, content, filename)
	if err != nil {
		var extractErr *pdftext.Error
		if errors.As(err, &extractErr) && extractErr.IsInvalidPDF() {
			return nil, apperror.ErrInvalidPDF.WithInternal(err)
		}
		return nil, err
	}
	if probe.PageCount <= 0 {
		return nil, apperror.ErrInvalidPDF.WithMessage("Document has no readable pages")
	}

	upload, err := e.storage.UploadPDF(ctx, userID, filename, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}

	est := e.estimator.Estimate(probe.PageCount, profile)
	jobID := uuid.NewString()

	reservationID, err := e.credits.Reserve(ctx, userID, est.Credits, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:               jobID,
		UserID:           userID,
		Status:           JobStatusPending,
		Filename:         filename,
		StorageKey:       &upload.Key,
		PageCount:        probe.PageCount,
		ModelProfile:     profile,
		PricingVersion:   e.cfg.Credits.PricingVersion,
		PricingRate:      e.estimator.Rate(),
		EstimatedTokens:  est.Tokens,
		EstimatedCredits: est.Credits,
		ReservationID:    &reservationID,
		ConfirmedAt:      &now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		if refundErr := e.credits.Refund(ctx, reservationID, "job creation failed"); refundErr != nil {
			e.log.Error("failed to refund after create failure", logger.Error(refundErr))
		}
		return nil, err
	}

	metrics.JobsCreated.Inc()
	_ = e.store.InsertHistory(ctx, jobID, userID, EventConfirmed, map[string]any{
		"pageCount":        probe.PageCount,
		"estimatedTokens":  est.Tokens,
		"estimatedCredits": est.Credits,
		"modelProfile":     profile,
		"reservationId":    reservationID,
	})

	balance, err := e.credits.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.log.Info("job confirmed",
		slog.String("job_id", jobID),
		slog.Int("pages", probe.PageCount),
		slog.Int64("credits", est.Credits),
	)

	// Planning runs outside the request. The request context dies with
	// the response, so the start task carries its values only.
	go e.Start(context.WithoutCancel(ctx), jobID)

	return &CreateResponse{
		JobID:            jobID,
		EstimatedCredits: est.Credits,
		Balance:          balance.Balance,
	}, nil
}

// Start plans a pending job and opens it for workers. Duplicate starts
// are no-ops: only the caller that wins pending -> queued proceeds.
// A single-chunk job is executed inline, skipping the fan-out.
func (e *Engine) Start(ctx context.Context, jobID string) {
	log := e.log.With(slog.String("job_id", jobID))

	queued, err := e.store.MarkQueued(ctx, jobID)
	if err != nil {
		log.Error("failed to queue job", logger.Error(err))
		return
	}
	if !queued {
		return
	}

	job, err := e.store.GetJobAny(ctx, jobID)
	if err != nil {
		log.Error("failed to load job for planning", logger.Error(err))
		return
	}

	started, err := e.store.BeginProcessing(ctx, jobID, progressAnalyzing, StepAnalyzing)
	if err != nil || !started {
		if err != nil {
			log.Error("failed to begin processing", logger.Error(err))
		}
		return
	}
	job.Status = JobStatusProcessing
	job.Progress = progressAnalyzing
	job.CurrentStep = StepAnalyzing
	e.publish(ctx, job, string(sse.EventProgress))

	spans := PlanChunks(job.PageCount)
	chunks := make([]JobChunk, len(spans))
	for i, span := range spans {
		chunks[i] = JobChunk{
			JobID:        jobID,
			ChunkIndex:   span.Index,
			PageStart:    span.PageStart,
			PageEnd:      span.PageEnd,
			OverlapStart: span.OverlapStart,
		}
	}

	err = database.RunInSafeTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if err := e.store.CommitPlan(ctx, tx, jobID, len(chunks), progressAfterPlan, StepSplitting); err != nil {
			return err
		}
		return e.store.InsertChunks(ctx, tx, chunks)
	})
	if err != nil {
		log.Error("failed to commit chunk plan", logger.Error(err))
		e.failUnplanned(ctx, job, log)
		return
	}

	_ = e.store.InsertHistory(ctx, jobID, job.UserID, EventStarted, map[string]any{
		"totalChunks": len(chunks),
	})

	job.Progress = progressAfterPlan
	job.CurrentStep = StepSplitting
	job.TotalChunks = len(chunks)
	e.publish(ctx, job, string(sse.EventProgress))

	log.Info("job planned", slog.Int("chunks", len(chunks)))

	if len(chunks) == 1 {
		chunk, err := e.store.ClaimJobChunk(ctx, jobID, "inline-"+jobID[:8])
		if err != nil {
			log.Error("failed to claim fast-path chunk", logger.Error(err))
			return
		}
		if chunk == nil {
			return
		}
		start := time.Now()
		e.processChunk(ctx, chunk)
		metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	}
}

// failUnplanned finalizes a job whose chunk plan never committed and
// releases its reservation.
func (e *Engine) failUnplanned(ctx context.Context, job *Job, log *slog.Logger) {
	won, err := e.store.FinalizeJob(ctx, e.db, job.ID, JobStatusFailed, 0, 0, ErrCodePlanFailed, "chunk plan could not be committed")
	if err != nil || !won {
		return
	}
	if job.ReservationID != nil {
		if err := e.credits.Refund(ctx, *job.ReservationID, "planning failed"); err != nil {
			log.Error("failed to refund unplanned job", logger.Error(err))
		}
	}
	metrics.JobsFinalized.WithLabelValues(JobStatusFailed).Inc()
	job.Status = JobStatusFailed
	job.Progress = 100
	job.CurrentStep = StepDone
	e.publish(ctx, job, string(sse.EventDone))
}

// ProcessNext claims and processes one chunk. Returns false when the
// queue is empty.
func (e *Engine) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	chunk, err := e.store.ClaimChunk(ctx, workerID)
	if err != nil {
		return false, err
	}
	if chunk == nil {
		return false, nil
	}

	start := time.Now()
	e.processChunk(ctx, chunk)
	metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	return true, nil
}

// processChunk runs the pipeline for one claimed chunk and settles it.
// Errors never propagate to the worker loop; they settle the chunk.
func (e *Engine) processChunk(ctx context.Context, chunk *JobChunk) {
	log := e.log.With(
		slog.String("job_id", chunk.JobID),
		slog.String("chunk_id", chunk.ID),
		slog.Int("chunk_index", chunk.ChunkIndex),
	)

	job, err := e.store.GetJobAny(ctx, chunk.JobID)
	if err != nil {
		e.settleFailure(ctx, chunk, ErrCodeStuck, err.Error(), log)
		return
	}
	if job.Status != JobStatusProcessing {
		log.Info("job left processing, abandoning chunk", slog.String("job_status", job.Status))
		_ = e.store.AbandonChunk(ctx, chunk.ID)
		return
	}

	// Heartbeats keep the stuck-chunk watchdog off a live worker.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx, chunk, log)

	// The soft limit cancels the pipeline between stages; settlement
	// below still runs on the parent context.
	pipeCtx, cancelPipe := pipelineContext(ctx, e.cfg.Workers.SoftTimeout)
	defer cancelPipe()

	outcome, err := e.runPipeline(pipeCtx, job, chunk, log)
	if err != nil {
		e.handlePipelineError(ctx, chunk, err, log)
		return
	}

	metrics.ValidationPassRate.Observe(outcome.stats.PassRate)
	switch gateForPassRate(outcome.stats.PassRate, e.cfg.Validation.MinPassRate, e.cfg.Validation.WarnPassRate) {
	case gateFail:
		log.Warn("chunk failed validation gate",
			slog.Float64("pass_rate", outcome.stats.PassRate),
			slog.Int("total", outcome.stats.Total),
		)
		e.settleFailure(ctx, chunk, ErrCodeLowPassRate,
			fmt.Sprintf("validation pass rate %.2f below %.2f", outcome.stats.PassRate, e.cfg.Validation.MinPassRate), log)
		return
	case gateWarn:
		log.Warn("chunk pass rate below warning threshold",
			slog.Float64("pass_rate", outcome.stats.PassRate),
		)
	}

	err = e.store.CompleteChunk(ctx, chunk, outcome.result, outcome.stats.PassRate,
		outcome.tokensUsed, outcome.inputCount, len(outcome.result.Sentences))
	if err != nil {
		log.Error("failed to persist chunk result", logger.Error(err))
		return
	}

	metrics.ChunksProcessed.WithLabelValues("completed").Inc()
	e.settle(ctx, chunk.JobID, false, log)
}

// passGate is the validation outcome for a chunk's pass rate.
type passGate int

const (
	gateOK passGate = iota
	gateWarn
	gateFail
)

// gateForPassRate classifies a chunk's validation pass rate. Rates at
// the minimum pass; only rates strictly below it fail.
func gateForPassRate(rate, min, warn float64) passGate {
	switch {
	case rate < min:
		return gateFail
	case rate < warn:
		return gateWarn
	default:
		return gateOK
	}
}

// pipelineContext bounds a chunk pipeline with the worker soft limit.
// The pipeline observes the deadline at stage boundaries; a zero limit
// leaves the parent context untouched.
func pipelineContext(ctx context.Context, soft time.Duration) (context.Context, context.CancelFunc) {
	if soft <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, soft)
}

// heartbeatLoop stamps the chunk while its pipeline runs. It stops when
// the chunk is no longer owned, which means a watchdog reclaimed it.
func (e *Engine) heartbeatLoop(ctx context.Context, chunk *JobChunk, log *slog.Logger) {
	workerID := ""
	if chunk.WorkerID != nil {
		workerID = *chunk.WorkerID
	}

	ticker := time.NewTicker(e.cfg.Jobs.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.Heartbeat(ctx, chunk.ID, workerID)
			if err != nil {
				log.Warn("chunk heartbeat failed", logger.Error(err))
				continue
			}
			if !ok {
				log.Warn("chunk ownership lost, stopping heartbeat")
				return
			}
		}
	}
}

// chunkOutcome carries the pipeline output for one chunk.
type chunkOutcome struct {
	result     *ChunkResult
	stats      validate.Stats
	tokensUsed int64
	inputCount int
}

// runPipeline extracts, preprocesses, routes, normalizes and validates
// one chunk's pages.
func (e *Engine) runPipeline(ctx context.Context, job *Job, chunk *JobChunk, log *slog.Logger) (*chunkOutcome, error) {
	if job.StorageKey == nil {
		return nil, fmt.Errorf("job %s has no stored document", job.ID)
	}

	reader, err := e.storage.Download(ctx, *job.StorageKey)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extracted, err := e.extractor.ExtractPages(ctx, content, job.Filename, chunk.OverlapStart, chunk.PageEnd)
	if err != nil {
		var extractErr *pdftext.Error
		if errors.As(err, &extractErr) && extractErr.IsInvalidPDF() {
			return nil, fatalError{code: ErrCodeExtractFailed, err: err}
		}
		return nil, err
	}

	pages := make([]preprocess.Page, len(extracted.Pages))
	for i, p := range extracted.Pages {
		pages[i] = preprocess.Page{Number: p.Page, Text: p.Text}
	}

	sentences, err := e.prep.Process(ctx, pages, chunk.PageStart)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byTier := tier.Split(sentences)
	outputs := make([]string, 0, len(sentences))
	for _, s := range byTier[tier.Passthrough] {
		outputs = append(outputs, s.Text)
	}

	var tokensUsed int64
	for _, t := range []tier.Tier{tier.Light, tier.Heavy} {
		group := byTier[t]
		if len(group) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		texts := make([]string, len(group))
		for i, s := range group {
			texts[i] = s.Text
		}

		res, err := e.norm.Normalize(ctx, t, texts)
		if err != nil {
			if normalize.IsTransient(err) {
				return nil, err
			}
			return nil, fatalError{code: ErrCodeModelFailed, err: err}
		}
		outputs = append(outputs, res.Sentences...)
		tokensUsed += res.TokensUsed
		metrics.ModelCalls.WithLabelValues(string(t)).Add(float64(res.Calls))
		if res.FallbackUsed {
			metrics.ModelFallbacks.Inc()
		}
	}
	metrics.ModelTokens.Add(float64(tokensUsed))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	anns, err := e.ling.Annotate(ctx, outputs)
	if err != nil {
		return nil, err
	}
	verdicts, stats := e.validator.CheckAll(outputs, anns)

	result := &ChunkResult{}
	for _, v := range verdicts {
		if v.Passed {
			result.Sentences = append(result.Sentences, v.Sentence)
		} else {
			result.Rejected = append(result.Rejected, struct {
				Sentence string `json:"sentence"`
				Code     string `json:"code"`
			}{Sentence: v.Sentence, Code: v.Code})
		}
	}

	log.Debug("chunk pipeline complete",
		slog.Int("input_sentences", len(sentences)),
		slog.Int("output_sentences", len(result.Sentences)),
		slog.Float64("pass_rate", stats.PassRate),
		slog.Int64("tokens", tokensUsed),
	)

	return &chunkOutcome{
		result:     result,
		stats:      stats,
		tokensUsed: tokensUsed,
		inputCount: len(sentences),
	}, nil
}

// fatalError marks a pipeline error that must not be retried.
type fatalError struct {
	code string
	err  error
}

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// handlePipelineError reschedules transient failures within the retry
// budget and settles everything else as a failed chunk.
func (e *Engine) handlePipelineError(ctx context.Context, chunk *JobChunk, err error, log *slog.Logger) {
	var fatal fatalError
	if errors.As(err, &fatal) {
		log.Warn("chunk failed permanently", slog.String("code", fatal.code), logger.Error(err))
		e.settleFailure(ctx, chunk, fatal.code, err.Error(), log)
		return
	}

	// Claiming incremented attempts, so the retry budget allows
	// ChunkMaxRetries reschedules after the first attempt.
	if chunk.Attempts <= e.cfg.Jobs.ChunkMaxRetries {
		delay := e.cfg.Jobs.ChunkRetryBaseDelay * (1 << (chunk.Attempts - 1))
		log.Warn("chunk failed, rescheduling",
			slog.Int("attempt", chunk.Attempts),
			slog.Duration("delay", delay),
			logger.Error(err),
		)
		metrics.ChunkRetries.Inc()
		metrics.ChunksProcessed.WithLabelValues("rescheduled").Inc()
		if rErr := e.store.RescheduleChunk(ctx, chunk.ID, err.Error(), delay); rErr != nil {
			log.Error("failed to reschedule chunk", logger.Error(rErr))
		}
		return
	}

	log.Warn("chunk exhausted retries", slog.Int("attempts", chunk.Attempts), logger.Error(err))
	e.settleFailure(ctx, chunk, ErrCodeModelFailed, err.Error(), log)
}

// settleFailure marks the chunk failed and settles it against the job.
func (e *Engine) settleFailure(ctx context.Context, chunk *JobChunk, code, message string, log *slog.Logger) {
	if err := e.store.FailChunk(ctx, chunk.ID, code, message); err != nil {
		log.Error("failed to mark chunk failed", logger.Error(err))
		return
	}
	metrics.ChunksProcessed.WithLabelValues("failed").Inc()
	e.settle(ctx, chunk.JobID, true, log)
}

// settle records the chunk against the job's fan-in counter and lets
// the last writer finalize.
func (e *Engine) settle(ctx context.Context, jobID string, failed bool, log *slog.Logger) {
	counts, err := e.store.RecordSettled(ctx, jobID, failed)
	if err != nil {
		log.Error("failed to settle chunk", logger.Error(err))
		return
	}
	if counts == nil {
		// Job already terminal; nothing to report.
		return
	}

	e.progress.Publish(ctx, sse.NewProgressEvent(sse.JobProgressEvent{
		JobID:         jobID,
		Status:        JobStatusProcessing,
		Progress:      counts.Progress,
		CurrentStep:   StepNormalizing,
		TotalChunks:   counts.TotalChunks,
		SettledChunks: counts.SettledChunks,
		FailedChunks:  counts.FailedChunks,
		Timestamp:     time.Now().UTC(),
	}))

	if counts.SettledChunks >= counts.TotalChunks {
		e.finalize(ctx, jobID, "", log)
	}
}

// finalize moves a fully settled job to its terminal state. Exactly one
// caller wins the conditional update; the rest are no-ops. The winning
// branch writes the job's persisted result in the same transaction, so
// a completed job always has its history row. forcedCode marks
// administrative finalization.
func (e *Engine) finalize(ctx context.Context, jobID, forcedCode string, log *slog.Logger) {
	job, err := e.store.GetJobAny(ctx, jobID)
	if err != nil {
		log.Error("failed to load job for finalization", logger.Error(err))
		return
	}

	tokens, err := e.store.SumChunkTokens(ctx, jobID)
	if err != nil {
		log.Error("failed to sum tokens", logger.Error(err))
		return
	}
	// Charge at the rate captured when credits were reserved.
	actualCredits := job.ActualCreditsFor(tokens)

	status := JobStatusCompleted
	errorCode := forcedCode
	errorMessage := ""
	completed := job.SettledChunks - job.FailedChunks
	if job.TotalChunks > 0 && completed <= 0 {
		status = JobStatusFailed
		codes, err := e.store.FailedChunkCodes(ctx, jobID)
		if err != nil {
			log.Error("failed to read chunk error codes", logger.Error(err))
		}
		errorCode = MostFrequentCode(codes)
		if errorCode == "" {
			errorCode = ErrCodeAllChunksFailed
		}
		errorMessage = "every chunk failed"
	}

	var history *History
	if status == JobStatusCompleted {
		history, err = e.buildHistory(ctx, job)
		if err != nil {
			log.Error("failed to build job history", logger.Error(err))
			return
		}
	}

	var won bool
	err = database.RunInSafeTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		var txErr error
		won, txErr = e.store.FinalizeJob(ctx, tx, jobID, status, tokens, actualCredits, errorCode, errorMessage)
		if txErr != nil || !won {
			return txErr
		}
		if history != nil {
			return e.store.SaveHistory(ctx, tx, history)
		}
		return nil
	})
	if err != nil {
		log.Error("failed to finalize job", logger.Error(err))
		return
	}
	if !won {
		return
	}

	if job.ReservationID != nil {
		if status == JobStatusFailed {
			err = e.credits.Refund(ctx, *job.ReservationID, "job failed")
		} else {
			err = e.credits.Finalize(ctx, *job.ReservationID, actualCredits)
		}
		if err != nil {
			log.Error("failed to settle credits", logger.Error(err))
		}
	}

	metrics.JobsFinalized.WithLabelValues(status).Inc()
	if job.ConfirmedAt != nil {
		metrics.JobDuration.Observe(time.Since(*job.ConfirmedAt).Seconds())
	}

	event := sse.JobProgressEvent{
		Type:          string(sse.EventDone),
		JobID:         jobID,
		Status:        status,
		Progress:      100,
		CurrentStep:   StepDone,
		TotalChunks:   job.TotalChunks,
		SettledChunks: job.SettledChunks,
		FailedChunks:  job.FailedChunks,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		Timestamp:     time.Now().UTC(),
	}
	e.progress.Publish(ctx, event)

	_ = e.store.InsertHistory(ctx, jobID, job.UserID, EventFinalized, map[string]any{
		"status":        status,
		"actualTokens":  tokens,
		"actualCredits": actualCredits,
		"failedChunks":  job.FailedChunks,
	})

	log.Info("job finalized",
		slog.String("job_id", jobID),
		slog.String("status", status),
		slog.Int64("tokens", tokens),
		slog.Int64("credits", actualCredits),
	)
}

// buildHistory merges the completed chunk outputs into the persisted
// result entity for a job about to complete.
func (e *Engine) buildHistory(ctx context.Context, job *Job) (*History, error) {
	outputs, err := e.store.CompletedChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return NewHistory(job, outputs)
}

// NewHistory builds the persisted result entity from a job and its
// completed chunk outputs, in chunk order.
func NewHistory(job *Job, outputs []ChunkOutput) (*History, error) {
	chunkIDs := make([]string, len(outputs))
	for i, o := range outputs {
		chunkIDs[i] = o.ChunkID
	}

	snapshot, err := json.Marshal(map[string]any{
		"modelProfile":   job.ModelProfile,
		"pricingVersion": job.PricingVersion,
		"pricingRate":    job.PricingRate,
		"pageCount":      job.PageCount,
	})
	if err != nil {
		return nil, err
	}

	return &History{
		JobID:            job.ID,
		UserID:           job.UserID,
		Filename:         job.Filename,
		Sentences:        MergeResults(outputs),
		ChunkIDs:         chunkIDs,
		SettingsSnapshot: snapshot,
	}, nil
}

// Cancel stops a non-terminal job, drops its unclaimed chunks and
// refunds the reservation.
func (e *Engine) Cancel(ctx context.Context, userID, jobID string) (*Job, error) {
	job, err := e.store.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}

	var dropped int64
	err = database.RunInSafeTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		if _, err := e.store.CancelJob(ctx, tx, jobID); err != nil {
			return err
		}
		dropped, err = e.store.CancelPendingChunks(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if job.ReservationID != nil {
		if err := e.credits.Refund(ctx, *job.ReservationID, "job cancelled"); err != nil {
			e.log.Error("failed to refund cancelled job", logger.Error(err))
		}
	}

	_ = e.store.InsertHistory(ctx, jobID, userID, EventCancelled, map[string]any{
		"droppedChunks": dropped,
	})

	job, err = e.store.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, job, string(sse.EventDone))

	e.log.Info("job cancelled",
		slog.String("job_id", jobID),
		slog.Int64("dropped_chunks", dropped),
	)
	return job, nil
}

// ForceFinalize administratively finalizes a processing job from
// whatever has settled so far. Unclaimed chunks are dropped.
func (e *Engine) ForceFinalize(ctx context.Context, jobID string) (*Job, error) {
	job, err := e.store.GetJobAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if IsTerminalStatus(job.Status) {
		return nil, apperror.ErrAlreadyTerminal
	}
	if job.Status != JobStatusProcessing {
		return nil, apperror.ErrConflict.WithMessage("Job has not started processing")
	}

	err = database.RunInSafeTx(ctx, e.db, func(ctx context.Context, tx bun.Tx) error {
		_, err := e.store.CancelPendingChunks(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.finalize(ctx, jobID, ErrCodeForceFinalized, e.log)

	_ = e.store.InsertHistory(ctx, jobID, job.UserID, EventForceFinalized, nil)
	return e.store.GetJobAny(ctx, jobID)
}

// Result returns the persisted result of a completed job.
func (e *Engine) Result(ctx context.Context, userID, jobID string) (*ResultResponse, error) {
	job, err := e.store.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusCompleted {
		return nil, apperror.ErrConflict.WithMessage("Job has no result yet")
	}

	history, err := e.store.HistoryByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		// Completed jobs are written with their history atomically, so
		// this only happens on rows finalized before the history table.
		return nil, apperror.ErrConflict.WithMessage("Job result is not available")
	}

	return &ResultResponse{
		JobID:     jobID,
		Status:    job.Status,
		Sentences: history.Sentences,
	}, nil
}

// Snapshot builds the current progress event for a job, used as the
// initial frame for new subscribers.
func (e *Engine) Snapshot(ctx context.Context, userID, jobID string) (*sse.JobProgressEvent, error) {
	job, err := e.store.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	event := snapshotEvent(job)
	return &event, nil
}

func snapshotEvent(job *Job) sse.JobProgressEvent {
	event := sse.JobProgressEvent{
		JobID:         job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		CurrentStep:   job.CurrentStep,
		TotalChunks:   job.TotalChunks,
		SettledChunks: job.SettledChunks,
		FailedChunks:  job.FailedChunks,
		Timestamp:     time.Now().UTC(),
	}
	if job.ErrorCode != nil {
		event.ErrorCode = *job.ErrorCode
	}
	if job.ErrorMessage != nil {
		event.ErrorMessage = *job.ErrorMessage
	}
	return sse.NewSnapshotEvent(event)
}

// publish sends the job's current state as a progress event.
func (e *Engine) publish(ctx context.Context, job *Job, eventType string) {
	event := snapshotEvent(job)
	event.Type = eventType
	e.progress.Publish(ctx, event)
}

// MergeResults concatenates chunk outputs in chunk order. A chunk that
// re-read overlap pages (overlap_start < page_start) drops sentences
// the previous chunk already emitted; identical sentences elsewhere in
// the document are kept.
func MergeResults(chunks []ChunkOutput) []string {
	var merged []string
	var prev map[string]bool
	for i, c := range chunks {
		overlaps := i > 0 && c.OverlapStart < c.PageStart
		current := make(map[string]bool, len(c.Sentences))
		for _, s := range c.Sentences {
			current[s] = true
			if overlaps && prev[s] {
				continue
			}
			merged = append(merged, s)
		}
		prev = current
	}
	return merged
}

// MostFrequentCode returns the most common error code, breaking ties
// lexicographically so finalization is deterministic.
func MostFrequentCode(codes []string) string {
	if len(codes) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, c := range codes {
		counts[c]++
	}

	unique := make([]string, 0, len(counts))
	for c := range counts {
		unique = append(unique, c)
	}
	sort.Slice(unique, func(i, j int) bool {
		if counts[unique[i]] != counts[unique[j]] {
			return counts[unique[i]] > counts[unique[j]]
		}
		return unique[i] < unique[j]
	})
	return unique[0]
}
