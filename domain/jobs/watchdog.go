package jobs

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/domain/credits"
	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/internal/database"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
)

// Watchdog runs the periodic recovery sweeps that repair state left
// behind by crashed workers or interrupted finalization.
type Watchdog struct {
	store   *Store
	engine  *Engine
	credits *credits.Service
	db      *bun.DB
	cfg     config.JobsConfig
	log     *slog.Logger
}

// NewWatchdog creates the watchdog.
func NewWatchdog(store *Store, engine *Engine, creditsSvc *credits.Service, db *bun.DB, cfg *config.Config, log *slog.Logger) *Watchdog {
	return &Watchdog{
		store:   store,
		engine:  engine,
		credits: creditsSvc,
		db:      db,
		cfg:     cfg.Jobs,
		log:     log.With(logger.Scope("jobs.watchdog")),
	}
}

// Sweep runs all recovery passes once.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.sweepStuckChunks(ctx)
	w.sweepUnfinalizedJobs(ctx)
	w.sweepExpiredJobs(ctx)
	w.sweepAbandonedReservations(ctx)
}

// sweepStuckChunks recovers chunks whose worker died mid-processing.
// Chunks with retry budget left go back to the queue; exhausted ones
// settle as failed.
func (w *Watchdog) sweepStuckChunks(ctx context.Context) {
	chunks, err := w.store.StuckChunks(ctx, w.cfg.ChunkStuckThreshold)
	if err != nil {
		w.log.Error("stuck chunk sweep failed", logger.Error(err))
		return
	}

	for _, chunk := range chunks {
		log := w.log.With(
			slog.String("job_id", chunk.JobID),
			slog.String("chunk_id", chunk.ID),
			slog.Int("attempts", chunk.Attempts),
		)

		if chunk.Attempts <= w.cfg.ChunkMaxRetries {
			reclaimed, err := w.store.ReclaimChunk(ctx, chunk.ID)
			if err != nil {
				log.Error("failed to reclaim stuck chunk", logger.Error(err))
				continue
			}
			if reclaimed {
				log.Warn("reclaimed stuck chunk")
				metrics.WatchdogActions.WithLabelValues("stuck_chunk", "reclaimed").Inc()
			}
			continue
		}

		log.Warn("stuck chunk exhausted retries, failing")
		w.engine.settleFailure(ctx, &chunk, ErrCodeStuck, "worker lost, retries exhausted", log)
		metrics.WatchdogActions.WithLabelValues("stuck_chunk", "failed").Inc()
	}
}

// sweepUnfinalizedJobs re-runs finalization for jobs whose last chunk
// settled but whose terminal write never landed.
func (w *Watchdog) sweepUnfinalizedJobs(ctx context.Context) {
	jobsList, err := w.store.UnfinalizedJobs(ctx, w.cfg.WatchdogInterval)
	if err != nil {
		w.log.Error("unfinalized job sweep failed", logger.Error(err))
		return
	}

	for _, job := range jobsList {
		log := w.log.With(slog.String("job_id", job.ID))
		log.Warn("finalizing settled job left in processing")
		w.engine.finalize(ctx, job.ID, "", log)
		metrics.WatchdogActions.WithLabelValues("unfinalized_job", "finalized").Inc()
		_ = w.store.InsertHistory(ctx, job.ID, job.UserID, EventWatchdog, map[string]any{
			"action": "finalized",
		})
	}
}

// sweepExpiredJobs fails processing jobs that outlived the soft
// timeout, dropping their unclaimed chunks and refunding.
func (w *Watchdog) sweepExpiredJobs(ctx context.Context) {
	jobsList, err := w.store.ExpiredJobs(ctx, w.cfg.JobSoftTimeout)
	if err != nil {
		w.log.Error("expired job sweep failed", logger.Error(err))
		return
	}

	for _, job := range jobsList {
		log := w.log.With(slog.String("job_id", job.ID))

		err := database.RunInSafeTx(ctx, w.db, func(ctx context.Context, tx bun.Tx) error {
			_, err := w.store.CancelPendingChunks(ctx, tx, job.ID)
			return err
		})
		if err != nil {
			log.Error("failed to drop chunks of expired job", logger.Error(err))
			continue
		}

		won, err := w.store.FinalizeJob(ctx, w.db, job.ID, JobStatusFailed, job.ActualTokens, 0,
			ErrCodeJobTimeout, "job exceeded the processing timeout")
		if err != nil {
			log.Error("failed to fail expired job", logger.Error(err))
			continue
		}
		if !won {
			continue
		}

		if job.ReservationID != nil {
			if err := w.credits.Refund(ctx, *job.ReservationID, "job timed out"); err != nil {
				log.Error("failed to refund timed out job", logger.Error(err))
			}
		}

		log.Warn("failed job past soft timeout")
		metrics.WatchdogActions.WithLabelValues("expired_job", "failed").Inc()
		metrics.JobsFinalized.WithLabelValues(JobStatusFailed).Inc()
		_ = w.store.InsertHistory(ctx, job.ID, job.UserID, EventWatchdog, map[string]any{
			"action": "timed_out",
		})
	}
}

// sweepAbandonedReservations refunds reservations with no live job.
func (w *Watchdog) sweepAbandonedReservations(ctx context.Context) {
	refunded, err := w.credits.SweepAbandoned(ctx)
	if err != nil {
		w.log.Error("abandoned reservation sweep failed", logger.Error(err))
		return
	}
	if refunded > 0 {
		w.log.Warn("refunded abandoned reservations", slog.Int("count", refunded))
		metrics.WatchdogActions.WithLabelValues("abandoned_reservation", "refunded").Add(float64(refunded))
	}
}
