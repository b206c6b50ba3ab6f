package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/domain/jobs"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
)

// WatchdogSweepTask runs the job-engine recovery sweeps: stuck chunks,
// unfinalized jobs, expired jobs and abandoned reservations.
type WatchdogSweepTask struct {
	watchdog *jobs.Watchdog
	log      *slog.Logger
}

// NewWatchdogSweepTask creates a new watchdog sweep task
func NewWatchdogSweepTask(watchdog *jobs.Watchdog, log *slog.Logger) *WatchdogSweepTask {
	return &WatchdogSweepTask{
		watchdog: watchdog,
		log:      log.With(logger.Scope("scheduler.watchdog")),
	}
}

// Run executes one full recovery sweep
func (t *WatchdogSweepTask) Run(ctx context.Context) error {
	start := time.Now()
	t.watchdog.Sweep(ctx)
	t.log.Debug("watchdog sweep complete",
		slog.Duration("duration", time.Since(start)))
	return nil
}

// QueueStatsTask exports chunk queue depth to metrics and logs
type QueueStatsTask struct {
	db  *bun.DB
	log *slog.Logger
}

// NewQueueStatsTask creates a new queue stats task
func NewQueueStatsTask(db *bun.DB, log *slog.Logger) *QueueStatsTask {
	return &QueueStatsTask{
		db:  db,
		log: log.With(logger.Scope("scheduler.queue_stats")),
	}
}

// Run samples the chunk queue depth
func (t *QueueStatsTask) Run(ctx context.Context) error {
	var pending, processing int64
	err := t.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing
		FROM pf.job_chunks`).
		Scan(ctx, &pending, &processing)
	if err != nil {
		t.log.Error("failed to sample queue stats",
			slog.String("error", err.Error()))
		return err
	}

	metrics.ChunksPending.Set(float64(pending))
	metrics.ChunksProcessing.Set(float64(processing))

	if pending > 0 || processing > 0 {
		t.log.Debug("queue depth",
			slog.Int64("pending", pending),
			slog.Int64("processing", processing))
	}
	return nil
}
