// Package queue runs the chunk-processing worker pool. Workers poll
// the shared Postgres queue, bound each task with soft and hard
// timeouts, and recycle themselves when memory or task-count limits
// are hit.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/domain/jobs"
	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
)

// Module provides the worker pool
var Module = fx.Module("queue",
	fx.Provide(NewPool),
	fx.Invoke(StartPool),
)

// Pool runs N chunk workers against the shared queue.
type Pool struct {
	engine   *jobs.Engine
	cfg      config.WorkerConfig
	log      *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates the worker pool.
func NewPool(engine *jobs.Engine, cfg *config.Config, log *slog.Logger) *Pool {
	return &Pool{
		engine: engine,
		cfg:    cfg.Workers,
		log:    log.With(logger.Scope("queue.pool")),
		stopCh: make(chan struct{}),
	}
}

// StartPool wires the pool into the fx lifecycle.
func StartPool(lc fx.Lifecycle, p *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.Stop(ctx)
		},
	})
}

// Start launches the workers.
func (p *Pool) Start() {
	p.log.Info("starting worker pool",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("poll_interval", p.cfg.PollInterval()),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	p.wg.Add(1)
	go p.watchRSS()
}

// Stop signals the workers and waits for in-flight chunks, bounded by
// the context.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// runWorker is one worker's poll loop. A worker identity persists
// across tasks until the worker recycles.
func (p *Pool) runWorker(slot int) {
	defer p.wg.Done()

	tasksDone := 0
	workerID := newWorkerID(slot)
	log := p.log.With(slog.String("worker_id", workerID))
	log.Debug("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug("worker stopping")
			return
		case <-ticker.C:
		}

		// Drain the queue before going back to sleep.
		for {
			select {
			case <-p.stopCh:
				return
			default:
			}

			processed := p.runTask(workerID, log)
			if !processed {
				break
			}

			tasksDone++
			if p.cfg.TasksPerRecycle > 0 && tasksDone >= p.cfg.TasksPerRecycle {
				log.Info("worker recycling after task budget",
					slog.Int("tasks", tasksDone))
				metrics.WorkerRecycles.WithLabelValues("task_budget").Inc()
				tasksDone = 0
				workerID = newWorkerID(slot)
				log = p.log.With(slog.String("worker_id", workerID))
			}
		}
	}
}

// runTask claims and processes one chunk under the pool's timeouts.
// Returns false when the queue was empty.
func (p *Pool) runTask(workerID string, log *slog.Logger) bool {
	// The hard timeout bounds the claim and settlement writes. The
	// engine applies the soft timeout inside the task, cancelling the
	// chunk pipeline at its stage boundaries; the warning here flags
	// tasks that blew past it anyway.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HardTimeout)
	defer cancel()

	softTimer := time.AfterFunc(p.cfg.SoftTimeout, func() {
		log.Warn("task exceeded soft timeout", slog.Duration("soft_timeout", p.cfg.SoftTimeout))
	})
	defer softTimer.Stop()

	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	processed, err := p.engine.ProcessNext(ctx, workerID)
	if err != nil {
		log.Error("task processing failed", logger.Error(err))
		return false
	}
	return processed
}

// watchRSS recycles the process-level memory budget: when RSS passes
// the cap the whole process exits and the supervisor restarts it with
// a clean heap. Claimed chunks are recovered by the stuck-chunk sweep.
func (p *Pool) watchRSS() {
	defer p.wg.Done()

	if p.cfg.MaxRSSMB <= 0 {
		return
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p.log.Warn("rss watcher disabled", logger.Error(err))
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		info, err := proc.MemoryInfo()
		if err != nil {
			continue
		}
		metrics.WorkerRSSBytes.Set(float64(info.RSS))

		rssMB := int(info.RSS / (1 << 20))
		if rssMB >= p.cfg.MaxRSSMB {
			p.log.Error("rss cap exceeded, exiting for recycle",
				slog.Int("rss_mb", rssMB),
				slog.Int("cap_mb", p.cfg.MaxRSSMB),
			)
			metrics.WorkerRecycles.WithLabelValues("rss_cap").Inc()
			os.Exit(1)
		}
	}
}

func newWorkerID(slot int) string {
	return fmt.Sprintf("worker-%d-%s", slot, uuid.NewString()[:8])
}
