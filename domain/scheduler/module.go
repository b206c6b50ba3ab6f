package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/domain/jobs"
)

// Module provides scheduled task functionality
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Watchdog  *jobs.Watchdog
	DB        *bun.DB
	Log       *slog.Logger
	Cfg       *Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	// Register watchdog recovery sweep
	watchdogTask := NewWatchdogSweepTask(p.Watchdog, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "watchdog_sweep",
		p.Cfg.WatchdogSchedule, p.Cfg.WatchdogInterval, watchdogTask.Run); err != nil {
		p.Log.Error("failed to register watchdog sweep task",
			slog.String("error", err.Error()))
	}

	// Register queue depth sampling
	statsTask := NewQueueStatsTask(p.DB, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "queue_stats",
		p.Cfg.QueueStatsSchedule, p.Cfg.QueueStatsInterval, statsTask.Run); err != nil {
		p.Log.Error("failed to register queue stats task",
			slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}

// addScheduledTask prefers a cron schedule override over the plain
// interval.
func addScheduledTask(s *Scheduler, log *slog.Logger, name, schedule string, interval time.Duration, task TaskFunc) error {
	if schedule != "" {
		log.Debug("using cron schedule override",
			slog.String("task", name),
			slog.String("schedule", schedule))
		return s.AddCronTask(name, schedule, task)
	}
	return s.AddIntervalTask(name, interval, task)
}
