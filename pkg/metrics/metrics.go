// Package metrics registers the Prometheus instruments for the job
// engine. All metrics live in the default registry and are exposed on
// the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job lifecycle
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_jobs_created_total",
		Help: "Total number of jobs confirmed and enqueued",
	})

	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_jobs_finalized_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"status"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pf_job_duration_seconds",
		Help:    "Wall-clock time from job start to finalization",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	// Chunk processing
	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_chunks_processed_total",
		Help: "Total number of chunk attempts by outcome",
	}, []string{"outcome"})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pf_chunk_duration_seconds",
		Help:    "Processing time per chunk attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	ChunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_chunk_retries_total",
		Help: "Total number of chunk reschedules after transient failures",
	})

	ChunksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_chunks_pending",
		Help: "Chunks waiting in the queue",
	})

	ChunksProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_chunks_processing",
		Help: "Chunks currently being processed",
	})

	ValidationPassRate = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pf_chunk_validation_pass_rate",
		Help:    "Per-chunk validation pass rate",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// Model usage
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_model_calls_total",
		Help: "Total model invocations by tier",
	}, []string{"tier"})

	ModelTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_model_tokens_total",
		Help: "Total tokens reported by the model provider",
	})

	ModelFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_model_batch_fallbacks_total",
		Help: "Total batches degraded to per-sentence calls",
	})

	// Credits
	CreditsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_credits_reserved_total",
		Help: "Total credits reserved at confirmation",
	})

	CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_credits_refunded_total",
		Help: "Total credits refunded on cancellation or failure",
	})

	// Worker pool
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_workers_busy",
		Help: "Number of workers currently processing a chunk",
	})

	WorkerRecycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_worker_recycles_total",
		Help: "Total worker recycles by trigger",
	}, []string{"reason"})

	WorkerRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_worker_rss_bytes",
		Help: "Resident set size of the worker process",
	})

	// Watchdogs
	WatchdogActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_watchdog_actions_total",
		Help: "Total corrective actions taken by watchdog sweeps",
	}, []string{"watchdog", "action"})

	// Progress fan-out
	ProgressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_progress_subscribers",
		Help: "Currently connected progress stream subscribers",
	})

	ProgressEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_progress_events_total",
		Help: "Total progress events published",
	})
)
