package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/internal/version"
)

// Handler serves liveness, readiness and pipeline diagnostics.
type Handler struct {
	pool    *pgxpool.Pool
	cfg     *config.Config
	startAt time.Time
}

// NewHandler creates a new health handler
func NewHandler(pool *pgxpool.Pool, cfg *config.Config) *Handler {
	return &Handler{
		pool:    pool,
		cfg:     cfg,
		startAt: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health returns the overall service health, GET /health.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	dbMessage := ""
	if err := h.pool.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
		dbMessage = err.Error()
	}

	overallStatus := "healthy"
	statusCode := http.StatusOK
	if dbStatus == "unhealthy" {
		overallStatus = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Version,
		Checks: map[string]Check{
			"database": {Status: dbStatus, Message: dbMessage},
		},
	})
}

// Healthz is the liveness probe, GET /healthz.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready is the readiness probe, GET /ready.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "Database connection failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}

// Debug returns runtime and pool internals, GET /debug. Disabled in
// production.
func (h *Handler) Debug(c echo.Context) error {
	if h.cfg.Environment == "production" {
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := h.pool.Stat()
	return c.JSON(http.StatusOK, map[string]any{
		"environment": h.cfg.Environment,
		"debug":       h.cfg.Debug,
		"go_version":  runtime.Version(),
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_mb":       mem.Alloc / 1024 / 1024,
			"total_alloc_mb": mem.TotalAlloc / 1024 / 1024,
			"sys_mb":         mem.Sys / 1024 / 1024,
			"num_gc":         mem.NumGC,
		},
		"database": map[string]any{
			"host":        h.cfg.Database.Host,
			"port":        h.cfg.Database.Port,
			"database":    h.cfg.Database.Database,
			"pool_total":  stats.TotalConns(),
			"pool_idle":   stats.IdleConns(),
			"pool_in_use": stats.AcquiredConns(),
		},
	})
}

// statusCount is one row of a GROUP BY status aggregate.
type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// Diagnose reports the state of the job pipeline, GET /api/diagnostics:
// job and chunk populations, queue latency, stuck work and outstanding
// reservations.
func (h *Handler) Diagnose(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	result := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startAt).String(),
	}

	stats := h.pool.Stat()
	result["pool"] = map[string]any{
		"total_conns":    stats.TotalConns(),
		"acquired_conns": stats.AcquiredConns(),
		"idle_conns":     stats.IdleConns(),
		"max_conns":      stats.MaxConns(),
	}

	jobCounts, err := h.countByStatus(ctx, "SELECT status, count(*) FROM pf.jobs GROUP BY status")
	if err != nil {
		result["error"] = err.Error()
		return c.JSON(http.StatusOK, result)
	}
	result["jobs"] = jobCounts

	chunkCounts, err := h.countByStatus(ctx, "SELECT status, count(*) FROM pf.job_chunks GROUP BY status")
	if err != nil {
		result["error"] = err.Error()
		return c.JSON(http.StatusOK, result)
	}
	result["chunks"] = chunkCounts

	queue := map[string]any{}
	var oldestPending *float64
	_ = h.pool.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM now() - min(scheduled_at))
		FROM pf.job_chunks WHERE status = 'pending'`).Scan(&oldestPending)
	if oldestPending != nil {
		queue["oldest_pending_seconds"] = *oldestPending
	}

	var stuck int64
	_ = h.pool.QueryRow(ctx, `
		SELECT count(*) FROM pf.job_chunks
		WHERE status = 'processing'
			AND COALESCE(heartbeat_at, started_at) < now() - ($1 || ' seconds')::interval`,
		int(h.cfg.Jobs.ChunkStuckThreshold.Seconds())).Scan(&stuck)
	queue["stuck_chunks"] = stuck
	result["queue"] = queue

	var openReservations int64
	_ = h.pool.QueryRow(ctx, `
		SELECT count(*) FROM pf.credit_ledger cl
		WHERE cl.reason = 'reserve'
			AND NOT EXISTS (
				SELECT 1 FROM pf.credit_ledger x
				WHERE x.reservation_id = cl.reservation_id
					AND x.reason IN ('finalize_adjust', 'refund')
			)`).Scan(&openReservations)
	result["ledger"] = map[string]any{
		"open_reservations": openReservations,
	}

	return c.JSON(http.StatusOK, result)
}

func (h *Handler) countByStatus(ctx context.Context, query string) ([]statusCount, error) {
	rows, err := h.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []statusCount{}
	for rows.Next() {
		var sc statusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}
