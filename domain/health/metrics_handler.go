package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// MetricsHandler handles job metrics requests
type MetricsHandler struct {
	db *bun.DB
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(db *bun.DB) *MetricsHandler {
	return &MetricsHandler{
		db: db,
	}
}

// QueueMetrics represents status counts for one queue table
type QueueMetrics struct {
	Queue       string `json:"queue"`
	Pending     int64  `json:"pending"`
	Processing  int64  `json:"processing"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	Total       int64  `json:"total"`
	LastHour    int64  `json:"last_hour"`
	Last24Hours int64  `json:"last_24_hours"`
}

// AllJobMetrics contains metrics for jobs and their chunk queue
type AllJobMetrics struct {
	Queues    []QueueMetrics `json:"queues"`
	Timestamp string         `json:"timestamp"`
}

// JobMetrics returns status counts for jobs and chunks
func (h *MetricsHandler) JobMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	queues := []struct {
		name    string
		table   string
		pending string
	}{
		{"jobs", "pf.jobs", "queued"},
		{"chunks", "pf.job_chunks", "pending"},
	}

	var allMetrics []QueueMetrics

	for _, q := range queues {
		metrics, err := h.getQueueMetrics(ctx, q.name, q.table, q.pending)
		if err != nil {
			continue
		}
		allMetrics = append(allMetrics, *metrics)
	}

	return c.JSON(http.StatusOK, AllJobMetrics{
		Queues:    allMetrics,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// getQueueMetrics retrieves status counts for a single table. The
// pending status differs between jobs and chunks, so it is passed in.
func (h *MetricsHandler) getQueueMetrics(ctx context.Context, name, table, pendingStatus string) (*QueueMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = ?) as pending,
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '1 hour') as last_hour,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '24 hours') as last_24_hours
		FROM ` + table

	var metrics struct {
		Pending     int64 `bun:"pending"`
		Processing  int64 `bun:"processing"`
		Completed   int64 `bun:"completed"`
		Failed      int64 `bun:"failed"`
		Total       int64 `bun:"total"`
		LastHour    int64 `bun:"last_hour"`
		Last24Hours int64 `bun:"last_24_hours"`
	}

	err := h.db.NewRaw(query, pendingStatus).Scan(ctx, &metrics)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		Queue:       name,
		Pending:     metrics.Pending,
		Processing:  metrics.Processing,
		Completed:   metrics.Completed,
		Failed:      metrics.Failed,
		Total:       metrics.Total,
		LastHour:    metrics.LastHour,
		Last24Hours: metrics.Last24Hours,
	}, nil
}
