package progress

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/domain/jobs"
	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/auth"
	"github.com/phraseforge/phraseforge/pkg/sse"
)

// keepAliveInterval paces SSE comments so proxies keep idle streams
// open.
const keepAliveInterval = 30 * time.Second

// Handler streams job progress over SSE
type Handler struct {
	hub    *Hub
	engine *jobs.Engine
}

// NewHandler creates a new progress handler
func NewHandler(hub *Hub, engine *jobs.Engine) *Handler {
	return &Handler{hub: hub, engine: engine}
}

// Stream handles GET /api/jobs/:id/events
// Emits a snapshot immediately, then live progress events until the job
// reaches a terminal state or the client disconnects.
func (h *Handler) Stream(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	jobID := c.Param("id")

	// Subscribe before the snapshot so no event falls in the gap.
	events, cancel := h.hub.Subscribe(jobID)
	defer cancel()

	snapshot, err := h.engine.Snapshot(c.Request().Context(), user.ID, jobID)
	if err != nil {
		return err
	}

	stream := sse.NewStream(c.Response())
	if err := stream.Open(); err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Send(*snapshot); err != nil {
		return nil
	}
	if jobs.IsTerminalStatus(snapshot.Status) {
		return nil
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if err := stream.KeepAlive(); err != nil {
				return nil
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(event); err != nil {
				return nil
			}
			if jobs.IsTerminalStatus(event.Status) {
				return nil
			}
		}
	}
}
