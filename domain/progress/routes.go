package progress

import (
	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/pkg/auth"
)

// RegisterRoutes registers the progress streaming route
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/jobs")
	g.Use(authMiddleware.RequireAuth())

	g.GET("/:id/events", h.Stream)
}
