package jobs

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/phraseforge/phraseforge/pkg/auth"
)

// RegisterRoutes registers job routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	e.POST("/api/estimate", h.Estimate, authMiddleware.RequireAuth())

	g := e.Group("/api/jobs")
	g.Use(authMiddleware.RequireAuth())

	// Uploads are bounded; page extraction rejects non-PDFs later.
	g.POST("", h.Confirm, middleware.BodyLimit("100M"))

	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/result", h.Result)
	g.GET("/:id/history", h.History)
	g.POST("/:id/cancel", h.Cancel)

	admin := e.Group("/api/admin/jobs")
	admin.Use(authMiddleware.RequireAdmin())
	admin.POST("/:id/force-finalize", h.ForceFinalize)
}
