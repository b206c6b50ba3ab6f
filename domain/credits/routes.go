package credits

import (
	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/pkg/auth"
)

// RegisterRoutes registers credit ledger routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/credits")
	g.Use(authMiddleware.RequireAuth())

	g.GET("/balance", h.Balance)
	g.GET("/history", h.History)
}
