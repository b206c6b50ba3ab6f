package credits

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/auth"
)

// Handler handles HTTP requests for the credit ledger
type Handler struct {
	svc *Service
}

// NewHandler creates a new credits handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Balance handles GET /api/credits/balance
func (h *Handler) Balance(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	balance, err := h.svc.Balance(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, balance)
}

// History handles GET /api/credits/history
func (h *Handler) History(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	history, err := h.svc.History(c.Request().Context(), HistoryListParams{
		UserID: user.ID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}
