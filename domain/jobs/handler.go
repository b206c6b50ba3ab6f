package jobs

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/auth"
)

// Handler handles HTTP requests for jobs
type Handler struct {
	engine *Engine
	store  *Store
}

// NewHandler creates a new jobs handler
func NewHandler(engine *Engine, store *Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// Estimate handles POST /api/estimate. Stateless pricing preview; no
// job or reservation is created.
func (h *Handler) Estimate(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	var req EstimateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}

	estimate, err := h.engine.Estimate(req.PageCount, req.ModelProfile)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, estimate)
}

// Confirm handles POST /api/jobs. Accepts a multipart PDF upload,
// reserves credits and creates the job.
func (h *Handler) Confirm(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("A PDF file upload is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}
	if len(content) == 0 {
		return apperror.ErrInvalidPDF.WithMessage("Uploaded file is empty")
	}

	profile := c.FormValue("model_profile")

	created, err := h.engine.Confirm(c.Request().Context(), user.ID, fileHeader.Filename, content, profile)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// List handles GET /api/jobs
func (h *Handler) List(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	jobsList, total, err := h.store.ListJobs(c.Request().Context(), JobListParams{
		UserID: user.ID,
		Status: c.QueryParam("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, JobListResponse{Data: jobsList, Total: total})
}

// GetByID handles GET /api/jobs/:id
func (h *Handler) GetByID(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	job, err := h.store.GetJob(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, JobResponse{Data: *job})
}

// Result handles GET /api/jobs/:id/result
func (h *Handler) Result(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	result, err := h.engine.Result(c.Request().Context(), user.ID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// History handles GET /api/jobs/:id/history
func (h *Handler) History(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	// Ownership check before exposing history.
	if _, err := h.store.GetJob(c.Request().Context(), c.Param("id"), user.ID); err != nil {
		return err
	}

	entries, err := h.store.ListHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryResponse{Data: entries})
}

// Cancel handles POST /api/jobs/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	job, err := h.engine.Cancel(c.Request().Context(), user.ID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, JobResponse{Data: *job})
}

// ForceFinalize handles POST /api/jobs/:id/force-finalize (admin only)
func (h *Handler) ForceFinalize(c echo.Context) error {
	job, err := h.engine.ForceFinalize(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, JobResponse{Data: *job})
}
