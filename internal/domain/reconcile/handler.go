package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reconciliation/sessions", auth.RequireRole("admin", "physician", "nurse"))
	g.POST("", h.Load)
	g.POST("/upload", h.Upload)
	g.POST("/fetch", h.Fetch)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Discard)
	g.POST("/:id/link", h.Link)
	g.POST("/:id/link/new", h.CreateAndLink)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/selection", h.Select)
	g.GET("/:id/duplicates", h.Duplicates)
	g.POST("/:id/import", h.Import)

	read := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	read.GET("/patients/:id/similar", h.SimilarPatients)
}

type fetchRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type linkRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
}

type selectionRequest struct {
	Action   string `json:"action" validate:"required,oneof=toggle add select-all deselect-all"`
	Category string `json:"category" validate:"required,oneof=conditions procedures medications allergies"`
	ID       string `json:"id" validate:"required_if=Action toggle,required_if=Action add"`
}

type sessionResponse struct {
	*Summary
	Selection *Selection        `json:"selection"`
	Bundle    *ips.ParsedBundle `json:"bundle"`
}

func newSessionResponse(s *Session) sessionResponse {
	return sessionResponse{Summary: s.Summarize(), Selection: s.Selection, Bundle: s.Bundle}
}

// bind decodes the body into req and validates it.
func (h *Handler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var parseErr *ips.ParseError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, ErrNoPatient):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotLinked), errors.Is(err, ErrNoBundle):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ips.ErrBundleTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ips.ErrInvalidBundle), errors.Is(err, ips.ErrNotJSONFile),
		errors.Is(err, ErrUnknownCategory), errors.As(err, &parseErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Loading --

func (h *Handler) Load(c echo.Context) error {
	limit := h.svc.MaxBundleSize()
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	sess, err := h.svc.Load(c.Request().Context(), raw)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("bundle")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bundle file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open upload")
	}
	defer f.Close()
	sess, err := h.svc.LoadUpload(c.Request().Context(), fh.Filename, fh.Size, f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

func (h *Handler) Fetch(c echo.Context) error {
	var req fetchRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	sess, err := h.svc.Fetch(c.Request().Context(), req.URL)
	if err != nil {
		if errors.Is(err, ips.ErrBundleTooLarge) || errors.Is(err, ips.ErrInvalidBundle) {
			return httpError(err)
		}
		var parseErr *ips.ParseError
		if errors.As(err, &parseErr) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

func (h *Handler) Get(c echo.Context) error {
	sess, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) Discard(c echo.Context) error {
	if err := h.svc.Discard(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Linking --

func (h *Handler) Link(c echo.Context) error {
	var req linkRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	pid, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	sum, err := h.svc.Link(c.Request().Context(), c.Param("id"), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) CreateAndLink(c echo.Context) error {
	sum, err := h.svc.CreateAndLink(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNoPatient) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sum)
}

func (h *Handler) Cancel(c echo.Context) error {
	sess, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

// -- Selection --

func (h *Handler) Select(c echo.Context) error {
	var req selectionRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	sess, err := h.svc.Select(c.Request().Context(), c.Param("id"), req.Action, req.Category, req.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) Duplicates(c echo.Context) error {
	dups, err := h.svc.Duplicates(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dups)
}

// -- Import --

func (h *Handler) Import(c echo.Context) error {
	res, err := h.svc.Import(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Patients --

func (h *Handler) SimilarPatients(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	matches, err := h.svc.SimilarPatients(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, matches)
}
