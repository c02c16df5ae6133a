package medication

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ipsreconcile/internal/platform/auth"
	"github.com/ehr/ipsreconcile/internal/platform/fhir"
	"github.com/ehr/ipsreconcile/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	read.GET("/patients/:patient_id/medication-statements", h.ListMedicationStatements)
	read.GET("/medication-statements/:id", h.GetMedicationStatement)

	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	fhirRead.GET("/MedicationStatement", h.SearchMedicationStatementsFHIR)
	fhirRead.GET("/MedicationStatement/:id", h.GetMedicationStatementFHIR)
}

func (h *Handler) GetMedicationStatement(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ms, err := h.svc.GetMedicationStatement(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "medication statement not found")
	}
	return c.JSON(http.StatusOK, ms)
}

func (h *Handler) ListMedicationStatements(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMedicationStatementsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) SearchMedicationStatementsFHIR(c echo.Context) error {
	raw := c.QueryParam("patient")
	if raw == "" {
		raw = c.QueryParam("subject")
	}
	pid, err := uuid.Parse(fhir.ReferenceID(raw))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("patient search parameter is required"))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMedicationStatementsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/MedicationStatement", c.QueryParams(), total)))
}

func (h *Handler) GetMedicationStatementFHIR(c echo.Context) error {
	ms, err := h.svc.GetMedicationStatementByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("MedicationStatement", c.Param("id")))
	}
	return c.JSON(http.StatusOK, ms.ToFHIR())
}
