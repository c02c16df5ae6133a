package clinical

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
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	read.GET("/patients/:patient_id/conditions", h.ListConditions)
	read.GET("/conditions/:id", h.GetCondition)
	read.GET("/patients/:patient_id/allergies", h.ListAllergies)
	read.GET("/allergies/:id", h.GetAllergy)
	read.GET("/patients/:patient_id/procedures", h.ListProcedures)
	read.GET("/procedures/:id", h.GetProcedure)

	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "physician", "nurse"))
	fhirRead.GET("/Condition", h.SearchConditionsFHIR)
	fhirRead.GET("/Condition/:id", h.GetConditionFHIR)
	fhirRead.GET("/AllergyIntolerance", h.SearchAllergiesFHIR)
	fhirRead.GET("/AllergyIntolerance/:id", h.GetAllergyFHIR)
	fhirRead.GET("/Procedure", h.SearchProceduresFHIR)
	fhirRead.GET("/Procedure/:id", h.GetProcedureFHIR)
}

func patientParam(c echo.Context, name string) (uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return pid, nil
}

// -- Condition Handlers --

func (h *Handler) GetCondition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cond, err := h.svc.GetCondition(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "condition not found")
	}
	return c.JSON(http.StatusOK, cond)
}

func (h *Handler) ListConditions(c echo.Context) error {
	pid, err := patientParam(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConditionsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Allergy Handlers --

func (h *Handler) GetAllergy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAllergy(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "allergy not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAllergies(c echo.Context) error {
	pid, err := patientParam(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAllergiesByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Procedure Handlers --

func (h *Handler) GetProcedure(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetProcedure(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "procedure not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProcedures(c echo.Context) error {
	pid, err := patientParam(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProceduresByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- FHIR Endpoints --

// fhirPatient reads the required patient search parameter, accepting either
// a bare id or a Patient/<id> reference.
func fhirPatient(c echo.Context) (uuid.UUID, bool) {
	raw := c.QueryParam("patient")
	if raw == "" {
		raw = c.QueryParam("subject")
	}
	pid, err := uuid.Parse(fhir.ReferenceID(raw))
	return pid, err == nil
}

func (h *Handler) SearchConditionsFHIR(c echo.Context) error {
	pid, ok := fhirPatient(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("patient search parameter is required"))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConditionsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/Condition", c.QueryParams(), total)))
}

func (h *Handler) GetConditionFHIR(c echo.Context) error {
	cond, err := h.svc.GetConditionByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Condition", c.Param("id")))
	}
	return c.JSON(http.StatusOK, cond.ToFHIR())
}

func (h *Handler) SearchAllergiesFHIR(c echo.Context) error {
	pid, ok := fhirPatient(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("patient search parameter is required"))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAllergiesByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/AllergyIntolerance", c.QueryParams(), total)))
}

func (h *Handler) GetAllergyFHIR(c echo.Context) error {
	a, err := h.svc.GetAllergyByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("AllergyIntolerance", c.Param("id")))
	}
	return c.JSON(http.StatusOK, a.ToFHIR())
}

func (h *Handler) SearchProceduresFHIR(c echo.Context) error {
	pid, ok := fhirPatient(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("patient search parameter is required"))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProceduresByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/Procedure", c.QueryParams(), total)))
}

func (h *Handler) GetProcedureFHIR(c echo.Context) error {
	p, err := h.svc.GetProcedureByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Procedure", c.Param("id")))
	}
	return c.JSON(http.StatusOK, p.ToFHIR())
}
