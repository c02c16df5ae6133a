package terminology

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ipsreconcile/internal/platform/auth"
)

// Locator assigns a concept to an anatomic region.
type Locator interface {
	Classify(ctx context.Context, code string) string
}

// Handler exposes read-only terminology lookups used while reviewing an import.
type Handler struct {
	client  *Client
	locator Locator
}

func NewHandler(client *Client, locator Locator) *Handler {
	return &Handler{client: client, locator: locator}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/terminology", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	g.GET("/ancestors/:code", h.Ancestors)
	g.GET("/location/:code", h.Location)
	g.GET("/lookup", h.Lookup)
	g.GET("/translate", h.Translate)
}

// Ancestors handles GET /api/v1/terminology/ancestors/:code
func (h *Handler) Ancestors(c echo.Context) error {
	code := c.Param("code")
	ids, err := h.client.Ancestors(c.Request().Context(), code)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"code": code, "ancestors": ids})
}

// Location handles GET /api/v1/terminology/location/:code
func (h *Handler) Location(c echo.Context) error {
	code := c.Param("code")
	region := h.locator.Classify(c.Request().Context(), code)
	return c.JSON(http.StatusOK, map[string]string{"code": code, "region": region})
}

// Lookup handles GET /api/v1/terminology/lookup?system=...&code=...
func (h *Handler) Lookup(c echo.Context) error {
	system := c.QueryParam("system")
	if system == "" {
		system = SystemSNOMED
	}
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	resp, err := h.client.LookupConcept(c.Request().Context(), system, code)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// Translate handles GET /api/v1/terminology/translate?code=...[&system=...&target=...]
// Without a system the SNOMED CT to ICD-10 map is used.
func (h *Handler) Translate(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	ctx := c.Request().Context()
	var (
		targets []ConceptMapping
		err     error
	)
	if system := c.QueryParam("system"); system != "" {
		targets, err = h.client.Translate(ctx, code, system, c.QueryParam("target"))
	} else {
		targets, err = h.client.ICD10MapTargets(ctx, code)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if targets == nil {
		targets = []ConceptMapping{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"code": code, "targets": targets})
}
