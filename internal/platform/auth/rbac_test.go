package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	clinicalRoles := []string{"physician", "nurse"}
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"physician", []string{"physician"}, http.StatusOK},
		{"nurse among others", []string{"billing", "nurse"}, http.StatusOK},
		{"admin passes", []string{"admin"}, http.StatusOK},
		{"other role", []string{"billing"}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/sessions", nil)
			if tt.roles != nil {
				req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			err := RequireRole(clinicalRoles...)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)

			got := rec.Code
			if httpErr, ok := err.(*echo.HTTPError); ok {
				got = httpErr.Code
			} else if err != nil {
				t.Fatalf("unexpected error type %T", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRequireRole_MessageNamesRoles(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequireRole("physician", "nurse")(func(echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if httpErr.Message != "required role: physician or nurse" {
		t.Errorf("unexpected message %v", httpErr.Message)
	}
}

func TestDevAuthMiddleware_IgnoresToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	c := echo.New().NewContext(req, httptest.NewRecorder())

	var uid string
	var roles []string
	err := DevAuthMiddleware()(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "dev-user" {
		t.Errorf("expected dev-user, got %q", uid)
	}
	if len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("expected [admin], got %v", roles)
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	if uid := UserIDFromContext(context.Background()); uid != "" {
		t.Errorf("expected empty user id, got %q", uid)
	}
	if roles := RolesFromContext(context.Background()); roles != nil {
		t.Errorf("expected nil roles, got %v", roles)
	}
}
