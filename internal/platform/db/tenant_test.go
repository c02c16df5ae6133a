package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		jwt    interface{}
		header string
		query  string
		want   string
	}{
		{"default", nil, "", "", "default"},
		{"query", nil, "", "clinic_q", "clinic_q"},
		{"header over query", nil, "clinic_h", "clinic_q", "clinic_h"},
		{"token over header", "clinic_t", "clinic_h", "clinic_q", "clinic_t"},
		{"empty token falls through", "", "clinic_h", "", "clinic_h"},
		{"non-string token ignored", 42, "", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/reconciliation/sessions"
			if tt.query != "" {
				target += "?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSchemaName(t *testing.T) {
	valid := map[string]string{
		"hospital_1": `"tenant_hospital_1"`,
		"ABC":        `"tenant_ABC"`,
		"a":          `"tenant_a"`,
	}
	for id, want := range valid {
		got, err := SchemaName(id)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", id, err)
			continue
		}
		if got != want {
			t.Errorf("%q: expected %s, got %s", id, want, got)
		}
	}

	for _, bad := range []string{"", "a-b", "a.b", "a b", "a/b", "tenant@1", "'; DROP TABLE"} {
		if _, err := SchemaName(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
		if err := CreateTenantSchema(context.Background(), nil, bad, nil); err == nil {
			t.Errorf("CreateTenantSchema: expected %q to be rejected", bad)
		}
	}
}

func TestContextAccessors(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil tx from empty context")
	}
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected empty tenant from empty context")
	}

	wrong := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	wrong = context.WithValue(wrong, DBTxKey, "not-a-tx")
	wrong = context.WithValue(wrong, TenantIDKey, 12345)
	if ConnFromContext(wrong) != nil || TxFromContext(wrong) != nil || TenantFromContext(wrong) != "" {
		t.Error("expected mistyped context values to be ignored")
	}

	if got := TenantFromContext(context.WithValue(context.Background(), TenantIDKey, "clinic_a")); got != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", got)
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	if _, _, err := WithTx(context.Background()); err == nil {
		t.Error("expected error when no connection in context")
	}
}

// joinedTx satisfies pgx.Tx without a connection; RunInTx must not touch it.
type joinedTx struct {
	pgx.Tx
}

func TestRunInTx_JoinsExisting(t *testing.T) {
	outer := &joinedTx{}
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(outer))

	called := false
	err := RunInTx(ctx, nil, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) != pgx.Tx(outer) {
			t.Error("expected the outer transaction to be reused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}

func TestRunInTx_PropagatesJoinedError(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(&joinedTx{}))
	want := errors.New("insert failed")
	if err := RunInTx(ctx, nil, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestRunInTx_NoConnection(t *testing.T) {
	err := RunInTx(context.Background(), nil, func(context.Context) error {
		t.Error("fn should not run without a connection")
		return nil
	})
	if err == nil {
		t.Error("expected error without connection or pool")
	}
}

func TestAcquireTenant_InvalidID(t *testing.T) {
	_, release, err := AcquireTenant(context.Background(), nil, "no-dashes")
	if err == nil {
		t.Fatal("expected error for invalid tenant")
	}
	if release != nil {
		t.Error("expected no release func on error")
	}
}

func TestTenantMiddleware_InvalidTenant(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad;tenant")
	c := echo.New().NewContext(req, httptest.NewRecorder())

	h := TenantMiddleware(nil, "default")(func(c echo.Context) error {
		t.Error("handler should not run")
		return nil
	})
	httpErr, ok := h(c).(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", httpErr)
	}
}
