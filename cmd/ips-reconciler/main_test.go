package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/ipsreconcile/internal/config"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/platform/db"
)

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "acme", []db.MigrationStatus{
		{Version: 1, Name: "reconciliation", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "indexes"},
	})

	out := buf.String()
	if !strings.Contains(out, "tenant: acme") {
		t.Errorf("expected tenant in header, got %q", out)
	}
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2024-05-01 10:30:00") {
		t.Errorf("expected applied row with timestamp, got %q", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got %q", out)
	}
}

func TestParseCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ips.json")
	bundle := `{"entry": [
	  {"resource": {"resourceType": "Patient", "id": "p", "name": [{"family": "Doe", "given": ["Jane"]}]}},
	  {"resource": {"resourceType": "Procedure", "id": "proc", "code": {"text": "Appendectomy"}}}
	]}`
	if err := os.WriteFile(path, []byte(bundle), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := parseCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out parseOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if out.Patient != "Jane Doe" {
		t.Errorf("expected Jane Doe, got %q", out.Patient)
	}
	if len(out.Procedures) != 1 || len(out.Conditions) != 0 {
		t.Errorf("unexpected items: %+v", out)
	}
}

func TestParseCmd_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ips.json")
	if err := os.WriteFile(path, []byte(`{"entry": []}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := parseCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--max-size", "4", path})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for oversized bundle")
	}
}

func TestNewParseOutput_NoPatient(t *testing.T) {
	out := newParseOutput(&ips.ParsedBundle{})
	if out.Patient != "" {
		t.Errorf("expected empty patient, got %q", out.Patient)
	}
}

func TestImportCmd_RequiresOneTarget(t *testing.T) {
	for _, args := range [][]string{
		{"bundle.json"},
		{"bundle.json", "--create", "--patient", "1b4e28ba-2fa1-11d2-883f-0016d3cca427"},
		{"bundle.json", "--patient", "not-a-uuid"},
	} {
		cmd := importCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestNewServer_Health(t *testing.T) {
	a := &app{
		cfg:    &config.Config{Env: "development", MaxBundleSize: "10M", CORSOrigins: []string{"*"}},
		logger: zerolog.Nop(),
	}
	e := newServer(a)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestNewServer_RequiresToken(t *testing.T) {
	a := &app{
		cfg:    &config.Config{Env: "production", MaxBundleSize: "10M", AuthJWKSURL: "http://127.0.0.1:1/jwks"},
		logger: zerolog.Nop(),
	}
	e := newServer(a)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation/sessions/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
