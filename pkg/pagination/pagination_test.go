package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target string
		want   Params
	}{
		{"/", Params{Limit: DefaultLimit, Offset: 0}},
		{"/?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"/?_count=5&_offset=15", Params{Limit: 5, Offset: 15}},
		{"/?_count=5&limit=50", Params{Limit: 5, Offset: 0}},
		{"/?limit=5000", Params{Limit: MaxLimit, Offset: 0}},
		{"/?offset=-3", Params{Limit: DefaultLimit, Offset: 0}},
		{"/?limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		if got := paramsFor(tt.target); got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.target, got, tt.want)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a"}, 25, 10, 10)
	if !resp.HasMore {
		t.Error("expected more results")
	}
	if NewResponse(nil, 20, 10, 10).HasMore {
		t.Error("expected last page")
	}
}

func TestPreviousOffset(t *testing.T) {
	if got := (Params{Limit: 10, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := (Params{Limit: 10, Offset: 30}).PreviousOffset(); got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
}

func linkMap(links []FHIRLink) map[string]string {
	m := make(map[string]string, len(links))
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestFHIRLinks_CarriesSearchParams(t *testing.T) {
	q := url.Values{"patient": {"p-1"}, "_count": {"10"}}
	links := linkMap(Params{Limit: 10, Offset: 10}.FHIRLinks("/fhir/Condition", q, 25))

	if got := links["self"]; got != "/fhir/Condition?_count=10&_offset=10&patient=p-1" {
		t.Errorf("unexpected self link %q", got)
	}
	if got := links["next"]; got != "/fhir/Condition?_count=10&_offset=20&patient=p-1" {
		t.Errorf("unexpected next link %q", got)
	}
	if got := links["previous"]; got != "/fhir/Condition?_count=10&_offset=0&patient=p-1" {
		t.Errorf("unexpected previous link %q", got)
	}
}

func TestFHIRLinks_SinglePage(t *testing.T) {
	links := Params{Limit: 10}.FHIRLinks("/fhir/Patient", nil, 3)
	if len(links) != 1 || links[0].Relation != "self" {
		t.Errorf("expected only self link, got %+v", links)
	}
}
