package terminology

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// maxResponseSize caps how much of a terminology response is read.
const maxResponseSize = 8 << 20

// ancestorPageSize is the expansion page requested for ancestor lookups.
const ancestorPageSize = 1000

// Client calls a FHIR R4 terminology server such as Snowstorm.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the server rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ancestors returns the ids of every proper ancestor of a SNOMED CT concept,
// expanding the ECL expression "> code".
func (c *Client) Ancestors(ctx context.Context, code string) ([]string, error) {
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	q := url.Values{}
	q.Set("url", SystemSNOMED+"?fhir_vs=ecl/> "+code)
	q.Set("count", fmt.Sprint(ancestorPageSize))

	var vs valueSet
	if err := c.get(ctx, "/ValueSet/$expand", q, &vs); err != nil {
		return nil, fmt.Errorf("expand ancestors of %s: %w", code, err)
	}
	ids := make([]string, 0, len(vs.Expansion.Contains))
	for _, cd := range vs.Expansion.Contains {
		ids = append(ids, cd.Code)
	}
	return ids, nil
}

// ICD10MapTargets translates a SNOMED CT code through the ICD-10 complex map.
func (c *Client) ICD10MapTargets(ctx context.Context, code string) ([]ConceptMapping, error) {
	q := url.Values{}
	q.Set("code", code)
	q.Set("system", SystemSNOMED)
	q.Set("source", SystemSNOMED+"?fhir_vs")
	q.Set("target", SystemICD10)
	q.Set("url", ICD10MapURL)
	return c.translate(ctx, q)
}

// Translate runs $translate for code from system into the target value set.
func (c *Client) Translate(ctx context.Context, code, system, target string) ([]ConceptMapping, error) {
	q := url.Values{}
	q.Set("code", code)
	q.Set("system", system)
	if target != "" {
		q.Set("target", target)
	}
	return c.translate(ctx, q)
}

func (c *Client) translate(ctx context.Context, q url.Values) ([]ConceptMapping, error) {
	if q.Get("code") == "" {
		return nil, fmt.Errorf("code is required")
	}
	var params parameters
	if err := c.get(ctx, "/ConceptMap/$translate", q, &params); err != nil {
		return nil, fmt.Errorf("translate %s: %w", q.Get("code"), err)
	}
	var out []ConceptMapping
	for _, p := range params.Parameter {
		if p.Name != "match" {
			continue
		}
		var m ConceptMapping
		for _, part := range p.Part {
			switch part.Name {
			case "equivalence", "relationship":
				m.Equivalence = part.ValueCode
			case "concept":
				if part.ValueCoding != nil {
					m.System = part.ValueCoding.System
					m.Code = part.ValueCoding.Code
					m.Display = part.ValueCoding.Display
				}
			}
		}
		if m.Code != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// LookupConcept returns the display and code system details of a concept.
func (c *Client) LookupConcept(ctx context.Context, system, code string) (*LookupResponse, error) {
	if system == "" {
		return nil, fmt.Errorf("system is required")
	}
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	q := url.Values{}
	q.Set("system", system)
	q.Set("code", code)

	var params parameters
	if err := c.get(ctx, "/CodeSystem/$lookup", q, &params); err != nil {
		return nil, fmt.Errorf("lookup %s|%s: %w", system, code, err)
	}
	resp := &LookupResponse{System: system, Code: code}
	if p := params.first("name"); p != nil {
		resp.Name = p.ValueString
	}
	if p := params.first("version"); p != nil {
		resp.Version = p.ValueString
	}
	if p := params.first("display"); p != nil {
		resp.Display = p.ValueString
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
