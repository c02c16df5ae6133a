package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count/_offset, falling back to limit/offset.
func FromContext(c echo.Context) Params {
	limit := firstInt(c, "_count", "limit")
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := firstInt(c, "_offset", "offset")
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func firstInt(c echo.Context, names ...string) int {
	for _, name := range names {
		if n, err := strconv.Atoi(c.QueryParam(name)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Response wraps a page of a JSON list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: Params{Limit: limit, Offset: offset}.HasNext(total),
	}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// FHIRLink is one Bundle.link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks builds self, next and previous links for a searchset. The search
// parameters in query are carried into every link.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []FHIRLink {
	page := func(offset int) string {
		q := url.Values{}
		for k, v := range query {
			if k != "_offset" && k != "_count" && k != "offset" && k != "limit" {
				q[k] = v
			}
		}
		q.Set("_offset", strconv.Itoa(offset))
		q.Set("_count", strconv.Itoa(p.Limit))
		return basePath + "?" + q.Encode()
	}

	links := []FHIRLink{{Relation: "self", URL: page(p.Offset)}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: page(p.Offset + p.Limit)})
	}
	if p.Offset > 0 {
		links = append(links, FHIRLink{Relation: "previous", URL: page(p.PreviousOffset())})
	}
	return links
}
