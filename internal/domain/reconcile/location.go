package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// RegionSystemic is assigned when no anatomic anchor matches or the lookup fails.
const RegionSystemic = "systemic"

// AnchorPoint ties an anatomic region to the concepts whose descendants belong to it.
// Ancestor entries may carry a trailing "|Display|" term.
type AnchorPoint struct {
	RegionID  string
	Ancestors []string
}

// AnchorPoints is checked in order and the first region with a matching ancestor wins.
var AnchorPoints = []AnchorPoint{
	{RegionID: "head", Ancestors: []string{"406122000", "118690002", "384821006"}},
	{RegionID: "neck", Ancestors: []string{"298378000", "118693000"}},
	{RegionID: "thorax", Ancestors: []string{"298705000", "118695007", "106048009", "106063007", "118669005"}},
	{RegionID: "abdomen", Ancestors: []string{"609624008", "118698009", "386617003"}},
	{RegionID: "pelvis", Ancestors: []string{"609625009", "609637006"}},
	{RegionID: "arms", Ancestors: []string{"116307009", "118702008"}},
	{RegionID: "legs", Ancestors: []string{"116312005", "118710009"}},
}

// AncestorSource returns every ancestor concept id of a concept.
type AncestorSource interface {
	Ancestors(ctx context.Context, code string) ([]string, error)
}

// Classifier assigns a condition concept to an anatomic region.
type Classifier struct {
	source  AncestorSource
	anchors []AnchorPoint
	cache   *cache.Cache
	logger  zerolog.Logger
}

// NewClassifier creates a classifier over source. Successful classifications are
// cached for ttl; a non-positive ttl disables the cache.
func NewClassifier(source AncestorSource, ttl time.Duration, logger zerolog.Logger) *Classifier {
	c := &Classifier{source: source, anchors: AnchorPoints, logger: logger}
	if ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

// Classify returns the region of code. It never fails: lookup errors and
// unmatched concepts give RegionSystemic.
func (c *Classifier) Classify(ctx context.Context, code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return RegionSystemic
	}
	if c.cache != nil {
		if region, ok := c.cache.Get(code); ok {
			return region.(string)
		}
	}

	ancestors, err := c.source.Ancestors(ctx, code)
	if err != nil {
		c.logger.Warn().Err(err).Str("code", code).Msg("ancestor lookup failed, classifying as systemic")
		return RegionSystemic
	}

	region := c.match(ancestors)
	if c.cache != nil {
		c.cache.Set(code, region, cache.DefaultExpiration)
	}
	return region
}

func (c *Classifier) match(ancestors []string) string {
	set := make(map[string]struct{}, len(ancestors))
	for _, a := range ancestors {
		set[conceptID(a)] = struct{}{}
	}
	for _, anchor := range c.anchors {
		for _, a := range anchor.Ancestors {
			if _, ok := set[conceptID(a)]; ok {
				return anchor.RegionID
			}
		}
	}
	return RegionSystemic
}

// conceptID strips an optional "|Display|" term, keeping the text before the first whitespace.
func conceptID(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }); i >= 0 {
		return s[:i]
	}
	return s
}
