package reconcile

import (
	"strings"

	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

const (
	// recordedThreshold is the text similarity above which an uncoded item counts as already recorded.
	recordedThreshold = 0.9
	// duplicateThreshold is the text similarity above which an uncoded item is reported as a duplicate.
	duplicateThreshold = 0.8
)

// Duplicate pairs an incoming item with the stored item it matched.
type Duplicate struct {
	Category ips.Category `json:"category"`
	Incoming ips.Item     `json:"incoming"`
	Existing ips.Item     `json:"existing"`
	Score    float64      `json:"score"`
}

// CodeOf returns the SNOMED CT code of an item, or "" when it has none.
// Procedures without any coding fall back to their first reason code.
func CodeOf(item ips.Item) string {
	if item == nil {
		return ""
	}
	if cc := item.Concept(); cc != nil && len(cc.Coding) > 0 {
		return snomedCode(cc)
	}
	if p, ok := item.(ips.Procedure); ok && len(p.ReasonCode) > 0 {
		return snomedCode(&p.ReasonCode[0])
	}
	return ""
}

func snomedCode(cc *fhir.CodeableConcept) string {
	for _, c := range cc.Coding {
		if c.System == ips.SystemSNOMED || c.System == ips.SystemSNOMEDInternational {
			return c.Code
		}
	}
	return ""
}

// DisplayOf returns the display text of an item's primary concept.
func DisplayOf(item ips.Item) string {
	if item == nil {
		return ""
	}
	return ips.DisplayText(item.Concept())
}

// Similarity scores two display texts in [0, 1]. Comparison ignores case and
// surrounding whitespace; an empty text scores 0 against anything.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	matches := 0
	for _, wa := range wordsA {
		for _, wb := range wordsB {
			if wa == wb {
				matches++
				break
			}
		}
	}
	longest := len(wordsA)
	if len(wordsB) > longest {
		longest = len(wordsB)
	}
	return float64(matches) / float64(longest)
}

// IsAlreadyRecorded reports whether incoming is present in existing, by exact
// SNOMED code when it has one and by display similarity otherwise.
func IsAlreadyRecorded(incoming ips.Item, existing []ips.Item) bool {
	if code := CodeOf(incoming); code != "" {
		for _, e := range existing {
			if CodeOf(e) == code {
				return true
			}
		}
		return false
	}

	display := DisplayOf(incoming)
	for _, e := range existing {
		if Similarity(display, DisplayOf(e)) > recordedThreshold {
			return true
		}
	}
	return false
}

// FindDuplicates pairs each incoming item with the first existing item it
// matches. Coded items match on equal codes with score 1; uncoded items match
// the first existing item whose display similarity exceeds 0.8.
func FindDuplicates(cat ips.Category, incoming, existing []ips.Item) []Duplicate {
	var out []Duplicate
	for _, in := range incoming {
		if code := CodeOf(in); code != "" {
			for _, e := range existing {
				if CodeOf(e) == code {
					out = append(out, Duplicate{Category: cat, Incoming: in, Existing: e, Score: 1})
					break
				}
			}
			continue
		}

		display := DisplayOf(in)
		for _, e := range existing {
			if score := Similarity(display, DisplayOf(e)); score > duplicateThreshold {
				out = append(out, Duplicate{Category: cat, Incoming: in, Existing: e, Score: score})
				break
			}
		}
	}
	return out
}

// FindAllDuplicates runs FindDuplicates over every category.
func FindAllDuplicates(bundle, existing *ips.ParsedBundle) []Duplicate {
	var out []Duplicate
	for _, cat := range ips.Categories {
		out = append(out, FindDuplicates(cat, bundle.Items(cat), existing.Items(cat))...)
	}
	return out
}
