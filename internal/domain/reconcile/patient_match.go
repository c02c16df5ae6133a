package reconcile

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/domain/identity"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
)

// Match types of a patient suggestion, strongest first.
const (
	MatchExact = "exact"
	MatchName  = "name"
	MatchDate  = "date"
)

const (
	nameWeight      = 0.5
	birthDateWeight = 0.35
	genderWeight    = 0.15
)

// Demographics is the part of a patient used for matching. BirthDate is YYYY-MM-DD.
type Demographics struct {
	Name      string
	BirthDate string
	Gender    string
}

// DemographicsOf extracts demographics from a bundle patient.
func DemographicsOf(p *ips.Patient) Demographics {
	if p == nil {
		return Demographics{}
	}
	return Demographics{Name: p.FullName(), BirthDate: p.BirthDate, Gender: p.Gender}
}

// StoredDemographics extracts demographics from a stored patient.
func StoredDemographics(p *identity.Patient) Demographics {
	d := Demographics{Name: p.DisplayName()}
	if p.BirthDate != nil {
		d.BirthDate = p.BirthDate.Format("2006-01-02")
	}
	if p.Gender != nil {
		d.Gender = *p.Gender
	}
	return d
}

// ScoreBreakdown holds the component scores of a PatientMatch.
type ScoreBreakdown struct {
	Name      float64 `json:"name"`
	BirthDate float64 `json:"birth_date"`
	Gender    float64 `json:"gender"`
}

// PatientMatch is a stored patient ranked against a reference.
type PatientMatch struct {
	PatientID uuid.UUID      `json:"patient_id"`
	Display   string         `json:"display"`
	BirthDate string         `json:"birth_date,omitempty"`
	Score     float64        `json:"score"`
	MatchType string         `json:"match_type,omitempty"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// SimilarPatients scores every candidate against ref and sorts them by
// descending score. Equal scores keep candidate order.
func SimilarPatients(ref Demographics, candidates []*identity.Patient) []PatientMatch {
	out := make([]PatientMatch, 0, len(candidates))
	for _, c := range candidates {
		d := StoredDemographics(c)
		b := ScoreBreakdown{
			Name:      nameSimilarity(ref.Name, d.Name),
			BirthDate: birthDateSimilarity(ref.BirthDate, d.BirthDate),
			Gender:    genderSimilarity(ref.Gender, d.Gender),
		}
		out = append(out, PatientMatch{
			PatientID: c.ID,
			Display:   d.Name,
			BirthDate: d.BirthDate,
			Score:     b.Name*nameWeight + b.BirthDate*birthDateWeight + b.Gender*genderWeight,
			Breakdown: b,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SuggestPatient returns the first candidate found by three passes: equal name
// and birth date, then word similarity above 0.8 with the same birth date, then
// above 0.6 with the same birth date. It returns nil when none qualifies.
func SuggestPatient(ref Demographics, candidates []*identity.Patient) *PatientMatch {
	if ref.Name == "" || len(candidates) == 0 {
		return nil
	}
	name := strings.ToLower(ref.Name)
	passes := []struct {
		matchType string
		accept    func(candidate string) bool
	}{
		{MatchExact, func(c string) bool { return c == name }},
		{MatchName, func(c string) bool { return wordSimilarity(name, c, 1) > 0.8 }},
		{MatchDate, func(c string) bool { return wordSimilarity(name, c, 1) > 0.6 }},
	}
	for _, pass := range passes {
		for _, c := range candidates {
			d := StoredDemographics(c)
			if d.BirthDate != ref.BirthDate || !pass.accept(strings.ToLower(d.Name)) {
				continue
			}
			return &PatientMatch{
				PatientID: c.ID,
				Display:   d.Name,
				BirthDate: d.BirthDate,
				Score:     1,
				MatchType: pass.matchType,
			}
		}
	}
	return nil
}

// nameSimilarity is the larger of the Levenshtein and word-match scores.
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	lev := levenshteinSimilarity(a, b)
	if w := wordSimilarity(a, b, 0.7); w > lev {
		return w
	}
	return lev
}

// wordSimilarity counts matching words over the longer word list. Words longer
// than two characters that contain one another earn partialCredit.
func wordSimilarity(a, b string, partialCredit float64) float64 {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	var matches float64
	for _, wa := range wordsA {
		for _, wb := range wordsB {
			if wa == wb {
				matches++
				break
			}
			if len(wa) > 2 && len(wb) > 2 && (strings.Contains(wa, wb) || strings.Contains(wb, wa)) {
				matches += partialCredit
				break
			}
		}
	}
	longest := len(wordsA)
	if len(wordsB) > longest {
		longest = len(wordsB)
	}
	return matches / float64(longest)
}

func levenshteinSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// birthDateSimilarity is 1 for equal dates, else 1 - 0.2 per year apart, floored at 0.
func birthDateSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ya, errA := birthYear(a)
	yb, errB := birthYear(b)
	if errA != nil || errB != nil {
		return 0
	}
	diff := ya - yb
	if diff < 0 {
		diff = -diff
	}
	score := 1 - float64(diff)*0.2
	if score < 0 {
		return 0
	}
	return score
}

func birthYear(s string) (int, error) {
	if len(s) < 4 {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(s[:4])
}

func genderSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" || a != b {
		return 0
	}
	return 1
}
