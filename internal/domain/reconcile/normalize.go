package reconcile

import (
	"regexp"
	"strings"
	"time"

	"github.com/ehr/ipsreconcile/pkg/fhirmodels"
)

// Vocabulary is a closed value set with the value substituted for anything outside it.
type Vocabulary struct {
	Values   []string
	Fallback string
}

// Coerce returns v when it is an exact, case-sensitive member, else the fallback.
func (v Vocabulary) Coerce(value string) string {
	for _, allowed := range v.Values {
		if value == allowed {
			return value
		}
	}
	return v.Fallback
}

var (
	ProcedureStatusVocab       = Vocabulary{Values: fhirmodels.ProcedureStatuses, Fallback: fhirmodels.ProcedureStatusUnknown}
	MedicationStatusVocab      = Vocabulary{Values: fhirmodels.MedicationStatementStatuses, Fallback: fhirmodels.MedStatementStatusUnknown}
	AllergyTypeVocab           = Vocabulary{Values: fhirmodels.AllergyTypes, Fallback: fhirmodels.AllergyTypeAllergy}
	CriticalityVocab           = Vocabulary{Values: fhirmodels.AllergyCriticalities, Fallback: fhirmodels.CriticalityUnableToAssess}
	AllergyClinicalVocab       = Vocabulary{Values: fhirmodels.AllergyClinicalStatuses, Fallback: fhirmodels.AllergyClinicalActive}
	AllergyVerificationVocab   = Vocabulary{Values: fhirmodels.AllergyVerificationStatuses, Fallback: fhirmodels.AllergyVerUnconfirmed}
	ConditionClinicalVocab     = Vocabulary{Values: fhirmodels.ConditionClinicalStatuses, Fallback: fhirmodels.ConditionClinicalActive}
	ConditionVerificationVocab = Vocabulary{Values: fhirmodels.ConditionVerificationStatuses, Fallback: fhirmodels.ConditionVerUnconfirmed}
)

var allergyCategoryAliases = map[string]string{
	"drug":          fhirmodels.AllergyCategoryMedication,
	"environmental": fhirmodels.AllergyCategoryEnvironment,
}

// CoerceCategories lower-cases and de-aliases allergy categories, dropping
// unknown values. An empty result becomes [environment].
func CoerceCategories(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if alias, ok := allergyCategoryAliases[v]; ok {
			v = alias
		}
		for _, allowed := range fhirmodels.AllergyCategories {
			if v == allowed {
				out = append(out, v)
				break
			}
		}
	}
	if len(out) == 0 {
		return []string{fhirmodels.AllergyCategoryEnvironment}
	}
	return out
}

// TimestampLayout is the millisecond UTC layout partial dates expand to.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	yearPattern      = regexp.MustCompile(`^\d{4}$`)
	yearMonthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	datePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}`)
)

// ExpandPartialDate widens a FHIR partial date to a full UTC timestamp.
// Values that already carry a time of day pass through unchanged.
// Empty or unrecognized values become now.
func ExpandPartialDate(s string, now time.Time) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return now.UTC().Format(TimestampLayout)
	case timestampPattern.MatchString(s):
		return s
	case yearMonthPattern.MatchString(s):
		return s + "-01T00:00:00.000Z"
	case yearPattern.MatchString(s):
		return s + "-01-01T00:00:00.000Z"
	case datePattern.MatchString(s):
		return s + "T00:00:00.000Z"
	default:
		return now.UTC().Format(TimestampLayout)
	}
}

// ParseTimestamp parses an expanded date, accepting RFC 3339 with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
