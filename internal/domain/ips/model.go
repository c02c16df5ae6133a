package ips

import (
	"strings"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

const (
	SystemSNOMED              = "http://snomed.info/sct"
	SystemSNOMEDInternational = "http://snomed.info/sct/900000000000207008"
	SystemAbsentUnknown       = "http://hl7.org/fhir/uv/ips/CodeSystem/absent-unknown-uv-ips"
	SystemICD10               = "http://hl7.org/fhir/sid/icd-10"
)

// Category names one of the four reconcilable item lists of a bundle.
type Category string

const (
	CategoryConditions  Category = "conditions"
	CategoryProcedures  Category = "procedures"
	CategoryMedications Category = "medications"
	CategoryAllergies   Category = "allergies"
)

// Categories lists every category in import order.
var Categories = []Category{CategoryConditions, CategoryProcedures, CategoryMedications, CategoryAllergies}

// ParseCategory returns the category for s, accepting only the four known names.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Item is a single clinical entry of one of the four categories.
type Item interface {
	ItemID() string
	ItemCategory() Category
	// Concept is the primary coded concept of the item, or nil.
	Concept() *fhir.CodeableConcept
}

type Annotation struct {
	Text string `json:"text,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Dosage struct {
	Text string `json:"text,omitempty"`
}

// Patient is the subject of the bundle.
type Patient struct {
	ID         string            `json:"id,omitempty"`
	Identifier []fhir.Identifier `json:"identifier,omitempty"`
	Name       []fhir.HumanName  `json:"name,omitempty"`
	Gender     string            `json:"gender,omitempty"`
	BirthDate  string            `json:"birthDate,omitempty"`
}

// GivenName returns the joined given names of the first name entry.
func (p *Patient) GivenName() string {
	if p == nil || len(p.Name) == 0 {
		return ""
	}
	return strings.Join(p.Name[0].Given, " ")
}

// FamilyName returns the family name of the first name entry.
func (p *Patient) FamilyName() string {
	if p == nil || len(p.Name) == 0 {
		return ""
	}
	return p.Name[0].Family
}

// FullName renders the first name entry as "given family", falling back to its text.
func (p *Patient) FullName() string {
	if p == nil || len(p.Name) == 0 {
		return ""
	}
	full := strings.TrimSpace(p.GivenName() + " " + p.FamilyName())
	if full == "" {
		return p.Name[0].Text
	}
	return full
}

type Condition struct {
	ID                 string                 `json:"id,omitempty"`
	ClinicalStatus     *fhir.CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *fhir.CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []fhir.CodeableConcept `json:"category,omitempty"`
	Severity           *fhir.CodeableConcept  `json:"severity,omitempty"`
	Code               *fhir.CodeableConcept  `json:"code,omitempty"`
	BodySite           []fhir.CodeableConcept `json:"bodySite,omitempty"`
	Subject            *fhir.Reference        `json:"subject,omitempty"`
	OnsetDateTime      string                 `json:"onsetDateTime,omitempty"`
	RecordedDate       string                 `json:"recordedDate,omitempty"`
	Note               []Annotation           `json:"note,omitempty"`
}

func (c Condition) ItemID() string                 { return c.ID }
func (c Condition) ItemCategory() Category         { return CategoryConditions }
func (c Condition) Concept() *fhir.CodeableConcept { return c.Code }

type Procedure struct {
	ID                string                 `json:"id,omitempty"`
	Status            string                 `json:"status,omitempty"`
	Code              *fhir.CodeableConcept  `json:"code,omitempty"`
	Subject           *fhir.Reference        `json:"subject,omitempty"`
	PerformedDateTime string                 `json:"performedDateTime,omitempty"`
	PerformedPeriod   *Period                `json:"performedPeriod,omitempty"`
	ReasonCode        []fhir.CodeableConcept `json:"reasonCode,omitempty"`
	BodySite          []fhir.CodeableConcept `json:"bodySite,omitempty"`
	Note              []Annotation           `json:"note,omitempty"`
}

func (p Procedure) ItemID() string                 { return p.ID }
func (p Procedure) ItemCategory() Category         { return CategoryProcedures }
func (p Procedure) Concept() *fhir.CodeableConcept { return p.Code }

// PerformedAt returns the performed date time, or the period start when only a period is given.
func (p Procedure) PerformedAt() string {
	if p.PerformedDateTime != "" {
		return p.PerformedDateTime
	}
	if p.PerformedPeriod != nil {
		return p.PerformedPeriod.Start
	}
	return ""
}

type MedicationStatement struct {
	ID                        string                 `json:"id,omitempty"`
	Status                    string                 `json:"status,omitempty"`
	MedicationCodeableConcept *fhir.CodeableConcept  `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *fhir.Reference        `json:"medicationReference,omitempty"`
	Subject                   *fhir.Reference        `json:"subject,omitempty"`
	EffectiveDateTime         string                 `json:"effectiveDateTime,omitempty"`
	EffectivePeriod           *Period                `json:"effectivePeriod,omitempty"`
	DateAsserted              string                 `json:"dateAsserted,omitempty"`
	ReasonCode                []fhir.CodeableConcept `json:"reasonCode,omitempty"`
	Dosage                    []Dosage               `json:"dosage,omitempty"`
	Note                      []Annotation           `json:"note,omitempty"`
}

func (m MedicationStatement) ItemID() string         { return m.ID }
func (m MedicationStatement) ItemCategory() Category { return CategoryMedications }
func (m MedicationStatement) Concept() *fhir.CodeableConcept {
	return m.MedicationCodeableConcept
}

// EffectiveAt returns the effective date time, or the period start when only a period is given.
func (m MedicationStatement) EffectiveAt() string {
	if m.EffectiveDateTime != "" {
		return m.EffectiveDateTime
	}
	if m.EffectivePeriod != nil {
		return m.EffectivePeriod.Start
	}
	return ""
}

type Reaction struct {
	Manifestation []fhir.CodeableConcept `json:"manifestation,omitempty"`
	Severity      string                 `json:"severity,omitempty"`
	Description   string                 `json:"description,omitempty"`
}

type AllergyIntolerance struct {
	ID                 string                `json:"id,omitempty"`
	ClinicalStatus     *fhir.CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *fhir.CodeableConcept `json:"verificationStatus,omitempty"`
	Type               string                `json:"type,omitempty"`
	Category           []string              `json:"category,omitempty"`
	Criticality        string                `json:"criticality,omitempty"`
	Code               *fhir.CodeableConcept `json:"code,omitempty"`
	Patient            *fhir.Reference       `json:"patient,omitempty"`
	OnsetDateTime      string                `json:"onsetDateTime,omitempty"`
	RecordedDate       string                `json:"recordedDate,omitempty"`
	Reaction           []Reaction            `json:"reaction,omitempty"`
	Note               []Annotation          `json:"note,omitempty"`
}

func (a AllergyIntolerance) ItemID() string                 { return a.ID }
func (a AllergyIntolerance) ItemCategory() Category         { return CategoryAllergies }
func (a AllergyIntolerance) Concept() *fhir.CodeableConcept { return a.Code }

// Medication is only used to resolve medicationReference targets and is never emitted.
type Medication struct {
	ID   string                `json:"id,omitempty"`
	Code *fhir.CodeableConcept `json:"code,omitempty"`
}

// ParsedBundle is the normalized content of one IPS document.
type ParsedBundle struct {
	Patient     *Patient              `json:"patient,omitempty"`
	Conditions  []Condition           `json:"conditions"`
	Procedures  []Procedure           `json:"procedures"`
	Medications []MedicationStatement `json:"medications"`
	Allergies   []AllergyIntolerance  `json:"allergies"`
}

// Items returns the items of one category in bundle order.
func (b *ParsedBundle) Items(cat Category) []Item {
	if b == nil {
		return nil
	}
	var items []Item
	switch cat {
	case CategoryConditions:
		for _, c := range b.Conditions {
			items = append(items, c)
		}
	case CategoryProcedures:
		for _, p := range b.Procedures {
			items = append(items, p)
		}
	case CategoryMedications:
		for _, m := range b.Medications {
			items = append(items, m)
		}
	case CategoryAllergies:
		for _, a := range b.Allergies {
			items = append(items, a)
		}
	}
	return items
}

// Has reports whether the category contains an item with the given id.
func (b *ParsedBundle) Has(cat Category, id string) bool {
	return b.Find(cat, id) != nil
}

// Find returns the first item of the category with the given id, or nil.
func (b *ParsedBundle) Find(cat Category, id string) Item {
	for _, it := range b.Items(cat) {
		if it.ItemID() == id {
			return it
		}
	}
	return nil
}

// Counts returns the number of items per category.
func (b *ParsedBundle) Counts() map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		counts[c] = len(b.Items(c))
	}
	return counts
}

// DisplayText returns the human text of a concept: its text, else the first coding display, else its code.
func DisplayText(cc *fhir.CodeableConcept) string {
	if cc == nil {
		return ""
	}
	if cc.Text != "" {
		return cc.Text
	}
	if len(cc.Coding) == 0 {
		return ""
	}
	if cc.Coding[0].Display != "" {
		return cc.Coding[0].Display
	}
	return cc.Coding[0].Code
}

// StatusCode returns the first coding code of a status concept.
func StatusCode(cc *fhir.CodeableConcept) string {
	if cc == nil || len(cc.Coding) == 0 {
		return ""
	}
	return cc.Coding[0].Code
}
