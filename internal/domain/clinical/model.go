package clinical

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
	"github.com/ehr/ipsreconcile/pkg/fhirmodels"
)

// Condition maps to the condition table (FHIR Condition resource).
type Condition struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	FHIRID             string     `db:"fhir_id" json:"fhir_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	ClinicalStatus     string     `db:"clinical_status" json:"clinical_status"`
	VerificationStatus *string    `db:"verification_status" json:"verification_status,omitempty"`
	CategoryCode       *string    `db:"category_code" json:"category_code,omitempty"`
	SeverityCode       *string    `db:"severity_code" json:"severity_code,omitempty"`
	SeverityDisplay    *string    `db:"severity_display" json:"severity_display,omitempty"`
	CodeSystem         *string    `db:"code_system" json:"code_system,omitempty"`
	CodeValue          string     `db:"code_value" json:"code_value"`
	CodeDisplay        string     `db:"code_display" json:"code_display"`
	AltCodeSystem      *string    `db:"alt_code_system" json:"alt_code_system,omitempty"`
	AltCodeValue       *string    `db:"alt_code_value" json:"alt_code_value,omitempty"`
	AltCodeDisplay     *string    `db:"alt_code_display" json:"alt_code_display,omitempty"`
	BodySiteCode       *string    `db:"body_site_code" json:"body_site_code,omitempty"`
	BodySiteDisplay    *string    `db:"body_site_display" json:"body_site_display,omitempty"`
	ComputedLocation   *string    `db:"computed_location" json:"computed_location,omitempty"`
	OnsetDatetime      *time.Time `db:"onset_datetime" json:"onset_datetime,omitempty"`
	RecordedDate       *time.Time `db:"recorded_date" json:"recorded_date,omitempty"`
	Note               *string    `db:"note" json:"note,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// computedLocationURL is the extension carrying the anatomic region assigned on import.
const computedLocationURL = "http://ehr.local/fhir/StructureDefinition/computed-location"

func (c *Condition) ToFHIR() map[string]interface{} {
	code := codeable(strVal(c.CodeSystem), c.CodeValue, c.CodeDisplay)
	code.Text = c.CodeDisplay
	if c.AltCodeValue != nil {
		code.Coding = append(code.Coding, fhir.Coding{
			System:  strVal(c.AltCodeSystem),
			Code:    *c.AltCodeValue,
			Display: strVal(c.AltCodeDisplay),
		})
	}
	r := resource("Condition", c.FHIRID, c.UpdatedAt)
	r["subject"] = patientRef(c.PatientID)
	r["code"] = code
	r["clinicalStatus"] = codeable(fhirmodels.ConditionClinicalSystem, c.ClinicalStatus, "")
	if c.VerificationStatus != nil {
		r["verificationStatus"] = codeable(fhirmodels.ConditionVerStatusSystem, *c.VerificationStatus, "")
	}
	if c.CategoryCode != nil {
		r["category"] = []fhir.CodeableConcept{codeable("", *c.CategoryCode, "")}
	}
	if c.SeverityCode != nil {
		r["severity"] = codeable("", *c.SeverityCode, strVal(c.SeverityDisplay))
	}
	if c.BodySiteCode != nil {
		r["bodySite"] = []fhir.CodeableConcept{codeable("", *c.BodySiteCode, strVal(c.BodySiteDisplay))}
	}
	if c.ComputedLocation != nil {
		r["extension"] = []fhir.Extension{{URL: computedLocationURL, ValueCode: *c.ComputedLocation}}
	}
	setDateTime(r, "onsetDateTime", c.OnsetDatetime)
	setDate(r, "recordedDate", c.RecordedDate)
	setNote(r, c.Note)
	return r
}

// AllergyIntolerance maps to the allergy_intolerance table.
type AllergyIntolerance struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	FHIRID             string     `db:"fhir_id" json:"fhir_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	ClinicalStatus     *string    `db:"clinical_status" json:"clinical_status,omitempty"`
	VerificationStatus *string    `db:"verification_status" json:"verification_status,omitempty"`
	Type               *string    `db:"type" json:"type,omitempty"`
	Category           []string   `db:"category" json:"category,omitempty"`
	Criticality        *string    `db:"criticality" json:"criticality,omitempty"`
	CodeSystem         *string    `db:"code_system" json:"code_system,omitempty"`
	CodeValue          *string    `db:"code_value" json:"code_value,omitempty"`
	CodeDisplay        *string    `db:"code_display" json:"code_display,omitempty"`
	OnsetDatetime      *time.Time `db:"onset_datetime" json:"onset_datetime,omitempty"`
	RecordedDate       *time.Time `db:"recorded_date" json:"recorded_date,omitempty"`
	Note               *string    `db:"note" json:"note,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *AllergyIntolerance) ToFHIR() map[string]interface{} {
	r := resource("AllergyIntolerance", a.FHIRID, a.UpdatedAt)
	r["patient"] = patientRef(a.PatientID)
	if a.ClinicalStatus != nil {
		r["clinicalStatus"] = codeable(fhirmodels.AllergyClinicalSystem, *a.ClinicalStatus, "")
	}
	if a.VerificationStatus != nil {
		r["verificationStatus"] = codeable(fhirmodels.AllergyVerificationSystem, *a.VerificationStatus, "")
	}
	if a.Type != nil {
		r["type"] = *a.Type
	}
	if len(a.Category) > 0 {
		r["category"] = a.Category
	}
	if a.Criticality != nil {
		r["criticality"] = *a.Criticality
	}
	// Allergies imported from free text carry a display without a code.
	if a.CodeValue != nil {
		cc := codeable(strVal(a.CodeSystem), *a.CodeValue, strVal(a.CodeDisplay))
		cc.Text = strVal(a.CodeDisplay)
		r["code"] = cc
	} else if a.CodeDisplay != nil {
		r["code"] = fhir.CodeableConcept{Text: *a.CodeDisplay}
	}
	setDateTime(r, "onsetDateTime", a.OnsetDatetime)
	setDate(r, "recordedDate", a.RecordedDate)
	setNote(r, a.Note)
	return r
}

// ProcedureRecord maps to the procedure_record table (FHIR Procedure resource).
type ProcedureRecord struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	FHIRID            string     `db:"fhir_id" json:"fhir_id"`
	Status            string     `db:"status" json:"status"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	CodeSystem        *string    `db:"code_system" json:"code_system,omitempty"`
	CodeValue         string     `db:"code_value" json:"code_value"`
	CodeDisplay       string     `db:"code_display" json:"code_display"`
	PerformedDatetime *time.Time `db:"performed_datetime" json:"performed_datetime,omitempty"`
	PerformedEnd      *time.Time `db:"performed_end" json:"performed_end,omitempty"`
	BodySiteCode      *string    `db:"body_site_code" json:"body_site_code,omitempty"`
	BodySiteDisplay   *string    `db:"body_site_display" json:"body_site_display,omitempty"`
	ReasonSystem      *string    `db:"reason_system" json:"reason_system,omitempty"`
	ReasonCode        *string    `db:"reason_code" json:"reason_code,omitempty"`
	ReasonDisplay     *string    `db:"reason_display" json:"reason_display,omitempty"`
	Note              *string    `db:"note" json:"note,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *ProcedureRecord) ToFHIR() map[string]interface{} {
	code := codeable(strVal(p.CodeSystem), p.CodeValue, p.CodeDisplay)
	code.Text = p.CodeDisplay

	r := resource("Procedure", p.FHIRID, p.UpdatedAt)
	r["subject"] = patientRef(p.PatientID)
	r["status"] = p.Status
	r["code"] = code
	if p.PerformedDatetime != nil && p.PerformedEnd != nil {
		r["performedPeriod"] = fhir.Period{Start: p.PerformedDatetime, End: p.PerformedEnd}
	} else {
		setDateTime(r, "performedDateTime", p.PerformedDatetime)
	}
	if p.BodySiteCode != nil {
		r["bodySite"] = []fhir.CodeableConcept{codeable("", *p.BodySiteCode, strVal(p.BodySiteDisplay))}
	}
	if p.ReasonCode != nil {
		r["reasonCode"] = []fhir.CodeableConcept{codeable(strVal(p.ReasonSystem), *p.ReasonCode, strVal(p.ReasonDisplay))}
	}
	setNote(r, p.Note)
	return r
}

func resource(resourceType, id string, updated time.Time) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
		"meta":         fhir.Meta{LastUpdated: updated},
	}
}

func patientRef(id uuid.UUID) fhir.Reference {
	return fhir.Reference{Reference: fhir.FormatReference("Patient", id.String())}
}

func codeable(system, code, display string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{{System: system, Code: code, Display: display}}}
}

func setDateTime(r map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		r[key] = t.Format(time.RFC3339)
	}
}

func setDate(r map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		r[key] = t.Format("2006-01-02")
	}
}

func setNote(r map[string]interface{}, note *string) {
	if note != nil {
		r["note"] = []map[string]string{{"text": *note}}
	}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
