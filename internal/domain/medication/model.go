package medication

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

// MedicationStatement maps to the medication_statement table. The medication
// concept is stored inline rather than as a reference to a Medication row.
type MedicationStatement struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	FHIRID            string     `db:"fhir_id" json:"fhir_id"`
	Status            string     `db:"status" json:"status"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	MedicationSystem  *string    `db:"medication_system" json:"medication_system,omitempty"`
	MedicationCode    *string    `db:"medication_code" json:"medication_code,omitempty"`
	MedicationDisplay *string    `db:"medication_display" json:"medication_display,omitempty"`
	EffectiveDatetime *time.Time `db:"effective_datetime" json:"effective_datetime,omitempty"`
	EffectiveStart    *time.Time `db:"effective_start" json:"effective_start,omitempty"`
	EffectiveEnd      *time.Time `db:"effective_end" json:"effective_end,omitempty"`
	DateAsserted      *time.Time `db:"date_asserted" json:"date_asserted,omitempty"`
	DosageText        *string    `db:"dosage_text" json:"dosage_text,omitempty"`
	Note              *string    `db:"note" json:"note,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (m *MedicationStatement) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "MedicationStatement",
		"id":           m.FHIRID,
		"status":       m.Status,
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", m.PatientID.String())},
		"meta":         fhir.Meta{LastUpdated: m.UpdatedAt},
	}
	cc := fhir.CodeableConcept{Text: strVal(m.MedicationDisplay)}
	if m.MedicationCode != nil {
		cc.Coding = []fhir.Coding{{
			System:  strVal(m.MedicationSystem),
			Code:    *m.MedicationCode,
			Display: strVal(m.MedicationDisplay),
		}}
	}
	result["medicationCodeableConcept"] = cc
	switch {
	case m.EffectiveStart != nil:
		result["effectivePeriod"] = fhir.Period{Start: m.EffectiveStart, End: m.EffectiveEnd}
	case m.EffectiveDatetime != nil:
		result["effectiveDateTime"] = m.EffectiveDatetime.Format(time.RFC3339)
	}
	if m.DateAsserted != nil {
		result["dateAsserted"] = m.DateAsserted.Format(time.RFC3339)
	}
	if m.DosageText != nil {
		result["dosage"] = []map[string]string{{"text": *m.DosageText}}
	}
	if m.Note != nil {
		result["note"] = []map[string]string{{"text": *m.Note}}
	}
	return result
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
