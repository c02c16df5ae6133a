package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	FHIRID    string     `db:"fhir_id" json:"fhir_id"`
	Active    bool       `db:"active" json:"active"`
	MRN       string     `db:"mrn" json:"mrn"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplayName is "First Last" with empty parts dropped.
func (p *Patient) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (p *Patient) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Patient",
		"id":           p.FHIRID,
		"active":       p.Active,
		"meta":         fhir.Meta{LastUpdated: p.UpdatedAt},
	}
	name := fhir.HumanName{Use: "official", Family: p.LastName}
	if p.FirstName != "" {
		name.Given = []string{p.FirstName}
	}
	result["name"] = []fhir.HumanName{name}
	result["identifier"] = []fhir.Identifier{{
		Use:   "usual",
		Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://terminology.hl7.org/CodeSystem/v2-0203", Code: "MR"}}},
		Value: p.MRN,
	}}
	if p.Gender != nil {
		result["gender"] = *p.Gender
	}
	if p.BirthDate != nil {
		result["birthDate"] = p.BirthDate.Format("2006-01-02")
	}
	return result
}
