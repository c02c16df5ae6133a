package terminology

import "github.com/ehr/ipsreconcile/internal/platform/fhir"

// CodeSystemURI constants for the terminologies used on import.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10"
)

// ICD10MapURL selects the SNOMED CT to ICD-10 complex map reference set
// of the international edition.
const ICD10MapURL = "http://snomed.info/sct/900000000000207008/version/20200131?fhir_cm=447562003"

// ConceptMapping is one target of a $translate match.
type ConceptMapping struct {
	System      string `json:"system"`
	Code        string `json:"code"`
	Display     string `json:"display,omitempty"`
	Equivalence string `json:"equivalence,omitempty"`
}

// LookupResponse is the subset of a FHIR CodeSystem $lookup result exposed to callers.
type LookupResponse struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Display string `json:"display,omitempty"`
}

// parameter is a FHIR Parameters entry. Only the value types the terminology
// operations return are modelled.
type parameter struct {
	Name         string       `json:"name"`
	ValueString  string       `json:"valueString,omitempty"`
	ValueCode    string       `json:"valueCode,omitempty"`
	ValueBoolean *bool        `json:"valueBoolean,omitempty"`
	ValueCoding  *fhir.Coding `json:"valueCoding,omitempty"`
	Part         []parameter  `json:"part,omitempty"`
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

func (p parameters) first(name string) *parameter {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i]
		}
	}
	return nil
}

type valueSet struct {
	ResourceType string `json:"resourceType"`
	Expansion    struct {
		Total    int           `json:"total"`
		Contains []fhir.Coding `json:"contains"`
	} `json:"expansion"`
}
