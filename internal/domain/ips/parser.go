package ips

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

// ErrInvalidBundle is returned when the raw document is not a JSON object.
var ErrInvalidBundle = errors.New("ips: bundle is not a valid JSON object")

// ParseError reports a recognized resource whose content does not match its expected shape.
type ParseError struct {
	Index        int
	ResourceType string
	ID           string
	Err          error
}

func (e *ParseError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("ips: entry %d (%s/%s): %v", e.Index, e.ResourceType, e.ID, e.Err)
	}
	return fmt.Sprintf("ips: entry %d (%s): %v", e.Index, e.ResourceType, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser turns a raw IPS document into a ParsedBundle. It holds no state and
// is safe for concurrent use.
type Parser struct{}

// NewParser creates a new bundle parser.
func NewParser() *Parser {
	return &Parser{}
}

type rawEntry struct {
	index        int
	resourceType string
	id           string
	resource     json.RawMessage
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Parse decodes raw into a ParsedBundle. Absent/unknown conditions, allergies
// and medications are dropped, and medication references are inlined from the
// bundle's Medication resources.
func (p *Parser) Parse(raw []byte) (*ParsedBundle, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidBundle
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	bundle := &ParsedBundle{}
	entries := p.entries(doc["entry"])

	// Pass 1: collect Medication resources for reference resolution.
	meds := make(map[string]*Medication)
	for _, e := range entries {
		if e.resourceType != "Medication" {
			continue
		}
		var m Medication
		if err := json.Unmarshal(e.resource, &m); err != nil {
			return nil, e.fail(err)
		}
		meds[m.ID] = &m
	}

	// Pass 2: dispatch on resource type.
	for _, e := range entries {
		switch e.resourceType {
		case "Patient":
			var pt Patient
			if err := json.Unmarshal(e.resource, &pt); err != nil {
				return nil, e.fail(err)
			}
			bundle.Patient = &pt

		case "Condition":
			var c Condition
			if err := json.Unmarshal(e.resource, &c); err != nil {
				return nil, e.fail(err)
			}
			if IsAbsentUnknown(c.Code) {
				continue
			}
			bundle.Conditions = append(bundle.Conditions, c)

		case "Procedure":
			var pr Procedure
			if err := json.Unmarshal(e.resource, &pr); err != nil {
				return nil, e.fail(err)
			}
			bundle.Procedures = append(bundle.Procedures, pr)

		case "MedicationStatement":
			var ms MedicationStatement
			if err := json.Unmarshal(e.resource, &ms); err != nil {
				return nil, e.fail(err)
			}
			if keep := resolveMedication(&ms, meds); keep {
				bundle.Medications = append(bundle.Medications, ms)
			}

		case "AllergyIntolerance":
			var a AllergyIntolerance
			if err := json.Unmarshal(e.resource, &a); err != nil {
				return nil, e.fail(err)
			}
			if IsAbsentUnknown(a.Code) {
				continue
			}
			bundle.Allergies = append(bundle.Allergies, a)
		}
	}

	return bundle, nil
}

// entries extracts the resource of every entry. A missing or non-array entry
// list yields no entries, and entries without a resource object are skipped.
func (p *Parser) entries(raw json.RawMessage) []rawEntry {
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}

	out := make([]rawEntry, 0, len(list))
	for i, item := range list {
		var entry struct {
			Resource json.RawMessage `json:"resource"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		res := bytes.TrimSpace(entry.Resource)
		if len(res) == 0 || res[0] != '{' {
			continue
		}
		var hdr resourceHeader
		if err := json.Unmarshal(res, &hdr); err != nil {
			continue
		}
		out = append(out, rawEntry{index: i, resourceType: hdr.ResourceType, id: hdr.ID, resource: res})
	}
	return out
}

func (e rawEntry) fail(err error) error {
	return &ParseError{Index: e.index, ResourceType: e.resourceType, ID: e.id, Err: err}
}

// resolveMedication inlines the referenced Medication code into the statement
// and reports whether the statement should be kept.
func resolveMedication(ms *MedicationStatement, meds map[string]*Medication) bool {
	if ms.MedicationCodeableConcept != nil {
		return !IsAbsentUnknown(ms.MedicationCodeableConcept)
	}
	if ms.MedicationReference == nil || ms.MedicationReference.Reference == "" {
		return true
	}
	med, ok := meds[fhir.ReferenceID(ms.MedicationReference.Reference)]
	if !ok || med.Code == nil {
		return true
	}
	if IsAbsentUnknown(med.Code) {
		return false
	}
	code := *med.Code
	code.Coding = append([]fhir.Coding(nil), med.Code.Coding...)
	ms.MedicationCodeableConcept = &code
	return true
}

// IsAbsentUnknown reports whether any coding of cc uses the IPS absent/unknown system.
func IsAbsentUnknown(cc *fhir.CodeableConcept) bool {
	return cc.CodingFor(SystemAbsentUnknown) != nil
}
