package clinical

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

func TestConditionToFHIR_AltCodingAndLocation(t *testing.T) {
	c := &Condition{
		FHIRID:           "c-1",
		PatientID:        uuid.New(),
		ClinicalStatus:   "active",
		CodeSystem:       strPtr("http://snomed.info/sct"),
		CodeValue:        "38341003",
		CodeDisplay:      "Hypertension",
		AltCodeSystem:    strPtr("http://hl7.org/fhir/sid/icd-10"),
		AltCodeValue:     strPtr("I10"),
		AltCodeDisplay:   strPtr("Essential hypertension"),
		ComputedLocation: strPtr("systemic"),
	}
	res := c.ToFHIR()
	if res["resourceType"] != "Condition" {
		t.Errorf("expected Condition, got %v", res["resourceType"])
	}
	code := res["code"].(fhir.CodeableConcept)
	if len(code.Coding) != 2 {
		t.Fatalf("expected 2 codings, got %d", len(code.Coding))
	}
	if code.Coding[1].Code != "I10" {
		t.Errorf("expected alt code I10, got %s", code.Coding[1].Code)
	}
	ext := res["extension"].([]fhir.Extension)
	if len(ext) != 1 || ext[0].ValueCode != "systemic" {
		t.Errorf("unexpected extension %+v", ext)
	}
}

func TestConditionToFHIR_NoOptionalFields(t *testing.T) {
	c := &Condition{FHIRID: "c-2", PatientID: uuid.New(), ClinicalStatus: "active", CodeValue: "1"}
	res := c.ToFHIR()
	for _, key := range []string{"extension", "verificationStatus", "onsetDateTime", "note"} {
		if _, ok := res[key]; ok {
			t.Errorf("did not expect %s", key)
		}
	}
}

func TestAllergyToFHIR_TextOnlyCode(t *testing.T) {
	a := &AllergyIntolerance{FHIRID: "a-1", PatientID: uuid.New(), CodeDisplay: strPtr("Cat dander")}
	res := a.ToFHIR()
	cc := res["code"].(fhir.CodeableConcept)
	if cc.Text != "Cat dander" || len(cc.Coding) != 0 {
		t.Errorf("unexpected code %+v", cc)
	}
}

func TestProcedureToFHIR_Period(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	p := &ProcedureRecord{FHIRID: "p-1", Status: "completed", PatientID: uuid.New(), CodeValue: "80146002",
		PerformedDatetime: &start, PerformedEnd: &end}
	res := p.ToFHIR()
	if _, ok := res["performedPeriod"]; !ok {
		t.Error("expected performedPeriod")
	}
	if _, ok := res["performedDateTime"]; ok {
		t.Error("did not expect performedDateTime alongside a period")
	}
}

func TestProcedureToFHIR_ReasonCode(t *testing.T) {
	p := &ProcedureRecord{FHIRID: "p-2", Status: "completed", PatientID: uuid.New(),
		ReasonCode: strPtr("74400008"), ReasonDisplay: strPtr("Appendicitis")}
	res := p.ToFHIR()
	reasons := res["reasonCode"].([]fhir.CodeableConcept)
	if reasons[0].Coding[0].Code != "74400008" {
		t.Errorf("unexpected reason %+v", reasons)
	}
}
