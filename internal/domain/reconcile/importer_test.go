package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ipsreconcile/internal/domain/clinical"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/domain/terminology"
	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

var fixedNow = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func linkedSession(bundle *ips.ParsedBundle) *Session {
	s := NewSession(bundle)
	s.Link(LinkedRecord{RecordID: uuid.New(), Display: "Jane Doe"}, &ips.ParsedBundle{})
	return s
}

func newTestImporter(env *testEnv, concurrency int) *Importer {
	im := NewImporter(env.store, env.icd10, NewClassifier(env.ancestors, 0, zerolog.Nop()), concurrency, zerolog.Nop())
	im.now = func() time.Time { return fixedNow }
	return im
}

func TestImporter_ConditionEnrichment(t *testing.T) {
	env := newTestEnv()
	env.ancestors.ancestors["195967001"] = []string{"118669005"}
	env.ancestors.fail["38341003"] = true
	env.ancestors.ancestors["25064002"] = []string{"406122000"}
	env.icd10.targets["195967001"] = []terminology.ConceptMapping{
		{System: ips.SystemICD10, Code: "", Equivalence: "unmatched"},
		{System: ips.SystemICD10, Code: "J45.9", Display: "Asthma, unspecified", Equivalence: "equivalent"},
	}
	env.icd10.fail["25064002"] = true

	s := linkedSession(&ips.ParsedBundle{Conditions: []ips.Condition{
		{ID: "c1", Code: snomed("195967001", "Asthma")},
		{ID: "c2", Code: snomed("38341003", "Hypertension")},
		{ID: "c3", Code: snomed("25064002", "Headache"), OnsetDateTime: "2019-05"},
	}})
	res, err := newTestImporter(env, 1).ImportSelected(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Imported != 3 {
		t.Fatalf("expected 3 imported, got %d", res.Imported)
	}
	if res.Items[0].Region != "thorax" || res.Items[1].Region != RegionSystemic || res.Items[2].Region != "head" {
		t.Errorf("unexpected regions: %+v", res.Items)
	}
	if res.Items[0].ICD10 != "J45.9" || res.Items[2].ICD10 != "" {
		t.Errorf("unexpected icd-10 codes: %+v", res.Items)
	}

	c1 := env.store.conditions[0]
	if c1.AltCodeValue == nil || *c1.AltCodeValue != "J45.9" || *c1.AltCodeSystem != ips.SystemICD10 {
		t.Errorf("expected ICD-10 alternate code, got %+v", c1)
	}
	if c1.ComputedLocation == nil || *c1.ComputedLocation != "thorax" {
		t.Errorf("expected thorax location, got %v", c1.ComputedLocation)
	}
	if c1.ClinicalStatus != "active" {
		t.Errorf("expected default clinical status, got %s", c1.ClinicalStatus)
	}
	if c1.OnsetDatetime == nil || !c1.OnsetDatetime.Equal(fixedNow) || !c1.RecordedDate.Equal(fixedNow) {
		t.Errorf("expected onset and recorded date to default to now, got %v %v", c1.OnsetDatetime, c1.RecordedDate)
	}
	c3 := env.store.conditions[2]
	if c3.OnsetDatetime.Format(TimestampLayout) != "2019-05-01T00:00:00.000Z" {
		t.Errorf("unexpected onset: %v", c3.OnsetDatetime)
	}
	if s.Selection.Total() != 0 {
		t.Error("selection must be cleared")
	}
}

func TestImporter_ConcurrentEnrichmentKeepsOrder(t *testing.T) {
	env := newTestEnv()
	var conditions []ips.Condition
	for i, code := range []string{"1", "2", "3", "4", "5", "6"} {
		env.ancestors.ancestors[code] = []string{AnchorPoints[i%len(AnchorPoints)].Ancestors[0]}
		conditions = append(conditions, ips.Condition{ID: "c" + code, Code: snomed(code, "x"+code)})
	}
	s := linkedSession(&ips.ParsedBundle{Conditions: conditions})
	res, err := newTestImporter(env, 4).ImportSelected(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	for i, it := range res.Items {
		if it.ItemID != conditions[i].ID {
			t.Errorf("item %d: expected %s, got %s", i, conditions[i].ID, it.ItemID)
		}
		if want := AnchorPoints[i%len(AnchorPoints)].RegionID; it.Region != want {
			t.Errorf("item %d: expected %s, got %s", i, want, it.Region)
		}
		if env.store.conditions[i].FHIRID != conditions[i].ID {
			t.Errorf("commit %d out of order", i)
		}
	}
}

// callLog records the order of terminology lookups and store writes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

type loggingAncestors struct{ log *callLog }

func (a loggingAncestors) Ancestors(_ context.Context, code string) ([]string, error) {
	a.log.add("ancestors:" + code)
	return nil, nil
}

type loggingStore struct {
	*memRecordStore
	log *callLog
}

func (s loggingStore) AddCondition(ctx context.Context, c *clinical.Condition) (bool, error) {
	s.log.add("add:" + c.FHIRID)
	return s.memRecordStore.AddCondition(ctx, c)
}

func TestImporter_SequentialConditionsCompleteOneAtATime(t *testing.T) {
	log := &callLog{}
	store := loggingStore{memRecordStore: newMemRecordStore(), log: log}
	im := NewImporter(store, nil, NewClassifier(loggingAncestors{log: log}, 0, zerolog.Nop()), 1, zerolog.Nop())
	im.now = func() time.Time { return fixedNow }

	s := linkedSession(&ips.ParsedBundle{Conditions: []ips.Condition{
		{ID: "c1", Code: snomed("1", "Asthma")},
		{ID: "c2", Code: snomed("2", "Gout")},
		{ID: "c3", Code: snomed("3", "Migraine")},
	}})
	if _, err := im.ImportSelected(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"ancestors:1", "add:c1", "ancestors:2", "add:c2", "ancestors:3", "add:c3"}
	if len(log.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, log.calls)
	}
	for i := range want {
		if log.calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], log.calls[i])
		}
	}
}

func TestImporter_OnlySelectedItems(t *testing.T) {
	env := newTestEnv()
	s := linkedSession(&ips.ParsedBundle{
		Conditions: []ips.Condition{{ID: "c1", Code: text("Asthma")}, {ID: "c2", Code: text("Gout")}},
		Procedures: []ips.Procedure{{ID: "p1", Code: text("Appendectomy")}},
	})
	s.Selection.Toggle(s.Bundle, ips.CategoryConditions, "c2")
	s.Selection.Toggle(s.Bundle, ips.CategoryProcedures, "p1")

	res, _ := newTestImporter(env, 1).ImportSelected(context.Background(), s)
	if len(res.Items) != 1 || res.Items[0].ItemID != "c1" {
		t.Errorf("expected only c1, got %+v", res.Items)
	}
}

func TestImporter_Normalization(t *testing.T) {
	env := newTestEnv()
	s := linkedSession(&ips.ParsedBundle{
		Procedures: []ips.Procedure{
			{ID: "p1", Status: "done", Code: snomed("80146002", "Appendectomy"), PerformedDateTime: "2010"},
			{ID: "p2", Status: "completed", PerformedPeriod: &ips.Period{Start: "2012-03", End: "2012-04-02"}},
		},
		Medications: []ips.MedicationStatement{
			{ID: "m1", Status: "taking", MedicationCodeableConcept: snomed("109081006", "Metformin"), EffectiveDateTime: "2020-01"},
			{ID: "m2", Status: "active", MedicationCodeableConcept: text("Aspirin"),
				Dosage: []ips.Dosage{{Text: " "}, {Text: "81mg daily"}}, EffectivePeriod: &ips.Period{Start: "2021"}},
		},
		Allergies: []ips.AllergyIntolerance{
			{ID: "a1", Type: "sensitivity", Category: []string{"Drug", "nonsense"}, Criticality: "severe", Code: text("Penicillin V"),
				VerificationStatus: &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "provisional"}}}},
			{ID: "a2", Type: "intolerance", Criticality: "high",
				ClinicalStatus:     &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "resolved"}}},
				VerificationStatus: &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "confirmed"}}}, OnsetDateTime: "1999"},
		},
	})
	s.Selection.Initialize(s.Bundle, &ips.ParsedBundle{})

	res, err := newTestImporter(env, 1).ImportSelected(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 6 {
		t.Fatalf("expected 6 imported, got %d: %+v", res.Imported, res.Items)
	}

	p1, p2 := env.store.procedures[0], env.store.procedures[1]
	if p1.Status != "unknown" {
		t.Errorf("expected coerced status, got %s", p1.Status)
	}
	if p1.PerformedDatetime.Format(TimestampLayout) != "2010-01-01T00:00:00.000Z" {
		t.Errorf("unexpected performed date: %v", p1.PerformedDatetime)
	}
	if p2.CodeDisplay != unknownProcedure || p2.CodeSystem != nil {
		t.Errorf("expected unknown procedure text, got %q", p2.CodeDisplay)
	}
	if p2.PerformedEnd == nil || p2.PerformedEnd.Format("2006-01-02") != "2012-04-02" {
		t.Errorf("expected period end, got %v", p2.PerformedEnd)
	}

	m1, m2 := env.store.medications[0], env.store.medications[1]
	if m1.Status != "unknown" || *m1.DosageText != defaultDosageText {
		t.Errorf("unexpected medication defaults: %s %s", m1.Status, *m1.DosageText)
	}
	if *m1.MedicationCode != "109081006" || m1.EffectiveDatetime.Format(TimestampLayout) != "2020-01-01T00:00:00.000Z" {
		t.Errorf("unexpected medication: %+v", m1)
	}
	if *m2.DosageText != "81mg daily" || m2.MedicationCode != nil || *m2.MedicationDisplay != "Aspirin" {
		t.Errorf("unexpected medication: %+v", m2)
	}
	if m2.EffectiveStart == nil || m2.EffectiveStart.Year() != 2021 || m2.EffectiveDatetime != nil {
		t.Errorf("expected effective period start, got %+v", m2)
	}

	a1, a2 := env.store.allergies[0], env.store.allergies[1]
	if *a1.Type != "allergy" || *a1.Criticality != "unable-to-assess" || *a1.ClinicalStatus != "active" {
		t.Errorf("unexpected allergy coercion: %s %s %s", *a1.Type, *a1.Criticality, *a1.ClinicalStatus)
	}
	if len(a1.Category) != 1 || a1.Category[0] != "medication" {
		t.Errorf("unexpected categories: %v", a1.Category)
	}
	if !a1.OnsetDatetime.Equal(fixedNow) {
		t.Errorf("expected onset now, got %v", a1.OnsetDatetime)
	}
	if *a2.ClinicalStatus != "resolved" || *a2.Type != "intolerance" || a2.Category[0] != "environment" {
		t.Errorf("unexpected allergy: %+v", a2)
	}
	if a1.VerificationStatus == nil || *a1.VerificationStatus != "unconfirmed" {
		t.Errorf("expected coerced verification status, got %v", a1.VerificationStatus)
	}
	if a2.VerificationStatus == nil || *a2.VerificationStatus != "confirmed" {
		t.Errorf("expected confirmed verification status, got %v", a2.VerificationStatus)
	}
	if *a2.CodeDisplay != unknownAllergy {
		t.Errorf("expected unknown allergy text, got %s", *a2.CodeDisplay)
	}
}

func TestImporter_StoreOutcomes(t *testing.T) {
	env := newTestEnv()
	env.store.failCodes["38341003"] = true
	s := linkedSession(&ips.ParsedBundle{Conditions: []ips.Condition{
		{ID: "c1", Code: snomed("195967001", "Asthma")},
		{ID: "c2", Code: snomed("38341003", "Hypertension")},
		{ID: "c3", Code: snomed("195967001", "Asthma again")},
	}})
	s.Selection.Initialize(s.Bundle, &ips.ParsedBundle{})

	res, err := newTestImporter(env, 1).ImportSelected(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 1 {
		t.Errorf("expected 1 imported, got %d", res.Imported)
	}
	if !res.Items[0].Committed {
		t.Error("expected c1 committed")
	}
	if res.Items[1].Committed || res.Items[1].Error == "" {
		t.Errorf("expected c2 error, got %+v", res.Items[1])
	}
	if res.Items[2].Committed || !res.Items[2].Duplicate {
		t.Errorf("expected c3 refused as duplicate, got %+v", res.Items[2])
	}
}

func TestImporter_Preconditions(t *testing.T) {
	env := newTestEnv()
	im := newTestImporter(env, 1)
	if _, err := im.ImportSelected(context.Background(), NewSession(&ips.ParsedBundle{})); !errors.Is(err, ErrNotLinked) {
		t.Errorf("expected ErrNotLinked, got %v", err)
	}
	s := linkedSession(nil)
	s.Bundle = nil
	if _, err := im.ImportSelected(context.Background(), s); !errors.Is(err, ErrNoBundle) {
		t.Errorf("expected ErrNoBundle, got %v", err)
	}
}

func TestImporter_DoesNotMutateBundle(t *testing.T) {
	env := newTestEnv()
	s := linkedSession(&ips.ParsedBundle{Allergies: []ips.AllergyIntolerance{
		{ID: "a1", Type: "bogus", Category: []string{"drug"}},
	}})
	newTestImporter(env, 1).ImportSelected(context.Background(), s)
	if s.Bundle.Allergies[0].Type != "bogus" || s.Bundle.Allergies[0].Category[0] != "drug" {
		t.Errorf("bundle was mutated: %+v", s.Bundle.Allergies[0])
	}
}
