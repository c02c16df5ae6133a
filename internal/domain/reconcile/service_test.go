package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ipsreconcile/internal/domain/clinical"
	"github.com/ehr/ipsreconcile/internal/domain/identity"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/domain/medication"
	"github.com/ehr/ipsreconcile/internal/domain/terminology"
)

// =========== Fakes ===========

type memRecordStore struct {
	mu          sync.Mutex
	patients    []*identity.Patient
	conditions  []*clinical.Condition
	procedures  []*clinical.ProcedureRecord
	medications []*medication.MedicationStatement
	allergies   []*clinical.AllergyIntolerance
	failCodes   map[string]bool
	listErr     error
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{failCodes: make(map[string]bool)}
}

func (m *memRecordStore) ListPatients(_ context.Context) ([]*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]*identity.Patient(nil), m.patients...), nil
}

func (m *memRecordStore) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *memRecordStore) CreatePatient(_ context.Context, p *identity.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.FHIRID = p.ID.String()
	m.patients = append(m.patients, p)
	return nil
}

func (m *memRecordStore) ExistingItems(_ context.Context, patientID uuid.UUID) (*ips.ParsedBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &ips.ParsedBundle{}
	for _, c := range m.conditions {
		if c.PatientID == patientID {
			b.Conditions = append(b.Conditions, conditionItem(c))
		}
	}
	for _, p := range m.procedures {
		if p.PatientID == patientID {
			b.Procedures = append(b.Procedures, procedureItem(p))
		}
	}
	for _, ms := range m.medications {
		if ms.PatientID == patientID {
			b.Medications = append(b.Medications, medicationItem(ms))
		}
	}
	for _, a := range m.allergies {
		if a.PatientID == patientID {
			b.Allergies = append(b.Allergies, allergyItem(a))
		}
	}
	return b, nil
}

func (m *memRecordStore) AddCondition(_ context.Context, c *clinical.Condition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCodes[c.CodeValue] {
		return false, errors.New("insert failed")
	}
	for _, e := range m.conditions {
		if e.PatientID == c.PatientID && c.CodeValue != "" && e.CodeValue == c.CodeValue {
			return false, nil
		}
	}
	c.ID = uuid.New()
	m.conditions = append(m.conditions, c)
	return true, nil
}

func (m *memRecordStore) AddProcedure(_ context.Context, p *clinical.ProcedureRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCodes[p.CodeValue] {
		return false, errors.New("insert failed")
	}
	p.ID = uuid.New()
	m.procedures = append(m.procedures, p)
	return true, nil
}

func (m *memRecordStore) AddMedication(_ context.Context, ms *medication.MedicationStatement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms.MedicationCode != nil && m.failCodes[*ms.MedicationCode] {
		return false, errors.New("insert failed")
	}
	ms.ID = uuid.New()
	m.medications = append(m.medications, ms)
	return true, nil
}

func (m *memRecordStore) AddAllergy(_ context.Context, a *clinical.AllergyIntolerance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	m.allergies = append(m.allergies, a)
	return true, nil
}

type fakeICD10 struct {
	targets map[string][]terminology.ConceptMapping
	fail    map[string]bool
}

func newFakeICD10() *fakeICD10 {
	return &fakeICD10{targets: make(map[string][]terminology.ConceptMapping), fail: make(map[string]bool)}
}

func (f *fakeICD10) ICD10MapTargets(_ context.Context, code string) ([]terminology.ConceptMapping, error) {
	if f.fail[code] {
		return nil, errors.New("translate failed")
	}
	return f.targets[code], nil
}

type testEnv struct {
	svc       *Service
	store     *memRecordStore
	ancestors *fakeAncestors
	icd10     *fakeICD10
	importer  *Importer
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     newMemRecordStore(),
		ancestors: newFakeAncestors(),
		icd10:     newFakeICD10(),
	}
	env.importer = NewImporter(env.store, env.icd10, NewClassifier(env.ancestors, 0, zerolog.Nop()), 1, zerolog.Nop())
	env.svc = NewService(NewMemoryStore(time.Hour), env.store, ips.NewLoader(0, time.Second), env.importer, zerolog.Nop())
	return env
}

const reconcileBundle = `{"resourceType": "Bundle", "entry": [
  {"resource": {"resourceType": "Patient", "id": "p1",
    "name": [{"family": "Doe", "given": ["Jane"]}], "gender": "female", "birthDate": "1980-04-12"}},
  {"resource": {"resourceType": "Condition", "id": "c-dm",
    "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006", "display": "Diabetes mellitus type 2"}]}}},
  {"resource": {"resourceType": "Condition", "id": "c-asthma",
    "code": {"coding": [{"system": "http://snomed.info/sct", "code": "195967001", "display": "Asthma"}]}, "onsetDateTime": "2001"}},
  {"resource": {"resourceType": "Procedure", "id": "p-appx", "status": "done",
    "code": {"coding": [{"system": "http://snomed.info/sct", "code": "80146002", "display": "Appendectomy"}]}, "performedDateTime": "2010-06"}},
  {"resource": {"resourceType": "MedicationStatement", "id": "m-metformin", "status": "active",
    "medicationCodeableConcept": {"coding": [{"system": "http://snomed.info/sct", "code": "109081006", "display": "Metformin"}]}}},
  {"resource": {"resourceType": "AllergyIntolerance", "id": "a-pen", "category": ["drug"], "criticality": "severe",
    "code": {"text": "Penicillin V"}}}
]}`

func (env *testEnv) seedPatient(t *testing.T) *identity.Patient {
	t.Helper()
	p := storedPatient("Jane", "Doe", "1980-04-12", "female")
	env.store.patients = append(env.store.patients, p)
	env.store.conditions = append(env.store.conditions, &clinical.Condition{
		ID: uuid.New(), FHIRID: "stored-dm", PatientID: p.ID, ClinicalStatus: "active",
		CodeValue: "44054006", CodeDisplay: "Type 2 diabetes",
	})
	return p
}

// =========== Service Tests ===========

func TestService_Load_SuggestsPatient(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)

	sess, err := env.svc.Load(context.Background(), []byte(reconcileBundle))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Suggested == nil || sess.Suggested.PatientID != p.ID || sess.Suggested.MatchType != MatchExact {
		t.Errorf("expected exact suggestion, got %+v", sess.Suggested)
	}
	if sess.Selection.Total() != 0 {
		t.Error("selection must stay empty until linked")
	}
	if _, err := env.svc.Get(context.Background(), sess.ID); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

func TestService_Load_SuggestionFailureIgnored(t *testing.T) {
	env := newTestEnv()
	env.store.listErr = errors.New("db down")
	sess, err := env.svc.Load(context.Background(), []byte(reconcileBundle))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Suggested != nil {
		t.Error("expected no suggestion")
	}
}

func TestService_Load_Invalid(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.Load(context.Background(), []byte("nope")); !errors.Is(err, ips.ErrInvalidBundle) {
		t.Errorf("expected ErrInvalidBundle, got %v", err)
	}
}

func TestService_LoadFile(t *testing.T) {
	env := newTestEnv()
	dir := t.TempDir()
	path := filepath.Join(dir, "ips.json")
	if err := os.WriteFile(path, []byte(reconcileBundle), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	sess, err := env.svc.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(sess.Bundle.Conditions); got != 2 {
		t.Errorf("expected 2 conditions, got %d", got)
	}
	if _, err := env.svc.Get(context.Background(), sess.ID); err != nil {
		t.Errorf("expected session to be stored: %v", err)
	}

	if _, err := env.svc.LoadFile(context.Background(), filepath.Join(dir, "ips.xml")); !errors.Is(err, ips.ErrNotJSONFile) {
		t.Errorf("expected ErrNotJSONFile, got %v", err)
	}
}

func TestService_Link(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	sess, _ := env.svc.Load(context.Background(), []byte(reconcileBundle))

	sum, err := env.svc.Link(context.Background(), sess.ID, p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Linked == nil || sum.Linked.RecordID != p.ID || sum.Linked.Display != "Jane Doe" {
		t.Errorf("unexpected link: %+v", sum.Linked)
	}
	if sum.Existing[ips.CategoryConditions] != 1 {
		t.Errorf("expected 1 existing condition, got %d", sum.Existing[ips.CategoryConditions])
	}
	if sum.Selected[ips.CategoryConditions] != 1 {
		t.Errorf("expected only the new condition selected, got %d", sum.Selected[ips.CategoryConditions])
	}
	if len(sum.Duplicates) != 1 || sum.Duplicates[0].Incoming.ItemID() != "c-dm" {
		t.Errorf("expected c-dm duplicate, got %+v", sum.Duplicates)
	}

	stored, _ := env.svc.Get(context.Background(), sess.ID)
	if stored.Selection.Has(ips.CategoryConditions, "c-dm") {
		t.Error("duplicate must not be selected after reload")
	}
}

func TestService_Link_UnknownPatient(t *testing.T) {
	env := newTestEnv()
	sess, _ := env.svc.Load(context.Background(), []byte(reconcileBundle))
	if _, err := env.svc.Link(context.Background(), sess.ID, uuid.New()); !errors.Is(err, ErrNoPatient) {
		t.Errorf("expected ErrNoPatient, got %v", err)
	}
	if _, err := env.svc.Link(context.Background(), "missing", uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_CreateAndLink(t *testing.T) {
	env := newTestEnv()
	sess, _ := env.svc.Load(context.Background(), []byte(reconcileBundle))

	sum, err := env.svc.CreateAndLink(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.store.patients) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(env.store.patients))
	}
	p := env.store.patients[0]
	if p.FirstName != "Jane" || p.LastName != "Doe" || p.Gender == nil || *p.Gender != "female" {
		t.Errorf("unexpected patient: %+v", p)
	}
	if p.BirthDate == nil || p.BirthDate.Format("2006-01-02") != "1980-04-12" {
		t.Errorf("unexpected birth date: %v", p.BirthDate)
	}
	if sum.Linked.RecordID != p.ID {
		t.Error("expected link to the new patient")
	}
	if sum.Selected[ips.CategoryConditions] != 2 {
		t.Errorf("expected every condition selected, got %d", sum.Selected[ips.CategoryConditions])
	}
}

func TestService_CreateAndLink_NoPatient(t *testing.T) {
	env := newTestEnv()
	sess, _ := env.svc.Load(context.Background(), []byte(`{"entry": []}`))
	if _, err := env.svc.CreateAndLink(context.Background(), sess.ID); !errors.Is(err, ErrNoPatient) {
		t.Errorf("expected ErrNoPatient, got %v", err)
	}
}

func TestService_SelectionActions(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	ctx := context.Background()
	sess, _ := env.svc.Load(ctx, []byte(reconcileBundle))
	env.svc.Link(ctx, sess.ID, p.ID)

	s, err := env.svc.AddFromSource(ctx, sess.ID, "conditions", "c-dm")
	if err != nil {
		t.Fatal(err)
	}
	if s.Selection.Has(ips.CategoryConditions, "c-dm") {
		t.Error("add must refuse a recorded item")
	}
	s, _ = env.svc.Toggle(ctx, sess.ID, "conditions", "c-dm")
	if !s.Selection.Has(ips.CategoryConditions, "c-dm") {
		t.Error("toggle must select a recorded item")
	}
	s, _ = env.svc.DeselectAll(ctx, sess.ID, "conditions")
	if s.Selection.Count(ips.CategoryConditions) != 0 {
		t.Error("expected no conditions selected")
	}
	s, _ = env.svc.SelectAll(ctx, sess.ID, "conditions")
	if s.Selection.Count(ips.CategoryConditions) != 2 {
		t.Error("expected all conditions selected")
	}
	if _, err := env.svc.Toggle(ctx, sess.ID, "observations", "x"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
	if _, err := env.svc.Select(ctx, sess.ID, "explode", "conditions", ""); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestService_Import(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	ctx := context.Background()
	env.ancestors.ancestors["195967001"] = []string{"118669005"}
	sess, _ := env.svc.Load(ctx, []byte(reconcileBundle))
	env.svc.Link(ctx, sess.ID, p.ID)

	res, err := env.svc.Import(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Imported != 4 {
		t.Errorf("expected 4 imported, got %d (%+v)", res.Imported, res.Items)
	}
	after, _ := env.svc.Get(ctx, sess.ID)
	if after.Selection.Total() != 0 {
		t.Error("selection must be cleared after import")
	}
	if after.Existing.Counts()[ips.CategoryConditions] != 2 {
		t.Errorf("expected refreshed record, got %v", after.Existing.Counts())
	}
	if len(FindDuplicates(ips.CategoryConditions, after.Bundle.Items(ips.CategoryConditions), after.Existing.Items(ips.CategoryConditions))) != 2 {
		t.Error("imported conditions should now be reported as duplicates")
	}
}

func TestService_Import_NotLinked(t *testing.T) {
	env := newTestEnv()
	sess, _ := env.svc.Load(context.Background(), []byte(reconcileBundle))
	if _, err := env.svc.Import(context.Background(), sess.ID); !errors.Is(err, ErrNotLinked) {
		t.Errorf("expected ErrNotLinked, got %v", err)
	}
}

func TestService_Import_IgnoresCancelledContext(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	sess, _ := env.svc.Load(context.Background(), []byte(reconcileBundle))
	env.svc.Link(context.Background(), sess.ID, p.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := env.svc.Import(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Imported == 0 {
		t.Error("expected import to proceed")
	}
}

func TestService_CancelAndDiscard(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	ctx := context.Background()
	sess, _ := env.svc.Load(ctx, []byte(reconcileBundle))
	env.svc.Link(ctx, sess.ID, p.ID)

	s, err := env.svc.Cancel(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Linked != nil || s.Existing != nil || s.Selection.Total() != 0 {
		t.Errorf("cancel must clear link and selection: %+v", s)
	}
	if s.Bundle == nil || len(s.Bundle.Conditions) != 2 {
		t.Error("cancel must keep the bundle")
	}

	if err := env.svc.Discard(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := env.svc.Discard(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_SimilarPatients(t *testing.T) {
	env := newTestEnv()
	ref := env.seedPatient(t)
	twin := storedPatient("Jane", "Doe", "1980-04-12", "female")
	other := storedPatient("John", "Smith", "1955-01-01", "male")
	env.store.patients = append(env.store.patients, other, twin)

	got, err := env.svc.SimilarPatients(context.Background(), ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].PatientID != twin.ID {
		t.Errorf("expected twin first, got %+v", got[0])
	}
	if _, err := env.svc.SimilarPatients(context.Background(), uuid.New()); !errors.Is(err, ErrNoPatient) {
		t.Errorf("expected ErrNoPatient, got %v", err)
	}
}

func TestService_Duplicates(t *testing.T) {
	env := newTestEnv()
	p := env.seedPatient(t)
	ctx := context.Background()
	sess, _ := env.svc.Load(ctx, []byte(reconcileBundle))

	dups, err := env.svc.Duplicates(ctx, sess.ID)
	if err != nil || len(dups) != 0 {
		t.Errorf("expected no duplicates before linking, got %v %v", dups, err)
	}
	env.svc.Link(ctx, sess.ID, p.ID)
	dups, _ = env.svc.Duplicates(ctx, sess.ID)
	if len(dups) != 1 {
		t.Errorf("expected 1 duplicate, got %d", len(dups))
	}
}
