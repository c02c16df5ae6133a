package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ipsreconcile/internal/domain/clinical"
	"github.com/ehr/ipsreconcile/internal/domain/identity"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/domain/medication"
	"github.com/ehr/ipsreconcile/internal/platform/db"
	"github.com/ehr/ipsreconcile/internal/platform/fhir"
	"github.com/ehr/ipsreconcile/pkg/fhirmodels"
)

// RecordStore is the stored patient record that bundles are reconciled into.
// The Add methods report false when the store already holds the item.
type RecordStore interface {
	ListPatients(ctx context.Context) ([]*identity.Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	CreatePatient(ctx context.Context, p *identity.Patient) error
	// ExistingItems returns the stored items of a patient in bundle item shapes.
	ExistingItems(ctx context.Context, patientID uuid.UUID) (*ips.ParsedBundle, error)
	AddCondition(ctx context.Context, c *clinical.Condition) (bool, error)
	AddProcedure(ctx context.Context, p *clinical.ProcedureRecord) (bool, error)
	AddMedication(ctx context.Context, m *medication.MedicationStatement) (bool, error)
	AddAllergy(ctx context.Context, a *clinical.AllergyIntolerance) (bool, error)
}

const (
	// pageSize bounds each list query when paging through a record.
	pageSize = 200
	// maxCandidates bounds the patients considered for suggestions.
	maxCandidates = 1000
)

// PGRecordStore is the RecordStore over the PostgreSQL-backed identity,
// clinical and medication services. Each Add runs its existence check and
// insert in one transaction.
type PGRecordStore struct {
	pool        *pgxpool.Pool
	patients    *identity.Service
	clinical    *clinical.Service
	medications *medication.Service
}

// NewPGRecordStore wires the services into a RecordStore. A nil pool runs
// writes without a transaction unless the context already carries one.
func NewPGRecordStore(pool *pgxpool.Pool, patients *identity.Service, clin *clinical.Service, meds *medication.Service) *PGRecordStore {
	return &PGRecordStore{pool: pool, patients: patients, clinical: clin, medications: meds}
}

func (s *PGRecordStore) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil && db.ConnFromContext(ctx) == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *PGRecordStore) ListPatients(ctx context.Context) ([]*identity.Patient, error) {
	var out []*identity.Patient
	for offset := 0; offset < maxCandidates; offset += pageSize {
		page, total, err := s.patients.ListPatients(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list patients: %w", err)
		}
		out = append(out, page...)
		if len(page) < pageSize || len(out) >= total {
			break
		}
	}
	return out, nil
}

func (s *PGRecordStore) GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error) {
	return s.patients.GetPatient(ctx, id)
}

func (s *PGRecordStore) CreatePatient(ctx context.Context, p *identity.Patient) error {
	return s.patients.CreatePatient(ctx, p)
}

func (s *PGRecordStore) ExistingItems(ctx context.Context, patientID uuid.UUID) (*ips.ParsedBundle, error) {
	b := &ips.ParsedBundle{
		Conditions:  []ips.Condition{},
		Procedures:  []ips.Procedure{},
		Medications: []ips.MedicationStatement{},
		Allergies:   []ips.AllergyIntolerance{},
	}

	err := pageAll(func(limit, offset int) (int, int, error) {
		rows, total, err := s.clinical.ListConditionsByPatient(ctx, patientID, limit, offset)
		for _, c := range rows {
			b.Conditions = append(b.Conditions, conditionItem(c))
		}
		return len(rows), total, err
	})
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}

	err = pageAll(func(limit, offset int) (int, int, error) {
		rows, total, err := s.clinical.ListProceduresByPatient(ctx, patientID, limit, offset)
		for _, p := range rows {
			b.Procedures = append(b.Procedures, procedureItem(p))
		}
		return len(rows), total, err
	})
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}

	err = pageAll(func(limit, offset int) (int, int, error) {
		rows, total, err := s.medications.ListMedicationStatementsByPatient(ctx, patientID, limit, offset)
		for _, m := range rows {
			b.Medications = append(b.Medications, medicationItem(m))
		}
		return len(rows), total, err
	})
	if err != nil {
		return nil, fmt.Errorf("list medication statements: %w", err)
	}

	err = pageAll(func(limit, offset int) (int, int, error) {
		rows, total, err := s.clinical.ListAllergiesByPatient(ctx, patientID, limit, offset)
		for _, a := range rows {
			b.Allergies = append(b.Allergies, allergyItem(a))
		}
		return len(rows), total, err
	})
	if err != nil {
		return nil, fmt.Errorf("list allergies: %w", err)
	}
	return b, nil
}

// pageAll calls fetch with growing offsets until a short page or the total is reached.
func pageAll(fetch func(limit, offset int) (n, total int, err error)) error {
	seen := 0
	for {
		n, total, err := fetch(pageSize, seen)
		if err != nil {
			return err
		}
		seen += n
		if n < pageSize || seen >= total {
			return nil
		}
	}
}

func (s *PGRecordStore) AddCondition(ctx context.Context, c *clinical.Condition) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.clinical.RecordCondition(ctx, c)
		return err
	})
	return created, err
}

func (s *PGRecordStore) AddProcedure(ctx context.Context, p *clinical.ProcedureRecord) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.clinical.RecordProcedure(ctx, p)
		return err
	})
	return created, err
}

func (s *PGRecordStore) AddMedication(ctx context.Context, m *medication.MedicationStatement) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.medications.RecordMedicationStatement(ctx, m)
		return err
	})
	return created, err
}

func (s *PGRecordStore) AddAllergy(ctx context.Context, a *clinical.AllergyIntolerance) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.clinical.RecordAllergy(ctx, a)
		return err
	})
	return created, err
}

// -- stored row to bundle item --

// storedConcept rebuilds a concept from stored columns. Codes without a
// system are taken to be SNOMED CT.
func storedConcept(system *string, code, display string) *fhir.CodeableConcept {
	cc := &fhir.CodeableConcept{Text: display}
	if code != "" {
		sys := ips.SystemSNOMED
		if system != nil && *system != "" {
			sys = *system
		}
		cc.Coding = []fhir.Coding{{System: sys, Code: code, Display: display}}
	}
	return cc
}

func statusConcept(system, code string) *fhir.CodeableConcept {
	if code == "" {
		return nil
	}
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{System: system, Code: code}}}
}

func timestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

func noteAnnotations(note *string) []ips.Annotation {
	if note == nil || *note == "" {
		return nil
	}
	return []ips.Annotation{{Text: *note}}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func conditionItem(c *clinical.Condition) ips.Condition {
	return ips.Condition{
		ID:                 c.FHIRID,
		ClinicalStatus:     statusConcept(fhirmodels.ConditionClinicalSystem, c.ClinicalStatus),
		VerificationStatus: statusConcept(fhirmodels.ConditionVerStatusSystem, deref(c.VerificationStatus)),
		Code:               storedConcept(c.CodeSystem, c.CodeValue, c.CodeDisplay),
		Subject:            &fhir.Reference{Reference: fhir.FormatReference("Patient", c.PatientID.String())},
		OnsetDateTime:      timestamp(c.OnsetDatetime),
		RecordedDate:       timestamp(c.RecordedDate),
		Note:               noteAnnotations(c.Note),
	}
}

func procedureItem(p *clinical.ProcedureRecord) ips.Procedure {
	item := ips.Procedure{
		ID:      p.FHIRID,
		Status:  p.Status,
		Code:    storedConcept(p.CodeSystem, p.CodeValue, p.CodeDisplay),
		Subject: &fhir.Reference{Reference: fhir.FormatReference("Patient", p.PatientID.String())},
		Note:    noteAnnotations(p.Note),
	}
	if p.PerformedEnd != nil {
		item.PerformedPeriod = &ips.Period{Start: timestamp(p.PerformedDatetime), End: timestamp(p.PerformedEnd)}
	} else {
		item.PerformedDateTime = timestamp(p.PerformedDatetime)
	}
	if p.ReasonCode != nil {
		item.ReasonCode = []fhir.CodeableConcept{*storedConcept(p.ReasonSystem, *p.ReasonCode, deref(p.ReasonDisplay))}
	}
	return item
}

func medicationItem(m *medication.MedicationStatement) ips.MedicationStatement {
	item := ips.MedicationStatement{
		ID:                        m.FHIRID,
		Status:                    m.Status,
		MedicationCodeableConcept: storedConcept(m.MedicationSystem, deref(m.MedicationCode), deref(m.MedicationDisplay)),
		Subject:                   &fhir.Reference{Reference: fhir.FormatReference("Patient", m.PatientID.String())},
		DateAsserted:              timestamp(m.DateAsserted),
		Note:                      noteAnnotations(m.Note),
	}
	if m.EffectiveStart != nil || m.EffectiveEnd != nil {
		item.EffectivePeriod = &ips.Period{Start: timestamp(m.EffectiveStart), End: timestamp(m.EffectiveEnd)}
	} else {
		item.EffectiveDateTime = timestamp(m.EffectiveDatetime)
	}
	if m.DosageText != nil {
		item.Dosage = []ips.Dosage{{Text: *m.DosageText}}
	}
	return item
}

func allergyItem(a *clinical.AllergyIntolerance) ips.AllergyIntolerance {
	return ips.AllergyIntolerance{
		ID:                 a.FHIRID,
		ClinicalStatus:     statusConcept(fhirmodels.AllergyClinicalSystem, deref(a.ClinicalStatus)),
		VerificationStatus: statusConcept(fhirmodels.AllergyVerificationSystem, deref(a.VerificationStatus)),
		Type:               deref(a.Type),
		Category:           a.Category,
		Criticality:        deref(a.Criticality),
		Code:               storedConcept(a.CodeSystem, deref(a.CodeValue), deref(a.CodeDisplay)),
		Patient:            &fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID.String())},
		OnsetDateTime:      timestamp(a.OnsetDatetime),
		RecordedDate:       timestamp(a.RecordedDate),
		Note:               noteAnnotations(a.Note),
	}
}

// joinNotes flattens annotations into one stored note, or nil.
func joinNotes(notes []ips.Annotation) *string {
	var parts []string
	for _, n := range notes {
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, "\n")
	return &s
}
