package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	conditions ConditionRepository
	allergies  AllergyRepository
	procedures ProcedureRepository
}

func NewService(cond ConditionRepository, allergy AllergyRepository, proc ProcedureRepository) *Service {
	return &Service{conditions: cond, allergies: allergy, procedures: proc}
}

// -- Condition --

var validClinicalStatuses = map[string]bool{
	"active": true, "recurrence": true, "relapse": true,
	"inactive": true, "remission": true, "resolved": true,
}

var validVerificationStatuses = map[string]bool{
	"unconfirmed": true, "provisional": true, "differential": true,
	"confirmed": true, "refuted": true, "entered-in-error": true,
}

func (s *Service) CreateCondition(ctx context.Context, c *Condition) error {
	if c.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if c.CodeValue == "" && c.CodeDisplay == "" {
		return fmt.Errorf("code_value or code_display is required")
	}
	if c.ClinicalStatus == "" {
		c.ClinicalStatus = "active"
	}
	if !validClinicalStatuses[c.ClinicalStatus] {
		return fmt.Errorf("invalid clinical_status: %s", c.ClinicalStatus)
	}
	if c.VerificationStatus != nil && !validVerificationStatuses[*c.VerificationStatus] {
		return fmt.Errorf("invalid verification_status: %s", *c.VerificationStatus)
	}
	return s.conditions.Create(ctx, c)
}

// RecordCondition creates the condition unless the patient already has one
// with the same code. It reports whether a row was written.
func (s *Service) RecordCondition(ctx context.Context, c *Condition) (bool, error) {
	if c.CodeValue != "" {
		exists, err := s.conditions.ExistsByCode(ctx, c.PatientID, c.CodeValue)
		if err != nil {
			return false, fmt.Errorf("check existing condition: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	if err := s.CreateCondition(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return s.conditions.GetByID(ctx, id)
}

func (s *Service) GetConditionByFHIRID(ctx context.Context, fhirID string) (*Condition, error) {
	return s.conditions.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListConditionsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Condition, int, error) {
	return s.conditions.ListByPatient(ctx, patientID, limit, offset)
}

// -- AllergyIntolerance --

var validAllergyClinicalStatuses = map[string]bool{
	"active": true, "inactive": true, "resolved": true,
}

var validCriticalities = map[string]bool{
	"low": true, "high": true, "unable-to-assess": true,
}

func (s *Service) CreateAllergy(ctx context.Context, a *AllergyIntolerance) error {
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.CodeValue == nil && a.CodeDisplay == nil {
		return fmt.Errorf("code_value or code_display is required")
	}
	if a.ClinicalStatus != nil && !validAllergyClinicalStatuses[*a.ClinicalStatus] {
		return fmt.Errorf("invalid clinical_status: %s", *a.ClinicalStatus)
	}
	if a.Criticality != nil && !validCriticalities[*a.Criticality] {
		return fmt.Errorf("invalid criticality: %s", *a.Criticality)
	}
	return s.allergies.Create(ctx, a)
}

// RecordAllergy creates the allergy unless one with the same code is already on file.
func (s *Service) RecordAllergy(ctx context.Context, a *AllergyIntolerance) (bool, error) {
	if a.CodeValue != nil && *a.CodeValue != "" {
		exists, err := s.allergies.ExistsByCode(ctx, a.PatientID, *a.CodeValue)
		if err != nil {
			return false, fmt.Errorf("check existing allergy: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	if err := s.CreateAllergy(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetAllergy(ctx context.Context, id uuid.UUID) (*AllergyIntolerance, error) {
	return s.allergies.GetByID(ctx, id)
}

func (s *Service) GetAllergyByFHIRID(ctx context.Context, fhirID string) (*AllergyIntolerance, error) {
	return s.allergies.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListAllergiesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AllergyIntolerance, int, error) {
	return s.allergies.ListByPatient(ctx, patientID, limit, offset)
}

// -- Procedure --

var validProcStatuses = map[string]bool{
	"preparation": true, "in-progress": true, "not-done": true,
	"on-hold": true, "stopped": true, "completed": true,
	"entered-in-error": true, "unknown": true,
}

func (s *Service) CreateProcedure(ctx context.Context, p *ProcedureRecord) error {
	if p.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if p.CodeValue == "" && p.CodeDisplay == "" {
		return fmt.Errorf("code_value or code_display is required")
	}
	if p.Status == "" {
		p.Status = "completed"
	}
	if !validProcStatuses[p.Status] {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	return s.procedures.Create(ctx, p)
}

// RecordProcedure skips a procedure only when both the code and the
// performed time match one already on file.
func (s *Service) RecordProcedure(ctx context.Context, p *ProcedureRecord) (bool, error) {
	if p.CodeValue != "" {
		exists, err := s.procedures.ExistsByCodeAt(ctx, p.PatientID, p.CodeValue, p.PerformedDatetime)
		if err != nil {
			return false, fmt.Errorf("check existing procedure: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	if err := s.CreateProcedure(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetProcedure(ctx context.Context, id uuid.UUID) (*ProcedureRecord, error) {
	return s.procedures.GetByID(ctx, id)
}

func (s *Service) GetProcedureByFHIRID(ctx context.Context, fhirID string) (*ProcedureRecord, error) {
	return s.procedures.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListProceduresByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ProcedureRecord, int, error) {
	return s.procedures.ListByPatient(ctx, patientID, limit, offset)
}
