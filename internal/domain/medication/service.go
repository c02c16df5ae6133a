package medication

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	statements MedicationStatementRepository
}

func NewService(ms MedicationStatementRepository) *Service {
	return &Service{statements: ms}
}

var validMedStatementStatuses = map[string]bool{
	"active": true, "completed": true, "entered-in-error": true, "intended": true,
	"stopped": true, "on-hold": true, "unknown": true, "not-taken": true,
}

func (s *Service) CreateMedicationStatement(ctx context.Context, ms *MedicationStatement) error {
	if ms.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if ms.MedicationCode == nil && ms.MedicationDisplay == nil {
		return fmt.Errorf("medication_code or medication_display is required")
	}
	if ms.Status == "" {
		ms.Status = "active"
	}
	if !validMedStatementStatuses[ms.Status] {
		return fmt.Errorf("invalid status: %s", ms.Status)
	}
	return s.statements.Create(ctx, ms)
}

// RecordMedicationStatement creates the statement unless the patient already
// has one for the same medication code. It reports whether a row was written.
func (s *Service) RecordMedicationStatement(ctx context.Context, ms *MedicationStatement) (bool, error) {
	if ms.MedicationCode != nil && *ms.MedicationCode != "" {
		exists, err := s.statements.ExistsByCode(ctx, ms.PatientID, *ms.MedicationCode)
		if err != nil {
			return false, fmt.Errorf("check existing medication: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	if err := s.CreateMedicationStatement(ctx, ms); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetMedicationStatement(ctx context.Context, id uuid.UUID) (*MedicationStatement, error) {
	return s.statements.GetByID(ctx, id)
}

func (s *Service) GetMedicationStatementByFHIRID(ctx context.Context, fhirID string) (*MedicationStatement, error) {
	return s.statements.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListMedicationStatementsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationStatement, int, error) {
	return s.statements.ListByPatient(ctx, patientID, limit, offset)
}
