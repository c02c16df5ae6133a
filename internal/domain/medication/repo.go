package medication

import (
	"context"

	"github.com/google/uuid"
)

type MedicationStatementRepository interface {
	Create(ctx context.Context, ms *MedicationStatement) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicationStatement, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*MedicationStatement, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationStatement, int, error)
	ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error)
}
