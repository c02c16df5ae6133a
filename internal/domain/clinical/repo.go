package clinical

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ConditionRepository interface {
	Create(ctx context.Context, c *Condition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Condition, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Condition, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Condition, int, error)
	// ExistsByCode reports whether the patient already has a condition with the given code.
	ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error)
}

type AllergyRepository interface {
	Create(ctx context.Context, a *AllergyIntolerance) error
	GetByID(ctx context.Context, id uuid.UUID) (*AllergyIntolerance, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*AllergyIntolerance, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AllergyIntolerance, int, error)
	ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error)
}

type ProcedureRepository interface {
	Create(ctx context.Context, p *ProcedureRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*ProcedureRecord, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*ProcedureRecord, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ProcedureRecord, int, error)
	// ExistsByCodeAt reports whether the patient has a procedure with the given code performed at the given time.
	ExistsByCodeAt(ctx context.Context, patientID uuid.UUID, code string, performed *time.Time) (bool, error)
}
