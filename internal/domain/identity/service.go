package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	patients PatientRepository
}

func NewService(patients PatientRepository) *Service {
	return &Service{patients: patients}
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// CreatePatient requires at least one name part. A missing MRN is generated.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" && p.LastName == "" {
		return fmt.Errorf("first_name or last_name is required")
	}
	if p.Gender != nil && !validGenders[*p.Gender] {
		return fmt.Errorf("invalid gender: %s", *p.Gender)
	}
	if p.MRN == "" {
		p.MRN = "IPS-" + strings.ToUpper(uuid.NewString()[:8])
	}
	p.Active = true
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByFHIRID(ctx context.Context, fhirID string) (*Patient, error) {
	return s.patients.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

func (s *Service) SearchPatients(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error) {
	if strings.TrimSpace(name) == "" {
		return s.patients.List(ctx, limit, offset)
	}
	return s.patients.SearchByName(ctx, name, limit, offset)
}
