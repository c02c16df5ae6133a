package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ipsreconcile/internal/domain/identity"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
)

var ErrNoPatient = errors.New("reconcile: patient not found")

// Service drives reconciliation sessions from load to import.
type Service struct {
	sessions SessionStore
	records  RecordStore
	loader   *ips.Loader
	importer *Importer
	logger   zerolog.Logger
}

func NewService(sessions SessionStore, records RecordStore, loader *ips.Loader, importer *Importer, logger zerolog.Logger) *Service {
	return &Service{
		sessions: sessions,
		records:  records,
		loader:   loader,
		importer: importer,
		logger:   logger,
	}
}

// -- Loading --

// MaxBundleSize is the largest raw bundle accepted, in bytes.
func (s *Service) MaxBundleSize() int64 { return s.loader.MaxSize() }

// Load parses a raw bundle and opens a session for it.
func (s *Service) Load(ctx context.Context, raw []byte) (*Session, error) {
	bundle, err := s.loader.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, bundle)
}

// LoadUpload parses an uploaded bundle file and opens a session for it.
func (s *Service) LoadUpload(ctx context.Context, name string, size int64, r io.Reader) (*Session, error) {
	bundle, err := s.loader.LoadUpload(name, size, r)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, bundle)
}

// LoadFile parses a bundle file on disk and opens a session for it.
func (s *Service) LoadFile(ctx context.Context, path string) (*Session, error) {
	bundle, err := s.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, bundle)
}

// Fetch downloads a bundle and opens a session for it.
func (s *Service) Fetch(ctx context.Context, url string) (*Session, error) {
	bundle, err := s.loader.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, bundle)
}

// open stores a new session with the best patient suggestion attached. A
// failed candidate lookup leaves the suggestion empty.
func (s *Service) open(ctx context.Context, bundle *ips.ParsedBundle) (*Session, error) {
	sess := NewSession(bundle)
	if bundle.Patient != nil {
		candidates, err := s.records.ListPatients(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("patient suggestion skipped")
		} else {
			sess.Suggested = SuggestPatient(DemographicsOf(bundle.Patient), candidates)
		}
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("session_id", sess.ID).
		Int("conditions", len(bundle.Conditions)).
		Int("procedures", len(bundle.Procedures)).
		Int("medications", len(bundle.Medications)).
		Int("allergies", len(bundle.Allergies)).
		Msg("bundle loaded")
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.sessions.Get(ctx, id)
}

// Summary reports the session counts and duplicates.
func (s *Service) Summary(ctx context.Context, id string) (*Summary, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Summarize(), nil
}

// -- Linking --

// Link attaches a stored patient, loads their record and seeds the selection.
func (s *Service) Link(ctx context.Context, id string, patientID uuid.UUID) (*Summary, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.records.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPatient, patientID, err)
	}
	return s.link(ctx, sess, p)
}

// CreateAndLink registers the bundle patient as a new stored patient and links it.
func (s *Service) CreateAndLink(ctx context.Context, id string) (*Summary, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Bundle == nil || sess.Bundle.Patient == nil {
		return nil, fmt.Errorf("%w: bundle has no patient", ErrNoPatient)
	}
	p := patientFromBundle(sess.Bundle.Patient)
	if err := s.records.CreatePatient(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	s.logger.Info().Str("session_id", sess.ID).Str("patient_id", p.ID.String()).Msg("patient created from bundle")
	return s.link(ctx, sess, p)
}

func (s *Service) link(ctx context.Context, sess *Session, p *identity.Patient) (*Summary, error) {
	existing, err := s.records.ExistingItems(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load patient record: %w", err)
	}
	sess.Link(LinkedRecord{RecordID: p.ID, Display: p.DisplayName()}, existing)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Summarize(), nil
}

// patientFromBundle maps the bundle patient onto a new stored patient. A name
// given only as text becomes the last name.
func patientFromBundle(src *ips.Patient) *identity.Patient {
	p := &identity.Patient{
		FirstName: src.GivenName(),
		LastName:  src.FamilyName(),
	}
	if p.FirstName == "" && p.LastName == "" {
		p.LastName = src.FullName()
	}
	if src.BirthDate != "" {
		if t, ok := ParseTimestamp(ExpandPartialDate(src.BirthDate, time.Now())); ok {
			p.BirthDate = &t
		}
	}
	if g := strings.ToLower(strings.TrimSpace(src.Gender)); g != "" {
		p.Gender = &g
	}
	return p
}

// Cancel drops the linked patient and the selection, keeping the bundle.
func (s *Service) Cancel(ctx context.Context, id string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Unlink()
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Discard removes the session.
func (s *Service) Discard(ctx context.Context, id string) error {
	if _, err := s.sessions.Get(ctx, id); err != nil {
		return err
	}
	return s.sessions.Delete(ctx, id)
}

// -- Selection --

// Selection actions accepted by Select.
const (
	ActionToggle      = "toggle"
	ActionAdd         = "add"
	ActionSelectAll   = "select-all"
	ActionDeselectAll = "deselect-all"
)

// Select applies one selection action and returns the updated session.
func (s *Service) Select(ctx context.Context, id, action, category, itemID string) (*Session, error) {
	cat, ok := ips.ParseCategory(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionToggle:
		_, err = sess.Selection.Toggle(sess.Bundle, cat, itemID)
	case ActionAdd:
		_, err = sess.Selection.AddFromSource(sess.Bundle, sess.Existing, cat, itemID)
	case ActionSelectAll:
		err = sess.Selection.SelectAll(sess.Bundle, cat)
	case ActionDeselectAll:
		err = sess.Selection.DeselectAll(cat)
	default:
		return nil, fmt.Errorf("unknown selection action: %s", action)
	}
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) Toggle(ctx context.Context, id, category, itemID string) (*Session, error) {
	return s.Select(ctx, id, ActionToggle, category, itemID)
}

func (s *Service) AddFromSource(ctx context.Context, id, category, itemID string) (*Session, error) {
	return s.Select(ctx, id, ActionAdd, category, itemID)
}

func (s *Service) SelectAll(ctx context.Context, id, category string) (*Session, error) {
	return s.Select(ctx, id, ActionSelectAll, category, "")
}

func (s *Service) DeselectAll(ctx context.Context, id, category string) (*Session, error) {
	return s.Select(ctx, id, ActionDeselectAll, category, "")
}

// Duplicates lists incoming items that match the linked record.
func (s *Service) Duplicates(ctx context.Context, id string) ([]Duplicate, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	dups := FindAllDuplicates(sess.Bundle, sess.Existing)
	if dups == nil {
		dups = []Duplicate{}
	}
	return dups, nil
}

// -- Import --

// Import commits the selected items. It runs to completion even when the
// caller goes away, then refreshes the stored record view.
func (s *Service) Import(ctx context.Context, id string) (*ImportResult, error) {
	ctx = context.WithoutCancel(ctx)
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.importer.ImportSelected(ctx, sess)
	if err != nil {
		return nil, err
	}

	existing, err := s.records.ExistingItems(ctx, sess.Linked.RecordID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("record refresh after import failed")
	} else {
		sess.Existing = existing
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return res, nil
}

// -- Patients --

// SimilarPatients ranks every stored patient against the given one. The
// patient itself is left out.
func (s *Service) SimilarPatients(ctx context.Context, patientID uuid.UUID) ([]PatientMatch, error) {
	ref, err := s.records.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPatient, patientID, err)
	}
	candidates, err := s.records.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	others := make([]*identity.Patient, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != ref.ID {
			others = append(others, c)
		}
	}
	return SimilarPatients(StoredDemographics(ref), others), nil
}
