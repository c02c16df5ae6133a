package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ipsreconcile/internal/domain/ips"
)

// LinkedRecord is the stored patient an incoming bundle is reconciled against.
type LinkedRecord struct {
	RecordID uuid.UUID `json:"record_id"`
	Display  string    `json:"display"`
}

// Session carries one bundle through load, link, selection and import.
type Session struct {
	ID        string            `json:"id"`
	Bundle    *ips.ParsedBundle `json:"bundle"`
	Linked    *LinkedRecord     `json:"linked,omitempty"`
	Existing  *ips.ParsedBundle `json:"existing,omitempty"`
	Selection *Selection        `json:"selection"`
	// Suggested is the best stored match for the bundle patient, if any.
	Suggested *PatientMatch `json:"suggested,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewSession wraps a freshly parsed bundle with an empty selection.
func NewSession(bundle *ips.ParsedBundle) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Bundle:    bundle,
		Selection: NewSelection(),
		CreatedAt: time.Now().UTC(),
	}
}

// Link sets the linked record and seeds the selection from existing.
func (s *Session) Link(rec LinkedRecord, existing *ips.ParsedBundle) {
	s.Linked = &rec
	s.Existing = existing
	s.Selection.Initialize(s.Bundle, existing)
}

// Unlink drops the linked record and everything derived from it.
func (s *Session) Unlink() {
	s.Linked = nil
	s.Existing = nil
	s.Selection.Clear()
}

// Summary is what an operator reviews after linking.
type Summary struct {
	SessionID   string               `json:"session_id"`
	Linked      *LinkedRecord        `json:"linked,omitempty"`
	Incoming    map[ips.Category]int `json:"incoming"`
	Existing    map[ips.Category]int `json:"existing"`
	Selected    map[ips.Category]int `json:"selected"`
	Duplicates  []Duplicate          `json:"duplicates"`
	Suggested   *PatientMatch        `json:"suggested,omitempty"`
	PatientName string               `json:"patient_name,omitempty"`
}

// Summarize reports the current counts and duplicates of the session.
func (s *Session) Summarize() *Summary {
	sum := &Summary{
		SessionID:   s.ID,
		Linked:      s.Linked,
		Incoming:    s.Bundle.Counts(),
		Existing:    s.Existing.Counts(),
		Selected:    make(map[ips.Category]int, len(ips.Categories)),
		Duplicates:  FindAllDuplicates(s.Bundle, s.Existing),
		Suggested:   s.Suggested,
		PatientName: s.Bundle.Patient.FullName(),
	}
	for _, cat := range ips.Categories {
		sum.Selected[cat] = s.Selection.Count(cat)
	}
	if sum.Duplicates == nil {
		sum.Duplicates = []Duplicate{}
	}
	return sum
}
