package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ipsreconcile/internal/domain/clinical"
	"github.com/ehr/ipsreconcile/internal/domain/ips"
	"github.com/ehr/ipsreconcile/internal/domain/medication"
	"github.com/ehr/ipsreconcile/internal/domain/terminology"
	"github.com/ehr/ipsreconcile/internal/platform/auth"
	"github.com/ehr/ipsreconcile/internal/platform/db"
	"github.com/ehr/ipsreconcile/internal/platform/fhir"
)

var (
	ErrNotLinked = errors.New("reconcile: no patient record linked")
	ErrNoBundle  = errors.New("reconcile: no bundle loaded")
)

const (
	defaultDosageText = "As prescribed"

	unknownCondition  = "Unknown condition"
	unknownProcedure  = "Unknown procedure"
	unknownMedication = "Unknown medication"
	unknownAllergy    = "Unknown allergy"
)

// ICD10Mapper maps a SNOMED CT concept to ICD-10 targets.
type ICD10Mapper interface {
	ICD10MapTargets(ctx context.Context, code string) ([]terminology.ConceptMapping, error)
}

// ItemResult is the outcome of importing one selected item. Committed is false
// with Duplicate set when the store already held the item.
type ItemResult struct {
	Category  ips.Category `json:"category"`
	ItemID    string       `json:"item_id"`
	Display   string       `json:"display"`
	Committed bool         `json:"committed"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Region    string       `json:"region,omitempty"`
	ICD10     string       `json:"icd10,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// ImportResult counts the committed items and lists every attempted one.
type ImportResult struct {
	Imported int          `json:"imported"`
	Items    []ItemResult `json:"items"`
}

// Importer commits the selected items of a session into the record store.
type Importer struct {
	store       RecordStore
	icd10       ICD10Mapper
	locator     *Classifier
	concurrency int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewImporter returns an importer. concurrency bounds condition enrichment;
// values below 1 mean one at a time.
func NewImporter(store RecordStore, icd10 ICD10Mapper, locator *Classifier, concurrency int, logger zerolog.Logger) *Importer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Importer{
		store:       store,
		icd10:       icd10,
		locator:     locator,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// ImportSelected commits every selected item of s in category and list order,
// then clears the selection. Item failures are recorded in the result and
// never abort the batch.
func (im *Importer) ImportSelected(ctx context.Context, s *Session) (*ImportResult, error) {
	if s.Bundle == nil {
		return nil, ErrNoBundle
	}
	if s.Linked == nil {
		return nil, ErrNotLinked
	}

	now := im.now().UTC()
	res := &ImportResult{Items: []ItemResult{}}
	for _, cat := range ips.Categories {
		var items []ItemResult
		switch cat {
		case ips.CategoryConditions:
			items = im.importConditions(ctx, s, now)
		case ips.CategoryProcedures:
			items = im.importProcedures(ctx, s, now)
		case ips.CategoryMedications:
			items = im.importMedications(ctx, s, now)
		case ips.CategoryAllergies:
			items = im.importAllergies(ctx, s, now)
		}
		for _, it := range items {
			if it.Committed {
				res.Imported++
			}
		}
		res.Items = append(res.Items, items...)
	}

	s.Selection.Clear()
	im.logger.Info().
		Str("session_id", s.ID).
		Str("patient_id", s.Linked.RecordID.String()).
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("user_id", auth.UserIDFromContext(ctx)).
		Int("attempted", len(res.Items)).
		Int("imported", res.Imported).
		Msg("import finished")
	return res, nil
}

// commit records the store outcome of one item.
func (im *Importer) commit(r *ItemResult, created bool, err error) {
	switch {
	case err != nil:
		r.Error = err.Error()
		im.logger.Warn().Err(err).
			Str("category", string(r.Category)).
			Str("item_id", r.ItemID).
			Msg("item import failed")
	case !created:
		r.Duplicate = true
	default:
		r.Committed = true
	}
}

type conditionEnrichment struct {
	region string
	icd10  *terminology.ConceptMapping
}

// importConditions commits the selected conditions in list order. With a
// concurrency of one each condition is enriched and committed before the next
// one starts; above that, enrichment runs ahead with up to concurrency lookups
// in flight and commits still happen one at a time in list order.
func (im *Importer) importConditions(ctx context.Context, s *Session, now time.Time) []ItemResult {
	var selected []ips.Condition
	for _, c := range s.Bundle.Conditions {
		if s.Selection.Has(ips.CategoryConditions, c.ID) {
			selected = append(selected, c)
		}
	}

	results := make([]ItemResult, len(selected))
	if im.concurrency == 1 {
		for i, c := range selected {
			results[i] = im.commitCondition(ctx, s, c, im.enrichCondition(ctx, c), now)
		}
		return results
	}

	enriched := make([]conditionEnrichment, len(selected))
	var g errgroup.Group
	g.SetLimit(im.concurrency)
	for i, c := range selected {
		g.Go(func() error {
			enriched[i] = im.enrichCondition(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range selected {
		results[i] = im.commitCondition(ctx, s, c, enriched[i], now)
	}
	return results
}

func (im *Importer) commitCondition(ctx context.Context, s *Session, c ips.Condition, e conditionEnrichment, now time.Time) ItemResult {
	r := ItemResult{
		Category: ips.CategoryConditions,
		ItemID:   c.ID,
		Display:  DisplayOf(c),
		Region:   e.region,
	}
	if e.icd10 != nil {
		r.ICD10 = e.icd10.Code
	}
	created, err := im.store.AddCondition(ctx, im.buildCondition(s, c, e, now))
	im.commit(&r, created, err)
	return r
}

func (im *Importer) enrichCondition(ctx context.Context, c ips.Condition) conditionEnrichment {
	code := CodeOf(c)
	e := conditionEnrichment{region: RegionSystemic}
	if code == "" {
		return e
	}

	if im.icd10 != nil {
		targets, err := im.icd10.ICD10MapTargets(ctx, code)
		if err != nil {
			im.logger.Warn().Err(err).Str("code", code).Msg("icd-10 mapping failed")
		}
		for _, t := range targets {
			if t.Code != "" {
				e.icd10 = &t
				break
			}
		}
	}
	if im.locator != nil {
		e.region = im.locator.Classify(ctx, code)
	}
	return e
}

func (im *Importer) buildCondition(s *Session, c ips.Condition, e conditionEnrichment, now time.Time) *clinical.Condition {
	system, code, display := primaryCoding(c.Code, unknownCondition)
	rec := &clinical.Condition{
		FHIRID:           c.ID,
		PatientID:        s.Linked.RecordID,
		ClinicalStatus:   ConditionClinicalVocab.Coerce(ips.StatusCode(c.ClinicalStatus)),
		CodeSystem:       system,
		CodeValue:        code,
		CodeDisplay:      display,
		ComputedLocation: &e.region,
		OnsetDatetime:    expandedTime(c.OnsetDateTime, now),
		RecordedDate:     expandedTime(c.RecordedDate, now),
		Note:             joinNotes(c.Note),
	}
	if v := ips.StatusCode(c.VerificationStatus); v != "" {
		v = ConditionVerificationVocab.Coerce(v)
		rec.VerificationStatus = &v
	}
	if len(c.Category) > 0 {
		rec.CategoryCode = firstCode(&c.Category[0])
	}
	if c.Severity != nil {
		rec.SeverityCode = firstCode(c.Severity)
		rec.SeverityDisplay = optional(ips.DisplayText(c.Severity))
	}
	if len(c.BodySite) > 0 {
		rec.BodySiteCode = firstCode(&c.BodySite[0])
		rec.BodySiteDisplay = optional(ips.DisplayText(&c.BodySite[0]))
	}
	if m := e.icd10; m != nil {
		sys := m.System
		if sys == "" {
			sys = ips.SystemICD10
		}
		rec.AltCodeSystem = &sys
		rec.AltCodeValue = &m.Code
		rec.AltCodeDisplay = optional(m.Display)
	}
	return rec
}

func (im *Importer) importProcedures(ctx context.Context, s *Session, now time.Time) []ItemResult {
	var results []ItemResult
	for _, p := range s.Bundle.Procedures {
		if !s.Selection.Has(ips.CategoryProcedures, p.ID) {
			continue
		}
		r := ItemResult{Category: ips.CategoryProcedures, ItemID: p.ID, Display: DisplayOf(p)}
		system, code, display := primaryCoding(p.Code, unknownProcedure)
		rec := &clinical.ProcedureRecord{
			FHIRID:            p.ID,
			Status:            ProcedureStatusVocab.Coerce(p.Status),
			PatientID:         s.Linked.RecordID,
			CodeSystem:        system,
			CodeValue:         code,
			CodeDisplay:       display,
			PerformedDatetime: expandedTime(p.PerformedAt(), now),
			Note:              joinNotes(p.Note),
		}
		if p.PerformedDateTime == "" && p.PerformedPeriod != nil && p.PerformedPeriod.End != "" {
			rec.PerformedEnd = expandedTime(p.PerformedPeriod.End, now)
		}
		if len(p.BodySite) > 0 {
			rec.BodySiteCode = firstCode(&p.BodySite[0])
			rec.BodySiteDisplay = optional(ips.DisplayText(&p.BodySite[0]))
		}
		if len(p.ReasonCode) > 0 && len(p.ReasonCode[0].Coding) > 0 {
			reason := p.ReasonCode[0].Coding[0]
			rec.ReasonSystem = optional(reason.System)
			rec.ReasonCode = optional(reason.Code)
			rec.ReasonDisplay = optional(ips.DisplayText(&p.ReasonCode[0]))
		}
		created, err := im.store.AddProcedure(ctx, rec)
		im.commit(&r, created, err)
		results = append(results, r)
	}
	return results
}

func (im *Importer) importMedications(ctx context.Context, s *Session, now time.Time) []ItemResult {
	var results []ItemResult
	for _, m := range s.Bundle.Medications {
		if !s.Selection.Has(ips.CategoryMedications, m.ID) {
			continue
		}
		r := ItemResult{Category: ips.CategoryMedications, ItemID: m.ID, Display: DisplayOf(m)}
		system, code, display := primaryCoding(m.MedicationCodeableConcept, unknownMedication)
		dosage := defaultDosageText
		for _, d := range m.Dosage {
			if t := strings.TrimSpace(d.Text); t != "" {
				dosage = t
				break
			}
		}
		rec := &medication.MedicationStatement{
			FHIRID:            m.ID,
			Status:            MedicationStatusVocab.Coerce(m.Status),
			PatientID:         s.Linked.RecordID,
			MedicationSystem:  system,
			MedicationCode:    optional(code),
			MedicationDisplay: &display,
			DosageText:        &dosage,
			Note:              joinNotes(m.Note),
		}
		if m.EffectiveDateTime == "" && m.EffectivePeriod != nil {
			rec.EffectiveStart = expandedTime(m.EffectivePeriod.Start, now)
			if m.EffectivePeriod.End != "" {
				rec.EffectiveEnd = expandedTime(m.EffectivePeriod.End, now)
			}
		} else {
			rec.EffectiveDatetime = expandedTime(m.EffectiveDateTime, now)
		}
		if m.DateAsserted != "" {
			rec.DateAsserted = expandedTime(m.DateAsserted, now)
		}
		created, err := im.store.AddMedication(ctx, rec)
		im.commit(&r, created, err)
		results = append(results, r)
	}
	return results
}

func (im *Importer) importAllergies(ctx context.Context, s *Session, now time.Time) []ItemResult {
	var results []ItemResult
	for _, a := range s.Bundle.Allergies {
		if !s.Selection.Has(ips.CategoryAllergies, a.ID) {
			continue
		}
		r := ItemResult{Category: ips.CategoryAllergies, ItemID: a.ID, Display: DisplayOf(a)}
		system, code, display := primaryCoding(a.Code, unknownAllergy)
		typ := AllergyTypeVocab.Coerce(a.Type)
		criticality := CriticalityVocab.Coerce(a.Criticality)
		status := AllergyClinicalVocab.Coerce(ips.StatusCode(a.ClinicalStatus))
		rec := &clinical.AllergyIntolerance{
			FHIRID:         a.ID,
			PatientID:      s.Linked.RecordID,
			ClinicalStatus: &status,
			Type:           &typ,
			Category:       CoerceCategories(a.Category),
			Criticality:    &criticality,
			CodeSystem:     system,
			CodeValue:      optional(code),
			CodeDisplay:    &display,
			OnsetDatetime:  expandedTime(a.OnsetDateTime, now),
			RecordedDate:   expandedTime(a.RecordedDate, now),
			Note:           joinNotes(a.Note),
		}
		if v := ips.StatusCode(a.VerificationStatus); v != "" {
			v = AllergyVerificationVocab.Coerce(v)
			rec.VerificationStatus = &v
		}
		created, err := im.store.AddAllergy(ctx, rec)
		im.commit(&r, created, err)
		results = append(results, r)
	}
	return results
}

// primaryCoding picks the SNOMED CT coding of cc, else its first coding. The
// display falls back to fallback when the concept carries no text.
func primaryCoding(cc *fhir.CodeableConcept, fallback string) (system *string, code, display string) {
	display = ips.DisplayText(cc)
	if display == "" {
		display = fallback
	}
	if cc == nil || len(cc.Coding) == 0 {
		return nil, "", display
	}
	chosen := cc.Coding[0]
	for _, c := range cc.Coding {
		if c.System == ips.SystemSNOMED || c.System == ips.SystemSNOMEDInternational {
			chosen = c
			break
		}
	}
	return optional(chosen.System), chosen.Code, display
}

func firstCode(cc *fhir.CodeableConcept) *string {
	if cc == nil || len(cc.Coding) == 0 {
		return nil
	}
	return optional(cc.Coding[0].Code)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// expandedTime expands a partial date and parses it. An unparseable full
// timestamp falls back to now.
func expandedTime(s string, now time.Time) *time.Time {
	t, ok := ParseTimestamp(ExpandPartialDate(s, now))
	if !ok {
		t = now
	}
	return &t
}
