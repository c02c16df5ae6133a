package clinical

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ipsreconcile/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Condition Repository ===========

type conditionRepoPG struct{ pool *pgxpool.Pool }

func NewConditionRepoPG(pool *pgxpool.Pool) ConditionRepository { return &conditionRepoPG{pool: pool} }

func (r *conditionRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const condCols = `id, fhir_id, patient_id, clinical_status, verification_status, category_code,
	severity_code, severity_display, code_system, code_value, code_display,
	alt_code_system, alt_code_value, alt_code_display, body_site_code, body_site_display,
	computed_location, onset_datetime, recorded_date, note, created_at, updated_at`

func (r *conditionRepoPG) scanCondition(row pgx.Row) (*Condition, error) {
	var c Condition
	err := row.Scan(&c.ID, &c.FHIRID, &c.PatientID, &c.ClinicalStatus, &c.VerificationStatus, &c.CategoryCode,
		&c.SeverityCode, &c.SeverityDisplay, &c.CodeSystem, &c.CodeValue, &c.CodeDisplay,
		&c.AltCodeSystem, &c.AltCodeValue, &c.AltCodeDisplay, &c.BodySiteCode, &c.BodySiteDisplay,
		&c.ComputedLocation, &c.OnsetDatetime, &c.RecordedDate, &c.Note, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *conditionRepoPG) Create(ctx context.Context, c *Condition) error {
	c.ID = uuid.New()
	if c.FHIRID == "" {
		c.FHIRID = c.ID.String()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO condition (id, fhir_id, patient_id, clinical_status, verification_status, category_code,
			severity_code, severity_display, code_system, code_value, code_display,
			alt_code_system, alt_code_value, alt_code_display, body_site_code, body_site_display,
			computed_location, onset_datetime, recorded_date, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		c.ID, c.FHIRID, c.PatientID, c.ClinicalStatus, c.VerificationStatus, c.CategoryCode,
		c.SeverityCode, c.SeverityDisplay, c.CodeSystem, c.CodeValue, c.CodeDisplay,
		c.AltCodeSystem, c.AltCodeValue, c.AltCodeDisplay, c.BodySiteCode, c.BodySiteDisplay,
		c.ComputedLocation, c.OnsetDatetime, c.RecordedDate, c.Note)
	return err
}

func (r *conditionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return r.scanCondition(r.conn(ctx).QueryRow(ctx, `SELECT `+condCols+` FROM condition WHERE id = $1`, id))
}

func (r *conditionRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Condition, error) {
	return r.scanCondition(r.conn(ctx).QueryRow(ctx, `SELECT `+condCols+` FROM condition WHERE fhir_id = $1`, fhirID))
}

func (r *conditionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Condition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM condition WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+condCols+` FROM condition WHERE patient_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Condition
	for rows.Next() {
		c, err := r.scanCondition(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *conditionRepoPG) ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM condition WHERE patient_id = $1 AND code_value = $2)`,
		patientID, code).Scan(&exists)
	return exists, err
}

// =========== Allergy Repository ===========

type allergyRepoPG struct{ pool *pgxpool.Pool }

func NewAllergyRepoPG(pool *pgxpool.Pool) AllergyRepository { return &allergyRepoPG{pool: pool} }

func (r *allergyRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const allergyCols = `id, fhir_id, patient_id, clinical_status, verification_status, type, category, criticality,
	code_system, code_value, code_display, onset_datetime, recorded_date, note, created_at, updated_at`

func (r *allergyRepoPG) scanAllergy(row pgx.Row) (*AllergyIntolerance, error) {
	var a AllergyIntolerance
	err := row.Scan(&a.ID, &a.FHIRID, &a.PatientID, &a.ClinicalStatus, &a.VerificationStatus, &a.Type, &a.Category, &a.Criticality,
		&a.CodeSystem, &a.CodeValue, &a.CodeDisplay, &a.OnsetDatetime, &a.RecordedDate, &a.Note, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *allergyRepoPG) Create(ctx context.Context, a *AllergyIntolerance) error {
	a.ID = uuid.New()
	if a.FHIRID == "" {
		a.FHIRID = a.ID.String()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO allergy_intolerance (id, fhir_id, patient_id, clinical_status, verification_status,
			type, category, criticality, code_system, code_value, code_display,
			onset_datetime, recorded_date, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.FHIRID, a.PatientID, a.ClinicalStatus, a.VerificationStatus,
		a.Type, a.Category, a.Criticality, a.CodeSystem, a.CodeValue, a.CodeDisplay,
		a.OnsetDatetime, a.RecordedDate, a.Note)
	return err
}

func (r *allergyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AllergyIntolerance, error) {
	return r.scanAllergy(r.conn(ctx).QueryRow(ctx, `SELECT `+allergyCols+` FROM allergy_intolerance WHERE id = $1`, id))
}

func (r *allergyRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*AllergyIntolerance, error) {
	return r.scanAllergy(r.conn(ctx).QueryRow(ctx, `SELECT `+allergyCols+` FROM allergy_intolerance WHERE fhir_id = $1`, fhirID))
}

func (r *allergyRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AllergyIntolerance, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM allergy_intolerance WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+allergyCols+` FROM allergy_intolerance WHERE patient_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AllergyIntolerance
	for rows.Next() {
		a, err := r.scanAllergy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *allergyRepoPG) ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM allergy_intolerance WHERE patient_id = $1 AND code_value = $2)`,
		patientID, code).Scan(&exists)
	return exists, err
}

// =========== Procedure Repository ===========

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository {
	return &procedureRepoPG{pool: pool}
}

func (r *procedureRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const procCols = `id, fhir_id, status, patient_id, code_system, code_value, code_display,
	performed_datetime, performed_end, body_site_code, body_site_display,
	reason_system, reason_code, reason_display, note, created_at, updated_at`

func (r *procedureRepoPG) scanProc(row pgx.Row) (*ProcedureRecord, error) {
	var p ProcedureRecord
	err := row.Scan(&p.ID, &p.FHIRID, &p.Status, &p.PatientID, &p.CodeSystem, &p.CodeValue, &p.CodeDisplay,
		&p.PerformedDatetime, &p.PerformedEnd, &p.BodySiteCode, &p.BodySiteDisplay,
		&p.ReasonSystem, &p.ReasonCode, &p.ReasonDisplay, &p.Note, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *procedureRepoPG) Create(ctx context.Context, p *ProcedureRecord) error {
	p.ID = uuid.New()
	if p.FHIRID == "" {
		p.FHIRID = p.ID.String()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO procedure_record (id, fhir_id, status, patient_id, code_system, code_value, code_display,
			performed_datetime, performed_end, body_site_code, body_site_display,
			reason_system, reason_code, reason_display, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.FHIRID, p.Status, p.PatientID, p.CodeSystem, p.CodeValue, p.CodeDisplay,
		p.PerformedDatetime, p.PerformedEnd, p.BodySiteCode, p.BodySiteDisplay,
		p.ReasonSystem, p.ReasonCode, p.ReasonDisplay, p.Note)
	return err
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ProcedureRecord, error) {
	return r.scanProc(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM procedure_record WHERE id = $1`, id))
}

func (r *procedureRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*ProcedureRecord, error) {
	return r.scanProc(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM procedure_record WHERE fhir_id = $1`, fhirID))
}

func (r *procedureRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ProcedureRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM procedure_record WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+procCols+` FROM procedure_record WHERE patient_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ProcedureRecord
	for rows.Next() {
		p, err := r.scanProc(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *procedureRepoPG) ExistsByCodeAt(ctx context.Context, patientID uuid.UUID, code string, performed *time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM procedure_record
			WHERE patient_id = $1 AND code_value = $2 AND performed_datetime IS NOT DISTINCT FROM $3)`,
		patientID, code, performed).Scan(&exists)
	return exists, err
}
