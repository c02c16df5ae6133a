package medication

import (
	"context"

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

type medStatementRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationStatementRepoPG(pool *pgxpool.Pool) MedicationStatementRepository {
	return &medStatementRepoPG{pool: pool}
}

func (r *medStatementRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const msCols = `id, fhir_id, status, patient_id, medication_system, medication_code, medication_display,
	effective_datetime, effective_start, effective_end, date_asserted, dosage_text, note,
	created_at, updated_at`

func (r *medStatementRepoPG) scanMS(row pgx.Row) (*MedicationStatement, error) {
	var ms MedicationStatement
	err := row.Scan(&ms.ID, &ms.FHIRID, &ms.Status, &ms.PatientID,
		&ms.MedicationSystem, &ms.MedicationCode, &ms.MedicationDisplay,
		&ms.EffectiveDatetime, &ms.EffectiveStart, &ms.EffectiveEnd, &ms.DateAsserted,
		&ms.DosageText, &ms.Note, &ms.CreatedAt, &ms.UpdatedAt)
	return &ms, err
}

func (r *medStatementRepoPG) Create(ctx context.Context, ms *MedicationStatement) error {
	ms.ID = uuid.New()
	if ms.FHIRID == "" {
		ms.FHIRID = ms.ID.String()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_statement (id, fhir_id, status, patient_id,
			medication_system, medication_code, medication_display,
			effective_datetime, effective_start, effective_end, date_asserted, dosage_text, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ms.ID, ms.FHIRID, ms.Status, ms.PatientID,
		ms.MedicationSystem, ms.MedicationCode, ms.MedicationDisplay,
		ms.EffectiveDatetime, ms.EffectiveStart, ms.EffectiveEnd, ms.DateAsserted, ms.DosageText, ms.Note)
	return err
}

func (r *medStatementRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicationStatement, error) {
	return r.scanMS(r.conn(ctx).QueryRow(ctx, `SELECT `+msCols+` FROM medication_statement WHERE id = $1`, id))
}

func (r *medStatementRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*MedicationStatement, error) {
	return r.scanMS(r.conn(ctx).QueryRow(ctx, `SELECT `+msCols+` FROM medication_statement WHERE fhir_id = $1`, fhirID))
}

func (r *medStatementRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicationStatement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication_statement WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msCols+` FROM medication_statement WHERE patient_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MedicationStatement
	for rows.Next() {
		ms, err := r.scanMS(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ms)
	}
	return items, total, rows.Err()
}

func (r *medStatementRepoPG) ExistsByCode(ctx context.Context, patientID uuid.UUID, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM medication_statement WHERE patient_id = $1 AND medication_code = $2)`,
		patientID, code).Scan(&exists)
	return exists, err
}
