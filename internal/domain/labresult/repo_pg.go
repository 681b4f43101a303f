package labresult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labresults/internal/platform/db"
)

// =========== TestMapping Repository ===========

type testMappingRepoPG struct{ pool *pgxpool.Pool }

func NewTestMappingRepoPG(pool *pgxpool.Pool) TestMappingRepository {
	return &testMappingRepoPG{pool: pool}
}

func (r *testMappingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const mappingCols = `id, local_test_id, canonical_code, canonical_unit, display_name, created_at, updated_at`

func scanMapping(row pgx.Row) (*TestMapping, error) {
	var m TestMapping
	err := row.Scan(&m.ID, &m.LocalTestID, &m.CanonicalCode, &m.CanonicalUnit, &m.DisplayName, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *testMappingRepoPG) FindByLocalID(ctx context.Context, localTestID string) (*TestMapping, error) {
	m, err := scanMapping(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM test_mapping WHERE local_test_id = $1`, localTestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *testMappingRepoPG) Upsert(ctx context.Context, m *TestMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_mapping (id, local_test_id, canonical_code, canonical_unit, display_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (local_test_id) DO UPDATE SET
			canonical_code = EXCLUDED.canonical_code,
			canonical_unit = EXCLUDED.canonical_unit,
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		m.ID, m.LocalTestID, m.CanonicalCode, m.CanonicalUnit, m.DisplayName,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (r *testMappingRepoPG) List(ctx context.Context, limit, offset int) ([]*TestMapping, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM test_mapping`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM test_mapping ORDER BY local_test_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TestMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// =========== ReferenceRange Repository ===========

type referenceRangeRepoPG struct{ pool *pgxpool.Pool }

func NewReferenceRangeRepoPG(pool *pgxpool.Pool) ReferenceRangeRepository {
	return &referenceRangeRepoPG{pool: pool}
}

func (r *referenceRangeRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const rangeCols = `id, canonical_code, sex, age_low, age_high, low, high, critical_low, critical_high, unit, created_at`

func scanRange(row pgx.Row) (*ReferenceRange, error) {
	var rr ReferenceRange
	err := row.Scan(&rr.ID, &rr.CanonicalCode, &rr.Sex, &rr.AgeLow, &rr.AgeHigh,
		&rr.Low, &rr.High, &rr.CriticalLow, &rr.CriticalHigh, &rr.Unit, &rr.CreatedAt)
	return &rr, err
}

// FindAllByCode returns ranges in directory order (position, then insertion).
func (r *referenceRangeRepoPG) FindAllByCode(ctx context.Context, code string) ([]*ReferenceRange, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+rangeCols+` FROM reference_range WHERE canonical_code = $1 ORDER BY position, created_at, id`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ReferenceRange
	for rows.Next() {
		rr, err := scanRange(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rr)
	}
	return items, rows.Err()
}

// Create appends rr after the existing ranges of its code.
func (r *referenceRangeRepoPG) Create(ctx context.Context, rr *ReferenceRange) error {
	rr.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reference_range (id, canonical_code, position, sex, age_low, age_high,
			low, high, critical_low, critical_high, unit)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM reference_range WHERE canonical_code = $2),
			$3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		rr.ID, rr.CanonicalCode, rr.Sex, rr.AgeLow, rr.AgeHigh,
		rr.Low, rr.High, rr.CriticalLow, rr.CriticalHigh, rr.Unit,
	).Scan(&rr.CreatedAt)
}

func (r *referenceRangeRepoPG) ReplaceForCode(ctx context.Context, code string, ranges []*ReferenceRange) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM reference_range WHERE canonical_code = $1`, code); err != nil {
			return fmt.Errorf("clear ranges for %s: %w", code, err)
		}
		for i, rr := range ranges {
			rr.ID = uuid.New()
			rr.CanonicalCode = code
			err := r.conn(ctx).QueryRow(ctx, `
				INSERT INTO reference_range (id, canonical_code, position, sex, age_low, age_high,
					low, high, critical_low, critical_high, unit)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				RETURNING created_at`,
				rr.ID, code, i+1, rr.Sex, rr.AgeLow, rr.AgeHigh,
				rr.Low, rr.High, rr.CriticalLow, rr.CriticalHigh, rr.Unit,
			).Scan(&rr.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert range %d for %s: %w", i+1, code, err)
			}
		}
		return nil
	})
}

// =========== LabReport Repository ===========

type labReportRepoPG struct{ pool *pgxpool.Pool }

func NewLabReportRepoPG(pool *pgxpool.Pool) LabReportRepository {
	return &labReportRepoPG{pool: pool}
}

func (r *labReportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `id, batch_id, patient_id, encounter_id, status, submitted_by, observation_count, issued, created_at`

func scanReport(row pgx.Row) (*LabReport, error) {
	var rep LabReport
	err := row.Scan(&rep.ID, &rep.BatchID, &rep.PatientID, &rep.EncounterID, &rep.Status,
		&rep.SubmittedBy, &rep.ObservationCount, &rep.Issued, &rep.CreatedAt)
	return &rep, err
}

const observationCols = `id, report_id, sequence, local_test_id, canonical_code, display, value, unit,
	interpretation, effective_datetime, reference_range_id, note, conversion_note`

func scanObservation(row pgx.Row) (*LabObservation, error) {
	var o LabObservation
	err := row.Scan(&o.ID, &o.ReportID, &o.Sequence, &o.LocalTestID, &o.CanonicalCode, &o.Display,
		&o.Value, &o.Unit, &o.Interpretation, &o.EffectiveDatetime, &o.ReferenceRangeID,
		&o.Note, &o.ConversionNote)
	return &o, err
}

func (r *labReportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabReport, error) {
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM lab_report WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+observationCols+` FROM lab_observation WHERE report_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		rep.Observations = append(rep.Observations, o)
	}
	return rep, rows.Err()
}

func (r *labReportRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabReport, int, error) {
	return r.list(ctx, `WHERE patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *labReportRepoPG) List(ctx context.Context, limit, offset int) ([]*LabReport, int, error) {
	return r.list(ctx, ``, nil, limit, offset)
}

func (r *labReportRepoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*LabReport, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_report `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM lab_report %s ORDER BY issued DESC LIMIT $%d OFFSET $%d`, reportCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

// =========== Result Sink ===========

// PGResultSink commits an accepted batch as one lab_report row plus its
// lab_observation rows in a single transaction.
type PGResultSink struct{ pool *pgxpool.Pool }

func NewPGResultSink(pool *pgxpool.Pool) *PGResultSink {
	return &PGResultSink{pool: pool}
}

func (s *PGResultSink) Commit(ctx context.Context, observations []ProcessedObservation, meta BatchMetadata) (*SinkHandle, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &SinkError{Step: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	handle := &SinkHandle{ReportID: uuid.New(), ObservationIDs: make([]uuid.UUID, 0, len(observations))}
	var submittedBy *string
	if meta.SubmittedBy != "" {
		submittedBy = &meta.SubmittedBy
	}
	var requestID *string
	if meta.RequestID != "" {
		requestID = &meta.RequestID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO lab_report (id, batch_id, patient_id, encounter_id, status, submitted_by,
			request_id, observation_count, issued)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		handle.ReportID, meta.BatchID, meta.PatientID, meta.EncounterID, ReportStatusFinal,
		submittedBy, requestID, len(observations), meta.ReceivedAt)
	if err != nil {
		return nil, &SinkError{Step: "insert_report", Err: err}
	}

	for i, o := range observations {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO lab_observation (id, report_id, sequence, local_test_id, canonical_code, display,
				value, unit, interpretation, effective_datetime, reference_range_id, note, conversion_note)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			id, handle.ReportID, i+1, o.LocalTestID, o.CanonicalCode, o.Display,
			o.Value, o.Unit, string(o.Interpretation), parseEffective(o.Timestamp), o.RangeID,
			o.Note, o.ConversionNote)
		if err != nil {
			return nil, &SinkError{Step: "insert_observation", LocalTestID: o.LocalTestID, Err: err}
		}
		handle.ObservationIDs = append(handle.ObservationIDs, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &SinkError{Step: "commit", Err: err}
	}
	return handle, nil
}

// parseEffective reads an RFC 3339 timestamp. Anything else is stored as
// NULL; the raw string stays on the processed observation.
func parseEffective(ts string) *time.Time {
	if ts == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return &t
		}
	}
	return nil
}
