package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, health_id, national_id, birth_registration_number,
	given_name, sur_name, gender, COALESCE(to_char(date_of_birth, 'YYYY-MM-DD'), ''),
	occupation, edu_level, religion, email,
	phone_number, primary_contact_number, present_address, status,
	version, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1

	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (
			id, health_id, national_id, birth_registration_number,
			given_name, sur_name, gender, date_of_birth,
			occupation, edu_level, religion, email,
			phone_number, primary_contact_number, present_address, status,
			version
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,NULLIF($8, '')::date,
			$9,$10,$11,$12,
			$13,$14,$15,$16,
			$17
		)
		RETURNING created_at, updated_at`,
		p.ID, p.HealthID, p.NationalID, p.BirthRegistrationNumber,
		p.GivenName, p.SurName, p.Gender, p.DateOfBirth,
		p.Occupation, p.EduLevel, p.Religion, p.Email,
		p.PhoneNumber, p.PrimaryContactNumber, p.PresentAddress, p.Status,
		p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == healthIDConstraint {
				return fmt.Errorf("patient create: %s: %w", p.HealthID, ErrDuplicateHealthID)
			}
			return fmt.Errorf("patient create: duplicate %s: %w", pgErr.ConstraintName, err)
		}
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

// healthIDConstraint is the unique constraint on patient.health_id.
const healthIDConstraint = "patient_health_id_key"

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.get(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id)
}

func (r *patientRepoPG) GetByHealthID(ctx context.Context, healthID string) (*Patient, error) {
	return r.get(ctx, `SELECT `+patientCols+` FROM patient WHERE health_id = $1`, healthID)
}

func (r *patientRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.get(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1 FOR UPDATE`, id)
}

func (r *patientRepoPG) get(ctx context.Context, query string, arg any) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET
			national_id=$3, birth_registration_number=$4,
			given_name=$5, sur_name=$6, gender=$7, date_of_birth=NULLIF($8, '')::date,
			occupation=$9, edu_level=$10, religion=$11, email=$12,
			phone_number=$13, primary_contact_number=$14, present_address=$15, status=$16,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		p.ID, p.Version,
		p.NationalID, p.BirthRegistrationNumber,
		p.GivenName, p.SurName, p.Gender, p.DateOfBirth,
		p.Occupation, p.EduLevel, p.Religion, p.Email,
		p.PhoneNumber, p.PrimaryContactNumber, p.PresentAddress, p.Status,
	).Scan(&p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.HealthID, &p.NationalID, &p.BirthRegistrationNumber,
		&p.GivenName, &p.SurName, &p.Gender, &p.DateOfBirth,
		&p.Occupation, &p.EduLevel, &p.Religion, &p.Email,
		&p.PhoneNumber, &p.PrimaryContactNumber, &p.PresentAddress, &p.Status,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Pending Approval Repository --

type approvalRepoPG struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) ApprovalRepository {
	return &approvalRepoPG{pool: pool}
}

func (r *approvalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *approvalRepoPG) GetLedger(ctx context.Context, patientID uuid.UUID) (Ledger, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT field_name, current_value, history
		FROM pending_approval WHERE patient_id = $1`, patientID)
	if err != nil {
		return Ledger{}, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []PendingApproval
	for rows.Next() {
		var field string
		var current, history []byte
		if err := rows.Scan(&field, &current, &history); err != nil {
			return Ledger{}, fmt.Errorf("scan pending approval: %w", err)
		}
		a, err := decodeApproval(field, current, history)
		if err != nil {
			return Ledger{}, err
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return Ledger{}, fmt.Errorf("iterate pending approvals: %w", err)
	}
	return NewLedger(approvals...), nil
}

func (r *approvalRepoPG) Save(ctx context.Context, patientID uuid.UUID, approvals ...PendingApproval) error {
	for _, a := range approvals {
		if len(a.History) == 0 {
			return fmt.Errorf("pending approval for %s has no history", a.Field)
		}
		current, err := json.Marshal(a.CurrentValue)
		if err != nil {
			return fmt.Errorf("encode current value of %s: %w", a.Field, err)
		}
		history, err := json.Marshal(a.History)
		if err != nil {
			return fmt.Errorf("encode history of %s: %w", a.Field, err)
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO pending_approval (patient_id, field_name, current_value, history)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (patient_id, field_name) DO UPDATE
			SET current_value = EXCLUDED.current_value, history = EXCLUDED.history, updated_at = NOW()`,
			patientID, a.Field, current, history)
		if err != nil {
			return fmt.Errorf("save pending approval for %s: %w", a.Field, err)
		}
	}
	return nil
}

func (r *approvalRepoPG) Delete(ctx context.Context, patientID uuid.UUID, field string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM pending_approval WHERE patient_id = $1 AND field_name = $2`, patientID, field)
	if err != nil {
		return fmt.Errorf("delete pending approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w for %s", ErrNoPendingApproval, field)
	}
	return nil
}

const catchmentFilter = `($1 = '' OR p.division_id = $1)
	AND ($2 = '' OR p.district_id = $2)
	AND ($3 = '' OR p.upazila_id = $3)`

func (r *approvalRepoPG) ListByCatchment(ctx context.Context, c Catchment, limit, offset int) ([]PatientApprovals, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT p.id)
		FROM patient p JOIN pending_approval a ON a.patient_id = p.id
		WHERE `+catchmentFilter,
		c.DivisionID, c.DistrictID, c.UpazilaID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count pending approvals: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		WITH page AS (
			SELECT DISTINCT p.id, p.health_id
			FROM patient p JOIN pending_approval a ON a.patient_id = p.id
			WHERE `+catchmentFilter+`
			ORDER BY p.health_id
			LIMIT $4 OFFSET $5
		)
		SELECT p.id, p.health_id, p.division_id, p.district_id, p.upazila_id,
			a.field_name, a.current_value, a.history
		FROM page
		JOIN patient p ON p.id = page.id
		JOIN pending_approval a ON a.patient_id = p.id
		ORDER BY p.health_id, a.field_name`,
		c.DivisionID, c.DistrictID, c.UpazilaID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []PatientApprovals
	for rows.Next() {
		var pa PatientApprovals
		var field string
		var current, history []byte
		if err := rows.Scan(&pa.PatientID, &pa.HealthID,
			&pa.Catchment.DivisionID, &pa.Catchment.DistrictID, &pa.Catchment.UpazilaID,
			&field, &current, &history); err != nil {
			return nil, 0, fmt.Errorf("scan pending approval: %w", err)
		}
		a, err := decodeApproval(field, current, history)
		if err != nil {
			return nil, 0, err
		}
		if n := len(out); n > 0 && out[n-1].PatientID == pa.PatientID {
			out[n-1].Approvals = append(out[n-1].Approvals, a)
			continue
		}
		pa.Approvals = []PendingApproval{a}
		out = append(out, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pending approvals: %w", err)
	}
	return out, total, nil
}
