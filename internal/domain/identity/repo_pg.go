package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, mrn, first_name, last_name, birth_date, gender, phone_mobile,
	registered_branch_id, active, created_at`

func (r *patientRepoPG) Summaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]PatientSummary, error) {
	out := make(map[uuid.UUID]PatientSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query patient summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out[p.ID] = p.Summary()
	}
	return out, rows.Err()
}

func (r *patientRepoPG) CountRegistered(ctx context.Context, branchID uuid.UUID, from, to time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM patient
		WHERE registered_branch_id = $1 AND created_at >= $2 AND created_at < $3`,
		branchID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registered patients: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender, &p.PhoneMobile,
		&p.RegisteredBranchID, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
