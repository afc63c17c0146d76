package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, branch_id, status, start_time, end_time,
	cancellation_reason, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.BranchID, &status, &a.StartTime, &a.EndTime,
		&a.CancellationReason, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET status = $3, cancellation_reason = COALESCE($4, cancellation_reason), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM appointment WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check appointment: %w", err)
		}
		if !exists {
			return ErrAppointmentNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *appointmentRepoPG) CountByBranch(ctx context.Context, branchID uuid.UUID, statuses []Status, from, to time.Time) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE branch_id = $1 AND status = ANY($2) AND start_time >= $3 AND start_time < $4`,
		branchID, names, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count appointments: %w", err)
	}
	return n, nil
}
