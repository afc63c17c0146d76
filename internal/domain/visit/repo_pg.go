package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

type repoPG struct {
	pool   *pgxpool.Pool
	origin string
}

// NewRepo returns a PostgreSQL visit store. origin tags the outbox rows this
// process writes so its own relay can skip them.
func NewRepo(pool *pgxpool.Pool, origin string) Repository {
	return &repoPG{pool: pool, origin: origin}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// begin starts a transaction, joining the one already on ctx if present.
func (r *repoPG) begin(ctx context.Context) (pgx.Tx, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.Begin(ctx)
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

const visitCols = `id, patient_id, branch_id, current_stage, status, linked_appointment_id,
	cancel_reason, version, created_at, updated_at`

const historyCols = `id, visit_id, seq, stage, entered_at, entered_by, exited_at, exited_by, note`

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create visit: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO visit (id, patient_id, branch_id, current_stage, status, linked_appointment_id,
			cancel_reason, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.PatientID, v.BranchID, v.CurrentStage, v.Status, v.LinkedAppointmentID,
		v.CancelReason, v.Version, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err, "idx_visit_open_appointment") {
		return validation("appointment %s is already checked in", v.LinkedAppointmentID)
	}
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	for _, e := range v.StageHistory {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := r.writeEvent(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("get visit %s: %w", id, err)
	}
	if err := r.loadHistory(ctx, []*Visit{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *repoPG) Save(ctx context.Context, v *Visit, expectedVersion int) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save visit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE visit SET current_stage=$3, status=$4, linked_appointment_id=$5, cancel_reason=$6,
			version=$7, updated_at=$8
		WHERE id = $1 AND version = $2`,
		v.ID, expectedVersion, v.CurrentStage, v.Status, v.LinkedAppointmentID, v.CancelReason,
		v.Version, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int
		err := tx.QueryRow(ctx, `SELECT version FROM visit WHERE id = $1`, v.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(v.ID)
		}
		if err != nil {
			return fmt.Errorf("read visit version: %w", err)
		}
		return staleVersion(expectedVersion, current)
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM visit_stage_history WHERE visit_id = $1`, v.ID).Scan(&stored); err != nil {
		return fmt.Errorf("read history length: %w", err)
	}
	for _, e := range v.StageHistory {
		if e.Seq > stored {
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
			continue
		}
		if e.ExitedAt != nil {
			// only an open row is touched; closed rows are immutable
			_, err := tx.Exec(ctx, `
				UPDATE visit_stage_history SET exited_at = $3, exited_by = $4
				WHERE visit_id = $1 AND seq = $2 AND exited_at IS NULL`,
				v.ID, e.Seq, e.ExitedAt, e.ExitedBy)
			if err != nil {
				return fmt.Errorf("close stage %d: %w", e.Seq, err)
			}
		}
	}
	if err := r.writeEvent(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repoPG) ListByStageAndBranch(ctx context.Context, stages []Stage, branchID uuid.UUID) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+visitCols+` FROM visit WHERE branch_id = $1 AND current_stage = ANY($2) AND status IN ('scheduled', 'in_progress') ORDER BY updated_at`,
		branchID, stageStrings(stages))
	if err != nil {
		return nil, fmt.Errorf("list visits by stage: %w", err)
	}
	defer rows.Close()
	visits, err := collectVisits(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, visits); err != nil {
		return nil, err
	}
	return visits, nil
}

func (r *repoPG) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	where, args := visitFilterSQL(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count visits: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+visitCols+` FROM visit%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()
	visits, err := collectVisits(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := r.loadHistory(ctx, visits); err != nil {
		return nil, 0, err
	}
	return visits, total, nil
}

func (r *repoPG) FindOpenByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visit
		WHERE linked_appointment_id = $1 AND status IN ('scheduled', 'in_progress')
		ORDER BY created_at DESC LIMIT 1`, appointmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find visit by appointment: %w", err)
	}
	if err := r.loadHistory(ctx, []*Visit{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *repoPG) Count(ctx context.Context, f CountFilter) (int, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	from := `visit v`
	if f.BranchID != uuid.Nil {
		add("v.branch_id = $%d", f.BranchID)
	}
	if len(f.Stages) > 0 {
		add("v.current_stage = ANY($%d)", stageStrings(f.Stages))
	}
	if f.Status != "" {
		add("v.status = $%d", string(f.Status))
	}
	window := func(col string) {
		if !f.From.IsZero() {
			add(col+" >= $%d", f.From)
		}
		if !f.To.IsZero() {
			add(col+" < $%d", f.To)
		}
	}
	switch {
	case len(f.EnteredStages) > 0:
		from = `visit v JOIN visit_stage_history h ON h.visit_id = v.id`
		add("h.stage = ANY($%d)", stageStrings(f.EnteredStages))
		window("h.entered_at")
	case len(f.ExitedStages) > 0:
		from = `visit v JOIN visit_stage_history h ON h.visit_id = v.id`
		add("h.stage = ANY($%d)", stageStrings(f.ExitedStages))
		conds = append(conds, "h.exited_at IS NOT NULL")
		window("h.exited_at")
	case f.CreatedOnly:
		window("v.created_at")
	}

	query := `SELECT COUNT(DISTINCT v.id) FROM ` + from
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return n, nil
}

func (r *repoPG) loadHistory(ctx context.Context, visits []*Visit) error {
	if len(visits) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(visits))
	byID := make(map[uuid.UUID]*Visit, len(visits))
	for i, v := range visits {
		ids[i] = v.ID
		byID[v.ID] = v
		v.StageHistory = nil
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+historyCols+` FROM visit_stage_history WHERE visit_id = ANY($1) ORDER BY visit_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("load stage history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e StageEntry
		if err := rows.Scan(&e.ID, &e.VisitID, &e.Seq, &e.Stage, &e.EnteredAt, &e.EnteredBy,
			&e.ExitedAt, &e.ExitedBy, &e.Note); err != nil {
			return fmt.Errorf("scan stage history: %w", err)
		}
		if v, ok := byID[e.VisitID]; ok {
			v.StageHistory = append(v.StageHistory, e)
		}
	}
	return rows.Err()
}

func (r *repoPG) writeEvent(ctx context.Context, tx pgx.Tx, v *Visit) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO visit_event (event_id, visit_id, branch_id, origin, created_at)
		VALUES ($1,$2,$3,$4, clock_timestamp())`,
		uuid.New(), v.ID, v.BranchID, r.origin)
	if err != nil {
		return fmt.Errorf("write visit event: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e StageEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO visit_stage_history (`+historyCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.VisitID, e.Seq, e.Stage, e.EnteredAt, e.EnteredBy, e.ExitedAt, e.ExitedBy, e.Note)
	if err != nil {
		return fmt.Errorf("insert stage %d: %w", e.Seq, err)
	}
	return nil
}

func visitFilterSQL(f VisitFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.BranchID != uuid.Nil {
		args = append(args, f.BranchID)
		conds = append(conds, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if f.PatientID != uuid.Nil {
		args = append(args, f.PatientID)
		conds = append(conds, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Stage != "" {
		args = append(args, f.Stage)
		conds = append(conds, fmt.Sprintf("current_stage = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func stageStrings(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVisit(row rowScanner) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.BranchID, &v.CurrentStage, &v.Status, &v.LinkedAppointmentID,
		&v.CancelReason, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func collectVisits(rows pgx.Rows) ([]*Visit, error) {
	var visits []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// isUniqueViolation reports whether err is a unique_violation on constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
