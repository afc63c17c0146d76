package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type outboxPG struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns the PostgreSQL reader for the visit_event table.
func NewOutboxStore(pool *pgxpool.Pool) OutboxStore {
	return &outboxPG{pool: pool}
}

func (s *outboxPG) ListAfter(ctx context.Context, after time.Time, afterID uuid.UUID, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, visit_id, branch_id, origin, created_at
		FROM visit_event
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at, event_id
		LIMIT $3`, after, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list visit events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.EventID, &e.VisitID, &e.BranchID, &e.Origin, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan visit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *outboxPG) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM visit_event WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete visit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
