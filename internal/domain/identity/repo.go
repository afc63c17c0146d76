package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	// Summaries resolves the given ids; ids that do not exist are absent from the map.
	Summaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]PatientSummary, error)
	// CountRegistered counts patients registered at branch in [from, to).
	CountRegistered(ctx context.Context, branchID uuid.UUID, from, to time.Time) (int, error)
}
