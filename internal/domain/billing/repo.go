package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TransactionRepository interface {
	// Totals sums settled transactions at branch created in [from, to).
	Totals(ctx context.Context, branchID uuid.UUID, from, to time.Time) (Totals, error)
}
