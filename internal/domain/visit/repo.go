package visit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the durable visit store. Save is a compare-and-swap on
// Version: it succeeds only when the stored version equals expectedVersion.
type Repository interface {
	Create(ctx context.Context, v *Visit) error
	Get(ctx context.Context, id uuid.UUID) (*Visit, error)
	Save(ctx context.Context, v *Visit, expectedVersion int) error
	ListByStageAndBranch(ctx context.Context, stages []Stage, branchID uuid.UUID) ([]*Visit, error)
	List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error)
	FindOpenByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Visit, error)
	Count(ctx context.Context, f CountFilter) (int, error)
}
