package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateStatus moves the appointment from one status to another. It
	// returns ErrStatusConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) error
	// CountByBranch counts appointments at branch starting in [from, to)
	// whose status is one of statuses.
	CountByBranch(ctx context.Context, branchID uuid.UUID, statuses []Status, from, to time.Time) (int, error)
}
