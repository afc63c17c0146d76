package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	appointments AppointmentRepository
	logger       zerolog.Logger
}

func NewService(appt AppointmentRepository, logger zerolog.Logger) *Service {
	return &Service{
		appointments: appt,
		logger:       logger.With().Str("component", "scheduling").Logger(),
	}
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// CheckEligible verifies that the appointment belongs to the patient and can
// still be checked in.
func (s *Service) CheckEligible(ctx context.Context, apptID, patientID uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if a.PatientID != patientID {
		return nil, fmt.Errorf("%w: appointment belongs to another patient", ErrIneligible)
	}
	if !a.CheckInEligible() {
		return nil, fmt.Errorf("%w: status is %s", ErrIneligible, a.Status)
	}
	return a, nil
}

// ApplyVisitEvent moves the appointment to follow a visit lifecycle change.
// Applying the same event twice is a no-op, and terminal appointments are
// left alone. An appointment that never reached IN_PROGRESS is stepped
// through it on completion.
func (s *Service) ApplyVisitEvent(ctx context.Context, apptID uuid.UUID, evt VisitEvent, reason string) error {
	target, ok := evt.TargetStatus()
	if !ok {
		return fmt.Errorf("unknown visit event: %s", evt)
	}
	var reasonPtr *string
	if evt == EventCancelled && reason != "" {
		reasonPtr = &reason
	}

	// One retry covers a status change that raced with this update.
	for attempt := 0; attempt < 2; attempt++ {
		a, err := s.appointments.GetByID(ctx, apptID)
		if err != nil {
			return err
		}
		if a.Status == target {
			return nil
		}
		if a.Status.Terminal() {
			s.logger.Debug().
				Str("appointment_id", apptID.String()).
				Str("status", string(a.Status)).
				Str("event", string(evt)).
				Msg("appointment already closed; visit event ignored")
			return nil
		}

		err = s.advance(ctx, a, target, reasonPtr)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("apply %s to appointment %s: %w", evt, apptID, ErrStatusConflict)
}

func (s *Service) advance(ctx context.Context, a *Appointment, target Status, reason *string) error {
	from := a.Status
	if !ValidStatusTransition(from, target) {
		if target != StatusCompleted || !ValidStatusTransition(from, StatusInProgress) {
			return fmt.Errorf("appointment cannot move from %s to %s", from, target)
		}
		if err := s.appointments.UpdateStatus(ctx, a.ID, from, StatusInProgress, nil); err != nil {
			return err
		}
		from = StatusInProgress
	}
	return s.appointments.UpdateStatus(ctx, a.ID, from, target, reason)
}

// CountBooked counts appointments booked at the branch for [from, to).
func (s *Service) CountBooked(ctx context.Context, branchID uuid.UUID, from, to time.Time) (int, error) {
	return s.appointments.CountByBranch(ctx, branchID, BookedStatuses, from, to)
}
