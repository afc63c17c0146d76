package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle. It is independent of the visit
// stage machine; the two are linked only through VisitEvent.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

var statusTransitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// ValidStatusTransition reports whether an appointment may move from one
// status to another.
func ValidStatusTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BookedStatuses are the statuses counted as booked appointments.
var BookedStatuses = []Status{
	StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusNoShow,
}

type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patientId"`
	BranchID           uuid.UUID  `db:"branch_id" json:"branchId"`
	Status             Status     `db:"status" json:"status"`
	StartTime          time.Time  `db:"start_time" json:"startTime"`
	EndTime            *time.Time `db:"end_time" json:"endTime,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// CheckInEligible reports whether a visit may be opened from this appointment.
func (a *Appointment) CheckInEligible() bool {
	return a.Status == StatusScheduled || a.Status == StatusConfirmed
}

// VisitEvent is a visit lifecycle change that the appointment follows.
type VisitEvent string

const (
	EventCheckedIn VisitEvent = "checked_in"
	EventCompleted VisitEvent = "completed"
	EventCancelled VisitEvent = "cancelled"
)

// TargetStatus is the appointment status a visit event moves towards.
func (e VisitEvent) TargetStatus() (Status, bool) {
	switch e {
	case EventCheckedIn:
		return StatusInProgress, true
	case EventCompleted:
		return StatusCompleted, true
	case EventCancelled:
		return StatusCancelled, true
	}
	return "", false
}
