package visit

import (
	"time"

	"github.com/google/uuid"
)

// transitions is the allow-list of stage edges. The loop-back to
// returned_to_front_desk is listed per stage rather than derived.
var transitions = map[Stage][]Stage{
	StageFrontDesk:           {StageNurse},
	StageNurse:               {StageDoctor, StageReturnedToFrontDesk},
	StageDoctor:              {StageLab, StagePharmacy, StageBilling, StageReturnedToFrontDesk},
	StageLab:                 {StageCompleted, StageReturnedToFrontDesk},
	StagePharmacy:            {StageCompleted, StageReturnedToFrontDesk},
	StageBilling:             {StageCompleted, StageReturnedToFrontDesk},
	StageReturnedToFrontDesk: {StageFrontDesk},
}

// ValidTransition reports whether from -> to is in the allow-list.
func ValidTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStages returns the legal targets from a stage.
func NextStages(from Stage) []Stage {
	next := transitions[from]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}

// TransitionRequest is the validated intent to move a visit between stages.
// It is never persisted.
type TransitionRequest struct {
	VisitID         uuid.UUID
	FromStage       Stage
	ToStage         Stage
	ActorID         string
	ActorRole       string
	ExpectedVersion int
	Note            string
	Timestamp       time.Time
}

// Transition applies req to v and returns the resulting visit. v itself is
// never modified; on error the caller's visit is exactly as it was.
func Transition(v *Visit, req TransitionRequest) (*Visit, error) {
	if v.Status.Terminal() {
		return nil, terminalState(v.Status)
	}
	if req.ExpectedVersion != v.Version {
		return nil, staleVersion(req.ExpectedVersion, v.Version)
	}
	if req.FromStage != v.CurrentStage {
		return nil, invalidTransition(req.FromStage, req.ToStage)
	}
	if !ValidTransition(req.FromStage, req.ToStage) {
		return nil, invalidTransition(req.FromStage, req.ToStage)
	}

	now := req.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	next := v.Clone()
	closeActive(next, req.ActorID, now)

	entry := StageEntry{
		ID:        uuid.New(),
		VisitID:   next.ID,
		Seq:       len(next.StageHistory) + 1,
		Stage:     req.ToStage,
		EnteredAt: now,
		EnteredBy: req.ActorID,
	}
	if req.Note != "" {
		note := req.Note
		entry.Note = &note
	}

	next.CurrentStage = req.ToStage
	if next.Status == StatusScheduled {
		next.Status = StatusInProgress
	}
	if req.ToStage == StageCompleted {
		// the terminal entry opens and closes at once: a closed visit has no active stage
		exited := now
		actor := req.ActorID
		entry.ExitedAt = &exited
		entry.ExitedBy = &actor
		next.Status = StatusCompleted
	}
	next.StageHistory = append(next.StageHistory, entry)
	next.Version++
	next.UpdatedAt = now
	return next, nil
}

// CancelVisit closes the active stage and marks the visit cancelled.
func CancelVisit(v *Visit, actorID string, expectedVersion int, reason string, now time.Time) (*Visit, error) {
	if v.Status.Terminal() {
		return nil, terminalState(v.Status)
	}
	if expectedVersion != v.Version {
		return nil, staleVersion(expectedVersion, v.Version)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := v.Clone()
	closeActive(next, actorID, now)
	next.Status = StatusCancelled
	if reason != "" {
		r := reason
		next.CancelReason = &r
	}
	next.Version++
	next.UpdatedAt = now
	return next, nil
}

// NewVisit builds a freshly checked-in visit sitting at the front desk.
func NewVisit(patientID, branchID uuid.UUID, appointmentID *uuid.UUID, actorID string, now time.Time) *Visit {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := uuid.New()
	return &Visit{
		ID:                  id,
		PatientID:           patientID,
		BranchID:            branchID,
		CurrentStage:        StageFrontDesk,
		Status:              StatusInProgress,
		LinkedAppointmentID: appointmentID,
		Version:             1,
		StageHistory: []StageEntry{{
			ID:        uuid.New(),
			VisitID:   id,
			Seq:       1,
			Stage:     StageFrontDesk,
			EnteredAt: now,
			EnteredBy: actorID,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func closeActive(v *Visit, actorID string, now time.Time) {
	for i := len(v.StageHistory) - 1; i >= 0; i-- {
		if v.StageHistory[i].Open() {
			exited := now
			actor := actorID
			v.StageHistory[i].ExitedAt = &exited
			v.StageHistory[i].ExitedBy = &actor
			return
		}
	}
}
