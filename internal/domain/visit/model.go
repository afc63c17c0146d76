package visit

import (
	"time"

	"github.com/google/uuid"
)

// Stage is the department queue a visit currently sits in.
type Stage string

const (
	StageFrontDesk           Stage = "front_desk"
	StageNurse               Stage = "nurse"
	StageDoctor              Stage = "doctor"
	StageLab                 Stage = "lab"
	StagePharmacy            Stage = "pharmacy"
	StageBilling             Stage = "billing"
	StageReturnedToFrontDesk Stage = "returned_to_front_desk"
	StageCompleted           Stage = "completed"
)

// AllStages lists every stage in workflow order.
var AllStages = []Stage{
	StageFrontDesk,
	StageNurse,
	StageDoctor,
	StageLab,
	StagePharmacy,
	StageBilling,
	StageReturnedToFrontDesk,
	StageCompleted,
}

func (s Stage) Valid() bool {
	for _, st := range AllStages {
		if st == s {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Staff roles recognised by the workflow.
const (
	RoleFrontDesk  = "front_desk"
	RoleNurse      = "nurse"
	RoleDoctor     = "doctor"
	RoleLab        = "lab"
	RolePharmacist = "pharmacist"
	RoleBilling    = "billing"
	RoleAdmin      = "admin"
)

// AllRoles lists the staff roles, admin last.
var AllRoles = []string{RoleFrontDesk, RoleNurse, RoleDoctor, RoleLab, RolePharmacist, RoleBilling, RoleAdmin}

// stageOwner maps each working stage to the role allowed to hand a visit off from it.
var stageOwner = map[Stage]string{
	StageFrontDesk:           RoleFrontDesk,
	StageReturnedToFrontDesk: RoleFrontDesk,
	StageNurse:               RoleNurse,
	StageDoctor:              RoleDoctor,
	StageLab:                 RoleLab,
	StagePharmacy:            RolePharmacist,
	StageBilling:             RoleBilling,
}

// OwnerRole returns the role that owns the given stage, or "" for completed.
func OwnerRole(s Stage) string {
	return stageOwner[s]
}

// CanOriginate reports whether role may hand a visit off from stage.
func CanOriginate(role string, from Stage) bool {
	if role == RoleAdmin {
		return true
	}
	owner, ok := stageOwner[from]
	return ok && owner == role
}

// StagesForRole returns the queue stages a role watches. Front desk also sees
// visits sent back to it.
func StagesForRole(role string) []Stage {
	switch role {
	case RoleFrontDesk:
		return []Stage{StageFrontDesk, StageReturnedToFrontDesk}
	case RoleNurse:
		return []Stage{StageNurse}
	case RoleDoctor:
		return []Stage{StageDoctor}
	case RoleLab:
		return []Stage{StageLab}
	case RolePharmacist:
		return []Stage{StagePharmacy}
	case RoleBilling:
		return []Stage{StageBilling}
	}
	return nil
}

// Visit is one patient encounter moving through the clinic.
type Visit struct {
	ID                  uuid.UUID    `db:"id" json:"id"`
	PatientID           uuid.UUID    `db:"patient_id" json:"patientId"`
	BranchID            uuid.UUID    `db:"branch_id" json:"branchId"`
	CurrentStage        Stage        `db:"current_stage" json:"currentStage"`
	Status              Status       `db:"status" json:"status"`
	LinkedAppointmentID *uuid.UUID   `db:"linked_appointment_id" json:"linkedAppointmentId,omitempty"`
	CancelReason        *string      `db:"cancel_reason" json:"cancelReason,omitempty"`
	Version             int          `db:"version" json:"version"`
	StageHistory        []StageEntry `json:"stageHistory"`
	CreatedAt           time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updatedAt"`
}

// StageEntry is one append-only row of a visit's stage history.
type StageEntry struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	VisitID   uuid.UUID  `db:"visit_id" json:"visitId"`
	Seq       int        `db:"seq" json:"seq"`
	Stage     Stage      `db:"stage" json:"stage"`
	EnteredAt time.Time  `db:"entered_at" json:"enteredAt"`
	EnteredBy string     `db:"entered_by" json:"enteredBy"`
	ExitedAt  *time.Time `db:"exited_at" json:"exitedAt,omitempty"`
	ExitedBy  *string    `db:"exited_by" json:"exitedBy,omitempty"`
	Note      *string    `db:"note" json:"note,omitempty"`
}

func (e StageEntry) Open() bool {
	return e.ExitedAt == nil
}

// Duration returns how long the visit sat in this stage, measured to now for
// the open entry.
func (e StageEntry) Duration(now time.Time) time.Duration {
	if e.ExitedAt != nil {
		return e.ExitedAt.Sub(e.EnteredAt)
	}
	return now.Sub(e.EnteredAt)
}

// ActiveEntry returns the open history entry, if any.
func (v *Visit) ActiveEntry() (StageEntry, bool) {
	for i := len(v.StageHistory) - 1; i >= 0; i-- {
		if v.StageHistory[i].Open() {
			return v.StageHistory[i], true
		}
	}
	return StageEntry{}, false
}

// OpenEntries counts history entries without an exit time.
func (v *Visit) OpenEntries() int {
	n := 0
	for _, e := range v.StageHistory {
		if e.Open() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so the engine never mutates a caller's visit.
func (v *Visit) Clone() *Visit {
	cp := *v
	if v.LinkedAppointmentID != nil {
		id := *v.LinkedAppointmentID
		cp.LinkedAppointmentID = &id
	}
	if v.CancelReason != nil {
		r := *v.CancelReason
		cp.CancelReason = &r
	}
	cp.StageHistory = make([]StageEntry, len(v.StageHistory))
	for i, e := range v.StageHistory {
		if e.ExitedAt != nil {
			t := *e.ExitedAt
			e.ExitedAt = &t
		}
		if e.ExitedBy != nil {
			b := *e.ExitedBy
			e.ExitedBy = &b
		}
		if e.Note != nil {
			n := *e.Note
			e.Note = &n
		}
		cp.StageHistory[i] = e
	}
	return &cp
}

// CheckInvariants verifies the stage/status/history invariants of a visit.
func (v *Visit) CheckInvariants() error {
	open := v.OpenEntries()
	switch v.Status {
	case StatusInProgress:
		if open != 1 {
			return invariantError("in-progress visit must have exactly one open stage, has %d", open)
		}
		active, _ := v.ActiveEntry()
		if active.Stage != v.CurrentStage {
			return invariantError("current stage %s does not match open entry %s", v.CurrentStage, active.Stage)
		}
	case StatusCompleted:
		if v.CurrentStage != StageCompleted {
			return invariantError("completed visit is at stage %s", v.CurrentStage)
		}
		if open != 0 {
			return invariantError("completed visit has %d open stages", open)
		}
	case StatusCancelled:
		if open != 0 {
			return invariantError("cancelled visit has %d open stages", open)
		}
	}
	for i, e := range v.StageHistory {
		if e.Seq != i+1 {
			return invariantError("history entry %d has seq %d", i, e.Seq)
		}
	}
	return nil
}

// StageDuration summarises time spent in one history entry.
type StageDuration struct {
	Seq       int        `json:"seq"`
	Stage     Stage      `json:"stage"`
	EnteredAt time.Time  `json:"enteredAt"`
	EnteredBy string     `json:"enteredBy"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
	Seconds   int64      `json:"seconds"`
	Open      bool       `json:"open"`
}

// Durations returns the audit view of the history: how long each stage took.
func (v *Visit) Durations(now time.Time) []StageDuration {
	out := make([]StageDuration, 0, len(v.StageHistory))
	for _, e := range v.StageHistory {
		out = append(out, StageDuration{
			Seq:       e.Seq,
			Stage:     e.Stage,
			EnteredAt: e.EnteredAt,
			EnteredBy: e.EnteredBy,
			ExitedAt:  e.ExitedAt,
			Seconds:   int64(e.Duration(now) / time.Second),
			Open:      e.Open(),
		})
	}
	return out
}

// VisitFilter narrows List results. Zero values match everything.
type VisitFilter struct {
	BranchID  uuid.UUID
	PatientID uuid.UUID
	Status    Status
	Stage     Stage
}

// CountFilter describes a dashboard count. Exactly one window selector
// applies: EnteredStages, ExitedStages, then CreatedOnly.
type CountFilter struct {
	BranchID uuid.UUID
	// Stages restricts to visits currently in one of these stages.
	Stages []Stage
	Status Status
	// EnteredStages counts visits with a history entry for one of these
	// stages entered in [From, To).
	EnteredStages []Stage
	// ExitedStages counts visits that left one of these stages in [From, To).
	ExitedStages []Stage
	// CreatedOnly counts visits created in [From, To).
	CreatedOnly bool
	From        time.Time
	To          time.Time
}
