package visitclient

import (
	"time"

	"github.com/google/uuid"
)

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

type Visit struct {
	ID                  uuid.UUID    `json:"id"`
	PatientID           uuid.UUID    `json:"patientId"`
	BranchID            uuid.UUID    `json:"branchId"`
	CurrentStage        Stage        `json:"currentStage"`
	Status              string       `json:"status"`
	LinkedAppointmentID *uuid.UUID   `json:"linkedAppointmentId,omitempty"`
	CancelReason        *string      `json:"cancelReason,omitempty"`
	Version             int          `json:"version"`
	StageHistory        []StageEntry `json:"stageHistory"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

type StageEntry struct {
	Seq       int        `json:"seq"`
	Stage     Stage      `json:"stage"`
	EnteredAt time.Time  `json:"enteredAt"`
	EnteredBy string     `json:"enteredBy"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
	ExitedBy  *string    `json:"exitedBy,omitempty"`
	Note      *string    `json:"note,omitempty"`
}

type Patient struct {
	ID        uuid.UUID  `json:"id"`
	MRN       string     `json:"mrn,omitempty"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	Known     bool       `json:"known"`
}

type QueueEntry struct {
	Visit          *Visit    `json:"visit"`
	Patient        Patient   `json:"patient"`
	Stage          Stage     `json:"stage"`
	WaitingSince   time.Time `json:"waitingSince"`
	WaitingSeconds int64     `json:"waitingSeconds"`
}

type Counter struct {
	Total         float64 `json:"total"`
	ChangePercent float64 `json:"changePercent"`
	IsIncrease    bool    `json:"isIncrease"`
}

// Stats is the dashboard payload. Kind tells which of the role sections is
// filled; admin dashboards fill all three.
type Stats struct {
	Kind        string    `json:"kind"`
	Role        string    `json:"role"`
	BranchID    uuid.UUID `json:"branchId"`
	Period      string    `json:"period"`
	GeneratedAt time.Time `json:"generatedAt"`
	FrontDesk   *struct {
		CheckedInToday Counter `json:"checkedInToday"`
		Waiting        Counter `json:"waiting"`
		Returned       Counter `json:"returned"`
		NewPatients    Counter `json:"newPatients"`
		Appointments   Counter `json:"appointments"`
	} `json:"frontDesk,omitempty"`
	Clinical *struct {
		Stages         []Stage `json:"stages"`
		Waiting        Counter `json:"waiting"`
		HandedOff      Counter `json:"handedOff"`
		CompletedToday Counter `json:"completedToday"`
	} `json:"clinical,omitempty"`
	Billing *struct {
		Waiting        Counter `json:"waiting"`
		CompletedToday Counter `json:"completedToday"`
		Transactions   Counter `json:"transactions"`
		Revenue        Counter `json:"revenue"`
	} `json:"billing,omitempty"`
	Degraded []string `json:"degraded,omitempty"`
}

// Event is a websocket push frame.
type Event struct {
	Type     string    `json:"type"`
	VisitID  uuid.UUID `json:"visitId"`
	BranchID uuid.UUID `json:"branchId"`
	At       time.Time `json:"at"`
}
