package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient is the read-only view of a registered patient used by the visit
// workflow. Registration itself lives in the clinic's records system.
type Patient struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	MRN                string     `db:"mrn" json:"mrn"`
	FirstName          string     `db:"first_name" json:"first_name"`
	LastName           string     `db:"last_name" json:"last_name"`
	BirthDate          *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender             *string    `db:"gender" json:"gender,omitempty"`
	PhoneMobile        *string    `db:"phone_mobile" json:"phone_mobile,omitempty"`
	RegisteredBranchID *uuid.UUID `db:"registered_branch_id" json:"registered_branch_id,omitempty"`
	Active             bool       `db:"active" json:"active"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// PatientSummary is the slice of patient data shown on a queue row.
type PatientSummary struct {
	ID        uuid.UUID  `json:"id"`
	MRN       string     `json:"mrn,omitempty"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	Known     bool       `json:"known"`
}

func (p *Patient) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (p *Patient) Summary() PatientSummary {
	s := PatientSummary{
		ID:        p.ID,
		MRN:       p.MRN,
		Name:      p.DisplayName(),
		BirthDate: p.BirthDate,
		Known:     true,
	}
	if p.Gender != nil {
		s.Gender = *p.Gender
	}
	return s
}

// UnknownSummary stands in for a patient the directory could not resolve.
func UnknownSummary(id uuid.UUID) PatientSummary {
	return PatientSummary{ID: id, Name: "Unknown patient"}
}
