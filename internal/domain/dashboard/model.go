package dashboard

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/domain/visit"
)

var (
	ErrUnknownPeriod  = errors.New("unknown period")
	ErrUnknownRole    = errors.New("unknown role")
	ErrBranchRequired = errors.New("branch_id is required")
)

// Period is the reporting window a dashboard compares against the window
// of equal length before it.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod accepts day, week or month; empty means day.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	}
	return "", fmt.Errorf("%w %q (want day, week or month)", ErrUnknownPeriod, s)
}

// Window is a half-open [From, To) interval together with the previous
// interval of the same length.
type Window struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	PrevFrom time.Time `json:"prevFrom"`
	PrevTo   time.Time `json:"prevTo"`
}

// WindowFor returns the period-to-date window ending at now. Days start at
// local midnight, weeks on Monday and months on the 1st.
func WindowFor(p Period, now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var w Window
	switch p {
	case PeriodWeek:
		offset := (int(midnight.Weekday()) + 6) % 7
		w.From = midnight.AddDate(0, 0, -offset)
		w.PrevFrom = w.From.AddDate(0, 0, -7)
		w.PrevTo = now.AddDate(0, 0, -7)
	case PeriodMonth:
		w.From = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		w.PrevFrom = w.From.AddDate(0, -1, 0)
		w.PrevTo = now.AddDate(0, -1, 0)
		// Mar 31 minus a month normalises into March
		if w.PrevTo.After(w.From) {
			w.PrevTo = w.From
		}
	default:
		w.From = midnight
		w.PrevFrom = midnight.AddDate(0, 0, -1)
		w.PrevTo = now.AddDate(0, 0, -1)
	}
	w.To = now
	return w
}

// Counter is one dashboard figure with its trend against the previous period.
type Counter struct {
	Total         float64 `json:"total"`
	ChangePercent float64 `json:"changePercent"`
	IsIncrease    bool    `json:"isIncrease"`
}

// NewCounter compares cur with prev. A rise from zero reads as 100%.
func NewCounter(cur, prev float64) Counter {
	c := Counter{Total: cur, IsIncrease: cur >= prev}
	switch {
	case prev == 0 && cur > 0:
		c.ChangePercent = 100
	case prev == 0:
		c.ChangePercent = 0
	default:
		c.ChangePercent = math.Round((cur-prev)/prev*1000) / 10
	}
	return c
}

// Kind tags which variant of Stats is populated.
type Kind string

const (
	KindFrontDesk Kind = "front_desk"
	KindClinical  Kind = "clinical"
	KindBilling   Kind = "billing"
	KindAdmin     Kind = "admin"
)

// KindForRole maps a staff role to its dashboard variant.
func KindForRole(role string) (Kind, error) {
	switch strings.ToLower(role) {
	case visit.RoleFrontDesk:
		return KindFrontDesk, nil
	case visit.RoleNurse, visit.RoleDoctor, visit.RoleLab, visit.RolePharmacist:
		return KindClinical, nil
	case visit.RoleBilling:
		return KindBilling, nil
	case visit.RoleAdmin:
		return KindAdmin, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownRole, role)
}

type FrontDeskStats struct {
	CheckedInToday Counter `json:"checkedInToday"`
	Waiting        Counter `json:"waiting"`
	Returned       Counter `json:"returned"`
	NewPatients    Counter `json:"newPatients"`
	Appointments   Counter `json:"appointments"`
}

type ClinicalStats struct {
	Stages         []visit.Stage `json:"stages"`
	Waiting        Counter       `json:"waiting"`
	HandedOff      Counter       `json:"handedOff"`
	CompletedToday Counter       `json:"completedToday"`
}

type BillingStats struct {
	Waiting        Counter `json:"waiting"`
	CompletedToday Counter `json:"completedToday"`
	Transactions   Counter `json:"transactions"`
	Revenue        Counter `json:"revenue"`
}

// Stats is the dashboard payload for one role. Kind says which of the
// variant fields are set; admin gets all three.
type Stats struct {
	Kind        Kind            `json:"kind"`
	Role        string          `json:"role"`
	BranchID    uuid.UUID       `json:"branchId"`
	Period      Period          `json:"period"`
	Window      Window          `json:"window"`
	GeneratedAt time.Time       `json:"generatedAt"`
	FrontDesk   *FrontDeskStats `json:"frontDesk,omitempty"`
	Clinical    *ClinicalStats  `json:"clinical,omitempty"`
	Billing     *BillingStats   `json:"billing,omitempty"`
	// Degraded names counters that fell back to zero because a source failed.
	Degraded []string `json:"degraded,omitempty"`
}
