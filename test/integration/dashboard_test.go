package integration

import (
	"context"
	"testing"

	"github.com/ehr/visitflow/internal/domain/billing"
	"github.com/ehr/visitflow/internal/domain/dashboard"
	"github.com/ehr/visitflow/internal/domain/scheduling"
	"github.com/ehr/visitflow/internal/domain/visit"
)

func TestDashboard_FrontDesk(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, "api-1")

	a := s.checkIn(t, ctx, "Ines")
	s.checkIn(t, ctx, "Jon")
	a = s.handoff(t, ctx, a, visit.StageNurse, frontDesk)
	s.handoff(t, ctx, a, visit.StageReturnedToFrontDesk, nurse)
	pid := createTestPatient(t, ctx, s.branch, "Kemi", "Test")
	createTestAppointment(t, ctx, s.branch, pid, scheduling.StatusScheduled)

	st, err := s.aggregator.Stats(ctx, s.branch, visit.RoleFrontDesk, dashboard.PeriodDay)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(st.Degraded) != 0 {
		t.Errorf("degraded counters: %v", st.Degraded)
	}
	fd := st.FrontDesk
	if fd == nil {
		t.Fatal("front desk stats missing")
	}
	checks := []struct {
		name string
		got  dashboard.Counter
		want float64
	}{
		{"checkedInToday", fd.CheckedInToday, 2},
		{"waiting", fd.Waiting, 1},
		{"returned", fd.Returned, 1},
		{"newPatients", fd.NewPatients, 3},
		{"appointments", fd.Appointments, 1},
	}
	for _, c := range checks {
		if c.got.Total != c.want {
			t.Errorf("%s total = %v, want %v", c.name, c.got.Total, c.want)
		}
		if !c.got.IsIncrease || c.got.ChangePercent != 100 {
			t.Errorf("%s = %+v, want a rise from zero", c.name, c.got)
		}
	}
}

func TestDashboard_Billing(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, "api-1")

	v := s.checkIn(t, ctx, "Lin")
	v = s.handoff(t, ctx, v, visit.StageNurse, frontDesk)
	v = s.handoff(t, ctx, v, visit.StageDoctor, nurse)
	v = s.handoff(t, ctx, v, visit.StageBilling, doctor)
	createTestPayment(t, ctx, s.branch, &v.ID, 12550, billing.TransactionSettled)
	createTestPayment(t, ctx, s.branch, &v.ID, 4000, billing.TransactionVoided)
	s.handoff(t, ctx, v, visit.StageCompleted, cashier)

	st, err := s.aggregator.Stats(ctx, s.branch, visit.RoleBilling, dashboard.PeriodWeek)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	b := st.Billing
	if b == nil {
		t.Fatal("billing stats missing")
	}
	if b.Waiting.Total != 0 {
		t.Errorf("waiting = %v, want 0 after completion", b.Waiting.Total)
	}
	if b.CompletedToday.Total != 1 {
		t.Errorf("completed = %v, want 1", b.CompletedToday.Total)
	}
	if b.Transactions.Total != 1 {
		t.Errorf("transactions = %v, want 1 settled", b.Transactions.Total)
	}
	if b.Revenue.Total != 125.5 {
		t.Errorf("revenue = %v, want 125.5", b.Revenue.Total)
	}
}

func TestDashboard_Clinical(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, "api-1")

	v := s.checkIn(t, ctx, "Mo")
	v = s.handoff(t, ctx, v, visit.StageNurse, frontDesk)
	w := s.checkIn(t, ctx, "Nia")
	s.handoff(t, ctx, w, visit.StageNurse, frontDesk)
	s.handoff(t, ctx, v, visit.StageDoctor, nurse)

	st, err := s.aggregator.Stats(ctx, s.branch, visit.RoleNurse, dashboard.PeriodDay)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	c := st.Clinical
	if c == nil {
		t.Fatal("clinical stats missing")
	}
	if c.Waiting.Total != 1 {
		t.Errorf("nurse waiting = %v, want 1", c.Waiting.Total)
	}
	if c.HandedOff.Total != 1 {
		t.Errorf("nurse handed off = %v, want 1", c.HandedOff.Total)
	}
}
