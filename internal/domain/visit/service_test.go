package visit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/scheduling"
	"github.com/ehr/visitflow/internal/platform/notify"
)

// -- Mock Repository --

// mockRepo keeps visits in memory and enforces the same compare-and-swap
// contract as the PostgreSQL store.
type mockRepo struct {
	mu      sync.Mutex
	visits  map[uuid.UUID]*Visit
	saves   int
	saveErr error
	listErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{visits: make(map[uuid.UUID]*Visit)}
}

func (m *mockRepo) Create(_ context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visits[v.ID]; ok {
		return fmt.Errorf("duplicate visit %s", v.ID)
	}
	m.visits[v.ID] = v.Clone()
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, notFound(id)
	}
	return v.Clone(), nil
}

func (m *mockRepo) Save(_ context.Context, v *Visit, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	stored, ok := m.visits[v.ID]
	if !ok {
		return notFound(v.ID)
	}
	if stored.Version != expectedVersion {
		return staleVersion(expectedVersion, stored.Version)
	}
	m.visits[v.ID] = v.Clone()
	m.saves++
	return nil
}

func (m *mockRepo) ListByStageAndBranch(_ context.Context, stages []Stage, branchID uuid.UUID) ([]*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Visit
	for _, v := range m.visits {
		if v.BranchID != branchID || v.Status.Terminal() {
			continue
		}
		for _, s := range stages {
			if v.CurrentStage == s {
				out = append(out, v.Clone())
				break
			}
		}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Visit
	for _, v := range m.visits {
		if f.BranchID != uuid.Nil && v.BranchID != f.BranchID {
			continue
		}
		if f.PatientID != uuid.Nil && v.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Stage != "" && v.CurrentStage != f.Stage {
			continue
		}
		all = append(all, v.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) FindOpenByAppointment(_ context.Context, appointmentID uuid.UUID) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.visits {
		if v.LinkedAppointmentID != nil && *v.LinkedAppointmentID == appointmentID && !v.Status.Terminal() {
			return v.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Count(_ context.Context, f CountFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.visits {
		if f.BranchID != uuid.Nil && v.BranchID != f.BranchID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if len(f.Stages) > 0 && !containsStage(f.Stages, v.CurrentStage) {
			continue
		}
		if f.CreatedOnly && !inWindow(v.CreatedAt, f) {
			continue
		}
		if len(f.EnteredStages) > 0 && !historyMatch(v, f.EnteredStages, f, false) {
			continue
		}
		if len(f.ExitedStages) > 0 && !historyMatch(v, f.ExitedStages, f, true) {
			continue
		}
		n++
	}
	return n, nil
}

func inWindow(at time.Time, f CountFilter) bool {
	return !at.Before(f.From) && at.Before(f.To)
}

func historyMatch(v *Visit, stages []Stage, f CountFilter, exited bool) bool {
	for _, e := range v.StageHistory {
		if !containsStage(stages, e.Stage) {
			continue
		}
		at := e.EnteredAt
		if exited {
			if e.ExitedAt == nil {
				continue
			}
			at = *e.ExitedAt
		}
		if inWindow(at, f) {
			return true
		}
	}
	return false
}

func containsStage(stages []Stage, s Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}

// -- Mock Bus --

type mockBus struct {
	mu     sync.Mutex
	events []notify.StageChanged
	// versionAtPublish records the stored version when each event fired.
	repo             *mockRepo
	versionAtPublish []int
}

func (b *mockBus) Publish(ctx context.Context, evt notify.StageChanged) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	if b.repo != nil {
		if v, err := b.repo.Get(ctx, evt.VisitID); err == nil {
			b.versionAtPublish = append(b.versionAtPublish, v.Version)
		}
	}
	return 1
}

// -- Mock Appointment Sync --

type mockAppointments struct {
	eligibleErr error
	applyErr    error
	applied     []scheduling.VisitEvent
	reasons     []string
}

func (m *mockAppointments) CheckEligible(_ context.Context, apptID, patientID uuid.UUID) (*scheduling.Appointment, error) {
	if m.eligibleErr != nil {
		return nil, m.eligibleErr
	}
	return &scheduling.Appointment{ID: apptID, PatientID: patientID, Status: scheduling.StatusScheduled}, nil
}

func (m *mockAppointments) ApplyVisitEvent(_ context.Context, _ uuid.UUID, evt scheduling.VisitEvent, reason string) error {
	m.applied = append(m.applied, evt)
	m.reasons = append(m.reasons, reason)
	return m.applyErr
}

// -- Mock Recorder --

type mockRecorder struct {
	transitions []string
	failures    []string
	syncFails   int
}

func (r *mockRecorder) VisitTransitioned(from, to string) {
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *mockRecorder) OperationFailed(op, code string) {
	r.failures = append(r.failures, op+":"+code)
}

func (r *mockRecorder) AppointmentSyncFailed(string) {
	r.syncFails++
}

// -- Helpers --

var (
	deskActor   = Actor{ID: "desk-1", Roles: []string{RoleFrontDesk}}
	nurseActor  = Actor{ID: "nurse-1", Roles: []string{RoleNurse}}
	doctorActor = Actor{ID: "doc-1", Roles: []string{RoleDoctor}}
	labActor    = Actor{ID: "lab-1", Roles: []string{RoleLab}}
	billActor   = Actor{ID: "bill-1", Roles: []string{RoleBilling}}
	adminActor  = Actor{ID: "admin-1", Roles: []string{RoleAdmin}}
)

func newTestService() (*Service, *mockRepo, *mockBus) {
	repo := newMockRepo()
	bus := &mockBus{repo: repo}
	svc := NewService(repo, bus, zerolog.Nop())
	var mu sync.Mutex
	clock := t0
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc, repo, bus
}

func checkIn(t *testing.T, svc *Service) *Visit {
	t.Helper()
	v, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(),
		BranchID:  uuid.New(),
		Actor:     deskActor,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return v
}

func handoff(t *testing.T, svc *Service, v *Visit, actor Actor, to Stage) *Visit {
	t.Helper()
	next, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID:         v.ID,
		TargetStage:     to,
		Actor:           actor,
		ExpectedVersion: v.Version,
	})
	if err != nil {
		t.Fatalf("handoff %s -> %s: %v", v.CurrentStage, to, err)
	}
	return next
}

// -- Tests --

func TestService_CheckIn(t *testing.T) {
	svc, repo, bus := newTestService()
	v := checkIn(t, svc)

	if v.CurrentStage != StageFrontDesk || v.Status != StatusInProgress || v.Version != 1 {
		t.Errorf("unexpected visit: stage=%s status=%s version=%d", v.CurrentStage, v.Status, v.Version)
	}
	if _, ok := repo.visits[v.ID]; !ok {
		t.Error("visit not stored")
	}
	if len(bus.events) != 1 || bus.events[0].VisitID != v.ID || bus.events[0].BranchID != v.BranchID {
		t.Errorf("expected one stage-changed event, got %+v", bus.events)
	}
}

func TestService_CheckIn_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CheckIn(ctx, CheckInInput{BranchID: uuid.New(), Actor: deskActor}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing patient: expected ErrValidation, got %v", err)
	}
	if _, err := svc.CheckIn(ctx, CheckInInput{PatientID: uuid.New(), Actor: deskActor}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing branch: expected ErrValidation, got %v", err)
	}
	if _, err := svc.CheckIn(ctx, CheckInInput{PatientID: uuid.New(), BranchID: uuid.New(), Actor: nurseActor}); !errors.Is(err, ErrForbidden) {
		t.Errorf("nurse check-in: expected ErrForbidden, got %v", err)
	}
}

func TestService_CheckIn_Appointment(t *testing.T) {
	svc, _, _ := newTestService()
	appts := &mockAppointments{}
	svc.SetAppointmentSync(appts)
	apptID := uuid.New()

	v, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(), BranchID: uuid.New(), AppointmentID: &apptID, Actor: deskActor,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.LinkedAppointmentID == nil || *v.LinkedAppointmentID != apptID {
		t.Errorf("expected linked appointment %s", apptID)
	}
	if len(appts.applied) != 1 || appts.applied[0] != scheduling.EventCheckedIn {
		t.Errorf("expected checked_in sync, got %v", appts.applied)
	}

	// a second check-in against the same appointment is refused
	_, err = svc.CheckIn(context.Background(), CheckInInput{
		PatientID: v.PatientID, BranchID: v.BranchID, AppointmentID: &apptID, Actor: deskActor,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate check-in, got %v", err)
	}
}

func TestService_CheckIn_IneligibleAppointment(t *testing.T) {
	svc, repo, _ := newTestService()
	svc.SetAppointmentSync(&mockAppointments{eligibleErr: fmt.Errorf("%w: status is COMPLETED", scheduling.ErrIneligible)})
	apptID := uuid.New()

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(), BranchID: uuid.New(), AppointmentID: &apptID, Actor: deskActor,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(repo.visits) != 0 {
		t.Error("no visit should be created")
	}
}

// Scenario: front_desk -> nurse at version 1.
func TestService_Handoff(t *testing.T) {
	svc, _, bus := newTestService()
	rec := &mockRecorder{}
	svc.SetRecorder(rec)
	v := checkIn(t, svc)

	next := handoff(t, svc, v, deskActor, StageNurse)
	if next.CurrentStage != StageNurse || next.Version != 2 || len(next.StageHistory) != 2 {
		t.Errorf("unexpected result: stage=%s version=%d entries=%d", next.CurrentStage, next.Version, len(next.StageHistory))
	}
	if next.StageHistory[0].Open() || !next.StageHistory[1].Open() {
		t.Error("expected front desk closed and nurse open")
	}
	if len(bus.events) != 2 {
		t.Errorf("expected 2 events, got %d", len(bus.events))
	}
	if len(rec.transitions) != 1 || rec.transitions[0] != "front_desk->nurse" {
		t.Errorf("unexpected recorded transitions: %v", rec.transitions)
	}
}

// The event is published only after the new version is stored.
func TestService_Handoff_PublishesAfterCommit(t *testing.T) {
	svc, _, bus := newTestService()
	v := checkIn(t, svc)
	handoff(t, svc, v, deskActor, StageNurse)

	if len(bus.versionAtPublish) != 2 || bus.versionAtPublish[1] != 2 {
		t.Errorf("expected stored version 2 when publishing, got %v", bus.versionAtPublish)
	}
}

// Scenario: two handoffs read version 2; the second one is stale.
func TestService_Handoff_ConcurrentStale(t *testing.T) {
	svc, repo, bus := newTestService()
	v := handoff(t, svc, checkIn(t, svc), deskActor, StageNurse)

	first := handoff(t, svc, v, nurseActor, StageDoctor)
	if first.Version != 3 {
		t.Fatalf("expected version 3, got %d", first.Version)
	}
	events := len(bus.events)

	_, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageReturnedToFrontDesk, Actor: nurseActor, ExpectedVersion: 2,
	})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	stored := repo.visits[v.ID]
	if stored.CurrentStage != StageDoctor || stored.Version != 3 {
		t.Errorf("expected visit to stay at doctor v3, got %s v%d", stored.CurrentStage, stored.Version)
	}
	if len(bus.events) != events {
		t.Error("a rejected handoff must not publish")
	}
}

// Two racing handoffs with the same expected version: exactly one wins.
func TestService_Handoff_RaceOneWinner(t *testing.T) {
	svc, repo, _ := newTestService()
	v := handoff(t, svc, checkIn(t, svc), deskActor, StageNurse)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		stale   int
	)
	targets := []Stage{StageDoctor, StageReturnedToFrontDesk, StageDoctor, StageReturnedToFrontDesk}
	for _, to := range targets {
		wg.Add(1)
		go func(to Stage) {
			defer wg.Done()
			_, err := svc.Handoff(context.Background(), HandoffInput{
				VisitID: v.ID, TargetStage: to, Actor: nurseActor, ExpectedVersion: v.Version,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrStaleVersion):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(to)
	}
	wg.Wait()

	if success != 1 || stale != len(targets)-1 {
		t.Errorf("expected 1 success and %d stale, got %d and %d", len(targets)-1, success, stale)
	}
	if got := repo.visits[v.ID].Version; got != 3 {
		t.Errorf("expected version 3, got %d", got)
	}
}

// Retrying the same handoff with the same version never double-applies.
func TestService_Handoff_RetryIdempotent(t *testing.T) {
	svc, repo, _ := newTestService()
	v := handoff(t, svc, checkIn(t, svc), deskActor, StageNurse)
	in := HandoffInput{VisitID: v.ID, TargetStage: StageDoctor, Actor: nurseActor, ExpectedVersion: v.Version}

	if _, err := svc.Handoff(context.Background(), in); err != nil {
		t.Fatalf("first handoff: %v", err)
	}
	if _, err := svc.Handoff(context.Background(), in); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion on retry, got %v", err)
	}
	stored := repo.visits[v.ID]
	if stored.Version != 3 || len(stored.StageHistory) != 3 {
		t.Errorf("expected a single transition, got version %d with %d entries", stored.Version, len(stored.StageHistory))
	}
}

// Scenario: a nurse cannot hand off from the doctor stage.
func TestService_Handoff_Forbidden(t *testing.T) {
	svc, repo, _ := newTestService()
	v := checkIn(t, svc)
	v = handoff(t, svc, v, deskActor, StageNurse)
	v = handoff(t, svc, v, nurseActor, StageDoctor)

	_, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageBilling, Actor: Actor{ID: "n", Roles: []string{"NURSE"}}, ExpectedVersion: v.Version,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if repo.visits[v.ID].Version != v.Version {
		t.Error("forbidden handoff must not change the visit")
	}
}

func TestService_Handoff_AdminMayActAnywhere(t *testing.T) {
	svc, _, _ := newTestService()
	v := checkIn(t, svc)
	v = handoff(t, svc, v, adminActor, StageNurse)
	v = handoff(t, svc, v, adminActor, StageDoctor)
	if v.CurrentStage != StageDoctor {
		t.Errorf("expected doctor, got %s", v.CurrentStage)
	}
	if v.StageHistory[2].EnteredBy != "admin-1" {
		t.Errorf("expected admin as actor, got %s", v.StageHistory[2].EnteredBy)
	}
}

// Scenario: lab returns to front desk, front desk re-enters, direct jump refused.
func TestService_Handoff_LoopBack(t *testing.T) {
	svc, _, _ := newTestService()
	v := checkIn(t, svc)
	v = handoff(t, svc, v, deskActor, StageNurse)
	v = handoff(t, svc, v, nurseActor, StageDoctor)
	v = handoff(t, svc, v, doctorActor, StageLab)
	v = handoff(t, svc, v, labActor, StageReturnedToFrontDesk)

	_, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageDoctor, Actor: deskActor, ExpectedVersion: v.Version,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	v = handoff(t, svc, v, deskActor, StageFrontDesk)
	if v.CurrentStage != StageFrontDesk {
		t.Errorf("expected front_desk, got %s", v.CurrentStage)
	}
}

// Scenario: completed visits reject further handoffs.
func TestService_Handoff_Terminal(t *testing.T) {
	svc, _, _ := newTestService()
	appts := &mockAppointments{}
	svc.SetAppointmentSync(appts)

	apptID := uuid.New()
	v, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(), BranchID: uuid.New(), AppointmentID: &apptID, Actor: deskActor,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	v = handoff(t, svc, v, deskActor, StageNurse)
	v = handoff(t, svc, v, nurseActor, StageDoctor)
	v = handoff(t, svc, v, doctorActor, StageBilling)
	v = handoff(t, svc, v, billActor, StageCompleted)
	if v.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", v.Status)
	}
	if len(appts.applied) != 2 || appts.applied[1] != scheduling.EventCompleted {
		t.Errorf("expected appointment completion sync, got %v", appts.applied)
	}

	_, err = svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageBilling, Actor: billActor, ExpectedVersion: v.Version,
	})
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	// terminal wins over a stale version and a foreign role
	_, err = svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageNurse, Actor: nurseActor, ExpectedVersion: 1,
	})
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestService_Handoff_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: uuid.New(), TargetStage: StageNurse, Actor: deskActor, ExpectedVersion: 1,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Handoff_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	v := checkIn(t, svc)

	_, err := svc.Handoff(context.Background(), HandoffInput{VisitID: v.ID, TargetStage: "radiology", Actor: deskActor, ExpectedVersion: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unknown stage: expected ErrValidation, got %v", err)
	}
	_, err = svc.Handoff(context.Background(), HandoffInput{VisitID: v.ID, TargetStage: StageNurse, Actor: deskActor})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("missing version: expected ErrValidation, got %v", err)
	}
}

func TestService_Handoff_StoreFailure(t *testing.T) {
	svc, repo, bus := newTestService()
	rec := &mockRecorder{}
	svc.SetRecorder(rec)
	v := checkIn(t, svc)
	repo.saveErr = errors.New("connection reset")

	_, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageNurse, Actor: deskActor, ExpectedVersion: v.Version,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if HTTPStatus(err) != 500 || ToErrorBody(err).Code != "internal" {
		t.Errorf("expected internal error mapping, got %d %+v", HTTPStatus(err), ToErrorBody(err))
	}
	if len(bus.events) != 1 {
		t.Error("failed save must not publish")
	}
	if len(rec.failures) != 1 || rec.failures[0] != "handoff:internal" {
		t.Errorf("unexpected recorded failures: %v", rec.failures)
	}
}

func TestService_Handoff_AppointmentSyncFailureIsLogged(t *testing.T) {
	svc, _, _ := newTestService()
	rec := &mockRecorder{}
	svc.SetRecorder(rec)
	appts := &mockAppointments{}
	svc.SetAppointmentSync(appts)

	apptID := uuid.New()
	v, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(), BranchID: uuid.New(), AppointmentID: &apptID, Actor: deskActor,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	appts.applyErr = errors.New("appointment service down")
	v = handoff(t, svc, v, deskActor, StageNurse)
	v = handoff(t, svc, v, nurseActor, StageDoctor)
	v = handoff(t, svc, v, doctorActor, StageLab)
	v = handoff(t, svc, v, labActor, StageCompleted)

	if v.Status != StatusCompleted {
		t.Errorf("visit must complete despite sync failure, got %s", v.Status)
	}
	if rec.syncFails != 1 {
		t.Errorf("expected one sync failure, got %d", rec.syncFails)
	}
}

func TestService_Cancel(t *testing.T) {
	svc, repo, bus := newTestService()
	appts := &mockAppointments{}
	svc.SetAppointmentSync(appts)
	apptID := uuid.New()
	v, err := svc.CheckIn(context.Background(), CheckInInput{
		PatientID: uuid.New(), BranchID: uuid.New(), AppointmentID: &apptID, Actor: deskActor,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	v = handoff(t, svc, v, deskActor, StageNurse)

	cancelled, err := svc.Cancel(context.Background(), CancelInput{
		VisitID: v.ID, Actor: deskActor, ExpectedVersion: v.Version, Reason: "left before triage",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.OpenEntries() != 0 {
		t.Errorf("unexpected cancelled visit: %+v", cancelled)
	}
	if repo.visits[v.ID].Status != StatusCancelled {
		t.Error("cancel not persisted")
	}
	if len(bus.events) != 3 {
		t.Errorf("expected 3 events, got %d", len(bus.events))
	}
	last := len(appts.applied) - 1
	if appts.applied[last] != scheduling.EventCancelled || appts.reasons[last] != "left before triage" {
		t.Errorf("expected cancellation sync with reason, got %v %v", appts.applied, appts.reasons)
	}

	if _, err := svc.Handoff(context.Background(), HandoffInput{
		VisitID: v.ID, TargetStage: StageDoctor, Actor: nurseActor, ExpectedVersion: cancelled.Version,
	}); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState after cancel, got %v", err)
	}
}

func TestService_Cancel_Forbidden(t *testing.T) {
	svc, _, _ := newTestService()
	v := handoff(t, svc, checkIn(t, svc), deskActor, StageNurse)

	_, err := svc.Cancel(context.Background(), CancelInput{VisitID: v.ID, Actor: nurseActor, ExpectedVersion: v.Version})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestService_Cancel_Stale(t *testing.T) {
	svc, _, _ := newTestService()
	v := handoff(t, svc, checkIn(t, svc), deskActor, StageNurse)

	_, err := svc.Cancel(context.Background(), CancelInput{VisitID: v.ID, Actor: deskActor, ExpectedVersion: 1})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestService_History(t *testing.T) {
	svc, _, _ := newTestService()
	v := checkIn(t, svc)
	v = handoff(t, svc, v, deskActor, StageNurse)

	durations, err := svc.History(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(durations) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(durations))
	}
	if durations[0].Seconds != 60 || durations[0].Open {
		t.Errorf("unexpected front desk duration: %+v", durations[0])
	}
	if !durations[1].Open {
		t.Error("expected nurse entry open")
	}
}

func TestService_List(t *testing.T) {
	svc, _, _ := newTestService()
	v := checkIn(t, svc)
	checkIn(t, svc)

	visits, total, err := svc.List(context.Background(), VisitFilter{BranchID: v.BranchID}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(visits) != 1 || visits[0].ID != v.ID {
		t.Errorf("expected only the branch visit, got total=%d", total)
	}

	if _, _, err := svc.List(context.Background(), VisitFilter{Status: "paused"}, 10, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown status, got %v", err)
	}
}

func TestActor_RoleFor(t *testing.T) {
	multi := Actor{Roles: []string{"nurse", "doctor"}}
	if got := multi.RoleFor(StageDoctor); got != RoleDoctor {
		t.Errorf("expected doctor, got %s", got)
	}
	if got := (Actor{Roles: []string{"lab", "admin"}}).RoleFor(StageNurse); got != RoleAdmin {
		t.Errorf("expected admin fallback, got %s", got)
	}
	if got := (Actor{Roles: []string{"NURSE"}}).RoleFor(StageDoctor); got != RoleNurse {
		t.Errorf("expected lower-cased first role, got %s", got)
	}
	if got := (Actor{}).RoleFor(StageNurse); got != "" {
		t.Errorf("expected empty role, got %s", got)
	}
}
