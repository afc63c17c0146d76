package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/visitflow/internal/domain/scheduling"
	"github.com/ehr/visitflow/internal/platform/notify"
)

var tracer = otel.Tracer("github.com/ehr/visitflow/internal/domain/visit")

// AppointmentSync keeps a linked appointment in step with its visit.
type AppointmentSync interface {
	CheckEligible(ctx context.Context, apptID, patientID uuid.UUID) (*scheduling.Appointment, error)
	ApplyVisitEvent(ctx context.Context, apptID uuid.UUID, evt scheduling.VisitEvent, reason string) error
}

// Recorder receives workflow outcomes for metrics.
type Recorder interface {
	VisitTransitioned(from, to string)
	OperationFailed(op, code string)
	AppointmentSyncFailed(event string)
}

// Actor is the authenticated staff member performing an operation.
type Actor struct {
	ID    string
	Roles []string
}

// Has matches role names case-insensitively.
func (a Actor) Has(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RoleFor picks the role the actor acts in at stage: the owning role when
// held, then admin, then the first role.
func (a Actor) RoleFor(stage Stage) string {
	if owner := OwnerRole(stage); owner != "" && a.Has(owner) {
		return owner
	}
	if a.Has(RoleAdmin) {
		return RoleAdmin
	}
	if len(a.Roles) > 0 {
		return strings.ToLower(a.Roles[0])
	}
	return ""
}

type HandoffInput struct {
	VisitID         uuid.UUID
	TargetStage     Stage
	Actor           Actor
	ExpectedVersion int
	Note            string
}

type CheckInInput struct {
	PatientID     uuid.UUID
	BranchID      uuid.UUID
	AppointmentID *uuid.UUID
	Actor         Actor
}

type CancelInput struct {
	VisitID         uuid.UUID
	Actor           Actor
	ExpectedVersion int
	Reason          string
}

// Service runs workflow operations: load, authorize, transition, persist,
// then notify.
type Service struct {
	repo         Repository
	bus          notify.Publisher
	appointments AppointmentSync
	recorder     Recorder
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(repo Repository, bus notify.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "visit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetAppointmentSync enables appointment linking on check-in and status
// propagation on completion and cancellation.
func (s *Service) SetAppointmentSync(a AppointmentSync) {
	s.appointments = a
}

func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// Handoff moves a visit from its current stage to in.TargetStage.
func (s *Service) Handoff(ctx context.Context, in HandoffInput) (*Visit, error) {
	ctx, span := tracer.Start(ctx, "visit.Handoff", trace.WithAttributes(
		attribute.String("visit.id", in.VisitID.String()),
		attribute.String("visit.target_stage", string(in.TargetStage)),
	))
	defer span.End()

	if !in.TargetStage.Valid() {
		return nil, s.fail(span, "handoff", validation("unknown target stage %q", in.TargetStage))
	}
	if in.ExpectedVersion < 1 {
		return nil, s.fail(span, "handoff", validation("expectedVersion is required"))
	}

	v, err := s.repo.Get(ctx, in.VisitID)
	if err != nil {
		return nil, s.fail(span, "handoff", err)
	}
	if v.Status.Terminal() {
		return nil, s.fail(span, "handoff", terminalState(v.Status))
	}
	if v.Version != in.ExpectedVersion {
		return nil, s.fail(span, "handoff", staleVersion(in.ExpectedVersion, v.Version))
	}
	role := in.Actor.RoleFor(v.CurrentStage)
	if !CanOriginate(role, v.CurrentStage) {
		return nil, s.fail(span, "handoff", forbidden(role, v.CurrentStage))
	}

	from := v.CurrentStage
	next, err := Transition(v, TransitionRequest{
		VisitID:         v.ID,
		FromStage:       from,
		ToStage:         in.TargetStage,
		ActorID:         in.Actor.ID,
		ActorRole:       role,
		ExpectedVersion: in.ExpectedVersion,
		Note:            in.Note,
		Timestamp:       s.now(),
	})
	if err != nil {
		return nil, s.fail(span, "handoff", err)
	}
	if err := s.repo.Save(ctx, next, in.ExpectedVersion); err != nil {
		return nil, s.fail(span, "handoff", err)
	}

	s.publish(ctx, next)
	if next.Status == StatusCompleted {
		s.syncAppointment(ctx, next, scheduling.EventCompleted, "")
	}
	if s.recorder != nil {
		s.recorder.VisitTransitioned(string(from), string(next.CurrentStage))
	}
	span.SetAttributes(attribute.Int("visit.version", next.Version))
	s.logger.Info().
		Str("visit_id", next.ID.String()).
		Str("branch_id", next.BranchID.String()).
		Str("from", string(from)).
		Str("to", string(next.CurrentStage)).
		Str("actor", in.Actor.ID).
		Int("version", next.Version).
		Msg("visit handed off")
	return next, nil
}

// CheckIn opens a new visit at the front desk, optionally from an appointment.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*Visit, error) {
	ctx, span := tracer.Start(ctx, "visit.CheckIn", trace.WithAttributes(
		attribute.String("visit.branch_id", in.BranchID.String()),
	))
	defer span.End()

	if in.PatientID == uuid.Nil {
		return nil, s.fail(span, "check_in", validation("patientId is required"))
	}
	if in.BranchID == uuid.Nil {
		return nil, s.fail(span, "check_in", validation("branchId is required"))
	}
	if !in.Actor.Has(RoleFrontDesk) && !in.Actor.Has(RoleAdmin) {
		return nil, s.fail(span, "check_in", forbiddenAction(in.Actor.RoleFor(StageFrontDesk), "check patients in"))
	}
	if in.AppointmentID != nil {
		if err := s.checkAppointment(ctx, *in.AppointmentID, in.PatientID); err != nil {
			return nil, s.fail(span, "check_in", err)
		}
	}

	v := NewVisit(in.PatientID, in.BranchID, in.AppointmentID, in.Actor.ID, s.now())
	if err := s.repo.Create(ctx, v); err != nil {
		return nil, s.fail(span, "check_in", err)
	}

	s.publish(ctx, v)
	s.syncAppointment(ctx, v, scheduling.EventCheckedIn, "")
	span.SetAttributes(attribute.String("visit.id", v.ID.String()))
	s.logger.Info().
		Str("visit_id", v.ID.String()).
		Str("branch_id", v.BranchID.String()).
		Str("patient_id", v.PatientID.String()).
		Str("actor", in.Actor.ID).
		Msg("patient checked in")
	return v, nil
}

func (s *Service) checkAppointment(ctx context.Context, apptID, patientID uuid.UUID) error {
	if s.appointments != nil {
		_, err := s.appointments.CheckEligible(ctx, apptID, patientID)
		switch {
		case errors.Is(err, scheduling.ErrAppointmentNotFound):
			return validation("appointment %s not found", apptID)
		case errors.Is(err, scheduling.ErrIneligible):
			return validation("%s", err.Error())
		case err != nil:
			return fmt.Errorf("check appointment %s: %w", apptID, err)
		}
	}
	existing, err := s.repo.FindOpenByAppointment(ctx, apptID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("find visit for appointment %s: %w", apptID, err)
	}
	return validation("appointment %s is already checked in as visit %s", apptID, existing.ID)
}

// Cancel closes a visit without completing it.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (*Visit, error) {
	ctx, span := tracer.Start(ctx, "visit.Cancel", trace.WithAttributes(
		attribute.String("visit.id", in.VisitID.String()),
	))
	defer span.End()

	if in.ExpectedVersion < 1 {
		return nil, s.fail(span, "cancel", validation("expectedVersion is required"))
	}
	v, err := s.repo.Get(ctx, in.VisitID)
	if err != nil {
		return nil, s.fail(span, "cancel", err)
	}
	if v.Status.Terminal() {
		return nil, s.fail(span, "cancel", terminalState(v.Status))
	}
	if !in.Actor.Has(RoleFrontDesk) && !in.Actor.Has(RoleAdmin) {
		return nil, s.fail(span, "cancel", forbiddenAction(in.Actor.RoleFor(v.CurrentStage), "cancel visits"))
	}

	next, err := CancelVisit(v, in.Actor.ID, in.ExpectedVersion, in.Reason, s.now())
	if err != nil {
		return nil, s.fail(span, "cancel", err)
	}
	if err := s.repo.Save(ctx, next, in.ExpectedVersion); err != nil {
		return nil, s.fail(span, "cancel", err)
	}

	s.publish(ctx, next)
	s.syncAppointment(ctx, next, scheduling.EventCancelled, in.Reason)
	s.logger.Info().
		Str("visit_id", next.ID.String()).
		Str("branch_id", next.BranchID.String()).
		Str("stage", string(next.CurrentStage)).
		Str("actor", in.Actor.ID).
		Msg("visit cancelled")
	return next, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.repo.Get(ctx, id)
}

// History returns per-stage durations for audit.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]StageDuration, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.Durations(s.now()), nil
}

func (s *Service) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validation("unknown status %q", f.Status)
	}
	if f.Stage != "" && !f.Stage.Valid() {
		return nil, 0, validation("unknown stage %q", f.Stage)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) publish(ctx context.Context, v *Visit) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, notify.StageChanged{VisitID: v.ID, BranchID: v.BranchID})
}

// syncAppointment runs after the visit commit. Failures are logged and
// never undo the visit change.
func (s *Service) syncAppointment(ctx context.Context, v *Visit, evt scheduling.VisitEvent, reason string) {
	if s.appointments == nil || v.LinkedAppointmentID == nil {
		return
	}
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.appointments.ApplyVisitEvent(syncCtx, *v.LinkedAppointmentID, evt, reason); err != nil {
		s.logger.Warn().Err(err).
			Str("visit_id", v.ID.String()).
			Str("appointment_id", v.LinkedAppointmentID.String()).
			Str("event", string(evt)).
			Msg("appointment sync failed")
		if s.recorder != nil {
			s.recorder.AppointmentSyncFailed(string(evt))
		}
	}
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.recorder != nil {
		s.recorder.OperationFailed(op, ToErrorBody(err).Code)
	}
	return err
}
