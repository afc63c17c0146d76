package visit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/identity"
)

// PatientDirectory resolves patient summaries for queue rows.
type PatientDirectory interface {
	Summaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]identity.PatientSummary, error)
}

// QueueEntry is one row of a department queue. It is computed on every read.
type QueueEntry struct {
	Visit          *Visit                  `json:"visit"`
	Patient        identity.PatientSummary `json:"patient"`
	Stage          Stage                   `json:"stage"`
	WaitingSince   time.Time               `json:"waitingSince"`
	WaitingSeconds int64                   `json:"waitingSeconds"`
}

// Projector builds live department queues from the visit store.
type Projector struct {
	repo     Repository
	patients PatientDirectory
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProjector(repo Repository, patients PatientDirectory, logger zerolog.Logger) *Projector {
	return &Projector{
		repo:     repo,
		patients: patients,
		logger:   logger.With().Str("component", "queue").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// QueueForStage returns the queue for one stage. The front desk queue also
// holds visits returned to it.
func (p *Projector) QueueForStage(ctx context.Context, stage Stage, branchID uuid.UUID) ([]QueueEntry, error) {
	if !stage.Valid() || stage == StageCompleted {
		return nil, validation("%q is not a queue", stage)
	}
	stages := []Stage{stage}
	if stage == StageFrontDesk {
		stages = StagesForRole(RoleFrontDesk)
	}
	return p.Queue(ctx, stages, branchID)
}

// QueueForRole returns the queue a role works from. Admin sees every
// working stage.
func (p *Projector) QueueForRole(ctx context.Context, role string, branchID uuid.UUID) ([]QueueEntry, error) {
	stages := StagesForRole(role)
	if role == RoleAdmin {
		stages = workingStages()
	}
	if len(stages) == 0 {
		return nil, validation("role %q has no queue", role)
	}
	return p.Queue(ctx, stages, branchID)
}

// Queue lists open visits at the given stages of a branch, oldest first.
func (p *Projector) Queue(ctx context.Context, stages []Stage, branchID uuid.UUID) ([]QueueEntry, error) {
	if branchID == uuid.Nil {
		return nil, validation("branchId is required")
	}
	visits, err := p.repo.ListByStageAndBranch(ctx, stages, branchID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	entries := make([]QueueEntry, 0, len(visits))
	ids := make([]uuid.UUID, 0, len(visits))
	for _, v := range visits {
		if v.Status.Terminal() {
			continue
		}
		active, ok := v.ActiveEntry()
		if !ok {
			continue
		}
		entries = append(entries, QueueEntry{
			Visit:          v,
			Stage:          v.CurrentStage,
			WaitingSince:   active.EnteredAt,
			WaitingSeconds: int64(now.Sub(active.EnteredAt) / time.Second),
		})
		ids = append(ids, v.PatientID)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.WaitingSince.Equal(b.WaitingSince) {
			return a.WaitingSince.Before(b.WaitingSince)
		}
		return a.Visit.ID.String() < b.Visit.ID.String()
	})

	summaries := p.lookupPatients(ctx, ids)
	for i := range entries {
		pid := entries[i].Visit.PatientID
		if s, ok := summaries[pid]; ok {
			entries[i].Patient = s
		} else {
			entries[i].Patient = identity.UnknownSummary(pid)
		}
	}
	return entries, nil
}

func (p *Projector) lookupPatients(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]identity.PatientSummary {
	if p.patients == nil || len(ids) == 0 {
		return nil
	}
	summaries, err := p.patients.Summaries(ctx, ids)
	if err != nil {
		p.logger.Warn().Err(err).Int("patients", len(ids)).Msg("patient lookup failed; queue shows ids only")
		return nil
	}
	return summaries
}

func workingStages() []Stage {
	out := make([]Stage, 0, len(AllStages))
	for _, s := range AllStages {
		if s != StageCompleted {
			out = append(out, s)
		}
	}
	return out
}
