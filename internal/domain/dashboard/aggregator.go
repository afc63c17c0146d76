package dashboard

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/visitflow/internal/domain/billing"
	"github.com/ehr/visitflow/internal/domain/visit"
)

var errNoSource = errors.New("source not configured")

// VisitCounter is the visit store's counting query.
type VisitCounter interface {
	Count(ctx context.Context, f visit.CountFilter) (int, error)
}

type PatientCounter interface {
	CountRegistered(ctx context.Context, branchID uuid.UUID, from, to time.Time) (int, error)
}

type AppointmentCounter interface {
	CountBooked(ctx context.Context, branchID uuid.UUID, from, to time.Time) (int, error)
}

type TransactionTotals interface {
	Totals(ctx context.Context, branchID uuid.UUID, from, to time.Time) (billing.Totals, error)
}

// Recorder is told about counters that degraded to zero.
type Recorder interface {
	CounterDegraded(counter string)
}

// Sources are the read-only collaborators behind the counters. Any of them
// may be nil; its counters then read zero.
type Sources struct {
	Visits       VisitCounter
	Patients     PatientCounter
	Appointments AppointmentCounter
	Transactions TransactionTotals
}

// Aggregator computes role dashboards. Concurrent identical requests share
// one computation.
type Aggregator struct {
	src      Sources
	loc      *time.Location
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
	group    singleflight.Group
	// parallel caps concurrent counter queries per dashboard.
	parallel int
	timeout  time.Duration
}

func NewAggregator(src Sources, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		src:      src,
		loc:      time.UTC,
		logger:   logger.With().Str("component", "dashboard").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		parallel: 4,
		timeout:  10 * time.Second,
	}
}

// SetLocation sets the clinic time zone used for day, week and month boundaries.
func (a *Aggregator) SetLocation(loc *time.Location) {
	if loc != nil {
		a.loc = loc
	}
}

func (a *Aggregator) SetRecorder(r Recorder) {
	a.recorder = r
}

// Stats returns the dashboard for role at branchID over period.
func (a *Aggregator) Stats(ctx context.Context, branchID uuid.UUID, role string, period Period) (Stats, error) {
	if branchID == uuid.Nil {
		return Stats{}, ErrBranchRequired
	}
	role = strings.ToLower(role)
	kind, err := KindForRole(role)
	if err != nil {
		return Stats{}, err
	}
	period, err = ParsePeriod(string(period))
	if err != nil {
		return Stats{}, err
	}

	key := branchID.String() + "|" + role + "|" + string(period)
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		// shared by every waiter, so it must outlive the first caller
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.compute(c, branchID, role, kind, period), nil
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (a *Aggregator) compute(ctx context.Context, branchID uuid.UUID, role string, kind Kind, period Period) Stats {
	w := WindowFor(period, a.now(), a.loc)
	st := Stats{
		Kind:        kind,
		Role:        role,
		BranchID:    branchID,
		Period:      period,
		Window:      w,
		GeneratedAt: a.now(),
	}

	var plans []plan
	if kind == KindFrontDesk || kind == KindAdmin {
		st.FrontDesk = &FrontDeskStats{}
		plans = append(plans, a.frontDeskPlans(branchID, st.FrontDesk)...)
	}
	if kind == KindClinical || kind == KindAdmin {
		stages := clinicalStages(role)
		st.Clinical = &ClinicalStats{Stages: stages}
		plans = append(plans, a.clinicalPlans(branchID, stages, st.Clinical)...)
	}
	if kind == KindBilling || kind == KindAdmin {
		st.Billing = &BillingStats{}
		plans = append(plans, a.billingPlans(branchID, st.Billing)...)
	}

	st.Degraded = a.collect(ctx, plans, w)
	return st
}

// source counts something in [from, to).
type source func(ctx context.Context, from, to time.Time) (float64, error)

// plan fills one counter. When live is set the total is the live figure and
// trend only drives the change against the previous period.
type plan struct {
	name  string
	live  func(ctx context.Context) (float64, error)
	trend source
	dst   *Counter
}

func (a *Aggregator) collect(ctx context.Context, plans []plan, w Window) []string {
	var (
		mu       sync.Mutex
		degraded []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for _, p := range plans {
		g.Go(func() error {
			c, err := measure(gctx, p, w)
			if err != nil {
				a.logger.Warn().Err(err).Str("counter", p.name).Msg("dashboard counter degraded to zero")
				if a.recorder != nil {
					a.recorder.CounterDegraded(p.name)
				}
				mu.Lock()
				degraded = append(degraded, p.name)
				mu.Unlock()
				c = Counter{}
			}
			*p.dst = c
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(degraded)
	return degraded
}

func measure(ctx context.Context, p plan, w Window) (Counter, error) {
	cur, err := p.trend(ctx, w.From, w.To)
	if err != nil {
		return Counter{}, err
	}
	prev, err := p.trend(ctx, w.PrevFrom, w.PrevTo)
	if err != nil {
		return Counter{}, err
	}
	c := NewCounter(cur, prev)
	if p.live != nil {
		total, err := p.live(ctx)
		if err != nil {
			return Counter{}, err
		}
		c.Total = total
	}
	return c, nil
}

func (a *Aggregator) frontDeskPlans(branchID uuid.UUID, fd *FrontDeskStats) []plan {
	desk := []visit.Stage{visit.StageFrontDesk}
	returned := []visit.Stage{visit.StageReturnedToFrontDesk}
	return []plan{
		{name: "frontDesk.checkedInToday", trend: a.visitCount(visit.CountFilter{BranchID: branchID, CreatedOnly: true}), dst: &fd.CheckedInToday},
		{name: "frontDesk.waiting", live: a.waiting(branchID, desk), trend: a.arrivals(branchID, desk), dst: &fd.Waiting},
		{name: "frontDesk.returned", live: a.waiting(branchID, returned), trend: a.arrivals(branchID, returned), dst: &fd.Returned},
		{name: "frontDesk.newPatients", trend: a.newPatients(branchID), dst: &fd.NewPatients},
		{name: "frontDesk.appointments", trend: a.appointments(branchID), dst: &fd.Appointments},
	}
}

func (a *Aggregator) clinicalPlans(branchID uuid.UUID, stages []visit.Stage, cs *ClinicalStats) []plan {
	return []plan{
		{name: "clinical.waiting", live: a.waiting(branchID, stages), trend: a.arrivals(branchID, stages), dst: &cs.Waiting},
		{name: "clinical.handedOff", trend: a.visitCount(visit.CountFilter{BranchID: branchID, ExitedStages: stages}), dst: &cs.HandedOff},
		{name: "clinical.completedToday", trend: a.arrivals(branchID, []visit.Stage{visit.StageCompleted}), dst: &cs.CompletedToday},
	}
}

func (a *Aggregator) billingPlans(branchID uuid.UUID, bs *BillingStats) []plan {
	desk := []visit.Stage{visit.StageBilling}
	return []plan{
		{name: "billing.waiting", live: a.waiting(branchID, desk), trend: a.arrivals(branchID, desk), dst: &bs.Waiting},
		{name: "billing.completedToday", trend: a.arrivals(branchID, []visit.Stage{visit.StageCompleted}), dst: &bs.CompletedToday},
		{name: "billing.transactions", trend: a.transactions(branchID, func(t billing.Totals) float64 { return float64(t.Count) }), dst: &bs.Transactions},
		{name: "billing.revenue", trend: a.transactions(branchID, billing.Totals.Amount), dst: &bs.Revenue},
	}
}

// visitCount applies the window to a copy of f.
func (a *Aggregator) visitCount(f visit.CountFilter) source {
	return func(ctx context.Context, from, to time.Time) (float64, error) {
		if a.src.Visits == nil {
			return 0, errNoSource
		}
		f.From, f.To = from, to
		n, err := a.src.Visits.Count(ctx, f)
		return float64(n), err
	}
}

func (a *Aggregator) arrivals(branchID uuid.UUID, stages []visit.Stage) source {
	return a.visitCount(visit.CountFilter{BranchID: branchID, EnteredStages: stages})
}

func (a *Aggregator) waiting(branchID uuid.UUID, stages []visit.Stage) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		if a.src.Visits == nil {
			return 0, errNoSource
		}
		n, err := a.src.Visits.Count(ctx, visit.CountFilter{
			BranchID: branchID,
			Stages:   stages,
			Status:   visit.StatusInProgress,
		})
		return float64(n), err
	}
}

func (a *Aggregator) newPatients(branchID uuid.UUID) source {
	return func(ctx context.Context, from, to time.Time) (float64, error) {
		if a.src.Patients == nil {
			return 0, errNoSource
		}
		n, err := a.src.Patients.CountRegistered(ctx, branchID, from, to)
		return float64(n), err
	}
}

func (a *Aggregator) appointments(branchID uuid.UUID) source {
	return func(ctx context.Context, from, to time.Time) (float64, error) {
		if a.src.Appointments == nil {
			return 0, errNoSource
		}
		n, err := a.src.Appointments.CountBooked(ctx, branchID, from, to)
		return float64(n), err
	}
}

func (a *Aggregator) transactions(branchID uuid.UUID, pick func(billing.Totals) float64) source {
	return func(ctx context.Context, from, to time.Time) (float64, error) {
		if a.src.Transactions == nil {
			return 0, errNoSource
		}
		t, err := a.src.Transactions.Totals(ctx, branchID, from, to)
		if err != nil {
			return 0, err
		}
		return pick(t), nil
	}
}

// clinicalStages returns the stages a clinical role works; admin and
// unknown roles get every clinical stage.
func clinicalStages(role string) []visit.Stage {
	switch role {
	case visit.RoleNurse, visit.RoleDoctor, visit.RoleLab, visit.RolePharmacist:
		return visit.StagesForRole(role)
	}
	return []visit.Stage{visit.StageNurse, visit.StageDoctor, visit.StageLab, visit.StagePharmacy}
}
