package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OutboxEvent is one row of the visit_event outbox written alongside every
// visit save.
type OutboxEvent struct {
	EventID   uuid.UUID
	VisitID   uuid.UUID
	BranchID  uuid.UUID
	Origin    string
	CreatedAt time.Time
}

// OutboxStore reads and prunes the outbox. ListAfter pages in
// (CreatedAt, EventID) order, returning rows strictly after the given key.
type OutboxStore interface {
	ListAfter(ctx context.Context, after time.Time, afterID uuid.UUID, limit int) ([]OutboxEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RelayObserver receives relay activity for metrics.
type RelayObserver interface {
	EventsRelayed(n int)
	RelayPollFailed()
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Origin       string
	PollInterval time.Duration
	BatchSize    int
	// Lookback re-reads a short window behind the cursor so rows committed
	// slightly out of timestamp order are still seen.
	Lookback  time.Duration
	Retention time.Duration
	// MaxPages bounds the batches read by one poll; the next poll resumes.
	MaxPages int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Lookback <= 0 {
		c.Lookback = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	return c
}

// Relay republishes visit events written by other server instances onto the
// local bus. Events from its own origin were already published in-process
// and are skipped.
type Relay struct {
	store   OutboxStore
	pub     Publisher
	cfg     RelayConfig
	logger  zerolog.Logger
	now     func() time.Time
	running atomic.Bool
	obs     RelayObserver

	mu     sync.Mutex
	cursor time.Time
	seen   map[uuid.UUID]time.Time
	// resume holds the last key read when a poll ran out of pages.
	resume   time.Time
	resumeID uuid.UUID
}

func NewRelay(store OutboxStore, pub Publisher, cfg RelayConfig, logger zerolog.Logger) *Relay {
	return &Relay{
		store:  store,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "relay").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		seen:   make(map[uuid.UUID]time.Time),
	}
}

func (r *Relay) SetObserver(o RelayObserver) {
	r.obs = o
}

// Run polls until ctx is cancelled. Only events created after Run starts are
// relayed.
func (r *Relay) Run(ctx context.Context) {
	r.mu.Lock()
	if r.cursor.IsZero() {
		r.cursor = r.now()
	}
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(r.cfg.Retention / 4)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("outbox poll failed")
				if r.obs != nil {
					r.obs.RelayPollFailed()
				}
			}
		case <-cleanup.C:
			r.prune(ctx)
		}
	}
}

// Poll pages through the outbox from the lookback start and publishes
// foreign events. A call that overlaps a poll already in flight returns
// immediately with zero.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.running.Store(false)

	r.mu.Lock()
	after, afterID := r.cursor.Add(-r.cfg.Lookback), uuid.Nil
	if !r.resume.IsZero() {
		after, afterID = r.resume, r.resumeID
	}
	r.mu.Unlock()

	published, full := 0, false
	for page := 0; page < r.cfg.MaxPages; page++ {
		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		events, err := r.store.ListAfter(pollCtx, after, afterID, r.cfg.BatchSize)
		cancel()
		if err != nil {
			r.report(published)
			return published, err
		}
		if len(events) == 0 {
			break
		}

		for _, evt := range r.admit(events) {
			r.pub.Publish(ctx, StageChanged{VisitID: evt.VisitID, BranchID: evt.BranchID})
			published++
		}
		last := events[len(events)-1]
		after, afterID = last.CreatedAt, last.EventID
		full = len(events) == r.cfg.BatchSize
		if !full {
			break
		}
	}

	r.mu.Lock()
	r.resume, r.resumeID = time.Time{}, uuid.Nil
	if full {
		r.resume, r.resumeID = after, afterID
	}
	r.mu.Unlock()
	r.forget()
	r.report(published)
	return published, nil
}

// admit records a page as seen, advances the cursor and returns the foreign
// events not relayed before.
func (r *Relay) admit(events []OutboxEvent) []OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []OutboxEvent
	for _, evt := range events {
		if _, dup := r.seen[evt.EventID]; dup {
			continue
		}
		r.seen[evt.EventID] = evt.CreatedAt
		if evt.CreatedAt.After(r.cursor) {
			r.cursor = evt.CreatedAt
		}
		if evt.Origin != r.cfg.Origin {
			fresh = append(fresh, evt)
		}
	}
	return fresh
}

// forget drops seen ids that can no longer fall inside the lookback window.
func (r *Relay) forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	horizon := r.cursor.Add(-2 * r.cfg.Lookback)
	for id, at := range r.seen {
		if at.Before(horizon) {
			delete(r.seen, id)
		}
	}
}

func (r *Relay) report(published int) {
	if r.obs != nil && published > 0 {
		r.obs.EventsRelayed(published)
	}
}

func (r *Relay) prune(ctx context.Context) {
	pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	n, err := r.store.DeleteBefore(pruneCtx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn().Err(err).Msg("outbox cleanup failed")
		return
	}
	if n > 0 {
		r.logger.Debug().Int64("deleted", n).Msg("outbox pruned")
	}
}
