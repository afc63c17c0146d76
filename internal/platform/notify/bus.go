// Package notify fans out "visit stage changed" notifications to the
// dashboards, websocket sessions and relays that are currently listening.
//
// Events carry identifiers only. Listeners re-read the visit or queue rather
// than trusting a pushed snapshot, and every listener also polls, so a missed
// event is harmless. Nothing is persisted or replayed.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StageChanged is the only event type on the bus.
type StageChanged struct {
	VisitID  uuid.UUID `json:"visitId"`
	BranchID uuid.UUID `json:"branchId"`
}

// Handler receives events. It runs on the publisher's goroutine and must not
// block; hand long work off to another goroutine.
type Handler func(ctx context.Context, evt StageChanged)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, evt StageChanged) int
}

// Observer receives bus activity for metrics.
type Observer interface {
	EventPublished(delivered int)
	SubscribersChanged(n int)
}

type subscription struct {
	id       string
	branchID uuid.UUID
	handler  Handler
}

// Bus is an in-process fan-out notifier. Subscribe and Unsubscribe are
// idempotent per subscriber id.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*subscription
	logger   zerolog.Logger
	observer Observer
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// SetObserver attaches an optional metrics observer.
func (b *Bus) SetObserver(o Observer) {
	b.mu.Lock()
	b.observer = o
	b.mu.Unlock()
}

// Subscribe registers handler under id for events of branchID (uuid.Nil
// receives every branch). Subscribing an id that is already registered is a
// no-op and returns false; the original registration stays in place.
func (b *Bus) Subscribe(id string, branchID uuid.UUID, handler Handler) bool {
	b.mu.Lock()
	if _, ok := b.subs[id]; ok {
		b.mu.Unlock()
		return false
	}
	b.subs[id] = &subscription{id: id, branchID: branchID, handler: handler}
	n, obs := len(b.subs), b.observer
	b.mu.Unlock()

	if obs != nil {
		obs.SubscribersChanged(n)
	}
	return true
}

// Unsubscribe removes id. Removing an unknown id is a no-op and returns false.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	if _, ok := b.subs[id]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.subs, id)
	n, obs := len(b.subs), b.observer
	b.mu.Unlock()

	if obs != nil {
		obs.SubscribersChanged(n)
	}
	return true
}

// Publish delivers evt to every matching subscriber registered at the time
// of the call and returns how many handlers ran. Handlers run outside the
// lock, so a handler may subscribe or unsubscribe.
func (b *Bus) Publish(ctx context.Context, evt StageChanged) int {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.branchID == uuid.Nil || s.branchID == evt.BranchID {
			targets = append(targets, s)
		}
	}
	obs := b.observer
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if b.deliver(ctx, s, evt) {
			delivered++
		}
	}
	if obs != nil {
		obs.EventPublished(delivered)
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, s *subscription, evt StageChanged) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", s.id).
				Str("visit_id", evt.VisitID.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("subscriber panicked")
			ok = false
		}
	}()
	s.handler(ctx, evt)
	return true
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribed reports whether id is registered.
func (b *Bus) Subscribed(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[id]
	return ok
}
