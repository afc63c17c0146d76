package visitclient

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 10 * time.Second
	minReconnectDelay   = 100 * time.Millisecond
	maxReconnectDelay   = 30 * time.Second
)

// RefreshFunc re-reads whatever the caller is displaying.
type RefreshFunc func(ctx context.Context) error

// Watcher keeps a view of one branch current. It refreshes on a timer and
// whenever the server pushes a stage change. At most one refresh runs at a
// time; a trigger that arrives while one is running is dropped, since the
// running refresh already reads fresh state.
type Watcher struct {
	client       *Client
	branchID     uuid.UUID
	refresh      RefreshFunc
	logger       zerolog.Logger
	running      atomic.Bool
	PollInterval time.Duration
	// ReconnectDelay is the first wait after the push connection drops.
	// It doubles per failure up to 30s and is never below 100ms.
	ReconnectDelay time.Duration
	dialer         *websocket.Dialer
}

func NewWatcher(client *Client, branchID uuid.UUID, refresh RefreshFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		client:         client,
		branchID:       branchID,
		refresh:        refresh,
		logger:         logger.With().Str("component", "watcher").Str("branch_id", branchID.String()).Logger(),
		PollInterval:   DefaultPollInterval,
		ReconnectDelay: time.Second,
		dialer:         websocket.DefaultDialer,
	}
}

// Trigger runs a refresh unless one is already in flight. It reports whether
// this call ran it.
func (w *Watcher) Trigger(ctx context.Context) bool {
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	defer w.running.Store(false)

	if err := w.refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("refresh failed")
	}
	return true
}

// Run refreshes once, then keeps polling and listening until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Trigger(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.listen(ctx)
	}()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-ticker.C:
			w.Trigger(ctx)
		}
	}
}

func (w *Watcher) listen(ctx context.Context) {
	delay := nextDelay(0, w.ReconnectDelay)
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = nextDelay(0, w.ReconnectDelay)
		}
		w.logger.Debug().Err(err).Dur("retry_in", delay).Msg("push connection lost, polling only")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, w.ReconnectDelay)
	}
}

// nextDelay returns the wait after cur; a zero cur starts from initial.
func nextDelay(cur, initial time.Duration) time.Duration {
	next := cur * 2
	if cur <= 0 {
		next = initial
	}
	if next < minReconnectDelay {
		next = minReconnectDelay
	}
	if next > maxReconnectDelay {
		next = maxReconnectDelay
	}
	return next
}

// session holds one websocket connection until it fails or ctx ends.
func (w *Watcher) session(ctx context.Context) (bool, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.client.WatchURL(w.branchID), w.client.requestHeader())
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// a change may have landed while disconnected
	w.Trigger(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var evt Event
		if json.Unmarshal(data, &evt) != nil || evt.BranchID != w.branchID {
			continue
		}
		w.Trigger(ctx)
	}
}
