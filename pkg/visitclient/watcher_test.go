package visitclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestWatcher_TriggerIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	w := NewWatcher(New(Config{}), branchID, func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}, zerolog.Nop())

	done := make(chan bool)
	go func() { done <- w.Trigger(context.Background()) }()
	<-started

	if w.Trigger(context.Background()) {
		t.Error("overlapping trigger ran")
	}
	close(release)
	if !<-done {
		t.Error("first trigger reported not running")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWatcher_Polls(t *testing.T) {
	var calls atomic.Int32
	w := NewWatcher(New(Config{BaseURL: "http://127.0.0.1:1"}), branchID, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, zerolog.Nop())
	w.PollInterval = 10 * time.Millisecond
	w.ReconnectDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-finished
	if calls.Load() < 3 {
		t.Errorf("calls = %d, want at least 3", calls.Load())
	}
}

func TestWatcher_RefreshesOnPush(t *testing.T) {
	push := make(chan Event, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("branch_id") != branchID.String() {
			http.Error(rw, "branch", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for evt := range push {
			if conn.WriteJSON(evt) != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var calls atomic.Int32
	w := NewWatcher(New(Config{BaseURL: srv.URL}), branchID, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, zerolog.Nop())
	w.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	waitCalls := func(n int32) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for calls.Load() < n {
			if time.Now().After(deadline) {
				t.Fatalf("calls = %d, want %d", calls.Load(), n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	// initial refresh plus the one on connect
	waitCalls(2)

	push <- Event{Type: "stageChanged", VisitID: uuid.New(), BranchID: uuid.New()}
	push <- Event{Type: "stageChanged", VisitID: uuid.New(), BranchID: branchID}
	waitCalls(3)

	cancel()
	close(push)
	<-finished
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3; the foreign-branch frame must not refresh", got)
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name    string
		cur     time.Duration
		initial time.Duration
		want    time.Duration
	}{
		{"start", 0, time.Second, time.Second},
		{"zero initial is clamped", 0, 0, minReconnectDelay},
		{"negative initial is clamped", 0, -time.Second, minReconnectDelay},
		{"doubles", time.Second, time.Second, 2 * time.Second},
		{"doubles from the floor", minReconnectDelay, 0, 2 * minReconnectDelay},
		{"capped", 20 * time.Second, time.Second, maxReconnectDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextDelay(tt.cur, tt.initial); got != tt.want {
				t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.cur, tt.initial, got, tt.want)
			}
		})
	}
}

func TestWatcher_ZeroReconnectDelayBacksOff(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(rw, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWatcher(New(Config{BaseURL: srv.URL}), branchID, func(ctx context.Context) error { return nil }, zerolog.Nop())
	w.ReconnectDelay = 0

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	w.listen(ctx)

	// 0, 100ms and 300ms with the floor; an unclamped loop dials hundreds of times
	if n := dials.Load(); n > 3 {
		t.Errorf("dialed %d times in 250ms", n)
	}
}
