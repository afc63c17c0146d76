// Package websocket pushes visit stage changes to browser sessions. Each
// session follows one or more branches; the hub receives events from the
// notification bus and forwards them to the sessions of that branch.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/notify"
)

const EventStageChanged = "stageChanged"

// Event is the frame written to sessions. It names the visit only; the
// browser re-reads the visit or queue it is showing.
type Event struct {
	Type     string    `json:"type"`
	VisitID  uuid.UUID `json:"visitId"`
	BranchID uuid.UUID `json:"branchId"`
	At       time.Time `json:"at"`
}

// ClientMessage is an inbound frame changing the branches a session follows.
type ClientMessage struct {
	Action   string   `json:"action"`
	Branches []string `json:"branches"`
}

// Subscriber is the read side of the notification bus.
type Subscriber interface {
	Subscribe(id string, branchID uuid.UUID, handler notify.Handler) bool
	Unsubscribe(id string) bool
}

// SessionObserver is told when sessions open and close.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Client is one websocket session. A non-empty Home pins the session to that
// branch; subscribe frames naming any other branch are ignored.
type Client struct {
	ID     string
	Home   string
	Topics []string
	Send   chan []byte
}

func NewClient(topics ...string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Topics: topics,
		Send:   make(chan []byte, 64),
	}
}

// Hub tracks sessions by branch topic.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // branch -> sessions
	all      map[*Client]struct{}
	closed   bool
	logger   zerolog.Logger
	observer SessionObserver
	now      func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) SetObserver(o SessionObserver) {
	h.observer = o
}

// Attach subscribes the hub to every branch on the bus. The returned func
// detaches it.
func (h *Hub) Attach(bus Subscriber) func() {
	id := "websocket-hub-" + uuid.NewString()
	bus.Subscribe(id, uuid.Nil, func(_ context.Context, evt notify.StageChanged) {
		h.Broadcast(Event{
			Type:     EventStageChanged,
			VisitID:  evt.VisitID,
			BranchID: evt.BranchID,
			At:       h.now(),
		})
	})
	return func() { bus.Unsubscribe(id) }
}

// Register adds a session under its initial topics. It reports false once
// the hub is closed.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs.SessionOpened()
	}
	return true
}

// Unregister removes a session and closes its Send channel. Calling it
// twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs.SessionClosed()
	}
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if hasTopic(client.Topics, topic) || !client.allows(topic) {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (c *Client) allows(topic string) bool {
	return c.Home == "" || c.Home == topic
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if hasTopic(topics, t) {
			h.remove(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

// ProcessMessage applies a subscribe or unsubscribe frame. Branch ids that
// do not parse are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	topics := make([]string, 0, len(msg.Branches))
	for _, b := range msg.Branches {
		id, err := uuid.Parse(b)
		if err != nil || id == uuid.Nil {
			continue
		}
		topics = append(topics, id.String())
	}
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, topics)
	case "unsubscribe":
		h.Unsubscribe(client, topics)
	}
}

// Broadcast queues evt for every session following its branch and returns
// the number of sessions reached. A session whose buffer is full misses the
// frame; its own polling picks the change up.
func (h *Hub) Broadcast(evt Event) int {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[evt.BranchID.String()] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Debug().Str("session", client.ID).Msg("session buffer full, frame dropped")
		}
	}
	return sent
}

// Close disconnects every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// add and remove expect h.mu held.
func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

func hasTopic(topics []string, t string) bool {
	for _, x := range topics {
		if x == t {
			return true
		}
	}
	return false
}
