// Package relay fans contract events and per-session notifications out to
// connected websocket sessions.
package relay

import (
	"log/slog"
	"sync"

	"lendbridge/observability"
)

const defaultOutboxSize = 64

// Message is one outbound frame. ID echoes the request it answers and is
// empty for broadcasts.
type Message struct {
	Event string      `json:"event"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Subscriber is a session's bounded outbox.
type Subscriber struct {
	id   string
	out  chan Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// ID returns the session ID the subscriber was registered under.
func (s *Subscriber) ID() string { return s.id }

// Messages yields queued frames for the session writer.
func (s *Subscriber) Messages() <-chan Message { return s.out }

// Done is closed once the hub drops or unregisters the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Hub is the registry of session outboxes.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose outboxes hold buffer frames each.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]*Subscriber),
		buffer: buffer,
		logger: logger.With("component", "relay"),
	}
}

// Register creates the outbox for sessionID, closing any previous
// subscriber registered under the same ID.
func (h *Hub) Register(sessionID string) *Subscriber {
	sub := &Subscriber{
		id:   sessionID,
		out:  make(chan Message, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	previous := h.subs[sessionID]
	h.subs[sessionID] = sub
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	return sub
}

// Unregister removes and closes the session's outbox.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	sub := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Len reports the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast offers msg to every registered session and returns how many
// accepted it. Sessions that cannot accept are dropped.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.offer(msg) {
			delivered++
			continue
		}
		h.drop(sub, msg.Event)
	}
	return delivered
}

// Send offers msg to a single session. It reports false when the session is
// gone or had to be dropped.
func (h *Hub) Send(sessionID string, msg Message) bool {
	h.mu.RLock()
	sub := h.subs[sessionID]
	h.mu.RUnlock()
	if sub == nil {
		return false
	}
	if sub.offer(msg) {
		return true
	}
	h.drop(sub, msg.Event)
	return false
}

func (h *Hub) drop(sub *Subscriber, event string) {
	h.mu.Lock()
	if h.subs[sub.id] == sub {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
	sub.close()
	observability.Events().RecordDrop()
	h.logger.Warn("dropping session that cannot keep up", "session", sub.id, "event", event)
}
