package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Subscriber is one connection's view of the hub: a buffered outbound queue plus its room set.
type Subscriber struct {
	id    string
	send  chan []byte
	rooms map[string]bool
}

func (s *Subscriber) ID() string { return s.id }

// C returns the outbound frame channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Hub fans room-scoped messages out to subscribers. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the frame and relies on polling to catch up.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]bool
	rooms  map[string]map[*Subscriber]bool
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscriber]bool),
		rooms:  make(map[string]map[*Subscriber]bool),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with no room memberships.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		id:    uuid.New().String(),
		send:  make(chan []byte, subscriberBuffer),
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.subs[s] = true
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s from every room and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.subs[s] {
		return
	}
	delete(h.subs, s)
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	close(s.send)
}

// Join adds s to room. Joining twice is a no-op.
func (h *Hub) Join(s *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.subs[s] {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscriber]bool)
	}
	h.rooms[room][s] = true
	s.rooms[room] = true
	h.logger.Debug("push: joined room", "subscriber", s.id, "room", room)
}

// Leave removes s from room. Leaving a room s is not in is a no-op.
func (h *Hub) Leave(s *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *Subscriber, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Publish delivers msg to every member of msg.Room. It implements Publisher.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	if msg.Room == "" {
		return fmt.Errorf("publish %s: empty room", msg.Type)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[msg.Room] {
		select {
		case s.send <- data:
		default:
			h.logger.Warn("push: subscriber buffer full, dropping frame", "subscriber", s.id, "room", msg.Room, "type", msg.Type)
		}
	}
	return nil
}

// Send queues a frame for a single subscriber, used for control replies such as pong.
func (h *Hub) Send(s *Subscriber, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.subs[s] {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// Stats reports connection and per-room membership counts.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomSizes := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		roomSizes[room] = len(members)
	}
	return map[string]any{
		"subscribers": len(h.subs),
		"rooms":       roomSizes,
	}
}
