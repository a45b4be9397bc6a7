// Package rooms tracks which push rooms an observer needs and keeps the connection joined to exactly those.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jobwatch/jobwatch/internal/push"
)

// Transport sends membership control frames on the push connection.
type Transport interface {
	JoinUser(ctx context.Context, userID string) error
	JoinRoom(ctx context.Context, room string) error
	LeaveRoom(ctx context.Context, room string) error
}

// Manager reference-counts room interest. The first observer of a room joins it and
// the last one to leave releases it. The counts are the desired membership: a transport
// error is returned to the caller but the interest is kept, so Rejoin restores it.
//
// Interest is tracked under mu, which is never held across a transport call. Transport
// calls are serialized under netMu and always converge on the current interest, so a
// slow connection never blocks Hold, Release or Observed.
type Manager struct {
	transport Transport
	logger    *slog.Logger

	mu         sync.Mutex
	userID     string
	userJoined bool
	refs       map[string]int

	netMu  sync.Mutex
	joined map[string]bool
}

func NewManager(transport Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		logger:    logger,
		refs:      make(map[string]int),
		joined:    make(map[string]bool),
	}
}

// JoinUserRoom joins the caller's notification room once per connection.
func (m *Manager) JoinUserRoom(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("join user room: empty user id")
	}
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.mu.Lock()
	if m.userJoined && m.userID == userID {
		m.mu.Unlock()
		return nil
	}
	m.userID = userID
	m.mu.Unlock()

	if err := m.transport.JoinUser(ctx, userID); err != nil {
		return fmt.Errorf("join user room: %w", err)
	}
	m.mu.Lock()
	m.userJoined = true
	m.mu.Unlock()
	m.logger.Debug("rooms: joined user room", "user_id", userID)
	return nil
}

// JoinRoom registers one more observer of room, joining it on the first reference.
func (m *Manager) JoinRoom(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("join room: empty room")
	}
	if !m.Hold(room) {
		return nil
	}
	return m.Sync(ctx, room)
}

// LeaveRoom drops one observer of room, leaving it when none remain.
// Releasing a room that is not held is a no-op.
func (m *Manager) LeaveRoom(ctx context.Context, room string) error {
	if !m.Release(room) {
		return nil
	}
	return m.Sync(ctx, room)
}

// Hold registers interest in room without touching the connection.
// It reports whether this is the first reference, in which case the caller owes a Sync.
func (m *Manager) Hold(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[room]++
	return m.refs[room] == 1
}

// Release drops one reference to room without touching the connection.
// It reports whether this was the last reference, in which case the caller owes a Sync.
func (m *Manager) Release(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.refs[room]
	switch {
	case !ok:
		return false
	case n > 1:
		m.refs[room] = n - 1
		return false
	}
	delete(m.refs, room)
	return true
}

// Sync joins or leaves room so the connection matches the interest held at call time.
// Concurrent Syncs for the same room settle on the latest interest whatever order they run in.
func (m *Manager) Sync(ctx context.Context, room string) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.mu.Lock()
	want := m.refs[room] > 0
	m.mu.Unlock()

	if want == m.joined[room] {
		return nil
	}
	if want {
		if err := m.transport.JoinRoom(ctx, room); err != nil {
			return fmt.Errorf("join room %s: %w", room, err)
		}
		m.joined[room] = true
		m.logger.Debug("rooms: joined", "room", room)
		return nil
	}
	if err := m.transport.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("leave room %s: %w", room, err)
	}
	delete(m.joined, room)
	m.logger.Debug("rooms: left", "room", room)
	return nil
}

// Reset forgets connection-scoped state after the push connection drops.
// Desired membership is kept for Rejoin.
func (m *Manager) Reset() {
	m.netMu.Lock()
	clear(m.joined)
	m.netMu.Unlock()

	m.mu.Lock()
	m.userJoined = false
	m.mu.Unlock()
}

// Rejoin replays the user room and every held room on a fresh connection.
func (m *Manager) Rejoin(ctx context.Context) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.mu.Lock()
	userID := m.userID
	rooms := m.sortedRoomsLocked()
	m.mu.Unlock()

	var errs []error
	if userID != "" {
		if err := m.transport.JoinUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("rejoin user room: %w", err))
		} else {
			m.mu.Lock()
			m.userJoined = true
			m.mu.Unlock()
		}
	}
	for _, room := range rooms {
		if err := m.transport.JoinRoom(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("rejoin room %s: %w", room, err))
			continue
		}
		m.joined[room] = true
	}
	if len(errs) == 0 {
		m.logger.Info("rooms: rejoined", "rooms", len(rooms), "user_room", userID != "")
	}
	return errors.Join(errs...)
}

// Observed reports whether events addressed to room are of interest.
func (m *Manager) Observed(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID != "" && room == push.UserRoom(m.userID) {
		return true
	}
	return m.refs[room] > 0
}

// Rooms returns the held rooms in sorted order.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRoomsLocked()
}

func (m *Manager) sortedRoomsLocked() []string {
	rooms := make([]string, 0, len(m.refs))
	for room := range m.refs {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}
