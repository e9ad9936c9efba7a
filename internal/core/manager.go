package core

import (
	"log/slog"
	"sync"

	"cipherroom/server/internal/store"
)

// Manager owns the live Room instances. It guarantees at most one instance
// per room id, which is what lets each Room serialise its events with a
// plain mutex. Rooms are handed out as counted leases: every connection
// acquires before touching the room and releases when it is done, and the
// instance is dropped only when no connection holds it. Counting leases
// rather than registered sessions closes the window where a connection
// holds a room pointer it has not yet registered on.
type Manager struct {
	st *store.Store

	mu    sync.Mutex
	rooms map[string]*roomLease
}

type roomLease struct {
	room *Room
	refs int
}

func NewManager(st *store.Store) *Manager {
	return &Manager{st: st, rooms: make(map[string]*roomLease)}
}

// Acquire returns the coordinator for id, creating and loading it on first
// use, and takes one lease on it. Every Acquire must be paired with a
// Release once the caller is finished with the room.
func (m *Manager) Acquire(id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.rooms[id]; ok {
		l.refs++
		return l.room, nil
	}
	r, err := NewRoom(id, m.st)
	if err != nil {
		return nil, err
	}
	m.rooms[id] = &roomLease{room: r, refs: 1}
	slog.Debug("room instance created", "room_id", id)
	return r, nil
}

// Release returns one lease. The instance is dropped from the registry when
// the last lease goes; the next Acquire for that id starts from the durable
// state, which teardown has already cleared.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rooms[id]
	if !ok {
		return
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	delete(m.rooms, id)
	slog.Debug("room instance released", "room_id", id)
}

// RoomStats is a point-in-time view of one live room, used by the state
// endpoint and the CLI.
type RoomStats struct {
	RoomID     string `json:"roomId"`
	Sessions   int    `json:"sessions"`
	Relayed    uint64 `json:"relayed"`
	Broadcasts uint64 `json:"broadcasts"`
}

// Stats snapshots every live room.
func (m *Manager) Stats() []RoomStats {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, l := range m.rooms {
		rooms = append(rooms, l.room)
	}
	m.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		relayed, broadcasts, sessions := r.Stats()
		out = append(out, RoomStats{
			RoomID:     r.ID,
			Sessions:   sessions,
			Relayed:    relayed,
			Broadcasts: broadcasts,
		})
	}
	return out
}
