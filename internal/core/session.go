package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cipherroom/server/internal/protocol"
)

// SendTimeout bounds how long a delivery to one session may block.
const SendTimeout = 50 * time.Millisecond

// Session is one live websocket connection after (or awaiting) registration.
// It is owned by the room's session registry: created on upgrade, destroyed
// on disconnect, eviction, or kick. At most one Session per identity is
// registered at a time.
type Session struct {
	ConnID    string // transport-assigned, unique per connection
	Addr      string // remote network address, used by address bans
	Identity  string // key fingerprint, set at registration
	Name      string
	Email     string
	PublicKey string
	Role      protocol.Role

	send      chan protocol.Message
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession creates an unregistered session with a buffered outbound queue.
func NewSession(connID, addr string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Session{
		ConnID: connID,
		Addr:   addr,
		send:   make(chan protocol.Message, sendBuf),
	}
}

// Outbound returns the channel the transport writer drains. The channel is
// closed exactly once when the session ends; the writer should close the
// underlying connection when it sees the close.
func (s *Session) Outbound() <-chan protocol.Message {
	return s.send
}

// Close ends the session's outbound stream. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// Closed reports whether the session's outbound stream has ended.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Deliver queues one message for the session. Delivery is best-effort: a
// full queue or an already-closed session drops the message and reports
// false, never blocking the caller beyond SendTimeout.
func (s *Session) Deliver(msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.send <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("session delivery timeout", "conn_id", s.ConnID, "type", msg.Type)
		return false
	}
}
