package core

import (
	"testing"

	"cipherroom/server/internal/protocol"
)

func TestSessionDeliverAndClose(t *testing.T) {
	sess := NewSession("conn-1", "127.0.0.1", 2)

	if !sess.Deliver(protocol.Message{Type: protocol.TypeError}) {
		t.Fatal("delivery into an open buffered queue should succeed")
	}

	sess.Close()
	sess.Close() // safe to repeat

	// The queued message is still drainable; then the channel closes.
	if msg, ok := <-sess.Outbound(); !ok || msg.Type != protocol.TypeError {
		t.Fatalf("expected queued frame, got ok=%v msg=%#v", ok, msg)
	}
	if _, ok := <-sess.Outbound(); ok {
		t.Fatal("channel should be closed after drain")
	}

	// Delivery to a closed session reports failure instead of panicking.
	if sess.Deliver(protocol.Message{Type: protocol.TypeError}) {
		t.Fatal("delivery to a closed session should fail")
	}
}

func TestSessionDeliverDropsWhenFull(t *testing.T) {
	sess := NewSession("conn-2", "127.0.0.1", 1)

	if !sess.Deliver(protocol.Message{Type: protocol.TypeSystemMessage}) {
		t.Fatal("first delivery should succeed")
	}
	// Nobody is draining; the second delivery times out and is dropped.
	if sess.Deliver(protocol.Message{Type: protocol.TypeSystemMessage}) {
		t.Fatal("delivery into a full queue should be dropped")
	}
	sess.Close()
}

func TestManagerSingleInstancePerRoom(t *testing.T) {
	st := testStore(t)
	m := NewManager(st)

	a, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if a != b {
		t.Fatal("same id should return the same instance")
	}

	other, err := m.Acquire("room-y")
	if err != nil {
		t.Fatalf("other room: %v", err)
	}
	if other == a {
		t.Fatal("distinct ids should return distinct instances")
	}

	// Returning one of two leases keeps the instance live.
	m.Release("room-x")
	c, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if c != a {
		t.Fatal("instance must survive while a lease is held")
	}

	// Returning every lease retires it; the next acquire builds fresh.
	m.Release("room-x")
	m.Release("room-x")
	d, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire after full release: %v", err)
	}
	if d == a {
		t.Fatal("retired instance should not be reused")
	}
	m.Release("room-x")
	m.Release("room-y")
}

func TestManagerLeaseHeldAcrossRegistration(t *testing.T) {
	st := testStore(t)
	m := NewManager(st)

	// First connection founds the room.
	r1, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	alice := join(t, r1, armoredKey(t, "Alice", "alice@example.org"), "")

	// A second connection takes its lease but has not registered yet.
	r2, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r2 != r1 {
		t.Fatal("held room must be the single live instance")
	}

	// The first connection leaves while the second is still in its
	// pre-registration window. Its release must not retire the instance.
	r1.Disconnect(alice)
	m.Release("room-x")

	carol := join(t, r2, armoredKey(t, "Carol", "carol@example.org"), "")

	r3, err := m.Acquire("room-x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r3 != r2 {
		t.Fatal("a leased room must stay the live instance for its id")
	}
	if n := r3.SessionCount(); n != 1 {
		t.Fatalf("session count = %d, want 1", n)
	}

	r2.Disconnect(carol)
	m.Release("room-x")
	m.Release("room-x")
}
