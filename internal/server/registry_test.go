package server

import (
	"errors"
	"sort"
	"testing"
)

func testSession(id string, userID int64) *Session {
	return &Session{ID: id, UserID: userID, UserName: "user", UserAvatar: ""}
}

func sortedIDs(ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// TestRegistryRegisterAndLookups verifies that a registered connection is
// visible through every lookup the registry offers.
func TestRegistryRegisterAndLookups(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(1, testSession("s1", 42)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	sessionID, err := r.SessionOf(1)
	if err != nil || sessionID != "s1" {
		t.Errorf("SessionOf(1) = %q, %v; want \"s1\", nil", sessionID, err)
	}

	userID, err := r.UserOf(1)
	if err != nil || userID != 42 {
		t.Errorf("UserOf(1) = %d, %v; want 42, nil", userID, err)
	}

	conns := r.ConnectionsForUser(42)
	if len(conns) != 1 || conns[0] != 1 {
		t.Errorf("ConnectionsForUser(42) = %v; want [1]", conns)
	}

	sess, err := r.SessionData(1)
	if err != nil || sess.ID != "s1" {
		t.Errorf("SessionData(1) = %v, %v; want session s1", sess, err)
	}
}

// TestRegistryDuplicateRegister verifies that registering the same connection
// id twice fails and leaves the original entry untouched.
func TestRegistryDuplicateRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(1, testSession("s1", 42)); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register(1, testSession("s2", 7)); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register = %v; want ErrAlreadyRegistered", err)
	}

	if userID, _ := r.UserOf(1); userID != 42 {
		t.Errorf("UserOf(1) = %d after duplicate register; want 42", userID)
	}
}

// TestRegistryUnknownConnectionLookups verifies that lookups for an
// unregistered id fail with ErrUnknownConnection.
func TestRegistryUnknownConnectionLookups(t *testing.T) {
	r := NewRegistry()

	if _, err := r.SessionOf(99); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SessionOf(99) error = %v; want ErrUnknownConnection", err)
	}
	if _, err := r.UserOf(99); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("UserOf(99) error = %v; want ErrUnknownConnection", err)
	}
	if _, err := r.SessionData(99); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SessionData(99) error = %v; want ErrUnknownConnection", err)
	}
	if err := r.SubscribeRoom(99, 7); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SubscribeRoom(99, 7) error = %v; want ErrUnknownConnection", err)
	}
}

// TestRegistryUnregisterCascade verifies that closing the last connection of
// a session drops the session, and the last session of a user drops the user.
func TestRegistryUnregisterCascade(t *testing.T) {
	r := NewRegistry()

	// Two tabs on one session, plus the same user on a second session.
	if err := r.Register(1, testSession("s1", 42)); err != nil {
		t.Fatalf("Register(1) failed: %v", err)
	}
	if err := r.Register(2, testSession("s1", 42)); err != nil {
		t.Fatalf("Register(2) failed: %v", err)
	}
	if err := r.Register(3, testSession("s2", 42)); err != nil {
		t.Fatalf("Register(3) failed: %v", err)
	}

	got := sortedIDs(r.ConnectionsForUser(42))
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("ConnectionsForUser(42) = %v; want [1 2 3]", got)
	}

	r.MarkActive(1)

	userID, wasActive, ok := r.Unregister(1)
	if !ok || userID != 42 || !wasActive {
		t.Fatalf("Unregister(1) = (%d, %t, %t); want (42, true, true)", userID, wasActive, ok)
	}

	// Session s1 still has connection 2, so the user keeps both sessions.
	got = sortedIDs(r.ConnectionsForUser(42))
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("ConnectionsForUser(42) = %v after one close; want [2 3]", got)
	}

	r.Unregister(2)
	r.Unregister(3)

	if conns := r.ConnectionsForUser(42); len(conns) != 0 {
		t.Errorf("ConnectionsForUser(42) = %v after closing all; want empty", conns)
	}
	if count := r.ConnectionCount(); count != 0 {
		t.Errorf("ConnectionCount() = %d after closing all; want 0", count)
	}
}

// TestRegistryActiveOnlyAfterMark verifies that a connection reports
// wasActive only once MarkActive has recorded a successful presence count.
// A connection whose presence increment never happened must close with
// wasActive false.
func TestRegistryActiveOnlyAfterMark(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(1, testSession("s1", 42)); err != nil {
		t.Fatalf("Register(1) failed: %v", err)
	}
	if err := r.Register(2, testSession("s1", 42)); err != nil {
		t.Fatalf("Register(2) failed: %v", err)
	}
	r.MarkActive(2)
	r.MarkActive(99) // unknown id, ignored

	if _, wasActive, ok := r.Unregister(1); !ok || wasActive {
		t.Errorf("Unregister(1) wasActive = %t; want false for an unmarked connection", wasActive)
	}
	if _, wasActive, ok := r.Unregister(2); !ok || !wasActive {
		t.Errorf("Unregister(2) wasActive = %t; want true after MarkActive", wasActive)
	}
}

// TestRegistryUnregisterIdempotent verifies that a second unregister for the
// same connection id is a safe no-op.
func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(1, testSession("s1", 42)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, ok := r.Unregister(1); !ok {
		t.Fatal("first Unregister reported ok=false")
	}
	if userID, wasActive, ok := r.Unregister(1); ok || userID != 0 || wasActive {
		t.Errorf("second Unregister = (%d, %t, %t); want (0, false, false)", userID, wasActive, ok)
	}
}

// TestRegistryRoomSubscriptions verifies subscribe/close interleavings:
// ConnectionsForRoom returns exactly the currently subscribed, not yet
// closed connections.
func TestRegistryRoomSubscriptions(t *testing.T) {
	r := NewRegistry()

	for connID := int64(1); connID <= 3; connID++ {
		if err := r.Register(connID, testSession("s", 0)); err != nil {
			t.Fatalf("Register(%d) failed: %v", connID, err)
		}
	}

	if err := r.SubscribeRoom(1, 7); err != nil {
		t.Fatalf("SubscribeRoom(1, 7) failed: %v", err)
	}
	if err := r.SubscribeRoom(2, 7); err != nil {
		t.Fatalf("SubscribeRoom(2, 7) failed: %v", err)
	}
	// Duplicate subscription is a no-op.
	if err := r.SubscribeRoom(1, 7); err != nil {
		t.Fatalf("duplicate SubscribeRoom failed: %v", err)
	}

	got := sortedIDs(r.ConnectionsForRoom(7))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("ConnectionsForRoom(7) = %v; want [1 2]", got)
	}

	// Closing a subscriber removes it from the room; connection 3 never
	// subscribed and must not appear at any point.
	r.Unregister(1)
	got = r.ConnectionsForRoom(7)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("ConnectionsForRoom(7) = %v after close; want [2]", got)
	}

	r.Unregister(2)
	if conns := r.ConnectionsForRoom(7); len(conns) != 0 {
		t.Errorf("ConnectionsForRoom(7) = %v after all closed; want empty", conns)
	}
}

// TestRegistrySessionDataSharedAcrossTabs verifies that two connections on
// the same session share the cached session data and that it survives until
// the last of them closes.
func TestRegistrySessionDataSharedAcrossTabs(t *testing.T) {
	r := NewRegistry()
	sess := testSession("s1", 42)

	if err := r.Register(1, sess); err != nil {
		t.Fatalf("Register(1) failed: %v", err)
	}
	if err := r.Register(2, sess); err != nil {
		t.Fatalf("Register(2) failed: %v", err)
	}

	r.Unregister(1)

	got, err := r.SessionData(2)
	if err != nil {
		t.Fatalf("SessionData(2) failed: %v", err)
	}
	if got != sess {
		t.Error("SessionData(2) does not return the shared session after sibling close")
	}
}
