// Package server maintains the multi-way identity index that answers "who is
// online and subscribed to what" for the rest of the system via the Registry
// type.
package server

import "sync"

// Registry is the single authority for connection↔session↔user mappings and
// per-room subscriber sets. All mutation happens under one mutex; readers get
// snapshots so no caller ever holds a reference into the live maps.
//
// Index invariants:
//   - a connection id appears in sessionConns[s] iff connSession[id] == s
//   - userSessions[u] contains s iff some live connection under s belongs to u
//   - closing a connection removes it from every index that referenced it
type Registry struct {
	mu sync.RWMutex

	connSession map[int64]string
	connUser    map[int64]int64
	connActive  map[int64]bool
	connRooms   map[int64]map[int64]struct{}

	sessionConns map[string]map[int64]struct{}
	userSessions map[int64]map[string]struct{}
	roomConns    map[int64]map[int64]struct{}

	// Session data cached per session id, shared by all connections under
	// that session and discarded when the last one closes.
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		connSession:  make(map[int64]string),
		connUser:     make(map[int64]int64),
		connActive:   make(map[int64]bool),
		connRooms:    make(map[int64]map[int64]struct{}),
		sessionConns: make(map[string]map[int64]struct{}),
		userSessions: make(map[int64]map[string]struct{}),
		roomConns:    make(map[int64]map[int64]struct{}),
		sessions:     make(map[string]*Session),
	}
}

// Register inserts a connection into all indices under the identity carried
// by sess. It returns ErrAlreadyRegistered if the connection id is already
// present; the existing entry is left untouched in that case.
func (r *Registry) Register(connID int64, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connSession[connID]; exists {
		return ErrAlreadyRegistered
	}

	r.connSession[connID] = sess.ID
	r.connUser[connID] = sess.UserID
	r.connActive[connID] = false

	if r.sessionConns[sess.ID] == nil {
		r.sessionConns[sess.ID] = make(map[int64]struct{})
	}
	r.sessionConns[sess.ID][connID] = struct{}{}

	if r.userSessions[sess.UserID] == nil {
		r.userSessions[sess.UserID] = make(map[string]struct{})
	}
	r.userSessions[sess.UserID][sess.ID] = struct{}{}

	r.sessions[sess.ID] = sess
	return nil
}

// Unregister removes a connection from every index and cascades cleanup of
// session and user entries that become empty. It returns the user id the
// connection belonged to and whether the connection had been counted as
// active, so the caller can reconcile presence counters. A second call for
// the same id is a no-op reporting ok=false; the transport layer may deliver
// close events at most once, but defensively double-closing must be safe.
func (r *Registry) Unregister(connID int64) (userID int64, wasActive bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, exists := r.connSession[connID]
	if !exists {
		return 0, false, false
	}

	userID = r.connUser[connID]
	wasActive = r.connActive[connID]

	delete(r.connSession, connID)
	delete(r.connUser, connID)
	delete(r.connActive, connID)

	for roomID := range r.connRooms[connID] {
		delete(r.roomConns[roomID], connID)
		if len(r.roomConns[roomID]) == 0 {
			delete(r.roomConns, roomID)
		}
	}
	delete(r.connRooms, connID)

	delete(r.sessionConns[sessionID], connID)
	if len(r.sessionConns[sessionID]) == 0 {
		delete(r.sessionConns, sessionID)
		delete(r.sessions, sessionID)

		delete(r.userSessions[userID], sessionID)
		if len(r.userSessions[userID]) == 0 {
			delete(r.userSessions, userID)
		}
	}

	return userID, wasActive, true
}

// MarkActive records that presence has been counted for the connection.
// Registration leaves the flag false, so a close after a failed presence
// increment never decrements a counter that was never incremented. Unknown
// connection ids are ignored.
func (r *Registry) MarkActive(connID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connSession[connID]; exists {
		r.connActive[connID] = true
	}
}

// SubscribeRoom adds roomID to the connection's subscription set. It is a
// no-op if the connection is already subscribed, and returns
// ErrUnknownConnection for a connection that is not registered.
func (r *Registry) SubscribeRoom(connID, roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connSession[connID]; !exists {
		return ErrUnknownConnection
	}

	if r.connRooms[connID] == nil {
		r.connRooms[connID] = make(map[int64]struct{})
	}
	r.connRooms[connID][roomID] = struct{}{}

	if r.roomConns[roomID] == nil {
		r.roomConns[roomID] = make(map[int64]struct{})
	}
	r.roomConns[roomID][connID] = struct{}{}
	return nil
}

// ConnectionsForRoom returns a snapshot of the connection ids currently
// subscribed to roomID. The result is nil when the room has no subscribers.
func (r *Registry) ConnectionsForRoom(roomID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.roomConns[roomID]
	if len(conns) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionsForUser returns a snapshot of the connection ids across all of
// the user's sessions. The result is nil when the user has no live connection.
func (r *Registry) ConnectionsForUser(userID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int64
	for sessionID := range r.userSessions[userID] {
		for connID := range r.sessionConns[sessionID] {
			ids = append(ids, connID)
		}
	}
	return ids
}

// SessionOf returns the session id recorded for a connection.
func (r *Registry) SessionOf(connID int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.connSession[connID]
	if !exists {
		return "", ErrUnknownConnection
	}
	return sessionID, nil
}

// UserOf returns the user id recorded for a connection.
func (r *Registry) UserOf(connID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, exists := r.connUser[connID]
	if !exists {
		return 0, ErrUnknownConnection
	}
	return userID, nil
}

// SessionData returns the cached session for a connection, used by the
// dispatcher to resolve caller identity without another store round trip.
func (r *Registry) SessionData(connID int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.connSession[connID]
	if !exists {
		return nil, ErrUnknownConnection
	}
	return r.sessions[sessionID], nil
}

// ConnectionCount reports how many connections are currently registered.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connSession)
}
