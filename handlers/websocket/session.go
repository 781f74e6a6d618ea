package websocket

import (
	"fmt"
	"sync"
	"time"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateInRoom
	StateLeaving
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateLeaving:
		return "leaving"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the per-connection record: identity once established, joined
// rooms, and the lifecycle state. All access goes through its mutex; event
// handlers for one connection may run concurrently.
type Session struct {
	id         string
	remoteAddr string

	mu           sync.Mutex
	state        State
	userID       string
	rooms        map[string]struct{}
	lastActivity time.Time
}

func NewSession(id, remoteAddr string) *Session {
	return &Session{
		id:           id,
		remoteAddr:   remoteAddr,
		state:        StateUnauthenticated,
		rooms:        make(map[string]struct{}),
		lastActivity: time.Now(),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the connection-level identity, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// BeginAuthenticating marks the connection as validating a credential.
func (s *Session) BeginAuthenticating() {
	s.mu.Lock()
	if s.state == StateUnauthenticated {
		s.state = StateAuthenticating
	}
	s.mu.Unlock()
}

// SetAuthenticated records the identity a validated credential resolved to.
// A later credential for a different user replaces the session identity;
// the per-message credential is authoritative.
func (s *Session) SetAuthenticated(userID string) {
	s.mu.Lock()
	s.userID = userID
	if s.state == StateUnauthenticated || s.state == StateAuthenticating {
		s.state = StateAuthenticated
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// EnterRoom transitions to InRoom after a join was authorized.
func (s *Session) EnterRoom(canvasID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == "" {
		return fmt.Errorf("connection %s entered room before authentication", s.id)
	}
	s.rooms[canvasID] = struct{}{}
	s.state = StateInRoom
	s.lastActivity = time.Now()
	return nil
}

// LeaveRoom drops one room, falling back to Authenticated when it was the
// last one.
func (s *Session) LeaveRoom(canvasID string) {
	s.mu.Lock()
	s.state = StateLeaving
	delete(s.rooms, canvasID)
	if len(s.rooms) == 0 {
		s.state = StateAuthenticated
	} else {
		s.state = StateInRoom
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// InRoom reports whether the connection has joined the given canvas.
func (s *Session) InRoom(canvasID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[canvasID]
	return ok
}

// Rooms snapshots the joined canvas ids.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for canvasID := range s.rooms {
		rooms = append(rooms, canvasID)
	}
	return rooms
}

// Disconnect terminates the session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()
}

// SessionRegistry tracks live sessions by connection id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) Add(session *Session) {
	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// RoomIndex is the explicit canvas -> connection membership map. Broadcast
// snapshots and room stats read it; joins, leaves and disconnects write it.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[string]map[string]string // canvas id -> conn id -> user id
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[string]map[string]string)}
}

func (idx *RoomIndex) Add(canvasID, connID, userID string) {
	idx.mu.Lock()
	members, ok := idx.rooms[canvasID]
	if !ok {
		members = make(map[string]string)
		idx.rooms[canvasID] = members
	}
	members[connID] = userID
	idx.mu.Unlock()
}

func (idx *RoomIndex) Remove(canvasID, connID string) {
	idx.mu.Lock()
	if members, ok := idx.rooms[canvasID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(idx.rooms, canvasID)
		}
	}
	idx.mu.Unlock()
}

// RemoveConn drops a connection from every room and returns the canvas ids
// it was in, so disconnect handling can notify each room once.
func (idx *RoomIndex) RemoveConn(connID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var left []string
	for canvasID, members := range idx.rooms {
		if _, ok := members[connID]; !ok {
			continue
		}
		delete(members, connID)
		left = append(left, canvasID)
		if len(members) == 0 {
			delete(idx.rooms, canvasID)
		}
	}
	return left
}

// UserPresent reports whether any live connection for the user remains in
// the canvas. Presence cleanup is per user, while the index is per
// connection; a user with a second tab open has not left.
func (idx *RoomIndex) UserPresent(canvasID, userID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, member := range idx.rooms[canvasID] {
		if member == userID {
			return true
		}
	}
	return false
}

// Counts reports the live connection count per canvas.
func (idx *RoomIndex) Counts() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[string]int, len(idx.rooms))
	for canvasID, members := range idx.rooms {
		counts[canvasID] = len(members)
	}
	return counts
}
