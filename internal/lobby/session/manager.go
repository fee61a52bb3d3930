// Package session tracks control connections and the identities logged in on them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/gamestore/internal/protocol/frame"
	"github.com/cory-johannsen/gamestore/internal/storage"
)

var (
	// ErrAlreadyOnline is returned when an identity is held by another live session.
	ErrAlreadyOnline = errors.New("this account is already online")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is the per-connection state. Its fields are mutated only through
// Manager methods.
type Session struct {
	// ID identifies the session in logs.
	ID uuid.UUID
	// Conn is the framed control connection, owned by this session.
	Conn *frame.Conn
	// State is the login state.
	State State
	// Username is the logged-in identity, empty while CONNECTED.
	Username string
	// Role is the logged-in role, empty while CONNECTED.
	Role storage.Role
	// RoomID is the current room, 0 when outside a room.
	RoomID int
}

// Key returns the registry key of the session's identity.
func (s *Session) Key() Key {
	return Key{Role: s.Role, Username: s.Username}
}

// Key is a role-scoped identity.
type Key struct {
	Role     storage.Role
	Username string
}

// Manager tracks every open session and the identity index.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	online   map[Key]*Session
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		online:   make(map[Key]*Session),
	}
}

// Open registers a new CONNECTED session for conn.
//
// Postcondition: Returns a session with a fresh ID.
func (m *Manager) Open(conn *frame.Conn) *Session {
	s := &Session{ID: uuid.New(), Conn: conn, State: StateConnected}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close forgets a session and releases its identity.
//
// Precondition: Any room departure must already have been performed.
// Postcondition: The session and its identity key are no longer registered.
func (m *Manager) Close(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if s.State != StateConnected && m.online[s.Key()] == s {
		delete(m.online, s.Key())
	}
	delete(m.sessions, id)
	return s, true
}

// Login stamps an identity on a CONNECTED session.
//
// Precondition: Credentials have been verified by the caller.
// Postcondition: The session is LOGGED_IN and owns the (role, username) key.
// Re-login as the identity the session already holds succeeds without change.
// Returns ErrAlreadyOnline if another session holds the key and
// ErrInvalidTransition if the session holds a different identity.
func (m *Manager) Login(id uuid.UUID, username string, role storage.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	key := Key{Role: role, Username: username}
	if holder, held := m.online[key]; held {
		if holder == s {
			return nil
		}
		return ErrAlreadyOnline
	}
	if !CanTransition(s.State, StateLoggedIn) {
		return fmt.Errorf("login from %s: %w", s.State, ErrInvalidTransition)
	}

	s.Username = username
	s.Role = role
	s.State = StateLoggedIn
	m.online[key] = s
	return nil
}

// Logout releases the session's identity.
//
// Precondition: The session is LOGGED_IN; callers leave any room first.
// Postcondition: The session is CONNECTED with no identity.
func (m *Manager) Logout(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !CanTransition(s.State, StateConnected) {
		return fmt.Errorf("logout from %s: %w", s.State, ErrInvalidTransition)
	}
	if m.online[s.Key()] == s {
		delete(m.online, s.Key())
	}
	s.Username = ""
	s.Role = ""
	s.State = StateConnected
	return nil
}

// EnterRoom records room membership.
//
// Precondition: The session is LOGGED_IN and roomID > 0.
// Postcondition: The session is IN_ROOM with RoomID set.
func (m *Manager) EnterRoom(id uuid.UUID, roomID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !CanTransition(s.State, StateInRoom) {
		return fmt.Errorf("enter room from %s: %w", s.State, ErrInvalidTransition)
	}
	s.State = StateInRoom
	s.RoomID = roomID
	return nil
}

// ExitRoom clears room membership.
//
// Precondition: The session is IN_ROOM.
// Postcondition: The session is LOGGED_IN with RoomID 0.
func (m *Manager) ExitRoom(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != StateInRoom {
		return fmt.Errorf("exit room from %s: %w", s.State, ErrInvalidTransition)
	}
	s.State = StateLoggedIn
	s.RoomID = 0
	return nil
}

// Online returns the live session holding (role, username).
func (m *Manager) Online(role storage.Role, username string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.online[Key{Role: role, Username: username}]
	return s, ok
}

// InRoom returns the sessions whose current room is roomID, ordered by username.
func (m *Manager) InRoom(roomID int) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.State == StateInRoom && s.RoomID == roomID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// OnlineUsers returns the sorted usernames logged in under role.
func (m *Manager) OnlineUsers(role storage.Role) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for key := range m.online {
		if key.Role == role {
			out = append(out, key.Username)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every open session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
