// Package room holds the in-memory lobby rooms and their lifecycle.
//
// A room moves idle -> playing when its host starts a full room and
// playing -> idle when the host finishes the match.
package room

import (
	"errors"
	"sort"
	"sync"
)

// Status is the lifecycle state of a room.
type Status string

const (
	// StatusIdle is a room gathering members.
	StatusIdle Status = "idle"
	// StatusPlaying is a room whose match process is running.
	StatusPlaying Status = "playing"
)

var (
	// ErrRoomNotFound is returned for an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomPlaying is returned when a room is not idle.
	ErrRoomPlaying = errors.New("room is playing")
	// ErrAlreadyMember is returned when joining a room twice.
	ErrAlreadyMember = errors.New("already a member of this room")
	// ErrRoomFull is returned when a room has no free seat.
	ErrRoomFull = errors.New("room is full")
	// ErrNotHost is returned when a host-only operation is requested by another member.
	ErrNotHost = errors.New("host only")
	// ErrRoomNotFull is returned when starting a room with free seats.
	ErrRoomNotFull = errors.New("room is not full yet")
	// ErrInvalidCapacity is returned when creating a room with capacity < 1.
	ErrInvalidCapacity = errors.New("room capacity must be at least 1")
)

// LeaveResult describes the effect of Leave.
type LeaveResult int

const (
	// LeaveNoOp means the room or the membership did not exist.
	LeaveNoOp LeaveResult = iota
	// LeaveLeft means the user was removed and the room survives.
	LeaveLeft
	// LeaveDisbanded means the room was deleted.
	LeaveDisbanded
)

// String returns the result name.
func (r LeaveResult) String() string {
	switch r {
	case LeaveLeft:
		return "left"
	case LeaveDisbanded:
		return "disbanded"
	default:
		return "noop"
	}
}

type room struct {
	id       int
	name     string
	host     string
	game     string
	capacity int
	status   Status
	port     int
	members  []string
}

// Info is a full snapshot of one room.
type Info struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	Host       string   `json:"host"`
	Game       string   `json:"game"`
	Status     Status   `json:"status"`
	Players    []string `json:"players"`
	MaxPlayers int      `json:"max_players"`
	GamePort   int      `json:"game_port"`
}

// Summary is the room listing entry.
type Summary struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Game       string `json:"game"`
	Status     Status `json:"status"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
}

func (r *room) info() Info {
	return Info{
		ID:         r.id,
		Name:       r.name,
		Host:       r.host,
		Game:       r.game,
		Status:     r.status,
		Players:    append([]string(nil), r.members...),
		MaxPlayers: r.capacity,
		GamePort:   r.port,
	}
}

func (r *room) isMember(user string) bool {
	for _, m := range r.members {
		if m == user {
			return true
		}
	}
	return false
}

// Manager owns every room. All methods are safe for concurrent use and
// never block while holding the lock.
type Manager struct {
	mu    sync.Mutex
	rooms map[int]*room
}

// NewManager creates an empty room Manager.
func NewManager() *Manager {
	return &Manager{rooms: make(map[int]*room)}
}

// Create opens an idle room with host as its sole member.
//
// Precondition: capacity >= 1.
// Postcondition: Returns the smallest positive id not in use.
func (m *Manager) Create(name, host, game string, capacity int) (int, error) {
	if capacity < 1 {
		return 0, ErrInvalidCapacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := 1
	for m.rooms[id] != nil {
		id++
	}
	m.rooms[id] = &room{
		id:       id,
		name:     name,
		host:     host,
		game:     game,
		capacity: capacity,
		status:   StatusIdle,
		members:  []string{host},
	}
	return id, nil
}

// Join appends user to the member list of an idle room with a free seat.
func (m *Manager) Join(id int, user string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	switch {
	case r == nil:
		return Info{}, ErrRoomNotFound
	case r.status != StatusIdle:
		return Info{}, ErrRoomPlaying
	case r.isMember(user):
		return Info{}, ErrAlreadyMember
	case len(r.members) >= r.capacity:
		return Info{}, ErrRoomFull
	}
	r.members = append(r.members, user)
	return r.info(), nil
}

// Leave removes user from a room. The room is deleted when the host leaves
// or the last member leaves. The returned Info is the remaining room when
// the result is LeaveLeft.
func (m *Manager) Leave(id int, user string) (LeaveResult, Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	if r == nil {
		return LeaveNoOp, Info{}
	}
	if r.host == user {
		delete(m.rooms, id)
		return LeaveDisbanded, Info{}
	}
	for i, member := range r.members {
		if member != user {
			continue
		}
		r.members = append(r.members[:i], r.members[i+1:]...)
		if len(r.members) == 0 {
			delete(m.rooms, id)
			return LeaveDisbanded, Info{}
		}
		return LeaveLeft, r.info()
	}
	return LeaveNoOp, Info{}
}

// Start moves a full idle room to playing on port.
//
// Precondition: requester is the host.
// Postcondition: The room is playing with GamePort == port, or an error
// is returned and the room is unchanged.
func (m *Manager) Start(id int, requester string, port int) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	switch {
	case r == nil:
		return Info{}, ErrRoomNotFound
	case r.host != requester:
		return Info{}, ErrNotHost
	case r.status != StatusIdle:
		return Info{}, ErrRoomPlaying
	case len(r.members) != r.capacity:
		return Info{}, ErrRoomNotFull
	}
	r.status = StatusPlaying
	r.port = port
	return r.info(), nil
}

// Reset returns a room to idle and clears its port.
func (m *Manager) Reset(id int) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	if r == nil {
		return Info{}, ErrRoomNotFound
	}
	r.status = StatusIdle
	r.port = 0
	return r.info(), nil
}

// Finish ends the match of a room on behalf of its host.
//
// Postcondition: The room is idle with GamePort 0.
func (m *Manager) Finish(id int, requester string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	switch {
	case r == nil:
		return Info{}, ErrRoomNotFound
	case r.host != requester:
		return Info{}, ErrNotHost
	}
	r.status = StatusIdle
	r.port = 0
	return r.info(), nil
}

// Get returns a snapshot of one room.
func (m *Manager) Get(id int) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[id]
	if r == nil {
		return Info{}, false
	}
	return r.info(), true
}

// List returns every room ordered by id.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, Summary{
			ID:         r.id,
			Name:       r.name,
			Game:       r.game,
			Status:     r.status,
			Players:    len(r.members),
			MaxPlayers: r.capacity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GameActive reports whether any room references game.
func (m *Manager) GameActive(game string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.game == game {
			return true
		}
	}
	return false
}

// Count returns the number of rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
