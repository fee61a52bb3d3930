package session

import "errors"

// State is the login state of a control connection.
type State uint8

const (
	// StateConnected is an accepted connection with no identity.
	StateConnected State = iota
	// StateLoggedIn is an authenticated connection outside any room.
	StateLoggedIn
	// StateInRoom is an authenticated connection that is a room member.
	StateInRoom
)

var stateNames = [...]string{
	StateConnected: "CONNECTED",
	StateLoggedIn:  "LOGGED_IN",
	StateInRoom:    "IN_ROOM",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid session state transition")

// transitions lists every permitted state change. IN_ROOM reaches CONNECTED
// only through LOGGED_IN, after the room departure has been performed.
var transitions = map[State][]State{
	StateConnected: {StateLoggedIn},
	StateLoggedIn:  {StateInRoom, StateConnected},
	StateInRoom:    {StateLoggedIn},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
