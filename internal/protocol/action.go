// Package protocol defines the control-channel message schema: the request
// action enum, response and push envelopes, and error codes.
package protocol

// Action identifies a control-channel request type.
type Action uint8

// Request actions.
const (
	ActionUnknown Action = iota
	ActionRegister
	ActionLogin
	ActionLogout
	ActionListGames
	ActionListRooms
	ActionListPlayers
	ActionRoomInfo
	ActionUploadRequest
	ActionDownloadRequest
	ActionDeleteGame
	ActionCreateRoom
	ActionJoinRoom
	ActionLeaveRoom
	ActionStartGame
	ActionFinishGame
	ActionAddComment
)

var actionNames = map[Action]string{
	ActionRegister:        "register",
	ActionLogin:           "login",
	ActionLogout:          "logout",
	ActionListGames:       "list_games",
	ActionListRooms:       "list_rooms",
	ActionListPlayers:     "list_players",
	ActionRoomInfo:        "room_info",
	ActionUploadRequest:   "upload_request",
	ActionDownloadRequest: "download_request",
	ActionDeleteGame:      "delete_game",
	ActionCreateRoom:      "create_room",
	ActionJoinRoom:        "join_room",
	ActionLeaveRoom:       "leave_room",
	ActionStartGame:       "start_game",
	ActionFinishGame:      "finish_game",
	ActionAddComment:      "add_comment",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// String returns the wire name of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction resolves a wire action name.
//
// Postcondition: Returns (action, true) for a known name, or (ActionUnknown, false).
func ParseAction(name string) (Action, bool) {
	a, ok := actionsByName[name]
	return a, ok
}

// Actions returns every known request action.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := ActionRegister; a <= ActionAddComment; a++ {
		out = append(out, a)
	}
	return out
}

// Push event names. Pushes are unsolicited server-to-client messages.
const (
	EventPlayerJoined  = "player_joined"
	EventPlayerLeft    = "player_left"
	EventRoomDisbanded = "room_disbanded"
	EventGameStart     = "game_start"
	EventRoomReset     = "room_reset"
)
