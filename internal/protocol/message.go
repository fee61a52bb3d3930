package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Status values carried by every response.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the decoded form of a control-channel request. Only Action is
// mandatory; the remaining fields are read by the handler that owns the action.
type Request struct {
	Action string `json:"action"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`

	GameName    string `json:"gamename,omitempty"`
	GameNameAlt string `json:"game_name,omitempty"`
	IsNewGame   bool   `json:"is_new_game,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Filesize    int64  `json:"filesize,omitempty"`
	Version     string `json:"version,omitempty"`
	GameType    string `json:"game_type,omitempty"`
	MaxPlayers  int    `json:"max_players,omitempty"`
	Description string `json:"description,omitempty"`

	RoomName string `json:"room_name,omitempty"`
	RoomID   int    `json:"room_id,omitempty"`

	Score   int    `json:"score,omitempty"`
	Content string `json:"content,omitempty"`
}

// UnmarshalJSON decodes a request, accepting the integer fields either as
// JSON numbers or as strings holding an integer.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	aux := struct {
		*plain
		Filesize   looseInt `json:"filesize"`
		MaxPlayers looseInt `json:"max_players"`
		RoomID     looseInt `json:"room_id"`
		Score      looseInt `json:"score"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Filesize = int64(aux.Filesize)
	r.MaxPlayers = int(aux.MaxPlayers)
	r.RoomID = int(aux.RoomID)
	r.Score = int(aux.Score)
	return nil
}

// looseInt is an integer that may arrive quoted. Unquoted fractions are
// truncated; quoted values must be whole numbers.
type looseInt int64

func (n *looseInt) UnmarshalJSON(data []byte) error {
	text := string(data)
	if text == "null" {
		return nil
	}
	quoted := strings.HasPrefix(text, `"`)
	if quoted {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		*n = looseInt(v)
		return nil
	}
	if !quoted {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			*n = looseInt(f)
			return nil
		}
	}
	return fmt.Errorf("invalid integer %s", data)
}

// Game returns the game name regardless of which of the two spellings the
// client used.
func (r Request) Game() string {
	if r.GameName != "" {
		return r.GameName
	}
	return r.GameNameAlt
}

// DecodeRequest parses a frame payload into a Request.
//
// Postcondition: Returns the request or an error if the payload is not a JSON object.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// Response is the single reply to a request.
type Response struct {
	Status   string `json:"status"`
	Code     Code   `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data,omitempty"`
	Role     string `json:"role,omitempty"`
	Port     int    `json:"port,omitempty"`
	Filesize int64  `json:"filesize,omitempty"`
	Filename string `json:"filename,omitempty"`
	Version  string `json:"version,omitempty"`
	RoomID   int    `json:"room_id,omitempty"`
}

// OK returns a success response with an optional message.
func OK(message string) Response {
	return Response{Status: StatusOK, Message: message}
}

// Fail returns an error response.
func Fail(code Code, message string) Response {
	return Response{Status: StatusError, Code: code, Message: message}
}

// Push is an unsolicited notification. It never carries a status.
type Push struct {
	Action   string `json:"action"`
	Username string `json:"username,omitempty"`
	Data     any    `json:"data,omitempty"`
	GamePort int    `json:"game_port,omitempty"`
	Filename string `json:"filename,omitempty"`
	Game     string `json:"game,omitempty"`
}

// Encode marshals v (a Response or Push) into a frame payload.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}
