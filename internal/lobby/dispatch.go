package lobby

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/lobby/session"
	"github.com/cory-johannsen/gamestore/internal/protocol"
	"github.com/cory-johannsen/gamestore/internal/protocol/frame"
	"github.com/cory-johannsen/gamestore/internal/storage"
)

// handlerFunc serves one action. A *protocol.Error return becomes a typed
// error response; any other error becomes a server_fault response.
type handlerFunc func(sess *session.Session, req protocol.Request) (protocol.Response, error)

// route binds an action to its handler and the session it requires.
type route struct {
	handler  handlerFunc
	minState session.State
	// role restricts the action to one account role; empty allows any.
	role storage.Role
}

func (s *Server) routeTable() map[protocol.Action]route {
	return map[protocol.Action]route{
		protocol.ActionRegister: {handler: s.handleRegister, minState: session.StateConnected},
		protocol.ActionLogin:    {handler: s.handleLogin, minState: session.StateConnected},
		protocol.ActionLogout:   {handler: s.handleLogout, minState: session.StateConnected},

		protocol.ActionListGames:   {handler: s.handleListGames, minState: session.StateLoggedIn},
		protocol.ActionListRooms:   {handler: s.handleListRooms, minState: session.StateLoggedIn},
		protocol.ActionListPlayers: {handler: s.handleListPlayers, minState: session.StateLoggedIn},
		protocol.ActionRoomInfo:    {handler: s.handleRoomInfo, minState: session.StateLoggedIn},

		protocol.ActionUploadRequest:   {handler: s.handleUploadRequest, minState: session.StateLoggedIn, role: storage.RoleDeveloper},
		protocol.ActionDownloadRequest: {handler: s.handleDownloadRequest, minState: session.StateLoggedIn},
		protocol.ActionDeleteGame:      {handler: s.handleDeleteGame, minState: session.StateLoggedIn, role: storage.RoleDeveloper},
		protocol.ActionAddComment:      {handler: s.handleAddComment, minState: session.StateLoggedIn, role: storage.RolePlayer},

		protocol.ActionCreateRoom:  {handler: s.handleCreateRoom, minState: session.StateLoggedIn, role: storage.RolePlayer},
		protocol.ActionJoinRoom:    {handler: s.handleJoinRoom, minState: session.StateLoggedIn, role: storage.RolePlayer},
		protocol.ActionLeaveRoom:   {handler: s.handleLeaveRoom, minState: session.StateLoggedIn},
		protocol.ActionStartGame:   {handler: s.handleStartGame, minState: session.StateInRoom},
		protocol.ActionFinishGame:  {handler: s.handleFinishGame, minState: session.StateInRoom},
	}
}

// dispatch serves one request frame and writes exactly one response.
func (s *Server) dispatch(sess *session.Session, payload []byte) {
	start := time.Now()
	action, resp := s.serve(sess, payload)
	out, err := encodeFrame(resp)
	if err != nil {
		s.logger.Error("response not deliverable",
			zap.Stringer("session", sess.ID),
			zap.String("action", action),
			zap.Error(err),
		)
		resp = faultResponse(err)
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			resp = protocol.Fail(protocol.CodeServerFault, "Server exception: response too large")
		}
		out, err = encodeFrame(resp)
		if err != nil {
			s.logger.Error("encoding fault response", zap.Error(err))
			return
		}
	}
	s.write(sess, out)

	level := s.logger.Debug
	if resp.Status == protocol.StatusError {
		level = s.logger.Info
	}
	level("request served",
		zap.Stringer("session", sess.ID),
		zap.String("username", sess.Username),
		zap.String("action", action),
		zap.String("status", resp.Status),
		zap.String("code", string(resp.Code)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Server) serve(sess *session.Session, payload []byte) (action string, resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				zap.Stringer("session", sess.ID),
				zap.String("action", action),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			resp = faultResponse(r)
		}
	}()

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return "", protocol.Fail(protocol.CodeBadRequest, "Malformed request")
	}
	action = req.Action

	a, ok := protocol.ParseAction(req.Action)
	if !ok {
		return action, protocol.Fail(protocol.CodeUnknownAction, "Unknown action: "+req.Action)
	}
	rt := s.routes[a]

	if sess.State < rt.minState {
		if rt.minState == session.StateInRoom {
			return action, protocol.Fail(protocol.CodeInvalidState, "Not in a room")
		}
		return action, protocol.Fail(protocol.CodeInvalidState, "Login required")
	}
	if rt.role != "" && sess.Role != rt.role {
		return action, protocol.Fail(protocol.CodePermissionDenied, roleDenied(rt.role))
	}

	resp, err = rt.handler(sess, req)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return action, perr.Response()
		}
		s.logger.Error("handler failed",
			zap.Stringer("session", sess.ID),
			zap.String("action", action),
			zap.Error(err),
		)
		return action, faultResponse(err)
	}
	return action, resp
}

func roleDenied(role storage.Role) string {
	switch role {
	case storage.RoleDeveloper:
		return "Developers only"
	case storage.RolePlayer:
		return "Players only"
	}
	return "Permission denied"
}

// faultResponse reports an unexpected failure by its kind only.
func faultResponse(v any) protocol.Response {
	if err, ok := v.(error); ok {
		for {
			next := errors.Unwrap(err)
			if next == nil {
				break
			}
			err = next
		}
		v = err
	}
	kind := strings.TrimPrefix(reflect.TypeOf(v).String(), "*")
	return protocol.Fail(protocol.CodeServerFault, fmt.Sprintf("Server exception: %s", kind))
}

// encodeFrame marshals v and checks that it fits in a single frame.
func encodeFrame(v any) ([]byte, error) {
	payload, err := protocol.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > frame.MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", frame.ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}

// write sends one encoded frame. A failed write may leave a partial frame on
// the wire, so the connection is closed and its reader drives the teardown.
func (s *Server) write(sess *session.Session, payload []byte) {
	if err := sess.Conn.WriteMessage(payload); err != nil {
		s.logger.Info("closing unwritable connection",
			zap.Stringer("session", sess.ID),
			zap.String("username", sess.Username),
			zap.Error(err),
		)
		sess.Conn.Close()
	}
}

// push sends an unsolicited notification to every target. A notification too
// large for one frame is dropped.
func (s *Server) push(targets []*session.Session, p protocol.Push) {
	if len(targets) == 0 {
		return
	}
	payload, err := encodeFrame(p)
	if err != nil {
		s.logger.Error("dropping push",
			zap.String("event", p.Action),
			zap.Int("targets", len(targets)),
			zap.Error(err),
		)
		return
	}
	for _, t := range targets {
		s.write(t, payload)
	}
}

// others returns the members of roomID excluding sess.
func (s *Server) others(roomID int, sess *session.Session) []*session.Session {
	var out []*session.Session
	for _, m := range s.sessions.InRoom(roomID) {
		if m != sess {
			out = append(out, m)
		}
	}
	return out
}
