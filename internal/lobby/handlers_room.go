package lobby

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/assets"
	"github.com/cory-johannsen/gamestore/internal/lobby/room"
	"github.com/cory-johannsen/gamestore/internal/lobby/session"
	"github.com/cory-johannsen/gamestore/internal/protocol"
	"github.com/cory-johannsen/gamestore/internal/storage"
)

// roomError maps room manager failures onto typed responses.
func roomError(err error) error {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.Errorf(protocol.CodeResourceMissing, "Room not found")
	case errors.Is(err, room.ErrRoomPlaying):
		return protocol.Errorf(protocol.CodeInvalidState, "Room is playing")
	case errors.Is(err, room.ErrAlreadyMember):
		return protocol.Errorf(protocol.CodeInvalidState, "Already in this room")
	case errors.Is(err, room.ErrRoomFull):
		return protocol.Errorf(protocol.CodeCapacityViolation, "Cannot join (Room full)")
	case errors.Is(err, room.ErrNotHost):
		return protocol.Errorf(protocol.CodePermissionDenied, "Host only")
	case errors.Is(err, room.ErrRoomNotFull):
		return protocol.Errorf(protocol.CodeCapacityViolation, "Cannot start: Room is not full yet.")
	case errors.Is(err, room.ErrInvalidCapacity):
		return protocol.Errorf(protocol.CodeBadRequest, "Game has an invalid player count")
	}
	return err
}

func (s *Server) handleCreateRoom(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	if sess.State == session.StateInRoom {
		return protocol.Response{}, protocol.Errorf(protocol.CodeInvalidState, "Already in a room")
	}
	game, err := s.store.Game(s.ctx, req.Game())
	switch {
	case errors.Is(err, storage.ErrGameNotFound):
		return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing, "Game not found")
	case err != nil:
		return protocol.Response{}, err
	}

	id, err := s.rooms.Create(req.RoomName, sess.Username, game.Name, game.MaxPlayers)
	if err != nil {
		return protocol.Response{}, roomError(err)
	}
	if err := s.sessions.EnterRoom(sess.ID, id); err != nil {
		s.rooms.Leave(id, sess.Username)
		return protocol.Response{}, err
	}
	info, _ := s.rooms.Get(id)

	s.logger.Info("room created",
		zap.Int("room_id", id),
		zap.String("host", sess.Username),
		zap.String("game", game.Name),
		zap.Int("capacity", game.MaxPlayers),
	)
	return protocol.Response{Status: protocol.StatusOK, RoomID: id, Data: info}, nil
}

func (s *Server) handleJoinRoom(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	if sess.State == session.StateInRoom {
		return protocol.Response{}, protocol.Errorf(protocol.CodeInvalidState, "Already in a room")
	}
	info, err := s.rooms.Join(req.RoomID, sess.Username)
	if err != nil {
		return protocol.Response{}, roomError(err)
	}
	if err := s.sessions.EnterRoom(sess.ID, req.RoomID); err != nil {
		s.rooms.Leave(req.RoomID, sess.Username)
		return protocol.Response{}, err
	}

	s.push(s.others(req.RoomID, sess), protocol.Push{
		Action:   protocol.EventPlayerJoined,
		Username: sess.Username,
		Data:     info,
	})
	s.logger.Info("room joined", zap.Int("room_id", req.RoomID), zap.String("username", sess.Username))
	return protocol.Response{Status: protocol.StatusOK, Message: "Joined", Data: info}, nil
}

func (s *Server) handleLeaveRoom(sess *session.Session, _ protocol.Request) (protocol.Response, error) {
	if sess.State == session.StateInRoom {
		s.departRoom(sess)
	}
	return protocol.OK(""), nil
}

// departRoom removes an IN_ROOM session from its room and notifies the
// remaining members. When the room is disbanded every remaining member
// receives room_disbanded once and returns to LOGGED_IN.
func (s *Server) departRoom(sess *session.Session) room.LeaveResult {
	id := sess.RoomID
	result, info := s.rooms.Leave(id, sess.Username)
	if err := s.sessions.ExitRoom(sess.ID); err != nil {
		s.logger.Error("exit room", zap.Stringer("session", sess.ID), zap.Error(err))
	}

	others := s.sessions.InRoom(id)
	switch result {
	case room.LeaveDisbanded:
		s.push(others, protocol.Push{Action: protocol.EventRoomDisbanded})
		for _, o := range others {
			if err := s.sessions.ExitRoom(o.ID); err != nil {
				s.logger.Error("exit room", zap.Stringer("session", o.ID), zap.Error(err))
			}
		}
	case room.LeaveLeft:
		s.push(others, protocol.Push{
			Action:   protocol.EventPlayerLeft,
			Username: sess.Username,
			Data:     info,
		})
	}

	s.logger.Info("room left",
		zap.Int("room_id", id),
		zap.String("username", sess.Username),
		zap.Stringer("result", result),
	)
	return result
}

// handleStartGame moves a full room to playing and launches its match. The
// room is reset to idle if the match cannot be launched.
func (s *Server) handleStartGame(sess *session.Session, _ protocol.Request) (protocol.Response, error) {
	id := sess.RoomID
	port := s.matches.Port(id)
	info, err := s.rooms.Start(id, sess.Username, port)
	if err != nil {
		return protocol.Response{}, roomError(err)
	}

	filename, path, err := s.resolveAsset(info.Game)
	if err == nil {
		_, err = s.matches.Launch(id, path)
		if err != nil {
			s.logger.Error("launching match", zap.Int("room_id", id), zap.Error(err))
			err = protocol.Errorf(protocol.CodeServerFault, "Failed to launch game server")
		}
	}
	if err != nil {
		if _, rerr := s.rooms.Reset(id); rerr != nil {
			s.logger.Error("resetting room", zap.Int("room_id", id), zap.Error(rerr))
		}
		return protocol.Response{}, err
	}

	s.push(s.sessions.InRoom(id), protocol.Push{
		Action:   protocol.EventGameStart,
		GamePort: port,
		Filename: filename,
		Game:     info.Game,
	})
	return protocol.OK("Game started"), nil
}

// resolveAsset finds the stored file of a catalog game.
func (s *Server) resolveAsset(game string) (filename, path string, err error) {
	filename, err = storage.FilenameOf(s.ctx, s.store, game)
	switch {
	case errors.Is(err, storage.ErrGameNotFound):
		return "", "", protocol.Errorf(protocol.CodeResourceMissing, "Game not found in DB")
	case err != nil:
		return "", "", err
	}
	if _, err := s.assets.Stat(filename); err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			return "", "", protocol.Errorf(protocol.CodeResourceMissing, "File missing on server")
		}
		return "", "", err
	}
	return filename, s.assets.Path(filename), nil
}

func (s *Server) handleFinishGame(sess *session.Session, _ protocol.Request) (protocol.Response, error) {
	id := sess.RoomID
	info, err := s.rooms.Finish(id, sess.Username)
	if err != nil {
		return protocol.Response{}, roomError(err)
	}

	for _, player := range info.Players {
		if err := s.store.RecordPlay(s.ctx, player, info.Game); err != nil {
			s.logger.Error("recording play",
				zap.String("username", player),
				zap.String("game", info.Game),
				zap.Error(err),
			)
		}
	}

	s.push(s.sessions.InRoom(id), protocol.Push{Action: protocol.EventRoomReset, Data: info})
	return protocol.OK("Game finished"), nil
}
