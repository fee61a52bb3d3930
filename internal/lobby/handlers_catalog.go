package lobby

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/assets"
	"github.com/cory-johannsen/gamestore/internal/lobby/session"
	"github.com/cory-johannsen/gamestore/internal/protocol"
	"github.com/cory-johannsen/gamestore/internal/storage"
	"github.com/cory-johannsen/gamestore/internal/transfer"
)

// Upload defaults applied when the request leaves a field empty.
const (
	defaultVersion    = "1.0"
	defaultGameType   = "CLI"
	defaultMaxPlayers = 2
)

func (s *Server) handleListGames(_ *session.Session, _ protocol.Request) (protocol.Response, error) {
	games, err := s.store.ListGames(s.ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Status: protocol.StatusOK, Data: games}, nil
}

func (s *Server) handleListRooms(_ *session.Session, _ protocol.Request) (protocol.Response, error) {
	return protocol.Response{Status: protocol.StatusOK, Data: s.rooms.List()}, nil
}

func (s *Server) handleListPlayers(_ *session.Session, _ protocol.Request) (protocol.Response, error) {
	players := s.sessions.OnlineUsers(storage.RolePlayer)
	if players == nil {
		players = []string{}
	}
	return protocol.Response{Status: protocol.StatusOK, Data: players}, nil
}

func (s *Server) handleRoomInfo(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	id := req.RoomID
	if id == 0 {
		id = sess.RoomID
	}
	info, ok := s.rooms.Get(id)
	if !ok {
		return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing, "Room not found")
	}
	return protocol.Response{Status: protocol.StatusOK, RoomID: id, Data: info}, nil
}

// handleUploadRequest opens an upload job for a new game or a new version of
// an owned game. The catalog entry is written only after every byte of the
// file has arrived.
func (s *Server) handleUploadRequest(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	name := req.Game()
	if name == "" {
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest, "Game name required")
	}
	if req.Filesize < 0 {
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest, "Invalid file size")
	}

	owner, err := storage.OwnerOf(s.ctx, s.store, name)
	if err != nil {
		return protocol.Response{}, err
	}
	if req.IsNewGame {
		switch {
		case owner == sess.Username:
			return protocol.Response{}, protocol.Errorf(protocol.CodeInvalidState,
				fmt.Sprintf("Failed: You already have a game named '%s'. Please use 'Update Game'.", name))
		case owner != "":
			return protocol.Response{}, protocol.Errorf(protocol.CodePermissionDenied,
				fmt.Sprintf("Failed: Game name '%s' is already taken by another developer.", name))
		}
	} else {
		switch {
		case owner == "":
			return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing,
				fmt.Sprintf("Failed: Game '%s' does not exist.", name))
		case owner != sess.Username:
			return protocol.Response{}, protocol.Errorf(protocol.CodePermissionDenied,
				"Failed: Permission Denied. You do not own this game.")
		}
	}

	game := storage.Game{
		Name:        name,
		Developer:   sess.Username,
		Description: req.Description,
		Version:     orDefault(req.Version, defaultVersion),
		GameType:    orDefault(req.GameType, defaultGameType),
		MaxPlayers:  req.MaxPlayers,
	}
	if game.MaxPlayers < 1 {
		game.MaxPlayers = defaultMaxPlayers
	}
	game.Filename = assets.FileName(name, sess.Username, game.Version, req.Filename)

	port, err := s.transfers.Upload(s.assets.Path(game.Filename), req.Filesize, s.commitUpload(game))
	if err != nil {
		return protocol.Response{}, transferError(err)
	}

	s.logger.Info("upload opened",
		zap.String("username", sess.Username),
		zap.String("game", name),
		zap.String("filename", game.Filename),
		zap.Int64("filesize", req.Filesize),
		zap.Int("port", port),
	)
	return protocol.Response{Status: protocol.StatusOK, Port: port}, nil
}

// commitUpload publishes game once its file is fully on disk. It runs on the
// transfer goroutine and touches only the store and the asset directory.
func (s *Server) commitUpload(game storage.Game) transfer.CompletionFunc {
	return func(err error) {
		if err != nil {
			return
		}
		err = s.store.UpsertGame(s.ctx, game)
		switch {
		case errors.Is(err, storage.ErrNotOwner):
			s.logger.Warn("upload lost ownership race", zap.String("game", game.Name), zap.String("developer", game.Developer))
			if rerr := s.assets.Remove(game.Filename); rerr != nil {
				s.logger.Error("removing orphaned upload", zap.Error(rerr))
			}
		case err != nil:
			s.logger.Error("committing upload", zap.String("game", game.Name), zap.Error(err))
		default:
			s.logger.Info("game published",
				zap.String("game", game.Name),
				zap.String("developer", game.Developer),
				zap.String("version", game.Version),
			)
		}
	}
}

func (s *Server) handleDownloadRequest(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	game, err := s.store.Game(s.ctx, req.Game())
	switch {
	case errors.Is(err, storage.ErrGameNotFound):
		return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing, "Game not found in DB")
	case err != nil:
		return protocol.Response{}, err
	}

	size, err := s.assets.Stat(game.Filename)
	switch {
	case errors.Is(err, assets.ErrNotFound):
		return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing, "File missing on server")
	case err != nil:
		return protocol.Response{}, err
	}

	port, err := s.transfers.Download(s.assets.Path(game.Filename), size)
	if err != nil {
		return protocol.Response{}, transferError(err)
	}
	if err := s.store.RecordDownload(s.ctx, game.Name, sess.Username); err != nil {
		s.logger.Error("recording download", zap.String("game", game.Name), zap.Error(err))
	}

	return protocol.Response{
		Status:   protocol.StatusOK,
		Port:     port,
		Filesize: size,
		Filename: game.Filename,
		Version:  game.Version,
	}, nil
}

func (s *Server) handleDeleteGame(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	name := req.Game()
	if s.rooms.GameActive(name) {
		return protocol.Response{}, protocol.Errorf(protocol.CodeInvalidState,
			"Failed: Game is currently active in a room. Please wait for matches to finish.")
	}

	filename, err := s.store.DeleteGame(s.ctx, sess.Username, name)
	switch {
	case errors.Is(err, storage.ErrGameNotFound), errors.Is(err, storage.ErrNotOwner):
		return protocol.Response{}, protocol.Errorf(protocol.CodePermissionDenied,
			"Permission Denied: You do not own this game or it does not exist.")
	case err != nil:
		return protocol.Response{}, err
	}

	if err := s.assets.Remove(filename); err != nil {
		s.logger.Error("removing game file", zap.String("filename", filename), zap.Error(err))
	}
	s.logger.Info("game deleted", zap.String("game", name), zap.String("developer", sess.Username))
	return protocol.OK("Game deleted successfully"), nil
}

func (s *Server) handleAddComment(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	name := req.Game()
	played, err := s.store.HasPlayed(s.ctx, sess.Username, name)
	if err != nil {
		return protocol.Response{}, err
	}
	if !played {
		return protocol.Response{}, protocol.Errorf(protocol.CodePermissionDenied, "You must play this game before rating it!")
	}

	err = s.store.AddComment(s.ctx, name, sess.Username, req.Score, req.Content)
	switch {
	case errors.Is(err, storage.ErrInvalidScore):
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest,
			fmt.Sprintf("Score must be between %d and %d", storage.MinScore, storage.MaxScore))
	case errors.Is(err, storage.ErrAlreadyCommented):
		return protocol.Response{}, protocol.Errorf(protocol.CodeInvalidState, "You have already rated this game.")
	case errors.Is(err, storage.ErrGameNotFound):
		return protocol.Response{}, protocol.Errorf(protocol.CodeResourceMissing, "Game not found")
	case err != nil:
		return protocol.Response{}, err
	}
	return protocol.OK("Comment added successfully"), nil
}

func transferError(err error) error {
	if errors.Is(err, transfer.ErrUnavailable) || errors.Is(err, transfer.ErrStopped) {
		return protocol.Errorf(protocol.CodeTransferUnavailable, "No transfer slot available, try again later")
	}
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
