package lobby

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/lobby/session"
	"github.com/cory-johannsen/gamestore/internal/protocol"
	"github.com/cory-johannsen/gamestore/internal/storage"
)

func (s *Server) handleRegister(_ *session.Session, req protocol.Request) (protocol.Response, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest, "Username and password required")
	}
	role := storage.Role(strings.TrimSpace(req.Role))
	if role == "" {
		role = storage.RolePlayer
	}
	if !storage.ValidRole(role) {
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest, "Invalid role")
	}

	err := s.store.Register(s.ctx, username, req.Password, role)
	switch {
	case errors.Is(err, storage.ErrAccountExists):
		return protocol.Response{}, protocol.Errorf(protocol.CodeAuthFailure, "Username already exists")
	case err != nil:
		return protocol.Response{}, err
	}

	s.logger.Info("account registered", zap.String("username", username), zap.String("role", string(role)))
	return protocol.OK("Registration successful"), nil
}

// handleLogin authenticates and binds an identity to the session. A session
// holding a different identity is signed off first; one already holding the
// requested identity succeeds without change.
func (s *Server) handleLogin(sess *session.Session, req protocol.Request) (protocol.Response, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return protocol.Response{}, protocol.Errorf(protocol.CodeBadRequest, "Username required")
	}
	hint := storage.Role(strings.TrimSpace(req.Role))

	role, err := s.store.Authenticate(s.ctx, username, req.Password, hint)
	switch {
	case errors.Is(err, storage.ErrInvalidCredentials):
		return protocol.Response{}, protocol.Errorf(protocol.CodeAuthFailure, "Invalid username or password")
	case err != nil:
		return protocol.Response{}, err
	}

	if holder, ok := s.sessions.Online(role, username); ok && holder != sess {
		return protocol.Response{}, protocol.Errorf(protocol.CodeAuthFailure, "This account is already online.")
	}
	if sess.State != session.StateConnected && sess.Key() != (session.Key{Role: role, Username: username}) {
		s.signOff(sess)
	}

	if err := s.sessions.Login(sess.ID, username, role); err != nil {
		if errors.Is(err, session.ErrAlreadyOnline) {
			return protocol.Response{}, protocol.Errorf(protocol.CodeAuthFailure, "This account is already online.")
		}
		return protocol.Response{}, err
	}

	s.logger.Info("login",
		zap.Stringer("session", sess.ID),
		zap.String("username", username),
		zap.String("role", string(role)),
	)
	return protocol.Response{Status: protocol.StatusOK, Role: string(role)}, nil
}

func (s *Server) handleLogout(sess *session.Session, _ protocol.Request) (protocol.Response, error) {
	s.signOff(sess)
	return protocol.OK(""), nil
}

// signOff leaves the session's room, with notifications, and releases its
// identity. It is a no-op for a CONNECTED session.
func (s *Server) signOff(sess *session.Session) {
	if sess.State == session.StateInRoom {
		s.departRoom(sess)
	}
	if sess.State == session.StateLoggedIn {
		username := sess.Username
		if err := s.sessions.Logout(sess.ID); err != nil {
			s.logger.Error("logout", zap.Stringer("session", sess.ID), zap.Error(err))
			return
		}
		s.logger.Info("logout", zap.Stringer("session", sess.ID), zap.String("username", username))
	}
}
