// Package lobby serves the control channel: it accepts connections, decodes
// framed JSON requests, and dispatches them to the action handlers on a
// single event loop.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/assets"
	"github.com/cory-johannsen/gamestore/internal/config"
	"github.com/cory-johannsen/gamestore/internal/lobby/room"
	"github.com/cory-johannsen/gamestore/internal/lobby/session"
	"github.com/cory-johannsen/gamestore/internal/match"
	"github.com/cory-johannsen/gamestore/internal/protocol"
	"github.com/cory-johannsen/gamestore/internal/protocol/frame"
	"github.com/cory-johannsen/gamestore/internal/storage"
	"github.com/cory-johannsen/gamestore/internal/transfer"
)

type eventKind uint8

const (
	eventAccepted eventKind = iota
	eventMessage
	eventClosed
)

// event is the unit of work handed from the acceptor and readers to the loop.
type event struct {
	kind    eventKind
	conn    *frame.Conn
	sess    *session.Session
	payload []byte
	err     error
}

// Server is the lobby. It owns every piece of mutable lobby state.
type Server struct {
	cfg       config.ControlConfig
	store     storage.Store
	assets    *assets.Dir
	transfers *transfer.Manager
	matches   *match.Launcher
	logger    *zap.Logger

	sessions *session.Manager
	rooms    *room.Manager
	routes   map[protocol.Action]route

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	quit   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a lobby Server.
//
// Precondition: every collaborator must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(
	cfg config.ControlConfig,
	store storage.Store,
	dir *assets.Dir,
	transfers *transfer.Manager,
	matches *match.Launcher,
	logger *zap.Logger,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		store:     store,
		assets:    dir,
		transfers: transfers,
		matches:   matches,
		logger:    logger,
		sessions:  session.NewManager(),
		rooms:     room.NewManager(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event),
		quit:      make(chan struct{}),
	}
	s.routes = s.routeTable()
	return s
}

// ListenAndServe opens the control listener, starts the event loop, and
// accepts connections until Stop is called.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop()

	s.logger.Info("lobby listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accepting connection", zap.Error(err))
			continue
		}

		conn := frame.NewConn(raw, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
		if !s.post(event{kind: eventAccepted, conn: conn}) {
			conn.Close()
			return nil
		}
	}
}

// post hands an event to the loop. It reports false once the server is stopping.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// loop is the only goroutine that runs handlers or mutates session and room
// membership state. Each event is processed to completion before the next.
func (s *Server) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case eventAccepted:
				s.accept(ev.conn)
			case eventMessage:
				s.dispatch(ev.sess, ev.payload)
			case eventClosed:
				s.teardown(ev.sess, ev.err)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Server) accept(conn *frame.Conn) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	sess := s.sessions.Open(conn)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("client connected",
		zap.Stringer("session", sess.ID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
	go s.read(sess)
}

// read decodes frames from one connection and forwards them in order.
func (s *Server) read(sess *session.Session) {
	defer s.wg.Done()
	for {
		payload, err := sess.Conn.ReadMessage()
		if err != nil {
			s.post(event{kind: eventClosed, sess: sess, err: err})
			return
		}
		if !s.post(event{kind: eventMessage, sess: sess, payload: payload}) {
			return
		}
	}
}

// teardown releases everything a closed connection held: its identity, its
// room seat (notifying the other members), and finally the socket.
func (s *Server) teardown(sess *session.Session, cause error) {
	username := sess.Username
	s.signOff(sess)
	s.sessions.Close(sess.ID)
	sess.Conn.Close()

	fields := []zap.Field{
		zap.Stringer("session", sess.ID),
		zap.String("username", username),
	}
	switch {
	case cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed):
		s.logger.Info("client disconnected", fields...)
	case frame.IsFramingFault(cause):
		s.logger.Warn("framing fault", append(fields, zap.Error(cause))...)
	default:
		s.logger.Info("client dropped", append(fields, zap.Error(cause))...)
	}
}

// Stop closes the listener and every control connection, stops the event
// loop, and waits for all server goroutines.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	open := s.sessions.All()
	s.mu.Unlock()

	s.cancel()
	for _, sess := range open {
		sess.Conn.Close()
	}
	s.wg.Wait()

	s.logger.Info("lobby stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of open control connections.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// RoomCount returns the number of open rooms.
func (s *Server) RoomCount() int {
	return s.rooms.Count()
}
