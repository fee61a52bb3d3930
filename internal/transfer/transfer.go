// Package transfer streams game files over single-use data connections.
//
// Each job opens its own listener on an OS-assigned port, accepts exactly one
// peer, moves exactly the announced number of bytes, and closes. Faults abort
// the job and are never retried.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cory-johannsen/gamestore/internal/config"
)

var (
	// ErrUnavailable is returned when the concurrent job limit is reached.
	ErrUnavailable = errors.New("no transfer slot available")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("transfer manager stopped")
	// ErrShortTransfer is reported when the peer closes before N bytes moved.
	ErrShortTransfer = errors.New("transfer ended before all bytes were moved")
)

// Direction names the flow of a job relative to the server.
type Direction string

const (
	// DirectionUpload receives bytes from the peer into a file.
	DirectionUpload Direction = "upload"
	// DirectionDownload sends bytes from a file to the peer.
	DirectionDownload Direction = "download"
)

// CompletionFunc receives the final outcome of an upload job. It runs on the
// job's goroutine.
type CompletionFunc func(err error)

type job struct {
	direction Direction
	path      string
	size      int64
	listener  *net.TCPListener
	port      int
}

// Manager runs transfer jobs.
type Manager struct {
	cfg    config.TransferConfig
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
	closers map[io.Closer]struct{}
	wg      sync.WaitGroup
}

// NewManager creates a transfer Manager.
//
// Precondition: cfg has passed config validation; logger must not be nil.
func NewManager(cfg config.TransferConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		closers: make(map[io.Closer]struct{}),
	}
}

// Upload opens a job that receives size bytes into dst. onComplete, when
// non-nil, is called exactly once with nil after dst holds all bytes, or with
// the fault that aborted the job.
//
// Postcondition: Returns the listening port immediately; the peer must
// connect within the accept timeout.
func (m *Manager) Upload(dst string, size int64, onComplete CompletionFunc) (int, error) {
	j, err := m.open(DirectionUpload, dst, size)
	if err != nil {
		return 0, err
	}
	m.run(j, func(conn net.Conn) error { return m.receive(conn, j) }, onComplete)
	return j.port, nil
}

// Download opens a job that sends the first size bytes of src.
//
// Postcondition: Returns the listening port immediately.
func (m *Manager) Download(src string, size int64) (int, error) {
	j, err := m.open(DirectionDownload, src, size)
	if err != nil {
		return 0, err
	}
	m.run(j, func(conn net.Conn) error { return m.send(conn, j) }, nil)
	return j.port, nil
}

func (m *Manager) open(dir Direction, path string, size int64) (*job, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative transfer size %d", size)
	}
	if !m.sem.TryAcquire(1) {
		return nil, ErrUnavailable
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(m.cfg.Host, "0"))
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("opening %s listener: %w", dir, err)
	}
	tcp := ln.(*net.TCPListener)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		tcp.Close()
		m.sem.Release(1)
		return nil, ErrStopped
	}
	m.closers[tcp] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	return &job{
		direction: dir,
		path:      path,
		size:      size,
		listener:  tcp,
		port:      tcp.Addr().(*net.TCPAddr).Port,
	}, nil
}

func (m *Manager) run(j *job, stream func(net.Conn) error, onComplete CompletionFunc) {
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)

		start := time.Now()
		err := m.serve(j, stream)
		fields := []zap.Field{
			zap.String("direction", string(j.direction)),
			zap.Int("port", j.port),
			zap.Int64("bytes", j.size),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			m.logger.Debug("transfer aborted", append(fields, zap.Error(err))...)
		} else {
			m.logger.Info("transfer complete", fields...)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
}

// serve accepts one peer, closes the listener, and streams.
func (m *Manager) serve(j *job, stream func(net.Conn) error) error {
	_ = j.listener.SetDeadline(time.Now().Add(m.cfg.AcceptTimeout))
	conn, err := j.listener.Accept()
	m.release(j.listener)
	if err != nil {
		return fmt.Errorf("accepting %s peer: %w", j.direction, err)
	}

	if !m.track(conn) {
		conn.Close()
		return ErrStopped
	}
	defer m.release(conn)
	return stream(conn)
}

func (m *Manager) receive(conn net.Conn, j *job) (err error) {
	f, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".*.part")
	if err != nil {
		return fmt.Errorf("creating partial file for %s: %w", j.path, err)
	}
	part := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
		}
	}()

	buf := make([]byte, m.cfg.ChunkSize)
	for remaining := j.size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.IOTimeout))
		read, rerr := io.ReadFull(conn, buf[:n])
		if _, werr := f.Write(buf[:read]); werr != nil {
			return fmt.Errorf("writing %s: %w", part, werr)
		}
		remaining -= int64(read)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%d bytes missing: %w", remaining, ErrShortTransfer)
			}
			return fmt.Errorf("reading upload: %w", rerr)
		}
	}

	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, j.path); err != nil {
		return fmt.Errorf("committing %s: %w", j.path, err)
	}
	return nil
}

func (m *Manager) send(conn net.Conn, j *job) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", j.path, err)
	}
	defer f.Close()

	buf := make([]byte, m.cfg.ChunkSize)
	for remaining := j.size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, rerr := io.ReadFull(f, buf[:n])
		if rerr != nil {
			return fmt.Errorf("reading %s: %w", j.path, ErrShortTransfer)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.IOTimeout))
		if _, err := conn.Write(buf[:read]); err != nil {
			return fmt.Errorf("writing download: %w", err)
		}
		remaining -= int64(read)
	}
	return nil
}

func (m *Manager) track(c io.Closer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.closers[c] = struct{}{}
	return true
}

func (m *Manager) release(c io.Closer) {
	m.mu.Lock()
	delete(m.closers, c)
	m.mu.Unlock()
	c.Close()
}

// Wait blocks until every job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop refuses new jobs, closes every listener and data connection, and
// waits for the workers to drain.
//
// Postcondition: No job goroutine is running.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	closers := make([]io.Closer, 0, len(m.closers))
	for c := range m.closers {
		closers = append(closers, c)
	}
	m.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	m.wg.Wait()
}
