// Package match spawns and reaps the per-room game server processes.
package match

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/config"
)

type process struct {
	roomID  int
	port    int
	asset   string
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Launcher starts match processes and retains them until they exit.
// All methods are safe for concurrent use.
type Launcher struct {
	cfg    config.MatchConfig
	logger *zap.Logger

	mu    sync.Mutex
	procs map[*process]struct{}
	wg    sync.WaitGroup
}

// NewLauncher creates a Launcher.
//
// Precondition: logger must not be nil.
func NewLauncher(cfg config.MatchConfig, logger *zap.Logger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[*process]struct{}),
	}
}

// Port returns the deterministic match port of a room.
func (l *Launcher) Port(roomID int) int {
	return l.cfg.BasePort + roomID
}

func (l *Launcher) command(asset string, port int) *exec.Cmd {
	args := []string{asset, "--server", strconv.Itoa(port)}
	if l.cfg.Interpreter == "" {
		return exec.Command(asset, args[1:]...)
	}
	full := append(append([]string{}, l.cfg.InterpreterArgs...), args...)
	return exec.Command(l.cfg.Interpreter, full...)
}

// Launch starts "<interpreter> <asset> --server <port>" for a room and
// returns the port. Output of the process is discarded.
//
// Precondition: assetPath names an existing file.
// Postcondition: The process is running and will be reaped in the
// background, or an error is returned and nothing was started.
func (l *Launcher) Launch(roomID int, assetPath string) (int, error) {
	port := l.Port(roomID)
	if prev := l.find(roomID); prev != nil {
		l.logger.Warn("previous match for room still running",
			zap.Int("room_id", roomID),
			zap.Int("port", port),
			zap.Int("pid", prev.cmd.Process.Pid),
		)
	}

	cmd := l.command(assetPath, port)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting match for room %d: %w", roomID, err)
	}

	p := &process{
		roomID:  roomID,
		port:    port,
		asset:   assetPath,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	l.mu.Lock()
	l.procs[p] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info("match launched",
		zap.Int("room_id", roomID),
		zap.Int("port", port),
		zap.String("asset", assetPath),
		zap.Int("pid", cmd.Process.Pid),
	)

	go l.reap(p)
	return port, nil
}

func (l *Launcher) reap(p *process) {
	defer l.wg.Done()
	err := p.cmd.Wait()
	close(p.done)

	l.mu.Lock()
	delete(l.procs, p)
	l.mu.Unlock()

	fields := []zap.Field{
		zap.Int("room_id", p.roomID),
		zap.Int("port", p.port),
		zap.Duration("elapsed", time.Since(p.started)),
	}
	if err != nil {
		l.logger.Info("match exited", append(fields, zap.Error(err))...)
		return
	}
	l.logger.Info("match exited", fields...)
}

func (l *Launcher) find(roomID int) *process {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.procs {
		if p.roomID == roomID && p.alive() {
			return p
		}
	}
	return nil
}

// Running reports whether a match process for roomID has not yet exited.
func (l *Launcher) Running(roomID int) bool {
	return l.find(roomID) != nil
}

// Count returns the number of retained match processes.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Stop interrupts running matches when configured to, then waits for every
// reaper until ctx ends.
//
// Postcondition: Returns nil once every retained process has been reaped,
// or ctx.Err() if the context ends first.
func (l *Launcher) Stop(ctx context.Context) error {
	if l.cfg.TerminateOnShutdown {
		l.mu.Lock()
		for p := range l.procs {
			if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
				l.logger.Debug("signalling match", zap.Int("room_id", p.roomID), zap.Error(err))
			}
		}
		l.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
