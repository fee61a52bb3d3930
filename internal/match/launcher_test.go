package match

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gamestore/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func shellConfig() config.MatchConfig {
	return config.MatchConfig{BasePort: 14010, Interpreter: "/bin/sh"}
}

func TestPort(t *testing.T) {
	l := NewLauncher(shellConfig(), zaptest.NewLogger(t))
	assert.Equal(t, 14011, l.Port(1))
	assert.Equal(t, 14017, l.Port(7))
}

func TestLaunchPassesServerPort(t *testing.T) {
	script := writeScript(t, `echo "$@" > "$(dirname "$0")/args.txt"`)
	l := NewLauncher(shellConfig(), zaptest.NewLogger(t))

	port, err := l.Launch(3, script)
	require.NoError(t, err)
	assert.Equal(t, 14013, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.Zero(t, l.Count(), "exited match must be reaped")

	args, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--server 14013", strings.TrimSpace(string(args)))
}

func TestLaunchInterpreterArgs(t *testing.T) {
	script := writeScript(t, `echo "$@" > "$(dirname "$0")/args.txt"`)
	cfg := shellConfig()
	cfg.InterpreterArgs = []string{"-e"}
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.Launch(1, script)
	require.NoError(t, err)
	require.NoError(t, l.Stop(context.Background()))

	args, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--server 14011", strings.TrimSpace(string(args)))
}

func TestLaunchWithoutInterpreterRunsAssetDirectly(t *testing.T) {
	script := writeScript(t, `echo "$@" > "$(dirname "$0")/args.txt"`)
	cfg := shellConfig()
	cfg.Interpreter = ""
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.Launch(2, script)
	require.NoError(t, err)
	require.NoError(t, l.Stop(context.Background()))

	args, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--server 14012", strings.TrimSpace(string(args)))
}

func TestLaunchFailure(t *testing.T) {
	cfg := shellConfig()
	cfg.Interpreter = filepath.Join(t.TempDir(), "no-such-interpreter")
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.Launch(1, "game.py")
	assert.Error(t, err)
	assert.Zero(t, l.Count())
}

func TestRunningAndTerminateOnShutdown(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	cfg := shellConfig()
	cfg.TerminateOnShutdown = true
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.Launch(1, script)
	require.NoError(t, err)
	assert.True(t, l.Running(1))
	assert.False(t, l.Running(2))
	assert.Equal(t, 1, l.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.False(t, l.Running(1))
}

func TestStopHonoursContext(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	l := NewLauncher(shellConfig(), zaptest.NewLogger(t))

	_, err := l.Launch(1, script)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Stop(ctx), context.DeadlineExceeded)

	l.cfg.TerminateOnShutdown = true
	require.NoError(t, l.Stop(context.Background()))
}
