package node

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeStubDashd installs a shell script posing as dashd and returns its
// path.
func writeStubDashd(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("stub dashd requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "dashd")

	// #nosec G306 -- the stub must be executable.
	require.NoError(t, os.WriteFile(
		path, []byte("#!/bin/sh\n"+body+"\n"), 0o700,
	))

	return path
}

// TestStartExecutableNotFound checks that a missing binary fails before any
// process or directory is created.
func TestStartExecutableNotFound(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		Executable: filepath.Join(t.TempDir(), "no-such-dashd"),
	})

	_, _, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)

	require.Equal(t, StateStopped, m.State())
	require.Empty(t, m.DataDir())
}

// TestStartBareNameNotInPath checks PATH resolution failure for bare names.
func TestStartBareNameNotInPath(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{Executable: "definitely-no-such-daemon"})

	_, _, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

// TestStartProcessExits checks that early process death is reported with the
// captured stderr instead of waiting out the startup timeout.
func TestStartProcessExits(t *testing.T) {
	t.Parallel()

	stub := writeStubDashd(t, `echo "Error: invalid -regtest args" >&2
exit 1`)

	m := NewManager(Config{Executable: stub})

	start := time.Now()
	_, _, err := m.Start(context.Background())

	require.ErrorIs(t, err, ErrProcessExited)
	require.Contains(t, err.Error(), "invalid -regtest args")
	require.Less(t, time.Since(start), startupTimeout)

	// Failed startup tears down fully: no process, no data directory.
	require.Equal(t, StateStopped, m.State())
	require.Empty(t, m.DataDir())
}

// TestStartCancelled checks context cancellation during the readiness wait.
func TestStartCancelled(t *testing.T) {
	t.Parallel()

	// A stub that stays alive but never serves RPC.
	stub := writeStubDashd(t, `exec sleep 60`)

	m := NewManager(Config{
		Executable:    stub,
		CLIExecutable: filepath.Join(t.TempDir(), "no-such-cli"),
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 2*time.Second,
	)
	defer cancel()

	_, _, err := m.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, StateStopped, m.State())
}

// TestStartReadyImmediately checks that a node answering its very first
// probe makes Start return without waiting out a poll tick.
func TestStartReadyImmediately(t *testing.T) {
	t.Parallel()

	dashd := writeStubDashd(t, `exec sleep 60`)

	// A dash-cli stub that always reports height 0, i.e. a node that is
	// ready from the moment it starts.
	cliPath := filepath.Join(t.TempDir(), "dash-cli")
	// #nosec G306 -- the stub must be executable.
	require.NoError(t, os.WriteFile(
		cliPath, []byte("#!/bin/sh\necho 0\n"), 0o700,
	))

	m := NewManager(Config{
		Executable:    dashd,
		CLIExecutable: cliPath,
	})
	defer m.Stop()

	start := time.Now()
	rpcPort, dataDir, err := m.Start(context.Background())
	require.NoError(t, err)

	require.Less(t, time.Since(start), readyPollInterval)
	require.Equal(t, StateReady, m.State())
	require.Positive(t, rpcPort)
	require.DirExists(t, dataDir)
}

// TestStartTwice checks the single-owner guard.
func TestStartTwice(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		Executable: filepath.Join(t.TempDir(), "no-such-dashd"),
	})

	_, _, err := m.Start(context.Background())
	require.Error(t, err)

	// The first Start consumed the manager, successful or not.
	_, _, err = m.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

// TestStopIdempotent checks Stop on a never-started manager and repeated
// Stop calls.
func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{Executable: "dashd"})

	m.Stop()
	m.Stop()

	require.Equal(t, StateStopped, m.State())

	// Terminate on a stopped manager is also a no-op.
	m.Terminate()
}

// TestBuildArgs checks the deterministic dashd argument set.
func TestBuildArgs(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		Network:   "regtest",
		ExtraArgs: []string{"-blockfilterindex=1"},
	})
	m.rpcPort = 19998
	m.p2pPort = 19999
	m.dataDir = "/tmp/dash-testdata-x"

	args := m.buildArgs()

	require.Equal(t, "-regtest", args[0])
	require.Contains(t, args, "-datadir=/tmp/dash-testdata-x")
	require.Contains(t, args, "-port=19999")
	require.Contains(t, args, "-rpcport=19998")
	require.Contains(t, args, "-server=1")
	require.Contains(t, args, "-daemon=0")
	require.Contains(t, args, "-txindex=0")

	// Extras go last so they can override the base set.
	require.Equal(t, "-blockfilterindex=1", args[len(args)-1])

	joined := strings.Join(args, " ")
	require.NotContains(t, joined, "-mainnet")
}

// TestNetworkSubdir checks the chain-state subdirectory mapping.
func TestNetworkSubdir(t *testing.T) {
	t.Parallel()

	require.Equal(t, "regtest", NetworkSubdir("regtest"))
	require.Equal(t, "testnet3", NetworkSubdir("testnet"))
	require.Equal(t, "devnet", NetworkSubdir("devnet"))
	require.Empty(t, NetworkSubdir("mainnet"))
}

// TestResolveExecutable checks direct-path validation.
func TestResolveExecutable(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()

		_, err := resolveExecutable("")
		require.ErrorIs(t, err, ErrExecutableNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()

		_, err := resolveExecutable(t.TempDir())
		require.ErrorIs(t, err, ErrExecutableNotFound)
	})

	t.Run("not executable", func(t *testing.T) {
		t.Parallel()

		if runtime.GOOS == "windows" {
			t.Skip("mode bits are not meaningful on windows")
		}

		path := filepath.Join(t.TempDir(), "dashd")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

		_, err := resolveExecutable(path)
		require.ErrorIs(t, err, ErrExecutableNotFound)
	})

	t.Run("runnable script", func(t *testing.T) {
		t.Parallel()

		path := writeStubDashd(t, "exit 0")

		resolved, err := resolveExecutable(path)
		require.NoError(t, err)
		require.True(t, filepath.IsAbs(resolved))
	})
}
