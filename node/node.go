// Package node manages the lifecycle of the external dashd process used for
// fixture generation: starting it inside an ephemeral data directory, probing
// it for readiness, and guaranteeing termination plus directory cleanup on
// every exit path.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yyforyongyu/dashgen/node/port"
	"github.com/yyforyongyu/dashgen/rpc"
)

const (
	// startupTimeout bounds how long Start waits for dashd to answer RPC
	// calls.
	startupTimeout = 30 * time.Second

	// readyPollInterval is the cadence of the readiness probe.
	readyPollInterval = 500 * time.Millisecond

	// shutdownTimeout bounds how long Stop waits for a graceful exit
	// before force-killing the process.
	shutdownTimeout = 10 * time.Second

	// dataDirPrefix is the prefix of the ephemeral data directory created
	// for each run.
	dataDirPrefix = "dash-testdata-"

	// dataDirPerm protects the data directory, which contains wallet seed
	// material while the run is in progress.
	dataDirPerm = 0o700
)

var (
	// ErrExecutableNotFound is returned when the configured dashd
	// executable does not exist or is not runnable.
	ErrExecutableNotFound = errors.New("dashd executable not found or " +
		"not runnable")

	// ErrStartupTimeout is returned when dashd did not answer RPC calls
	// within the startup timeout.
	ErrStartupTimeout = errors.New("dashd failed to become ready")

	// ErrProcessExited is returned when dashd exited before becoming
	// ready. The wrapped message carries the process's captured stderr.
	ErrProcessExited = errors.New("dashd exited during startup")

	// ErrAlreadyStarted is returned when Start is called on a manager
	// that already owns a process.
	ErrAlreadyStarted = errors.New("node already started")
)

// State tracks the manager's lifecycle.
//
// Transitions are Idle -> Starting -> Ready -> Stopping -> Stopped, with a
// direct Starting -> Stopped edge on startup failure.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config describes how to launch dashd.
type Config struct {
	// Executable is the dashd binary, either an absolute path or a name
	// resolved from PATH.
	Executable string

	// CLIExecutable is the dash-cli binary used for the readiness probe.
	CLIExecutable string

	// Network selects the dashd network flag. Defaults to regtest.
	Network string

	// RPCPort requests a fixed RPC port. Zero means auto-allocate.
	RPCPort int

	// ExtraArgs are appended to the deterministic base argument set, e.g.
	// -blockfilterindex=1 for SPV filter fixtures.
	ExtraArgs []string

	// KeepDataDir disables removal of the ephemeral data directory on
	// Stop, for post-mortem inspection.
	KeepDataDir bool
}

// Manager owns a single dashd process and its ephemeral data directory.
//
// Exactly one Manager may be active per generation run; the component that
// starts the process is the only one responsible for destroying it, and
// Stop must be reachable from both normal-return and abnormal-unwind paths.
type Manager struct {
	cfg Config

	// mu protects state transitions and idempotent shutdown.
	mu sync.Mutex

	state State

	cmd *exec.Cmd

	// waitDone is closed once cmd.Wait returns, letting the readiness
	// probe fail fast on early process death instead of spinning for the
	// full timeout.
	waitDone chan struct{}

	// stderr captures dashd's error output for startup diagnostics.
	stderr bytes.Buffer

	rpcPort int
	p2pPort int
	dataDir string
}

// NewManager creates a Manager for the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.Network == "" {
		cfg.Network = rpc.DefaultNetwork
	}

	return &Manager{cfg: cfg, state: StateIdle}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// RPCPort returns the resolved RPC port. Valid after Start succeeded.
func (m *Manager) RPCPort() int {
	return m.rpcPort
}

// DataDir returns the ephemeral data directory. Valid after Start succeeded
// and until the directory is cleaned up.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// Stderr returns the process error output captured so far.
func (m *Manager) Stderr() string {
	return strings.TrimSpace(m.stderr.String())
}

// Start launches dashd and blocks until it answers RPC calls.
//
// On success it returns the resolved RPC port and the data directory. On
// failure the process is terminated and the data directory removed; a
// directory that was never created is never touched.
func (m *Manager) Start(ctx context.Context) (int, string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return 0, "", fmt.Errorf("%w: state %v", ErrAlreadyStarted,
			m.state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	rpcPort, dataDir, err := m.start(ctx)
	if err != nil {
		// Stop tears down whatever start managed to create and moves
		// the state machine to Stopped.
		m.Stop()

		return 0, "", err
	}

	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()

	return rpcPort, dataDir, nil
}

// start performs the fallible portion of Start. The caller owns cleanup.
func (m *Manager) start(ctx context.Context) (int, string, error) {
	exePath, err := resolveExecutable(m.cfg.Executable)
	if err != nil {
		return 0, "", err
	}

	// Resolve the RPC port first so the P2P probe can start right after
	// it, keeping port assignment deterministic and easy to read in logs.
	if m.cfg.RPCPort != 0 {
		if !port.IsAvailable(m.cfg.RPCPort) {
			return 0, "", fmt.Errorf("requested RPC port %d is "+
				"not available", m.cfg.RPCPort)
		}
		m.rpcPort = m.cfg.RPCPort
	} else {
		m.rpcPort, err = port.FindFreePort(
			port.DefaultRPCPort, port.DefaultAttempts,
		)
		if err != nil {
			return 0, "", fmt.Errorf("resolve RPC port: %w", err)
		}
	}

	m.p2pPort, err = port.FindFreePort(m.rpcPort+1, port.DefaultAttempts)
	if err != nil {
		return 0, "", fmt.Errorf("resolve P2P port: %w", err)
	}

	m.dataDir, err = os.MkdirTemp("", dataDirPrefix)
	if err != nil {
		return 0, "", fmt.Errorf("create data dir: %w", err)
	}

	// dashd requires the network subdirectory to exist before launch.
	subdir := NetworkSubdir(m.cfg.Network)
	if subdir != "" {
		err = os.Mkdir(
			filepath.Join(m.dataDir, subdir), dataDirPerm,
		)
		if err != nil && !os.IsExist(err) {
			return 0, "", fmt.Errorf("create %s dir: %w", subdir,
				err)
		}
	}

	log.Infof("Starting dashd: datadir=%s rpcport=%d p2pport=%d",
		m.dataDir, m.rpcPort, m.p2pPort)

	args := m.buildArgs()

	// Best-effort attempt to raise the file descriptor limit. dashd
	// requires a finite numeric limit and refuses to start when the soft
	// limit is too low or reported as unlimited.
	_ = raiseNoFileLimit()

	// #nosec G204 -- exePath was validated above and args are built by
	// this manager.
	cmd := exec.Command(exePath, args...)
	cmd.Dir = m.dataDir
	cmd.Stdout = io.Discard
	cmd.Stderr = &m.stderr

	err = cmd.Start()
	if err != nil {
		return 0, "", fmt.Errorf("start dashd: %w", err)
	}

	m.cmd = cmd
	m.waitDone = make(chan struct{})

	go func() {
		_ = cmd.Wait()
		close(m.waitDone)
	}()

	log.Debugf("dashd started (pid=%d), waiting for readiness",
		cmd.Process.Pid)

	err = m.awaitReady(ctx)
	if err != nil {
		return 0, "", err
	}

	log.Infof("dashd ready on RPC port %d", m.rpcPort)

	return m.rpcPort, m.dataDir, nil
}

// buildArgs assembles the deterministic dashd argument set.
//
// Indexing features unrelated to fixture generation are disabled for speed;
// strategy-specific extras (e.g. the block filter index) come in through
// ExtraArgs.
func (m *Manager) buildArgs() []string {
	args := []string{
		"-datadir=" + m.dataDir,
		fmt.Sprintf("-port=%d", m.p2pPort),
		fmt.Sprintf("-rpcport=%d", m.rpcPort),
		"-server=1",
		// Run in foreground; this manager owns the process.
		"-daemon=0",
		"-fallbackfee=0.00001",
		"-rpcbind=127.0.0.1",
		"-rpcallowip=127.0.0.1",
		"-listen=1",
		"-txindex=0",
		"-addressindex=0",
		"-spentindex=0",
		"-timestampindex=0",
	}

	if m.cfg.Network != "mainnet" {
		args = append([]string{"-" + m.cfg.Network}, args...)
	}

	return append(args, m.cfg.ExtraArgs...)
}

// awaitReady polls the node's liveness call until it succeeds, re-checking
// process liveness each iteration so a dead process fails fast.
func (m *Manager) awaitReady(ctx context.Context) error {
	cli := rpc.NewClient(
		m.cfg.CLIExecutable, m.cfg.Network, m.dataDir, m.rpcPort,
	)

	probe := func() error {
		_, err := cli.GetBlockCount(ctx)
		return err
	}

	// Probe immediately so an already-responsive node doesn't wait out
	// the first tick.
	lastErr := probe()
	if lastErr == nil {
		return nil
	}

	deadline := time.NewTimer(startupTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.waitDone:
			return fmt.Errorf("%w: %s", ErrProcessExited,
				m.Stderr())

		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			return fmt.Errorf("%w within %v: %v",
				ErrStartupTimeout, startupTimeout, lastErr)

		case <-ticker.C:
			err := probe()
			if err == nil {
				return nil
			}

			lastErr = err
			log.Tracef("readiness probe: %v", err)
		}
	}
}

// Terminate stops the dashd process gracefully but leaves the data directory
// in place, so the chain state can still be copied out. Safe to call
// multiple times and safe to call when never started.
func (m *Manager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminateLocked()
}

func (m *Manager) terminateLocked() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}

	log.Infof("Stopping dashd (pid=%d)", m.cmd.Process.Pid)

	err := m.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		log.Warnf("Signal dashd: %v", err)
	}

	select {
	case <-m.waitDone:

	case <-time.After(shutdownTimeout):
		log.Warnf("dashd didn't stop within %v, force killing",
			shutdownTimeout)

		_ = m.cmd.Process.Kill()
		<-m.waitDone
	}

	// Mark the process handle as stopped so repeated calls are no-ops.
	m.cmd = nil
}

// Stop terminates the process and removes the data directory unless it is
// marked to be kept. Idempotent: safe to call multiple times and safe to
// call when never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return
	}
	m.state = StateStopping

	m.terminateLocked()

	if m.dataDir != "" && !m.cfg.KeepDataDir {
		log.Debugf("Removing data dir %s", m.dataDir)

		// Cleanup is best-effort: secondary failures during teardown
		// are logged, never raised.
		err := os.RemoveAll(m.dataDir)
		if err != nil {
			log.Warnf("Remove data dir %s: %v", m.dataDir, err)
		}

		m.dataDir = ""
	}

	m.state = StateStopped
}

// resolveExecutable validates that the configured executable exists and is
// runnable, returning its absolute path.
func resolveExecutable(exe string) (string, error) {
	if exe == "" {
		return "", fmt.Errorf("%w: empty path", ErrExecutableNotFound)
	}

	// Bare names are resolved from PATH; anything with a separator is
	// validated directly.
	if !strings.ContainsRune(exe, os.PathSeparator) {
		path, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrExecutableNotFound,
				exe)
		}

		return filepath.Abs(path)
	}

	info, err := os.Stat(exe)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%w: %q", ErrExecutableNotFound, exe)
	}

	return filepath.Abs(exe)
}

// NetworkSubdir returns the name of the subdirectory dashd uses for chain
// state on the given network. Mainnet stores state directly in the data
// directory.
func NetworkSubdir(network string) string {
	switch network {
	case "testnet":
		return "testnet3"
	case "mainnet":
		return ""
	default:
		return network
	}
}
