// dashgen generates deterministic Dash regtest blockchains for SPV
// wallet-sync testing. It launches a throwaway dashd, scripts a known
// sequence of wallet activity onto the chain, and exports the resulting
// chain state plus per-wallet JSON summaries.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"

	"github.com/yyforyongyu/dashgen/gen"
	"github.com/yyforyongyu/dashgen/node"
	"github.com/yyforyongyu/dashgen/rpc"
)

// Exit codes, distinguishable enough for CI scripts to branch on.
const (
	exitOK                = 0
	exitConfig            = 1
	exitConnection        = 2
	exitInsufficientFunds = 3
	exitGeneration        = 4
	exitInterrupted       = 130
)

// opts holds the command line configuration.
type opts struct {
	Blocks int64 `short:"b" long:"blocks" default:"200" description:"Target blockchain height"`

	Strategy string `long:"strategy" default:"wallet-sync" description:"Generation strategy"`

	DashdPath string `long:"dashd-path" default:"dashd" description:"Path to the dashd executable"`

	CLIPath string `long:"cli-path" description:"Path to the dash-cli executable (default: next to dashd)"`

	NoAutoStart bool `long:"no-auto-start" description:"Use an already-running dashd instead of launching one"`

	DataDir string `long:"datadir" description:"Data directory of the external dashd (with --no-auto-start)"`

	RPCPort int `long:"rpc-port" description:"RPC port (default: probe from 19998)"`

	OutputDir string `short:"o" long:"output-dir" default:"data" description:"Base directory for exported fixtures"`

	KeepTemp bool `long:"keep-temp" description:"Keep the node's temporary data directory"`

	DebugLevel string `short:"d" long:"debuglevel" default:"info" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var cfg opts

	parser := flags.NewParser(&cfg, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) &&
			flagsErr.Type == flags.ErrHelp {

			return exitOK
		}

		return exitConfig
	}

	logger, err := setUpLogging(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	cliPath := cfg.CLIPath
	if cliPath == "" {
		cliPath = deriveCLIPath(cfg.DashdPath)
	}

	generator, err := gen.New(gen.Config{
		TargetHeight:   cfg.Blocks,
		Strategy:       cfg.Strategy,
		NodeExecutable: cfg.DashdPath,
		CLIExecutable:  cliPath,
		RPCPort:        cfg.RPCPort,
		AutoStart:      !cfg.NoAutoStart,
		DataDir:        cfg.DataDir,
		OutputBase:     cfg.OutputDir,
		KeepDataDir:    cfg.KeepTemp,
	})
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		return exitConfig
	}

	// A second signal kills the process the default way, for when
	// graceful shutdown itself hangs.
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	err = generator.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warnf("Interrupted, cleaning up")
			return exitInterrupted
		}

		logger.Errorf("Generation failed: %v", err)

		return exitCode(err)
	}

	logger.Infof("Output directory: %s", generator.OutputDir())

	return exitOK
}

// exitCode maps a generation failure onto the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, gen.ErrInvalidConfig):
		return exitConfig

	case errors.Is(err, rpc.ErrConnection),
		errors.Is(err, node.ErrExecutableNotFound),
		errors.Is(err, node.ErrStartupTimeout),
		errors.Is(err, node.ErrProcessExited):

		return exitConnection

	case errors.Is(err, gen.ErrInsufficientFunds):
		return exitInsufficientFunds

	default:
		return exitGeneration
	}
}

// setUpLogging wires per-package subsystem loggers to stdout at the
// requested level and returns the main logger.
func setUpLogging(level string) (btclog.Logger, error) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	backend := btclog.NewBackend(os.Stdout)

	dgen := backend.Logger("DGEN")
	dnod := backend.Logger("NODE")
	dcli := backend.Logger("DCLI")

	dgen.SetLevel(lvl)
	dnod.SetLevel(lvl)
	dcli.SetLevel(lvl)

	gen.UseLogger(dgen)
	node.UseLogger(dnod)
	rpc.UseLogger(dcli)

	return dgen, nil
}

// deriveCLIPath locates dash-cli next to the dashd executable. A bare
// executable name stays bare so PATH lookup applies to both.
func deriveCLIPath(dashdPath string) string {
	dir := filepath.Dir(dashdPath)
	if dir == "." {
		return "dash-cli"
	}

	return filepath.Join(dir, "dash-cli")
}
