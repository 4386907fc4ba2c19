package gen

import (
	"fmt"

	"github.com/yyforyongyu/dashgen/rpc"
)

const (
	// MinTargetHeight is the lowest usable target height: 100 blocks of
	// coinbase maturity plus bootstrap headroom.
	MinTargetHeight = 120

	// DefaultFaucetWallet is the name of the node wallet used as the
	// funding faucet.
	DefaultFaucetWallet = "default"

	// StrategyWalletSync identifies the SPV wallet-sync fixture strategy.
	StrategyWalletSync = "wallet-sync"
)

// defaultNodeArgs enable the compact filter index on auto-started nodes, so
// the exported chain state serves SPV filter sync out of the box.
var defaultNodeArgs = []string{
	"-blockfilterindex=1",
	"-peerblockfilters=1",
}

// Config holds the immutable parameters of a generation run.
type Config struct {
	// TargetHeight is the chain height the run must end at.
	TargetHeight int64

	// Strategy selects the generation strategy. Defaults to
	// StrategyWalletSync.
	Strategy string

	// NodeExecutable is the dashd binary, path or PATH name.
	NodeExecutable string

	// CLIExecutable is the dash-cli binary, path or PATH name.
	CLIExecutable string

	// Network is the dashd network. Defaults to regtest; fixture
	// generation on any other network is unusual but not forbidden.
	Network string

	// RPCPort requests a fixed RPC port for the node. Zero auto-detects.
	RPCPort int

	// AutoStart launches a dashd instance for the run. When false, the
	// run drives an already-running node reachable through DataDir.
	AutoStart bool

	// DataDir is the data directory of an externally managed node. Only
	// used when AutoStart is false.
	DataDir string

	// ExtraNodeArgs are appended to the dashd startup flags, e.g. the
	// compact filter index flags for SPV testing.
	ExtraNodeArgs []string

	// OutputBase is the directory under which the per-height output
	// directory is created.
	OutputBase string

	// KeepDataDir keeps the ephemeral node data directory after the run.
	KeepDataDir bool

	// FaucetWallet is the node wallet funding the run. Defaults to
	// DefaultFaucetWallet.
	FaucetWallet string
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.TargetHeight < MinTargetHeight {
		return fmt.Errorf("%w: target height %d below minimum %d "+
			"(coinbase maturity requirement)", ErrInvalidConfig,
			c.TargetHeight, MinTargetHeight)
	}

	if c.OutputBase == "" {
		return fmt.Errorf("%w: output directory not set",
			ErrInvalidConfig)
	}

	if c.Strategy == "" {
		c.Strategy = StrategyWalletSync
	}
	if c.NodeExecutable == "" {
		c.NodeExecutable = "dashd"
	}
	if c.CLIExecutable == "" {
		c.CLIExecutable = "dash-cli"
	}
	if c.Network == "" {
		c.Network = rpc.DefaultNetwork
	}
	if c.FaucetWallet == "" {
		c.FaucetWallet = DefaultFaucetWallet
	}
	if c.AutoStart && len(c.ExtraNodeArgs) == 0 {
		c.ExtraNodeArgs = defaultNodeArgs
	}

	return nil
}
