// Package gen implements the phased block-generation engine that drives a
// dashd regtest node through a scripted sequence of states and captures the
// resulting chain and wallet data as SPV wallet-sync test fixtures.
package gen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/yyforyongyu/dashgen/node"
	"github.com/yyforyongyu/dashgen/node/wait"
	"github.com/yyforyongyu/dashgen/rpc"
)

// Strategy is the set of generation capabilities a run needs. It replaces
// the usual "subclass must implement" pattern with a fixed capability set
// selected by configuration.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// LoadAddresses sets up the participating wallets and pre-generates
	// the test wallet's address indices.
	LoadAddresses(ctx context.Context) error

	// InitializeUTXOPool mines past coinbase maturity and splits the
	// faucet balance into a pool of funding UTXOs.
	InitializeUTXOPool(ctx context.Context) error

	// GenerateBlocks drives the chain from the bootstrap height to the
	// target height with the strategy's structural properties.
	GenerateBlocks(ctx context.Context) error
}

// Generator orchestrates one fixture-generation run. It owns the node
// process handle for the run's duration and is the sole mutator of the
// wallet records, the address index, and the stats.
type Generator struct {
	cfg Config

	strategy Strategy

	// nodeMgr is non-nil only when this run auto-started the node.
	nodeMgr *node.Manager

	cli *rpc.Client

	// dataDir is the node's data directory, whether managed or external.
	dataDir string

	// wallets holds one record per participating wallet, faucet first.
	wallets []*WalletRecord

	// addrs maps sequential index -> pre-generated test wallet address.
	// Populated once by LoadAddresses, immutable thereafter.
	addrs map[int]string

	// miningAddr is the faucet address collecting bulk mining rewards.
	miningAddr string

	stats Stats

	outputDir string
}

// New creates a Generator for the given configuration.
func New(cfg Config) (*Generator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	g := &Generator{
		cfg:   cfg,
		addrs: make(map[int]string),
	}

	switch cfg.Strategy {
	case StrategyWalletSync:
		g.strategy = &WalletSyncStrategy{g: g}

	default:
		return nil, fmt.Errorf("%w: unknown strategy %q",
			ErrInvalidConfig, cfg.Strategy)
	}

	return g, nil
}

// Stats returns the run's counters. Read at completion.
func (g *Generator) Stats() Stats {
	return g.stats
}

// OutputDir returns the output directory of a completed run.
func (g *Generator) OutputDir() string {
	return g.outputDir
}

// Run executes the full generation workflow.
//
// Cleanup of the node process and its ephemeral data directory is reachable
// from every exit path, including cancellation and RPC failure.
func (g *Generator) Run(ctx context.Context) error {
	log.Infof("Dash regtest fixture generator")
	log.Infof("Strategy: %s", g.strategy.Name())
	log.Infof("Target height: %d", g.cfg.TargetHeight)

	start := time.Now()

	// The generator is the sole owner of the process handle; its
	// destruction must run no matter how this function unwinds.
	defer func() {
		if g.nodeMgr != nil {
			g.nodeMgr.Stop()
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"start node", g.ensureNode},
		{"verify node", g.verifyNode},
		{"load addresses", g.strategy.LoadAddresses},
		{"initialize utxo pool", g.strategy.InitializeUTXOPool},
		{"generate blocks", g.strategy.GenerateBlocks},
		{"export", g.export},
	}

	for _, step := range steps {
		// Cancellation is checked at every phase boundary so an
		// interrupt still flows through the deferred cleanup above.
		if err := ctx.Err(); err != nil {
			return err
		}

		err := step.run(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	log.Infof("Generation complete")
	log.Infof("Blocks: %d", g.stats.BlocksGenerated)
	log.Infof("Transactions: %d", g.stats.TransactionsCreated)
	log.Infof("Coinbase rewards: %d", g.stats.CoinbaseRewards)
	log.Infof("UTXO replenishments: %d", g.stats.UTXOReplenishments)
	log.Infof("Total duration: %v", time.Since(start).Round(time.Second))

	return nil
}

// ensureNode starts dashd when auto-start is enabled and wires up the
// command client either way.
func (g *Generator) ensureNode(ctx context.Context) error {
	if !g.cfg.AutoStart {
		g.dataDir = g.cfg.DataDir
		g.cli = rpc.NewClient(
			g.cfg.CLIExecutable, g.cfg.Network, g.dataDir,
			g.cfg.RPCPort,
		)

		return nil
	}

	g.nodeMgr = node.NewManager(node.Config{
		Executable:    g.cfg.NodeExecutable,
		CLIExecutable: g.cfg.CLIExecutable,
		Network:       g.cfg.Network,
		RPCPort:       g.cfg.RPCPort,
		ExtraArgs:     g.cfg.ExtraNodeArgs,
		KeepDataDir:   g.cfg.KeepDataDir,
	})

	rpcPort, dataDir, err := g.nodeMgr.Start(ctx)
	if err != nil {
		return err
	}

	g.dataDir = dataDir
	g.cli = rpc.NewClient(
		g.cfg.CLIExecutable, g.cfg.Network, dataDir, rpcPort,
	)

	return nil
}

// connectTimeout bounds how long verifyNode polls an externally managed
// node before giving up on the connection.
const connectTimeout = 5 * time.Second

// verifyNode checks the node is responsive and ensures the faucet wallet is
// loaded, creating it when it doesn't exist yet.
func (g *Generator) verifyNode(ctx context.Context) error {
	// An externally managed node may still be warming up, so the first
	// probe gets a short polling window rather than a single shot.
	var height int64
	err := wait.NoErrorCtx(ctx, func() error {
		var err error
		height, err = g.cli.GetBlockCount(ctx)

		return err
	}, connectTimeout)
	if err != nil {
		if errors.Is(err, rpc.ErrConnection) {
			return fmt.Errorf("%w (is dashd running in %s mode?)",
				err, g.cfg.Network)
		}

		return err
	}

	log.Infof("Connected to dashd (current height: %d)", height)

	err = g.cli.LoadWallet(ctx, g.cfg.FaucetWallet)
	switch {
	case err == nil:
		log.Infof("Loaded wallet: %s", g.cfg.FaucetWallet)

	case rpc.MessageContains(err, "already loaded"):
		log.Infof("Wallet already loaded: %s", g.cfg.FaucetWallet)

	case rpc.MessageContains(err, "not found"),
		rpc.MessageContains(err, "does not exist"):

		err = g.cli.CreateWallet(ctx, g.cfg.FaucetWallet)
		if err != nil {
			return fmt.Errorf("create wallet %s: %w",
				g.cfg.FaucetWallet, err)
		}

		log.Infof("Created wallet: %s", g.cfg.FaucetWallet)

	default:
		return fmt.Errorf("load wallet %s: %w", g.cfg.FaucetWallet,
			err)
	}

	return nil
}

// sendToWallet sends amt from the faucet to the test wallet address at the
// given pre-generated index.
func (g *Generator) sendToWallet(ctx context.Context, index int,
	amt btcutil.Amount, desc string) error {

	addr, ok := g.addrs[index]
	if !ok {
		return fmt.Errorf("no pre-generated address at index %d",
			index)
	}

	_, err := g.cli.SendToAddress(ctx, g.cfg.FaucetWallet, addr, amt)
	if err != nil {
		if rpc.MessageContains(err, "insufficient funds") {
			// Keep the node's rejection in the chain so optional
			// steps can still absorb it locally.
			return fmt.Errorf("%w: sending %s to index %d: %w",
				ErrInsufficientFunds, formatDash(amt), index,
				err)
		}

		return err
	}

	g.stats.TransactionsCreated++

	if desc != "" {
		log.Debugf("Sent %s to index %d (%s)", formatDash(amt), index,
			desc)
	} else {
		log.Debugf("Sent %s to index %d", formatDash(amt), index)
	}

	return nil
}

// mineBlocks mines count blocks to addr, or to the faucet mining address
// when addr is empty.
func (g *Generator) mineBlocks(ctx context.Context, count int64,
	addr string) error {

	if count <= 0 {
		return nil
	}

	if addr == "" {
		addr = g.miningAddr
	}

	_, err := g.cli.GenerateToAddress(ctx, count, addr)
	return err
}

// mineAndLog mines count blocks to the faucet and logs the resulting height.
func (g *Generator) mineAndLog(ctx context.Context, count int64,
	desc string) error {

	err := g.mineBlocks(ctx, count, "")
	if err != nil {
		return err
	}

	height, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	log.Debugf("Mined %d blocks -> height %d (%s)", count, height, desc)

	return nil
}

// formatDash renders an amount in DASH for logs and error text.
func formatDash(amt btcutil.Amount) string {
	return rpc.FormatAmount(amt) + " DASH"
}

// dashAmount converts a coin-denominated value into an Amount. Values come
// from the fixed phase tables, so conversion failures cannot happen.
func dashAmount(v float64) btcutil.Amount {
	amt, err := btcutil.NewAmount(v)
	if err != nil {
		panic(fmt.Sprintf("invalid amount %v: %v", v, err))
	}

	return amt
}
