package gen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/yyforyongyu/dashgen/rpc"
)

const (
	// testWalletName is the name of the wallet under test inside dashd.
	testWalletName = "wallet"

	// numAddresses is the number of addresses pre-generated at sequential
	// HD indices on the test wallet.
	numAddresses = 50

	// bootstrapBlocks is mined before any spending: 100 blocks of
	// coinbase maturity plus headroom for the pool split.
	bootstrapBlocks = 110

	// utxoPoolSize and utxoPoolValue shape the faucet UTXO pool that
	// funds later sends without input-selection failures.
	utxoPoolSize  = 50
	utxoPoolValue = 10.0

	// consolidationFee is the fixed fee of the manual consolidation
	// transaction in phase 5.
	consolidationFee = btcutil.Amount(10000)
)

// WalletSyncStrategy generates a chain optimized for SPV wallet sync
// testing: very few targeted transactions that exercise address discovery at
// various indices, the gap limit boundary and its extension, change address
// activity, immature and mature coinbase rewards, dust and large values,
// batched payments and consolidation, empty block stretches, address reuse,
// and transactions at filter batch boundaries.
type WalletSyncStrategy struct {
	g *Generator
}

// Name returns the strategy identifier.
func (s *WalletSyncStrategy) Name() string {
	return StrategyWalletSync
}

// LoadAddresses creates the test wallet and pre-generates its addresses at
// sequential indices 0..numAddresses-1.
func (s *WalletSyncStrategy) LoadAddresses(ctx context.Context) error {
	g := s.g

	log.Infof("Creating test wallet %q with %d addresses",
		testWalletName, numAddresses)

	// Faucet record placeholder; its balances are filled at export time
	// and it has no pre-generated address list.
	g.wallets = append(g.wallets, &WalletRecord{
		Name: g.cfg.FaucetWallet,
		Role: RoleFaucet,
	})

	err := g.cli.CreateWallet(ctx, testWalletName)
	switch {
	case err == nil:
		log.Debugf("Created dashd wallet: %s", testWalletName)

	case rpc.MessageContains(err, "already exists"),
		rpc.MessageContains(err, "already loaded"):

		log.Debugf("Wallet already exists: %s", testWalletName)

	default:
		return fmt.Errorf("create wallet %s: %w", testWalletName, err)
	}

	hdInfo, err := g.cli.DumpHDInfo(ctx, testWalletName)
	if err != nil {
		return fmt.Errorf("dump hd info: %w", err)
	}

	// dashd derives addresses sequentially, so generating N addresses
	// yields exactly indices 0 through N-1.
	record := &WalletRecord{
		Name:     testWalletName,
		Mnemonic: hdInfo.Mnemonic,
		Role:     RoleTest,
	}

	for i := 0; i < numAddresses; i++ {
		addr, err := g.cli.GetNewAddressWithLabel(
			ctx, testWalletName, fmt.Sprintf("addr_%d", i),
		)
		if err != nil {
			return fmt.Errorf("derive address %d: %w", i, err)
		}

		g.addrs[i] = addr
		record.Addresses = append(record.Addresses, AddressEntry{
			Address: addr,
			Index:   i,
		})
	}

	g.wallets = append(g.wallets, record)

	log.Infof("Generated %d addresses", len(g.addrs))
	log.Infof("Mnemonic: %s", record.Mnemonic)

	return nil
}

// InitializeUTXOPool mines the bootstrap blocks for coinbase maturity and
// splits the faucet balance into a pool of same-valued UTXOs.
func (s *WalletSyncStrategy) InitializeUTXOPool(ctx context.Context) error {
	g := s.g

	log.Infof("Bootstrap: mining initial blocks and creating faucet UTXOs")

	addr, err := g.cli.GetNewAddress(ctx, g.cfg.FaucetWallet)
	if err != nil {
		return fmt.Errorf("faucet mining address: %w", err)
	}
	g.miningAddr = addr

	err = g.mineBlocks(ctx, bootstrapBlocks, "")
	if err != nil {
		return fmt.Errorf("bootstrap mining: %w", err)
	}

	height, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	log.Infof("Mined %d blocks (height: %d)", bootstrapBlocks, height)
	log.Infof("Splitting faucet into %d UTXOs", utxoPoolSize)

	recipients := make(map[string]btcutil.Amount, utxoPoolSize)
	for i := 0; i < utxoPoolSize; i++ {
		poolAddr, err := g.cli.GetNewAddress(ctx, g.cfg.FaucetWallet)
		if err != nil {
			return fmt.Errorf("pool address: %w", err)
		}

		recipients[poolAddr] = dashAmount(utxoPoolValue)
	}

	_, err = g.cli.SendMany(ctx, g.cfg.FaucetWallet, recipients)
	if err != nil {
		if rpc.MessageContains(err, "insufficient funds") {
			return fmt.Errorf("%w: splitting faucet pool: %w",
				ErrInsufficientFunds, err)
		}

		return fmt.Errorf("split faucet pool: %w", err)
	}
	g.stats.UTXOReplenishments++

	err = g.mineBlocks(ctx, 1, "")
	if err != nil {
		return err
	}

	utxos, err := g.cli.ListUnspent(ctx, g.cfg.FaucetWallet, 1)
	if err != nil {
		return err
	}

	log.Infof("Faucet UTXO pool: %d UTXOs", len(utxos))

	return nil
}

// GenerateBlocks executes the phased generation sequence up to the target
// height.
func (s *WalletSyncStrategy) GenerateBlocks(ctx context.Context) error {
	g := s.g

	startHeight, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	log.Infof("Generating blocks to reach height %d (current: %d)",
		g.cfg.TargetHeight, startHeight)

	start := time.Now()

	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"normal activity", s.phaseNormalActivity},
		{"gap limit boundary", s.phaseGapLimitBoundary},
		{"beyond gap limit", s.phaseBeyondGapLimit},
		{"transaction variety", s.phaseTransactionVariety},
		{"bulk generation", s.phaseBulkGeneration},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := phase.run(ctx)
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase.name, err)
		}

		height, err := g.cli.GetBlockCount(ctx)
		if err != nil {
			return err
		}

		log.Infof("Phase %s complete at height %d", phase.name, height)
	}

	finalHeight, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}
	g.stats.BlocksGenerated = finalHeight - startHeight

	log.Infof("Completed all phases")
	log.Infof("Final height: %d", finalHeight)
	log.Infof("Transactions to test wallet: %d",
		g.stats.TransactionsCreated)
	log.Infof("Coinbase rewards to test wallet: %d",
		g.stats.CoinbaseRewards)
	log.Infof("Duration: %v", time.Since(start).Round(time.Second))

	return nil
}

// phaseNormalActivity issues varied-amount sends to scattered address
// indices, one deliberate address reuse, and one batched payment.
func (s *WalletSyncStrategy) phaseNormalActivity(ctx context.Context) error {
	g := s.g

	log.Infof("Phase: normal activity")

	type send struct {
		index int
		amt   float64
		desc  string
		mine  int64
	}

	// Each entry mines the given number of blocks after the send, so
	// transactions land at distinct heights.
	sends := []send{
		{0, 0.00001, "dust", 2},
		{2, 0.05, "small", 0},
		{5, 0.5, "medium", 2},
		{8, 1.0, "medium", 0},
		{12, 2.5, "medium", 2},
		{15, 100.0, "large", 0},
		{20, 0.1, "small", 2},
		{5, 0.25, "address reuse", 1},
	}

	for _, sd := range sends {
		err := g.sendToWallet(ctx, sd.index, dashAmount(sd.amt),
			sd.desc)
		if err != nil {
			return err
		}

		err = g.mineBlocks(ctx, sd.mine, "")
		if err != nil {
			return err
		}
	}

	// Batched payment hitting multiple indices in one transaction.
	recipients := map[string]btcutil.Amount{
		g.addrs[3]:  dashAmount(0.1),
		g.addrs[7]:  dashAmount(0.2),
		g.addrs[14]: dashAmount(0.3),
	}

	_, err := g.cli.SendMany(ctx, g.cfg.FaucetWallet, recipients)
	if err != nil {
		return fmt.Errorf("sendmany: %w", err)
	}
	g.stats.TransactionsCreated++

	log.Debugf("Sendmany to indices 3, 7, 14")

	err = g.mineBlocks(ctx, 1, "")
	if err != nil {
		return err
	}

	return g.mineAndLog(ctx, 10, "padding after normal activity")
}

// phaseGapLimitBoundary places transactions on the last three addresses
// inside the initial discovery window.
//
// The gap limit in most HD wallets is 20-30 (typically 30 for external
// addresses), so indices 27, 28 and 29 are the last ones a fresh wallet
// discovers without extending its lookahead.
func (s *WalletSyncStrategy) phaseGapLimitBoundary(ctx context.Context) error {
	g := s.g

	log.Infof("Phase: gap limit boundary")

	sends := []struct {
		index int
		amt   float64
		desc  string
	}{
		{27, 0.3, "gap limit -3"},
		{28, 0.4, "gap limit -2"},
		{29, 0.5, "gap limit -1 (last in initial gap)"},
	}

	for _, sd := range sends {
		err := g.sendToWallet(ctx, sd.index, dashAmount(sd.amt),
			sd.desc)
		if err != nil {
			return err
		}

		err = g.mineBlocks(ctx, 3, "")
		if err != nil {
			return err
		}
	}

	return g.mineAndLog(ctx, 10, "padding after gap limit")
}

// phaseBeyondGapLimit funds addresses past the initial discovery window.
// These are only discoverable after index 29 triggers a lookahead extension.
func (s *WalletSyncStrategy) phaseBeyondGapLimit(ctx context.Context) error {
	g := s.g

	log.Infof("Phase: beyond gap limit")

	sends := []struct {
		index int
		amt   float64
	}{
		{32, 0.6},
		{35, 0.7},
	}

	for _, sd := range sends {
		err := g.sendToWallet(ctx, sd.index, dashAmount(sd.amt),
			"beyond gap (discoverable after rescan)")
		if err != nil {
			return err
		}

		err = g.mineBlocks(ctx, 5, "")
		if err != nil {
			return err
		}
	}

	return g.mineAndLog(ctx, 10, "padding after beyond-gap")
}

// phaseTransactionVariety spends from the test wallet (forcing a change
// output) and attempts a manual consolidation transaction.
func (s *WalletSyncStrategy) phaseTransactionVariety(
	ctx context.Context) error {

	g := s.g

	log.Infof("Phase: transaction variety")

	// Fund the test wallet enough to spend from it.
	err := g.sendToWallet(ctx, 0, dashAmount(5.0),
		"funding for spend-from-wallet")
	if err != nil {
		return err
	}

	err = g.mineBlocks(ctx, 1, "")
	if err != nil {
		return err
	}

	// Spend from the test wallet back to the faucet, generating change to
	// an internal address. A failure here is logged, not fatal: the
	// fixture is still usable without the change-output scenario.
	faucetAddr, err := g.cli.GetNewAddress(ctx, g.cfg.FaucetWallet)
	if err != nil {
		return err
	}

	_, err = g.cli.SendToAddress(
		ctx, testWalletName, faucetAddr, dashAmount(1.0),
	)
	if err != nil {
		if !isLocalSendFailure(err) {
			return err
		}

		log.Warnf("Failed to spend from test wallet: %v", err)
	} else {
		g.stats.TransactionsCreated++
		log.Debugf("Spent 1.0 from test wallet (generates change " +
			"output)")
	}

	err = g.mineBlocks(ctx, 3, "")
	if err != nil {
		return err
	}

	err = s.consolidateUTXOs(ctx)
	if err != nil {
		return err
	}

	err = g.mineBlocks(ctx, 3, "")
	if err != nil {
		return err
	}

	return g.mineAndLog(ctx, 10, "padding after transaction variety")
}

// consolidateUTXOs merges the test wallet's two smallest UTXOs through an
// explicitly built, signed, and broadcast raw transaction. Consolidation
// failures are logged, never fatal.
func (s *WalletSyncStrategy) consolidateUTXOs(ctx context.Context) error {
	g := s.g

	utxos, err := g.cli.ListUnspent(ctx, testWalletName, 1)
	if err != nil {
		if !isLocalSendFailure(err) {
			return err
		}

		log.Warnf("Consolidation failed: %v", err)
		return nil
	}

	if len(utxos) < 2 {
		log.Debugf("Consolidation skipped: %d UTXO(s)", len(utxos))
		return nil
	}

	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Amount < utxos[j].Amount
	})
	selected := utxos[:2]

	var total btcutil.Amount
	for _, u := range selected {
		total += dashAmount(u.Amount)
	}

	if total <= consolidationFee {
		log.Debugf("Consolidation skipped: merged value %s below "+
			"fee %s", formatDash(total),
			formatDash(consolidationFee))
		return nil
	}

	inputs := make([]btcjson.TransactionInput, 0, len(selected))
	for _, u := range selected {
		inputs = append(inputs, btcjson.TransactionInput{
			Txid: u.TxID,
			Vout: u.Vout,
		})
	}

	dest, err := g.cli.GetNewAddress(ctx, testWalletName)
	if err != nil {
		return err
	}

	outputs := map[string]btcutil.Amount{
		dest: total - consolidationFee,
	}

	rawTx, err := g.cli.CreateRawTransaction(ctx, inputs, outputs)
	if err != nil {
		return s.absorbConsolidationErr(err)
	}

	signed, err := g.cli.SignRawTransactionWithWallet(
		ctx, testWalletName, rawTx,
	)
	if err != nil {
		return s.absorbConsolidationErr(err)
	}

	if !signed.Complete {
		log.Warnf("Consolidation skipped: signing incomplete")
		return nil
	}

	_, err = g.cli.SendRawTransaction(ctx, signed.Hex)
	if err != nil {
		return s.absorbConsolidationErr(err)
	}

	g.stats.TransactionsCreated++
	log.Debugf("Consolidation tx: merged %d UTXOs", len(selected))

	return nil
}

// absorbConsolidationErr swallows application-level consolidation failures
// and propagates everything else.
func (s *WalletSyncStrategy) absorbConsolidationErr(err error) error {
	if !isLocalSendFailure(err) {
		return err
	}

	log.Warnf("Consolidation failed: %v", err)

	return nil
}

// isLocalSendFailure reports whether err is a failure a phase may absorb
// locally: application-level rejections are expected for optional steps,
// while connection errors mean the node is presumed dead and must abort the
// run.
func isLocalSendFailure(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.As(err, &rpcErr)
}
