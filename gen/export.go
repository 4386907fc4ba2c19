package gen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/yyforyongyu/dashgen/node"
	"github.com/yyforyongyu/dashgen/rpc"
)

const (
	// exportDirPerm protects exported fixtures, which include wallet
	// recovery phrases.
	exportDirPerm = 0o750

	// exportFilePerm is the permission of exported wallet JSON files.
	exportFilePerm = 0o640

	// copyConcurrency bounds the parallel chain-data file copy.
	copyConcurrency = 8
)

// walletExport is the JSON shape of an exported per-wallet summary.
type walletExport struct {
	WalletName             string       `json:"wallet_name"`
	Mnemonic               string       `json:"mnemonic"`
	Balance                float64      `json:"balance"`
	TransactionCount       int          `json:"transaction_count"`
	UniqueTransactionCount int          `json:"unique_transaction_count"`
	UTXOCount              int          `json:"utxo_count"`
	Transactions           []TxRecord   `json:"transactions"`
	UTXOs                  []UTXORecord `json:"utxos"`
}

// export writes the run's output: per-wallet JSON summaries plus a full copy
// of the node's chain state, into a directory named by the target height.
// An existing output directory for the same height is replaced entirely.
func (g *Generator) export(ctx context.Context) error {
	log.Infof("Exporting blockchain data")

	finalHeight, err := g.cli.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	if finalHeight != g.cfg.TargetHeight {
		log.Warnf("Final height (%d) differs from target (%d)",
			finalHeight, g.cfg.TargetHeight)
	}

	g.outputDir = filepath.Join(
		g.cfg.OutputBase,
		fmt.Sprintf("%s-%d", g.cfg.Network, g.cfg.TargetHeight),
	)

	_, err = os.Stat(g.outputDir)
	if err == nil {
		log.Infof("Removing existing output directory: %s",
			g.outputDir)

		err = os.RemoveAll(g.outputDir)
		if err != nil {
			return fmt.Errorf("remove old output: %w", err)
		}
	}

	err = os.MkdirAll(g.outputDir, exportDirPerm)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	// Wallet statistics must be collected while the node is still up.
	err = g.collectWalletStatistics(ctx)
	if err != nil {
		return err
	}

	err = g.saveWalletFiles()
	if err != nil {
		return err
	}

	// The chain state can only be copied consistently once the node has
	// flushed and exited; the data directory itself survives until the
	// manager's final Stop.
	if g.nodeMgr != nil {
		log.Infof("Stopping dashd to copy blockchain data")
		g.nodeMgr.Terminate()
	}

	err = g.copyChainData(ctx)
	if err != nil {
		return err
	}

	log.Infof("Exported to %s", g.outputDir)

	return nil
}

// collectWalletStatistics fills each wallet record with its transaction
// history, UTXO set, balance, and recovery phrase.
func (g *Generator) collectWalletStatistics(ctx context.Context) error {
	log.Infof("Collecting wallet statistics")

	for _, w := range g.wallets {
		log.Debugf("Processing %s", w.Name)

		err := CollectWalletStats(ctx, g.cli, w)
		if err != nil {
			return err
		}

		log.Infof("%s: %d txs, %d UTXOs, balance: %s", w.Name,
			len(w.Transactions), len(w.UTXOs),
			formatDash(w.Balance))
	}

	return nil
}

// CollectWalletStats queries the node for the wallet's transaction history,
// UTXO set, balance, and recovery phrase, filling the record in place.
//
// Individual query rejections are logged and tolerated so one locked-down
// call (e.g. a wallet without HD info) doesn't lose the rest of the
// wallet's data; connection failures abort.
func CollectWalletStats(ctx context.Context, cli *rpc.Client,
	w *WalletRecord) error {

	txns, err := cli.ListTransactions(ctx, w.Name)
	switch {
	case err == nil:
		w.Transactions = make([]TxRecord, 0, len(txns))
		for _, tx := range txns {
			confs := int64(0)
			if tx.Confirmations > 0 {
				confs = tx.Confirmations
			}

			w.Transactions = append(w.Transactions, TxRecord{
				Txid:          tx.TxID,
				Address:       tx.Address,
				Amount:        tx.Amount,
				Confirmations: confs,
				BlockHash:     tx.BlockHash,
				Time:          tx.Time,
			})
		}

	case isLocalSendFailure(err):
		log.Warnf("Error getting transactions for %s: %v", w.Name, err)

	default:
		return err
	}

	utxos, err := cli.ListUnspent(ctx, w.Name, 1)
	switch {
	case err == nil:
		w.UTXOs = make([]UTXORecord, 0, len(utxos))
		w.Balance = 0
		for _, u := range utxos {
			w.UTXOs = append(w.UTXOs, UTXORecord{
				Txid:          u.TxID,
				Vout:          u.Vout,
				Address:       u.Address,
				Amount:        u.Amount,
				Confirmations: u.Confirmations,
			})

			w.Balance += dashAmount(u.Amount)
		}

	case isLocalSendFailure(err):
		log.Warnf("Error getting UTXOs for %s: %v", w.Name, err)

	default:
		return err
	}

	hdInfo, err := cli.DumpHDInfo(ctx, w.Name)
	switch {
	case err == nil:
		if hdInfo.Mnemonic != "" {
			w.Mnemonic = hdInfo.Mnemonic
		}

	case isLocalSendFailure(err):
		// Not every wallet exposes HD info; keep whatever mnemonic was
		// captured at creation time.

	default:
		return err
	}

	return nil
}

// saveWalletFiles writes one JSON summary per wallet into the output's
// wallets directory.
func (g *Generator) saveWalletFiles() error {
	log.Infof("Saving wallet files")

	walletsDir := filepath.Join(g.outputDir, "wallets")

	err := os.MkdirAll(walletsDir, exportDirPerm)
	if err != nil {
		return fmt.Errorf("create wallets dir: %w", err)
	}

	for _, w := range g.wallets {
		path := filepath.Join(walletsDir, w.Name+".json")

		err := SaveWalletFile(w, path)
		if err != nil {
			return err
		}

		log.Infof("%s.json: %d addrs, %d txs, %d UTXOs, balance: %s",
			w.Name, len(w.Addresses), len(w.Transactions),
			len(w.UTXOs), formatDash(w.Balance))
	}

	return nil
}

// SaveWalletFile writes one wallet's summary JSON to path.
func SaveWalletFile(w *WalletRecord, path string) error {
	export := walletExport{
		WalletName:             w.Name,
		Mnemonic:               w.Mnemonic,
		Balance:                w.Balance.ToBTC(),
		TransactionCount:       len(w.Transactions),
		UniqueTransactionCount: countUniqueTxids(w.Transactions),
		UTXOCount:              len(w.UTXOs),
		Transactions:           w.Transactions,
		UTXOs:                  w.UTXOs,
	}

	// Empty slices export as [] rather than null for downstream parsers.
	if export.Transactions == nil {
		export.Transactions = []TxRecord{}
	}
	if export.UTXOs == nil {
		export.UTXOs = []UTXORecord{}
	}

	encoded, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet %s: %w", w.Name, err)
	}

	err = os.WriteFile(path, encoded, exportFilePerm)
	if err != nil {
		return fmt.Errorf("write wallet file: %w", err)
	}

	return nil
}

// countUniqueTxids counts distinct txids. listtransactions reports one entry
// per affected address, so a sendmany shows up multiple times.
func countUniqueTxids(txns []TxRecord) int {
	seen := make(map[string]struct{}, len(txns))
	for _, tx := range txns {
		seen[tx.Txid] = struct{}{}
	}

	return len(seen)
}

// copyChainData copies the node's on-disk chain state into the output
// directory for direct use in tests.
func (g *Generator) copyChainData(ctx context.Context) error {
	if g.dataDir == "" {
		log.Infof("No node data directory to copy")
		return nil
	}

	subdir := node.NetworkSubdir(g.cfg.Network)

	srcDir := g.dataDir
	if subdir != "" {
		srcDir = filepath.Join(g.dataDir, subdir)
	}

	_, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("chain data directory missing: %w", err)
	}

	dstDir := g.outputDir
	if subdir != "" {
		dstDir = filepath.Join(g.outputDir, subdir)
	}

	log.Infof("Copying chain data from %s", srcDir)

	size, err := copyTree(ctx, srcDir, dstDir)
	if err != nil {
		return fmt.Errorf("copy chain data: %w", err)
	}

	log.Infof("Copied chain data (%.1f MB)", float64(size)/1024/1024)

	// Report which wallet directories made it into the copy.
	var found []string
	for _, w := range g.wallets {
		info, err := os.Stat(filepath.Join(dstDir, w.Name))
		if err == nil && info.IsDir() {
			found = append(found, w.Name)
		}
	}

	if len(found) > 0 {
		log.Infof("Wallet directories copied (%d wallets: %v)",
			len(found), found)
	} else {
		log.Warnf("No wallet directories found in chain data")
	}

	return nil
}

// copyTree recursively copies src into dst, copying regular files in
// parallel, and returns the total number of bytes copied. Symlinks are
// skipped: chain data contains none, and following one out of the data
// directory would be wrong.
func copyTree(ctx context.Context, src, dst string) (int64, error) {
	type fileCopy struct {
		src, dst string
	}

	var files []fileCopy

	err := filepath.Walk(src, func(path string, info os.FileInfo,
		err error) error {

		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, exportDirPerm)

		case info.Mode().IsRegular():
			files = append(files, fileCopy{src: path, dst: target})
			return nil

		default:
			return nil
		}
	})
	if err != nil {
		return 0, err
	}

	var (
		group, groupCtx = errgroup.WithContext(ctx)
		sizes           = make([]int64, len(files))
	)
	group.SetLimit(copyConcurrency)

	for i, fc := range files {
		i, fc := i, fc
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			n, err := copyFile(fc.src, fc.dst)
			if err != nil {
				return err
			}

			sizes[i] = n

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, n := range sizes {
		total += n
	}

	return total, nil
}

// copyFile copies one regular file and returns the number of bytes copied.
func copyFile(src, dst string) (int64, error) {
	// #nosec G304 -- src comes from walking the run's own data directory.
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	// #nosec G304 -- dst is inside the run's own output directory.
	out, err := os.OpenFile(
		dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, exportFilePerm,
	)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return 0, err
	}

	err = out.Close()
	if err != nil {
		return 0, err
	}

	return n, nil
}

// ErrNoWallets is returned by ExportWallets when the data directory holds no
// wallets to export.
var ErrNoWallets = errors.New("no wallets found in data directory")

// ExportWallets re-collects and saves wallet summaries from a running node,
// for regenerating the JSON files of existing fixture data without a full
// generation run.
func ExportWallets(ctx context.Context, cli *rpc.Client,
	outputDir string) error {

	names, err := cli.ListWalletDir(ctx)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return ErrNoWallets
	}

	err = os.MkdirAll(outputDir, exportDirPerm)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for _, name := range names {
		err := cli.LoadWallet(ctx, name)
		if err != nil && !rpc.MessageContains(err, "already loaded") {
			log.Warnf("Could not load %s: %v", name, err)
		}

		w := &WalletRecord{Name: name}

		err = CollectWalletStats(ctx, cli, w)
		if err != nil {
			return err
		}

		err = SaveWalletFile(w, filepath.Join(outputDir, name+".json"))
		if err != nil {
			return err
		}
	}

	return nil
}
