package gen

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yyforyongyu/dashgen/rpc"
)

// TestSendToWalletInsufficientFunds checks that an insufficient-funds
// rejection maps to ErrInsufficientFunds while keeping the node's rejection
// in the chain, so optional steps (periodic sends, consolidation) can still
// absorb it locally instead of aborting the run.
func TestSendToWalletInsufficientFunds(t *testing.T) {
	t.Parallel()

	cli := newStubClient(t, `echo "error code: -6" >&2
echo "error message:" >&2
echo "Insufficient funds" >&2
exit 1`)

	g := &Generator{
		cfg:   Config{FaucetWallet: DefaultFaucetWallet},
		cli:   cli,
		addrs: map[int]string{1: "yTestAddr"},
	}

	err := g.sendToWallet(
		context.Background(), 1, dashAmount(0.02), "periodic send",
	)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.True(t, isLocalSendFailure(err))

	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -6, rpcErr.Code)

	// Amounts in user-facing text are DASH-denominated.
	require.Contains(t, err.Error(), "0.02000000 DASH")
}

// TestFormatDash checks the amount rendering used in logs and errors.
func TestFormatDash(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0.02000000 DASH", formatDash(dashAmount(0.02)))
	require.Equal(t, "100.00000000 DASH", formatDash(dashAmount(100)))
}

// TestGenerateFixtureEndToEnd runs a full small generation against a real
// dashd. It needs dashd and dash-cli on PATH and is skipped otherwise.
func TestGenerateFixtureEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end generation in short mode")
	}

	if _, err := exec.LookPath("dashd"); err != nil {
		t.Skip("dashd not found in PATH")
	}
	if _, err := exec.LookPath("dash-cli"); err != nil {
		t.Skip("dash-cli not found in PATH")
	}

	outputBase := t.TempDir()

	g, err := New(Config{
		TargetHeight: 200,
		OutputBase:   outputBase,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Minute,
	)
	defer cancel()

	require.NoError(t, g.Run(ctx))

	stats := g.Stats()
	require.Positive(t, stats.BlocksGenerated)
	require.Positive(t, stats.TransactionsCreated)
	require.Positive(t, stats.CoinbaseRewards)
	require.EqualValues(t, 1, stats.UTXOReplenishments)

	// The output directory is named by network and target height.
	outputDir := g.OutputDir()
	require.Equal(t, filepath.Join(outputBase, "regtest-200"), outputDir)

	// Chain state must have been copied out before teardown.
	info, err := os.Stat(filepath.Join(outputDir, "regtest", "blocks"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Both wallet summaries must exist, and the test wallet must carry
	// its recovery phrase and pre-generated addresses.
	raw, err := os.ReadFile(
		filepath.Join(outputDir, "wallets", "wallet.json"),
	)
	require.NoError(t, err)

	var decoded struct {
		WalletName             string  `json:"wallet_name"`
		Mnemonic               string  `json:"mnemonic"`
		Balance                float64 `json:"balance"`
		TransactionCount       int     `json:"transaction_count"`
		UniqueTransactionCount int     `json:"unique_transaction_count"`
		UTXOCount              int     `json:"utxo_count"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.Equal(t, "wallet", decoded.WalletName)
	require.GreaterOrEqual(t, len(strings.Fields(decoded.Mnemonic)), 12)
	require.Positive(t, decoded.Balance)
	require.Positive(t, decoded.TransactionCount)
	require.LessOrEqual(t, decoded.UniqueTransactionCount,
		decoded.TransactionCount)
	require.Positive(t, decoded.UTXOCount)

	_, err = os.Stat(filepath.Join(outputDir, "wallets", "default.json"))
	require.NoError(t, err)

	// The ephemeral node data directory must be gone.
	if dataDir := g.dataDir; dataDir != "" {
		_, err := os.Stat(dataDir)
		require.True(t, os.IsNotExist(err))
	}
}
