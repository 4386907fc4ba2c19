package gen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yyforyongyu/dashgen/rpc"
)

// TestConfigValidate checks rejection of unusable configurations and the
// defaults filled into valid ones.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("target height below minimum", func(t *testing.T) {
		t.Parallel()

		cfg := Config{
			TargetHeight: MinTargetHeight - 1,
			OutputBase:   "data",
		}

		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing output base", func(t *testing.T) {
		t.Parallel()

		cfg := Config{TargetHeight: 200}

		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults filled", func(t *testing.T) {
		t.Parallel()

		cfg := Config{
			TargetHeight: 200,
			OutputBase:   "data",
		}

		err := cfg.Validate()
		require.NoError(t, err)

		require.Equal(t, StrategyWalletSync, cfg.Strategy)
		require.Equal(t, "dashd", cfg.NodeExecutable)
		require.Equal(t, "dash-cli", cfg.CLIExecutable)
		require.Equal(t, rpc.DefaultNetwork, cfg.Network)
		require.Equal(t, DefaultFaucetWallet, cfg.FaucetWallet)

		// Filter-index args only apply to nodes this run launches.
		require.Empty(t, cfg.ExtraNodeArgs)
	})

	t.Run("auto-start gets filter index args", func(t *testing.T) {
		t.Parallel()

		cfg := Config{
			TargetHeight: 200,
			OutputBase:   "data",
			AutoStart:    true,
		}

		require.NoError(t, cfg.Validate())
		require.Equal(t, defaultNodeArgs, cfg.ExtraNodeArgs)

		// Explicit extra args are never overridden.
		cfg = Config{
			TargetHeight:  200,
			OutputBase:    "data",
			AutoStart:     true,
			ExtraNodeArgs: []string{"-txindex=1"},
		}

		require.NoError(t, cfg.Validate())
		require.Equal(t, []string{"-txindex=1"}, cfg.ExtraNodeArgs)
	})

	t.Run("explicit values kept", func(t *testing.T) {
		t.Parallel()

		cfg := Config{
			TargetHeight:   500,
			OutputBase:     "out",
			NodeExecutable: "/opt/dash/bin/dashd",
			CLIExecutable:  "/opt/dash/bin/dash-cli",
			Network:        "regtest",
			FaucetWallet:   "faucet",
		}

		err := cfg.Validate()
		require.NoError(t, err)

		require.Equal(t, "/opt/dash/bin/dashd", cfg.NodeExecutable)
		require.Equal(t, "faucet", cfg.FaucetWallet)
	})
}

// TestNewRejectsUnknownStrategy checks strategy selection.
func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		TargetHeight: 200,
		OutputBase:   "data",
		Strategy:     "no-such-strategy",
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	g, err := New(Config{
		TargetHeight: 200,
		OutputBase:   "data",
	})
	require.NoError(t, err)
	require.Equal(t, StrategyWalletSync, g.strategy.Name())
}
