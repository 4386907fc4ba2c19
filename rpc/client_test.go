package rpc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFormatAmount checks fixed-point rendering of monetary values.
func TestFormatAmount(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		coins float64
		want  string
	}{
		{coins: 0.00001, want: "0.00001000"},
		{coins: 0.1, want: "0.10000000"},
		{coins: 1, want: "1.00000000"},
		{coins: 100, want: "100.00000000"},
		{coins: 2.5, want: "2.50000000"},
	}

	for _, tc := range testCases {
		amt, err := btcutil.NewAmount(tc.coins)
		require.NoError(t, err)

		require.Equal(t, tc.want, FormatAmount(amt))
	}
}

// TestEncodeArg checks positional argument rendering.
func TestEncodeArg(t *testing.T) {
	t.Parallel()

	amt, err := btcutil.NewAmount(1.5)
	require.NoError(t, err)

	testCases := []struct {
		name string
		arg  interface{}
		want string
	}{
		{
			name: "string passes through verbatim",
			arg:  "yTestAddress",
			want: "yTestAddress",
		},
		{
			name: "amount renders fixed point",
			arg:  amt,
			want: "1.50000000",
		},
		{
			name: "int renders as JSON number",
			arg:  500,
			want: "500",
		},
		{
			name: "bool renders as JSON",
			arg:  true,
			want: "true",
		},
		{
			name: "map renders as JSON object",
			arg:  map[string]int{"a": 1},
			want: `{"a":1}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := encodeArg(tc.arg)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestParseRPCError checks extraction of node rejections from dash-cli
// stderr.
func TestParseRPCError(t *testing.T) {
	t.Parallel()

	t.Run("code and message form", func(t *testing.T) {
		t.Parallel()

		stderr := "error code: -18\n" +
			"error message:\n" +
			"Requested wallet does not exist or is not loaded"

		rpcErr, ok := parseRPCError(stderr)
		require.True(t, ok)
		require.Equal(t, -18, rpcErr.Code)
		require.Equal(t,
			"Requested wallet does not exist or is not loaded",
			rpcErr.Message)
	})

	t.Run("legacy json form", func(t *testing.T) {
		t.Parallel()

		stderr := `error: {"code":-6,"message":"Insufficient funds"}`

		rpcErr, ok := parseRPCError(stderr)
		require.True(t, ok)
		require.Equal(t, -6, rpcErr.Code)
		require.Equal(t, "Insufficient funds", rpcErr.Message)
	})

	t.Run("unrelated stderr", func(t *testing.T) {
		t.Parallel()

		_, ok := parseRPCError("error: timeout on transient error")
		require.False(t, ok)

		_, ok = parseRPCError("something went wrong")
		require.False(t, ok)
	})

	t.Run("garbled code", func(t *testing.T) {
		t.Parallel()

		_, ok := parseRPCError("error code: xx\nerror message:\nboom")
		require.False(t, ok)
	})
}

// TestClassifyFailure checks the split between node rejections and
// connectivity failures.
func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	t.Run("node rejection", func(t *testing.T) {
		t.Parallel()

		stderr := "error code: -6\nerror message:\nInsufficient funds"

		err := classifyFailure("sendtoaddress", stderr, errors.New("exit 1"))

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, -6, rpcErr.Code)
		require.NotErrorIs(t, err, ErrConnection)
	})

	t.Run("connection refused", func(t *testing.T) {
		t.Parallel()

		stderr := "error: Could not connect to the server " +
			"127.0.0.1:19998"

		err := classifyFailure("getblockcount", stderr, errors.New("exit 1"))
		require.ErrorIs(t, err, ErrConnection)
	})

	t.Run("node warming up", func(t *testing.T) {
		t.Parallel()

		for _, stderr := range []string{
			"error: Loading block index...",
			"error: Verifying blocks...",
			"error: Starting RPC server",
			"error: timeout on transient error",
		} {
			err := classifyFailure("getblockcount", stderr,
				errors.New("exit 1"))
			require.ErrorIs(t, err, ErrConnection, stderr)
		}
	})

	t.Run("empty stderr", func(t *testing.T) {
		t.Parallel()

		execErr := errors.New("fork/exec: no such file")

		err := classifyFailure("getblockcount", "", execErr)
		require.ErrorIs(t, err, ErrConnection)
		require.Contains(t, err.Error(), execErr.Error())
	})
}

// TestMessageContains checks case-insensitive rejection matching.
func TestMessageContains(t *testing.T) {
	t.Parallel()

	rejection := &RPCError{Code: -4, Message: "Wallet already loaded"}
	wrapped := classifyFailure("loadwallet",
		"error code: -4\nerror message:\nWallet already loaded",
		errors.New("exit 1"))

	require.True(t, MessageContains(rejection, "already loaded"))
	require.True(t, MessageContains(rejection, "ALREADY LOADED"))
	require.True(t, MessageContains(wrapped, "already loaded"))

	require.False(t, MessageContains(rejection, "not found"))
	require.False(t, MessageContains(errors.New("already loaded"),
		"already loaded"))
	require.False(t, MessageContains(nil, "already loaded"))
}

// writeStubCLI installs a shell script in a temp dir posing as dash-cli and
// returns its path. The script records its arguments in an "args" file next
// to itself.
func writeStubCLI(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("stub dash-cli requires a POSIX shell")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "dash-cli")

	script := "#!/bin/sh\n" +
		`echo "$@" > "$(dirname "$0")/args"` + "\n" +
		body + "\n"

	// #nosec G306 -- the stub must be executable.
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))

	return path
}

// stubArgs returns the argument line the stub recorded.
func stubArgs(t *testing.T, cliPath string) string {
	t.Helper()

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(cliPath), "args"))
	require.NoError(t, err)

	return strings.TrimSpace(string(raw))
}

// TestClientInvocation runs real dash-cli invocations against a stub script
// and checks argument construction and result parsing.
func TestClientInvocation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("getblockcount", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t, `echo 42`)
		c := NewClient(cli, "regtest", "/tmp/dash-data", 19998)

		height, err := c.GetBlockCount(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 42, height)

		require.Equal(t,
			"-regtest -datadir=/tmp/dash-data -rpcport=19998 "+
				"getblockcount",
			stubArgs(t, cli))
	})

	t.Run("wallet scoping", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t, `echo yNewAddress`)
		c := NewClient(cli, "regtest", "", 0)

		addr, err := c.GetNewAddressWithLabel(ctx, "wallet", "addr_0")
		require.NoError(t, err)
		require.Equal(t, "yNewAddress", addr)

		require.Equal(t,
			"-regtest -rpcwallet=wallet getnewaddress addr_0",
			stubArgs(t, cli))
	})

	t.Run("mainnet takes no network flag", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t, `echo 1`)
		c := NewClient(cli, "mainnet", "", 0)

		_, err := c.GetBlockCount(ctx)
		require.NoError(t, err)

		require.Equal(t, "getblockcount", stubArgs(t, cli))
	})

	t.Run("amount argument", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t, `echo `+strings.Repeat("ab", 32))
		c := NewClient(cli, "regtest", "", 0)

		amt, err := btcutil.NewAmount(0.00001)
		require.NoError(t, err)

		_, err = c.SendToAddress(ctx, "default", "yDest", amt)
		require.NoError(t, err)

		require.Equal(t,
			"-regtest -rpcwallet=default sendtoaddress yDest "+
				"0.00001000",
			stubArgs(t, cli))
	})

	t.Run("generatetoaddress", func(t *testing.T) {
		t.Parallel()

		hashHex := strings.Repeat("01", 32)
		cli := writeStubCLI(t,
			`echo '["`+hashHex+`","`+hashHex+`"]'`)
		c := NewClient(cli, "regtest", "", 0)

		hashes, err := c.GenerateToAddress(ctx, 2, "yMiner")
		require.NoError(t, err)
		require.Len(t, hashes, 2)

		require.Equal(t, "-regtest generatetoaddress 2 yMiner",
			stubArgs(t, cli))
	})

	t.Run("node rejection surfaces as RPCError", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t,
			`echo "error code: -18" >&2`+"\n"+
				`echo "error message:" >&2`+"\n"+
				`echo "Requested wallet does not exist" >&2`+
				"\n"+`exit 1`)
		c := NewClient(cli, "regtest", "", 0)

		err := c.LoadWallet(ctx, "missing")

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, -18, rpcErr.Code)
		require.True(t, MessageContains(err, "does not exist"))
	})

	t.Run("malformed result", func(t *testing.T) {
		t.Parallel()

		cli := writeStubCLI(t, `echo "not a number"`)
		c := NewClient(cli, "regtest", "", 0)

		_, err := c.GetBlockCount(ctx)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()

		c := NewClient(filepath.Join(t.TempDir(), "nope"), "regtest",
			"", 0)

		_, err := c.GetBlockCount(ctx)
		require.ErrorIs(t, err, ErrConnection)
	})
}
