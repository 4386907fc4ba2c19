// Package rpc implements a dash-cli backed command client.
//
// Every call is a single blocking dash-cli invocation against the node's RPC
// interface, optionally scoped to a wallet. The client is stateless with
// respect to domain data and holds no persistent connection, so it is safe to
// reuse across the whole generation run.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// DefaultNetwork is the network flag passed to dash-cli when none is
	// configured.
	DefaultNetwork = "regtest"

	// listTransactionsCap bounds how many entries a single listtransactions
	// call may return. The generator produces well under a thousand wallet
	// transactions, so this effectively means "all of them".
	listTransactionsCap = 999999999

	// listUnspentMaxConf matches the node's own maximum confirmation depth
	// filter for listunspent.
	listUnspentMaxConf = 9999999
)

// Client executes commands against a running dashd via dash-cli.
type Client struct {
	// cliPath is the dash-cli executable, either an absolute path or a
	// name resolved from PATH.
	cliPath string

	// network is the network flag (regtest, testnet) passed on every
	// invocation. Empty means mainnet, which takes no flag.
	network string

	// dataDir is the dashd data directory, used by dash-cli to locate the
	// RPC cookie.
	dataDir string

	// rpcPort overrides the default RPC port when non-zero.
	rpcPort int
}

// NewClient creates a Client that talks to the dashd using the given data
// directory and RPC port.
func NewClient(cliPath, network, dataDir string, rpcPort int) *Client {
	return &Client{
		cliPath: cliPath,
		network: network,
		dataDir: dataDir,
		rpcPort: rpcPort,
	}
}

// FormatAmount renders an amount as a fixed-point decimal string.
//
// dash-cli rejects exponent notation in monetary values, so amounts are
// always rendered with all eight decimal places.
func FormatAmount(amt btcutil.Amount) string {
	return strconv.FormatFloat(amt.ToBTC(), 'f', 8, 64)
}

// Call executes a single command without wallet scoping and returns the
// trimmed raw output.
func (c *Client) Call(ctx context.Context, method string,
	args ...interface{}) ([]byte, error) {

	return c.call(ctx, "", method, args...)
}

// CallWallet executes a single command scoped to the given wallet and returns
// the trimmed raw output.
func (c *Client) CallWallet(ctx context.Context, wallet, method string,
	args ...interface{}) ([]byte, error) {

	return c.call(ctx, wallet, method, args...)
}

// call builds the dash-cli argument list, runs it, and classifies failures.
func (c *Client) call(ctx context.Context, wallet, method string,
	args ...interface{}) ([]byte, error) {

	cliArgs := make([]string, 0, len(args)+5)

	if c.network != "" && c.network != "mainnet" {
		cliArgs = append(cliArgs, "-"+c.network)
	}
	if c.dataDir != "" {
		cliArgs = append(cliArgs, "-datadir="+c.dataDir)
	}
	if c.rpcPort != 0 {
		cliArgs = append(cliArgs, fmt.Sprintf("-rpcport=%d", c.rpcPort))
	}
	if wallet != "" {
		cliArgs = append(cliArgs, "-rpcwallet="+wallet)
	}

	cliArgs = append(cliArgs, method)

	for _, arg := range args {
		encoded, err := encodeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s argument: %w", method,
				err)
		}

		cliArgs = append(cliArgs, encoded)
	}

	// #nosec G204 -- cliPath comes from validated configuration and the
	// arguments are built by this client.
	cmd := exec.CommandContext(ctx, c.cliPath, cliArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Tracef("dash-cli %s", strings.Join(cliArgs, " "))

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classifyFailure(method, stderr.String(), err)
	}

	return bytes.TrimSpace(stdout.Bytes()), nil
}

// encodeArg renders a positional argument the way dash-cli expects it: plain
// strings are passed through verbatim, everything else is JSON-encoded.
func encodeArg(arg interface{}) (string, error) {
	switch v := arg.(type) {
	case string:
		return v, nil

	case btcutil.Amount:
		return FormatAmount(v), nil

	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}

		return string(encoded), nil
	}
}

// classifyFailure maps a failed dash-cli invocation into the typed error set.
func classifyFailure(method, stderr string, execErr error) error {
	stderr = strings.TrimSpace(stderr)
	lower := strings.ToLower(stderr)

	// dash-cli reports node rejections as:
	//
	//	error code: -18
	//	error message:
	//	Requested wallet does not exist or is not loaded
	if rpcErr, ok := parseRPCError(stderr); ok {
		return rpcErr
	}

	switch {
	case strings.Contains(lower, "could not connect"),
		strings.Contains(lower, "couldn't connect"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout on transient error"),
		strings.Contains(lower, "starting rpc server"),
		strings.Contains(lower, "loading block index"),
		strings.Contains(lower, "verifying blocks"):

		return fmt.Errorf("%w: %s: %s", ErrConnection, method,
			firstLine(stderr))
	}

	if stderr == "" {
		// dash-cli itself failed to run (missing binary, killed): the node
		// is effectively unreachable through this client.
		return fmt.Errorf("%w: %s: %v", ErrConnection, method, execErr)
	}

	return fmt.Errorf("%w: %s: %s", ErrConnection, method,
		firstLine(stderr))
}

// parseRPCError extracts the "error code"/"error message" stderr form emitted
// by dash-cli for application-level rejections.
func parseRPCError(stderr string) (*RPCError, bool) {
	const (
		codePrefix = "error code:"
		msgPrefix  = "error message:"
	)

	idx := strings.Index(stderr, codePrefix)
	if idx < 0 {
		// Older releases print "error: {json object}".
		return parseJSONError(stderr)
	}

	rest := stderr[idx+len(codePrefix):]

	var code int

	msgIdx := strings.Index(rest, msgPrefix)
	if msgIdx < 0 {
		return nil, false
	}

	codeStr := strings.TrimSpace(rest[:msgIdx])

	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, false
	}

	message := strings.TrimSpace(rest[msgIdx+len(msgPrefix):])

	return &RPCError{Code: code, Message: message}, true
}

// parseJSONError parses the legacy `error: {"code":-18,"message":"..."}` form.
func parseJSONError(stderr string) (*RPCError, bool) {
	const prefix = "error:"

	idx := strings.Index(stderr, prefix)
	if idx < 0 {
		return nil, false
	}

	payload := strings.TrimSpace(stderr[idx+len(prefix):])
	if !strings.HasPrefix(payload, "{") {
		return nil, false
	}

	var decoded struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	err := json.Unmarshal([]byte(payload), &decoded)
	if err != nil {
		return nil, false
	}

	return &RPCError{Code: decoded.Code, Message: decoded.Message}, true
}

// firstLine returns the first non-empty line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}

	return s
}

// unmarshalResult decodes a structured JSON result, mapping decode failures
// into ErrMalformedResponse.
func unmarshalResult(method string, raw []byte, dest interface{}) error {
	err := json.Unmarshal(raw, dest)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, method,
			err)
	}

	return nil
}

// GetBlockCount returns the current best block height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	raw, err := c.Call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: getblockcount: %q",
			ErrMalformedResponse, raw)
	}

	return height, nil
}

// GetNewAddress derives a fresh receiving address from the given wallet.
func (c *Client) GetNewAddress(ctx context.Context,
	wallet string) (string, error) {

	return c.getNewAddress(ctx, wallet)
}

// GetNewAddressWithLabel derives a fresh receiving address with an address
// book label from the given wallet.
func (c *Client) GetNewAddressWithLabel(ctx context.Context, wallet,
	label string) (string, error) {

	return c.getNewAddress(ctx, wallet, label)
}

func (c *Client) getNewAddress(ctx context.Context, wallet string,
	args ...interface{}) (string, error) {

	raw, err := c.CallWallet(ctx, wallet, "getnewaddress", args...)
	if err != nil {
		return "", err
	}

	addr := string(raw)
	if addr == "" {
		return "", fmt.Errorf("%w: getnewaddress: empty address",
			ErrMalformedResponse)
	}

	return addr, nil
}

// GenerateToAddress mines numBlocks blocks paying the coinbase reward to
// addr, returning the hashes of the mined blocks.
func (c *Client) GenerateToAddress(ctx context.Context, numBlocks int64,
	addr string) ([]*chainhash.Hash, error) {

	raw, err := c.Call(ctx, "generatetoaddress", numBlocks, addr)
	if err != nil {
		return nil, err
	}

	var hashStrs []string
	err = unmarshalResult("generatetoaddress", raw, &hashStrs)
	if err != nil {
		return nil, err
	}

	hashes := make([]*chainhash.Hash, 0, len(hashStrs))
	for _, s := range hashStrs {
		hash, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: generatetoaddress: "+
				"block hash %q", ErrMalformedResponse, s)
		}

		hashes = append(hashes, hash)
	}

	return hashes, nil
}

// CreateWallet creates a new wallet in the node.
func (c *Client) CreateWallet(ctx context.Context, name string) error {
	_, err := c.Call(ctx, "createwallet", name)
	return err
}

// LoadWallet loads an existing wallet in the node.
func (c *Client) LoadWallet(ctx context.Context, name string) error {
	_, err := c.Call(ctx, "loadwallet", name)
	return err
}

// ListWalletDir returns the names of all wallets present in the node's
// wallet directory, loaded or not.
func (c *Client) ListWalletDir(ctx context.Context) ([]string, error) {
	raw, err := c.Call(ctx, "listwalletdir")
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Wallets []struct {
			Name string `json:"name"`
		} `json:"wallets"`
	}

	err = unmarshalResult("listwalletdir", raw, &decoded)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(decoded.Wallets))
	for _, w := range decoded.Wallets {
		names = append(names, w.Name)
	}

	return names, nil
}

// SendToAddress sends amt from the given wallet to addr and returns the txid.
func (c *Client) SendToAddress(ctx context.Context, wallet, addr string,
	amt btcutil.Amount) (*chainhash.Hash, error) {

	raw, err := c.CallWallet(ctx, wallet, "sendtoaddress", addr, amt)
	if err != nil {
		return nil, err
	}

	return parseTxid("sendtoaddress", raw)
}

// SendMany sends a single transaction paying each address its amount, and
// returns the txid.
func (c *Client) SendMany(ctx context.Context, wallet string,
	amounts map[string]btcutil.Amount) (*chainhash.Hash, error) {

	// The legacy "fromaccount" argument must be the empty string.
	raw, err := c.CallWallet(
		ctx, wallet, "sendmany", "", amountsArg(amounts),
	)
	if err != nil {
		return nil, err
	}

	return parseTxid("sendmany", raw)
}

// ListUnspent returns the wallet's unspent outputs with at least minConf
// confirmations.
func (c *Client) ListUnspent(ctx context.Context, wallet string,
	minConf int) ([]btcjson.ListUnspentResult, error) {

	raw, err := c.CallWallet(
		ctx, wallet, "listunspent", minConf, listUnspentMaxConf,
	)
	if err != nil {
		return nil, err
	}

	var utxos []btcjson.ListUnspentResult
	err = unmarshalResult("listunspent", raw, &utxos)
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// ListTransactions returns the wallet's full transaction history, including
// watch-only entries.
func (c *Client) ListTransactions(ctx context.Context,
	wallet string) ([]btcjson.ListTransactionsResult, error) {

	raw, err := c.CallWallet(
		ctx, wallet, "listtransactions", "*", listTransactionsCap, 0,
		true,
	)
	if err != nil {
		return nil, err
	}

	var txns []btcjson.ListTransactionsResult
	err = unmarshalResult("listtransactions", raw, &txns)
	if err != nil {
		return nil, err
	}

	return txns, nil
}

// CreateRawTransaction builds an unsigned raw transaction spending the given
// inputs into the given outputs and returns its hex serialization.
func (c *Client) CreateRawTransaction(ctx context.Context,
	inputs []btcjson.TransactionInput,
	outputs map[string]btcutil.Amount) (string, error) {

	raw, err := c.Call(
		ctx, "createrawtransaction", inputs, amountsArg(outputs),
	)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// SignRawTransactionWithWallet signs rawHex with the given wallet's keys.
func (c *Client) SignRawTransactionWithWallet(ctx context.Context, wallet,
	rawHex string) (btcjson.SignRawTransactionWithWalletResult, error) {

	var result btcjson.SignRawTransactionWithWalletResult

	raw, err := c.CallWallet(
		ctx, wallet, "signrawtransactionwithwallet", rawHex,
	)
	if err != nil {
		return result, err
	}

	err = unmarshalResult("signrawtransactionwithwallet", raw, &result)
	if err != nil {
		return result, err
	}

	return result, nil
}

// SendRawTransaction broadcasts a signed raw transaction and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context,
	rawHex string) (*chainhash.Hash, error) {

	raw, err := c.Call(ctx, "sendrawtransaction", rawHex)
	if err != nil {
		return nil, err
	}

	return parseTxid("sendrawtransaction", raw)
}

// HDInfo describes a wallet's HD seed material as reported by dumphdinfo.
type HDInfo struct {
	HDSeed             string `json:"hdseed"`
	Mnemonic           string `json:"mnemonic"`
	MnemonicPassphrase string `json:"mnemonicpassphrase"`
}

// DumpHDInfo returns the HD seed and recovery phrase of the given wallet.
func (c *Client) DumpHDInfo(ctx context.Context,
	wallet string) (HDInfo, error) {

	var info HDInfo

	raw, err := c.CallWallet(ctx, wallet, "dumphdinfo")
	if err != nil {
		return info, err
	}

	err = unmarshalResult("dumphdinfo", raw, &info)
	if err != nil {
		return info, err
	}

	return info, nil
}

// amountsArg converts an address->amount map into the JSON object shape the
// node expects, with fixed-point decimal values.
func amountsArg(amounts map[string]btcutil.Amount) map[string]json.Number {
	arg := make(map[string]json.Number, len(amounts))
	for addr, amt := range amounts {
		arg[addr] = json.Number(FormatAmount(amt))
	}

	return arg
}

// parseTxid parses a txid printed by dash-cli.
func parseTxid(method string, raw []byte) (*chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: txid %q", ErrMalformedResponse,
			method, raw)
	}

	return hash, nil
}
