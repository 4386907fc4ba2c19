package gen

import "github.com/btcsuite/btcd/btcutil"

// Role tags a wallet's purpose in the run.
type Role string

const (
	// RoleFaucet marks the funding wallet that receives most mining
	// rewards and issues sends to the test wallet.
	RoleFaucet Role = "faucet"

	// RoleTest marks the wallet under test, the one SPV sync fixtures
	// target.
	RoleTest Role = "test"
)

// AddressEntry pairs a pre-generated receiving address with its HD derivation
// index.
type AddressEntry struct {
	Address string `json:"address"`
	Index   int    `json:"index"`
}

// TxRecord is one wallet transaction history entry as exported.
type TxRecord struct {
	Txid          string  `json:"txid"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	BlockHash     string  `json:"blockhash"`
	Time          int64   `json:"time"`
}

// UTXORecord is one unspent output as exported.
type UTXORecord struct {
	Txid          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
}

// WalletRecord tracks one wallet participating in the run. The transaction,
// UTXO, and balance fields are filled in at export time; the faucet record
// has no pre-generated address list.
type WalletRecord struct {
	Name      string
	Mnemonic  string
	Addresses []AddressEntry
	Role      Role

	Transactions []TxRecord
	UTXOs        []UTXORecord
	Balance      btcutil.Amount
}

// Stats holds the running counters of a generation run.
type Stats struct {
	// BlocksGenerated is the number of blocks mined by the run.
	BlocksGenerated int64

	// TransactionsCreated is the number of non-coinbase transactions the
	// run created.
	TransactionsCreated int64

	// CoinbaseRewards is the number of coinbase rewards mined directly to
	// the test wallet.
	CoinbaseRewards int64

	// UTXOReplenishments is the number of faucet UTXO-pool splits.
	UTXOReplenishments int64
}
