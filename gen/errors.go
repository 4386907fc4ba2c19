package gen

import "errors"

var (
	// ErrInvalidConfig is returned for generation parameters that are
	// rejected before any process is started.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInsufficientFunds is returned when a funding step cannot proceed
	// because the faucet wallet does not hold enough spendable value.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
