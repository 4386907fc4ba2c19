package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnection is returned when dash-cli cannot reach the node. This
	// includes the node not having finished startup yet, so callers that
	// probe readiness retry on it. The client itself never retries: a
	// mutating call that is blindly retried could duplicate a transaction.
	ErrConnection = errors.New("cannot connect to dashd")

	// ErrMalformedResponse is returned when dash-cli produced output that
	// cannot be parsed as the expected result shape. Not retryable.
	ErrMalformedResponse = errors.New("malformed dash-cli response")
)

// RPCError is an application-level rejection: the node was reachable but
// refused the command. Callers inspect Message to distinguish expected,
// ignorable conditions ("already loaded", "already exists") from genuine
// failures.
type RPCError struct {
	// Code is the JSON-RPC error code reported by the node, e.g. -18 for
	// "wallet does not exist".
	Code int

	// Message is the error message reported by the node.
	Message string
}

// Error returns a human-readable description of the error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MessageContains reports whether err is an RPCError whose message contains
// substr, compared case-insensitively.
func MessageContains(err error, substr string) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return strings.Contains(
		strings.ToLower(rpcErr.Message), strings.ToLower(substr),
	)
}
