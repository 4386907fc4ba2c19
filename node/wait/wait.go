// Package wait provides polling helpers for readiness probing and tests.
package wait

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoResponse is returned when f does not return within the timeout.
	ErrNoResponse = errors.New("method did not return within the timeout")
)

// PollInterval is the default polling interval used by NoError.
const PollInterval = 200 * time.Millisecond

// NoError polls f until it returns nil or the timeout is reached.
//
// If the timeout is reached, the last error returned by f is returned.
func NoError(f func() error, timeout time.Duration) error {
	return NoErrorCtx(context.Background(), f, timeout)
}

// NoErrorCtx polls f until it returns nil, the timeout is reached, or ctx is
// cancelled.
//
// f is expected to be cheap and non-blocking. This helper is intended for
// polling state (e.g. "is the node ready?") rather than performing a long
// operation.
//
// NOTE: NoErrorCtx does not interrupt f. If f blocks, it may block longer
// than the provided timeout.
func NoErrorCtx(ctx context.Context, f func() error,
	timeout time.Duration) error {

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var lastErr error

	// Call f() immediately to avoid the initial ticker delay.
	if err := f(); err == nil {
		return nil
	} else {
		lastErr = err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			if lastErr == nil {
				return ErrNoResponse
			}

			return lastErr

		case <-ticker.C:
			err := f()
			if err == nil {
				return nil
			}

			lastErr = err
		}
	}
}
