// Package port provides functionality for finding free loopback TCP ports for
// the dashd RPC and P2P endpoints.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	// ListenerFormat is the format string that is used to generate local
	// listener addresses.
	ListenerFormat = "127.0.0.1:%d"

	// DefaultRPCPort is the start of the range probed for the dashd RPC
	// port when no port was requested explicitly. The P2P port is probed
	// starting right after the resolved RPC port.
	DefaultRPCPort = 19998

	// DefaultAttempts is the number of consecutive candidate ports probed
	// before giving up.
	DefaultAttempts = 20
)

// ErrNoFreePort is returned when every candidate port in the probed range is
// already taken.
var ErrNoFreePort = errors.New("no free port in range")

// IsAvailable reports whether the given port can be bound exclusively on the
// loopback interface.
//
// The probe listener is closed immediately, so no reservation lingers. It
// could be the case that some other process picks up this port between the
// time the probe is closed and it's reopened by dashd; in practice that race
// is much less likely than the port simply being in use at probe time, and it
// surfaces as a regular startup failure.
func IsAvailable(port int) bool {
	addr := fmt.Sprintf(ListenerFormat, port)

	lc := &net.ListenConfig{}

	l, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		return false
	}
	_ = l.Close()

	return true
}

// FindFreePort returns the first port in [start, start+attempts) that can be
// bound exclusively on the loopback interface.
//
// It fails with ErrNoFreePort when all candidates in the range are taken.
func FindFreePort(start, attempts int) (int, error) {
	for p := start; p < start+attempts; p++ {
		if IsAvailable(p) {
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, start,
		start+attempts-1)
}
