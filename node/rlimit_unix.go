//go:build darwin || linux

package node

import (
	"fmt"
	"syscall"
)

const (
	// desiredNoFileLimit is the target soft descriptor limit for runs that
	// launch dashd.
	desiredNoFileLimit = 10000

	// assumedInfinityThreshold is the cutoff used to treat RLIMIT_NOFILE
	// values as effectively infinite and normalize them to a finite limit.
	assumedInfinityThreshold = 1 << 60
)

// raiseNoFileLimit attempts to normalize the process file descriptor limit.
//
// dashd requires a finite numeric limit and fails on startup when the soft
// limit is too low or reported as unlimited, so both extremes are normalized
// to a finite target without exceeding the hard limit.
func raiseNoFileLimit() error {
	var rlim syscall.Rlimit

	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim)
	if err != nil {
		return fmt.Errorf("get rlimit: %w", err)
	}

	newCur, ok := desiredNoFileCur(rlim)
	if !ok {
		return nil
	}

	rlim.Cur = newCur

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim)
	if err != nil {
		return fmt.Errorf("set rlimit: %w", err)
	}

	return nil
}

// desiredNoFileCur computes the desired RLIMIT_NOFILE soft value and reports
// whether Setrlimit should be called.
func desiredNoFileCur(rlim syscall.Rlimit) (uint64, bool) {
	if rlim.Cur >= assumedInfinityThreshold {
		newCur := uint64(desiredNoFileLimit)
		if rlim.Max > 0 && newCur > rlim.Max {
			newCur = rlim.Max
		}

		return newCur, true
	}

	// Nothing to do if we're already above our desired limit.
	if rlim.Cur >= desiredNoFileLimit {
		return 0, false
	}

	// Increase the soft limit, but don't exceed the hard limit.
	newCur := uint64(desiredNoFileLimit)
	if rlim.Max > 0 && newCur > rlim.Max {
		newCur = rlim.Max
	}

	if newCur <= rlim.Cur {
		return 0, false
	}

	return newCur, true
}
