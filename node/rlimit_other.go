//go:build !(darwin || linux)

package node

// raiseNoFileLimit attempts to normalize the process file descriptor limit.
//
// On platforms where this isn't supported, this is a no-op.
func raiseNoFileLimit() error {
	return nil
}
