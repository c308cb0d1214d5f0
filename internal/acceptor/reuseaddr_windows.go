//go:build windows

package acceptor

import "syscall"

// setReuseAddr is a no-op on Windows; SO_REUSEADDR has different and
// generally undesirable semantics there, so the listener relies on
// Windows' default socket reuse behavior instead.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
