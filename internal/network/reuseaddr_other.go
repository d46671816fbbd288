//go:build !linux && !windows

package network

import "syscall"

// The runtime already sets SO_REUSEADDR on listening sockets on the BSDs and
// darwin.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
