//go:build !unix

package network

import "net"

func newRawIO(conn net.Conn) nonBlockingIO {
	return nil
}
