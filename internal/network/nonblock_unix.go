//go:build unix

package network

import (
	"errors"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawIO issues read(2) and write(2) directly on the descriptor. The runtime
// already puts network sockets in O_NONBLOCK mode, so the callbacks return
// immediately with EAGAIN instead of waiting on the poller.
type rawIO struct {
	raw syscall.RawConn
}

func newRawIO(conn net.Conn) nonBlockingIO {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	return &rawIO{raw: raw}
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func (r *rawIO) Read(p []byte) (int, error) {
	var n int
	var opErr error
	err := r.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *rawIO) Write(p []byte) (int, error) {
	var n int
	var opErr error
	err := r.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}
