package network

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrWouldBlock is returned when a socket operation cannot make progress
// without waiting.
var ErrWouldBlock = errors.New("operation would block")

// pollWait is how long the deadline fallback waits for a socket to become
// ready. It must be positive: a deadline in the past fails before the
// operation is attempted.
const pollWait = time.Millisecond

// nonBlockingIO performs reads and writes that never park the frame loop.
// Read returns ErrWouldBlock when no data is pending and io.EOF when the peer
// closed the stream. Write may return a short count with ErrWouldBlock.
type nonBlockingIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// newNonBlockingIO prefers raw non-blocking syscalls and falls back to short
// deadlines for connections that do not expose a file descriptor.
func newNonBlockingIO(conn net.Conn) nonBlockingIO {
	if raw := newRawIO(conn); raw != nil {
		return raw
	}
	return &deadlineIO{conn: conn, wait: pollWait}
}

// deadlineIO emulates non-blocking I/O with a very short deadline.
type deadlineIO struct {
	conn net.Conn
	wait time.Duration
}

func (d *deadlineIO) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.wait)); err != nil {
		return 0, err
	}
	n, err := d.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (d *deadlineIO) Write(p []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.wait)); err != nil {
		return 0, err
	}
	n, err := d.conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}
