// Package network implements the non-blocking TCP connection manager used by
// the RCON server and client. Everything here is driven from the frame loop:
// no call parks the calling goroutine for longer than a poll interval.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readChunk is the scratch size used for each read syscall.
const readChunk = 4096

// ErrClosed is returned when using a connection after Close.
var ErrClosed = errors.New("connection is closed")

// Connection is one TCP stream with a growable receive buffer and an ordered
// queue of unsent chunks.
type Connection struct {
	conn   net.Conn
	nb     nonBlockingIO
	addr   net.Addr
	logger zerolog.Logger

	recv      []byte
	scratch   []byte
	sendQueue [][]byte
	// readLimit caps the bytes taken by one ReadAvailable call; 0 is no cap.
	readLimit int

	// Opaque value returned by the accept callback, handed back on close.
	data any

	connectedAt  time.Time
	lastActivity time.Time
	outbound     bool
	closed       bool
}

// NewConnection wraps an established net.Conn for non-blocking use.
func NewConnection(conn net.Conn) *Connection {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	now := time.Now()
	return &Connection{
		conn:         conn,
		nb:           newNonBlockingIO(conn),
		addr:         conn.RemoteAddr(),
		scratch:      make([]byte, readChunk),
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.addr
}

// Data returns the value attached by the accept callback.
func (c *Connection) Data() any {
	return c.data
}

// SetData attaches an opaque value to the connection.
func (c *Connection) SetData(v any) {
	c.data = v
}

// Outbound reports whether the connection was opened with ConnectTo.
func (c *Connection) Outbound() bool {
	return c.outbound
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity
}

// SetReadLimit caps how many bytes a single ReadAvailable call takes off the
// socket. Anything beyond it stays in the kernel buffer for the next call.
func (c *Connection) SetReadLimit(n int) {
	if n < 0 {
		n = 0
	}
	c.readLimit = n
}

// ReadAvailable appends the bytes currently readable to the receive buffer,
// up to the read limit, and returns how many were read. It returns io.EOF
// once the peer has closed the stream; bytes read before the EOF are still
// buffered.
func (c *Connection) ReadAvailable() (int, error) {
	if c.closed {
		return 0, ErrClosed
	}

	total := 0
	for {
		scratch := c.scratch
		if c.readLimit > 0 {
			left := c.readLimit - total
			if left <= 0 {
				return total, nil
			}
			if left < len(scratch) {
				scratch = scratch[:left]
			}
		}

		n, err := c.nb.Read(scratch)
		if n > 0 {
			c.recv = append(c.recv, scratch[:n]...)
			total += n
			c.lastActivity = time.Now()
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrWouldBlock):
			return total, nil
		case errors.Is(err, io.EOF):
			return total, io.EOF
		default:
			return total, fmt.Errorf("read from %s: %w", c.addr, err)
		}
	}
}

// Buffered returns the unconsumed received bytes. The slice is only valid
// until the next read or Consume.
func (c *Connection) Buffered() []byte {
	return c.recv
}

// Consume drops the first n buffered bytes and keeps the tail.
func (c *Connection) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.recv) {
		c.recv = c.recv[:0]
		return
	}
	rest := copy(c.recv, c.recv[n:])
	c.recv = c.recv[:rest]
}

// Send writes data immediately when nothing is queued and queues whatever the
// socket did not accept. While the queue is non-empty new data is appended
// behind it so bytes reach the peer in send order.
func (c *Connection) Send(data []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	if len(c.sendQueue) > 0 {
		c.enqueue(data)
		return nil
	}

	n, err := c.nb.Write(data)
	if n > 0 {
		c.lastActivity = time.Now()
	}
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	if n < len(data) {
		c.enqueue(data[n:])
	}
	return nil
}

func (c *Connection) enqueue(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	c.sendQueue = append(c.sendQueue, chunk)
}

// Flush writes queued chunks in order until the queue is empty or the socket
// would block.
func (c *Connection) Flush() error {
	if c.closed {
		return ErrClosed
	}
	for len(c.sendQueue) > 0 {
		head := c.sendQueue[0]
		n, err := c.nb.Write(head)
		if n > 0 {
			c.lastActivity = time.Now()
		}
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return fmt.Errorf("flush to %s: %w", c.addr, err)
		}
		if n < len(head) {
			c.sendQueue[0] = head[n:]
			return nil
		}
		c.sendQueue[0] = nil
		c.sendQueue = c.sendQueue[1:]
	}
	return nil
}

// QueueLen returns the number of chunks waiting to be sent.
func (c *Connection) QueueLen() int {
	return len(c.sendQueue)
}

// Close closes the socket and purges both buffers.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.recv = nil
	c.sendQueue = nil
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed
}
