package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDialTimeout bounds outbound connection attempts.
	DefaultDialTimeout = time.Second

	// acceptWait is the accept deadline used by Tick.
	acceptWait = time.Millisecond
)

// ErrRefused is returned by ConnectTo when the handler rejects the peer.
var ErrRefused = errors.New("connection refused by handler")

// SocketHandler gates and observes the connections of a SocketManager.
type SocketHandler interface {
	// ShouldAccept is asked before an accepted or dialed socket is kept.
	// Returning false closes it silently.
	ShouldAccept(addr net.Addr) bool
	// OnAccepted returns an opaque value stored with the connection.
	OnAccepted(addr net.Addr) any
	// OnClosed receives the value returned by OnAccepted.
	OnClosed(addr net.Addr, data any)
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// SocketManager owns at most one listening socket and an ordered list of
// connections. Closing a connection shifts the indices of those after it.
type SocketManager struct {
	handler     SocketHandler
	listener    deadlineListener
	conns       []*Connection
	dialTimeout time.Duration
	readLimit   int
	logger      zerolog.Logger
}

// NewSocketManager creates a manager reporting to handler.
func NewSocketManager(name string, handler SocketHandler) *SocketManager {
	return &SocketManager{
		handler:     handler,
		dialTimeout: DefaultDialTimeout,
		logger:      log.With().Str("component", "sockets").Str("owner", name).Logger(),
	}
}

// SetDialTimeout overrides the bound used by ConnectTo.
func (m *SocketManager) SetDialTimeout(d time.Duration) {
	m.dialTimeout = d
}

// SetReadLimit sets the per-call read cap of every connection accepted or
// dialed from now on, and of those already open.
func (m *SocketManager) SetReadLimit(n int) {
	m.readLimit = n
	for _, c := range m.conns {
		c.SetReadLimit(n)
	}
}

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR so a
// restarted daemon can rebind its ports immediately.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}

// Listen binds the listening socket, replacing any previous one.
func (m *SocketManager) Listen(ctx context.Context, addr string) error {
	m.CloseListen()

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		m.logger.Error().Err(err).Str("addr", addr).Msg("failed to listen")
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listener on %s does not support deadlines", addr)
	}
	m.listener = dl

	m.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// ListenAddr returns the bound address, or nil when not listening.
func (m *SocketManager) ListenAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// IsListening reports whether a listening socket is open.
func (m *SocketManager) IsListening() bool {
	return m.listener != nil
}

// CloseListen closes the listening socket. Established connections stay open.
func (m *SocketManager) CloseListen() {
	if m.listener == nil {
		return
	}
	if err := m.listener.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close listener")
	}
	m.listener = nil
}

// Tick accepts at most one pending inbound connection.
func (m *SocketManager) Tick() error {
	if m.listener == nil {
		return nil
	}
	if err := m.listener.SetDeadline(time.Now().Add(acceptWait)); err != nil {
		return fmt.Errorf("set accept deadline: %w", err)
	}

	conn, err := m.listener.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		m.logger.Error().Err(err).Msg("failed to accept connection")
		return fmt.Errorf("accept: %w", err)
	}

	m.adopt(conn, false)
	return nil
}

// ConnectTo dials addr with a bounded timeout. When exclusive is set every
// other connection is closed first. It returns the new connection index.
func (m *SocketManager) ConnectTo(ctx context.Context, addr string, exclusive bool) (int, error) {
	if exclusive {
		m.CloseAll()
	}

	d := net.Dialer{Timeout: m.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.logger.Warn().Err(err).Str("addr", addr).Msg("failed to connect")
		return -1, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if !m.adopt(conn, true) {
		return -1, ErrRefused
	}
	return len(m.conns) - 1, nil
}

// adopt runs the handler gate and appends the connection on success.
func (m *SocketManager) adopt(conn net.Conn, outbound bool) bool {
	addr := conn.RemoteAddr()
	if !m.handler.ShouldAccept(addr) {
		m.logger.Debug().Str("remote", addr.String()).Msg("connection rejected")
		conn.Close()
		return false
	}

	c := NewConnection(conn)
	c.outbound = outbound
	c.SetReadLimit(m.readLimit)
	c.data = m.handler.OnAccepted(addr)
	m.conns = append(m.conns, c)

	m.logger.Info().
		Str("remote", addr.String()).
		Bool("outbound", outbound).
		Int("connections", len(m.conns)).
		Msg("connection established")
	return true
}

// Len returns the number of open connections.
func (m *SocketManager) Len() int {
	return len(m.conns)
}

// Conn returns the connection at idx.
func (m *SocketManager) Conn(idx int) *Connection {
	return m.conns[idx]
}

// CloseConnection closes the connection at idx and removes it from the list.
func (m *SocketManager) CloseConnection(idx int) {
	if idx < 0 || idx >= len(m.conns) {
		return
	}
	c := m.conns[idx]
	copy(m.conns[idx:], m.conns[idx+1:])
	m.conns[len(m.conns)-1] = nil
	m.conns = m.conns[:len(m.conns)-1]

	if err := c.Close(); err != nil {
		m.logger.Debug().Err(err).Str("remote", c.addr.String()).Msg("error closing connection")
	}
	m.handler.OnClosed(c.addr, c.data)
}

// CloseAll closes every connection. The listening socket stays open.
func (m *SocketManager) CloseAll() {
	for len(m.conns) > 0 {
		m.CloseConnection(len(m.conns) - 1)
	}
}

// Shutdown closes the listener and every connection.
func (m *SocketManager) Shutdown() {
	m.CloseListen()
	m.CloseAll()
}
