// Package rcon implements the RCON server that accepts operator connections
// and the outbound client used to drive a remote RCON endpoint.
package rcon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/network"
	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/remoteaccess"
	"github.com/energizer-project/rcond/internal/util"
)

const (
	DefaultPort      = 27015
	DefaultRelayPort = 27016

	// DefaultMaxQueuedMessages is the send-queue depth past which a peer is
	// considered unresponsive and dropped.
	DefaultMaxQueuedMessages = 100

	// readFramesPerTick is how many maximum-size frames one connection may
	// deliver per frame before the rest waits for the next tick.
	readFramesPerTick = 4
)

// ServerConfig holds the server settings that can change at runtime.
type ServerConfig struct {
	Password          string
	MaxCommandSize    int
	MaxQueuedMessages int
	// BanPenalty is the autoban duration. Zero bans permanently.
	BanPenalty time.Duration
}

// DefaultServerConfig returns the stock server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxCommandSize:    protocol.DefaultMaxCommandSize,
		MaxQueuedMessages: DefaultMaxQueuedMessages,
		BanPenalty:        30 * time.Minute,
	}
}

// Banner is the ban list consulted at accept time and updated by autoban.
type Banner interface {
	IsBanned(addr string) bool
	BanAddress(addr string, penalty time.Duration, reason string) error
}

// ConnectionInfo describes one live RCON connection.
type ConnectionInfo struct {
	Index         int                     `json:"index"`
	Address       string                  `json:"address"`
	Listener      remoteaccess.ListenerID `json:"listener"`
	Authenticated bool                    `json:"authenticated"`
	Outbound      bool                    `json:"outbound"`
	Queued        int                     `json:"queued"`
	Buffered      int                     `json:"buffered"`
	ConnectedAt   time.Time               `json:"connected_at"`
	LastActivity  time.Time               `json:"last_activity"`
}

// Server is the RCON endpoint. All methods must be called from the frame
// loop goroutine.
type Server struct {
	cfg        ServerConfig
	sockets    *network.SocketManager
	dispatcher *remoteaccess.Dispatcher
	tracker    *authfail.Tracker
	bans       Banner
	eventBus   *events.EventBus
	logger     zerolog.Logger

	// closeReason is reported by OnClosed for the connection being closed.
	closeReason events.CloseReason
}

// NewServer creates a server on top of the dispatcher and registers itself
// as the dispatcher's password checker.
func NewServer(cfg ServerConfig, dispatcher *remoteaccess.Dispatcher, tracker *authfail.Tracker, bans Banner, eventBus *events.EventBus) *Server {
	def := DefaultServerConfig()
	if cfg.MaxCommandSize <= 0 {
		cfg.MaxCommandSize = def.MaxCommandSize
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = def.MaxQueuedMessages
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		tracker:    tracker,
		bans:       bans,
		eventBus:   eventBus,
		logger:     util.ComponentLogger("rcon_server"),
	}
	s.sockets = network.NewSocketManager("rcon", s)
	s.sockets.SetReadLimit(readLimit(cfg.MaxCommandSize))
	dispatcher.SetPasswordChecker(s)
	return s
}

// readLimit bounds the bytes read from one connection per tick. The frame
// size check runs on what was buffered, so this keeps a peer that streams
// without pause from growing the receive buffer or stalling the loop.
func readLimit(maxCommandSize int) int {
	return readFramesPerTick * (protocol.LengthPrefixSize + maxCommandSize)
}

// SetPassword replaces the remote password. An empty password disables
// authentication entirely.
func (s *Server) SetPassword(password string) {
	s.cfg.Password = password
	if password == "" {
		s.logger.Warn().Msg("rcon password cleared, remote access disabled")
	} else {
		s.logger.Info().Msg("rcon password set")
	}
}

// HasPassword reports whether a password is configured.
func (s *Server) HasPassword() bool {
	return s.cfg.Password != ""
}

// IsPassword implements remoteaccess.PasswordChecker.
func (s *Server) IsPassword(password string) bool {
	if s.cfg.Password == "" || password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
}

// SetBanPenalty changes the autoban duration.
func (s *Server) SetBanPenalty(d time.Duration) {
	s.cfg.BanPenalty = d
}

// Listen opens the operator port.
func (s *Server) Listen(ctx context.Context, addr string) error {
	return s.sockets.Listen(ctx, addr)
}

// ListenAddr returns the bound operator address.
func (s *Server) ListenAddr() net.Addr {
	return s.sockets.ListenAddr()
}

// ConnectToRelay connects out to a diagnostic relay controller. The relay is
// served exactly like an inbound operator and must authenticate too.
func (s *Server) ConnectToRelay(ctx context.Context, addr string) error {
	if _, err := s.sockets.ConnectTo(ctx, addr, false); err != nil {
		return err
	}
	s.emit(events.EventRelayConnected, events.ConnectionPayload{Address: addr, Outbound: true})
	return nil
}

// HasRelay reports whether an outbound relay connection is open.
func (s *Server) HasRelay() bool {
	for i := 0; i < s.sockets.Len(); i++ {
		if s.sockets.Conn(i).Outbound() {
			return true
		}
	}
	return false
}

// RunFrame accepts at most one connection and services every connection:
// drain queued sends, read, dispatch complete frames, send responses.
func (s *Server) RunFrame(now time.Time) {
	s.sockets.Tick()
	s.dispatcher.RunFrame(now)

	// Backwards so closing a connection does not skip the next one.
	for i := s.sockets.Len() - 1; i >= 0; i-- {
		s.service(i, now)
	}
}

func (s *Server) service(idx int, now time.Time) {
	c := s.sockets.Conn(idx)
	id, _ := c.Data().(remoteaccess.ListenerID)

	if err := c.Flush(); err != nil {
		s.logger.Debug().Err(err).Msg("flush failed")
		s.closeConnection(idx, events.CloseReasonError)
		return
	}

	_, err := c.ReadAvailable()
	peerClosed := errors.Is(err, io.EOF)
	if err != nil && !peerClosed {
		s.logger.Debug().Err(err).Msg("read failed")
		s.closeConnection(idx, events.CloseReasonError)
		return
	}

	for {
		frame, consumed, err := protocol.SplitFrame(c.Buffered(), s.cfg.MaxCommandSize)
		if err != nil {
			s.protocolViolation(idx, c, err, now)
			return
		}
		if frame == nil {
			break
		}

		out := s.dispatcher.DecodeAndRun(id, frame)
		c.Consume(consumed)

		if s.handleOutcome(idx, c, id, out, now) {
			return
		}
	}

	if err := s.drain(c, id); err != nil {
		s.logger.Debug().Err(err).Msg("send failed")
		s.closeConnection(idx, events.CloseReasonError)
		return
	}

	if c.QueueLen() > s.cfg.MaxQueuedMessages {
		s.logger.Warn().
			Str("remote", c.RemoteAddr().String()).
			Int("queued", c.QueueLen()).
			Msg("send queue overflow, dropping unresponsive peer")
		s.closeConnection(idx, events.CloseReasonQueueOverflow)
		return
	}

	if peerClosed {
		s.closeConnection(idx, events.CloseReasonPeer)
	}
}

// handleOutcome reacts to authentication results and reports whether the
// connection was closed.
func (s *Server) handleOutcome(idx int, c *network.Connection, id remoteaccess.ListenerID, out remoteaccess.Outcome, now time.Time) bool {
	addr := c.RemoteAddr().String()

	if out.AuthSucceeded {
		s.emit(events.EventAuthSucceeded, events.AuthPayload{Address: addr, Listener: int32(id)})
	}

	failed := out.AuthFailed
	if out.Malformed != nil && !s.dispatcher.IsAuthenticated(id) {
		failed = true
	}
	if !failed {
		return false
	}

	ban := s.tracker.RecordFailure(addr, now)
	s.emit(events.EventAuthFailed, events.AuthPayload{
		Address:  addr,
		Listener: int32(id),
		Failures: s.tracker.Failures(addr),
	})
	if !ban {
		return false
	}

	s.ban(addr, "rcon authentication failures")
	// Let the rejection reach the peer before hanging up.
	if err := s.drain(c, id); err == nil {
		c.Flush()
	}
	s.closeConnection(idx, events.CloseReasonBanned)
	return true
}

// protocolViolation handles an unusable frame header: the attempt counts as
// an authentication failure and the connection is dropped.
func (s *Server) protocolViolation(idx int, c *network.Connection, err error, now time.Time) {
	addr := c.RemoteAddr().String()
	s.logger.Warn().Err(err).Str("remote", addr).Msg("rcon protocol violation")
	s.emit(events.EventProtocolViolation, events.ProtocolViolationPayload{Address: addr, Detail: err.Error()})

	reason := events.CloseReasonProtocol
	if s.tracker.RecordFailure(addr, now) {
		s.ban(addr, "rcon protocol violation")
		reason = events.CloseReasonBanned
	}
	s.closeConnection(idx, reason)
}

func (s *Server) ban(addr, reason string) {
	host := authfail.HostKey(addr)
	s.logger.Warn().
		Str("address", host).
		Dur("penalty", s.cfg.BanPenalty).
		Str("reason", reason).
		Msg("banning address")

	if s.bans != nil {
		if err := s.bans.BanAddress(host, s.cfg.BanPenalty, reason); err != nil {
			s.logger.Error().Err(err).Str("address", host).Msg("failed to ban address")
		}
	}
	s.emit(events.EventAddressBanned, events.BanPayload{Address: host, Reason: reason, Penalty: s.cfg.BanPenalty})
}

// drain moves every pending response for id onto the connection.
func (s *Server) drain(c *network.Connection, id remoteaccess.ListenerID) error {
	for {
		frame, ok := s.dispatcher.PullResponse(id)
		if !ok {
			return nil
		}
		if err := c.Send(frame); err != nil {
			return err
		}
	}
}

// SendToIdentity sends a pre-encoded frame to the connection of id.
func (s *Server) SendToIdentity(id remoteaccess.ListenerID, data []byte) error {
	for i := 0; i < s.sockets.Len(); i++ {
		c := s.sockets.Conn(i)
		if cid, _ := c.Data().(remoteaccess.ListenerID); cid == id {
			return c.Send(data)
		}
	}
	return fmt.Errorf("no connection for listener %d", id)
}

// FinishRedirect returns console output produced for the operator at addr
// as a string response.
func (s *Server) FinishRedirect(text string, addr net.Addr) bool {
	id, ok := s.dispatcher.ListenerForAddr(addr)
	if !ok {
		s.logger.Debug().Str("remote", fmt.Sprint(addr)).Msg("redirect target gone")
		return false
	}
	return s.dispatcher.RedirectOutput(id, text)
}

// FinishRedirectTo returns console output to the request that produced it.
// Unlike FinishRedirect it does not rely on the listener's most recent
// request id, so several commands buffered in one frame each get their own
// reply.
func (s *Server) FinishRedirectTo(origin remoteaccess.Origin, text string) bool {
	if !s.dispatcher.ReplyOutput(origin.Listener, origin.RequestID, text) {
		s.logger.Debug().Str("remote", fmt.Sprint(origin.Addr)).Msg("redirect target gone")
		return false
	}
	return true
}

// DisconnectHost closes every connection from host, typically after a manual
// ban. It returns the number of connections closed.
func (s *Server) DisconnectHost(host string) int {
	closed := 0
	for i := s.sockets.Len() - 1; i >= 0; i-- {
		if authfail.HostKey(s.sockets.Conn(i).RemoteAddr().String()) == host {
			s.closeConnection(i, events.CloseReasonBanned)
			closed++
		}
	}
	return closed
}

// Connections returns a snapshot of every live connection.
func (s *Server) Connections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, s.sockets.Len())
	for i := 0; i < s.sockets.Len(); i++ {
		c := s.sockets.Conn(i)
		id, _ := c.Data().(remoteaccess.ListenerID)
		out = append(out, ConnectionInfo{
			Index:         i,
			Address:       c.RemoteAddr().String(),
			Listener:      id,
			Authenticated: s.dispatcher.IsAuthenticated(id),
			Outbound:      c.Outbound(),
			Queued:        c.QueueLen(),
			Buffered:      len(c.Buffered()),
			ConnectedAt:   c.ConnectedAt(),
			LastActivity:  c.LastActivity(),
		})
	}
	return out
}

// Close shuts the operator port and drops every connection.
func (s *Server) Close() {
	s.sockets.CloseListen()
	for s.sockets.Len() > 0 {
		s.closeConnection(s.sockets.Len()-1, events.CloseReasonShutdown)
	}
}

func (s *Server) closeConnection(idx int, reason events.CloseReason) {
	s.closeReason = reason
	s.sockets.CloseConnection(idx)
	s.closeReason = events.CloseReasonPeer
}

// ShouldAccept implements network.SocketHandler. Banned hosts are refused.
func (s *Server) ShouldAccept(addr net.Addr) bool {
	host := authfail.HostKey(addr.String())
	if s.bans != nil && s.bans.IsBanned(host) {
		s.logger.Info().Str("address", host).Msg("refusing banned address")
		s.emit(events.EventConnectionRefused, events.ConnectionPayload{Address: addr.String()})
		return false
	}
	return true
}

// OnAccepted implements network.SocketHandler.
func (s *Server) OnAccepted(addr net.Addr) any {
	id := s.dispatcher.AllocateListener(true, addr)
	s.emit(events.EventConnectionOpened, events.ConnectionPayload{Address: addr.String(), Listener: int32(id)})
	return id
}

// OnClosed implements network.SocketHandler.
func (s *Server) OnClosed(addr net.Addr, data any) {
	id, _ := data.(remoteaccess.ListenerID)
	s.dispatcher.ReleaseListener(id)

	s.logger.Info().
		Str("remote", addr.String()).
		Str("reason", s.closeReason.String()).
		Msg("rcon connection closed")
	s.emit(events.EventConnectionClosed, events.ConnectionPayload{
		Address:  addr.String(),
		Listener: int32(id),
		Reason:   s.closeReason,
	})
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(context.Background(), events.Event{Type: t, Source: "rcon_server", Payload: payload})
}
