package rcon

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/network"
	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/util"
)

var (
	// ErrNotConnected is returned when sending without a connection.
	ErrNotConnected = errors.New("rcon client is not connected")

	// ErrAuthFailed is reported to OnAuth callers when the password is rejected.
	ErrAuthFailed = errors.New("rcon password rejected")
)

// ClientState is the connection state of a Client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

var clientStateStrings = map[ClientState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
}

// String returns the string representation of ClientState.
func (s ClientState) String() string {
	if str, ok := clientStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// ClientCallbacks receive decoded responses. Nil text callbacks print to the
// client's output; nil blob callbacks drop the payload with a log line.
type ClientCallbacks struct {
	OnText            func(requestID int32, text string)
	OnValue           func(name, value string)
	OnUpdate          func(name, value string)
	OnAuth            func(err error)
	OnProfilingData   func(samples []float32)
	OnProfilingGroups func(groups []protocol.ProfileGroup)
	OnScreenshot      func(archive []byte)
	OnConsoleLog      func(archive []byte)
	OnBugReport       func(archive []byte)
}

type queuedRequest struct {
	cmd  protocol.RequestCommand
	a, b string
}

// Client is an outbound RCON session. Like the server it is driven by
// RunFrame from a single goroutine and never blocks on the socket.
type Client struct {
	sockets   *network.SocketManager
	callbacks ClientCallbacks
	out       io.Writer
	logger    zerolog.Logger

	password        string
	address         string
	state           ClientState
	authenticated   bool
	authPending     bool
	nextRequestID   int32
	maxResponseSize int

	// Requests issued before authentication completed.
	waiting []queuedRequest
}

// NewClient creates a disconnected client.
func NewClient(callbacks ClientCallbacks) *Client {
	c := &Client{
		callbacks:       callbacks,
		out:             os.Stdout,
		logger:          util.ComponentLogger("rcon_client"),
		maxResponseSize: protocol.DefaultMaxResponseSize,
	}
	c.sockets = network.NewSocketManager("rcon_client", c)
	return c
}

// SetOutput changes where unhandled text responses are printed.
func (c *Client) SetOutput(w io.Writer) {
	c.out = w
}

// SetPassword sets the password used by Authenticate. Changing it drops the
// current authentication.
func (c *Client) SetPassword(password string) {
	if password != c.password {
		c.authenticated = false
	}
	c.password = password
}

// State returns the connection state.
func (c *Client) State() ClientState {
	return c.state
}

// IsAuthenticated reports whether the server accepted the password.
func (c *Client) IsAuthenticated() bool {
	return c.authenticated
}

// Address returns the address of the current or last connection.
func (c *Client) Address() string {
	return c.address
}

// Connect replaces any existing connection with one to addr.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.Disconnect()
	c.state = StateConnecting
	c.address = addr

	if _, err := c.sockets.ConnectTo(ctx, addr, true); err != nil {
		c.state = StateDisconnected
		return errors.Wrapf(err, "rcon connect %s", addr)
	}
	c.state = StateConnected
	c.logger.Info().Str("addr", addr).Msg("connected to rcon server")
	return nil
}

// Disconnect closes the connection. Authentication and both buffers are
// discarded.
func (c *Client) Disconnect() {
	c.sockets.CloseAll()
	c.reset()
}

func (c *Client) reset() {
	c.state = StateDisconnected
	c.authenticated = false
	c.authPending = false
	c.waiting = nil
}

// Authenticate sends the password.
func (c *Client) Authenticate() error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if err := c.write(protocol.CmdAuth, c.password, ""); err != nil {
		return err
	}
	c.authPending = true
	return nil
}

// SendCommand executes a console command on the server, authenticating
// first if needed.
func (c *Client) SendCommand(text string) error {
	return c.request(protocol.CmdExecCommand, text, "")
}

// RequestValue asks for a named value.
func (c *Client) RequestValue(name string) error {
	return c.request(protocol.CmdRequestValue, name, "")
}

// SetValue changes a named value.
func (c *Client) SetValue(name, value string) error {
	return c.request(protocol.CmdSetValue, name, value)
}

// StartProfiling subscribes to the profiling stream.
func (c *Client) StartProfiling() error {
	return c.request(protocol.CmdStartProfiling, "", "")
}

// StopProfiling unsubscribes from the profiling stream.
func (c *Client) StopProfiling() error {
	return c.request(protocol.CmdStopProfiling, "", "")
}

// TakeScreenshot requests a screenshot archive.
func (c *Client) TakeScreenshot() error {
	return c.request(protocol.CmdTakeScreenshot, "", "")
}

// FetchConsoleLog requests a console log archive.
func (c *Client) FetchConsoleLog() error {
	return c.request(protocol.CmdFetchConsoleLog, "", "")
}

// SubmitBugReport requests a bug report archive with the given description.
func (c *Client) SubmitBugReport(description string) error {
	return c.request(protocol.CmdSubmitBugReport, description, "")
}

func (c *Client) request(cmd protocol.RequestCommand, a, b string) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if c.authenticated {
		return c.write(cmd, a, b)
	}

	c.waiting = append(c.waiting, queuedRequest{cmd: cmd, a: a, b: b})
	if c.authPending {
		return nil
	}
	return c.Authenticate()
}

func (c *Client) write(cmd protocol.RequestCommand, a, b string) error {
	if c.sockets.Len() == 0 {
		return ErrNotConnected
	}
	c.nextRequestID++
	if c.nextRequestID <= 0 || c.nextRequestID == math.MaxInt32 {
		c.nextRequestID = 1
	}
	frame := protocol.EncodeRequest(c.nextRequestID, cmd, a, b)
	if err := c.sockets.Conn(0).Send(frame); err != nil {
		c.fail(err)
		return errors.Wrap(err, "rcon send")
	}
	return nil
}

// RunFrame flushes pending sends, reads and dispatches every complete
// response.
func (c *Client) RunFrame() error {
	if c.state != StateConnected || c.sockets.Len() == 0 {
		return nil
	}
	conn := c.sockets.Conn(0)

	if err := conn.Flush(); err != nil {
		c.fail(err)
		return err
	}

	_, readErr := conn.ReadAvailable()
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		c.fail(readErr)
		return readErr
	}

	for c.state == StateConnected {
		pkt, n, err := protocol.Decode(conn.Buffered(), c.maxResponseSize)
		if err != nil {
			c.fail(err)
			return errors.Wrap(err, "rcon response")
		}
		if pkt == nil {
			break
		}
		conn.Consume(n)
		c.dispatch(pkt)
	}

	if errors.Is(readErr, io.EOF) && c.state == StateConnected {
		c.logger.Info().Str("addr", c.address).Msg("rcon server closed the connection")
		c.Disconnect()
	}
	return nil
}

func (c *Client) fail(err error) {
	c.logger.Warn().Err(err).Str("addr", c.address).Msg("rcon connection lost")
	c.Disconnect()
}

func (c *Client) dispatch(pkt *protocol.Packet) {
	switch protocol.ResponseCommand(pkt.Command) {
	case protocol.RespString:
		strs, _ := pkt.Strings()
		c.text(pkt.RequestID, strings.Join(strs, ""))

	case protocol.RespValue:
		name, value := twoStrings(pkt)
		if name == "" && value == "" {
			// Sent ahead of every auth response.
			return
		}
		if c.callbacks.OnValue != nil {
			c.callbacks.OnValue(name, value)
			return
		}
		c.text(pkt.RequestID, fmt.Sprintf("%s = %q\n", name, value))

	case protocol.RespUpdate:
		name, value := twoStrings(pkt)
		if c.callbacks.OnUpdate != nil {
			c.callbacks.OnUpdate(name, value)
		}

	case protocol.RespAuth:
		c.handleAuth(pkt.RequestID != protocol.AuthFailedRequestID)

	case protocol.RespProfilingData:
		blob, err := pkt.Blob()
		if err == nil {
			var samples []float32
			if samples, err = protocol.DecodeProfileSnapshot(blob); err == nil && c.callbacks.OnProfilingData != nil {
				c.callbacks.OnProfilingData(samples)
			}
		}
		c.logBlobError(pkt, err)

	case protocol.RespProfilingGroups:
		blob, err := pkt.Blob()
		if err == nil {
			var groups []protocol.ProfileGroup
			if groups, err = protocol.DecodeProfileGroups(blob); err == nil && c.callbacks.OnProfilingGroups != nil {
				c.callbacks.OnProfilingGroups(groups)
			}
		}
		c.logBlobError(pkt, err)

	case protocol.RespScreenshot:
		c.archive(pkt, c.callbacks.OnScreenshot)
	case protocol.RespConsoleLog:
		c.archive(pkt, c.callbacks.OnConsoleLog)
	case protocol.RespBugReport:
		c.archive(pkt, c.callbacks.OnBugReport)

	default:
		// Older servers tag plain messages with their own command ids.
		a, b := twoStrings(pkt)
		c.text(pkt.RequestID, a+b)
	}
}

func (c *Client) handleAuth(ok bool) {
	c.authPending = false
	waiting := c.waiting
	c.waiting = nil

	if !ok {
		c.authenticated = false
		c.logger.Warn().Str("addr", c.address).Msg("rcon password rejected")
		if c.callbacks.OnAuth != nil {
			c.callbacks.OnAuth(ErrAuthFailed)
		} else {
			fmt.Fprintln(c.out, "Bad rcon_password.")
		}
		return
	}

	c.authenticated = true
	if c.callbacks.OnAuth != nil {
		c.callbacks.OnAuth(nil)
	}
	for _, q := range waiting {
		if err := c.write(q.cmd, q.a, q.b); err != nil {
			return
		}
	}
}

func (c *Client) text(requestID int32, text string) {
	if c.callbacks.OnText != nil {
		c.callbacks.OnText(requestID, text)
		return
	}
	fmt.Fprint(c.out, text)
}

func (c *Client) archive(pkt *protocol.Packet, cb func([]byte)) {
	blob, err := pkt.Blob()
	if err == nil && cb != nil {
		cb(blob)
	} else if err == nil {
		c.logger.Info().
			Str("type", protocol.ResponseCommand(pkt.Command).String()).
			Int("bytes", len(blob)).
			Msg("archive received without handler")
	}
	c.logBlobError(pkt, err)
}

func (c *Client) logBlobError(pkt *protocol.Packet, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Str("type", protocol.ResponseCommand(pkt.Command).String()).Msg("bad rcon payload")
	}
}

func twoStrings(pkt *protocol.Packet) (string, string) {
	strs, _ := pkt.Strings()
	var a, b string
	if len(strs) > 0 {
		a = strs[0]
	}
	if len(strs) > 1 {
		b = strs[1]
	}
	return a, b
}

// ShouldAccept implements network.SocketHandler.
func (c *Client) ShouldAccept(addr net.Addr) bool { return true }

// OnAccepted implements network.SocketHandler.
func (c *Client) OnAccepted(addr net.Addr) any { return nil }

// OnClosed implements network.SocketHandler.
func (c *Client) OnClosed(addr net.Addr, data any) {
	c.reset()
}
