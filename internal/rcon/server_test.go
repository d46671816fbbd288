package rcon

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/remoteaccess"
)

type memoryBans struct {
	banned map[string]time.Duration
}

func (b *memoryBans) IsBanned(addr string) bool {
	_, ok := b.banned[addr]
	return ok
}

func (b *memoryBans) BanAddress(addr string, penalty time.Duration, reason string) error {
	b.banned[addr] = penalty
	return nil
}

type recordingExecutor struct {
	commands []string
	origins  []remoteaccess.Origin
}

func (e *recordingExecutor) ExecuteCommand(command string, origin remoteaccess.Origin) {
	e.commands = append(e.commands, command)
	e.origins = append(e.origins, origin)
}

type harness struct {
	server  *Server
	exec    *recordingExecutor
	tracker *authfail.Tracker
	bans    *memoryBans
	addr    string
}

func newHarness(t *testing.T, trackerCfg authfail.Config) *harness {
	t.Helper()
	h := &harness{
		exec:    &recordingExecutor{},
		tracker: authfail.NewTracker(trackerCfg),
		bans:    &memoryBans{banned: map[string]time.Duration{}},
	}
	d := remoteaccess.NewDispatcher(remoteaccess.DefaultConfig(), remoteaccess.Collaborators{Executor: h.exec}, nil)
	cfg := DefaultServerConfig()
	cfg.Password = "secret"
	h.server = NewServer(cfg, d, h.tracker, h.bans, nil)

	if err := h.server.Listen(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h.addr = h.server.ListenAddr().String()
	t.Cleanup(func() {
		h.server.Close()
		d.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	h.tickUntil(t, func() bool { return len(h.server.Connections()) > 0 })
	return conn
}

func (h *harness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		h.server.RunFrame(time.Now())
		time.Sleep(time.Millisecond)
	}
}

// readPacket ticks the server until one full response frame arrives on conn.
func (h *harness) readPacket(t *testing.T, conn net.Conn, buf *[]byte) *protocol.Packet {
	t.Helper()
	scratch := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if pkt, n, err := protocol.Decode(*buf, protocol.DefaultMaxResponseSize); err != nil {
			t.Fatalf("Decode: %v", err)
		} else if pkt != nil {
			*buf = (*buf)[n:]
			return pkt
		}
		if time.Now().After(deadline) {
			t.Fatal("no response before deadline")
		}

		h.server.RunFrame(time.Now())
		conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
		n, err := conn.Read(scratch)
		*buf = append(*buf, scratch[:n]...)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("read: %v", err)
		}
	}
}

// readAuth skips the empty value response that precedes every auth response.
func (h *harness) readAuth(t *testing.T, conn net.Conn, buf *[]byte) *protocol.Packet {
	t.Helper()
	first := h.readPacket(t, conn, buf)
	if first.Command != int32(protocol.RespValue) {
		t.Fatalf("first auth frame command = %d, want %d", first.Command, protocol.RespValue)
	}
	pkt := h.readPacket(t, conn, buf)
	if pkt.Command != int32(protocol.RespAuth) {
		t.Fatalf("auth frame command = %d, want %d", pkt.Command, protocol.RespAuth)
	}
	return pkt
}

// expectClosed ticks the server until the peer sees the connection close.
func (h *harness) expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	scratch := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.server.RunFrame(time.Now())
		conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
		_, err := conn.Read(scratch)
		if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		return
	}
	t.Fatal("connection was not closed")
}

func noAutoban() authfail.Config {
	return authfail.Config{MaxFailures: 100, MinFailures: 100, MinFailureWindow: time.Second}
}

func TestAuthenticateAndExecute(t *testing.T) {
	h := newHarness(t, noAutoban())
	conn := h.dial(t)
	var buf []byte

	conn.Write(protocol.EncodeRequest(3, protocol.CmdAuth, "wrong", ""))
	if pkt := h.readAuth(t, conn, &buf); pkt.RequestID != protocol.AuthFailedRequestID {
		t.Fatalf("wrong password answered with request id %d, want -1", pkt.RequestID)
	}
	if h.server.Connections()[0].Authenticated {
		t.Fatal("connection authenticated after a wrong password")
	}

	// Commands before authentication are dropped.
	conn.Write(protocol.EncodeRequest(4, protocol.CmdExecCommand, "early", ""))

	conn.Write(protocol.EncodeRequest(5, protocol.CmdAuth, "secret", ""))
	if pkt := h.readAuth(t, conn, &buf); pkt.RequestID != 5 {
		t.Fatalf("right password answered with request id %d, want 5", pkt.RequestID)
	}
	if !h.server.Connections()[0].Authenticated {
		t.Fatal("connection not authenticated after the right password")
	}

	conn.Write(protocol.EncodeRequest(6, protocol.CmdExecCommand, "example", ""))
	h.tickUntil(t, func() bool { return len(h.exec.commands) > 0 })
	for i := 0; i < 10; i++ {
		h.server.RunFrame(time.Now())
	}
	if len(h.exec.commands) != 1 || h.exec.commands[0] != "example" {
		t.Fatalf("executed %q, want exactly [example]", h.exec.commands)
	}

	if h.tracker.Failures(conn.LocalAddr().String()) != 1 {
		t.Errorf("failures = %d, want 1", h.tracker.Failures(conn.LocalAddr().String()))
	}

	// Output redirected to the originating address.
	if !h.server.FinishRedirect("done\n", h.exec.origins[0].Addr) {
		t.Fatal("FinishRedirect found no listener")
	}
	pkt := h.readPacket(t, conn, &buf)
	if pkt.Command != int32(protocol.RespString) || pkt.RequestID != 6 {
		t.Fatalf("redirect packet = cmd %d id %d", pkt.Command, pkt.RequestID)
	}
}

func TestPartialDeliveryAcrossTicks(t *testing.T) {
	frame := protocol.EncodeRequest(9, protocol.CmdAuth, "secret", "")

	for _, split := range []int{1, 3, 4, 9, len(frame) - 1} {
		h := newHarness(t, noAutoban())
		conn := h.dial(t)
		var buf []byte

		conn.Write(frame[:split])
		for i := 0; i < 5; i++ {
			h.server.RunFrame(time.Now())
			time.Sleep(time.Millisecond)
		}
		if c := h.server.Connections(); len(c) != 1 || c[0].Authenticated {
			t.Fatalf("split %d: state changed before the frame completed", split)
		}

		conn.Write(frame[split:])
		if pkt := h.readAuth(t, conn, &buf); pkt.RequestID != 9 {
			t.Errorf("split %d: request id = %d, want 9", split, pkt.RequestID)
		}
	}
}

func TestOversizedFrameCountsAndCloses(t *testing.T) {
	h := newHarness(t, noAutoban())
	conn := h.dial(t)

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(protocol.DefaultMaxCommandSize+1))
	conn.Write(prefix[:])

	h.expectClosed(t, conn)
	if n := h.tracker.Failures(conn.LocalAddr().String()); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
	if len(h.exec.commands) != 0 {
		t.Error("oversized frame was dispatched")
	}
}

func TestAutobanClosesAndRefuses(t *testing.T) {
	h := newHarness(t, authfail.Config{MaxFailures: 1, MinFailureWindow: time.Second})
	conn := h.dial(t)
	var buf []byte

	conn.Write(protocol.EncodeRequest(1, protocol.CmdAuth, "bad", ""))
	h.readAuth(t, conn, &buf)
	if len(h.bans.banned) != 0 {
		t.Fatal("banned after the first failure")
	}

	conn.Write(protocol.EncodeRequest(2, protocol.CmdAuth, "bad", ""))
	if pkt := h.readAuth(t, conn, &buf); pkt.RequestID != protocol.AuthFailedRequestID {
		t.Errorf("request id = %d, want -1", pkt.RequestID)
	}
	h.expectClosed(t, conn)

	if _, ok := h.bans.banned["127.0.0.1"]; !ok {
		t.Fatalf("bans = %v, want 127.0.0.1", h.bans.banned)
	}

	again, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer again.Close()
	h.expectClosed(t, again)
	if n := len(h.server.Connections()); n != 0 {
		t.Errorf("connections = %d, want 0", n)
	}
}

func TestWhitelistedAddressIsNeverBanned(t *testing.T) {
	h := newHarness(t, authfail.Config{MaxFailures: 1, Whitelist: []string{"127.0.0.1"}})
	conn := h.dial(t)
	var buf []byte

	for i := int32(1); i <= 5; i++ {
		conn.Write(protocol.EncodeRequest(i, protocol.CmdAuth, "bad", ""))
		h.readAuth(t, conn, &buf)
	}
	if len(h.bans.banned) != 0 || len(h.server.Connections()) != 1 {
		t.Errorf("whitelisted peer was banned or dropped")
	}
}

func TestPeerCloseReleasesListener(t *testing.T) {
	h := newHarness(t, noAutoban())
	conn := h.dial(t)
	id := h.server.Connections()[0].Listener

	conn.Close()
	h.tickUntil(t, func() bool { return len(h.server.Connections()) == 0 })
	if h.server.dispatcher.IsAuthenticated(id) {
		t.Error("released listener still authenticated")
	}
	if _, ok := h.server.dispatcher.Listener(id); ok {
		t.Error("listener not released on close")
	}
}

func TestIsPassword(t *testing.T) {
	d := remoteaccess.NewDispatcher(remoteaccess.DefaultConfig(), remoteaccess.Collaborators{}, nil)
	defer d.Close()
	s := NewServer(ServerConfig{}, d, authfail.NewTracker(authfail.DefaultConfig()), nil, nil)

	if s.IsPassword("") {
		t.Error("empty password matched an empty configuration")
	}
	s.SetPassword("hunter2")
	if !s.IsPassword("hunter2") || s.IsPassword("hunter3") || s.IsPassword("") {
		t.Error("password comparison is wrong")
	}
}

func TestClosedPeerSeesEOF(t *testing.T) {
	h := newHarness(t, noAutoban())
	conn := h.dial(t)
	h.server.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after server close: %v, want EOF", err)
	}
}

// fillSendPath sends small frames to a peer that is not reading until the
// server starts queueing them. It returns every frame sent, in order.
func (h *harness) fillSendPath(t *testing.T, id remoteaccess.ListenerID) [][]byte {
	t.Helper()
	text := strings.Repeat("x", 1000)
	var sent [][]byte
	for i := int32(0); h.server.sockets.Conn(0).QueueLen() == 0; i++ {
		if i == 100000 {
			t.Fatal("socket never pushed back")
		}
		frame := protocol.Encode(i, int32(protocol.RespString), text)
		if err := h.server.SendToIdentity(id, frame); err != nil {
			t.Fatalf("SendToIdentity: %v", err)
		}
		sent = append(sent, frame)
	}
	return sent
}

func TestBackpressureKeepsOrder(t *testing.T) {
	h := newHarness(t, noAutoban())
	conn := h.dial(t)
	conn.(*net.TCPConn).SetReadBuffer(4096)
	id := h.server.Connections()[0].Listener

	sent := h.fillSendPath(t, id)
	for i := 0; i < 20; i++ {
		frame := protocol.Encode(int32(len(sent)), int32(protocol.RespString), "queued")
		if err := h.server.SendToIdentity(id, frame); err != nil {
			t.Fatalf("SendToIdentity: %v", err)
		}
		sent = append(sent, frame)
	}
	if q := h.server.Connections()[0].Queued; q == 0 || q > DefaultMaxQueuedMessages {
		t.Fatalf("queued = %d, want between 1 and %d", q, DefaultMaxQueuedMessages)
	}

	var total int
	for _, f := range sent {
		total += len(f)
	}
	received := make(chan []byte, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, total)
		n, _ := io.ReadFull(conn, buf)
		received <- buf[:n]
	}()

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for got == nil {
		if time.Now().After(deadline) {
			t.Fatal("queued frames never reached the peer")
		}
		h.server.RunFrame(time.Now())
		select {
		case got = <-received:
		case <-time.After(time.Millisecond):
		}
	}

	if len(h.server.Connections()) != 1 {
		t.Fatal("connection dropped while the queue was under its bound")
	}
	if len(got) != total {
		t.Fatalf("peer received %d bytes, want %d", len(got), total)
	}
	for i, want := range sent {
		pkt, n, err := protocol.Decode(got, protocol.DefaultMaxResponseSize)
		if err != nil || pkt == nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
		if pkt.RequestID != int32(i) || n != len(want) {
			t.Fatalf("frame %d arrived as request %d (%d bytes), want %d bytes", i, pkt.RequestID, n, len(want))
		}
		got = got[n:]
	}
}

func TestQueueOverflowClosesConnection(t *testing.T) {
	h := newHarness(t, noAutoban())
	bus := events.NewEventBus()
	closed := make(chan events.CloseReason, 4)
	bus.Subscribe(events.EventConnectionClosed, "test", func(ctx context.Context, e events.Event) error {
		closed <- e.Payload.(events.ConnectionPayload).Reason
		return nil
	})
	h.server.eventBus = bus

	conn := h.dial(t)
	conn.(*net.TCPConn).SetReadBuffer(4096)
	id := h.server.Connections()[0].Listener

	// Well past the bound so a flush that squeezes out a few chunks still
	// leaves the queue over it.
	h.fillSendPath(t, id)
	for i := 0; i < 2*DefaultMaxQueuedMessages; i++ {
		if err := h.server.SendToIdentity(id, protocol.Encode(int32(i), int32(protocol.RespString), "overflow")); err != nil {
			t.Fatalf("SendToIdentity: %v", err)
		}
	}

	h.tickUntil(t, func() bool { return len(h.server.Connections()) == 0 })

	select {
	case reason := <-closed:
		if reason != events.CloseReasonQueueOverflow {
			t.Errorf("close reason = %s, want %s", reason, events.CloseReasonQueueOverflow)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
	}
	if _, ok := h.server.dispatcher.Listener(id); ok {
		t.Error("listener not released after overflow")
	}
}
