package host

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/rcon"
)

// adminWaiter receives the first admin response with a matching request id
// and one of the accepted commands.
type adminWaiter struct {
	accept []protocol.ResponseCommand
	ch     chan *protocol.Packet
}

func (w adminWaiter) accepts(cmd protocol.ResponseCommand) bool {
	for _, c := range w.accept {
		if c == cmd {
			return true
		}
	}
	return false
}

// AdminExec runs a console command as the admin identity and returns its
// output.
func (a *App) AdminExec(ctx context.Context, command string) (string, error) {
	pkt, err := a.adminRequest(ctx, protocol.CmdExecCommand, command, "", protocol.RespString)
	if err != nil {
		return "", err
	}
	text, _ := firstString(pkt)
	return text, nil
}

// AdminGetValue reads a named value as the admin identity.
func (a *App) AdminGetValue(ctx context.Context, name string) (string, error) {
	pkt, err := a.adminRequest(ctx, protocol.CmdRequestValue, name, "", protocol.RespValue, protocol.RespString)
	if err != nil {
		return "", err
	}
	parts, err := pkt.Strings()
	if err != nil {
		return "", fmt.Errorf("malformed value response: %w", err)
	}
	if protocol.ResponseCommand(pkt.Command) == protocol.RespString {
		return "", fmt.Errorf("%s", firstOr(parts, "request failed"))
	}
	if len(parts) < 2 {
		return "", nil
	}
	return parts[1], nil
}

// AdminSetValue writes a named value as the admin identity. Every
// authenticated listener is told about the change.
func (a *App) AdminSetValue(ctx context.Context, name, value string) error {
	pkt, err := a.adminRequest(ctx, protocol.CmdSetValue, name, value, protocol.RespUpdate, protocol.RespString)
	if err != nil {
		return err
	}
	if protocol.ResponseCommand(pkt.Command) == protocol.RespString {
		text, _ := firstString(pkt)
		return fmt.Errorf("%s", text)
	}
	return nil
}

func (a *App) adminRequest(ctx context.Context, cmd protocol.RequestCommand, arg1, arg2 string, accept ...protocol.ResponseCommand) (*protocol.Packet, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultAdminTimeout)
		defer cancel()
	}

	a.adminMu.Lock()
	a.adminSeq++
	if a.adminSeq <= 0 || a.adminSeq == math.MaxInt32 {
		a.adminSeq = 1
	}
	id := a.adminSeq
	a.adminMu.Unlock()

	w := adminWaiter{accept: accept, ch: make(chan *protocol.Packet, 1)}
	body := protocol.EncodeRequestBody(id, cmd, arg1, arg2)
	err := a.loop.Do(ctx, func() {
		a.waiters[id] = w
		a.dispatcher.DecodeAndRun(a.adminID, body)
	})
	if err != nil {
		return nil, err
	}

	select {
	case pkt := <-w.ch:
		return pkt, nil
	case <-ctx.Done():
		a.loop.Submit(func() { delete(a.waiters, id) })
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrAdminTimeout
		}
		return nil, ctx.Err()
	}
}

// collectAdmin drains the admin identity's queue and hands replies to their
// waiters. Unclaimed responses are dropped.
func (a *App) collectAdmin(_ time.Time) {
	for {
		frame, ok := a.dispatcher.PullResponse(a.adminID)
		if !ok {
			return
		}
		pkt, _, err := protocol.Decode(frame, 0)
		if err != nil || pkt == nil {
			a.logger.Warn().Err(err).Msg("undecodable admin response dropped")
			continue
		}
		w, ok := a.waiters[pkt.RequestID]
		if !ok || !w.accepts(protocol.ResponseCommand(pkt.Command)) {
			continue
		}
		delete(a.waiters, pkt.RequestID)
		w.ch <- pkt
	}
}

func firstString(pkt *protocol.Packet) (string, error) {
	parts, err := pkt.Strings()
	return firstOr(parts, ""), err
}

func firstOr(parts []string, def string) string {
	if len(parts) == 0 {
		return def
	}
	return parts[0]
}

// SetClientOutput redirects text received by the outbound client. Call it
// before Run.
func (a *App) SetClientOutput(w io.Writer) {
	a.clientOut = w
	a.client.SetOutput(w)
}

// ClientConnect connects the outbound client to addr and authenticates.
func (a *App) ClientConnect(ctx context.Context, addr, password string) error {
	var connErr error
	err := a.loop.Do(ctx, func() {
		a.client.SetPassword(password)
		if connErr = a.client.Connect(ctx, addr); connErr != nil {
			return
		}
		connErr = a.client.Authenticate()
	})
	if err != nil {
		return err
	}
	return connErr
}

// ClientDisconnect closes the outbound client connection.
func (a *App) ClientDisconnect(ctx context.Context) error {
	return a.loop.Do(ctx, a.client.Disconnect)
}

// WithClient runs fn against the outbound client on the loop.
func (a *App) WithClient(ctx context.Context, fn func(*rcon.Client) error) error {
	var fnErr error
	if err := a.loop.Do(ctx, func() { fnErr = fn(a.client) }); err != nil {
		return err
	}
	return fnErr
}
