// Package remoteaccess maps RCON requests onto host operations. It owns the
// listener identity table and the per-identity queues of encoded responses
// that the RCON server drains.
package remoteaccess

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/util"
)

// Config controls the dispatcher.
type Config struct {
	// ProfilingRate is the number of profiling snapshots pushed per second.
	ProfilingRate float64
	// ArtifactTimeout bounds screenshot, console log and bug report assembly.
	ArtifactTimeout time.Duration
}

// DefaultConfig returns the stock dispatcher settings.
func DefaultConfig() Config {
	return Config{
		ProfilingRate:   4,
		ArtifactTimeout: 30 * time.Second,
	}
}

// Outcome summarises what DecodeAndRun did with one frame.
type Outcome struct {
	Requests      int
	AuthAttempted bool
	AuthSucceeded bool
	AuthFailed    bool
	// Malformed is set when a truncated request aborted the rest of the frame.
	Malformed error
}

// artifactResult carries an archive assembled off the frame loop.
type artifactResult struct {
	listener  ListenerID
	requestID int32
	command   protocol.ResponseCommand
	blob      []byte
	err       error
}

// Dispatcher is driven exclusively from the frame loop; it is not safe for
// concurrent use. Artifact assembly is the only work that leaves the loop,
// and its results come back through a channel drained by RunFrame.
type Dispatcher struct {
	cfg       Config
	deps      Collaborators
	passwords PasswordChecker
	eventBus  *events.EventBus
	logger    zerolog.Logger

	listeners map[ListenerID]*listener
	nextID    ListenerID

	profileLimiter *rate.Limiter
	artifacts      chan artifactResult
	inflight       int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. The password checker is wired later
// with SetPasswordChecker because the server that implements it is built on
// top of the dispatcher.
func NewDispatcher(cfg Config, deps Collaborators, eventBus *events.EventBus) *Dispatcher {
	if cfg.ProfilingRate <= 0 {
		cfg.ProfilingRate = DefaultConfig().ProfilingRate
	}
	if cfg.ArtifactTimeout <= 0 {
		cfg.ArtifactTimeout = DefaultConfig().ArtifactTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:            cfg,
		deps:           deps,
		eventBus:       eventBus,
		logger:         util.ComponentLogger("remoteaccess"),
		listeners:      make(map[ListenerID]*listener),
		profileLimiter: rate.NewLimiter(rate.Limit(cfg.ProfilingRate), 1),
		artifacts:      make(chan artifactResult, 16),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetPasswordChecker wires the password check used by auth requests.
func (d *Dispatcher) SetPasswordChecker(pc PasswordChecker) {
	d.passwords = pc
}

// Close abandons in-flight artifact assembly.
func (d *Dispatcher) Close() {
	d.cancel()
}

// DecodeAndRun executes every request contained in frame, the body of one
// length-prefixed frame. A truncated request aborts the rest of the frame.
func (d *Dispatcher) DecodeAndRun(id ListenerID, frame []byte) Outcome {
	var out Outcome

	l, ok := d.listeners[id]
	if !ok {
		d.logger.Warn().Int32("listener", int32(id)).Msg("frame for unknown listener dropped")
		return out
	}

	r := protocol.NewPacketReader(frame)
	for r.Remaining() > 0 {
		req, err := decodeRequest(r)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("remote", l.remote()).
				Int("requests", out.Requests).
				Msg("malformed request, dropping rest of frame")
			out.Malformed = err
			return out
		}
		out.Requests++

		if auth, ok := req.(authRequest); ok {
			l.lastRequestID = auth.id()
			d.runAuth(l, auth, &out)
			continue
		}

		if !l.authenticated {
			d.logger.Warn().
				Str("remote", l.remote()).
				Str("command", req.command().String()).
				Msg("unauthenticated rcon command ignored")
			continue
		}

		l.lastRequestID = req.id()
		d.run(l, req)
	}
	return out
}

func (d *Dispatcher) runAuth(l *listener, req authRequest, out *Outcome) {
	out.AuthAttempted = true

	ok := !l.requiresAuth || (d.passwords != nil && d.passwords.IsPassword(req.password))
	if ok {
		l.authenticated = true
		out.AuthSucceeded = true
	} else {
		out.AuthFailed = true
	}

	replyID := req.id()
	if !ok {
		replyID = protocol.AuthFailedRequestID
	}
	l.queue(protocol.Encode(req.id(), int32(protocol.RespValue), "", ""))
	l.queue(protocol.Encode(replyID, int32(protocol.RespAuth), "", ""))

	d.logger.Info().
		Str("remote", l.remote()).
		Str("session", l.session).
		Bool("success", ok).
		Msg("rcon authentication")
}

// run executes an authenticated request.
func (d *Dispatcher) run(l *listener, req request) {
	switch r := req.(type) {
	case requestValueRequest:
		d.audit(l, r.command(), r.name)
		if d.deps.Values == nil {
			d.replyString(l, r.id(), "values not available\n")
			return
		}
		value, _ := d.deps.Values.LookupValue(r.name)
		l.queue(protocol.Encode(r.id(), int32(protocol.RespValue), r.name, value))

	case setValueRequest:
		shown := r.value
		if d.isSecret(r.name) {
			shown = "***"
		}
		d.audit(l, r.command(), r.name+" "+shown)
		if d.deps.Values == nil {
			d.replyString(l, r.id(), "values not available\n")
			return
		}
		if err := d.deps.Values.SetValue(r.name, r.value); err != nil {
			d.replyString(l, r.id(), fmt.Sprintf("set %s failed: %v\n", r.name, err))
			return
		}
		d.pushUpdate(r.id(), r.name, shown)
		d.emit(events.EventValueChanged, l, r.name, shown)

	case execCommandRequest:
		d.audit(l, r.command(), r.text)
		if d.deps.Executor == nil {
			d.replyString(l, r.id(), "commands not available\n")
			return
		}
		d.deps.Executor.ExecuteCommand(r.text, Origin{
			Listener:  l.id,
			RequestID: r.id(),
			Addr:      l.addr,
			Admin:     l.admin,
		})
		d.emit(events.EventCommandExecuted, l, r.text, "")

	case startProfilingRequest:
		d.audit(l, r.command(), "")
		if d.deps.Profiler == nil {
			d.replyString(l, r.id(), "profiling not available\n")
			return
		}
		l.profiling = true
		l.profileRequestID = r.id()
		groups := protocol.EncodeProfileGroups(d.deps.Profiler.Groups())
		l.queue(protocol.EncodeBlob(r.id(), int32(protocol.RespProfilingGroups), groups))

	case stopProfilingRequest:
		d.audit(l, r.command(), "")
		l.profiling = false

	case screenshotRequest:
		d.audit(l, r.command(), "")
		d.assemble(l, r.id(), protocol.RespScreenshot, func(a ArtifactSource) ([]byte, error) {
			return a.Screenshot()
		})

	case consoleLogRequest:
		d.audit(l, r.command(), "")
		d.assemble(l, r.id(), protocol.RespConsoleLog, func(a ArtifactSource) ([]byte, error) {
			return a.ConsoleLog()
		})

	case bugReportRequest:
		d.audit(l, r.command(), r.description)
		d.assemble(l, r.id(), protocol.RespBugReport, func(a ArtifactSource) ([]byte, error) {
			return a.BugReport(r.description)
		})

	default:
		d.logger.Warn().
			Str("remote", l.remote()).
			Int32("command", int32(req.command())).
			Msg("unknown rcon command ignored")
	}
}

// assemble builds an archive off the frame loop. The result is queued for
// the listener by RunFrame if the listener still exists by then.
func (d *Dispatcher) assemble(l *listener, requestID int32, cmd protocol.ResponseCommand, build func(ArtifactSource) ([]byte, error)) {
	if d.deps.Artifacts == nil {
		d.replyString(l, requestID, "archives not available\n")
		return
	}

	d.inflight++
	src := d.deps.Artifacts
	id := l.id
	timeout := d.cfg.ArtifactTimeout
	go func() {
		built := make(chan artifactResult, 1)
		go func() {
			blob, err := build(src)
			built <- artifactResult{listener: id, requestID: requestID, command: cmd, blob: blob, err: err}
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var res artifactResult
		select {
		case res = <-built:
		case <-timer.C:
			res = artifactResult{
				listener:  id,
				requestID: requestID,
				command:   cmd,
				err:       fmt.Errorf("%s timed out after %s", cmd, timeout),
			}
		case <-d.ctx.Done():
			return
		}

		select {
		case d.artifacts <- res:
		case <-d.ctx.Done():
		}
	}()
}

// PullResponse pops the oldest pending response for id.
func (d *Dispatcher) PullResponse(id ListenerID) ([]byte, bool) {
	l, ok := d.listeners[id]
	if !ok || len(l.pending) == 0 {
		return nil, false
	}
	head := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return head, true
}

// PendingCount returns the number of responses queued for id.
func (d *Dispatcher) PendingCount(id ListenerID) int {
	if l, ok := d.listeners[id]; ok {
		return len(l.pending)
	}
	return 0
}

// InFlight returns the number of archives still being assembled.
func (d *Dispatcher) InFlight() int {
	return d.inflight
}

// RedirectOutput queues console output for id as a string response tagged
// with the last request id the listener sent.
func (d *Dispatcher) RedirectOutput(id ListenerID, text string) bool {
	l, ok := d.listeners[id]
	if !ok {
		return false
	}
	l.queue(protocol.Encode(l.lastRequestID, int32(protocol.RespString), text))
	return true
}

// ReplyOutput queues console output for id as a string response to the
// request requestID. Output of a buffered command must carry the id of the
// request that issued it, which may no longer be the listener's last one.
func (d *Dispatcher) ReplyOutput(id ListenerID, requestID int32, text string) bool {
	l, ok := d.listeners[id]
	if !ok {
		return false
	}
	d.replyString(l, requestID, text)
	return true
}

// Enqueue queues a pre-encoded frame for id.
func (d *Dispatcher) Enqueue(id ListenerID, frame []byte) bool {
	l, ok := d.listeners[id]
	if !ok {
		return false
	}
	l.queue(frame)
	return true
}

// RunFrame collects finished archives and pushes profiling snapshots to
// subscribed listeners.
func (d *Dispatcher) RunFrame(now time.Time) {
	d.collectArtifacts()

	if d.deps.Profiler == nil || !d.anyProfiling() {
		return
	}
	if !d.profileLimiter.AllowN(now, 1) {
		return
	}

	snapshot := protocol.EncodeProfileSnapshot(d.deps.Profiler.Snapshot())
	for _, l := range d.listeners {
		if l.profiling && l.authenticated {
			l.queue(protocol.EncodeBlob(l.profileRequestID, int32(protocol.RespProfilingData), snapshot))
		}
	}
}

func (d *Dispatcher) collectArtifacts() {
	for {
		select {
		case res := <-d.artifacts:
			d.inflight--
			l, ok := d.listeners[res.listener]
			if !ok {
				d.logger.Debug().
					Int32("listener", int32(res.listener)).
					Str("artifact", res.command.String()).
					Msg("archive ready for released listener, dropped")
				continue
			}
			if res.err != nil {
				d.logger.Warn().Err(res.err).Str("artifact", res.command.String()).Msg("failed to assemble archive")
				d.replyString(l, res.requestID, fmt.Sprintf("%s failed: %v\n", res.command, res.err))
				continue
			}
			l.queue(protocol.EncodeBlob(res.requestID, int32(res.command), res.blob))
		default:
			return
		}
	}
}

func (d *Dispatcher) anyProfiling() bool {
	for _, l := range d.listeners {
		if l.profiling {
			return true
		}
	}
	return false
}

func (d *Dispatcher) isSecret(name string) bool {
	s, ok := d.deps.Values.(SecretStore)
	return ok && s.IsSecret(name)
}

// pushUpdate tells every authenticated listener that a value changed.
func (d *Dispatcher) pushUpdate(requestID int32, name, value string) {
	for _, l := range d.listeners {
		if l.authenticated {
			l.queue(protocol.Encode(requestID, int32(protocol.RespUpdate), name, value))
		}
	}
}

func (d *Dispatcher) replyString(l *listener, requestID int32, text string) {
	l.queue(protocol.Encode(requestID, int32(protocol.RespString), text))
}

// audit records an authenticated command with its origin.
func (d *Dispatcher) audit(l *listener, cmd protocol.RequestCommand, args string) {
	d.logger.Info().
		Str("remote", l.remote()).
		Str("session", l.session).
		Bool("admin", l.admin).
		Str("command", cmd.String()).
		Str("args", args).
		Msg("rcon command")

	if d.deps.Audit == nil {
		return
	}
	entry := AuditEntry{
		Time:    time.Now(),
		Session: l.session,
		Address: l.remote(),
		Command: cmd.String(),
		Args:    args,
		Admin:   l.admin,
	}
	if err := d.deps.Audit.RecordCommand(entry); err != nil {
		d.logger.Error().Err(err).Msg("failed to write audit entry")
	}
}

func (d *Dispatcher) emit(t events.EventType, l *listener, command, value string) {
	if d.eventBus == nil {
		return
	}
	d.eventBus.Emit(context.Background(), events.Event{
		Type:   t,
		Source: "remoteaccess",
		Payload: events.CommandPayload{
			Address: l.remote(),
			Session: l.session,
			Command: command,
			Value:   value,
			Admin:   l.admin,
		},
	})
}

func (l *listener) queue(frame []byte) {
	l.pending = append(l.pending, frame)
}

// Addr returns the address attached to id.
func (d *Dispatcher) Addr(id ListenerID) net.Addr {
	if l, ok := d.listeners[id]; ok {
		return l.addr
	}
	return nil
}
