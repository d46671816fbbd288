package remoteaccess

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/rcond/internal/protocol"
)

type staticPassword string

func (p staticPassword) IsPassword(pw string) bool { return pw != "" && pw == string(p) }

type fakeValues struct {
	values map[string]string
	sets   int
}

func (v *fakeValues) LookupValue(name string) (string, bool) {
	val, ok := v.values[name]
	return val, ok
}

func (v *fakeValues) SetValue(name, value string) error {
	if name == "readonly" {
		return errors.New("value is protected")
	}
	v.sets++
	v.values[name] = value
	return nil
}

type fakeExecutor struct {
	commands []string
	origins  []Origin
}

func (e *fakeExecutor) ExecuteCommand(command string, origin Origin) {
	e.commands = append(e.commands, command)
	e.origins = append(e.origins, origin)
}

type fakeArtifacts struct{}

func (fakeArtifacts) Screenshot() ([]byte, error)            { return []byte("png"), nil }
func (fakeArtifacts) ConsoleLog() ([]byte, error)            { return nil, errors.New("no log") }
func (fakeArtifacts) BugReport(desc string) ([]byte, error) { return []byte("report:" + desc), nil }

type fakeProfiler struct{ snapshots int }

func (p *fakeProfiler) Groups() []protocol.ProfileGroup {
	return []protocol.ProfileGroup{{Color: [4]byte{1, 2, 3, 4}, Name: "cpu"}}
}

func (p *fakeProfiler) Snapshot() []float32 {
	p.snapshots++
	return []float32{1.5}
}

type fakeAudit struct{ entries []AuditEntry }

func (a *fakeAudit) RecordCommand(e AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

type fixture struct {
	d        *Dispatcher
	values   *fakeValues
	exec     *fakeExecutor
	profiler *fakeProfiler
	audit    *fakeAudit
}

func newFixture() *fixture {
	f := &fixture{
		values:   &fakeValues{values: map[string]string{"hostname": "test server"}},
		exec:     &fakeExecutor{},
		profiler: &fakeProfiler{},
		audit:    &fakeAudit{},
	}
	f.d = NewDispatcher(Config{ProfilingRate: 1000}, Collaborators{
		Values:    f.values,
		Executor:  f.exec,
		Artifacts: fakeArtifacts{},
		Profiler:  f.profiler,
		Audit:     f.audit,
	}, nil)
	f.d.SetPasswordChecker(staticPassword("secret"))
	return f
}

var testAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func body(requestID int32, cmd protocol.RequestCommand, a, b string) []byte {
	return protocol.EncodeRequestBody(requestID, cmd, a, b)
}

func decodeAll(t *testing.T, d *Dispatcher, id ListenerID) []*protocol.Packet {
	t.Helper()
	var out []*protocol.Packet
	for {
		frame, ok := d.PullResponse(id)
		if !ok {
			return out
		}
		pkt, _, err := protocol.Decode(frame, protocol.DefaultMaxResponseSize)
		if err != nil || pkt == nil {
			t.Fatalf("queued frame does not decode: %v", err)
		}
		out = append(out, pkt)
	}
}

func TestAuthResponses(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantID   int32
		wantAuth bool
	}{
		{"wrong password", "guess", protocol.AuthFailedRequestID, false},
		{"empty password", "", protocol.AuthFailedRequestID, false},
		{"right password", "secret", 11, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			id := f.d.AllocateListener(true, testAddr)

			out := f.d.DecodeAndRun(id, body(11, protocol.CmdAuth, tc.password, ""))
			if !out.AuthAttempted || out.AuthSucceeded != tc.wantAuth || out.AuthFailed == tc.wantAuth {
				t.Fatalf("outcome = %+v", out)
			}
			if f.d.IsAuthenticated(id) != tc.wantAuth {
				t.Errorf("authenticated = %v, want %v", f.d.IsAuthenticated(id), tc.wantAuth)
			}

			pkts := decodeAll(t, f.d, id)
			if len(pkts) != 2 {
				t.Fatalf("got %d responses, want 2", len(pkts))
			}
			if pkts[0].Command != int32(protocol.RespValue) {
				t.Errorf("first response command = %d, want value", pkts[0].Command)
			}
			if pkts[1].Command != int32(protocol.RespAuth) || pkts[1].RequestID != tc.wantID {
				t.Errorf("auth response = cmd %d id %d, want cmd %d id %d",
					pkts[1].Command, pkts[1].RequestID, protocol.RespAuth, tc.wantID)
			}
		})
	}
}

func TestUnauthenticatedCommandsHaveNoEffect(t *testing.T) {
	gated := []struct {
		cmd  protocol.RequestCommand
		a, b string
	}{
		{protocol.CmdRequestValue, "hostname", ""},
		{protocol.CmdSetValue, "hostname", "pwned"},
		{protocol.CmdExecCommand, "quit", ""},
		{protocol.CmdStartProfiling, "", ""},
		{protocol.CmdStopProfiling, "", ""},
		{protocol.CmdTakeScreenshot, "", ""},
		{protocol.CmdFetchConsoleLog, "", ""},
		{protocol.CmdSubmitBugReport, "desc", ""},
		{protocol.RequestCommand(99), "", ""},
	}

	for _, g := range gated {
		t.Run(g.cmd.String(), func(t *testing.T) {
			f := newFixture()
			id := f.d.AllocateListener(true, testAddr)

			out := f.d.DecodeAndRun(id, body(5, g.cmd, g.a, g.b))
			f.d.RunFrame(time.Now())

			if out.AuthAttempted || out.Malformed != nil {
				t.Errorf("outcome = %+v", out)
			}
			if n := f.d.PendingCount(id); n != 0 {
				t.Errorf("pending responses = %d, want 0", n)
			}
			if f.d.InFlight() != 0 {
				t.Error("archive assembly started without authentication")
			}
			if len(f.exec.commands) != 0 || f.values.sets != 0 || len(f.audit.entries) != 0 {
				t.Error("collaborator was invoked without authentication")
			}
			if f.values.values["hostname"] != "test server" {
				t.Error("value changed without authentication")
			}
			if info, _ := f.d.Listener(id); info.Profiling {
				t.Error("profiling enabled without authentication")
			}
		})
	}
}

func TestExecAfterAuth(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)

	frame := append(body(1, protocol.CmdAuth, "secret", ""), body(2, protocol.CmdExecCommand, "example", "")...)
	out := f.d.DecodeAndRun(id, frame)
	if out.Requests != 2 || !out.AuthSucceeded {
		t.Fatalf("outcome = %+v", out)
	}

	if len(f.exec.commands) != 1 || f.exec.commands[0] != "example" {
		t.Fatalf("executed %q, want [example]", f.exec.commands)
	}
	if f.exec.origins[0].Listener != id || f.exec.origins[0].Addr != testAddr {
		t.Errorf("origin = %+v", f.exec.origins[0])
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Args != "example" || f.audit.entries[0].Address != testAddr.String() {
		t.Errorf("audit entries = %+v", f.audit.entries)
	}

	decodeAll(t, f.d, id)
	if !f.d.RedirectOutput(id, "example output\n") {
		t.Fatal("RedirectOutput failed")
	}
	pkts := decodeAll(t, f.d, id)
	if len(pkts) != 1 || pkts[0].RequestID != 2 || pkts[0].Command != int32(protocol.RespString) {
		t.Fatalf("redirect = %+v", pkts)
	}
	if s, _ := pkts[0].Strings(); len(s) != 1 || s[0] != "example output\n" {
		t.Errorf("redirect text = %q", s)
	}
}

func TestExecOriginsCarryTheirRequestIDs(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)
	f.d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, id)

	frame := append(body(5, protocol.CmdExecCommand, "echo first", ""), body(6, protocol.CmdExecCommand, "echo second", "")...)
	f.d.DecodeAndRun(id, frame)
	if len(f.exec.origins) != 2 {
		t.Fatalf("executed %d commands, want 2", len(f.exec.origins))
	}

	// Both commands run after the frame is decoded, so the listener's last
	// request id is already 6 when the first one replies.
	for i, text := range []string{"first\n", "second\n"} {
		o := f.exec.origins[i]
		if !f.d.ReplyOutput(o.Listener, o.RequestID, text) {
			t.Fatalf("ReplyOutput(%d) failed", o.RequestID)
		}
	}

	pkts := decodeAll(t, f.d, id)
	if len(pkts) != 2 {
		t.Fatalf("got %d responses, want 2", len(pkts))
	}
	for i, want := range []struct {
		id   int32
		text string
	}{{5, "first\n"}, {6, "second\n"}} {
		s, _ := pkts[i].Strings()
		if pkts[i].RequestID != want.id || len(s) != 1 || s[0] != want.text {
			t.Errorf("response %d = request %d %q, want request %d %q", i, pkts[i].RequestID, s, want.id, want.text)
		}
	}

	if f.d.ReplyOutput(id+100, 1, "x") {
		t.Error("ReplyOutput succeeded for an unknown listener")
	}
}

func TestMalformedRequestAbortsRestOfFrame(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)
	f.d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, id)

	good := body(2, protocol.CmdExecCommand, "first", "")
	// Second string has no terminator.
	bad := protocol.NewPacketBuilder().WriteInt32(3).WriteInt32(int32(protocol.CmdExecCommand)).
		WriteNullString("second").WriteBytes([]byte("unterminated")).Build()

	out := f.d.DecodeAndRun(id, append(good, bad...))
	if out.Malformed == nil {
		t.Fatal("expected malformed outcome")
	}
	if out.Requests != 1 {
		t.Errorf("requests = %d, want 1", out.Requests)
	}
	if len(f.exec.commands) != 1 || f.exec.commands[0] != "first" {
		t.Errorf("executed %q, want [first]", f.exec.commands)
	}

	if out := f.d.DecodeAndRun(id, []byte{1, 2}); out.Malformed == nil {
		t.Error("expected a short header to be malformed")
	}
}

func TestValuesAndUpdates(t *testing.T) {
	f := newFixture()
	a := f.d.AllocateListener(true, testAddr)
	b := f.d.AllocateAdminListener()
	f.d.DecodeAndRun(a, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, a)

	f.d.DecodeAndRun(a, body(2, protocol.CmdRequestValue, "hostname", ""))
	pkts := decodeAll(t, f.d, a)
	if len(pkts) != 1 {
		t.Fatalf("got %d responses, want 1", len(pkts))
	}
	if s, _ := pkts[0].Strings(); len(s) != 2 || s[0] != "hostname" || s[1] != "test server" {
		t.Errorf("value response = %q", s)
	}

	f.d.DecodeAndRun(b, body(3, protocol.CmdSetValue, "hostname", "renamed"))
	for _, id := range []ListenerID{a, b} {
		pkts := decodeAll(t, f.d, id)
		if len(pkts) != 1 || pkts[0].Command != int32(protocol.RespUpdate) {
			t.Fatalf("listener %d: updates = %+v", id, pkts)
		}
	}

	f.d.DecodeAndRun(a, body(4, protocol.CmdSetValue, "readonly", "x"))
	pkts = decodeAll(t, f.d, a)
	if len(pkts) != 1 || pkts[0].Command != int32(protocol.RespString) {
		t.Errorf("failed set response = %+v", pkts)
	}
}

func TestResponsesAreFIFOAndReleaseDropsThem(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)
	f.d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, id)

	for i := 0; i < 5; i++ {
		f.d.RedirectOutput(id, string(rune('a'+i)))
	}
	for i := 0; i < 5; i++ {
		frame, ok := f.d.PullResponse(id)
		if !ok {
			t.Fatalf("response %d missing", i)
		}
		pkt, _, _ := protocol.Decode(frame, 0)
		s, _ := pkt.Strings()
		if s[0] != string(rune('a'+i)) {
			t.Errorf("response %d = %q, want %q", i, s[0], string(rune('a'+i)))
		}
	}

	f.d.RedirectOutput(id, "late")
	f.d.ReleaseListener(id)
	if _, ok := f.d.PullResponse(id); ok {
		t.Error("released listener still has responses")
	}
	if f.d.IsAuthenticated(id) {
		t.Error("released listener still authenticated")
	}

	next := f.d.AllocateListener(true, testAddr)
	if next == id {
		t.Error("listener id was reused")
	}
}

func TestAdminListener(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateAdminListener()
	if !f.d.IsAuthenticated(id) || !f.d.IsAdmin(id) {
		t.Fatal("admin listener must start authenticated")
	}
	got, ok := f.d.ListenerForAddr(AdminAddr{})
	if !ok || got != id {
		t.Errorf("ListenerForAddr(admin) = %d, %v", got, ok)
	}

	f.d.DecodeAndRun(id, body(1, protocol.CmdExecCommand, "status", ""))
	if len(f.exec.commands) != 1 || !f.exec.origins[0].Admin {
		t.Errorf("admin command origin = %+v", f.exec.origins)
	}
	if !f.audit.entries[0].Admin {
		t.Error("admin command not flagged in audit log")
	}
}

func TestProfilingStream(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)
	f.d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, id)

	f.d.DecodeAndRun(id, body(7, protocol.CmdStartProfiling, "", ""))
	pkts := decodeAll(t, f.d, id)
	if len(pkts) != 1 || pkts[0].Command != int32(protocol.RespProfilingGroups) {
		t.Fatalf("start profiling = %+v", pkts)
	}

	f.d.RunFrame(time.Now())
	pkts = decodeAll(t, f.d, id)
	if len(pkts) != 1 || pkts[0].Command != int32(protocol.RespProfilingData) || pkts[0].RequestID != 7 {
		t.Fatalf("profiling data = %+v", pkts)
	}
	blob, err := pkts[0].Blob()
	if err != nil {
		t.Fatal(err)
	}
	samples, err := protocol.DecodeProfileSnapshot(blob)
	if err != nil || len(samples) != 1 || samples[0] != 1.5 {
		t.Errorf("samples = %v (%v)", samples, err)
	}

	f.d.DecodeAndRun(id, body(8, protocol.CmdStopProfiling, "", ""))
	f.d.RunFrame(time.Now().Add(time.Second))
	if n := f.d.PendingCount(id); n != 0 {
		t.Errorf("pending after stop = %d, want 0", n)
	}
}

type slowArtifacts struct {
	fakeArtifacts
	delay time.Duration
}

func (s slowArtifacts) Screenshot() ([]byte, error) {
	time.Sleep(s.delay)
	return []byte("late png"), nil
}

func TestArtifactTimeout(t *testing.T) {
	d := NewDispatcher(Config{ArtifactTimeout: 5 * time.Millisecond}, Collaborators{
		Artifacts: slowArtifacts{delay: 30 * time.Millisecond},
	}, nil)
	defer d.Close()
	d.SetPasswordChecker(staticPassword("secret"))

	id := d.AllocateListener(true, testAddr)
	d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, d, id)
	d.DecodeAndRun(id, body(2, protocol.CmdTakeScreenshot, "", ""))

	var pkts []*protocol.Packet
	deadline := time.Now().Add(2 * time.Second)
	for len(pkts) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply after the artifact timeout")
		}
		d.RunFrame(time.Now())
		pkts = decodeAll(t, d, id)
		time.Sleep(time.Millisecond)
	}

	if pkts[0].RequestID != 2 || pkts[0].Command != int32(protocol.RespString) {
		t.Fatalf("reply = request %d command %d, want a string reply to 2", pkts[0].RequestID, pkts[0].Command)
	}
	if s, _ := pkts[0].Strings(); len(s) != 1 || !strings.Contains(s[0], "timed out") {
		t.Errorf("reply text = %q, want a timeout message", s)
	}

	// Let the slow build finish; its late result must not reach the listener.
	time.Sleep(40 * time.Millisecond)
	d.RunFrame(time.Now())
	if late := decodeAll(t, d, id); len(late) != 0 {
		t.Errorf("late artifact delivered: %d responses", len(late))
	}
	if d.InFlight() != 0 {
		t.Errorf("in flight = %d, want 0", d.InFlight())
	}
}

func TestArtifactsArriveThroughRunFrame(t *testing.T) {
	f := newFixture()
	id := f.d.AllocateListener(true, testAddr)
	f.d.DecodeAndRun(id, body(1, protocol.CmdAuth, "secret", ""))
	decodeAll(t, f.d, id)

	f.d.DecodeAndRun(id, body(2, protocol.CmdTakeScreenshot, "", ""))
	f.d.DecodeAndRun(id, body(3, protocol.CmdFetchConsoleLog, "", ""))
	f.d.DecodeAndRun(id, body(4, protocol.CmdSubmitBugReport, "lag spike", ""))

	got := map[int32]*protocol.Packet{}
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d archives arrived", len(got))
		}
		f.d.RunFrame(time.Now())
		for _, p := range decodeAll(t, f.d, id) {
			got[p.RequestID] = p
		}
		time.Sleep(time.Millisecond)
	}

	if got[2].Command != int32(protocol.RespScreenshot) {
		t.Errorf("screenshot command = %d", got[2].Command)
	}
	if got[3].Command != int32(protocol.RespString) {
		t.Errorf("failed console log should answer with a string, got %d", got[3].Command)
	}
	blob, _ := got[4].Blob()
	if got[4].Command != int32(protocol.RespBugReport) || string(blob) != "report:lag spike" {
		t.Errorf("bug report = %d %q", got[4].Command, blob)
	}
	if f.d.InFlight() != 0 {
		t.Errorf("in flight = %d, want 0", f.d.InFlight())
	}
}
