package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/db"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/host"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/remoteaccess"
)

type fakeBackend struct {
	bans      map[string]time.Duration
	settings  map[string]string
	execCmds  []string
	connected string
	password  string
	clientErr error
	clientHit int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bans:     make(map[string]time.Duration),
		settings: make(map[string]string),
	}
}

func (f *fakeBackend) Status(context.Context) (host.Status, error) {
	return host.Status{Listening: "0.0.0.0:27015", HasPassword: true, Connections: 3, ClientState: "disconnected"}, nil
}

func (f *fakeBackend) Connections(context.Context) ([]rcon.ConnectionInfo, error) {
	return []rcon.ConnectionInfo{{Index: 0, Address: "10.1.1.1:5555", Authenticated: true, ConnectedAt: time.Now()}}, nil
}

func (f *fakeBackend) Listeners(context.Context) ([]remoteaccess.ListenerInfo, error) {
	return []remoteaccess.ListenerInfo{{ID: 4, Address: "admin", Admin: true}}, nil
}

func (f *fakeBackend) ActiveBans() []db.Ban {
	return []db.Ban{{Address: "10.9.9.9", Reason: "flood"}}
}

func (f *fakeBackend) Failures() []authfail.Record {
	return []authfail.Record{{Address: "10.2.2.2", Failures: 4, LastFailure: time.Now()}}
}

func (f *fakeBackend) Ban(_ context.Context, addr string, penalty time.Duration, _ string) (int, error) {
	f.bans[addr] = penalty
	return 2, nil
}

func (f *fakeBackend) Unban(addr string) (bool, error) {
	_, ok := f.bans[addr]
	delete(f.bans, addr)
	return ok, nil
}

func (f *fakeBackend) AdminExec(_ context.Context, command string) (string, error) {
	f.execCmds = append(f.execCmds, command)
	return "ran " + command + "\n", nil
}

func (f *fakeBackend) UpdateSetting(_ context.Context, key, value string) error {
	if key == "bogus" {
		return errors.New("unknown rcon field: bogus")
	}
	f.settings[key] = value
	return nil
}

func (f *fakeBackend) ClientConnect(_ context.Context, addr, password string) error {
	f.connected = addr
	f.password = password
	return nil
}

func (f *fakeBackend) ClientDisconnect(context.Context) error {
	f.connected = ""
	return nil
}

func (f *fakeBackend) WithClient(_ context.Context, fn func(*rcon.Client) error) error {
	f.clientHit++
	return f.clientErr
}

func newTestCLI(backend Backend) (*CLI, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return NewCLI(backend, events.NewEventBus(), strings.NewReader(""), out), out
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"status", "status", []string{"0.0.0.0:27015", "Connections:  3"}},
		{"connections", "connections", []string{"10.1.1.1:5555"}},
		{"listeners", "listeners", []string{"admin"}},
		{"bans", "bans", []string{"10.9.9.9", "never", "flood"}},
		{"failures", "failures", []string{"10.2.2.2"}},
		{"exec", "exec echo hi there", []string{"ran echo hi there"}},
		{"help", "help", []string{"setconfig"}},
		{"unknown", "frobnicate", []string{"Unknown command: 'frobnicate'"}},
		{"usage error", "unban", []string{"Error: usage: unban <ip>"}},
		{"setconfig error", "setconfig bogus 1", []string{"Error: unknown rcon field"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, out := newTestCLI(newFakeBackend())
			if quit := c.handleLine(context.Background(), tc.line); quit {
				t.Fatal("command requested exit")
			}
			for _, w := range tc.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output missing %q:\n%s", w, out.String())
				}
			}
		})
	}
}

func TestBanAndUnban(t *testing.T) {
	backend := newFakeBackend()
	c, out := newTestCLI(backend)
	ctx := context.Background()

	c.handleLine(ctx, "ban 10.0.0.4 30")
	if backend.bans["10.0.0.4"] != 30*time.Minute {
		t.Fatalf("penalty = %v, want 30m", backend.bans["10.0.0.4"])
	}
	if !strings.Contains(out.String(), "2 connection(s) dropped") {
		t.Errorf("output = %q", out.String())
	}

	c.handleLine(ctx, "ban 10.0.0.5")
	if p, ok := backend.bans["10.0.0.5"]; !ok || p != 0 {
		t.Errorf("permanent ban not recorded: %v", backend.bans)
	}

	out.Reset()
	c.handleLine(ctx, "ban 10.0.0.6 soon")
	if !strings.Contains(out.String(), "invalid minutes") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	c.handleLine(ctx, "unban 10.0.0.4")
	c.handleLine(ctx, "unban 10.0.0.4")
	if !strings.Contains(out.String(), "Unbanned 10.0.0.4") || !strings.Contains(out.String(), "is not banned") {
		t.Errorf("output = %q", out.String())
	}
}

func TestClientCommands(t *testing.T) {
	backend := newFakeBackend()
	c, out := newTestCLI(backend)
	ctx := context.Background()

	c.handleLine(ctx, "connect 127.0.0.1:27015 secret pass")
	if backend.connected != "127.0.0.1:27015" || backend.password != "secret pass" {
		t.Errorf("connect got %q / %q", backend.connected, backend.password)
	}

	for _, line := range []string{"rcon status", "rcon get hostname", "rcon set hostname x", "rcon screenshot", "rcon profile on"} {
		c.handleLine(ctx, line)
	}
	if backend.clientHit != 5 {
		t.Errorf("client used %d times, want 5", backend.clientHit)
	}

	out.Reset()
	c.handleLine(ctx, "rcon profile maybe")
	if !strings.Contains(out.String(), "usage: rcon profile") || backend.clientHit != 5 {
		t.Errorf("bad profile arg reached client: %q", out.String())
	}

	out.Reset()
	backend.clientErr = rcon.ErrNotConnected
	c.handleLine(ctx, "rcon status")
	if !strings.Contains(out.String(), "Error:") {
		t.Errorf("client error not reported: %q", out.String())
	}

	c.handleLine(ctx, "disconnect")
	if backend.connected != "" {
		t.Error("disconnect not forwarded")
	}
}

func TestSetConfigMasksPassword(t *testing.T) {
	backend := newFakeBackend()
	c, out := newTestCLI(backend)

	c.handleLine(context.Background(), "setconfig rcon_password topsecret")
	if backend.settings["rcon_password"] != "topsecret" {
		t.Fatalf("settings = %v", backend.settings)
	}
	if strings.Contains(out.String(), "topsecret") {
		t.Errorf("password echoed: %q", out.String())
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	bus := events.NewEventBus()
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		wg.Done()
		return nil
	})

	out := &bytes.Buffer{}
	c := NewCLI(newFakeBackend(), bus, strings.NewReader("status\nquit\nstatus\n"), out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after quit")
	}
	wg.Wait()

	if strings.Count(out.String(), "Listening:") != 1 {
		t.Errorf("commands after quit were run:\n%s", out.String())
	}
}

func TestStartReturnsOnEOF(t *testing.T) {
	c := NewCLI(newFakeBackend(), events.NewEventBus(), strings.NewReader("status\n"), &bytes.Buffer{})
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return at end of input")
	}
}
