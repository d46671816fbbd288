package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/artifact"
	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/config"
	"github.com/energizer-project/rcond/internal/console"
	"github.com/energizer-project/rcond/internal/db"
	"github.com/energizer-project/rcond/internal/diag"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/remoteaccess"
	"github.com/energizer-project/rcond/internal/scheduler"
	"github.com/energizer-project/rcond/internal/util"
)

const (
	// DefaultAdminTimeout bounds a command issued through the admin identity.
	DefaultAdminTimeout = 10 * time.Second

	profilerInterval = time.Second
)

// Version is the build version, set by the linker.
var Version = "dev"

// ErrAdminTimeout is returned when the admin identity gets no reply in time.
var ErrAdminTimeout = errors.New("admin command timed out")

// Status is a point-in-time summary of the daemon.
type Status struct {
	Listening     string        `json:"listening"`
	HasPassword   bool          `json:"has_password"`
	Relay         string        `json:"relay,omitempty"`
	RelayUp       bool          `json:"relay_connected"`
	Connections   int           `json:"connections"`
	Listeners     int           `json:"listeners"`
	InFlight      int           `json:"artifacts_in_flight"`
	Tracked       int           `json:"tracked_addresses"`
	ActiveBans    int           `json:"active_bans"`
	Frames        uint64        `json:"frames"`
	Uptime        time.Duration `json:"uptime_ns"`
	ClientState   string        `json:"client_state"`
	ClientAddress string        `json:"client_address,omitempty"`
}

// App owns every long-lived rcond component. Protocol state is only touched
// from the frame loop; the exported methods hop onto it with Loop.Do.
type App struct {
	cfg *config.Config
	bus *events.EventBus

	loop       *Loop
	database   *db.Database
	bans       *db.BanList
	audit      *db.AuditLog
	tracker    *authfail.Tracker
	console    *console.Console
	profiler   *diag.Profiler
	artifacts  *artifact.Builder
	dispatcher *remoteaccess.Dispatcher
	server     *rcon.Server
	client     *rcon.Client
	scheduler  *scheduler.Scheduler

	adminID  remoteaccess.ListenerID
	adminMu  sync.Mutex
	adminSeq int32
	// waiters is keyed by admin request id and only used on the loop.
	waiters map[int32]adminWaiter

	clientOut io.Writer

	relayAddr  string
	relayRetry time.Duration
	relayLast  time.Time

	logger zerolog.Logger
}

// New builds the component graph from cfg. Nothing listens until Run.
func New(cfg *config.Config, bus *events.EventBus) (*App, error) {
	rc := cfg.GetRcon()
	app := cfg.GetApplicationData()

	database, err := db.NewDatabase(app.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	bans, err := db.NewBanList(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load ban list: %w", err)
	}
	audit, err := db.NewAuditLog(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := &App{
		cfg:        cfg,
		bus:        bus,
		loop:       NewLoop(rc.TickInterval()),
		database:   database,
		bans:       bans,
		audit:      audit,
		tracker:    authfail.NewTracker(rc.FailureTracking()),
		console:    console.New(console.DefaultHistory),
		scheduler:  scheduler.NewScheduler(cfg, bans, audit),
		waiters:    make(map[int32]adminWaiter),
		clientOut:  os.Stdout,
		relayAddr:  rc.RelayAddr(),
		relayRetry: time.Duration(rc.RelayRetrySec) * time.Second,
		logger:     util.ComponentLogger("host"),
	}

	a.profiler = diag.NewProfiler(nil)
	a.artifacts = artifact.NewBuilder(artifact.Config{
		ScreenshotDir: app.Paths.Screenshots,
		LogDir:        app.Paths.Logs,
		ArchiveDir:    app.Paths.Artifacts,
	}, a.console)

	a.dispatcher = remoteaccess.NewDispatcher(remoteaccess.Config{
		ProfilingRate:   rc.ProfilingRate,
		ArtifactTimeout: time.Duration(rc.ArtifactTimeoutSec) * time.Second,
	}, remoteaccess.Collaborators{
		Values:    a.console,
		Executor:  a.console,
		Artifacts: a.artifacts,
		Profiler:  a.profiler,
		Audit:     audit,
	}, bus)

	a.server = rcon.NewServer(rcon.ServerConfig{
		Password:          rc.Password,
		MaxCommandSize:    rc.MaxCommandSize,
		MaxQueuedMessages: rc.MaxQueuedMessages,
		BanPenalty:        rc.BanPenalty(),
	}, a.dispatcher, a.tracker, bans, bus)

	a.client = rcon.NewClient(rcon.ClientCallbacks{
		OnAuth: func(err error) {
			if err != nil {
				a.logger.Warn().Err(err).Msg("rcon client authentication failed")
			}
		},
		OnScreenshot: func(blob []byte) { a.saveArchive("screenshot", blob) },
		OnConsoleLog: func(blob []byte) { a.saveArchive("consolelog", blob) },
		OnBugReport:  func(blob []byte) { a.saveArchive("bugreport", blob) },
	})

	a.console.SetServer(a.server)
	a.console.SetBans(bans)
	a.console.RegisterPassword(rc.Password, a.applyPassword)
	a.registerVars()
	a.profiler.SetConnectionCounter(func() int { return len(a.server.Connections()) })

	a.adminID = a.dispatcher.AllocateAdminListener()

	a.loop.OnFrame(a.server.RunFrame)
	a.loop.OnFrame(func(time.Time) { a.console.RunFrame() })
	a.loop.OnFrame(a.collectAdmin)
	a.loop.OnFrame(a.runClient)
	a.loop.OnFrame(a.maintainRelay)

	return a, nil
}

// Run listens on the configured address and drives the frame loop until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	rc := a.cfg.GetRcon()
	if err := a.server.Listen(ctx, rc.ListenAddr()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", rc.ListenAddr(), err)
	}
	if !a.server.HasPassword() {
		a.logger.Warn().Msg("no rcon password set, remote connections will be refused")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.profiler.Run(ctx, profilerInterval)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Start(ctx)
	}()

	a.logger.Info().
		Str("listen", a.server.ListenAddr().String()).
		Str("relay", a.relayAddr).
		Msg("rcond running")

	a.loop.Run(ctx)

	a.client.Disconnect()
	a.server.Close()
	a.dispatcher.Close()
	wg.Wait()
	return nil
}

// Close releases the database. Call it after Run has returned.
func (a *App) Close() error {
	return a.database.Close()
}

// Loop returns the frame loop.
func (a *App) Loop() *Loop { return a.loop }

// Console returns the console. Variables and history are safe to read from
// any goroutine; commands must go through Exec.
func (a *App) Console() *console.Console { return a.console }

// Bans returns the ban list.
func (a *App) Bans() *db.BanList { return a.bans }

// Audit returns the command audit log.
func (a *App) Audit() *db.AuditLog { return a.audit }

// Tracker returns the failed-auth tracker.
func (a *App) Tracker() *authfail.Tracker { return a.tracker }

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

func (a *App) registerVars() {
	hostname, _ := os.Hostname()
	a.console.RegisterVar(console.Var{Name: "hostname", Default: hostname, Help: "Name reported to operators"})
	a.console.RegisterVar(console.Var{Name: "version", Value: Version, Help: "rcond build", Flags: console.VarReadOnly})
}

// ActiveBans lists bans that have not expired.
func (a *App) ActiveBans() []db.Ban { return a.bans.List() }

// Failures lists addresses with failed authentication attempts.
func (a *App) Failures() []authfail.Record { return a.tracker.Records() }

// RecentAudit returns the newest audited commands.
func (a *App) RecentAudit(limit int) ([]remoteaccess.AuditEntry, error) {
	return a.audit.Recent(limit)
}

// Vars lists visible console variables with protected values blanked.
func (a *App) Vars() []console.VarInfo { return a.console.Vars() }

// ConsoleLines returns the console history, oldest first.
func (a *App) ConsoleLines() []string { return a.console.Lines() }

// applyPassword runs on the loop whenever rcon_password is written.
func (a *App) applyPassword(password string) error {
	if err := a.cfg.UpdateRconField("rcon_password", password); err != nil {
		return err
	}
	if err := a.cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	a.server.SetPassword(password)
	return nil
}

func (a *App) runClient(time.Time) {
	if err := a.client.RunFrame(); err != nil {
		a.logger.Debug().Err(err).Msg("rcon client frame failed")
	}
}

// maintainRelay reconnects the outbound relay every relayRetry while it is
// down.
func (a *App) maintainRelay(now time.Time) {
	if a.relayAddr == "" || a.server.HasRelay() {
		return
	}
	if !a.relayLast.IsZero() && now.Sub(a.relayLast) < a.relayRetry {
		return
	}
	a.relayLast = now

	// The socket manager's dial timeout is the only bound; this runs on the
	// frame loop, so every other connection waits for it.
	if err := a.server.ConnectToRelay(context.Background(), a.relayAddr); err != nil {
		a.logger.Warn().Err(err).Str("relay", a.relayAddr).Dur("retry", a.relayRetry).Msg("relay connection failed")
	}
}

// Status collects a summary from the loop.
func (a *App) Status(ctx context.Context) (Status, error) {
	var st Status
	err := a.loop.Do(ctx, func() {
		if addr := a.server.ListenAddr(); addr != nil {
			st.Listening = addr.String()
		}
		st.HasPassword = a.server.HasPassword()
		st.Relay = a.relayAddr
		st.RelayUp = a.server.HasRelay()
		st.Connections = len(a.server.Connections())
		st.Listeners = len(a.dispatcher.Listeners())
		st.InFlight = a.dispatcher.InFlight()
		st.ClientState = a.client.State().String()
		st.ClientAddress = a.client.Address()
	})
	if err != nil {
		return st, err
	}
	st.Tracked = a.tracker.Len()
	st.ActiveBans = len(a.bans.List())
	st.Frames = a.loop.Frames()
	st.Uptime = a.console.Uptime()
	return st, nil
}

// Connections lists live RCON connections.
func (a *App) Connections(ctx context.Context) ([]rcon.ConnectionInfo, error) {
	var out []rcon.ConnectionInfo
	err := a.loop.Do(ctx, func() { out = a.server.Connections() })
	return out, err
}

// Listeners lists remote-access identities, including the admin identity.
func (a *App) Listeners(ctx context.Context) ([]remoteaccess.ListenerInfo, error) {
	var out []remoteaccess.ListenerInfo
	err := a.loop.Do(ctx, func() { out = a.dispatcher.Listeners() })
	return out, err
}

// Ban bans addr and drops its live connections. A zero penalty is permanent.
func (a *App) Ban(ctx context.Context, addr string, penalty time.Duration, reason string) (int, error) {
	if err := a.bans.BanAddress(addr, penalty, reason); err != nil {
		return 0, err
	}
	a.emit(events.EventAddressBanned, events.BanPayload{Address: addr, Reason: reason, Penalty: penalty})

	var dropped int
	err := a.loop.Do(ctx, func() { dropped = a.server.DisconnectHost(authfail.HostKey(addr)) })
	return dropped, err
}

// Unban lifts a ban and clears the address's failure history.
func (a *App) Unban(addr string) (bool, error) {
	removed, err := a.bans.Unban(addr)
	if err != nil {
		return false, err
	}
	a.tracker.Forget(addr)
	if removed {
		a.emit(events.EventAddressUnbanned, events.BanPayload{Address: addr})
	}
	return removed, nil
}

// UpdateSetting changes one rcon setting by its JSON key, saves the config
// and applies it to the running components.
func (a *App) UpdateSetting(ctx context.Context, key, value string) error {
	if key == console.PasswordVar {
		var setErr error
		if err := a.loop.Do(ctx, func() { setErr = a.console.SetValue(key, value) }); err != nil {
			return err
		}
		return setErr
	}

	prev := a.cfg.GetRcon()
	if err := a.cfg.UpdateRconField(key, value); err != nil {
		return err
	}
	for _, verr := range config.Validate(a.cfg).Errors {
		if verr.Field == "rcon."+key {
			a.cfg.SetRcon(prev)
			return verr
		}
	}
	if err := a.cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	rc := a.cfg.GetRcon()
	a.tracker.SetConfig(rc.FailureTracking())
	a.emit(events.EventConfigChanged, events.ConfigChangedPayload{Key: key, NewValue: value})
	return a.loop.Do(ctx, func() {
		a.server.SetBanPenalty(rc.BanPenalty())
		if addr := rc.RelayAddr(); addr != a.relayAddr {
			a.relayAddr = addr
			a.relayLast = time.Time{}
		}
		a.relayRetry = time.Duration(rc.RelayRetrySec) * time.Second
	})
}

func (a *App) emit(t events.EventType, payload interface{}) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(context.Background(), events.Event{Type: t, Source: "host", Payload: payload})
}

// saveArchive writes an archive received by the outbound client under the
// artifacts directory.
func (a *App) saveArchive(kind string, blob []byte) {
	dir := a.cfg.GetApplicationData().Paths.Artifacts
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.logger.Error().Err(err).Str("dir", dir).Msg("failed to create artifacts directory")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("remote_%s_%s.zip", kind, time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, blob, 0644); err != nil {
		a.logger.Error().Err(err).Str("path", path).Msg("failed to save archive")
		return
	}
	a.logger.Info().Str("path", path).Int("bytes", len(blob)).Msg("archive received")
	fmt.Fprintf(a.clientOut, "%s saved to %s\n", kind, path)
}
