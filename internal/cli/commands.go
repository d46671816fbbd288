// Package cli implements the interactive operator console for rcond.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rcond/internal/authfail"
	"github.com/energizer-project/rcond/internal/db"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/host"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/remoteaccess"
)

// Backend is the part of host.App the console drives.
type Backend interface {
	Status(ctx context.Context) (host.Status, error)
	Connections(ctx context.Context) ([]rcon.ConnectionInfo, error)
	Listeners(ctx context.Context) ([]remoteaccess.ListenerInfo, error)
	ActiveBans() []db.Ban
	Failures() []authfail.Record
	Ban(ctx context.Context, addr string, penalty time.Duration, reason string) (int, error)
	Unban(addr string) (bool, error)
	AdminExec(ctx context.Context, command string) (string, error)
	UpdateSetting(ctx context.Context, key, value string) error
	ClientConnect(ctx context.Context, addr, password string) error
	ClientDisconnect(ctx context.Context) error
	WithClient(ctx context.Context, fn func(*rcon.Client) error) error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	backend  Backend
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
func NewCLI(backend Backend, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		backend:  backend,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled, input ends or the operator
// quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(c.out, "\nrcond console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	reader := newLineReader(c.in, c.out)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := reader.ReadLine("rcond> ")
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Msg("CLI: input closed")
				}
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.handleLine(ctx, line); quit {
				return
			}
		}
	}
}

// handleLine runs one input line and reports whether the console should exit.
func (c *CLI) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	if cmd == "quit" || cmd == "exit" || cmd == "q" {
		fmt.Fprintln(c.out, "Shutting down rcond...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	}

	if err := c.execute(ctx, cmd, args); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(ctx)
	case "connections", "conns":
		return c.printConnections(ctx)
	case "listeners":
		return c.printListeners(ctx)
	case "bans":
		c.printBans()
	case "failures":
		c.printFailures()
	case "ban":
		return c.cmdBan(ctx, args)
	case "unban":
		return c.cmdUnban(args)
	case "exec":
		return c.cmdExec(ctx, args)
	case "connect":
		return c.cmdConnect(ctx, args)
	case "disconnect":
		return c.backend.ClientDisconnect(ctx)
	case "rcon":
		return c.cmdRcon(ctx, args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     rcond Console Commands                   ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status              Show daemon status                      ║")
	fmt.Fprintln(c.out, "║  connections         List live RCON connections              ║")
	fmt.Fprintln(c.out, "║  listeners           List remote-access listeners            ║")
	fmt.Fprintln(c.out, "║  bans                List active bans                        ║")
	fmt.Fprintln(c.out, "║  failures            List failed authentication records      ║")
	fmt.Fprintln(c.out, "║  ban <ip> [minutes]  Ban an address (0 = permanent)          ║")
	fmt.Fprintln(c.out, "║  unban <ip>          Remove a ban                            ║")
	fmt.Fprintln(c.out, "║  exec <command>      Run a console command locally           ║")
	fmt.Fprintln(c.out, "║  connect <addr> <pw> Connect the RCON client to a server     ║")
	fmt.Fprintln(c.out, "║  rcon <command>      Send a command over the RCON client     ║")
	fmt.Fprintln(c.out, "║  rcon get <name>     Request a remote value                  ║")
	fmt.Fprintln(c.out, "║  rcon set <n> <v>    Set a remote value                      ║")
	fmt.Fprintln(c.out, "║  rcon screenshot     Fetch a screenshot archive              ║")
	fmt.Fprintln(c.out, "║  rcon consolelog     Fetch the remote console log            ║")
	fmt.Fprintln(c.out, "║  rcon bugreport <d>  Submit a bug report                     ║")
	fmt.Fprintln(c.out, "║  rcon profile on|off Toggle remote profiling samples         ║")
	fmt.Fprintln(c.out, "║  disconnect          Disconnect the RCON client              ║")
	fmt.Fprintln(c.out, "║  setconfig <k> <v>   Update an rcon setting                  ║")
	fmt.Fprintln(c.out, "║  quit                Shut down rcond                         ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus prints the daemon summary.
func (c *CLI) printStatus(ctx context.Context) error {
	st, err := c.backend.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\n  Listening:    %s\n", st.Listening)
	fmt.Fprintf(c.out, "  Password set: %v\n", st.HasPassword)
	if st.Relay != "" {
		fmt.Fprintf(c.out, "  Relay:        %s (connected: %v)\n", st.Relay, st.RelayUp)
	}
	fmt.Fprintf(c.out, "  Connections:  %d\n", st.Connections)
	fmt.Fprintf(c.out, "  Listeners:    %d\n", st.Listeners)
	fmt.Fprintf(c.out, "  Archives:     %d in flight\n", st.InFlight)
	fmt.Fprintf(c.out, "  Tracked:      %d addresses\n", st.Tracked)
	fmt.Fprintf(c.out, "  Active bans:  %d\n", st.ActiveBans)
	fmt.Fprintf(c.out, "  Frames:       %d\n", st.Frames)
	fmt.Fprintf(c.out, "  Uptime:       %s\n", st.Uptime.Round(time.Second))
	if st.ClientAddress != "" {
		fmt.Fprintf(c.out, "  Client:       %s (%s)\n", st.ClientState, st.ClientAddress)
	} else {
		fmt.Fprintf(c.out, "  Client:       %s\n", st.ClientState)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printConnections(ctx context.Context) error {
	conns, err := c.backend.Connections(ctx)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "No connections.")
		return nil
	}

	tw := c.newTable([]string{"#", "Address", "Listener", "Auth", "Outbound", "Queued", "Connected"})
	for _, conn := range conns {
		tw.Append([]string{
			strconv.Itoa(conn.Index),
			conn.Address,
			strconv.Itoa(int(conn.Listener)),
			yesNo(conn.Authenticated),
			yesNo(conn.Outbound),
			strconv.Itoa(conn.Queued),
			time.Since(conn.ConnectedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printListeners(ctx context.Context) error {
	listeners, err := c.backend.Listeners(ctx)
	if err != nil {
		return err
	}

	tw := c.newTable([]string{"ID", "Address", "Admin", "Auth", "Profiling", "Pending", "Last Req"})
	for _, l := range listeners {
		tw.Append([]string{
			strconv.Itoa(int(l.ID)),
			l.Address,
			yesNo(l.Admin),
			yesNo(l.Authenticated),
			yesNo(l.Profiling),
			strconv.Itoa(l.Pending),
			strconv.Itoa(int(l.LastRequestID)),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printBans() {
	bans := c.backend.ActiveBans()
	if len(bans) == 0 {
		fmt.Fprintln(c.out, "No active bans.")
		return
	}

	tw := c.newTable([]string{"Address", "Expires", "Reason"})
	for _, b := range bans {
		expires := "never"
		if !b.Permanent() {
			expires = b.Expires.Local().Format(time.DateTime)
		}
		tw.Append([]string{b.Address, expires, b.Reason})
	}
	tw.Render()
}

func (c *CLI) printFailures() {
	records := c.backend.Failures()
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No failed authentication attempts.")
		return
	}

	tw := c.newTable([]string{"Address", "Failures", "Recent", "Last Failure"})
	for _, r := range records {
		tw.Append([]string{
			r.Address,
			strconv.Itoa(r.Failures),
			strconv.Itoa(len(r.Recent)),
			r.LastFailure.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

func (c *CLI) cmdBan(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ban <ip> [minutes]")
	}

	var penalty time.Duration
	if len(args) > 1 {
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes < 0 {
			return fmt.Errorf("invalid minutes: %s", args[1])
		}
		penalty = time.Duration(minutes) * time.Minute
	}

	dropped, err := c.backend.Ban(ctx, args[0], penalty, "banned from console")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Banned %s (%d connection(s) dropped)\n", args[0], dropped)
	return nil
}

func (c *CLI) cmdUnban(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: unban <ip>")
	}
	removed, err := c.backend.Unban(args[0])
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintf(c.out, "%s is not banned\n", args[0])
		return nil
	}
	fmt.Fprintf(c.out, "Unbanned %s\n", args[0])
	return nil
}

func (c *CLI) cmdExec(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: exec <command>")
	}
	out, err := c.backend.AdminExec(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, out)
	if out != "" && !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: connect <host:port> [password]")
	}
	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}
	if err := c.backend.ClientConnect(ctx, args[0], password); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connecting to %s\n", args[0])
	return nil
}

// cmdRcon sends a request over the outbound client. Replies are printed by
// the client as they arrive.
func (c *CLI) cmdRcon(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rcon <command> | get <name> | set <name> <value> | screenshot | consolelog | bugreport <text> | profile on|off")
	}

	var send func(*rcon.Client) error
	switch strings.ToLower(args[0]) {
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: rcon get <name>")
		}
		send = func(cl *rcon.Client) error { return cl.RequestValue(args[1]) }
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: rcon set <name> <value>")
		}
		value := strings.Join(args[2:], " ")
		send = func(cl *rcon.Client) error { return cl.SetValue(args[1], value) }
	case "screenshot":
		send = (*rcon.Client).TakeScreenshot
	case "consolelog":
		send = (*rcon.Client).FetchConsoleLog
	case "bugreport":
		desc := strings.Join(args[1:], " ")
		send = func(cl *rcon.Client) error { return cl.SubmitBugReport(desc) }
	case "profile":
		if len(args) < 2 {
			return fmt.Errorf("usage: rcon profile on|off")
		}
		switch strings.ToLower(args[1]) {
		case "on":
			send = (*rcon.Client).StartProfiling
		case "off":
			send = (*rcon.Client).StopProfiling
		default:
			return fmt.Errorf("usage: rcon profile on|off")
		}
	default:
		text := strings.Join(args, " ")
		send = func(cl *rcon.Client) error { return cl.SendCommand(text) }
	}

	return c.backend.WithClient(ctx, send)
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	if err := c.backend.UpdateSetting(ctx, key, value); err != nil {
		return err
	}

	if key == "rcon_password" {
		value = "********"
	}
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, value)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// lineReader reads whole lines from the console input.
type lineReader struct {
	scanner *bufio.Scanner
	prompt  io.Writer
}

func newLineReader(in io.Reader, prompt io.Writer) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(in), prompt: prompt}
}

func (lr *lineReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(lr.prompt, prompt)
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return lr.scanner.Text(), nil
}
