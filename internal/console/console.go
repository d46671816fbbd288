// Package console is the host command surface driven by RCON: console
// variables, registered commands, and a buffered command queue whose output
// is redirected back to the operator who issued each command.
package console

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/db"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/remoteaccess"
	"github.com/energizer-project/rcond/internal/util"
)

// DefaultHistory is the number of console lines kept for the console log.
const DefaultHistory = 2000

// ServerControl is the part of the RCON server the console drives.
type ServerControl interface {
	FinishRedirectTo(origin remoteaccess.Origin, text string) bool
	Connections() []rcon.ConnectionInfo
	DisconnectHost(host string) int
}

// BanStore is the ban list behind banip, removeip and listip.
type BanStore interface {
	BanAddress(addr string, penalty time.Duration, reason string) error
	Unban(addr string) (bool, error)
	List() []db.Ban
}

// Context is handed to a running command.
type Context struct {
	Origin remoteaccess.Origin
	out    *strings.Builder
}

// Printf writes command output.
func (ctx *Context) Printf(format string, args ...interface{}) {
	fmt.Fprintf(ctx.out, format, args...)
}

// Println writes one line of command output.
func (ctx *Context) Println(args ...interface{}) {
	fmt.Fprintln(ctx.out, args...)
}

// CommandFunc implements a console command.
type CommandFunc func(ctx *Context, args []string)

// Command is a registered console command.
type Command struct {
	Name string
	Help string
	Run  CommandFunc
}

type pendingCommand struct {
	text   string
	origin remoteaccess.Origin
}

// Console owns variables and commands. Commands run on the frame loop from
// RunFrame; variables and the line history may be read from any goroutine.
type Console struct {
	mu       sync.RWMutex
	vars     map[string]*Var
	commands map[string]*Command
	pending  []pendingCommand

	history   *Ring
	server    ServerControl
	bans      BanStore
	startedAt time.Time
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a console with the built-in commands registered.
func New(history int) *Console {
	c := &Console{
		vars:      make(map[string]*Var),
		commands:  make(map[string]*Command),
		history:   NewRing(history),
		startedAt: time.Now(),
		now:       time.Now,
		logger:    util.ComponentLogger("console"),
	}
	c.registerBuiltins()
	return c
}

// SetServer attaches the RCON server used for redirects and status.
func (c *Console) SetServer(s ServerControl) {
	c.server = s
}

// SetBans attaches the ban list.
func (c *Console) SetBans(b BanStore) {
	c.bans = b
}

// RegisterCommand adds or replaces a command. Names are case-insensitive.
func (c *Console) RegisterCommand(name, help string, fn CommandFunc) {
	name = strings.ToLower(name)
	c.commands[name] = &Command{Name: name, Help: help, Run: fn}
}

// Commands returns the registered commands sorted by name.
func (c *Console) Commands() []Command {
	out := make([]Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		out = append(out, *cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteCommand implements remoteaccess.CommandExecutor. The command is
// buffered and runs on the next RunFrame.
func (c *Console) ExecuteCommand(command string, origin remoteaccess.Origin) {
	c.mu.Lock()
	c.pending = append(c.pending, pendingCommand{text: command, origin: origin})
	c.mu.Unlock()
}

// Pending returns the number of buffered commands.
func (c *Console) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// RunFrame executes every buffered command. Output of a command issued
// remotely is sent back to its origin as one string response.
func (c *Console) RunFrame() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range batch {
		out := c.run(p.text, p.origin)
		if p.origin.Addr == nil || c.server == nil {
			continue
		}
		if out == "" {
			out = "\n"
		}
		c.server.FinishRedirectTo(p.origin, out)
	}
}

// Exec runs a command line immediately with a local origin and returns its
// output.
func (c *Console) Exec(line string) string {
	return c.run(line, remoteaccess.Origin{})
}

func (c *Console) run(line string, origin remoteaccess.Origin) string {
	var out strings.Builder
	ctx := &Context{Origin: origin, out: &out}

	for _, stmt := range splitStatements(line) {
		args := tokenize(stmt)
		if len(args) == 0 {
			continue
		}
		name := strings.ToLower(args[0])
		if len(args) > 1 && c.IsSecret(name) {
			c.record("] " + name + " ***")
		} else {
			c.record("] " + stmt)
		}
		c.dispatch(ctx, name, args[1:])
	}

	text := out.String()
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if l != "" {
			c.record(l)
		}
	}
	return text
}

func (c *Console) dispatch(ctx *Context, name string, args []string) {
	if cmd, ok := c.commands[name]; ok {
		cmd.Run(ctx, args)
		return
	}

	c.mu.RLock()
	v, ok := c.vars[name]
	var value string
	var protected bool
	if ok {
		value = v.Value
		protected = v.has(VarProtected)
	}
	c.mu.RUnlock()

	if !ok {
		ctx.Printf("Unknown command \"%s\"\n", name)
		return
	}
	if len(args) == 0 {
		if protected {
			ctx.Printf("\"%s\" is write-only\n", name)
		} else {
			ctx.Printf("\"%s\" is \"%s\"\n", name, value)
		}
		return
	}
	if err := c.SetValue(name, strings.Join(args, " ")); err != nil {
		ctx.Printf("%v\n", err)
	}
}

// record appends a line to the history and the log.
func (c *Console) record(line string) {
	c.history.Add(line)
	c.logger.Debug().Msg(line)
}

// Print writes text to the console history as if a command had printed it.
func (c *Console) Print(text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		c.record(l)
	}
}

// Lines returns the console history, oldest first.
func (c *Console) Lines() []string {
	return c.history.Lines()
}

// Uptime returns how long the console has been running.
func (c *Console) Uptime() time.Duration {
	return c.now().Sub(c.startedAt)
}

// LookupValue implements remoteaccess.ValueStore. Besides variables it
// answers the computed values status, banlist, cvars and uptime. Protected
// variables read back empty.
func (c *Console) LookupValue(name string) (string, bool) {
	name = strings.ToLower(name)
	switch name {
	case "status":
		var b strings.Builder
		c.writeStatus(&Context{out: &b}, nil)
		return b.String(), true
	case "banlist":
		var b strings.Builder
		c.writeBans(&Context{out: &b}, nil)
		return b.String(), true
	case "cvars":
		return c.DumpVars(), true
	case "uptime":
		return strconv.FormatInt(int64(c.Uptime()/time.Second), 10), true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	if !ok {
		return "", false
	}
	if v.has(VarProtected) {
		return "", true
	}
	return v.Value, true
}

// splitStatements splits a line on semicolons outside quotes.
func splitStatements(line string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		case r == '\n' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// tokenize splits on whitespace, keeping double-quoted runs together.
func tokenize(stmt string) []string {
	var out []string
	var cur strings.Builder
	quoted, inToken := false, false
	for _, r := range stmt {
		switch {
		case r == '"':
			quoted = !quoted
			inToken = true
		case (r == ' ' || r == '\t') && !quoted:
			if inToken {
				out = append(out, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		out = append(out, cur.String())
	}
	return out
}
