package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/rcond/internal/authfail"
)

// PasswordVar is the variable holding the rcon password.
const PasswordVar = "rcon_password"

func (c *Console) registerBuiltins() {
	c.RegisterCommand("echo", "Print the arguments", func(ctx *Context, args []string) {
		ctx.Println(strings.Join(args, " "))
	})
	c.RegisterCommand("help", "List commands", c.cmdHelp)
	c.RegisterCommand("cvarlist", "List console variables [prefix]", c.cmdCvarList)
	c.RegisterCommand("find", "Search commands and variables <text>", c.cmdFind)
	c.RegisterCommand("status", "Show uptime and rcon connections", c.writeStatus)
	c.RegisterCommand("banip", "Ban an address <ip> [minutes] [reason]", c.cmdBanIP)
	c.RegisterCommand("removeip", "Remove a ban <ip>", c.cmdRemoveIP)
	c.RegisterCommand("listip", "List active bans", c.writeBans)
}

// RegisterPassword registers the protected rcon_password variable. apply
// runs on every write, typically updating the server and saving the config.
func (c *Console) RegisterPassword(initial string, apply func(string) error) {
	c.RegisterVar(Var{
		Name:     PasswordVar,
		Value:    initial,
		Help:     "Remote console password",
		Flags:    VarProtected,
		OnChange: apply,
	})
}

func (c *Console) cmdHelp(ctx *Context, args []string) {
	for _, cmd := range c.Commands() {
		ctx.Printf("  %-12s %s\n", cmd.Name, cmd.Help)
	}
}

func (c *Console) cmdCvarList(ctx *Context, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = strings.ToLower(args[0])
	}
	n := 0
	for _, v := range c.Vars() {
		if !strings.HasPrefix(v.Name, prefix) {
			continue
		}
		value := fmt.Sprintf("%q", v.Value)
		if v.Protected {
			value = "(protected)"
		}
		ctx.Printf("  %-24s %s\n", v.Name, value)
		n++
	}
	ctx.Printf("%d variables\n", n)
}

func (c *Console) cmdFind(ctx *Context, args []string) {
	if len(args) == 0 {
		ctx.Println("usage: find <text>")
		return
	}
	needle := strings.ToLower(strings.Join(args, " "))
	for _, cmd := range c.Commands() {
		if strings.Contains(cmd.Name, needle) || strings.Contains(strings.ToLower(cmd.Help), needle) {
			ctx.Printf("  %-24s %s\n", cmd.Name, cmd.Help)
		}
	}
	for _, v := range c.Vars() {
		if strings.Contains(v.Name, needle) || strings.Contains(strings.ToLower(v.Help), needle) {
			ctx.Printf("  %-24s %s\n", v.Name, v.Help)
		}
	}
}

func (c *Console) writeStatus(ctx *Context, _ []string) {
	ctx.Printf("uptime: %s\n", c.Uptime().Truncate(time.Second))
	if c.server == nil {
		ctx.Println("rcon: not running")
		return
	}

	conns := c.server.Connections()
	ctx.Printf("rcon connections: %d\n", len(conns))
	if len(conns) == 0 {
		return
	}

	tw := tablewriter.NewWriter(ctx.out)
	tw.SetHeader([]string{"Address", "Listener", "Auth", "Relay", "Queued", "Connected"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, conn := range conns {
		tw.Append([]string{
			conn.Address,
			strconv.Itoa(int(conn.Listener)),
			yesNo(conn.Authenticated),
			yesNo(conn.Outbound),
			strconv.Itoa(conn.Queued),
			c.now().Sub(conn.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *Console) cmdBanIP(ctx *Context, args []string) {
	if len(args) == 0 {
		ctx.Println("usage: banip <ip> [minutes] [reason]")
		return
	}
	if c.bans == nil {
		ctx.Println("ban list not available")
		return
	}

	var penalty time.Duration
	reason := "banned by operator"
	if len(args) > 1 {
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes < 0 {
			ctx.Printf("invalid duration %q\n", args[1])
			return
		}
		penalty = time.Duration(minutes) * time.Minute
	}
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	if err := c.bans.BanAddress(args[0], penalty, reason); err != nil {
		ctx.Printf("banip failed: %v\n", err)
		return
	}
	host := authfail.HostKey(args[0])
	dropped := 0
	if c.server != nil {
		dropped = c.server.DisconnectHost(host)
	}
	if penalty == 0 {
		ctx.Printf("%s banned permanently", host)
	} else {
		ctx.Printf("%s banned for %s", host, penalty)
	}
	if dropped > 0 {
		ctx.Printf(", %d connection(s) dropped", dropped)
	}
	ctx.Println()
}

func (c *Console) cmdRemoveIP(ctx *Context, args []string) {
	if len(args) != 1 {
		ctx.Println("usage: removeip <ip>")
		return
	}
	if c.bans == nil {
		ctx.Println("ban list not available")
		return
	}
	ok, err := c.bans.Unban(args[0])
	switch {
	case err != nil:
		ctx.Printf("removeip failed: %v\n", err)
	case !ok:
		ctx.Printf("%s is not banned\n", args[0])
	default:
		ctx.Printf("%s unbanned\n", args[0])
	}
}

func (c *Console) writeBans(ctx *Context, _ []string) {
	if c.bans == nil {
		ctx.Println("ban list not available")
		return
	}
	bans := c.bans.List()
	ctx.Printf("%d active ban(s)\n", len(bans))
	if len(bans) == 0 {
		return
	}

	tw := tablewriter.NewWriter(ctx.out)
	tw.SetHeader([]string{"Address", "Expires", "Reason"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, b := range bans {
		expires := "never"
		if !b.Permanent() {
			expires = b.Expires.Format(time.RFC3339)
		}
		tw.Append([]string{b.Address, expires, b.Reason})
	}
	tw.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
