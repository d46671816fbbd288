package remoteaccess

import (
	"net"
	"time"

	"github.com/energizer-project/rcond/internal/protocol"
)

// PasswordChecker validates the remote password. The RCON server implements
// it; the dispatcher never sees the password itself.
type PasswordChecker interface {
	IsPassword(password string) bool
}

// ValueStore reads and writes named values such as console variables.
type ValueStore interface {
	LookupValue(name string) (string, bool)
	SetValue(name, value string) error
}

// SecretStore is optionally implemented by a ValueStore whose values must
// never appear in audit records or events.
type SecretStore interface {
	IsSecret(name string) bool
}

// Origin identifies who issued a command so output can be redirected back.
type Origin struct {
	Listener  ListenerID
	RequestID int32
	Addr      net.Addr
	Admin     bool
}

// CommandExecutor runs console commands. Output produced while the command
// runs is returned to the operator through the server's redirect path.
type CommandExecutor interface {
	ExecuteCommand(command string, origin Origin)
}

// ArtifactSource assembles the zip archives served to operators. Calls are
// made off the frame loop and must be safe for concurrent use.
type ArtifactSource interface {
	Screenshot() ([]byte, error)
	ConsoleLog() ([]byte, error)
	BugReport(description string) ([]byte, error)
}

// Profiler supplies the profiling stream.
type Profiler interface {
	Groups() []protocol.ProfileGroup
	Snapshot() []float32
}

// AuditEntry is one authenticated operator command.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Address string    `json:"address"`
	Command string    `json:"command"`
	Args    string    `json:"args"`
	Admin   bool      `json:"admin"`
}

// AuditLog persists authenticated commands.
type AuditLog interface {
	RecordCommand(entry AuditEntry) error
}

// Collaborators groups the host surfaces the dispatcher drives. Any of them
// may be nil, in which case the matching commands answer "not available".
type Collaborators struct {
	Values    ValueStore
	Executor  CommandExecutor
	Artifacts ArtifactSource
	Profiler  Profiler
	Audit     AuditLog
}
