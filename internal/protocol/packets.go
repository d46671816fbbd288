// Package protocol implements the RCON wire format shared by the remote
// administration server, its dispatcher and the outbound client. Every frame
// is little-endian: a 4-byte length prefix followed by the request id, the
// command id and a command-dependent payload.
package protocol

// RequestCommand identifies an operator request (operator -> server).
type RequestCommand int32

// Request command ids.
const (
	CmdRequestValue    RequestCommand = 0 // Read a named value
	CmdSetValue        RequestCommand = 1 // Write a named value
	CmdExecCommand     RequestCommand = 2 // Execute a console command
	CmdAuth            RequestCommand = 3 // Authenticate with the rcon password
	CmdStartProfiling  RequestCommand = 4 // Subscribe to the profiling stream
	CmdStopProfiling   RequestCommand = 5 // Unsubscribe from the profiling stream
	CmdTakeScreenshot  RequestCommand = 6 // Request a screenshot archive
	CmdFetchConsoleLog RequestCommand = 7 // Request a console log archive
	CmdSubmitBugReport RequestCommand = 8 // Assemble and return a bug report archive
)

var requestCommandStrings = map[RequestCommand]string{
	CmdRequestValue:    "request_value",
	CmdSetValue:        "set_value",
	CmdExecCommand:     "exec_command",
	CmdAuth:            "auth",
	CmdStartProfiling:  "start_profiling",
	CmdStopProfiling:   "stop_profiling",
	CmdTakeScreenshot:  "take_screenshot",
	CmdFetchConsoleLog: "fetch_console_log",
	CmdSubmitBugReport: "submit_bug_report",
}

// String returns the string representation of a RequestCommand.
func (c RequestCommand) String() string {
	if s, ok := requestCommandStrings[c]; ok {
		return s
	}
	return "unknown"
}

// ResponseCommand identifies a server response (server -> operator).
type ResponseCommand int32

// Response command ids.
const (
	RespValue           ResponseCommand = 0 // Two strings: name, value
	RespUpdate          ResponseCommand = 1 // Pushed value update
	RespAuth            ResponseCommand = 2 // Auth result, request id -1 on failure
	RespProfilingData   ResponseCommand = 3 // Blob of float32 samples
	RespProfilingGroups ResponseCommand = 4 // Blob of color+name records
	RespScreenshot      ResponseCommand = 5 // Blob: zip archive
	RespConsoleLog      ResponseCommand = 6 // Blob: zip archive
	RespString          ResponseCommand = 7 // Generic console output
	RespBugReport       ResponseCommand = 8 // Blob: zip archive
)

var responseCommandStrings = map[ResponseCommand]string{
	RespValue:           "value",
	RespUpdate:          "update",
	RespAuth:            "auth_response",
	RespProfilingData:   "profiling_data",
	RespProfilingGroups: "profiling_groups",
	RespScreenshot:      "screenshot",
	RespConsoleLog:      "console_log",
	RespString:          "string",
	RespBugReport:       "bug_report",
}

// String returns the string representation of a ResponseCommand.
func (c ResponseCommand) String() string {
	if s, ok := responseCommandStrings[c]; ok {
		return s
	}
	return "unknown"
}

// AuthFailedRequestID is the request id carried by an auth response when the
// password was rejected.
const AuthFailedRequestID int32 = -1

const (
	// LengthPrefixSize is the size of the frame length prefix in bytes.
	LengthPrefixSize = 4

	// HeaderSize is the size of the request id and command id that start
	// every frame body.
	HeaderSize = 8

	// DefaultMaxCommandSize is the largest frame body the server accepts
	// from an operator. Requests are short text commands.
	DefaultMaxCommandSize = 4096

	// DefaultMaxResponseSize is the largest frame body the client accepts.
	// Screenshot and log archives travel as blobs, so the ceiling is high.
	DefaultMaxResponseSize = 32 * 1024 * 1024

	// MaxStringLength bounds strings extracted from request frames.
	MaxStringLength = 2048
)

// Packet is a decoded frame.
type Packet struct {
	RequestID int32
	Command   int32
	Payload   []byte
}

// ProfileGroup describes one series of the profiling stream.
type ProfileGroup struct {
	Color [4]byte // RGBA
	Name  string
}
