package remoteaccess

import (
	"fmt"

	"github.com/energizer-project/rcond/internal/protocol"
)

// request is one decoded operator request. The set of implementations is
// closed; DecodeAndRun switches over it.
type request interface {
	id() int32
	command() protocol.RequestCommand
}

type header struct {
	requestID int32
	cmd       protocol.RequestCommand
}

func (h header) id() int32                        { return h.requestID }
func (h header) command() protocol.RequestCommand { return h.cmd }

type authRequest struct {
	header
	password string
}

type requestValueRequest struct {
	header
	name string
}

type setValueRequest struct {
	header
	name  string
	value string
}

type execCommandRequest struct {
	header
	text string
}

type startProfilingRequest struct{ header }

type stopProfilingRequest struct{ header }

type screenshotRequest struct{ header }

type consoleLogRequest struct{ header }

type bugReportRequest struct {
	header
	description string
}

type unknownRequest struct{ header }

// decodeRequest reads one request: request id, command id and two
// null-terminated strings. Any missing field fails the whole request.
func decodeRequest(r *protocol.PacketReader) (request, error) {
	requestID, err := r.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}
	cmd, err := r.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("command id: %w", err)
	}
	arg1, err := r.ReadString(protocol.MaxStringLength)
	if err != nil {
		return nil, fmt.Errorf("first argument: %w", err)
	}
	arg2, err := r.ReadString(protocol.MaxStringLength)
	if err != nil {
		return nil, fmt.Errorf("second argument: %w", err)
	}

	h := header{requestID: requestID, cmd: protocol.RequestCommand(cmd)}
	switch h.cmd {
	case protocol.CmdAuth:
		return authRequest{header: h, password: arg1}, nil
	case protocol.CmdRequestValue:
		return requestValueRequest{header: h, name: arg1}, nil
	case protocol.CmdSetValue:
		return setValueRequest{header: h, name: arg1, value: arg2}, nil
	case protocol.CmdExecCommand:
		return execCommandRequest{header: h, text: arg1}, nil
	case protocol.CmdStartProfiling:
		return startProfilingRequest{h}, nil
	case protocol.CmdStopProfiling:
		return stopProfilingRequest{h}, nil
	case protocol.CmdTakeScreenshot:
		return screenshotRequest{h}, nil
	case protocol.CmdFetchConsoleLog:
		return consoleLogRequest{h}, nil
	case protocol.CmdSubmitBugReport:
		return bugReportRequest{header: h, description: arg1}, nil
	default:
		return unknownRequest{h}, nil
	}
}
