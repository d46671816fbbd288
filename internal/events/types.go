// Package events defines event types for the rcond event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection events
	EventConnectionOpened  EventType = "rcon_connection_opened"
	EventConnectionClosed  EventType = "rcon_connection_closed"
	EventConnectionRefused EventType = "rcon_connection_refused"
	EventRelayConnected    EventType = "rcon_relay_connected"

	// Security events
	EventAuthSucceeded     EventType = "rcon_auth_succeeded"
	EventAuthFailed        EventType = "rcon_auth_failed"
	EventProtocolViolation EventType = "rcon_protocol_violation"
	EventAddressBanned     EventType = "rcon_address_banned"
	EventAddressUnbanned   EventType = "rcon_address_unbanned"

	// Audit events
	EventCommandExecuted EventType = "rcon_command_executed"
	EventValueChanged    EventType = "rcon_value_changed"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// CloseReason describes why the server dropped a connection.
type CloseReason int

const (
	CloseReasonPeer CloseReason = iota
	CloseReasonError
	CloseReasonQueueOverflow
	CloseReasonProtocol
	CloseReasonBanned
	CloseReasonShutdown
	CloseReasonReplaced
)

var closeReasonStrings = map[CloseReason]string{
	CloseReasonPeer:          "peer",
	CloseReasonError:         "error",
	CloseReasonQueueOverflow: "queue_overflow",
	CloseReasonProtocol:      "protocol",
	CloseReasonBanned:        "banned",
	CloseReasonShutdown:      "shutdown",
	CloseReasonReplaced:      "replaced",
}

// String returns the string representation of CloseReason.
func (r CloseReason) String() string {
	if s, ok := closeReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON encodes CloseReason as its string form.
func (r CloseReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectionPayload describes an opened or closed RCON connection.
type ConnectionPayload struct {
	Address  string      `json:"address"`
	Listener int32       `json:"listener"`
	Outbound bool        `json:"outbound"`
	Reason   CloseReason `json:"reason,omitempty"`
}

// AuthPayload describes an authentication attempt.
type AuthPayload struct {
	Address  string `json:"address"`
	Listener int32  `json:"listener"`
	Failures int    `json:"failures,omitempty"`
}

// BanPayload describes a ban list change.
type BanPayload struct {
	Address string        `json:"address"`
	Reason  string        `json:"reason"`
	Penalty time.Duration `json:"penalty"`
}

// CommandPayload describes an audited operator command.
type CommandPayload struct {
	Address string `json:"address"`
	Session string `json:"session"`
	Command string `json:"command"`
	Value   string `json:"value,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

// ProtocolViolationPayload describes a malformed or oversized frame.
type ProtocolViolationPayload struct {
	Address string `json:"address"`
	Detail  string `json:"detail"`
}

// ConfigChangedPayload contains information about a configuration change.
type ConfigChangedPayload struct {
	Key      string
	OldValue interface{}
	NewValue interface{}
}
