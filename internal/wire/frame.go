// ABOUTME: Wire frame envelope codec for the agent protocol.
// ABOUTME: Discriminated-union JSON frames with an Unknown fallback for forward compatibility.

package wire

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators carried in the envelope "type" field.
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeCommandResult = "command_result"
	TypePong          = "pong"
	TypeWelcome       = "welcome"
	TypeCommand       = "command"
	TypePing          = "ping"
)

// Frame is one discrete, typed message exchanged over a session transport.
// Frames are immutable value objects: constructed by the sender, consumed
// exactly once by the receiver's handler.
type Frame interface {
	frameType() string
}

// Register is the first frame an agent must send on a new connection.
type Register struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	OS       string `json:"os"`
	Version  string `json:"version"`
}

// Heartbeat is a periodic liveness report from an agent.
type Heartbeat struct {
	AgentID string             `json:"agent_id"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// CommandResult carries the outcome of a previously dispatched command.
type CommandResult struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// Pong is the agent's reply to a Ping.
type Pong struct{}

// Welcome acknowledges a successful registration.
type Welcome struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// Command instructs the agent to execute a command line.
type Command struct {
	CorrelationID    string `json:"correlation_id"`
	Command          string `json:"command"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Ping asks the agent to prove liveness.
type Ping struct{}

// Unknown holds a frame whose type is not recognized. Newer agents may
// emit types this engine does not know; those decode to Unknown and are
// dropped by the handler instead of failing the connection.
type Unknown struct {
	TypeName string
	Raw      json.RawMessage
}

func (Register) frameType() string      { return TypeRegister }
func (Heartbeat) frameType() string     { return TypeHeartbeat }
func (CommandResult) frameType() string { return TypeCommandResult }
func (Pong) frameType() string          { return TypePong }
func (Welcome) frameType() string       { return TypeWelcome }
func (Command) frameType() string       { return TypeCommand }
func (Ping) frameType() string          { return TypePing }
func (Unknown) frameType() string       { return "unknown" }

// DecodeError indicates a structurally invalid frame. The owning session
// logs it and keeps reading; a single bad frame never tears down a
// connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the outer JSON shape: {"type": "...", "payload": {...}}.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// decoders is the single dispatch table keyed by the type discriminator.
var decoders = map[string]func(json.RawMessage) (Frame, error){
	TypeRegister:      decodeInto[Register],
	TypeHeartbeat:     decodeInto[Heartbeat],
	TypeCommandResult: decodeInto[CommandResult],
	TypePong:          decodeInto[Pong],
	TypeWelcome:       decodeInto[Welcome],
	TypeCommand:       decodeInto[Command],
	TypePing:          decodeInto[Ping],
}

func decodeInto[T Frame](payload json.RawMessage) (Frame, error) {
	var f T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Decode parses raw bytes into a Frame. Unrecognized types decode to an
// Unknown frame with a nil error; structural failures return *DecodeError.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type discriminator"}
	}

	dec, ok := decoders[env.Type]
	if !ok {
		return Unknown{TypeName: env.Type, Raw: env.Payload}, nil
	}

	f, err := dec(env.Payload)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed " + env.Type + " payload", Err: err}
	}
	return f, nil
}

// Encode serializes a Frame into the wire envelope.
func Encode(f Frame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", f.frameType(), err)
	}
	return json.Marshal(envelope{Type: f.frameType(), Payload: payload})
}
