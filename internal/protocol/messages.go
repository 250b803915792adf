// Package protocol defines the wire messages exchanged between a
// runner and the control plane over the dispatch WebSocket connection.
package protocol

import "encoding/json"

// Envelope wraps all messages with a type discriminator. When
// marshaling, Payload can be any message struct. When unmarshaling, use
// EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload needs to
// be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload.
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Runner -> control plane messages

// EnrollMessage is sent once when a runner first connects, identifying
// the device it is bound to.
type EnrollMessage struct {
	DeviceID string `json:"device_id"`
	RunnerID string `json:"runner_id"`
}

// ReadyMessage reports available execution slots.
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// LogMessage carries one streamed output chunk for a running execution.
type LogMessage struct {
	ExecutionID string `json:"execution_id"`
	Seq         int64  `json:"seq"`
	Stream      string `json:"stream"` // "stdout" or "stderr"
	Bytes       string `json:"bytes,omitempty"`
	JSONPatch   string `json:"json_patch,omitempty"`
}

// StatusMessage reports an execution's terminal or intermediate status.
type StatusMessage struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// ExecutionErrorMessage is sent when an intent cannot be carried out.
type ExecutionErrorMessage struct {
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

// Control plane -> runner messages

// IntentMessage assigns an execution intent to the runner.
type IntentMessage struct {
	IntentID       string            `json:"intent_id"`
	Nonce          string            `json:"nonce"`
	TargetDeviceID string            `json:"target_device_id"`
	TTLMs          int64             `json:"ttl_ms"`
	IssuedAtMs     int64             `json:"issued_at_ms"`
	WorkspaceID    string            `json:"workspace_id"`
	SessionID      string            `json:"session_id"`
	ExecutionID    string            `json:"execution_id"`
	RunReason      string            `json:"run_reason"`
	CommandKind    string            `json:"command_kind"`
	Params         map[string]string `json:"params,omitempty"`
	Principal      string            `json:"principal"`
}

// CancelMessage requests cancellation of a running execution.
type CancelMessage struct {
	ExecutionID string `json:"execution_id"`
}

// Message type constants.
const (
	TypeEnroll = "enroll"
	TypeReady  = "ready"
	TypeLog    = "log"
	TypeStatus = "status"
	TypeError  = "error"
	TypeIntent = "intent"
	TypeCancel = "cancel"
	TypePing   = "ping"
	TypePong   = "pong"
)
