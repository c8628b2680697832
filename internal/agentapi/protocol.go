// Package agentapi implements the server side of the agent stream: the
// message protocol, the per-sandbox connection registry, the correlation
// matcher that pairs responses with waiting callers, and the PTY output
// broker.
//
// Messages travel as one JSON envelope per websocket frame. The envelope
// carries a type tag and exactly one payload; dispatch is a switch on the
// tag. Binary PTY data rides base64-encoded ([]byte JSON encoding).
package agentapi

import "fmt"

// MessageType tags a frame on the agent stream.
type MessageType string

// Agent -> server frame types. A handshake must be the first frame.
const (
	TypeHandshake       MessageType = "handshake"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeCommandResponse MessageType = "command_response"
	TypePtyOutput       MessageType = "pty_output"
)

// Server -> agent frame types. A handshake ack is the first response.
const (
	TypeHandshakeAck MessageType = "handshake_ack"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeRunCommand   MessageType = "run_command"
	TypeKillProcess  MessageType = "kill_process"
	TypeCreatePty    MessageType = "create_pty"
	TypeResizePty    MessageType = "resize_pty"
	TypeKillPty      MessageType = "kill_pty"
	TypePtyInput     MessageType = "pty_input"
)

// Message is the envelope for every frame in both directions. Exactly one
// payload field is set, matching Type.
type Message struct {
	Type MessageType `json:"type"`

	Handshake       *Handshake       `json:"handshake,omitempty"`
	Heartbeat       *Heartbeat       `json:"heartbeat,omitempty"`
	CommandResponse *CommandResponse `json:"command_response,omitempty"`
	PtyOutput       *PtyOutput       `json:"pty_output,omitempty"`

	HandshakeAck *HandshakeAck `json:"handshake_ack,omitempty"`
	HeartbeatAck *HeartbeatAck `json:"heartbeat_ack,omitempty"`
	RunCommand   *RunCommand   `json:"run_command,omitempty"`
	KillProcess  *KillProcess  `json:"kill_process,omitempty"`
	CreatePty    *CreatePty    `json:"create_pty,omitempty"`
	ResizePty    *ResizePty    `json:"resize_pty,omitempty"`
	KillPty      *KillPty      `json:"kill_pty,omitempty"`
	PtyInput     *PtyInput     `json:"pty_input,omitempty"`
}

// Handshake identifies the sandbox an agent serves. First frame on every
// connection.
type Handshake struct {
	SandboxID string `json:"sandbox_id"`
	Version   string `json:"version"`
}

// HandshakeAck accepts or rejects a handshake. On rejection the stream
// closes without registration.
type HandshakeAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Heartbeat carries the agent's clock in Unix milliseconds.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatAck echoes the heartbeat timestamp exactly.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// RunCommand asks the agent to execute a child process and report the
// collected output.
type RunCommand struct {
	CorrelationID string            `json:"correlation_id"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	TimeoutMs     int64             `json:"timeout_ms,omitempty"`
}

// KillProcess delivers a signal to a pid inside the sandbox.
type KillProcess struct {
	CorrelationID string `json:"correlation_id"`
	Pid           int    `json:"pid"`
	Signal        int    `json:"signal"`
}

// CreatePty opens a pseudo-terminal running the given shell.
type CreatePty struct {
	CorrelationID string            `json:"correlation_id"`
	PtyID         string            `json:"pty_id"`
	Cols          uint16            `json:"cols"`
	Rows          uint16            `json:"rows"`
	Shell         string            `json:"shell,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// ResizePty posts new dimensions to an open PTY.
type ResizePty struct {
	CorrelationID string `json:"correlation_id"`
	PtyID         string `json:"pty_id"`
	Cols          uint16 `json:"cols"`
	Rows          uint16 `json:"rows"`
}

// KillPty closes a PTY and reaps its child.
type KillPty struct {
	CorrelationID string `json:"correlation_id"`
	PtyID         string `json:"pty_id"`
}

// PtyInput writes bytes to the master side of a PTY. Carries no
// correlation id; misses are logged by the agent, not answered.
type PtyInput struct {
	PtyID string `json:"pty_id"`
	Data  []byte `json:"data"`
}

// PtyOutput streams bytes read from a PTY back to the server, in the order
// the agent produced them.
type PtyOutput struct {
	PtyID string `json:"pty_id"`
	Data  []byte `json:"data"`
}

// CommandResponse answers a request-style message, echoing its correlation
// id. Exactly one of Success or Error is set.
type CommandResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Success       *CommandSuccess `json:"success,omitempty"`
	Error         *CommandError   `json:"error,omitempty"`
}

// CommandSuccess reports a completed execution.
type CommandSuccess struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandError reports a failed execution or dispatch.
type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Validate checks that the envelope's payload matches its tag.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeHandshake:
		ok = m.Handshake != nil
	case TypeHeartbeat:
		ok = m.Heartbeat != nil
	case TypeCommandResponse:
		ok = m.CommandResponse != nil
	case TypePtyOutput:
		ok = m.PtyOutput != nil
	case TypeHandshakeAck:
		ok = m.HandshakeAck != nil
	case TypeHeartbeatAck:
		ok = m.HeartbeatAck != nil
	case TypeRunCommand:
		ok = m.RunCommand != nil
	case TypeKillProcess:
		ok = m.KillProcess != nil
	case TypeCreatePty:
		ok = m.CreatePty != nil
	case TypeResizePty:
		ok = m.ResizePty != nil
	case TypeKillPty:
		ok = m.KillPty != nil
	case TypePtyInput:
		ok = m.PtyInput != nil
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message type %q missing payload", m.Type)
	}
	return nil
}
