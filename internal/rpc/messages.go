package rpc

import (
	"bytes"
	"encoding/json"
)

// FrameType discriminates the members of the Frame union.
type FrameType string

const (
	// Client to server.
	TypeUserMessage FrameType = "user_message"
	TypeApprove     FrameType = "approve"
	TypeCancel      FrameType = "cancel"

	// Server to client.
	TypeItem          FrameType = "item"
	TypeCommandPrompt FrameType = "command_prompt"
	TypeStatus        FrameType = "status"
	TypeError         FrameType = "error"
	TypeTerminate     FrameType = "terminate"

	// Either direction. Liveness only, never advances session state.
	TypeHeartbeat FrameType = "heartbeat"
)

// Decision is the client's answer to a command prompt.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ApprovalPolicy controls which engine actions require an explicit decision.
type ApprovalPolicy string

const (
	PolicySuggest  ApprovalPolicy = "suggest"
	PolicyAutoEdit ApprovalPolicy = "auto-edit"
	PolicyFullAuto ApprovalPolicy = "full-auto"
)

// Valid reports whether p is one of the known policies.
func (p ApprovalPolicy) Valid() bool {
	switch p {
	case PolicySuggest, PolicyAutoEdit, PolicyFullAuto:
		return true
	}
	return false
}

// Error codes carried by error frames.
const (
	CodeMalformedFrame   = "malformed_frame"
	CodeMissingSession   = "missing_session_id"
	CodeSessionMismatch  = "session_mismatch"
	CodeNotInitialized   = "session_not_initialized"
	CodeUnknownFrame     = "unknown_frame"
	CodeUnknownCommand   = "unknown_command"
	CodeSessionBusy      = "session_busy"
	CodeAgentError       = "agent_error"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal"
	CodeTransportFailure = "transport_error"
)

// RunConfig carries per-run overrides supplied with a user message.
type RunConfig struct {
	Model          string         `json:"model,omitempty"`
	ApprovalPolicy ApprovalPolicy `json:"approvalPolicy,omitempty"`
}

// Frame is one typed protocol message. Only the fields relevant to Type are set.
type Frame struct {
	Type FrameType `json:"type"`
	// ID is an optional client supplied correlation identifier.
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// user_message
	Content string     `json:"content,omitempty"`
	Images  []string   `json:"images,omitempty"`
	Config  *RunConfig `json:"config,omitempty"`

	// approve / command_prompt
	CommandID   string   `json:"commandId,omitempty"`
	Decision    Decision `json:"decision,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Command     []string `json:"command,omitempty"`
	Patch       string   `json:"patch,omitempty"`

	// item
	Item json.RawMessage `json:"item,omitempty"`

	// status / error
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`

	// heartbeat, unix milliseconds
	Timestamp int64 `json:"timestamp,omitempty"`

	// terminate
	Reason string `json:"reason,omitempty"`
}

// StatusFrame builds a status frame.
func StatusFrame(sessionID, message string) Frame {
	return Frame{Type: TypeStatus, SessionID: sessionID, Message: message}
}

// ErrorFrame builds an error frame with a machine readable code.
func ErrorFrame(sessionID, code, message string) Frame {
	return Frame{Type: TypeError, SessionID: sessionID, Code: code, Message: message}
}

// TerminateFrame builds the terminal frame of a stream.
func TerminateFrame(sessionID, reason string) Frame {
	return Frame{Type: TypeTerminate, SessionID: sessionID, Reason: reason}
}

// HeartbeatFrame builds a heartbeat stamped with ts.
func HeartbeatFrame(ts int64) Frame {
	return Frame{Type: TypeHeartbeat, Timestamp: ts}
}

// ItemFrame wraps an already serialized engine item. The item is stored compacted, the
// form it takes on the wire, so a frame decodes back equal to itself.
func ItemFrame(sessionID string, item json.RawMessage) Frame {
	var buf bytes.Buffer
	if err := json.Compact(&buf, item); err == nil {
		item = buf.Bytes()
	}
	return Frame{Type: TypeItem, SessionID: sessionID, Item: item}
}
