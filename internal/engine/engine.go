// Package engine defines the contract between the stream orchestration layer and an agent
// engine. An engine consumes one Request per run and reports everything it does as Events
// on a channel the caller drains.
package engine

import (
	"context"
	"encoding/json"
)

// ItemType discriminates engine output items.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
)

// Item is one unit of engine output. It is forwarded to clients as opaque JSON.
type Item struct {
	ID        string   `json:"id,omitempty"`
	Type      ItemType `json:"type"`
	Role      string   `json:"role,omitempty"`
	Text      string   `json:"text,omitempty"`
	Name      string   `json:"name,omitempty"`
	CallID    string   `json:"callId,omitempty"`
	Arguments string   `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`
}

// JSON encodes the item for an item frame.
func (it Item) JSON() (json.RawMessage, error) {
	return json.Marshal(it)
}

// InputItem is one piece of user input for a run.
type InputItem struct {
	Text   string
	Images []string
}

// Request is the input of one run.
type Request struct {
	SessionID      string
	Input          []InputItem
	ResumeToken    string
	Model          string
	Provider       string
	Instructions   string
	ApprovalPolicy string
}

// Verdict is the answer to a confirmation request.
type Verdict string

const (
	Approved Verdict = "approved"
	Denied   Verdict = "denied"
)

// Review carries a verdict back to the engine.
type Review struct {
	Verdict     Verdict
	Explanation string
}

// ConfirmRequest asks for permission to run a command or apply a patch. The engine blocks
// on Reply until exactly one Review arrives.
type ConfirmRequest struct {
	Command []string
	Patch   string
	Reason  string
	Reply   chan<- Review
}

// EventKind discriminates Event.
type EventKind int

const (
	EventItem EventKind = iota + 1
	EventLoading
	EventResponseID
	EventConfirm
)

func (k EventKind) String() string {
	switch k {
	case EventItem:
		return "item"
	case EventLoading:
		return "loading"
	case EventResponseID:
		return "response_id"
	case EventConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// Event is everything an engine reports during a run.
type Event struct {
	Kind       EventKind
	Item       Item
	Loading    bool
	ResponseID string
	Confirm    *ConfirmRequest
}

// Engine runs a conversation turn. Run must return promptly once ctx is cancelled and must
// not send on events after it returns.
type Engine interface {
	Run(ctx context.Context, req Request, events chan<- Event) error
}

// Terminator is implemented by engines holding resources beyond a single run.
type Terminator interface {
	Terminate()
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req Request, events chan<- Event) error

func (fn Func) Run(ctx context.Context, req Request, events chan<- Event) error {
	return fn(ctx, req, events)
}
