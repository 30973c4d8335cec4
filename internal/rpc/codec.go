package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFrame is returned by Encode when a frame does not match its own declared type.
var ErrInvalidFrame = errors.New("invalid frame")

// MalformedFrameError reports inbound bytes that do not decode to a valid frame.
type MalformedFrameError struct {
	Raw    []byte
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// Encode validates f and serializes it as single-line JSON.
func Encode(f Frame) ([]byte, error) {
	if err := Validate(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for frames built by the server itself; it panics on invalid input.
func MustEncode(f Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses and validates a single frame payload.
func Decode(data []byte) (Frame, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		return Frame{}, &MalformedFrameError{Raw: cloneBytes(data), Reason: "empty payload"}
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &MalformedFrameError{Raw: cloneBytes(data), Reason: err.Error()}
	}
	if err := Validate(f); err != nil {
		return Frame{}, &MalformedFrameError{Raw: cloneBytes(data), Reason: err.Error()}
	}
	return f, nil
}

// Validate checks the discriminator and the required fields of each union member.
// A user_message without a session id is valid here; binding rules belong to the stream handler.
func Validate(f Frame) error {
	switch f.Type {
	case TypeUserMessage:
		if strings.TrimSpace(f.Content) == "" {
			return errors.New("user_message requires content")
		}
		if f.Config != nil && f.Config.ApprovalPolicy != "" && !f.Config.ApprovalPolicy.Valid() {
			return fmt.Errorf("unknown approval policy %q", f.Config.ApprovalPolicy)
		}
	case TypeApprove:
		if f.SessionID == "" || f.CommandID == "" {
			return errors.New("approve requires sessionId and commandId")
		}
		if f.Decision != DecisionAllow && f.Decision != DecisionDeny {
			return fmt.Errorf("approve decision must be allow or deny, got %q", f.Decision)
		}
	case TypeCancel:
		if f.SessionID == "" {
			return errors.New("cancel requires sessionId")
		}
	case TypeItem:
		if len(f.Item) == 0 || !json.Valid(f.Item) {
			return errors.New("item requires a JSON payload")
		}
	case TypeCommandPrompt:
		if f.CommandID == "" || len(f.Command) == 0 {
			return errors.New("command_prompt requires commandId and command")
		}
	case TypeStatus, TypeError:
		if f.Message == "" {
			return fmt.Errorf("%s requires message", f.Type)
		}
	case TypeHeartbeat:
		if f.Timestamp <= 0 {
			return errors.New("heartbeat requires timestamp")
		}
	case TypeTerminate:
		if f.Reason == "" {
			return errors.New("terminate requires reason")
		}
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unknown type %q", f.Type)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
