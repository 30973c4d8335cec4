package rpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFrames() []Frame {
	retry := false
	return []Frame{
		{Type: TypeUserMessage, ID: "c1", SessionID: "s1", Content: "fix bug", Images: []string{"a.png"},
			Config: &RunConfig{Model: "gpt-4o", ApprovalPolicy: PolicyAutoEdit}},
		{Type: TypeApprove, SessionID: "s1", CommandID: "s1/abc", Decision: DecisionDeny, Explanation: "no"},
		{Type: TypeCancel, SessionID: "s1"},
		ItemFrame("s1", json.RawMessage(`{"type":"message","text":"line one\nline two"}`)),
		ItemFrame("s1", json.RawMessage("{\"type\": \"message\",\n  \"text\": \"spaced out\"}")),
		{Type: TypeCommandPrompt, SessionID: "s1", CommandID: "s1/abc", Command: []string{"rm", "-rf", "/"}},
		StatusFrame("s1", "processing"),
		{Type: TypeError, Message: "boom", Code: CodeAgentError, Retryable: &retry},
		HeartbeatFrame(1700000000000),
		TerminateFrame("s1", "stream closed"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, f := range sampleFrames() {
		data, err := Encode(f)
		require.NoError(t, err, f.Type)
		require.NotContains(t, string(data), "\n", "encoded frames must be single-line")

		got, err := Decode(data)
		require.NoError(t, err, f.Type)
		require.Equal(t, f, got)
	}
}

func TestItemFrameCompactsPayload(t *testing.T) {
	f := ItemFrame("s1", json.RawMessage(`{"a": 1, "b": [1, 2]}`))
	require.Equal(t, `{"a":1,"b":[1,2]}`, string(f.Item))

	data, err := Encode(f)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"content":"x"}`,
		"unknown type":      `{"type":"shout"}`,
		"user no content":   `{"type":"user_message","sessionId":"s"}`,
		"bad policy":        `{"type":"user_message","content":"x","config":{"approvalPolicy":"yolo"}}`,
		"approve no cmd":    `{"type":"approve","sessionId":"s","decision":"allow"}`,
		"approve bad value": `{"type":"approve","sessionId":"s","commandId":"c","decision":"maybe"}`,
		"cancel no session": `{"type":"cancel"}`,
		"heartbeat no ts":   `{"type":"heartbeat"}`,
		"empty":             `   `,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		var mf *MalformedFrameError
		require.True(t, errors.As(err, &mf), name)
		require.Equal(t, raw, string(mf.Raw), name)
	}
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	_, err := Encode(Frame{Type: TypeStatus})
	require.ErrorIs(t, err, ErrInvalidFrame)

	require.Panics(t, func() { MustEncode(Frame{Type: TypeCommandPrompt, CommandID: "x"}) })
}

func TestDecodeAllowsUserMessageWithoutSession(t *testing.T) {
	f, err := Decode([]byte(`{"type":"user_message","content":"hi"}`))
	require.NoError(t, err)
	require.Empty(t, f.SessionID)
}
