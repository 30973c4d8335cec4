package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-coder/agentstream/internal/llm"
)

func respond(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestChatSendsRequestAndParsesResponse(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "key", 5*time.Second)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			require.Equal(t, "/v1/chat/completions", r.URL.Path)
			require.Equal(t, "Bearer key", r.Header.Get("Authorization"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var reqBody map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &reqBody))
			require.Equal(t, "gpt-4o-mini", reqBody["model"])
			require.NotContains(t, reqBody, "tools")

			return respond(`{
				"choices": [{
					"index": 0,
					"finish_reason": "stop",
					"message": {"role": "assistant", "content": "hello"}
				}],
				"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
			}`), nil
		}),
	}

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Message.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 3, resp.Usage.TotalTokens)
	require.Empty(t, resp.Message.ToolCalls)
}

func TestChatToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	var sent chatRequest
	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			require.Empty(t, r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			return respond(`{
				"choices": [{
					"finish_reason": "tool_calls",
					"message": {
						"role": "assistant",
						"content": null,
						"tool_calls": [{"id": "call_1", "type": "function",
							"function": {"name": "shell", "arguments": "{\"command\":[\"ls\"]}"}}]
					}
				}]
			}`), nil
		}),
	}

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "gpt-4o",
		Tools: []llm.ToolSpec{{Name: "shell", Description: "run", Parameters: map[string]any{"type": "object"}}},
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "look", Images: []string{"https://img.example/a.png"}},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_0", Function: llm.ToolFunctionCall{Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}}}},
			{Role: llm.RoleTool, ToolCallID: "call_0", Content: "contents"},
		},
	})
	require.NoError(t, err)

	require.Len(t, sent.Tools, 1)
	require.Equal(t, "function", sent.Tools[0].Type)
	require.Equal(t, "shell", sent.Tools[0].Function.Name)

	var parts []contentPart
	require.NoError(t, json.Unmarshal(sent.Messages[0].Content, &parts))
	require.Equal(t, "look", parts[0].Text)
	require.Equal(t, "https://img.example/a.png", parts[1].ImageURL.URL)

	require.Nil(t, sent.Messages[1].Content)
	require.Equal(t, `{"path":"a"}`, sent.Messages[1].ToolCalls[0].Function.Arguments)
	require.Equal(t, "call_0", sent.Messages[2].ToolCallID)

	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Empty(t, resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	require.JSONEq(t, `{"command":["ls"]}`, string(resp.Message.ToolCalls[0].Function.Arguments))
}

func TestChatReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "key", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{"error":"slow down"}`)),
			}, nil
		}),
	}
	_, err := p.Chat(context.Background(), llm.ChatRequest{Model: "gpt-4o"})
	require.ErrorContains(t, err, "status 429")
}

func TestDecodeArguments(t *testing.T) {
	require.JSONEq(t, `{}`, string(decodeArguments("")))
	require.JSONEq(t, `{"a":1}`, string(decodeArguments(`{"a":1}`)))
	require.JSONEq(t, `"not json"`, string(decodeArguments("not json")))
}

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
