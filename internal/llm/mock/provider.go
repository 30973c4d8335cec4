package mock

import (
	"context"
	"sync"

	"github.com/animus-coder/agentstream/internal/llm"
)

// Provider is a test double implementing llm.Provider. Without ChatFn it replays Responses
// in order and then answers "mock".
type Provider struct {
	NameValue string
	ChatFn    func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
	Responses []llm.ChatResponse

	mu       sync.Mutex
	requests []llm.ChatRequest
}

func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var next *llm.ChatResponse
	if p.ChatFn == nil && len(p.Responses) > 0 {
		next = &p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	p.mu.Unlock()

	if p.ChatFn != nil {
		return p.ChatFn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}
	if next != nil {
		return *next, nil
	}
	return llm.ChatResponse{
		Message: llm.ChatMessage{
			Role:    llm.RoleAssistant,
			Content: "mock",
		},
		FinishReason: "stop",
	}, nil
}

// Requests returns every request seen so far.
func (p *Provider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ChatRequest(nil), p.requests...)
}
