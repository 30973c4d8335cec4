// Package scripted provides deterministic engines: a step-driven fake for tests and an
// echo engine for running the daemon without a model.
package scripted

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-coder/agentstream/internal/engine"
)

// Step is one scripted action. Exactly one field is meaningful per step.
type Step struct {
	Item       *engine.Item
	ResponseID string
	// Confirm asks for approval of this argv; the review is recorded.
	Confirm []string
	Patch   string
	// Sleep pauses without observing cancellation.
	Sleep time.Duration
	// Block waits until the run is cancelled.
	Block bool
	Err   error
}

// Message is a step emitting an assistant message.
func Message(text string) Step {
	return Step{Item: &engine.Item{Type: engine.ItemMessage, Role: "assistant", Text: text}}
}

// Engine replays Steps on every run.
type Engine struct {
	steps []Step
	// Unchecked makes item sends ignore cancellation, like an engine that keeps
	// producing output after it was told to stop.
	Unchecked bool

	mu         sync.Mutex
	requests   []engine.Request
	reviews    []engine.Review
	terminated bool
}

// New builds an engine replaying steps.
func New(steps ...Step) *Engine {
	return &Engine{steps: steps}
}

func (e *Engine) Run(ctx context.Context, req engine.Request, events chan<- engine.Event) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	em := engine.NewEmitter(ctx, events)
	cancelled := false
	for _, step := range e.steps {
		switch {
		case step.Item != nil:
			if e.Unchecked && cancelled {
				events <- engine.Event{Kind: engine.EventItem, Item: *step.Item}
				continue
			}
			if err := em.Item(*step.Item); err != nil {
				return err
			}
		case step.ResponseID != "":
			if err := em.ResponseID(step.ResponseID); err != nil {
				return err
			}
		case step.Confirm != nil:
			review, err := em.Confirm(step.Confirm, step.Patch, "")
			e.mu.Lock()
			e.reviews = append(e.reviews, review)
			e.mu.Unlock()
			if err != nil {
				return err
			}
		case step.Sleep > 0:
			time.Sleep(step.Sleep)
		case step.Block:
			<-ctx.Done()
			if !e.Unchecked {
				return context.Cause(ctx)
			}
			cancelled = true
		case step.Err != nil:
			return step.Err
		}
	}
	if cancelled {
		return context.Cause(ctx)
	}
	return nil
}

// Terminate marks the engine as torn down.
func (e *Engine) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = true
}

// Terminated reports whether Terminate was called.
func (e *Engine) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Requests returns every request seen so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// Reviews returns every confirmation answer seen so far.
func (e *Engine) Reviews() []engine.Review {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Review(nil), e.reviews...)
}

// Echo answers every run with the input text, prefixed with the model name.
func Echo() engine.Engine {
	return engine.Func(func(ctx context.Context, req engine.Request, events chan<- engine.Event) error {
		em := engine.NewEmitter(ctx, events)
		texts := make([]string, 0, len(req.Input))
		for _, in := range req.Input {
			texts = append(texts, in.Text)
		}
		if err := em.Loading(true); err != nil {
			return err
		}
		if err := em.Item(engine.Item{
			ID:   uuid.NewString(),
			Type: engine.ItemMessage,
			Role: "assistant",
			Text: fmt.Sprintf("[%s] %s", req.Model, strings.Join(texts, "\n")),
		}); err != nil {
			return err
		}
		if err := em.Loading(false); err != nil {
			return err
		}
		return em.ResponseID("echo_" + uuid.NewString())
	})
}
