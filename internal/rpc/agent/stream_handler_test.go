package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-coder/agentstream/internal/approval"
	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/engine/scripted"
	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
	"github.com/animus-coder/agentstream/internal/session"
)

const waitTimeout = 2 * time.Second

// pipeInbound feeds frames to the control loop until closed.
type pipeInbound struct {
	frames chan rpc.Frame
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func newPipeInbound() *pipeInbound {
	return &pipeInbound{frames: make(chan rpc.Frame, 16)}
}

func (p *pipeInbound) Receive() (rpc.Frame, error) {
	f, ok := <-p.frames
	if !ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		return rpc.Frame{}, p.err
	}
	return f, nil
}

func (p *pipeInbound) send(f rpc.Frame) { p.frames <- f }

func (p *pipeInbound) closeWith(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.frames)
	})
}

type collector struct {
	mu     sync.Mutex
	frames []rpc.Frame
}

func (c *collector) WriteFrame(f rpc.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *collector) Observe(f rpc.Frame) { _ = c.WriteFrame(f) }

func (c *collector) snapshot() []rpc.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rpc.Frame(nil), c.frames...)
}

// withoutHeartbeats drops liveness frames so assertions can look at order.
func (c *collector) withoutHeartbeats() []rpc.Frame {
	var out []rpc.Frame
	for _, f := range c.snapshot() {
		if f.Type != rpc.TypeHeartbeat {
			out = append(out, f)
		}
	}
	return out
}

func (c *collector) waitFor(t *testing.T, match func(rpc.Frame) bool) rpc.Frame {
	t.Helper()
	var found rpc.Frame
	require.Eventually(t, func() bool {
		for _, f := range c.snapshot() {
			if match(f) {
				found = f
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond)
	return found
}

func isStatus(msg string) func(rpc.Frame) bool {
	return func(f rpc.Frame) bool { return f.Type == rpc.TypeStatus && f.Message == msg }
}

func isError(code string) func(rpc.Frame) bool {
	return func(f rpc.Frame) bool { return f.Type == rpc.TypeError && f.Code == code }
}

func isType(typ rpc.FrameType) func(rpc.Frame) bool {
	return func(f rpc.Frame) bool { return f.Type == typ }
}

func indexOf(frames []rpc.Frame, match func(rpc.Frame) bool) int {
	for i, f := range frames {
		if match(f) {
			return i
		}
	}
	return -1
}

type harness struct {
	in       *pipeInbound
	out      *collector
	registry *session.Registry
	queue    *approval.Queue
	done     chan struct{}
}

type harnessConfig struct {
	newEngine      EngineFactory
	confirmTimeout time.Duration
	finalizer      Finalizer
	observer       FrameObserver
	registryOpts   []session.Option
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startHarness(t *testing.T, eng engine.Engine, mods ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		newEngine:      func(string, session.Config) (engine.Engine, error) { return eng, nil },
		confirmTimeout: time.Minute,
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	queue := approval.NewQueue(nil, approval.WithTimeout(cfg.confirmTimeout))
	registry := session.NewRegistry(nil, append(cfg.registryOpts, session.WithOnDestroy(func(s *session.Session) {
		queue.ClearPrefix(approval.SessionPrefix(s.ID), "session destroyed")
	}))...)
	handler := NewStreamHandler(HandlerOptions{
		Registry:          registry,
		Queue:             queue,
		NewEngine:         cfg.newEngine,
		Defaults:          session.Config{Model: "test-model", Provider: "mock", ApprovalPolicy: rpc.PolicySuggest},
		HeartbeatInterval: time.Hour,
		CleanupWait:       time.Second,
		Finalizer:         cfg.finalizer,
		Observer:          cfg.observer,
	})

	h := &harness{in: newPipeInbound(), out: &collector{}, registry: registry, queue: queue, done: make(chan struct{})}
	writer := transport.NewWriter(h.out)
	go writer.Run(context.Background()) //nolint:errcheck
	go func() {
		defer close(h.done)
		handler.Serve(context.Background(), "test", h.in, writer)
		_ = writer.Close()
	}()
	t.Cleanup(func() {
		h.in.closeWith(io.EOF)
		<-h.done
	})
	return h
}

func (h *harness) userMessage(sid, content string) {
	h.in.send(rpc.Frame{Type: rpc.TypeUserMessage, SessionID: sid, Content: content})
}

// finish closes the inbound side and returns every non-heartbeat frame once the stream ended.
func (h *harness) finish(t *testing.T) []rpc.Frame {
	t.Helper()
	h.in.closeWith(io.EOF)
	select {
	case <-h.done:
	case <-time.After(waitTimeout):
		t.Fatal("stream never ended")
	}
	return h.out.withoutHeartbeats()
}

func requireSingleTerminateLast(t *testing.T, frames []rpc.Frame) rpc.Frame {
	t.Helper()
	require.NotEmpty(t, frames)
	count := 0
	for _, f := range frames {
		if f.Type == rpc.TypeTerminate {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one terminate frame")
	last := frames[len(frames)-1]
	require.Equal(t, rpc.TypeTerminate, last.Type, "terminate must be the last frame")
	return last
}

func TestNewSessionAnnouncesBeforeProcessing(t *testing.T) {
	eng := scripted.New(scripted.Message("looking at the bug"))
	h := startHarness(t, eng)

	h.userMessage("s1", "fix bug")
	h.out.waitFor(t, isStatus(StatusCompleted))
	frames := h.finish(t)

	initialized := indexOf(frames, isStatus("session s1 initialized"))
	processing := indexOf(frames, isStatus(StatusProcessing))
	item := indexOf(frames, isType(rpc.TypeItem))
	require.Zero(t, initialized)
	require.Equal(t, 1, processing)
	require.Greater(t, item, processing)
	require.JSONEq(t, `{"type":"message","role":"assistant","text":"looking at the bug"}`, string(frames[item].Item))

	terminate := requireSingleTerminateLast(t, frames)
	require.Equal(t, "client closed stream", terminate.Reason)
	require.Equal(t, "s1", terminate.SessionID)

	reqs := eng.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "fix bug", reqs[0].Input[0].Text)
	require.Equal(t, "test-model", reqs[0].Model)
	require.Zero(t, h.registry.Len(), "session is destroyed with its stream")
}

func TestUnansweredConfirmationTimesOutAndDenies(t *testing.T) {
	eng := scripted.New(scripted.Step{Confirm: []string{"rm", "-rf", "/"}}, scripted.Message("skipped it"))
	h := startHarness(t, eng, func(c *harnessConfig) { c.confirmTimeout = 30 * time.Millisecond })

	h.userMessage("s1", "clean up")
	h.out.waitFor(t, isStatus(StatusCompleted))
	frames := h.finish(t)

	prompt := indexOf(frames, isType(rpc.TypeCommandPrompt))
	timeout := indexOf(frames, isError(rpc.CodeTimeout))
	require.NotEqual(t, -1, prompt)
	require.Greater(t, timeout, prompt)
	require.Equal(t, []string{"rm", "-rf", "/"}, frames[prompt].Command)
	require.Equal(t, []engine.Review{{Verdict: engine.Denied}}, eng.Reviews())
	requireSingleTerminateLast(t, frames)
}

func TestApproveResolvesPrompt(t *testing.T) {
	eng := scripted.New(scripted.Step{Confirm: []string{"go", "test", "./..."}}, scripted.Message("tests pass"))
	h := startHarness(t, eng)

	h.userMessage("s1", "run tests")
	prompt := h.out.waitFor(t, isType(rpc.TypeCommandPrompt))
	require.True(t, h.queue.Pending(prompt.CommandID))

	h.in.send(rpc.Frame{Type: rpc.TypeApprove, SessionID: "s1", CommandID: prompt.CommandID, Decision: rpc.DecisionAllow, Explanation: "go ahead"})
	h.out.waitFor(t, isStatus(StatusCompleted))
	require.Equal(t, []engine.Review{{Verdict: engine.Approved, Explanation: "go ahead"}}, eng.Reviews())

	// A second answer for the same prompt is reported, not applied.
	h.in.send(rpc.Frame{Type: rpc.TypeApprove, SessionID: "s1", CommandID: prompt.CommandID, Decision: rpc.DecisionDeny})
	h.out.waitFor(t, isError(rpc.CodeUnknownCommand))
	requireSingleTerminateLast(t, h.finish(t))
}

func TestCancelStopsRunAndDropsLateItems(t *testing.T) {
	eng := scripted.New(scripted.Message("before"), scripted.Step{Block: true}, scripted.Message("after cancel"))
	eng.Unchecked = true
	h := startHarness(t, eng)

	h.userMessage("s1", "long task")
	h.out.waitFor(t, isType(rpc.TypeItem))
	h.in.send(rpc.Frame{Type: rpc.TypeCancel, SessionID: "s1"})
	h.out.waitFor(t, isStatus(StatusCancelled))
	frames := h.finish(t)

	var items []string
	for _, f := range frames {
		if f.Type == rpc.TypeItem {
			items = append(items, string(f.Item))
		}
	}
	require.Len(t, items, 1, "items of an aborted run are never emitted")
	require.Contains(t, items[0], "before")
	require.Equal(t, -1, indexOf(frames, isStatus(StatusCompleted)))
	requireSingleTerminateLast(t, frames)
}

func TestCancelWhilePromptOutstandingDenies(t *testing.T) {
	eng := scripted.New(scripted.Step{Confirm: []string{"make", "deploy"}})
	h := startHarness(t, eng)

	h.userMessage("s1", "ship it")
	prompt := h.out.waitFor(t, isType(rpc.TypeCommandPrompt))
	h.in.send(rpc.Frame{Type: rpc.TypeCancel, SessionID: "s1"})
	h.out.waitFor(t, isStatus(StatusCancelled))

	require.False(t, h.queue.Pending(prompt.CommandID))
	require.Len(t, eng.Reviews(), 1)
	require.Equal(t, engine.Denied, eng.Reviews()[0].Verdict)
	requireSingleTerminateLast(t, h.finish(t))
}

func TestSecondMessageInterruptsFirstRun(t *testing.T) {
	eng := scripted.New(scripted.Message("working"), scripted.Step{Block: true})
	h := startHarness(t, eng)

	h.userMessage("s1", "first")
	h.out.waitFor(t, isType(rpc.TypeItem))
	h.userMessage("s1", "second")
	require.Eventually(t, func() bool { return len(eng.Requests()) == 2 }, waitTimeout, time.Millisecond)
	require.Eventually(t, func() bool {
		items := 0
		for _, f := range h.out.snapshot() {
			if f.Type == rpc.TypeItem {
				items++
			}
		}
		return items == 2
	}, waitTimeout, time.Millisecond)
	frames := h.finish(t)

	var sequence []string
	for _, f := range frames {
		switch f.Type {
		case rpc.TypeStatus:
			sequence = append(sequence, f.Message)
		case rpc.TypeItem:
			sequence = append(sequence, "item")
		}
	}
	require.Equal(t, []string{"session s1 initialized", StatusProcessing, "item", StatusCancelled, StatusProcessing, "item"}, sequence)
	require.Equal(t, "second", eng.Requests()[1].Input[0].Text)
	requireSingleTerminateLast(t, frames)
}

func TestEngineFailureKeepsSessionUsable(t *testing.T) {
	calls := 0
	eng := engine.Func(func(ctx context.Context, req engine.Request, events chan<- engine.Event) error {
		calls++
		if calls == 1 {
			return errors.New("model unavailable")
		}
		return engine.NewEmitter(ctx, events).Item(engine.Item{Type: engine.ItemMessage, Text: "recovered"})
	})
	h := startHarness(t, eng)

	h.userMessage("s1", "try")
	failure := h.out.waitFor(t, isError(rpc.CodeAgentError))
	require.Equal(t, "model unavailable", failure.Message)

	h.userMessage("s1", "again")
	h.out.waitFor(t, isStatus(StatusCompleted))
	requireSingleTerminateLast(t, h.finish(t))
}

func TestFirstMessageWithoutSessionIsFatal(t *testing.T) {
	h := startHarness(t, scripted.New())
	h.userMessage("", "hello")

	select {
	case <-h.done:
	case <-time.After(waitTimeout):
		t.Fatal("stream should end on a missing session id")
	}
	frames := h.out.withoutHeartbeats()
	require.Len(t, frames, 2)
	require.Equal(t, rpc.CodeMissingSession, frames[0].Code)
	require.Equal(t, "missing session id", requireSingleTerminateLast(t, frames).Reason)
}

func TestFramesBeforeBindingAreRejected(t *testing.T) {
	h := startHarness(t, scripted.New())
	h.in.send(rpc.Frame{Type: rpc.TypeApprove, SessionID: "s1", CommandID: "s1/x", Decision: rpc.DecisionAllow})
	h.in.send(rpc.Frame{Type: rpc.TypeCancel, SessionID: "s1"})
	h.in.send(rpc.HeartbeatFrame(1))
	h.in.send(rpc.StatusFrame("s1", "clients may not send this"))
	frames := h.finish(t)

	require.Len(t, frames, 4)
	require.Equal(t, rpc.CodeNotInitialized, frames[0].Code)
	require.Equal(t, rpc.CodeNotInitialized, frames[1].Code)
	require.Equal(t, rpc.CodeUnknownFrame, frames[2].Code)
	requireSingleTerminateLast(t, frames)
}

func TestMismatchedSessionNeverTouchesBoundSession(t *testing.T) {
	eng := scripted.New(scripted.Step{Confirm: []string{"ls"}})
	h := startHarness(t, eng)

	h.userMessage("s1", "list")
	prompt := h.out.waitFor(t, isType(rpc.TypeCommandPrompt))

	h.in.send(rpc.Frame{Type: rpc.TypeApprove, SessionID: "s2", CommandID: prompt.CommandID, Decision: rpc.DecisionAllow})
	h.in.send(rpc.Frame{Type: rpc.TypeCancel, SessionID: "s2"})
	h.in.send(rpc.Frame{Type: rpc.TypeUserMessage, SessionID: "s2", Content: "hijack"})
	require.Eventually(t, func() bool {
		n := 0
		for _, f := range h.out.snapshot() {
			if isError(rpc.CodeSessionMismatch)(f) {
				n++
			}
		}
		return n == 3
	}, waitTimeout, time.Millisecond)

	require.True(t, h.queue.Pending(prompt.CommandID), "mismatched approve must not resolve")
	require.Len(t, eng.Requests(), 1)
	require.Empty(t, eng.Reviews())

	// Command ids of another session are unknown here even with the right session id.
	h.in.send(rpc.Frame{Type: rpc.TypeApprove, SessionID: "s1", CommandID: approval.Key("s2", "x"), Decision: rpc.DecisionAllow})
	h.out.waitFor(t, isError(rpc.CodeUnknownCommand))
	requireSingleTerminateLast(t, h.finish(t))
}

func TestMalformedInputEndsStream(t *testing.T) {
	h := startHarness(t, scripted.New())
	h.in.closeWith(&rpc.MalformedFrameError{Raw: []byte("{nope"), Reason: "invalid json"})
	frames := h.finish(t)

	require.Len(t, frames, 2)
	require.Equal(t, rpc.CodeMalformedFrame, frames[0].Code)
	require.Equal(t, "malformed frame", requireSingleTerminateLast(t, frames).Reason)
}

func TestTransportFailureEndsStream(t *testing.T) {
	eng := scripted.New(scripted.Step{Block: true})
	h := startHarness(t, eng)
	h.userMessage("s1", "work")
	h.out.waitFor(t, isStatus(StatusProcessing))

	h.in.closeWith(errors.New("connection reset by peer"))
	frames := h.finish(t)
	require.NotEqual(t, -1, indexOf(frames, isError(rpc.CodeTransportFailure)))
	require.Equal(t, "transport failure", requireSingleTerminateLast(t, frames).Reason)
	require.Zero(t, h.registry.Len())
}

func TestPanicInFrameHandlingIsIsolated(t *testing.T) {
	calls := 0
	h := startHarness(t, nil, func(c *harnessConfig) {
		c.newEngine = func(string, session.Config) (engine.Engine, error) {
			calls++
			if calls == 1 {
				panic("engine factory exploded")
			}
			return scripted.New(scripted.Message("ok")), nil
		}
	})

	h.userMessage("s1", "first")
	h.out.waitFor(t, isError(rpc.CodeInternal))
	h.userMessage("s1", "second")
	h.out.waitFor(t, isStatus(StatusCompleted))
	requireSingleTerminateLast(t, h.finish(t))
}

type fakeFinalizer struct {
	mu       sync.Mutex
	sessions []string
}

func (f *fakeFinalizer) Finalize(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return "pull request opened: https://example.test/pr/7", nil
}

func TestCloseFinalizesAndObservesFrames(t *testing.T) {
	fin := &fakeFinalizer{}
	obs := &collector{}
	h := startHarness(t, scripted.New(scripted.Message("done")), func(c *harnessConfig) {
		c.finalizer = fin
		c.observer = obs
	})

	h.userMessage("s1", "edit")
	h.out.waitFor(t, isStatus(StatusCompleted))
	frames := h.finish(t)

	require.Equal(t, []string{"s1"}, fin.sessions)
	published := indexOf(frames, isStatus("pull request opened: https://example.test/pr/7"))
	require.Equal(t, len(frames)-2, published)
	requireSingleTerminateLast(t, frames)
	require.Equal(t, frames, obs.snapshot())
}

func TestBoundSessionSurvivesIdleSweep(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	eng := scripted.New(scripted.Message("done"))
	h := startHarness(t, eng, func(c *harnessConfig) {
		c.registryOpts = []session.Option{session.WithTTL(time.Minute), session.WithClock(clock.Now)}
	})

	h.userMessage("s1", "first")
	h.out.waitFor(t, isStatus(StatusCompleted))
	sess, err := h.registry.Get("s1")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	h.in.send(rpc.Frame{Type: rpc.TypeCancel, SessionID: "s1"})
	h.out.waitFor(t, isStatus(StatusIdle))
	require.Equal(t, time.Unix(1030, 0), sess.LastActivity(), "inbound frames refresh activity")

	clock.Advance(10 * time.Minute)
	require.Zero(t, h.registry.Sweep(), "a session bound to an open stream is never swept")
	require.False(t, eng.Terminated())

	h.userMessage("s1", "second")
	require.Eventually(t, func() bool { return len(eng.Requests()) == 2 }, waitTimeout, time.Millisecond)

	frames := h.finish(t)
	requireSingleTerminateLast(t, frames)
	require.Zero(t, h.registry.Len())
	require.True(t, eng.Terminated())
}

func TestSessionSharedByTwoStreamsOutlivesTheFirst(t *testing.T) {
	eng := scripted.New(scripted.Message("done"))
	fin := &fakeFinalizer{}
	queue := approval.NewQueue(nil)
	registry := session.NewRegistry(nil)
	handler := NewStreamHandler(HandlerOptions{
		Registry:          registry,
		Queue:             queue,
		NewEngine:         func(string, session.Config) (engine.Engine, error) { return eng, nil },
		HeartbeatInterval: time.Hour,
		Finalizer:         fin,
	})

	serve := func() (*pipeInbound, *collector, chan struct{}) {
		in, out, done := newPipeInbound(), &collector{}, make(chan struct{})
		writer := transport.NewWriter(out)
		go writer.Run(context.Background()) //nolint:errcheck
		go func() {
			defer close(done)
			handler.Serve(context.Background(), "test", in, writer)
			_ = writer.Close()
		}()
		return in, out, done
	}

	in1, out1, done1 := serve()
	in2, out2, done2 := serve()
	in1.send(rpc.Frame{Type: rpc.TypeUserMessage, SessionID: "s1", Content: "one"})
	out1.waitFor(t, isStatus(StatusCompleted))
	in2.send(rpc.Frame{Type: rpc.TypeUserMessage, SessionID: "s1", Content: "two"})
	out2.waitFor(t, isStatus(StatusCompleted))

	in1.closeWith(io.EOF)
	<-done1
	require.Equal(t, 1, registry.Len())
	require.False(t, eng.Terminated())
	require.Empty(t, fin.sessions)

	in2.closeWith(io.EOF)
	<-done2
	require.Zero(t, registry.Len())
	require.True(t, eng.Terminated())
	require.Equal(t, []string{"s1"}, fin.sessions)
}
