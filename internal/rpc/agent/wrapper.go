package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/approval"
	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/observability"
	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/session"
)

// Status messages emitted around a run.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusThinking   = "thinking"
	StatusIdle       = "no active run"
)

// DefaultCleanupWait bounds how long Cleanup waits for an interrupted run.
const DefaultCleanupWait = 5 * time.Second

var (
	errInterrupted = errors.New("interrupted by new message")
	errCancelled   = errors.New("cancelled by client")
	errClosed      = errors.New("stream closed")
)

// State is the lifecycle position of a wrapper's most recent run. Completed, Cancelled
// and Failed accept a new message exactly like Idle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameSender delivers outbound frames in order, waiting while the transport is backed up.
type FrameSender interface {
	Send(ctx context.Context, f rpc.Frame) error
}

// Wrapper drives one session's runs against its engine handle.
type Wrapper struct {
	session     *session.Session
	queue       *approval.Queue
	out         FrameSender
	defaults    session.Config
	logger      *zap.Logger
	metrics     *observability.Metrics
	cleanupWait time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelCauseFunc
	done   chan struct{}

	cleanupOnce sync.Once
}

// WrapperOptions carries the collaborators of a Wrapper.
type WrapperOptions struct {
	Session     *session.Session
	Queue       *approval.Queue
	Out         FrameSender
	Defaults    session.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	CleanupWait time.Duration
}

// NewWrapper binds a session to an outbound frame sender.
func NewWrapper(opts WrapperOptions) *Wrapper {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := opts.CleanupWait
	if wait <= 0 {
		wait = DefaultCleanupWait
	}
	return &Wrapper{
		session:     opts.Session,
		queue:       opts.Queue,
		out:         opts.Out,
		defaults:    opts.Defaults,
		logger:      logger.With(zap.String("session_id", opts.Session.ID)),
		metrics:     opts.Metrics,
		cleanupWait: wait,
	}
}

// State returns the state of the most recent run.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// HandleUserMessage starts a run for f, interrupting the active one first. It returns once
// the run has started; run output arrives through the frame sender.
func (w *Wrapper) HandleUserMessage(ctx context.Context, f rpc.Frame) error {
	w.interrupt(errInterrupted, 0)

	sid := w.session.ID
	if !w.session.BeginRun() {
		retry := true
		e := rpc.ErrorFrame(sid, rpc.CodeSessionBusy, "session has a run in progress on another stream")
		e.Retryable = &retry
		return w.out.Send(ctx, e)
	}

	cfg := w.session.Config().Merge(f.Config, w.defaults)
	req := engine.Request{
		SessionID:      sid,
		Input:          []engine.InputItem{{Text: f.Content, Images: f.Images}},
		ResumeToken:    w.session.ResumeToken(),
		Model:          cfg.Model,
		Provider:       cfg.Provider,
		Instructions:   cfg.Instructions,
		ApprovalPolicy: string(cfg.ApprovalPolicy),
	}

	if err := w.out.Send(ctx, rpc.StatusFrame(sid, StatusProcessing)); err != nil {
		w.session.EndRun()
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.state = StateRunning
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	w.logger.Info("run started", zap.String("model", cfg.Model), zap.String("approval_policy", req.ApprovalPolicy))
	go w.run(ctx, runCtx, cancel, req, done)
	return nil
}

// HandleApprove settles a pending command prompt of this session.
func (w *Wrapper) HandleApprove(ctx context.Context, f rpc.Frame) error {
	sid := w.session.ID
	if strings.HasPrefix(f.CommandID, approval.SessionPrefix(sid)) &&
		w.queue.Resolve(f.CommandID, f.Decision, f.Explanation) {
		return nil
	}
	return w.out.Send(ctx, rpc.ErrorFrame(sid, rpc.CodeUnknownCommand,
		fmt.Sprintf("no pending confirmation for command %q", f.CommandID)))
}

// HandleCancel aborts the active run and rejects every pending confirmation of the session.
// The aborted run reports its own "cancelled" status.
func (w *Wrapper) HandleCancel(ctx context.Context, _ rpc.Frame) error {
	active := w.cancelRun(errCancelled)
	w.queue.ClearPrefix(approval.SessionPrefix(w.session.ID), errCancelled.Error())
	if !active {
		return w.out.Send(ctx, rpc.StatusFrame(w.session.ID, StatusIdle))
	}
	return nil
}

// Cleanup cancels any active run, waits a bounded time for it to finish and clears the
// session's confirmations. Only the first call has an effect.
func (w *Wrapper) Cleanup() {
	w.cleanupOnce.Do(func() {
		if !w.interrupt(errClosed, w.cleanupWait) {
			w.logger.Warn("run did not stop before cleanup deadline")
		}
		w.queue.ClearPrefix(approval.SessionPrefix(w.session.ID), errClosed.Error())
	})
}

// cancelRun cancels the active run with cause and reports whether there was one.
func (w *Wrapper) cancelRun(cause error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning || w.cancel == nil {
		return false
	}
	w.cancel(cause)
	return true
}

// interrupt cancels the active run and waits for it to finish. A zero timeout waits
// indefinitely. It reports false when the wait timed out.
func (w *Wrapper) interrupt(cause error, timeout time.Duration) bool {
	w.mu.Lock()
	done := w.done
	if w.state == StateRunning && w.cancel != nil {
		w.cancel(cause)
	}
	w.mu.Unlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Wrapper) run(ctx, runCtx context.Context, cancel context.CancelCauseFunc, req engine.Request, done chan struct{}) {
	started := time.Now()
	defer close(done)
	defer w.session.EndRun()
	defer cancel(nil)

	events := make(chan engine.Event)
	result := make(chan error, 1)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("engine panic: %v", r)
			}
		}()
		result <- w.session.Handle.Run(runCtx, req, events)
	}()

	for ev := range events {
		w.dispatch(ctx, runCtx, ev)
	}
	w.finish(ctx, runCtx, <-result, time.Since(started))
}

func (w *Wrapper) dispatch(ctx, runCtx context.Context, ev engine.Event) {
	sid := w.session.ID
	w.session.Touch()
	switch ev.Kind {
	case engine.EventItem:
		if runCtx.Err() != nil {
			w.logger.Debug("dropping item from cancelled run", zap.String("item_type", string(ev.Item.Type)))
			return
		}
		raw, err := ev.Item.JSON()
		if err != nil {
			w.logger.Error("encode item", zap.Error(err))
			return
		}
		w.send(ctx, rpc.ItemFrame(sid, raw))
	case engine.EventLoading:
		if runCtx.Err() != nil || !ev.Loading {
			return
		}
		w.send(ctx, rpc.StatusFrame(sid, StatusThinking))
	case engine.EventResponseID:
		w.session.SetResumeToken(ev.ResponseID)
	case engine.EventConfirm:
		if ev.Confirm == nil {
			return
		}
		review := engine.Review{Verdict: engine.Denied}
		if runCtx.Err() == nil {
			review = w.confirm(ctx, runCtx, ev.Confirm)
		}
		select {
		case ev.Confirm.Reply <- review:
		case <-runCtx.Done():
		}
	}
}

// confirm prompts the client for one command and waits for the outcome. The entry is
// registered before the prompt goes out so an immediate answer cannot miss it.
func (w *Wrapper) confirm(ctx, runCtx context.Context, req *engine.ConfirmRequest) engine.Review {
	sid := w.session.ID
	id := approval.Key(sid, uuid.NewString())
	outcome := w.queue.Register(id)

	if err := w.out.Send(ctx, rpc.Frame{
		Type:        rpc.TypeCommandPrompt,
		SessionID:   sid,
		CommandID:   id,
		Command:     req.Command,
		Patch:       req.Patch,
		Explanation: req.Reason,
	}); err != nil {
		w.queue.Reject(id, "prompt not delivered")
		return engine.Review{Verdict: engine.Denied}
	}

	select {
	case o := <-outcome:
		if errors.Is(o.Err, approval.ErrTimeout) {
			w.send(ctx, rpc.ErrorFrame(sid, rpc.CodeTimeout, fmt.Sprintf("command %s was not confirmed in time; denying", id)))
		}
		if o.Allowed() {
			return engine.Review{Verdict: engine.Approved, Explanation: o.Explanation}
		}
		return engine.Review{Verdict: engine.Denied, Explanation: o.Explanation}
	case <-runCtx.Done():
		w.queue.Reject(id, context.Cause(runCtx).Error())
		return engine.Review{Verdict: engine.Denied}
	}
}

func (w *Wrapper) finish(ctx, runCtx context.Context, err error, elapsed time.Duration) {
	sid := w.session.ID
	var state State
	switch {
	case runCtx.Err() != nil:
		state = StateCancelled
		w.logger.Info("run cancelled", zap.NamedError("cause", context.Cause(runCtx)))
		if !errors.Is(context.Cause(runCtx), errClosed) {
			w.send(ctx, rpc.StatusFrame(sid, StatusCancelled))
		}
	case err != nil:
		state = StateFailed
		w.logger.Warn("run failed", zap.Error(err))
		w.send(ctx, rpc.ErrorFrame(sid, rpc.CodeAgentError, err.Error()))
	default:
		state = StateCompleted
		w.logger.Info("run completed", zap.Duration("elapsed", elapsed))
		w.send(ctx, rpc.StatusFrame(sid, StatusCompleted))
	}
	w.metrics.RecordRun(state.String(), elapsed)

	w.mu.Lock()
	w.state = state
	w.cancel = nil
	w.mu.Unlock()
}

func (w *Wrapper) send(ctx context.Context, f rpc.Frame) {
	if err := w.out.Send(ctx, f); err != nil {
		w.logger.Debug("outbound frame dropped", zap.String("type", string(f.Type)), zap.Error(err))
	}
}
