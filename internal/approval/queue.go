// Package approval correlates outstanding command confirmations with the decision that
// eventually arrives for them, or with their deadline.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/rpc"
)

// DefaultTimeout is the deadline applied by Register.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrTimeout settles an entry whose deadline passed without a decision.
	ErrTimeout = errors.New("confirmation timed out")
	// ErrSuperseded settles an entry replaced by a second registration of the same id.
	ErrSuperseded = errors.New("confirmation superseded")
)

// RejectedError settles an entry that was explicitly rejected.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "confirmation rejected: " + e.Reason
}

// Outcome is the single settlement of a registration. Err is nil when a client decision
// arrived.
type Outcome struct {
	Decision    rpc.Decision
	Explanation string
	Err         error
}

// Allowed reports whether the outcome permits the command to run.
func (o Outcome) Allowed() bool {
	return o.Err == nil && o.Decision == rpc.DecisionAllow
}

// Observer receives settlement notifications, e.g. metrics.
type Observer interface {
	RecordConfirmation(outcome string)
}

type entry struct {
	ch      chan Outcome
	timer   *time.Timer
	timeout time.Duration
}

// Queue holds pending confirmations keyed by command id.
type Queue struct {
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	pending map[string]*entry
}

// Option customizes a Queue.
type Option func(*Queue)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithObserver reports settlements to o.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// NewQueue builds an empty queue.
func NewQueue(logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		timeout: DefaultTimeout,
		logger:  logger,
		pending: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key builds a command id scoped to a session so ClearPrefix(SessionPrefix(id)) finds it.
func Key(sessionID, commandID string) string {
	return SessionPrefix(sessionID) + commandID
}

// SessionPrefix is the key prefix shared by every command id of a session.
func SessionPrefix(sessionID string) string {
	return sessionID + "/"
}

// Register adds a pending confirmation with the default deadline. The returned channel
// receives exactly one Outcome.
func (q *Queue) Register(id string) <-chan Outcome {
	return q.RegisterWithTimeout(id, q.timeout)
}

// RegisterWithTimeout adds a pending confirmation with an explicit deadline. A second
// registration of a pending id replaces the first, which settles with ErrSuperseded.
func (q *Queue) RegisterWithTimeout(id string, timeout time.Duration) <-chan Outcome {
	e := &entry{ch: make(chan Outcome, 1), timeout: timeout}

	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.pending[id]; ok {
		q.logger.Warn("confirmation registered twice; replacing pending entry", zap.String("command_id", id))
		prev.timer.Stop()
		q.record("superseded")
		prev.ch <- Outcome{Decision: rpc.DecisionDeny, Err: ErrSuperseded}
	}
	e.timer = time.AfterFunc(timeout, func() { q.expire(id, e) })
	q.pending[id] = e
	return e.ch
}

// Resolve settles id with the client's decision. It returns false when id is not pending.
func (q *Queue) Resolve(id string, decision rpc.Decision, explanation string) bool {
	e := q.take(id)
	if e == nil {
		q.logger.Warn("resolution for unknown or expired confirmation", zap.String("command_id", id))
		return false
	}
	q.record(string(decision))
	e.ch <- Outcome{Decision: decision, Explanation: explanation}
	return true
}

// Reject settles id as denied with reason. It returns false when id is not pending.
func (q *Queue) Reject(id, reason string) bool {
	e := q.take(id)
	if e == nil {
		q.logger.Debug("rejection for unknown or expired confirmation", zap.String("command_id", id))
		return false
	}
	q.record("rejected")
	e.ch <- Outcome{Decision: rpc.DecisionDeny, Err: &RejectedError{Reason: reason}}
	return true
}

// ClearPrefix rejects every pending entry whose id starts with prefix.
func (q *Queue) ClearPrefix(prefix, reason string) int {
	return q.ClearMatching(func(id string) bool { return strings.HasPrefix(id, prefix) }, reason)
}

// ClearMatching rejects every pending entry whose id satisfies match.
func (q *Queue) ClearMatching(match func(id string) bool, reason string) int {
	q.mu.Lock()
	var cleared []*entry
	for id, e := range q.pending {
		if match(id) {
			e.timer.Stop()
			delete(q.pending, id)
			cleared = append(cleared, e)
		}
	}
	q.mu.Unlock()

	for _, e := range cleared {
		q.record("rejected")
		e.ch <- Outcome{Decision: rpc.DecisionDeny, Err: &RejectedError{Reason: reason}}
	}
	if len(cleared) > 0 {
		q.logger.Debug("cleared pending confirmations", zap.Int("count", len(cleared)), zap.String("reason", reason))
	}
	return len(cleared)
}

// Pending reports whether id awaits a decision.
func (q *Queue) Pending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

// Len is the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) take(id string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(q.pending, id)
	return e
}

// expire fires from the entry's timer. The identity check keeps a stale timer from
// settling a newer registration under the same id.
func (q *Queue) expire(id string, e *entry) {
	q.mu.Lock()
	current, ok := q.pending[id]
	if !ok || current != e {
		q.mu.Unlock()
		return
	}
	delete(q.pending, id)
	q.mu.Unlock()

	q.logger.Info("confirmation timed out", zap.String("command_id", id))
	q.record("timeout")
	e.ch <- Outcome{Decision: rpc.DecisionDeny, Err: fmt.Errorf("%w after %s", ErrTimeout, e.timeout)}
}

func (q *Queue) record(outcome string) {
	if q.observer != nil {
		q.observer.RecordConfirmation(outcome)
	}
}
