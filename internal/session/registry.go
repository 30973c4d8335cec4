package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/engine"
)

// DefaultTTL is how long an idle session survives without activity.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Observer receives registry size changes.
type Observer interface {
	SetActiveSessions(n int)
}

// Registry maps session ids to sessions.
type Registry struct {
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time
	onDestroy func(*Session)
	observer  Observer

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOnDestroy runs fn after a session has been removed.
func WithOnDestroy(fn func(*Session)) Option {
	return func(r *Registry) { r.onDestroy = fn }
}

// WithObserver reports the number of live sessions to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		ttl:      DefaultTTL,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL is the idle lifetime of a session.
func (r *Registry) TTL() time.Duration { return r.ttl }

// CreateOrGet returns the session named requestedID, refreshing its activity, or creates
// it with base config and a handle from newHandle. An empty requestedID always creates a
// session under a generated id. An existing session keeps its handle. newHandle runs
// without the registry lock; if another caller creates the same id meanwhile, that
// session wins and the surplus handle is terminated.
func (r *Registry) CreateOrGet(requestedID string, base Config, newHandle func() (engine.Engine, error)) (*Session, bool, error) {
	return r.createOrGet(requestedID, base, newHandle, false)
}

// Attach is CreateOrGet for a stream that binds to the session. An attached session is
// never swept; the stream must call Detach when it closes.
func (r *Registry) Attach(requestedID string, base Config, newHandle func() (engine.Engine, error)) (*Session, bool, error) {
	return r.createOrGet(requestedID, base, newHandle, true)
}

// Detach releases a stream's hold on s and returns how many streams remain bound.
func (r *Registry) Detach(s *Session) int {
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams > 0 {
		s.streams--
	}
	s.lastActivity = now
	return s.streams
}

func (r *Registry) createOrGet(requestedID string, base Config, newHandle func() (engine.Engine, error), attach bool) (*Session, bool, error) {
	if requestedID != "" {
		if s := r.existing(requestedID, attach); s != nil {
			return s, false, nil
		}
	}

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	handle, err := newHandle()
	if err != nil {
		return nil, false, fmt.Errorf("create engine for session %s: %w", id, err)
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		if t, ok := handle.(engine.Terminator); ok {
			t.Terminate()
		}
		if s = r.existing(id, attach); s != nil {
			return s, false, nil
		}
		return r.createOrGet(requestedID, base, newHandle, attach)
	}
	s := &Session{ID: id, Handle: handle, clock: r.now, config: base, lastActivity: r.now()}
	if attach {
		s.streams = 1
	}
	r.sessions[id] = s
	r.report()
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", id))
	return s, true, nil
}

// existing returns the live session id, touched and optionally attached, or nil.
func (r *Registry) existing(id string, attach bool) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.lastActivity = r.now()
	if attach {
		s.streams++
	}
	s.mu.Unlock()
	return s
}

// Get returns the session and refreshes its activity.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.touch(r.now())
	return s, nil
}

// Destroy removes the session and terminates its handle when the handle supports it.
// It reports whether a session was removed; destroying an unknown id is a no-op.
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.report()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(s)
	return true
}

// DestroyDetached destroys s unless a stream attached to it again after the last Detach.
func (r *Registry) DestroyDetached(s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	ok = ok && cur == s && s.Streams() == 0
	if ok {
		delete(r.sessions, s.ID)
		r.report()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(s)
	return true
}

func (r *Registry) teardown(s *Session) {
	id := s.ID
	if t, ok := s.Handle.(engine.Terminator); ok {
		t.Terminate()
	}
	if r.onDestroy != nil {
		r.onDestroy(s)
	}
	r.logger.Info("session destroyed", zap.String("session_id", id))
}

// Sweep destroys sessions idle for longer than the TTL. Sessions with an active run or a
// bound stream are kept regardless of idleness.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.expired(now, r.ttl) {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	if len(expired) > 0 {
		r.report()
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("expiring idle session", zap.String("session_id", s.ID))
		r.teardown(s)
	}
	return len(expired)
}

// Run sweeps every TTL/2 until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id)
	}
}

// report must be called with r.mu held.
func (r *Registry) report() {
	if r.observer != nil {
		r.observer.SetActiveSessions(len(r.sessions))
	}
}
