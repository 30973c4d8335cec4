// Package session tracks conversation sessions and the engine handle each one owns.
package session

import (
	"sync"
	"time"

	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/rpc"
)

// Config is the effective run configuration of a session.
type Config struct {
	Model          string
	Provider       string
	Instructions   string
	ApprovalPolicy rpc.ApprovalPolicy
}

// Merge layers per-run overrides over c and fills anything still empty from defaults.
// Only the model and approval policy can be overridden.
func (c Config) Merge(overrides *rpc.RunConfig, defaults Config) Config {
	out := c
	if overrides != nil {
		if overrides.Model != "" {
			out.Model = overrides.Model
		}
		if overrides.ApprovalPolicy != "" {
			out.ApprovalPolicy = overrides.ApprovalPolicy
		}
	}
	if out.Model == "" {
		out.Model = defaults.Model
	}
	if out.Provider == "" {
		out.Provider = defaults.Provider
	}
	if out.Instructions == "" {
		out.Instructions = defaults.Instructions
	}
	if out.ApprovalPolicy == "" {
		out.ApprovalPolicy = defaults.ApprovalPolicy
	}
	return out
}

// Session is one conversation. The registry owns it; stream handlers borrow it for the
// lifetime of a connection.
type Session struct {
	ID     string
	Handle engine.Engine

	clock func() time.Time

	mu           sync.Mutex
	config       Config
	lastActivity time.Time
	resumeToken  string
	running      bool
	streams      int
}

// Config returns the stored configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ResumeToken is the last response id reported by the engine.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// SetResumeToken stores the id a later run resumes from.
func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeToken = token
}

// BeginRun marks a run as active. It returns false if one already is.
func (s *Session) BeginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

// EndRun clears the active-run marker.
func (s *Session) EndRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether a run is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastActivity is the last time the session was touched.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity on the session.
func (s *Session) Touch() {
	now := time.Now
	if s.clock != nil {
		now = s.clock
	}
	s.touch(now())
}

// Streams is the number of open streams bound to the session.
func (s *Session) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// expired reports whether the session has been idle past ttl with no run and no bound
// stream.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && s.streams == 0 && now.Sub(s.lastActivity) > ttl
}
