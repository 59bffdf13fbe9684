package session

import (
	"errors"
	"sync"
	"time"
)

// State describes where a voice session is in its lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// ErrIdleEvicted is passed as the teardown reason when the registry sweep
// removes a session after the idle timeout.
var ErrIdleEvicted = errors.New("idle timeout exceeded")

// Session tracks one voice conversation: exactly one client transport
// connection and at most one upstream model connection. The transport and
// upstream handles themselves are owned by the protocol handler; the
// session carries identity, lifecycle state, and activity timestamps.
type Session struct {
	ID string

	mu           sync.RWMutex
	state        State
	createdAt    time.Time
	lastActivity time.Time

	teardown     func(reason error)
	teardownOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session to a new lifecycle state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Terminal reports whether further audio/control processing is over.
func (s *Session) Terminal() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

// Touch records client activity for idle-eviction accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActivity returns the time of the most recent inbound client message.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Uptime returns how long the session has existed.
func (s *Session) Uptime() time.Duration {
	return time.Since(s.CreatedAt())
}

// SetTeardown registers the teardown hook invoked on removal. The
// protocol handler installs this so the registry sweep and explicit close
// share one teardown path.
func (s *Session) SetTeardown(fn func(reason error)) {
	s.mu.Lock()
	s.teardown = fn
	s.mu.Unlock()
}

// Teardown runs the registered teardown hook at most once, regardless of
// how many termination triggers race (disconnect, stop, upstream close,
// idle eviction).
func (s *Session) Teardown(reason error) {
	s.mu.RLock()
	fn := s.teardown
	s.mu.RUnlock()

	if fn == nil {
		return
	}

	s.teardownOnce.Do(func() {
		fn(reason)
	})
}
