package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the single owner of the session-id to Session mapping. All
// mutations are safe under concurrent access from client connections and
// the background sweep.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry and starts its background sweep. Sessions
// idle longer than idleTimeout are torn down every sweepInterval.
func NewRegistry(logger *slog.Logger, idleTimeout, sweepInterval time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions:      make(map[string]*Session),
		logger:        logger,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go r.sweepLoop()

	return r
}

// Create registers a new session in state connecting with a fresh id.
func (r *Registry) Create() *Session {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("Session created",
		slog.String("session_id", sess.ID),
		slog.Int("active_sessions", count),
	)

	return sess
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[id]
	return sess, exists
}

// Remove deletes a session from the registry. Idempotent: removing an
// unknown or already-removed id is not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("lifetime", time.Since(sess.CreatedAt())),
		slog.Int("active_sessions", count),
	)

	return true
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of all registered sessions (for monitoring).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}

	return sessions
}

// Stop halts the background sweep. Registered sessions are torn down
// through their normal teardown hooks.
func (r *Registry) Stop() {
	r.cancel()
	<-r.done

	for _, sess := range r.All() {
		sess.Teardown(context.Canceled)
	}

	r.logger.Info("Session registry stopped",
		slog.Int("remaining_sessions", r.Count()),
	)
}

// sweepLoop periodically evicts idle sessions.
func (r *Registry) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("Session sweep started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("sweep_interval", r.sweepInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Session sweep stopping")
			return

		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle tears down sessions whose last activity exceeds the idle
// timeout. Eviction runs the same teardown path as explicit close; the
// hook is responsible for upstream/client shutdown and registry removal.
func (r *Registry) evictIdle() {
	now := time.Now()

	var expired []*Session
	r.mu.RLock()
	for _, sess := range r.sessions {
		if now.Sub(sess.LastActivity()) > r.idleTimeout {
			expired = append(expired, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range expired {
		r.logger.Info("Evicting idle session",
			slog.String("session_id", sess.ID),
			slog.Duration("idle", now.Sub(sess.LastActivity())),
		)

		sess.Teardown(ErrIdleEvicted)

		// Teardown normally removes the session; make sure a hook-less
		// session cannot survive eviction.
		r.Remove(sess.ID)
	}
}
