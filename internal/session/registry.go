// ABOUTME: Registry tracks the single active session per agent.
// ABOUTME: Admission replaces stale sessions (last-writer-wins) and removal is guarded by session id.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed indicates a write was attempted on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Registry holds one live Session per connected agent. It exclusively owns
// the Session objects and their transports.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Admit creates a Session for the agent and registers it. If a session
// already exists for the agent id, it is atomically replaced and its
// transport closed (takeover). The displaced session, if any, is returned
// so the caller can fail its in-flight work.
//
// This is the only path that creates or replaces a Session. The whole
// replace runs under the registry lock, so two concurrent registrations
// for the same agent can never both end up active.
func (r *Registry) Admit(agentID string, meta Metadata, transport Transport) (sess, displaced *Session) {
	now := time.Now()
	sess = &Session{
		AgentID:       agentID,
		ID:            uuid.New().String(),
		Meta:          meta,
		OpenedAt:      now,
		transport:     transport,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	displaced = r.sessions[agentID]
	r.sessions[agentID] = sess
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Info("session takeover: closing previous connection",
			"agent_id", agentID,
			"old_session_id", displaced.ID,
			"new_session_id", sess.ID,
		)
		_ = displaced.Close()
	} else {
		r.logger.Info("agent session admitted",
			"agent_id", agentID,
			"session_id", sess.ID,
			"hostname", meta.Hostname,
		)
	}
	return sess, displaced
}

// Touch advances the agent's last-heartbeat time if a session exists.
func (r *Registry) Touch(agentID string) {
	if s, ok := r.Lookup(agentID); ok {
		s.Touch()
	}
}

// Lookup returns the active session for the agent, if any. Safe to call
// concurrently with Admit and Remove.
func (r *Registry) Lookup(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// Remove unregisters the agent's session only if sessionID still matches
// the currently registered one, so a stale close from a superseded
// connection never evicts a newer takeover session. The session's
// transport is closed when the removal takes effect. Returns whether the
// session was removed.
func (r *Registry) Remove(agentID, sessionID string) bool {
	r.mu.Lock()
	current, ok := r.sessions[agentID]
	if !ok || current.ID != sessionID {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, agentID)
	r.mu.Unlock()

	_ = current.Close()
	r.logger.Info("agent session removed",
		"agent_id", agentID,
		"session_id", sessionID,
	)
	return true
}

// Snapshot returns the currently registered sessions. The slice is a copy;
// the Session pointers remain live objects.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
