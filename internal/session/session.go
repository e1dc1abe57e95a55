// ABOUTME: Session represents one live bidirectional connection to an agent.
// ABOUTME: Owns the transport exclusively and closes it exactly once.

package session

import (
	"sync"
	"time"
)

// Transport is the write side of an agent connection. The Session owns it;
// nothing else closes it.
type Transport interface {
	// WriteFrame sends one encoded frame to the agent. Implementations must
	// be safe to call after Close (returning an error is fine, blocking or
	// panicking is not).
	WriteFrame(data []byte) error
	Close() error
}

// Metadata carries the agent-reported facts from the registration handshake.
type Metadata struct {
	Hostname string
	IP       string
	OS       string
	Version  string
}

// Session is the in-memory representation of one open agent connection.
// A fresh Session is created per connection attempt; its ID is never reused.
type Session struct {
	AgentID  string
	ID       string
	Meta     Metadata
	OpenedAt time.Time

	transport Transport

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
}

// Send writes one encoded frame to the agent. Writes are serialized so
// concurrent callers never interleave on the transport.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.transport.WriteFrame(data)
}

// Touch records inbound activity. Any traffic proves liveness, not only
// heartbeat frames.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent inbound frame.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Close shuts the underlying transport. Safe to call more than once; only
// the first call reaches the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.transport.Close()
}

// Closed reports whether the session's transport has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
