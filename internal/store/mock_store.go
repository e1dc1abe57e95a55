// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-agent persistence failures

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	history map[string][]*CommandRecord // keyed by agentID, newest first

	// failOffline maps agent ids to errors returned by RecordAgentOffline,
	// used to exercise partial-failure isolation in the liveness sweep.
	failOffline map[string]error

	offlineCalls []string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:      make(map[string]*Agent),
		history:     make(map[string][]*CommandRecord),
		failOffline: make(map[string]error),
	}
}

// FailOfflineFor makes RecordAgentOffline return err for the given agent.
func (m *MockStore) FailOfflineFor(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOffline[agentID] = err
}

// OfflineCalls returns the agent ids passed to RecordAgentOffline, in order.
func (m *MockStore) OfflineCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.offlineCalls))
	copy(out, m.offlineCalls)
	return out
}

// UpsertAgent stores agent metadata, creating or replacing the entry.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns all stored agents.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// RecordAgentSeen updates last-seen and marks the agent online.
func (m *MockStore) RecordAgentSeen(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastSeen = at
	a.Status = AgentStatusOnline
	return nil
}

// RecordAgentOffline marks the agent offline, honoring injected failures.
func (m *MockStore) RecordAgentOffline(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offlineCalls = append(m.offlineCalls, agentID)
	if err, ok := m.failOffline[agentID]; ok {
		return err
	}
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Status = AgentStatusOffline
	return nil
}

// RecordCommandHistory prepends one command record.
func (m *MockStore) RecordCommandHistory(ctx context.Context, rec *CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.history[r.AgentID] = append([]*CommandRecord{&r}, m.history[r.AgentID]...)
	return nil
}

// ListCommandHistory returns up to limit records for the agent, newest first.
func (m *MockStore) ListCommandHistory(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.history[agentID]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]*CommandRecord, 0, len(records))
	for _, r := range records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
