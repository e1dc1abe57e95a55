// ABOUTME: Background sweep that demotes agents to offline when heartbeats stop.
// ABOUTME: Evicts stale sessions and persists the offline transition per agent.

package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/redsail/fleetgate/internal/session"
	"github.com/redsail/fleetgate/internal/store"
)

// Options configures the Monitor. The threshold must be strictly greater
// than the sweep interval so an agent can miss one heartbeat without
// flapping offline.
type Options struct {
	SweepInterval    time.Duration
	OfflineThreshold time.Duration
}

// Monitor periodically examines every registered session and marks agents
// offline once now - lastHeartbeatAt meets the threshold. Promotion back
// to online happens only through a registration handshake, never here.
type Monitor struct {
	registry *session.Registry
	store    store.Store
	opts     Options
	logger   *slog.Logger

	// onEvict is invoked after a stale session is removed, so in-flight
	// commands against it can be aborted.
	onEvict func(agentID, sessionID string)

	now func() time.Time
}

// NewMonitor creates a Monitor. onEvict may be nil.
func NewMonitor(registry *session.Registry, s store.Store, opts Options, onEvict func(agentID, sessionID string), logger *slog.Logger) *Monitor {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.OfflineThreshold <= opts.SweepInterval {
		opts.OfflineThreshold = 2 * opts.SweepInterval
	}
	return &Monitor{
		registry: registry,
		store:    s,
		opts:     opts,
		onEvict:  onEvict,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the sweep loop until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		"sweep_interval", m.opts.SweepInterval,
		"offline_threshold", m.opts.OfflineThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all registered sessions. A persistence failure
// for one agent is logged and does not abort the sweep for the others.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	for _, sess := range m.registry.Snapshot() {
		idle := now.Sub(sess.LastHeartbeat())
		if idle < m.opts.OfflineThreshold {
			continue
		}

		// Remove is guarded by session id: if the agent re-registered
		// between the snapshot and here, the fresh session is untouched
		// and the agent stays online.
		if !m.registry.Remove(sess.AgentID, sess.ID) {
			continue
		}

		m.logger.Info("agent marked offline",
			"agent_id", sess.AgentID,
			"session_id", sess.ID,
			"idle", idle,
		)

		if m.onEvict != nil {
			m.onEvict(sess.AgentID, sess.ID)
		}

		if err := m.store.RecordAgentOffline(ctx, sess.AgentID); err != nil {
			m.logger.Error("persisting offline status failed",
				"agent_id", sess.AgentID,
				"error", err,
			)
		}
	}
}
