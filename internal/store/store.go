// ABOUTME: Store interface and data types for fleetgate persistence.
// ABOUTME: Defines Agent, CommandRecord structs and the durable persistence hook contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent status values persisted alongside agent metadata
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Agent represents the durable metadata for a managed endpoint. The ID is
// the stable agent identity and never changes once assigned.
type Agent struct {
	ID        string
	Hostname  string
	IP        string
	OS        string
	Version   string
	Status    string
	LastSeen  time.Time
	CreatedAt time.Time
}

// CommandRecord is one entry of durable command history.
type CommandRecord struct {
	CorrelationID string
	AgentID       string
	Command       string
	State         string // completed, timed_out, aborted
	Success       bool
	Output        string
	Error         string
	DurationMs    int64
	IssuedAt      time.Time
	CompletedAt   time.Time
}

// Store is the persistence hook consumed by the session engine. All calls
// are fire-and-forget from the engine's perspective: failures are logged
// by the caller and never block session handling or roll back in-memory
// state.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	RecordAgentSeen(ctx context.Context, agentID string, at time.Time) error
	RecordAgentOffline(ctx context.Context, agentID string) error

	// Command history
	RecordCommandHistory(ctx context.Context, rec *CommandRecord) error
	ListCommandHistory(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error)

	Close() error
}
