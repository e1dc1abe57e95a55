// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent metadata and command history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS command_history (
			correlation_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			command TEXT NOT NULL,
			state TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			issued_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_command_history_agent_id
			ON command_history(agent_id, issued_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// UpsertAgent inserts or updates an agent's metadata. Registration always
// marks the agent online and refreshes last_seen.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, hostname, ip, os, version, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			os = excluded.os,
			version = excluded.version,
			status = excluded.status,
			last_seen = excluded.last_seen
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Hostname, agent.IP, agent.OS, agent.Version,
		agent.Status, agent.LastSeen, agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, hostname, ip, os, version, status, last_seen, created_at
		FROM agents WHERE id = ?
	`
	var a Agent
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Hostname, &a.IP, &a.OS, &a.Version, &a.Status, &lastSeen, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	if lastSeen.Valid {
		a.LastSeen = lastSeen.Time
	}
	return &a, nil
}

// ListAgents returns all known agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, hostname, ip, os, version, status, last_seen, created_at
		FROM agents ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Hostname, &a.IP, &a.OS, &a.Version, &a.Status, &lastSeen, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if lastSeen.Valid {
			a.LastSeen = lastSeen.Time
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// RecordAgentSeen updates an agent's last-seen timestamp and marks it online.
func (s *SQLiteStore) RecordAgentSeen(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ?, status = ? WHERE id = ?`,
		at, AgentStatusOnline, agentID,
	)
	if err != nil {
		return fmt.Errorf("recording agent seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAgentOffline marks an agent offline without touching last_seen.
func (s *SQLiteStore) RecordAgentOffline(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`,
		AgentStatusOffline, agentID,
	)
	if err != nil {
		return fmt.Errorf("recording agent offline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCommandHistory appends one command outcome to the history log.
func (s *SQLiteStore) RecordCommandHistory(ctx context.Context, rec *CommandRecord) error {
	query := `
		INSERT INTO command_history
			(correlation_id, agent_id, command, state, success, output, error, duration_ms, issued_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.AgentID, rec.Command, rec.State, rec.Success,
		rec.Output, rec.Error, rec.DurationMs, rec.IssuedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("recording command history: %w", err)
	}
	return nil
}

// ListCommandHistory returns the most recent command records for an agent,
// newest first.
func (s *SQLiteStore) ListCommandHistory(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT correlation_id, agent_id, command, state, success, output, error, duration_ms, issued_at, completed_at
		FROM command_history
		WHERE agent_id = ?
		ORDER BY issued_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing command history: %w", err)
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		var r CommandRecord
		if err := rows.Scan(&r.CorrelationID, &r.AgentID, &r.Command, &r.State, &r.Success,
			&r.Output, &r.Error, &r.DurationMs, &r.IssuedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
