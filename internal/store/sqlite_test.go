// ABOUTME: Tests for the SQLite store implementation.
// ABOUTME: Runs against an in-memory database.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAgent(id string) *Agent {
	return &Agent{
		ID:        id,
		Hostname:  "WIN-" + id,
		IP:        "10.0.0.1",
		OS:        "Windows Server 2022",
		Version:   "1.0.0",
		Status:    AgentStatusOnline,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, testAgent("a1")))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "WIN-a1", got.Hostname)
	assert.Equal(t, AgentStatusOnline, got.Status)

	// Upserting again updates metadata in place.
	updated := testAgent("a1")
	updated.Version = "1.1.0"
	require.NoError(t, s.UpsertAgent(ctx, updated))

	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Version)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordSeenAndOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, testAgent("a1")))

	seenAt := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, s.RecordAgentSeen(ctx, "a1", seenAt))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusOnline, got.Status)
	assert.WithinDuration(t, seenAt, got.LastSeen, time.Second)

	require.NoError(t, s.RecordAgentOffline(ctx, "a1"))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusOffline, got.Status)
	assert.WithinDuration(t, seenAt, got.LastSeen, time.Second, "offline must not touch last_seen")

	assert.ErrorIs(t, s.RecordAgentSeen(ctx, "ghost", seenAt), ErrNotFound)
	assert.ErrorIs(t, s.RecordAgentOffline(ctx, "ghost"), ErrNotFound)
}

func TestCommandHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, testAgent("a1")))

	base := time.Now().UTC().Truncate(time.Second)
	for i, cid := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.RecordCommandHistory(ctx, &CommandRecord{
			CorrelationID: cid,
			AgentID:       "a1",
			Command:       "Get-Date",
			State:         "completed",
			Success:       true,
			Output:        "ok",
			DurationMs:    100,
			IssuedAt:      base.Add(time.Duration(i) * time.Second),
			CompletedAt:   base.Add(time.Duration(i+1) * time.Second),
		}))
	}

	records, err := s.ListCommandHistory(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c3", records[0].CorrelationID, "newest first")
	assert.Equal(t, "c2", records[1].CorrelationID)

	// Duplicate correlation ids are ignored, not an error.
	require.NoError(t, s.RecordCommandHistory(ctx, &CommandRecord{
		CorrelationID: "c1", AgentID: "a1", Command: "x", State: "completed",
		IssuedAt: base, CompletedAt: base,
	}))
	records, err = s.ListCommandHistory(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
