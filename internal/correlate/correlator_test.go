// ABOUTME: Tests for command correlation and the PendingCommand state machine.
// ABOUTME: Covers resolve/timeout/abort exclusivity, polling, and retention cleanup.

package correlate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator(t *testing.T) *Correlator {
	t.Helper()
	c := New(time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Close)
	return c
}

func TestResolveWakesWaiter(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "Get-Date", time.Second)

	go func() {
		_, ok := c.Resolve(h.CorrelationID, Result{Success: true, Output: "Saturday", DurationMs: 12})
		if !ok {
			t.Error("resolve should succeed for a pending command")
		}
	}()

	res, err := c.Await(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Saturday", res.Output)

	// The synchronous path releases the entry once observed.
	assert.Equal(t, 0, c.PendingCount())
}

func TestAwaitTimesOutExactlyOnce(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "Get-Date", 30*time.Millisecond)

	_, err := c.Await(context.Background(), h)
	require.ErrorIs(t, err, ErrTimedOut)

	// A late result for the same id is ignored.
	_, ok := c.Resolve(h.CorrelationID, Result{Success: true})
	assert.False(t, ok, "late resolve after timeout must be a no-op")
}

func TestDoubleResolveIsNoOp(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "ipconfig", time.Second)

	_, first := c.Resolve(h.CorrelationID, Result{Success: true, Output: "one"})
	_, second := c.Resolve(h.CorrelationID, Result{Success: true, Output: "two"})
	require.True(t, first)
	require.False(t, second)

	res, err := c.Await(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "one", res.Output, "first resolution must win")
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "hostname", time.Second)

	_, ok := c.Resolve("no-such-id", Result{Success: true})
	assert.False(t, ok)

	// The stray result must not have touched the real pending command.
	cmd, err := c.Poll(h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, cmd.State)
}

func TestAbortSessionBeatsTimeout(t *testing.T) {
	c := newTestCorrelator(t)
	h1 := c.Track("agent-1", "sess-1", "cmd-a", 10*time.Second)
	h2 := c.Track("agent-1", "sess-1", "cmd-b", 10*time.Second)
	other := c.Track("agent-2", "sess-9", "cmd-c", 10*time.Second)

	start := time.Now()
	aborted := c.AbortSession("agent-1", "sess-1")
	require.Len(t, aborted, 2)

	for _, h := range []Handle{h1, h2} {
		_, err := c.Await(context.Background(), h)
		assert.ErrorIs(t, err, ErrAborted)
	}
	assert.Less(t, time.Since(start), time.Second, "abort must not wait for the deadline")

	// The other agent's command is untouched.
	cmd, err := c.Poll(other.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, cmd.State)
}

func TestAbortSessionIgnoresOtherSessionsOfSameAgent(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-new", "cmd", 10*time.Second)

	// Late cleanup from a superseded session must not abort commands
	// issued through the takeover session.
	aborted := c.AbortSession("agent-1", "sess-old")
	assert.Empty(t, aborted)

	cmd, err := c.Poll(h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, cmd.State)
}

func TestDiscardRemovesEntryOutright(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "cmd", time.Hour)

	c.Discard(h.CorrelationID)

	_, err := c.Poll(h.CorrelationID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.PendingCount())

	// Discarding twice, or an id that never existed, is harmless.
	c.Discard(h.CorrelationID)
	c.Discard("never-issued")
}

func TestDistinctCorrelationIDsAndReverseOrderResults(t *testing.T) {
	c := newTestCorrelator(t)
	h1 := c.Track("agent-1", "sess-1", "first", time.Second)
	h2 := c.Track("agent-1", "sess-1", "second", time.Second)
	require.NotEqual(t, h1.CorrelationID, h2.CorrelationID)

	// Results arrive in reverse send order; matching is by id only.
	_, ok := c.Resolve(h2.CorrelationID, Result{Success: true, Output: "for-second"})
	require.True(t, ok)
	_, ok = c.Resolve(h1.CorrelationID, Result{Success: true, Output: "for-first"})
	require.True(t, ok)

	r1, err := c.Await(context.Background(), h1)
	require.NoError(t, err)
	r2, err := c.Await(context.Background(), h2)
	require.NoError(t, err)
	assert.Equal(t, "for-first", r1.Output)
	assert.Equal(t, "for-second", r2.Output)
}

func TestPollLifecycle(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "Get-Process", time.Second)

	cmd, err := c.Poll(h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, cmd.State)
	assert.Nil(t, cmd.Result)

	c.Resolve(h.CorrelationID, Result{Success: true, Output: "42 processes"})

	cmd, err = c.Poll(h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, cmd.State)
	require.NotNil(t, cmd.Result)
	assert.Equal(t, "42 processes", cmd.Result.Output)

	_, err = c.Poll("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionPurgesSettledEntries(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "whoami", time.Second)
	c.Resolve(h.CorrelationID, Result{Success: true})

	// Still fetchable inside the window.
	c.purgeExpired(time.Now())
	_, err := c.Poll(h.CorrelationID)
	require.NoError(t, err)

	// Gone once the window has passed.
	c.purgeExpired(time.Now().Add(2 * time.Minute))
	_, err = c.Poll(h.CorrelationID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionNeverPurgesPending(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "slow", time.Hour)

	c.purgeExpired(time.Now().Add(24 * time.Hour))

	cmd, err := c.Poll(h.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, cmd.State)
}

func TestAwaitContextCancel(t *testing.T) {
	c := newTestCorrelator(t)
	h := c.Track("agent-1", "sess-1", "slow", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, h)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
