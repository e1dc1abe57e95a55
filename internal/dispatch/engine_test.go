// ABOUTME: Tests for the dispatch facade.
// ABOUTME: Covers registration, takeover routing, result correlation, and failure paths.

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsail/fleetgate/internal/correlate"
	"github.com/redsail/fleetgate/internal/session"
	"github.com/redsail/fleetgate/internal/store"
	"github.com/redsail/fleetgate/internal/wire"
)

// fakeTransport records written frames and can be told to fail writes.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return assert.AnError
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// decoded returns every written frame, decoded.
func (f *fakeTransport) decoded(t *testing.T) []wire.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, 0, len(f.frames))
	for _, raw := range f.frames {
		frame, err := wire.Decode(raw)
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

// commands returns only the command frames written so far, in order.
func (f *fakeTransport) commands(t *testing.T) []wire.Command {
	t.Helper()
	var out []wire.Command
	for _, frame := range f.decoded(t) {
		if cmd, ok := frame.(wire.Command); ok {
			out = append(out, cmd)
		}
	}
	return out
}

type engineFixture struct {
	engine     *Engine
	registry   *session.Registry
	correlator *correlate.Correlator
	store      *store.MockStore
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &engineFixture{
		registry:   session.NewRegistry(logger),
		correlator: correlate.New(time.Minute, logger),
		store:      store.NewMockStore(),
	}
	t.Cleanup(f.correlator.Close)
	f.engine = NewEngine(f.registry, f.correlator, f.store, Options{
		OfflineThreshold: time.Minute,
		DefaultTimeout:   5 * time.Second,
	}, logger)
	return f
}

func (f *engineFixture) register(t *testing.T, agentID string) (*session.Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	sess, err := f.engine.RegisterAgent(context.Background(), wire.Register{
		AgentID:  agentID,
		Hostname: "WIN-" + agentID,
		OS:       "Windows Server 2022",
		Version:  "1.0.0",
	}, transport)
	require.NoError(t, err)
	return sess, transport
}

// deliverResult feeds a command_result frame through the inbound path.
func (f *engineFixture) deliverResult(t *testing.T, sess *session.Session, correlationID, output string) {
	t.Helper()
	raw, err := wire.Encode(wire.CommandResult{
		CorrelationID: correlationID,
		Success:       true,
		Output:        output,
		DurationMs:    12,
	})
	require.NoError(t, err)
	f.engine.HandleFrame(context.Background(), sess, raw)
}

func TestRegisterSendsWelcomeAndPersists(t *testing.T) {
	f := newEngineFixture(t)
	sess, transport := f.register(t, "a1")

	frames := transport.decoded(t)
	require.Len(t, frames, 1)
	welcome, ok := frames[0].(wire.Welcome)
	require.True(t, ok, "first outbound frame must be the welcome")
	assert.Equal(t, "a1", welcome.AgentID)
	assert.Equal(t, sess.ID, welcome.SessionID)

	agent, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "WIN-a1", agent.Hostname)
	assert.Equal(t, store.AgentStatusOnline, agent.Status)
}

func TestRegisterRejectsEmptyAgentID(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.RegisterAgent(context.Background(), wire.Register{}, &fakeTransport{})
	assert.Error(t, err)
	assert.Equal(t, 0, f.registry.Len())
}

func TestSendCommandToDisconnectedAgent(t *testing.T) {
	f := newEngineFixture(t)

	// Fails immediately: no retries, no queueing, nothing tracked.
	start := time.Now()
	_, err := f.engine.SendCommand(context.Background(), "ghost", "Get-Date", time.Minute)
	assert.ErrorIs(t, err, ErrAgentNotConnected)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.correlator.PendingCount())
}

func TestSendCommandRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	sess, transport := f.register(t, "a1")

	// Respond to the command frame as the agent would.
	go func() {
		for {
			cmds := transport.commands(t)
			if len(cmds) > 0 {
				f.deliverResult(t, sess, cmds[0].CorrelationID, "PONG")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := f.engine.SendCommand(context.Background(), "a1", "Test-Connection", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "PONG", res.Output)

	// Completed commands land in history.
	records, err := f.store.ListCommandHistory(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "completed", records[0].State)
	assert.Equal(t, "Test-Connection", records[0].Command)
}

func TestConcurrentCommandsResolveIndependently(t *testing.T) {
	f := newEngineFixture(t)
	sess, transport := f.register(t, "a1")

	id1, err := f.engine.SendCommandAsync("a1", "Get-Process", time.Minute)
	require.NoError(t, err)
	id2, err := f.engine.SendCommandAsync("a1", "Get-Service", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2, "correlation ids must be unique")

	cmds := transport.commands(t)
	require.Len(t, cmds, 2)

	// Results arrive in reverse order; each reaches its own command.
	f.deliverResult(t, sess, id2, "services")
	f.deliverResult(t, sess, id1, "processes")

	cmd1, err := f.engine.FetchResult(id1)
	require.NoError(t, err)
	require.NotNil(t, cmd1.Result)
	assert.Equal(t, "processes", cmd1.Result.Output)

	cmd2, err := f.engine.FetchResult(id2)
	require.NoError(t, err)
	require.NotNil(t, cmd2.Result)
	assert.Equal(t, "services", cmd2.Result.Output)
}

func TestReconnectTakeoverRoutesThroughNewSession(t *testing.T) {
	f := newEngineFixture(t)
	_, oldTransport := f.register(t, "a1")

	id, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	require.NoError(t, err)

	// Same agent registers again before the old connection is reaped.
	newSess, newTransport := f.register(t, "a1")
	assert.True(t, oldTransport.isClosed(), "takeover must close the old transport")

	// The in-flight command against the old session was aborted.
	cmd, err := f.engine.FetchResult(id)
	require.NoError(t, err)
	assert.Equal(t, correlate.StateAborted, cmd.State)

	// New dispatches go out the new transport only.
	id2, err := f.engine.SendCommandAsync("a1", "Get-Uptime", time.Minute)
	require.NoError(t, err)
	require.Len(t, newTransport.commands(t), 1)
	assert.Len(t, oldTransport.commands(t), 1, "old transport must see no new commands")

	f.deliverResult(t, newSess, id2, "up 3 days")
	cmd2, err := f.engine.FetchResult(id2)
	require.NoError(t, err)
	assert.Equal(t, correlate.StateCompleted, cmd2.State)
}

func TestStaleSessionCloseDoesNotEvictTakeover(t *testing.T) {
	f := newEngineFixture(t)
	oldSess, _ := f.register(t, "a1")
	newSess, _ := f.register(t, "a1")

	// The old connection's read loop winds down after the takeover. Its
	// cleanup must not remove the new session or mark the agent offline.
	f.engine.SessionClosed(context.Background(), oldSess)

	got, ok := f.registry.Lookup("a1")
	require.True(t, ok)
	assert.Equal(t, newSess.ID, got.ID)
	assert.Empty(t, f.store.OfflineCalls())
}

func TestSessionClosedAbortsInFlightCommands(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")

	id, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	require.NoError(t, err)

	f.engine.SessionClosed(context.Background(), sess)

	cmd, err := f.engine.FetchResult(id)
	require.NoError(t, err)
	assert.Equal(t, correlate.StateAborted, cmd.State)

	agent, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, agent.Status)

	records, err := f.store.ListCommandHistory(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "aborted", records[0].State)
}

func TestUnknownCorrelationIDResultIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")

	id, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	require.NoError(t, err)

	// A result for an id this engine never issued: dropped, logged, and
	// invisible to the genuinely pending command.
	f.deliverResult(t, sess, "no-such-id", "stray")

	cmd, err := f.engine.FetchResult(id)
	require.NoError(t, err)
	assert.Equal(t, correlate.StatePending, cmd.State)

	records, err := f.store.ListCommandHistory(context.Background(), "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, records, "stray results must not be persisted")
}

func TestDuplicateResultIgnored(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")

	id, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	require.NoError(t, err)

	f.deliverResult(t, sess, id, "first")
	f.deliverResult(t, sess, id, "second")

	cmd, err := f.engine.FetchResult(id)
	require.NoError(t, err)
	require.NotNil(t, cmd.Result)
	assert.Equal(t, "first", cmd.Result.Output, "first terminal transition wins")

	records, err := f.store.ListCommandHistory(context.Background(), "a1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSendFailureDiscardsCommand(t *testing.T) {
	f := newEngineFixture(t)
	_, transport := f.register(t, "a1")
	transport.mu.Lock()
	transport.failWrites = true
	transport.mu.Unlock()

	_, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	assert.ErrorIs(t, err, ErrAgentNotConnected)
	assert.Equal(t, 0, f.correlator.PendingCount(), "failed sends must track nothing")
}

func TestMalformedFrameDoesNotKillHandling(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")

	f.engine.HandleFrame(context.Background(), sess, []byte(`{"type":`))
	f.engine.HandleFrame(context.Background(), sess, []byte(`{"payload":{}}`))

	// The session is still live and usable afterwards.
	_, err := f.engine.SendCommandAsync("a1", "Get-Date", time.Minute)
	assert.NoError(t, err)
}

func TestHeartbeatUpdatesStoreAndSession(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")
	before := sess.LastHeartbeat()

	time.Sleep(time.Millisecond)
	raw, err := json.Marshal(map[string]any{
		"type":    wire.TypeHeartbeat,
		"payload": map[string]any{"agent_id": "a1"},
	})
	require.NoError(t, err)
	f.engine.HandleFrame(context.Background(), sess, raw)

	assert.True(t, sess.LastHeartbeat().After(before))

	agent, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOnline, agent.Status)
}

func TestUnknownFrameTypeToleratedAndCountsAsActivity(t *testing.T) {
	f := newEngineFixture(t)
	sess, _ := f.register(t, "a1")
	before := sess.LastHeartbeat()

	time.Sleep(time.Millisecond)
	f.engine.HandleFrame(context.Background(), sess, []byte(`{"type":"telemetry_v2","payload":{"x":1}}`))

	assert.True(t, sess.LastHeartbeat().After(before), "unknown frames still prove liveness")
}

func TestCommandTimeoutRecordsHistory(t *testing.T) {
	f := newEngineFixture(t)
	f.register(t, "a1")

	_, err := f.engine.SendCommand(context.Background(), "a1", "Start-Sleep 99", 20*time.Millisecond)
	assert.ErrorIs(t, err, correlate.ErrTimedOut)

	records, err := f.store.ListCommandHistory(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "timed_out", records[0].State)
}

func TestAgentStatus(t *testing.T) {
	f := newEngineFixture(t)

	assert.Equal(t, StatusOffline, f.engine.AgentStatus("a1"))

	f.register(t, "a1")
	assert.Equal(t, StatusOnline, f.engine.AgentStatus("a1"))
}
