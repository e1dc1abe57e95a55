// ABOUTME: Engine is the dispatch facade composing registry, correlator, codec, and store.
// ABOUTME: The only boundary the surrounding application calls into the session core.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redsail/fleetgate/internal/correlate"
	"github.com/redsail/fleetgate/internal/session"
	"github.com/redsail/fleetgate/internal/store"
	"github.com/redsail/fleetgate/internal/wire"
)

// ErrAgentNotConnected indicates no session existed for the agent at send
// time. Returned immediately; the core never retries.
var ErrAgentNotConnected = errors.New("agent not connected")

// Status is the derived liveness state of an agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Options tunes the engine.
type Options struct {
	// OfflineThreshold mirrors the liveness monitor's threshold; Status
	// derives online-ness from it rather than storing state redundantly.
	OfflineThreshold time.Duration

	// DefaultTimeout applies when a command is sent with no explicit
	// timeout.
	DefaultTimeout time.Duration
}

// Engine wires the session registry, command correlator, wire codec, and
// persistence hook together. It holds no mutable state of its own.
type Engine struct {
	registry   *session.Registry
	correlator *correlate.Correlator
	store      store.Store
	opts       Options
	logger     *slog.Logger
}

// NewEngine creates an Engine over the given components.
func NewEngine(registry *session.Registry, correlator *correlate.Correlator, s store.Store, opts Options, logger *slog.Logger) *Engine {
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Engine{
		registry:   registry,
		correlator: correlator,
		store:      s,
		opts:       opts,
		logger:     logger,
	}
}

// Registry exposes the session registry for components that need read
// access (liveness monitor wiring, readiness checks).
func (e *Engine) Registry() *session.Registry { return e.registry }

// RegisterAgent admits a session for the registering agent, persists its
// metadata, and sends the welcome frame. A prior session for the same
// agent id is taken over: its transport is closed and its in-flight
// commands aborted.
func (e *Engine) RegisterAgent(ctx context.Context, reg wire.Register, transport session.Transport) (*session.Session, error) {
	if reg.AgentID == "" {
		return nil, errors.New("agent_id is required")
	}

	sess, displaced := e.registry.Admit(reg.AgentID, session.Metadata{
		Hostname: reg.Hostname,
		IP:       reg.IP,
		OS:       reg.OS,
		Version:  reg.Version,
	}, transport)

	if displaced != nil {
		e.abortFor(ctx, displaced.AgentID, displaced.ID)
	}

	// Persistence is fire-and-forget: a write failure never rejects the
	// registration.
	if err := e.store.UpsertAgent(ctx, &store.Agent{
		ID:        reg.AgentID,
		Hostname:  reg.Hostname,
		IP:        reg.IP,
		OS:        reg.OS,
		Version:   reg.Version,
		Status:    store.AgentStatusOnline,
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	}); err != nil {
		e.logger.Error("persisting agent metadata failed", "agent_id", reg.AgentID, "error", err)
	}

	welcome, err := wire.Encode(wire.Welcome{AgentID: sess.AgentID, SessionID: sess.ID})
	if err != nil {
		return nil, err
	}
	if err := sess.Send(welcome); err != nil {
		// The connection died between admission and welcome; undo it.
		e.SessionClosed(ctx, sess)
		return nil, err
	}

	return sess, nil
}

// HandleFrame processes one raw inbound frame from the session's read
// loop. Decode failures are logged and swallowed; the connection survives
// a single bad frame. Any well-formed frame proves liveness.
func (e *Engine) HandleFrame(ctx context.Context, sess *session.Session, raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		e.logger.Warn("dropping malformed frame",
			"agent_id", sess.AgentID,
			"session_id", sess.ID,
			"error", err,
		)
		return
	}

	sess.Touch()

	switch f := frame.(type) {
	case wire.Heartbeat:
		e.handleHeartbeat(ctx, sess, f)

	case wire.CommandResult:
		e.handleCommandResult(ctx, sess, f)

	case wire.Pong:
		// Touch above already credited the activity.

	case wire.Register:
		// Registration happens once, before the read loop starts.
		e.logger.Warn("duplicate register frame ignored", "agent_id", sess.AgentID)

	case wire.Unknown:
		e.logger.Debug("ignoring unknown frame type",
			"agent_id", sess.AgentID,
			"type", f.TypeName,
		)

	default:
		e.logger.Warn("unexpected outbound frame from agent",
			"agent_id", sess.AgentID,
		)
	}
}

func (e *Engine) handleHeartbeat(ctx context.Context, sess *session.Session, hb wire.Heartbeat) {
	if hb.AgentID != "" && hb.AgentID != sess.AgentID {
		e.logger.Warn("heartbeat agent id mismatch",
			"session_agent_id", sess.AgentID,
			"frame_agent_id", hb.AgentID,
		)
		return
	}
	if err := e.store.RecordAgentSeen(ctx, sess.AgentID, time.Now()); err != nil {
		e.logger.Error("persisting heartbeat failed", "agent_id", sess.AgentID, "error", err)
	}
}

func (e *Engine) handleCommandResult(ctx context.Context, sess *session.Session, res wire.CommandResult) {
	cmd, ok := e.correlator.Resolve(res.CorrelationID, correlate.Result{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		DurationMs: res.DurationMs,
	})
	if !ok {
		// Late, duplicate, or post-takeover result: already logged by the
		// correlator, nothing to persist.
		return
	}

	e.logger.Debug("command result received",
		"agent_id", sess.AgentID,
		"correlation_id", res.CorrelationID,
		"success", res.Success,
	)
	e.recordHistory(ctx, cmd, correlate.StateCompleted, &correlate.Result{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		DurationMs: res.DurationMs,
	})
}

// SessionClosed is called by the transport read loop when a connection
// ends. Removal is guarded by session identity, so a superseded
// connection winding down cannot evict its takeover successor. When the
// removal takes effect, every command still pending against the session
// is aborted and the agent is persisted as offline.
func (e *Engine) SessionClosed(ctx context.Context, sess *session.Session) {
	if !e.registry.Remove(sess.AgentID, sess.ID) {
		return
	}

	e.abortFor(ctx, sess.AgentID, sess.ID)

	if err := e.store.RecordAgentOffline(ctx, sess.AgentID); err != nil {
		e.logger.Error("persisting offline status failed", "agent_id", sess.AgentID, "error", err)
	}
}

// AbortSessionCommands aborts in-flight commands for a session that was
// evicted outside the engine (liveness sweep) and records their history.
func (e *Engine) AbortSessionCommands(ctx context.Context, agentID, sessionID string) {
	e.abortFor(ctx, agentID, sessionID)
}

func (e *Engine) abortFor(ctx context.Context, agentID, sessionID string) {
	for _, cmd := range e.correlator.AbortSession(agentID, sessionID) {
		e.recordHistory(ctx, cmd, correlate.StateAborted, nil)
	}
}

// SendCommand dispatches a command and blocks until its result, timeout,
// or abort. Command-level outcomes come back as typed errors
// (ErrAgentNotConnected, correlate.ErrTimedOut, correlate.ErrAborted).
func (e *Engine) SendCommand(ctx context.Context, agentID, command string, timeout time.Duration) (correlate.Result, error) {
	handle, err := e.dispatch(agentID, command, timeout)
	if err != nil {
		return correlate.Result{}, err
	}
	res, err := e.correlator.Await(ctx, handle)
	if err != nil {
		e.recordTerminal(context.WithoutCancel(ctx), handle.CorrelationID, agentID, command, err)
		return correlate.Result{}, err
	}
	return res, nil
}

// SendCommandAsync dispatches a command and returns its correlation id for
// later polling via FetchResult.
func (e *Engine) SendCommandAsync(agentID, command string, timeout time.Duration) (string, error) {
	handle, err := e.dispatch(agentID, command, timeout)
	if err != nil {
		return "", err
	}
	return handle.CorrelationID, nil
}

// dispatch looks up the session, registers a pending command, and writes
// the command frame. No PendingCommand is created when the agent is not
// connected.
func (e *Engine) dispatch(agentID, command string, timeout time.Duration) (correlate.Handle, error) {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	sess, ok := e.registry.Lookup(agentID)
	if !ok {
		return correlate.Handle{}, ErrAgentNotConnected
	}

	handle := e.correlator.Track(agentID, sess.ID, command, timeout)

	frame, err := wire.Encode(wire.Command{
		CorrelationID:  handle.CorrelationID,
		Command:        command,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		e.correlator.Discard(handle.CorrelationID)
		return correlate.Handle{}, err
	}

	if err := sess.Send(frame); err != nil {
		// The transport died under us; fail fast rather than letting the
		// deadline expire. The agent never received the command, so the
		// entry is discarded rather than kept as aborted.
		e.correlator.Discard(handle.CorrelationID)
		e.logger.Warn("command write failed",
			"agent_id", agentID,
			"correlation_id", handle.CorrelationID,
			"error", err,
		)
		return correlate.Handle{}, ErrAgentNotConnected
	}

	e.logger.Debug("command dispatched",
		"agent_id", agentID,
		"correlation_id", handle.CorrelationID,
	)
	return handle, nil
}

// FetchResult is the issue-then-poll path. It returns the command's
// current snapshot; correlate.ErrNotFound covers unknown ids and entries
// past their retention window.
func (e *Engine) FetchResult(correlationID string) (correlate.Command, error) {
	return e.correlator.Poll(correlationID)
}

// AgentStatus derives the agent's liveness: online iff a session exists
// and its last heartbeat is inside the offline threshold.
func (e *Engine) AgentStatus(agentID string) Status {
	sess, ok := e.registry.Lookup(agentID)
	if !ok {
		return StatusOffline
	}
	if time.Since(sess.LastHeartbeat()) >= e.opts.OfflineThreshold {
		return StatusOffline
	}
	return StatusOnline
}

// recordTerminal persists history for timeout/abort outcomes observed on
// the synchronous path.
func (e *Engine) recordTerminal(ctx context.Context, correlationID, agentID, command string, cause error) {
	state := correlate.StateAborted
	if errors.Is(cause, correlate.ErrTimedOut) {
		state = correlate.StateTimedOut
	} else if !errors.Is(cause, correlate.ErrAborted) {
		return // context cancellation; nothing worth persisting
	}

	e.recordHistory(ctx, correlate.Command{
		CorrelationID: correlationID,
		AgentID:       agentID,
		CommandText:   command,
		IssuedAt:      time.Now(),
	}, state, nil)
}

func (e *Engine) recordHistory(ctx context.Context, cmd correlate.Command, state correlate.State, result *correlate.Result) {
	rec := &store.CommandRecord{
		CorrelationID: cmd.CorrelationID,
		AgentID:       cmd.AgentID,
		Command:       cmd.CommandText,
		State:         state.String(),
		IssuedAt:      cmd.IssuedAt,
		CompletedAt:   time.Now(),
	}
	if result != nil {
		rec.Success = result.Success
		rec.Output = result.Output
		rec.Error = result.Error
		rec.DurationMs = result.DurationMs
	}

	if err := e.store.RecordCommandHistory(ctx, rec); err != nil {
		e.logger.Error("persisting command history failed",
			"correlation_id", cmd.CorrelationID,
			"error", err,
		)
	}
}
