// ABOUTME: Correlator matches asynchronous command result frames back to their issuers.
// ABOUTME: Owns all PendingCommand state; exactly one terminal transition per correlation id.

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Command-level outcomes surfaced to callers as typed errors.
var (
	ErrTimedOut = errors.New("command timed out")
	ErrAborted  = errors.New("command aborted: session lost")
	ErrNotFound = errors.New("correlation id not found")
)

// State is the lifecycle state of a pending command.
type State int

const (
	StatePending State = iota
	StateCompleted
	StateTimedOut
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is the payload of a completed command.
type Result struct {
	Success    bool
	Output     string
	Error      string
	DurationMs int64
}

// Command is a snapshot of a tracked command, returned alongside terminal
// transitions so callers can persist history without reaching into
// correlator internals.
type Command struct {
	CorrelationID string
	AgentID       string
	SessionID     string
	CommandText   string
	IssuedAt      time.Time
	Deadline      time.Time
	State         State
	Result        *Result
}

type pendingCommand struct {
	Command

	done    chan struct{}
	timer   *time.Timer
	settled time.Time // when a terminal state was reached
}

// Handle identifies one in-flight command.
type Handle struct {
	CorrelationID string
	done          <-chan struct{}
}

// Correlator tracks in-flight commands and resolves them when result
// frames arrive, deadlines pass, or owning sessions disappear. Terminal
// transitions are exclusive: the first event wins and later ones are
// logged no-ops.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*pendingCommand
	retention time.Duration
	logger    *slog.Logger
	done      chan struct{}
	closed    bool
}

// DefaultRetention bounds how long terminal entries stay fetchable on the
// asynchronous issue-then-poll path.
const DefaultRetention = 5 * time.Minute

// New creates a Correlator. Terminal entries that are never observed by a
// blocking waiter are dropped after the retention window by a background
// cleanup loop.
func New(retention time.Duration, logger *slog.Logger) *Correlator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	c := &Correlator{
		pending:   make(map[string]*pendingCommand),
		retention: retention,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Track registers a new pending command against the given session and arms
// its deadline timer. The returned handle's correlation id is unique and
// never reused.
func (c *Correlator) Track(agentID, sessionID, commandText string, timeout time.Duration) Handle {
	now := time.Now()
	pc := &pendingCommand{
		Command: Command{
			CorrelationID: uuid.New().String(),
			AgentID:       agentID,
			SessionID:     sessionID,
			CommandText:   commandText,
			IssuedAt:      now,
			Deadline:      now.Add(timeout),
			State:         StatePending,
		},
		done: make(chan struct{}),
	}
	pc.timer = time.AfterFunc(timeout, func() { c.expire(pc.CorrelationID) })

	c.mu.Lock()
	c.pending[pc.CorrelationID] = pc
	c.mu.Unlock()

	return Handle{CorrelationID: pc.CorrelationID, done: pc.done}
}

// Resolve transitions a pending command to Completed and wakes its waiter.
// Unknown, already-terminal, or duplicate correlation ids are logged
// no-ops, never errors surfaced to the agent. On success it returns a
// snapshot of the command for history persistence.
func (c *Correlator) Resolve(correlationID string, result Result) (Command, bool) {
	c.mu.Lock()
	pc, ok := c.pending[correlationID]
	if !ok || pc.State != StatePending {
		c.mu.Unlock()
		c.logger.Warn("dropping result for unknown or settled correlation id",
			"correlation_id", correlationID,
		)
		return Command{}, false
	}
	pc.timer.Stop()
	pc.State = StateCompleted
	pc.Result = &result
	pc.settled = time.Now()
	close(pc.done)
	snapshot := pc.Command
	c.mu.Unlock()

	return snapshot, true
}

// expire is the deadline path: Pending -> TimedOut.
func (c *Correlator) expire(correlationID string) {
	c.mu.Lock()
	pc, ok := c.pending[correlationID]
	if !ok || pc.State != StatePending {
		c.mu.Unlock()
		return
	}
	pc.State = StateTimedOut
	pc.settled = time.Now()
	close(pc.done)
	c.mu.Unlock()

	c.logger.Warn("command timed out",
		"correlation_id", correlationID,
		"agent_id", pc.AgentID,
	)
}

// Abort transitions a single pending command to Aborted. Idempotent.
func (c *Correlator) Abort(correlationID string) {
	c.mu.Lock()
	pc, ok := c.pending[correlationID]
	if !ok || pc.State != StatePending {
		c.mu.Unlock()
		return
	}
	pc.timer.Stop()
	pc.State = StateAborted
	pc.settled = time.Now()
	close(pc.done)
	c.mu.Unlock()
}

// Discard removes a tracked command outright, as if Track had never been
// called. Used when the command frame could not be written: the agent
// never saw it, so no aborted entry should linger for polling.
func (c *Correlator) Discard(correlationID string) {
	c.mu.Lock()
	pc, ok := c.pending[correlationID]
	if ok {
		pc.timer.Stop()
		if pc.State == StatePending {
			pc.State = StateAborted
			close(pc.done)
		}
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
}

// AbortSession aborts every command still pending against the given
// session. Connection loss is a faster, more specific failure than the
// deadline, so these waiters wake with Aborted before they would time out.
// Returns the snapshots of the aborted commands.
func (c *Correlator) AbortSession(agentID, sessionID string) []Command {
	now := time.Now()
	var aborted []Command

	c.mu.Lock()
	for _, pc := range c.pending {
		if pc.AgentID != agentID || pc.SessionID != sessionID || pc.State != StatePending {
			continue
		}
		pc.timer.Stop()
		pc.State = StateAborted
		pc.settled = now
		close(pc.done)
		aborted = append(aborted, pc.Command)
	}
	c.mu.Unlock()

	if len(aborted) > 0 {
		c.logger.Info("aborted in-flight commands for lost session",
			"agent_id", agentID,
			"session_id", sessionID,
			"count", len(aborted),
		)
	}
	return aborted
}

// Await blocks until the command reaches a terminal state or the context
// is canceled. The synchronous path: once the terminal state has been
// observed here, the entry is released immediately instead of lingering
// for the retention window.
func (c *Correlator) Await(ctx context.Context, h Handle) (Result, error) {
	select {
	case <-ctx.Done():
		c.Abort(h.CorrelationID)
		return Result{}, ctx.Err()
	case <-h.done:
	}

	c.mu.Lock()
	pc, ok := c.pending[h.CorrelationID]
	if !ok {
		c.mu.Unlock()
		return Result{}, ErrNotFound
	}
	delete(c.pending, h.CorrelationID)
	state := pc.State
	result := pc.Result
	c.mu.Unlock()

	switch state {
	case StateCompleted:
		return *result, nil
	case StateTimedOut:
		return Result{}, ErrTimedOut
	case StateAborted:
		return Result{}, ErrAborted
	default:
		return Result{}, ErrNotFound
	}
}

// Poll is the asynchronous issue-then-poll path. ErrNotFound covers both
// ids that never existed and terminal entries past their retention window.
func (c *Correlator) Poll(correlationID string) (Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[correlationID]
	if !ok {
		return Command{}, ErrNotFound
	}
	snapshot := pc.Command
	if pc.Result != nil {
		r := *pc.Result
		snapshot.Result = &r
	}
	return snapshot, nil
}

// PendingCount returns the number of entries still tracked, terminal or
// not. Used by tests to verify that failed sends create no entries.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// cleanup drops terminal entries older than the retention window.
func (c *Correlator) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired(time.Now())
		case <-c.done:
			return
		}
	}
}

func (c *Correlator) purgeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pc := range c.pending {
		if pc.State != StatePending && now.Sub(pc.settled) > c.retention {
			delete(c.pending, id)
		}
	}
}

// Close stops the cleanup loop. Safe to call more than once.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
