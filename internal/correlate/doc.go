// Package correlate matches command result frames to the callers that
// issued the commands.
//
// Every dispatched command gets a fresh correlation id and a
// PendingCommand entry with its own deadline timer. Exactly one terminal
// transition is allowed per entry; the first of {result arrives, deadline
// passes, owning session destroyed} wins and later events are logged
// no-ops. Waiters rendezvous on a per-command channel that is closed on
// the terminal transition, so nothing busy-polls and nothing double-wakes.
//
// Two consumption paths exist. Await blocks the caller and releases the
// entry as soon as the terminal state is observed. Poll supports
// issue-then-fetch callers; entries on that path are kept for a bounded
// retention window after settling and then dropped by a background sweep,
// keeping memory bounded.
//
// The blocking wait never happens under the correlator lock: the lock
// covers only map mutation and state transitions.
package correlate
