// Package dispatch composes the session registry, command correlator,
// wire codec, and persistence store behind a single facade.
//
// # Engine
//
// The Engine is the only entry point callers use to interact with
// connected agents. Transports hand it raw inbound frames; API handlers
// call SendCommand (blocking) or SendCommandAsync plus FetchResult
// (issue-then-poll). The Engine owns none of the state itself: sessions
// live in the registry, in-flight commands in the correlator, and
// durable records in the store.
//
// # Failure semantics
//
// Dispatching to a disconnected agent fails immediately with
// ErrAgentNotConnected and tracks nothing. Once a command is written to
// a live session, exactly one terminal outcome is produced for it:
// a result from the agent, a deadline timeout, or an abort when the
// owning session is lost. Persistence failures are logged and never
// block or reorder the in-memory state transitions.
package dispatch
