// Package session holds the live, in-memory state for connected agents.
//
// # Registry
//
// The Registry tracks at most one active Session per agent id:
//
//	reg := session.NewRegistry(logger)
//	sess, displaced := reg.Admit(agentID, meta, transport)
//
// Key operations:
//
//   - Admit(agentID, meta, transport): create/replace the agent's session
//   - Touch(agentID): record inbound activity
//   - Lookup(agentID): fetch the active session
//   - Remove(agentID, sessionID): unregister, guarded by session identity
//
// # Takeover
//
// Admitting a session for an agent that is already connected replaces the
// old session and closes its transport (last-writer-wins). The displaced
// session is returned so the caller can abort its in-flight commands.
// Because Remove compares session ids, the superseded connection's read
// loop cannot evict the newer session when it winds down.
//
// # Ownership
//
// The Registry exclusively owns Session objects; each Session exclusively
// owns its Transport and closes it exactly once. Nothing outside this
// package closes a transport directly.
package session
