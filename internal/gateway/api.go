// ABOUTME: HTTP API handlers for the operator surface.
// ABOUTME: Exposes agent listing, command dispatch, and result polling as JSON endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redsail/fleetgate/internal/correlate"
	"github.com/redsail/fleetgate/internal/dispatch"
	"github.com/redsail/fleetgate/internal/store"
)

// DispatchCommandRequest is the JSON request body for POST /api/commands.
type DispatchCommandRequest struct {
	AgentID        string `json:"agent_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// Wait makes the request block until the command settles instead of
	// returning the correlation id immediately.
	Wait bool `json:"wait,omitempty"`
}

// CommandResponse is the JSON response for command dispatch and polling.
type CommandResponse struct {
	CorrelationID string `json:"correlation_id"`
	AgentID       string `json:"agent_id,omitempty"`
	State         string `json:"state"`
	Success       bool   `json:"success,omitempty"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}

// AgentResponse is the JSON response for agent listing and status.
type AgentResponse struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
	OS       string `json:"os,omitempty"`
	Version  string `json:"version,omitempty"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

// HistoryEntry is one element of the GET /api/agents/{id}/history response.
type HistoryEntry struct {
	CorrelationID string `json:"correlation_id"`
	Command       string `json:"command"`
	State         string `json:"state"`
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	IssuedAt      string `json:"issued_at"`
	CompletedAt   string `json:"completed_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func toAgentResponse(a *store.Agent, status dispatch.Status) AgentResponse {
	resp := AgentResponse{
		ID:       a.ID,
		Hostname: a.Hostname,
		IP:       a.IP,
		OS:       a.OS,
		Version:  a.Version,
		Status:   string(status),
	}
	if !a.LastSeen.IsZero() {
		resp.LastSeen = a.LastSeen.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleListAgents handles GET /api/agents requests. Known agents come
// from the store; their online/offline status is derived live from the
// session registry.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, toAgentResponse(a, g.engine.AgentStatus(a.ID)))
	}
	writeJSON(w, http.StatusOK, response)
}

// handleAgentRoutes dispatches GET /api/agents/{id}/status and
// GET /api/agents/{id}/history.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	agentID := parts[0]

	switch parts[1] {
	case "status":
		g.handleAgentStatus(w, r, agentID)
	case "history":
		g.handleAgentHistory(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleAgentStatus(w http.ResponseWriter, r *http.Request, agentID string) {
	a, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("fetching agent failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "fetching agent failed")
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(a, g.engine.AgentStatus(agentID)))
}

func (g *Gateway) handleAgentHistory(w http.ResponseWriter, r *http.Request, agentID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := g.store.ListCommandHistory(r.Context(), agentID, limit)
	if err != nil {
		g.logger.Error("listing history failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing history failed")
		return
	}

	response := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		response = append(response, HistoryEntry{
			CorrelationID: rec.CorrelationID,
			Command:       rec.Command,
			State:         rec.State,
			Success:       rec.Success,
			Output:        rec.Output,
			Error:         rec.Error,
			DurationMs:    rec.DurationMs,
			IssuedAt:      rec.IssuedAt.UTC().Format(time.RFC3339),
			CompletedAt:   rec.CompletedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleDispatchCommand handles POST /api/commands. With "wait" set the
// request blocks until the command settles; otherwise the correlation id
// comes back immediately for polling.
func (g *Gateway) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DispatchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "agent_id and command are required")
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	if !req.Wait {
		correlationID, err := g.engine.SendCommandAsync(req.AgentID, req.Command, timeout)
		if err != nil {
			g.writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, CommandResponse{
			CorrelationID: correlationID,
			AgentID:       req.AgentID,
			State:         correlate.StatePending.String(),
		})
		return
	}

	result, err := g.engine.SendCommand(r.Context(), req.AgentID, req.Command, timeout)
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{
		AgentID:    req.AgentID,
		State:      correlate.StateCompleted.String(),
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		DurationMs: result.DurationMs,
	})
}

// writeDispatchError maps command-level outcomes to HTTP status codes.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrAgentNotConnected):
		writeError(w, http.StatusConflict, "agent not connected")
	case errors.Is(err, correlate.ErrTimedOut):
		writeError(w, http.StatusGatewayTimeout, "command timed out")
	case errors.Is(err, correlate.ErrAborted):
		writeError(w, http.StatusBadGateway, "agent connection lost")
	default:
		g.logger.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
	}
}

// handleCommandStatus handles GET /api/commands/{correlation_id}.
func (g *Gateway) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	correlationID := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if correlationID == "" || strings.Contains(correlationID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	cmd, err := g.engine.FetchResult(correlationID)
	if err != nil {
		if errors.Is(err, correlate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown correlation id")
			return
		}
		g.logger.Error("fetching command failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "fetching command failed")
		return
	}

	resp := CommandResponse{
		CorrelationID: cmd.CorrelationID,
		AgentID:       cmd.AgentID,
		State:         cmd.State.String(),
	}
	if cmd.Result != nil {
		resp.Success = cmd.Result.Success
		resp.Output = cmd.Result.Output
		resp.Error = cmd.Result.Error
		resp.DurationMs = cmd.Result.DurationMs
	}
	writeJSON(w, http.StatusOK, resp)
}
