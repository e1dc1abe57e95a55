// ABOUTME: WebSocket endpoint for agent connections.
// ABOUTME: Handles the register handshake, the read loop, and server-side pings.

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redsail/fleetgate/internal/session"
	"github.com/redsail/fleetgate/internal/wire"
)

const (
	// registerTimeout bounds how long a fresh connection may sit silent
	// before sending its register frame.
	registerTimeout = 10 * time.Second

	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from arbitrary hosts, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the session.Transport
// interface. Gorilla connections allow one concurrent writer, so every
// write goes through the mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded"),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// handleAgentWS handles GET /ws/agent. The first frame on a new
// connection must be a register; after the handshake the connection is
// handed to the engine frame by frame until it drops.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	reg, err := readRegister(conn)
	if err != nil {
		g.logger.Warn("agent handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	if reg.IP == "" {
		reg.IP = r.RemoteAddr
	}

	transport := &wsTransport{conn: conn}
	sess, err := g.engine.RegisterAgent(r.Context(), reg, transport)
	if err != nil {
		g.logger.Warn("agent registration rejected", "agent_id", reg.AgentID, "error", err)
		_ = conn.Close()
		return
	}

	g.logger.Info("agent connected",
		"agent_id", sess.AgentID,
		"session_id", sess.ID,
		"remote", r.RemoteAddr,
	)

	pingDone := make(chan struct{})
	go g.pingLoop(sess, transport, pingDone)

	defer func() {
		close(pingDone)
		g.engine.SessionClosed(r.Context(), sess)
		_ = conn.Close()
		g.logger.Info("agent disconnected", "agent_id", sess.AgentID, "session_id", sess.ID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * g.config.Agents.OfflineThreshold))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("agent read error", "agent_id", sess.AgentID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * g.config.Agents.OfflineThreshold))
		g.engine.HandleFrame(r.Context(), sess, raw)
	}
}

// readRegister reads and validates the handshake frame.
func readRegister(conn *websocket.Conn) (wire.Register, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wire.Register{}, fmt.Errorf("reading register frame: %w", err)
	}

	frame, err := wire.Decode(raw)
	if err != nil {
		return wire.Register{}, fmt.Errorf("decoding register frame: %w", err)
	}
	reg, ok := frame.(wire.Register)
	if !ok {
		return wire.Register{}, errors.New("first frame must be register")
	}
	if reg.AgentID == "" {
		return wire.Register{}, errors.New("register frame missing agent_id")
	}
	return reg, nil
}

// pingLoop nudges the agent at the heartbeat interval so NAT mappings
// stay warm and half-open connections are detected by the write side.
func (g *Gateway) pingLoop(sess *session.Session, transport *wsTransport, done <-chan struct{}) {
	ping, err := wire.Encode(wire.Ping{})
	if err != nil {
		return
	}

	ticker := time.NewTicker(g.config.Agents.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if sess.Closed() {
				return
			}
			if err := transport.WriteFrame(ping); err != nil {
				return
			}
		}
	}
}
