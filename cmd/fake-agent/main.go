// ABOUTME: Fake agent for local development and manual testing
// ABOUTME: Connects over WebSocket, heartbeats, and echoes dispatched commands

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/redsail/fleetgate/internal/wire"
)

func main() {
	var (
		gatewayURL = flag.String("gateway", "ws://localhost:8080/ws/agent", "Gateway WebSocket URL")
		agentID    = flag.String("id", "", "Agent ID (random if empty)")
		hostname   = flag.String("hostname", "WIN-FAKE01", "Reported hostname")
		heartbeat  = flag.Duration("heartbeat", 15*time.Second, "Heartbeat interval")
		latency    = flag.Duration("latency", 500*time.Millisecond, "Simulated command latency")
	)
	flag.Parse()

	if *agentID == "" {
		*agentID = "fake-" + uuid.New().String()[:8]
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("agent_id", *agentID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for {
		if err := runOnce(ctx, logger, *gatewayURL, *agentID, *hostname, *heartbeat, *latency); err != nil {
			logger.Warn("connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-time.After(3 * time.Second):
			logger.Info("reconnecting")
		}
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, gatewayURL, agentID, hostname string, heartbeat, latency time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(f wire.Frame) error {
		raw, err := wire.Encode(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, raw)
	}

	if err := send(wire.Register{
		AgentID:  agentID,
		Hostname: hostname,
		OS:       "Windows Server 2022",
		Version:  "0.0.0-fake",
	}); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	// Expect the welcome before doing anything else.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading welcome: %w", err)
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding welcome: %w", err)
	}
	welcome, ok := frame.(wire.Welcome)
	if !ok {
		return fmt.Errorf("expected welcome, got %T", frame)
	}
	logger.Info("registered", "session_id", welcome.SessionID)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send(wire.Heartbeat{
					AgentID: agentID,
					Metrics: map[string]float64{
						"cpu_percent": 5 + rand.Float64()*20,
						"mem_percent": 30 + rand.Float64()*10,
					},
				}); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case wire.Command:
			logger.Info("executing command", "correlation_id", f.CorrelationID, "command", f.Command)
			go func() {
				time.Sleep(latency)
				_ = send(wire.CommandResult{
					CorrelationID: f.CorrelationID,
					Success:       true,
					Output:        fmt.Sprintf("(fake) executed: %s", f.Command),
					DurationMs:    latency.Milliseconds(),
				})
			}()
		case wire.Ping:
			_ = send(wire.Pong{})
		default:
			logger.Debug("ignoring frame", "type", fmt.Sprintf("%T", f))
		}
	}
}
