// ABOUTME: Gateway orchestrator that coordinates the HTTP server and background loops
// ABOUTME: Manages the session registry, correlator, liveness monitor, and store lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redsail/fleetgate/internal/auth"
	"github.com/redsail/fleetgate/internal/config"
	"github.com/redsail/fleetgate/internal/correlate"
	"github.com/redsail/fleetgate/internal/dispatch"
	"github.com/redsail/fleetgate/internal/liveness"
	"github.com/redsail/fleetgate/internal/session"
	"github.com/redsail/fleetgate/internal/store"
)

// Gateway orchestrates the fleetgate server components: the WebSocket
// endpoint agents connect to, the operator REST API, and the background
// liveness sweep.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *session.Registry
	correlator *correlate.Correlator
	engine     *dispatch.Engine
	monitor    *liveness.Monitor
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEETGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(logger.With("component", "registry"))
	correlator := correlate.New(cfg.Agents.ResultRetention, logger.With("component", "correlator"))
	engine := dispatch.NewEngine(registry, correlator, s, dispatch.Options{
		OfflineThreshold: cfg.Agents.OfflineThreshold,
		DefaultTimeout:   cfg.Agents.CommandTimeout,
	}, logger.With("component", "dispatch"))

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   registry,
		correlator: correlator,
		engine:     engine,
		logger:     logger.With("component", "gateway"),
	}

	gw.monitor = liveness.NewMonitor(registry, s, liveness.Options{
		SweepInterval:    cfg.Agents.SweepInterval,
		OfflineThreshold: cfg.Agents.OfflineThreshold,
	}, func(agentID, sessionID string) {
		engine.AbortSessionCommands(context.Background(), agentID, sessionID)
	}, logger.With("component", "liveness"))

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent connections authenticate via the register handshake, not JWT
	mux.HandleFunc("/ws/agent", gw.handleAgentWS)

	gw.registerAPIRoutes(mux, cfg, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) {
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier)

	mux.Handle("/api/agents", authMiddleware(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("/api/agents/", authMiddleware(http.HandlerFunc(g.handleAgentRoutes)))
	mux.Handle("/api/commands", authMiddleware(http.HandlerFunc(g.handleDispatchCommand)))
	mux.Handle("/api/commands/", authMiddleware(http.HandlerFunc(g.handleCommandStatus)))
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go g.monitor.Run(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// Closing every session wakes the agent read loops, which abort their
	// in-flight commands on the way out.
	for _, sess := range g.registry.Snapshot() {
		_ = sess.Close()
	}

	g.correlator.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
