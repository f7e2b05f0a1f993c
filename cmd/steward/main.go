// Steward orchestrator server — provides the HTTP API, runs the plan and
// admin queue workers, and drives approved skills through the MCP fabric.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/steward/pkg/admin"
	"github.com/parleyhq/steward/pkg/api"
	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/engine"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/mcp"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/planner"
	"github.com/parleyhq/steward/pkg/queue"
	"github.com/parleyhq/steward/pkg/socket"
	"github.com/parleyhq/steward/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to a .env file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting steward", "version", version.Full())

	ctx := context.Background()

	// 1. Load configuration and the MCP server manifest
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		slog.Error("Failed to load MCP server manifest", "path", cfg.ManifestPath, "error", err)
		os.Exit(1)
	}

	// 2. Spawn the MCP tool servers. A server that fails to start is
	// reported on /health; only a fabric with zero live servers is fatal.
	host := mcp.NewHost(registry)
	if err := host.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize MCP fabric", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := host.Close(); err != nil {
			slog.Error("Error closing MCP fabric", "error", err)
		}
	}()
	if failed := host.FailedServers(); len(failed) > 0 {
		slog.Warn("Some MCP servers failed to start", "failed_servers", failed)
	}

	// 3. Build the immutable tool catalog from the live sessions
	cat, err := catalog.Load(ctx, registry, host)
	if err != nil {
		slog.Error("Failed to load tool catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Tool catalog loaded", "servers", cat.Names())

	// 4. Metrics registry
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// 5. Persistence client and the agent's chat identity
	store := persist.NewClient(cfg.ClientURL)

	agent := models.User{ID: cfg.AgentUserID, Username: cfg.AgentUsername}
	if agent.ID == "" {
		resolved, err := store.GetUserByUsername(ctx, cfg.AgentUsername)
		if err != nil {
			slog.Warn("Could not resolve agent user, falling back to username as id",
				"username", cfg.AgentUsername, "error", err)
			agent.ID = cfg.AgentUsername
		} else {
			agent = *resolved
		}
	}
	slog.Info("Agent identity resolved", "user_id", agent.ID, "username", agent.Username)

	// 6. Connect the realtime bus. A failed first dial is not fatal: sends
	// attempt to reconnect and undeliverable messages replay after recovery.
	bus := socket.NewClient(cfg.SocketServerURL, agent.ID, m)
	if err := bus.Connect(ctx); err != nil {
		slog.Warn("Socket connect failed at startup, will keep retrying",
			"url", cfg.SocketServerURL, "error", err)
	}
	defer bus.Disconnect()

	// 7. LLM gateway and the optional routing bypasser
	gateway := llm.NewGateway(cfg.OpenAI, m)

	var bypasser *llm.Bypasser
	if cfg.Ollama.Configured() {
		bypasser, err = llm.NewBypasser(ctx, llm.NewOllama(cfg.Ollama), cat.Descriptions(), m)
		if err != nil {
			slog.Warn("Bypasser unavailable, unknown assignees will be dropped", "error", err)
			bypasser = nil
		}
	} else {
		slog.Info("Ollama not configured, assignee routing bypasser disabled")
	}

	// 8. Domain services
	eng := engine.New(store, gateway, cat, host, bus, agent, m)
	plans := planner.New(store, gateway, cat, bypasser, bus, agent, m)
	directives := admin.New(store, gateway, cat, bus, agent, cfg.AdminServer, cfg.AdminPlanGrouping, m)

	// 9. Queues and worker pools
	planQueue := queue.NewQueue[models.PlanRequest]("plan", m)
	adminQueue := queue.NewQueue[models.OwnerMessage]("admin", m)

	planPool := queue.NewPool(planQueue, cfg.PlanWorkers, plans.CreatePlan)
	adminPool := queue.NewPool(adminQueue, cfg.AdminWorkers, directives.Process)
	planPool.Start(ctx)
	adminPool.Start(ctx)

	// 10. HTTP server
	server := api.New(api.Deps{
		Performer:  eng,
		PlanQueue:  planQueue,
		AdminQueue: adminQueue,
		Catalog:    cat,
		Fabric:     host,
		Bus:        bus,
		Agent:      agent,
		Metrics:    m,
		Gatherer:   reg,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Steward started successfully",
		"plan_workers", cfg.PlanWorkers,
		"admin_workers", cfg.AdminWorkers,
		"mcp_servers", len(cat.Names()))

	// 11. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. HTTP first so nothing new lands in the
	// in-memory queues, then drain the in-flight workers.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		planPool.Stop()
		adminPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pools stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded with work still in flight")
	}

	slog.Info("Shutdown complete")
}
