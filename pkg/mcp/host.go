// Package mcp hosts MCP (Model Context Protocol) servers as child processes
// and exposes their tools to the planning and execution layers.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/version"
)

const (
	// InitTimeout bounds the subprocess spawn plus MCP initialize handshake
	// for a single server.
	InitTimeout = 30 * time.Second

	// ListTimeout bounds a tools/list request.
	ListTimeout = 30 * time.Second

	// CallTimeout bounds a single tool invocation. Skills wrap arbitrary
	// work (shell commands, remote APIs) so this is deliberately generous.
	CallTimeout = 120 * time.Second
)

// Host manages MCP SDK sessions for every server in the manifest.
// Sessions live for the whole process: servers are spawned once at startup
// and never restarted. Thread-safe: tools on distinct servers execute
// concurrently, calls to the same server are serialized.
type Host struct {
	registry *config.MCPServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession // server name → session
	clients       map[string]*mcpsdk.Client        // server name → client
	failedServers map[string]string                // server name → startup error

	// Tool cache (populated on first ListTools, never invalidated — servers
	// declare their tools once at startup; picking up new tools requires a
	// process restart anyway).
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex serializing CallTool: one stdio pipe, one request in
	// flight. Distinct servers are not affected by each other's calls.
	callMu sync.Map // server name → *sync.Mutex

	logger *slog.Logger
}

// NewHost creates a Host over the given manifest registry.
func NewHost(registry *config.MCPServerRegistry) *Host {
	if registry == nil {
		panic("mcp.NewHost: registry is required")
	}
	return &Host{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		clients:       make(map[string]*mcpsdk.Client),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default().With("component", "mcp"),
	}
}

// Initialize spawns every server in the manifest and performs the MCP
// handshake. A server that fails to start is recorded in FailedServers and
// skipped; the rest keep going. Returns an error only when no server at all
// came up, since an agent without tools cannot make progress.
func (h *Host) Initialize(ctx context.Context) error {
	names := h.registry.Names()
	for _, name := range names {
		if err := h.initializeServer(ctx, name); err != nil {
			h.mu.Lock()
			h.failedServers[name] = err.Error()
			h.mu.Unlock()
			h.logger.Warn("MCP server failed to start", "server", name, "error", err)
		}
	}

	h.mu.RLock()
	healthy := len(h.sessions)
	h.mu.RUnlock()

	if healthy == 0 && len(names) > 0 {
		return fmt.Errorf("%w: all %d configured servers failed to start",
			ErrNoServersAvailable, len(names))
	}
	return nil
}

// initializeServer spawns and connects a single server.
func (h *Host) initializeServer(ctx context.Context, name string) error {
	h.mu.RLock()
	if _, exists := h.sessions[name]; exists {
		h.mu.RUnlock()
		return nil
	}
	h.mu.RUnlock()

	serverCfg, err := h.registry.Get(name)
	if err != nil {
		return err
	}

	transport, err := createTransport(serverCfg)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so a half-started
		// child process does not leak.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", name, err)
	}

	h.mu.Lock()
	h.sessions[name] = session
	h.clients[name] = client
	delete(h.failedServers, name)
	h.mu.Unlock()

	h.logger.Info("MCP server connected", "server", name)
	return nil
}

// ListTools returns the tools declared by a server. Uses the cache after the
// first successful call.
func (h *Host) ListTools(ctx context.Context, server string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never acquire h.mu while holding toolCacheMu.
	h.toolCacheMu.RLock()
	if cached, ok := h.toolCache[server]; ok {
		h.toolCacheMu.RUnlock()
		return cached, nil
	}
	h.toolCacheMu.RUnlock()

	h.mu.RLock()
	session, exists := h.sessions[server]
	h.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, server)
	}

	opCtx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", server, err)
	}

	// Nil-guard before caching so cache hits never hand a nil slice back.
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	h.toolCacheMu.Lock()
	h.toolCache[server] = tools
	h.toolCacheMu.Unlock()

	return tools, nil
}

// ListAllTools returns tools from every connected server.
// Partial results are returned when some servers fail (failures are logged);
// an error is returned only when every server fails.
func (h *Host) ListAllTools(ctx context.Context) (map[string][]*mcpsdk.Tool, error) {
	servers := h.Servers()

	result := make(map[string][]*mcpsdk.Tool)
	var lastErr error
	for _, name := range servers {
		tools, err := h.ListTools(ctx, name)
		if err != nil {
			lastErr = err
			h.logger.Warn("Failed to list tools from MCP server",
				"server", name, "error", err)
			continue
		}
		result[name] = tools
	}

	if len(result) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all servers failed to list tools: %w", lastErr)
	}
	return result, nil
}

// CallTool executes a tool on the named server and always reports the
// outcome as a Result. Transport failures, timeouts, and unknown servers
// become IsError results carrying the failure text, so one broken skill
// never aborts the skills running next to it. There is no retry: a dead
// subprocess stays dead until the process restarts.
func (h *Host) CallTool(ctx context.Context, server, tool string, args map[string]any) *Result {
	h.mu.RLock()
	session, exists := h.sessions[server]
	h.mu.RUnlock()
	if !exists {
		return errorResult(fmt.Errorf("%w: %q", ErrNoSession, server))
	}

	// Serialize calls per server.
	muI, _ := h.callMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	res, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		h.logger.Warn("MCP tool call failed",
			"server", server, "tool", tool, "error", err)
		return errorResult(fmt.Errorf("call %s.%s: %w", server, tool, err))
	}
	return resultFromSDK(res)
}

// Close shuts down all sessions, which terminates the child processes.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}

	h.sessions = make(map[string]*mcpsdk.ClientSession)
	h.clients = make(map[string]*mcpsdk.Client)
	h.failedServers = make(map[string]string)

	// Lock ordering note: mu → toolCacheMu is safe here because no other
	// code path holds toolCacheMu while acquiring mu.
	h.toolCacheMu.Lock()
	h.toolCache = make(map[string][]*mcpsdk.Tool)
	h.toolCacheMu.Unlock()

	return firstErr
}

// HasSession reports whether a server has a live session.
func (h *Host) HasSession(server string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.sessions[server]
	return exists
}

// Servers returns the names of all servers with live sessions.
func (h *Host) Servers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	return names
}

// FailedServers returns a copy of the startup failures (server name → error).
func (h *Host) FailedServers() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]string, len(h.failedServers))
	for k, v := range h.failedServers {
		result[k] = v
	}
	return result
}
