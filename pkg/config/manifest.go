package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ServerConfig is one MCP server entry from the manifest. Path points at the
// server program (interpreter derived from its extension); Description points
// at a text file describing the server for the planner.
type ServerConfig struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// ServerManifest mirrors the MCP_SERVERS_JSON file:
// {"mcpServers": {"<name>": {"path": "...", "description": "..."}}}
type ServerManifest struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// MCPServerRegistry stores manifest entries in memory with thread-safe access
type MCPServerRegistry struct {
	servers map[string]*ServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a registry from manifest entries
func NewMCPServerRegistry(servers map[string]*ServerConfig) *MCPServerRegistry {
	return &MCPServerRegistry{
		servers: servers,
	}
}

// LoadManifest reads and validates the manifest file and builds the registry.
// An unreadable or invalid manifest is fatal to startup; callers exit non-zero.
func LoadManifest(path string) (*MCPServerRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest ServerManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if len(manifest.MCPServers) == 0 {
		return nil, fmt.Errorf("%w: %s: no servers declared", ErrInvalidManifest, path)
	}

	// Relative server paths resolve against the manifest's directory.
	base := filepath.Dir(path)
	servers := make(map[string]*ServerConfig, len(manifest.MCPServers))
	for name, cfg := range manifest.MCPServers {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: %s: server with empty name", ErrInvalidManifest, path)
		}
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: %s: server %q has no path", ErrInvalidManifest, path, name)
		}
		if cfg.Description == "" {
			return nil, fmt.Errorf("%w: %s: server %q has no description file", ErrInvalidManifest, path, name)
		}
		resolved := cfg
		if !filepath.IsAbs(resolved.Path) {
			resolved.Path = filepath.Join(base, resolved.Path)
		}
		if !filepath.IsAbs(resolved.Description) {
			resolved.Description = filepath.Join(base, resolved.Description)
		}
		servers[name] = &resolved
	}

	slog.Info("MCP server manifest loaded", "path", path, "servers", len(servers))
	return NewMCPServerRegistry(servers), nil
}

// Get retrieves a server configuration by name (thread-safe)
func (r *MCPServerRegistry) Get(name string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMCPServerNotFound, name)
	}
	return server, nil
}

// GetAll returns all server configurations (thread-safe, returns copy)
func (r *MCPServerRegistry) GetAll() map[string]*ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks if a server exists in the registry (thread-safe)
func (r *MCPServerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[name]
	return exists
}

// Names returns all server names in sorted order (thread-safe)
func (r *MCPServerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
