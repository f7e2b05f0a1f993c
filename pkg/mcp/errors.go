package mcp

import "errors"

var (
	// ErrNoServersAvailable indicates that no MCP server in the manifest
	// could be started.
	ErrNoServersAvailable = errors.New("no MCP servers available")

	// ErrNoSession indicates an operation against a server with no live
	// session (never started, or failed at startup).
	ErrNoSession = errors.New("no session for server")

	// ErrUnsupportedServerType indicates a manifest entry whose script
	// extension has no known interpreter.
	ErrUnsupportedServerType = errors.New("unsupported MCP server type")
)
