package mcp

import (
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// InjectSession wires a pre-connected MCP SDK session into the Host.
// Intended for test infrastructure that uses in-memory MCP servers and
// must bypass the real Initialize() subprocess path.
func (h *Host) InjectSession(server string, sdkClient *mcpsdk.Client, session *mcpsdk.ClientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[server] = session
	h.clients[server] = sdkClient
}
