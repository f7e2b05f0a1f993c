package mcp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/steward/pkg/config"
)

// createTransport builds a stdio transport for a manifest entry. The server
// script runs as a child process under the interpreter matching its file
// extension.
func createTransport(cfg *config.ServerConfig) (mcpsdk.Transport, error) {
	interpreter, err := interpreterFor(cfg.Path)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(interpreter, cfg.Path)

	// Inherit the parent environment so servers see the same credentials
	// and PATH the agent was started with.
	cmd.Env = os.Environ()

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// interpreterFor maps a server script path to the command that runs it.
func interpreterFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python", nil
	case ".js":
		return "node", nil
	default:
		return "", fmt.Errorf("%w: %q (supported: .py, .js)",
			ErrUnsupportedServerType, path)
	}
}
