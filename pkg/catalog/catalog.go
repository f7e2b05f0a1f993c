// Package catalog projects MCP servers into the shapes the planning layers
// consume: human descriptions, tool bullet lists, and LLM-facing function
// descriptors.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/models"
)

// ErrUnknownServer indicates a lookup against a server the catalog does not
// hold (not in the manifest, or failed to start).
var ErrUnknownServer = errors.New("unknown MCP server")

// emptyObjectSchema stands in for tools that declare no input schema; the
// chat-completions API requires parameters to be a JSON Schema object.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// ToolSource lists live servers and their tools. Satisfied by *mcp.Host.
type ToolSource interface {
	Servers() []string
	ListTools(ctx context.Context, server string) ([]*mcpsdk.Tool, error)
}

// Catalog holds per-server descriptions and tool projections.
// Built once at startup from live sessions and immutable afterwards, so
// reads need no locking.
type Catalog struct {
	servers     map[string]*models.MCPServer
	descriptors map[string][]models.FunctionDescriptor
	schemas     map[string]map[string]json.RawMessage
	rendered    map[string]string // server → description + tool bullets
}

// Load builds the catalog for every live server: the description text named
// by the manifest plus the tool list from the host. A server whose
// description file cannot be read is a startup error; the manifest promised
// it.
func Load(ctx context.Context, registry *config.MCPServerRegistry, source ToolSource) (*Catalog, error) {
	c := &Catalog{
		servers:     make(map[string]*models.MCPServer),
		descriptors: make(map[string][]models.FunctionDescriptor),
		schemas:     make(map[string]map[string]json.RawMessage),
		rendered:    make(map[string]string),
	}

	for _, name := range source.Servers() {
		serverCfg, err := registry.Get(name)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(serverCfg.Description)
		if err != nil {
			return nil, fmt.Errorf("read description for server %q: %w", name, err)
		}
		description := strings.TrimSpace(string(data))

		tools, err := source.ListTools(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list tools for server %q: %w", name, err)
		}

		server := &models.MCPServer{Name: name, Description: description}
		schemas := make(map[string]json.RawMessage, len(tools))
		descriptors := make([]models.FunctionDescriptor, 0, len(tools))
		for _, tool := range tools {
			schema := marshalSchema(tool.InputSchema)
			server.Tools = append(server.Tools, models.MCPTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
			schemas[tool.Name] = schema
			descriptors = append(descriptors, models.FunctionDescriptor{
				Type: models.SkillType,
				Function: models.FunctionSpec{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  schema,
				},
			})
		}

		c.servers[name] = server
		c.descriptors[name] = descriptors
		c.schemas[name] = schemas
		c.rendered[name] = renderDescription(description, server.Tools)

		slog.Info("Catalog loaded MCP server", "server", name, "tools", len(tools))
	}

	return c, nil
}

// Names returns the catalog's server names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the catalog holds the named server.
func (c *Catalog) Has(server string) bool {
	_, ok := c.servers[server]
	return ok
}

// Servers returns a copy of the full server map (name → description + tools).
func (c *Catalog) Servers() map[string]models.MCPServer {
	out := make(map[string]models.MCPServer, len(c.servers))
	for name, server := range c.servers {
		out[name] = *server
	}
	return out
}

// Descriptions returns the raw per-server description text.
func (c *Catalog) Descriptions() map[string]string {
	out := make(map[string]string, len(c.servers))
	for name, server := range c.servers {
		out[name] = server.Description
	}
	return out
}

// Descriptors returns the chat-completions tool definitions for a server.
func (c *Catalog) Descriptors(server string) ([]models.FunctionDescriptor, error) {
	descriptors, ok := c.descriptors[server]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	return descriptors, nil
}

// ToolSchema returns a tool's input schema.
func (c *Catalog) ToolSchema(server, tool string) (json.RawMessage, bool) {
	schemas, ok := c.schemas[server]
	if !ok {
		return nil, false
	}
	schema, ok := schemas[tool]
	return schema, ok
}

// ToolDescription returns a tool's description text.
func (c *Catalog) ToolDescription(server, tool string) (string, bool) {
	srv, ok := c.servers[server]
	if !ok {
		return "", false
	}
	for _, t := range srv.Tools {
		if t.Name == tool {
			return t.Description, true
		}
	}
	return "", false
}

// DescriptionWithTools returns the server description postfixed with a
// bullet list of its tools, as presented to the planner.
func (c *Catalog) DescriptionWithTools(server string) (string, error) {
	rendered, ok := c.rendered[server]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	return rendered, nil
}

// renderDescription appends "- name: first line of description" bullets.
func renderDescription(description string, tools []models.MCPTool) string {
	if len(tools) == 0 {
		return description
	}
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n")
	for _, tool := range tools {
		b.WriteString("- ")
		b.WriteString(tool.Name)
		b.WriteString(": ")
		b.WriteString(firstLine(tool.Description))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstLine returns the first non-empty line of a description.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// marshalSchema converts an SDK tool schema (held as any) to raw JSON.
// Tools without a schema get the empty object schema.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return emptyObjectSchema
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return emptyObjectSchema
	}
	return data
}
