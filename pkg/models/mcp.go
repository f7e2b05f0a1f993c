package models

import "encoding/json"

// MCPTool is one capability advertised by an MCP server. InputSchema is a
// JSON Schema object with "properties" and optional "required".
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MCPServer is the runtime record of a spawned tool subprocess, as exposed
// by the get_servers endpoint. The live session handle stays inside the host.
type MCPServer struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tools       []MCPTool `json:"tools"`
}

// FunctionSpec is the LLM-facing projection of a tool
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionDescriptor wraps a FunctionSpec in the chat-completions tool shape:
// {"type":"function","function":{...}}
type FunctionDescriptor struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}
