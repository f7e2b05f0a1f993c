package models

import "time"

// SkillType is the only skill kind the chat product understands today.
const SkillType = "function"

// SkillArg is one named argument of a skill, enriched with schema metadata.
// Type comes from the tool's JSON schema when the parameter is declared
// there ("array[item]" for typed arrays), otherwise it is inferred from the
// value's native kind.
type SkillArg struct {
	Value       any    `json:"value"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Skill is a concrete tool-invocation proposal. Skills are immutable after
// creation; re-invoking with different values means creating a new skill.
type Skill struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"` // tool name on the MCP server
	MCPServer   string              `json:"mcp_server"`
	Description string              `json:"description"`
	Type        string              `json:"type"` // always "function"
	Args        map[string]SkillArg `json:"args"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PlainArgs strips the schema envelopes down to the bare name→value map
// an MCP server expects as call arguments.
func (s *Skill) PlainArgs() map[string]any {
	args := make(map[string]any, len(s.Args))
	for name, arg := range s.Args {
		args[name] = arg.Value
	}
	return args
}
