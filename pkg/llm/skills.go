package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/parleyhq/steward/pkg/mcp"
	"github.com/parleyhq/steward/pkg/models"
)

// SkillCall is one function call proposed by the model, with its arguments
// enriched from the tool's JSON schema.
type SkillCall struct {
	ToolName    string
	MCPServer   string
	Description string
	Args        map[string]models.SkillArg
}

// SynthesizeSkills asks the model to pick tools for one step. descriptors
// must be the catalog entries of the assigned server; tool choice is forced,
// so a response without a single function call is ErrNoToolCalls.
func (g *Gateway) SynthesizeSkills(ctx context.Context, system, user, server string, descriptors []models.FunctionDescriptor) ([]SkillCall, error) {
	resp, err := g.chat(ctx, "skills", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Tools:      openAITools(descriptors),
		ToolChoice: "required",
	})
	if err != nil {
		return nil, err
	}

	toolCalls := resp.Choices[0].Message.ToolCalls
	if len(toolCalls) == 0 {
		return nil, ErrNoToolCalls
	}

	calls := make([]SkillCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.Type != openai.ToolTypeFunction {
			continue
		}

		args, err := mcp.ParseToolArguments(tc.Function.Arguments)
		if err != nil {
			g.logger.Warn("dropping tool call with unusable arguments",
				"tool", tc.Function.Name,
				"error", err)
			continue
		}

		description, schema := lookupTool(descriptors, tc.Function.Name)
		calls = append(calls, SkillCall{
			ToolName:    tc.Function.Name,
			MCPServer:   server,
			Description: description,
			Args:        enrichArgs(args, schema),
		})
	}

	if len(calls) == 0 {
		return nil, ErrNoToolCalls
	}
	return calls, nil
}

// openAITools projects catalog descriptors into the chat-completions tool
// shape. Parameters stay as raw JSON; the encoder passes them through.
func openAITools(descriptors []models.FunctionDescriptor) []openai.Tool {
	tools := make([]openai.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Function.Name,
				Description: d.Function.Description,
				Parameters:  d.Function.Parameters,
			},
		})
	}
	return tools
}

// lookupTool finds a tool's description and input schema among the
// descriptors handed to the model. A model hallucinating an unknown tool
// name gets empty metadata; its args are still recorded with inferred types.
func lookupTool(descriptors []models.FunctionDescriptor, name string) (string, json.RawMessage) {
	for _, d := range descriptors {
		if d.Function.Name == name {
			return d.Function.Description, d.Function.Parameters
		}
	}
	return "", nil
}

// schemaProperty is the slice of JSON Schema the enrichment needs.
type schemaProperty struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Items       *schemaProperty `json:"items"`
}

type toolSchema struct {
	Properties map[string]schemaProperty `json:"properties"`
}

// enrichArgs wraps each argument value with schema metadata. Arguments the
// schema declares get its type ("array[item]" for typed arrays), title and
// description; the rest get a type inferred from the value's native kind.
func enrichArgs(args map[string]any, schema json.RawMessage) map[string]models.SkillArg {
	var parsed toolSchema
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &parsed); err != nil {
			slog.Debug("tool schema not parseable, inferring all argument types", "error", err)
		}
	}

	enriched := make(map[string]models.SkillArg, len(args))
	for name, value := range args {
		arg := models.SkillArg{Value: value}
		if prop, ok := parsed.Properties[name]; ok {
			arg.Type = schemaType(prop)
			arg.Title = prop.Title
			arg.Description = prop.Description
		}
		if arg.Type == "" {
			arg.Type = inferKind(value)
		}
		enriched[name] = arg
	}
	return enriched
}

// schemaType renders a property's declared type, expanding typed arrays to
// "array[item]".
func schemaType(prop schemaProperty) string {
	if prop.Type == "array" && prop.Items != nil && prop.Items.Type != "" {
		return "array[" + prop.Items.Type + "]"
	}
	return prop.Type
}

// inferKind maps a decoded argument value to a schema-style type name.
// int64 appears when arguments came through the non-JSON parse cascade.
func inferKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
