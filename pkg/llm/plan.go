package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// planTemperature keeps plan synthesis mildly creative.
const planTemperature = 0.7

// PlanStep is one step of a synthesized plan, assigned to one assistant.
type PlanStep struct {
	Name           string `json:"name"`
	Assignee       string `json:"assignee"`
	Explanation    string `json:"explanation"`
	ExpectedResult string `json:"expected_result"`
}

// PlanDraft is the model's answer to plan synthesis. Raw preserves the
// undeclared fields so the full plan JSON can be persisted as context.
type PlanDraft struct {
	PlanName       string              `json:"plan_name"`
	PlanOverview   string              `json:"plan_overview"`
	Steps          map[string]PlanStep `json:"plan"`
	NoSkillsNeeded bool                `json:"no_skills_needed"`

	Raw map[string]any `json:"-"`
}

// NoToolsNeeded reports whether the draft asks for no execution at all: no
// steps, an explicit no_skills_needed flag, or the null_plan sentinel name.
func (d *PlanDraft) NoToolsNeeded() bool {
	if len(d.Steps) == 0 || d.NoSkillsNeeded {
		return true
	}
	return strings.EqualFold(d.PlanName, "null_plan")
}

// OrderedStep pairs a step with its key in the plan object, so callers can
// walk steps in declaration order (step_1, step_2, ...).
type OrderedStep struct {
	Key  string
	Step PlanStep
}

// OrderedSteps returns the draft's steps sorted by key.
func (d *PlanDraft) OrderedSteps() []OrderedStep {
	keys := make([]string, 0, len(d.Steps))
	for k := range d.Steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	steps := make([]OrderedStep, 0, len(keys))
	for _, k := range keys {
		steps = append(steps, OrderedStep{Key: k, Step: d.Steps[k]})
	}
	return steps
}

// SynthesizePlan asks the model for a plan and parses the answer.
// Returns ErrNoPlan when the completion carries nothing parseable; callers
// degrade that to "no plan" rather than failing the summoning.
func (g *Gateway) SynthesizePlan(ctx context.Context, in PlanPromptInput) (*PlanDraft, error) {
	resp, err := g.chat(ctx, "plan", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: planSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPlanPrompt(in)},
		},
		Temperature: planTemperature,
	})
	if err != nil {
		return nil, err
	}

	body := resp.Choices[0].Message.Content
	draft, err := parsePlanDraft(body)
	if err != nil {
		g.logger.Warn("plan synthesis produced no parseable plan",
			"error", err,
			"body_length", len(body))
		return nil, err
	}
	return draft, nil
}

// parsePlanDraft extracts the JSON payload from a completion body and
// decodes it twice: once into the typed draft, once into the raw map kept
// for plan context.
func parsePlanDraft(body string) (*PlanDraft, error) {
	payload := extractJSON(body)

	var draft PlanDraft
	if err := json.Unmarshal([]byte(payload), &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	draft.Raw = raw

	if draft.PlanName == "" {
		draft.PlanName = "No plan name provided"
	}
	if draft.PlanOverview == "" {
		draft.PlanOverview = "No plan overview provided"
	}
	return &draft, nil
}

// extractJSON pulls the first fenced code block out of a completion body,
// falling back to the body itself when no fence is present.
func extractJSON(body string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(body, fence)
		if start < 0 {
			continue
		}
		rest := body[start+len(fence):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return strings.TrimSpace(body)
}
