package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parleyhq/steward/pkg/models"
)

// planSystemPrompt instructs the model to emit a strictly-JSON plan whose
// steps are assigned to the available assistants (MCP servers).
const planSystemPrompt = `You specialize in analyzing conversations and creating plans to solve general problems, and assigning tasks to appropriate assistants.
You will be given
    1. a conversation history
    2. additional context about the conversation
    3. a list of available assistants
    4. descriptions of assistants' capabilities

Analyze the problem from the conversation history, and create a plan with an overview.
If the problem is not clear, you can choose not to create a plan.

You must output the created plan in JSON format, with the following schema:
{
  "plan_name": <plan name>,
  "plan_overview": <plan overview>,
  "plan": {
    "step_1": {
      "name": <task name>,
      "assignee": <assigned assistant>,
      "explanation": <task explanation>,
      "expected_result": <expected result>
    },
    "step_2": {
      "name": <task name>,
      "assignee": <assigned assistant>,
      "explanation": <task explanation>,
      "expected_result": <expected result>
    },
    ...
  }
}`

// planUserTemplate is the plan synthesis user message.
// %s = conversation, %s = additional context, %s = assistant names,
// %s = assistant capabilities.
const planUserTemplate = `Conversations
%s

Additional Context
%s

Assistants
%s

Assistants and their capabilities
%s`

// skillSystemTemplate fronts the per-step skill synthesis call.
// %s = the raw description of the MCP server the step is assigned to.
const skillSystemTemplate = `%s
You work with a planner and other assistants to solve problems with your capabilities.
You will be given
    1. a plan
    2. the background information of the plan
    3. a task assigned to you
    4. the reason why this task is important for the plan
    5. the expectation of the task

Analyze the plan, understand your task, and use your capabilities to solve the task.`

// skillUserTemplate is the skill synthesis user message.
// %s = plan name, %s = plan overview, %s = background (formatted logs),
// %s = task name, %s = reason, %s = expectation.
const skillUserTemplate = `Plan:
%s
%s

Background Information:
%s

Assigned Task for you:
%s

Reason why this task is important for the plan:
%s

Expectation of the task:
%s`

// AdminSystemPrompt fronts the owner-directive call. The model answers with
// function calls against the admin server's tools, never with prose.
const AdminSystemPrompt = `You are an agent working with a chatroom's owner, helping them manage their chatroom.

You will be given
    1. a conversation history
    2. a chatroom's ID
    3. a chatroom's participant IDs
    4. an owner's message
    5. your administrative capabilities

Analyze the conversation history and the owner's message, and perform an administrative action if needed.
Remember to think fast, and act fast.`

// adminUserTemplate is the owner-directive user message.
// %s = conversation, %s = room id, %s = participants, %s = owner message,
// %s = capabilities.
const adminUserTemplate = `Conversation History
%s

Chatroom ID
%s

Chatroom Participants
%s

Owner's Message
%s

Your Administrative Capabilities
%s`

// summarySystemPrompt fronts the closing summary of a finished plan.
const summarySystemPrompt = `You summarize the outcome of completed plans for a chatroom audience.
You will be given
    1. the plan overview
    2. the context the plan was created from
    3. the execution logs of the plan

Write a short summary of what was done and what came out of it, in plain language.
Do not invent results that the logs do not show.`

// summaryUserTemplate is the summary user message.
// %s = plan overview, %s = plan context, %s = formatted logs.
const summaryUserTemplate = `Plan Overview
%s

Plan Context
%s

Logs
%s`

// PlanPromptInput carries the sections of the plan synthesis user message.
type PlanPromptInput struct {
	Conversation string // formatted room history with the summoning query appended
	Now          time.Time
	Assistants   []string // MCP server names the planner may assign steps to
	Capabilities string   // per-server descriptions, each with its tool bullets
}

// BuildPlanPrompt assembles the plan synthesis user message.
func BuildPlanPrompt(in PlanPromptInput) string {
	additional := "Current datetime: " + in.Now.Format(time.RFC3339)
	return fmt.Sprintf(planUserTemplate,
		in.Conversation,
		additional,
		strings.Join(in.Assistants, ", "),
		in.Capabilities,
	)
}

// SkillPromptInput carries the sections of the skill synthesis prompts for
// one task.
type SkillPromptInput struct {
	ServerDescription string // raw description of the assigned server, no tool bullets
	PlanName          string
	PlanOverview      string
	Background        string // formatted plan logs accumulated so far
	Task              string
	Reason            string
	Expectation       string
}

// BuildSkillSystemPrompt assembles the skill synthesis system message.
func BuildSkillSystemPrompt(in SkillPromptInput) string {
	return fmt.Sprintf(skillSystemTemplate, in.ServerDescription)
}

// BuildSkillUserPrompt assembles the skill synthesis user message.
func BuildSkillUserPrompt(in SkillPromptInput) string {
	return fmt.Sprintf(skillUserTemplate,
		in.PlanName,
		in.PlanOverview,
		in.Background,
		in.Task,
		in.Reason,
		in.Expectation,
	)
}

// AdminPromptInput carries the sections of the owner-directive user message.
type AdminPromptInput struct {
	Conversation string // formatted room history with sender usernames
	RoomID       string
	Participants []string // rendered "username (id)" entries for everyone in the room
	OwnerMessage string
	Capabilities string // the admin server's description with tool bullets
}

// BuildAdminPrompt assembles the owner-directive user message.
func BuildAdminPrompt(in AdminPromptInput) string {
	return fmt.Sprintf(adminUserTemplate,
		in.Conversation,
		in.RoomID,
		strings.Join(in.Participants, ", "),
		in.OwnerMessage,
		in.Capabilities,
	)
}

// SummaryInput carries the sections of the closing summary user message.
type SummaryInput struct {
	PlanOverview string
	PlanContext  string
	Logs         string // formatted plan logs
}

// BuildSummaryPrompt assembles the summary user message.
func BuildSummaryPrompt(in SummaryInput) string {
	return fmt.Sprintf(summaryUserTemplate, in.PlanOverview, in.PlanContext, in.Logs)
}

// FormatConversation renders normalized turns one per line for prompt use.
func FormatConversation(turns []models.ChatTurn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// FormatMessages renders raw room messages with their sender usernames, for
// prompts that need to know who said what.
func FormatMessages(msgs []models.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Sender+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// FormatPlanLogs renders a plan's log trail oldest first, one timestamped
// line per record. The result feeds both the background section of skill
// synthesis and the closing summary.
func FormatPlanLogs(logs []models.PlanLog) string {
	if len(logs) == 0 {
		return "No logs available for this plan."
	}

	sorted := make([]models.PlanLog, len(logs))
	copy(sorted, logs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	lines := make([]string, 0, len(sorted)+1)
	lines = append(lines, "**Logs**")
	for _, log := range sorted {
		lines = append(lines, fmt.Sprintf("[%s] %s", log.CreatedAt.Format(time.RFC3339), log.Content))
	}
	return strings.Join(lines, "\n")
}
