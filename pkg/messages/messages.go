// Package messages renders the markdown the agent posts into chat rooms:
// plan announcements, approval requests and completion summaries. The chat
// front-end renders these verbatim, so the formats here mirror its
// templates, including the LOG_ID marker it parses to attach a "view log"
// control to approval messages.
package messages

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/steward/pkg/models"
)

// The front-end scans message bodies for this token to link an approval
// message to its approval_requested log. The log id doubles as the approval
// handle handed back to /api/perform.
const (
	markerPrefix = "vParley:LOG_ID:"
	markerSuffix = ":yelraPv"
)

const (
	closingAction = "\nPlease review and let me know if I can proceed with this action."
	closingTask   = "\nPlease review and let me know if I can proceed with this task."
	trustHint     = "\n*If you trust me, you can enable `TRUST MODE` for automatic approvals!* 💫\n"
)

// LogMarker renders the front-end token binding a message to a plan log.
func LogMarker(logID string) string {
	return markerPrefix + logID + markerSuffix
}

// NewChatMessage wraps rendered content in the bus envelope. The id is
// minted here; it is the delivery idempotency key on the socket client.
func NewChatMessage(agent models.User, roomID, content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Sender:    agent.ID,
		Content:   content,
		Avatar:    agent.Avatar,
		RoomID:    roomID,
		Mentions:  []string{},
	}
}

// PlanCreated announces a freshly synthesized plan with its id so room
// members can reference it later.
func PlanCreated(planName, planID, planOverview string) string {
	return fmt.Sprintf(
		"✅ A new plan %s has been created!\n\n"+
			"| **Detail** | **Value** |\n"+
			"|------------|----------|\n"+
			"| **Plan ID** | `%s` |\n"+
			"| **Plan Overview** | %s |\n\n"+
			"You can now review this plan or assign tasks to team members. "+
			"Refer to the Plan ID above for future reference.",
		planName, planID, planOverview)
}

// SkillApproval asks the room to approve one proposed tool invocation. Arg
// rows are sorted by name so the same skill always renders the same message.
func SkillApproval(skill models.Skill, logID string) string {
	action := strings.ReplaceAll(skill.Name, "_", " ")

	parts := []string{fmt.Sprintf("🔔 **I'd like to %s. May I proceed?**\n", action)}

	names := sortedArgNames(skill.Args)

	if len(names) > 0 {
		parts = append(parts, "\n**Args**:")

		var descRows []string
		for _, name := range names {
			if desc := skill.Args[name].Description; desc != "" {
				descRows = append(descRows, fmt.Sprintf("| %s | %s |", name, desc))
			}
		}
		if len(descRows) > 0 {
			parts = append(parts, "| Argument | Description |", "| --- | --- |")
			parts = append(parts, descRows...)
		}

		parts = append(parts, "\n| Argument | Value | Detail |", "| --- | --- | --- |")
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("| %s | `%s` | %s |", name, formatArgValue(skill.Args[name].Value), LogMarker(logID)))
		}
	}

	parts = append(parts, closingAction, trustHint)
	return strings.Join(parts, "\n")
}

// TaskApproval asks the room to approve one plan step together with the
// skills synthesized for it.
func TaskApproval(task models.Task, skills []models.Skill, logID string) string {
	parts := []string{fmt.Sprintf("🔔 **Task: %s. May I proceed?**\n", task.TaskName)}

	parts = append(parts, "**Task Details:**", "| Field | Value |", "| --- | --- |")
	if task.StepNumber > 0 {
		parts = append(parts, fmt.Sprintf("| Step | %d |", task.StepNumber))
	}
	if task.TaskExplanation != "" {
		parts = append(parts, fmt.Sprintf("| Explanation | %s |", task.TaskExplanation))
	}
	if task.ExpectedResult != "" {
		parts = append(parts, fmt.Sprintf("| Expected Result | %s |", task.ExpectedResult))
	}
	if task.MCPServer != "" {
		parts = append(parts, fmt.Sprintf("| MCP Server | `%s` |", task.MCPServer))
	}

	if len(skills) > 0 {
		parts = append(parts, "\n**Proposed Skills:**", "| Skill | Server |", "| --- | --- |")
		for _, skill := range skills {
			parts = append(parts, fmt.Sprintf("| %s | `%s` |", strings.ReplaceAll(skill.Name, "_", " "), skill.MCPServer))
		}
	}

	if logID != "" {
		parts = append(parts, "\n"+LogMarker(logID))
	}

	parts = append(parts, closingTask, trustHint)
	return strings.Join(parts, "\n")
}

// PlanSummary wraps the closing summary. The text arrives fully formed from
// the model; only stray whitespace is trimmed.
func PlanSummary(summary string) string {
	return strings.TrimSpace(summary)
}

func sortedArgNames(args map[string]models.SkillArg) []string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// formatArgValue renders an argument value for a table cell. Strings pass
// through; everything else takes its default Go rendering.
func formatArgValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
