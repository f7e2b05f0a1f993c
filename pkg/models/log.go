package models

import "time"

// LogType defines the kinds of plan log records
type LogType string

const (
	// LogTypePlanCreated marks the birth of a plan
	LogTypePlanCreated LogType = "plan_created"
	// LogTypeApprovalRequested exposes an approvable action; its log id is
	// the handle the UI posts back to perform
	LogTypeApprovalRequested LogType = "approval_requested"
	// LogTypePerformingSkill marks the start of one skill invocation
	LogTypePerformingSkill LogType = "performing_skill"
	// LogTypeSkillExecuted carries a tool's textual response
	LogTypeSkillExecuted LogType = "skill_executed"
	// LogTypeTaskCompleted marks a task reaching a final status
	LogTypeTaskCompleted LogType = "task_completed"
	// LogTypePlanCompleted carries the final summary of a successful plan
	LogTypePlanCompleted LogType = "plan_completed"
	// LogTypePlanFailed carries the final summary of a failed plan
	LogTypePlanFailed LogType = "plan_failed"
)

// IsValid checks if the log type is valid
func (t LogType) IsValid() bool {
	switch t {
	case LogTypePlanCreated,
		LogTypeApprovalRequested,
		LogTypePerformingSkill,
		LogTypeSkillExecuted,
		LogTypeTaskCompleted,
		LogTypePlanCompleted,
		LogTypePlanFailed:
		return true
	default:
		return false
	}
}

// PlanLog is an append-only audit and control record. Logs are the only
// approved channel by which external actors trigger execution: approving a
// chat message posts the log id of an approval_requested record.
type PlanLog struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id"`
	TaskID    *string   `json:"task_id,omitempty"`
	SkillID   *string   `json:"skill_id,omitempty"`
	Type      LogType   `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
