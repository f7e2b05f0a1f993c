package models

import "time"

// PlanStatus defines the lifecycle states of a plan
type PlanStatus string

const (
	// PlanStatusCreated is the initial state after plan synthesis
	PlanStatusCreated PlanStatus = "created"
	// PlanStatusRunning means at least one task has been performed
	PlanStatusRunning PlanStatus = "running"
	// PlanStatusSuccess means all tasks completed without failure
	PlanStatusSuccess PlanStatus = "success"
	// PlanStatusFailed means all tasks completed and at least one failed
	PlanStatusFailed PlanStatus = "failed"
)

// IsValid checks if the plan status is valid
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusCreated, PlanStatusRunning, PlanStatusSuccess, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusSuccess || s == PlanStatusFailed
}

// TaskStatus defines the lifecycle states of a task
type TaskStatus string

const (
	// TaskStatusNotStarted is the initial state; the task has no skills yet
	TaskStatusNotStarted TaskStatus = "not_started"
	// TaskStatusPending means skills exist and the task awaits approval
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning means an approval consumed the task and skills are executing
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSuccess means every skill executed without error
	TaskStatusSuccess TaskStatus = "success"
	// TaskStatusFailed means at least one skill reported an error
	TaskStatusFailed TaskStatus = "failed"
)

// IsValid checks if the task status is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusNotStarted, TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsDone reports whether the task counts toward plan progress
func (s TaskStatus) IsDone() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// ChatTurn is one normalized conversation turn handed to the LLM.
// Role is "user", "assistant" or "system".
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanContext is the opaque blob stored alongside a plan: the raw LLM plan
// JSON, the conversation it was derived from, and the summoning query.
type PlanContext struct {
	Plan          map[string]any `json:"plan"`
	Conversations []ChatTurn     `json:"conversations"`
	Query         string         `json:"query"`
}

// Plan represents one summoning of the agent
type Plan struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id"`
	PlanName       string      `json:"plan_name"`
	PlanOverview   string      `json:"plan_overview"`
	Status         PlanStatus  `json:"status"`
	Progress       int         `json:"progress"` // 0..100, computed from task completion
	Assigner       string      `json:"assigner"`
	Assignee       string      `json:"assignee"`
	Reviewer       *string     `json:"reviewer,omitempty"`
	Logs           []string    `json:"logs"`
	Context        PlanContext `json:"context"`
	NoSkillsNeeded bool        `json:"no_skills_needed,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Task is one step of a plan, bound to one MCP server. The id is minted by
// the persistence service on create, so it stays empty (and unserialized)
// in create_tasks payloads.
type Task struct {
	ID              string     `json:"id,omitempty"`
	PlanID          string     `json:"plan_id"`
	StepNumber      int        `json:"step_number"` // 1-based, unique per plan
	TaskName        string     `json:"task_name"`
	TaskExplanation string     `json:"task_explanation"`
	ExpectedResult  string     `json:"expected_result"`
	MCPServer       string     `json:"mcp_server"`
	Skills          []string   `json:"skills"` // ordered skill ids
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// PlanProgress computes plan progress from its tasks: the floor of the
// completed fraction scaled to 100. A plan with no tasks is complete.
func PlanProgress(tasks []Task) int {
	if len(tasks) == 0 {
		return 100
	}
	done := 0
	for _, t := range tasks {
		if t.Status.IsDone() {
			done++
		}
	}
	return done * 100 / len(tasks)
}
