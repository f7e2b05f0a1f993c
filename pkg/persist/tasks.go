package persist

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/parleyhq/steward/pkg/models"
)

// TaskUpdate is a partial update for update_task. Zero-valued optional
// fields are omitted from the request.
type TaskUpdate struct {
	ID          string            `json:"id"`
	Status      models.TaskStatus `json:"status,omitempty"`
	Skills      []string          `json:"skills,omitempty"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// CreateTasks stores a batch of tasks under one plan. The service rejects
// an empty batch; plans without tasks are auto-completed instead.
func (c *Client) CreateTasks(ctx context.Context, planID string, tasks []models.Task) error {
	body := map[string]any{"plan_id": planID, "tasks": tasks}

	if err := c.post(ctx, "plan/create_tasks", body, nil); err != nil {
		return fmt.Errorf("create %d tasks for plan %s: %w", len(tasks), planID, err)
	}
	return nil
}

// GetTasks fetches every task of a plan, ordered by step number.
func (c *Client) GetTasks(ctx context.Context, planID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.get(ctx, "plan/get_tasks", url.Values{"planId": {planID}}, &tasks); err != nil {
		return nil, fmt.Errorf("get tasks for plan %s: %w", planID, err)
	}
	return tasks, nil
}

// GetTask fetches one task record.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := c.get(ctx, "plan/get_task", url.Values{"taskId": {taskID}}, &task); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &task, nil
}

// UpdateTask applies a partial update to an existing task.
func (c *Client) UpdateTask(ctx context.Context, update TaskUpdate) error {
	if err := c.put(ctx, "plan/update_task", update, nil); err != nil {
		return fmt.Errorf("update task %s: %w", update.ID, err)
	}
	return nil
}
