package persist

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/parleyhq/steward/pkg/models"
)

type planEnvelope struct {
	Plan models.Plan `json:"plan"`
}

type logEnvelope struct {
	Log models.PlanLog `json:"log"`
}

// PlanUpdate is a partial update for update_plan. Zero-valued optional
// fields are omitted from the request. Logs are appended to the plan's
// existing log list, not replaced.
type PlanUpdate struct {
	PlanID      string            `json:"plan_id"`
	Status      models.PlanStatus `json:"status,omitempty"`
	Progress    *int              `json:"progress,omitempty"`
	Logs        []string          `json:"logs,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// CreatePlan stores a new plan record and returns it as persisted, with
// service-assigned timestamps.
func (c *Client) CreatePlan(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	var env planEnvelope
	if err := c.post(ctx, "plan/create_plan", plan, &env); err != nil {
		return nil, fmt.Errorf("create plan %s: %w", plan.ID, err)
	}
	return &env.Plan, nil
}

// UpdatePlan applies a partial update to an existing plan.
func (c *Client) UpdatePlan(ctx context.Context, update PlanUpdate) error {
	if err := c.put(ctx, "plan/update_plan", update, nil); err != nil {
		return fmt.Errorf("update plan %s: %w", update.PlanID, err)
	}
	return nil
}

// GetPlanByID fetches one plan record.
func (c *Client) GetPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := c.get(ctx, "plan/get_plan_by_id", url.Values{"id": {id}}, &plan); err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return &plan, nil
}

// CreatePlanLog appends a log record to a plan's audit trail. The caller
// mints the log id: approval_requested ids double as the approval handle
// the UI posts back, so they must be known before the record exists.
func (c *Client) CreatePlanLog(ctx context.Context, log *models.PlanLog) (*models.PlanLog, error) {
	var env logEnvelope
	if err := c.post(ctx, "plan/create_plan_log", log, &env); err != nil {
		return nil, fmt.Errorf("create %s log for plan %s: %w", log.Type, log.PlanID, err)
	}
	return &env.Log, nil
}

// GetPlanLog fetches one log record by id.
func (c *Client) GetPlanLog(ctx context.Context, logID string) (*models.PlanLog, error) {
	var log models.PlanLog
	if err := c.get(ctx, "plan/get_plan_log", url.Values{"logId": {logID}}, &log); err != nil {
		return nil, fmt.Errorf("get plan log %s: %w", logID, err)
	}
	return &log, nil
}

// GetPlanLogs fetches every log record of a plan, newest first.
func (c *Client) GetPlanLogs(ctx context.Context, planID string) ([]models.PlanLog, error) {
	var logs []models.PlanLog
	if err := c.get(ctx, "plan/get_plan_log", url.Values{"planId": {planID}}, &logs); err != nil {
		return nil, fmt.Errorf("get logs for plan %s: %w", planID, err)
	}
	return logs, nil
}
