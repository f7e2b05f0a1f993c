// Package engine serves approvals. An approval arrives as the log id of an
// approval_requested record; the engine resolves the skills behind it, runs
// them in parallel against their MCP servers, writes the execution trail,
// and drives the plan forward: skill synthesis and a fresh approval request
// while steps remain, an LLM-written summary once every task is done.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/mcp"
	"github.com/parleyhq/steward/pkg/messages"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/socket"
)

// Sentinel errors the HTTP layer maps onto client-fault statuses.
var (
	// ErrNotApprovable rejects a log id that does not reference an
	// approval_requested record.
	ErrNotApprovable = errors.New("log is not an approval request")

	// ErrApprovalConsumed rejects a log id that was already performed or is
	// being performed right now.
	ErrApprovalConsumed = errors.New("approval already consumed")

	// ErrTaskNotPending rejects an approval whose task has left the pending
	// state, typically because an earlier approval consumed it.
	ErrTaskNotPending = errors.New("task is not awaiting approval")

	// ErrNoSkills rejects an approval that references no skills at all.
	ErrNoSkills = errors.New("approval references no skills")
)

// Engine executes approved actions and advances their plans.
type Engine struct {
	store   *persist.Client
	gateway *llm.Gateway
	catalog *catalog.Catalog
	host    *mcp.Host
	bus     *socket.Client
	agent   models.User
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	taken map[string]struct{}
}

// New wires an engine. Every dependency is required.
func New(store *persist.Client, gateway *llm.Gateway, cat *catalog.Catalog, host *mcp.Host, bus *socket.Client, agent models.User, m *metrics.Metrics) *Engine {
	if store == nil {
		panic("engine.New: store must not be nil")
	}
	if gateway == nil {
		panic("engine.New: gateway must not be nil")
	}
	if cat == nil {
		panic("engine.New: catalog must not be nil")
	}
	if host == nil {
		panic("engine.New: host must not be nil")
	}
	if bus == nil {
		panic("engine.New: bus must not be nil")
	}
	if m == nil {
		panic("engine.New: metrics must not be nil")
	}
	return &Engine{
		store:   store,
		gateway: gateway,
		catalog: cat,
		host:    host,
		bus:     bus,
		agent:   agent,
		metrics: m,
		logger:  slog.Default().With("component", "engine"),
		taken:   make(map[string]struct{}),
	}
}

// Perform services one approval end to end and classifies the outcome for
// metrics. Rejections are the caller's fault: a bad or consumed log id, a
// log that is not an approval, or a task no longer waiting for one.
func (e *Engine) Perform(ctx context.Context, logID string) error {
	err := e.perform(ctx, logID)
	switch {
	case err == nil:
		e.metrics.Perform("success")
	case IsRejection(err):
		e.metrics.Perform("rejected")
	default:
		e.metrics.Perform("failure")
	}
	return err
}

// IsRejection reports whether err is the caller's fault rather than an
// execution failure. The HTTP front-end refines rejections into statuses.
func IsRejection(err error) bool {
	if errors.Is(err, ErrNotApprovable) ||
		errors.Is(err, ErrApprovalConsumed) ||
		errors.Is(err, ErrTaskNotPending) ||
		errors.Is(err, ErrNoSkills) {
		return true
	}
	var status *persist.StatusError
	return errors.As(err, &status) && status.NotFound()
}

func (e *Engine) perform(ctx context.Context, logID string) error {
	if !e.claim(logID) {
		return fmt.Errorf("perform log %s: %w", logID, ErrApprovalConsumed)
	}
	consumed := false
	defer func() {
		if !consumed {
			e.release(logID)
		}
	}()

	approval, err := e.store.GetPlanLog(ctx, logID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if approval.Type != models.LogTypeApprovalRequested {
		return fmt.Errorf("log %s is %s: %w", logID, approval.Type, ErrNotApprovable)
	}

	var task *models.Task
	if approval.TaskID != nil {
		task, err = e.store.GetTask(ctx, *approval.TaskID)
		if err != nil {
			return fmt.Errorf("resolve approved task: %w", err)
		}
		if task.Status != models.TaskStatusPending {
			return fmt.Errorf("task %s is %s: %w", task.ID, task.Status, ErrTaskNotPending)
		}
	}

	skills, err := e.resolveSkills(ctx, approval, task)
	if err != nil {
		return err
	}

	// State mutations start here. The approval stays consumed even if a
	// later step fails, matching the task's one-way exit from pending.
	consumed = true

	if task != nil {
		now := time.Now().UTC()
		update := persist.TaskUpdate{ID: task.ID, Status: models.TaskStatusRunning, StartTime: &now}
		if err := e.store.UpdateTask(ctx, update); err != nil {
			return fmt.Errorf("start task %s: %w", task.ID, err)
		}
	}

	results := e.execute(ctx, approval, task, skills)

	if task == nil {
		// Standalone admin actions have no task or plan lifecycle to drive.
		e.logger.Info("Performed standalone skills",
			"log_id", logID, "plan_id", approval.PlanID, "skills", len(skills))
		return nil
	}

	succeeded := true
	for _, r := range results {
		if r.IsError {
			succeeded = false
			break
		}
	}
	if err := e.closeTask(ctx, task, succeeded); err != nil {
		return err
	}

	tasks, err := e.store.GetTasks(ctx, approval.PlanID)
	if err != nil {
		return fmt.Errorf("recompute progress for plan %s: %w", approval.PlanID, err)
	}
	progress, status := settle(tasks)
	if err := e.updatePlan(ctx, approval.PlanID, progress, status); err != nil {
		return err
	}

	plan, err := e.store.GetPlanByID(ctx, approval.PlanID)
	if err != nil {
		return fmt.Errorf("reload plan %s: %w", approval.PlanID, err)
	}

	e.logger.Info("Task performed",
		"plan_id", plan.ID, "task_id", task.ID, "step", task.StepNumber,
		"succeeded", succeeded, "progress", progress)

	if progress == 100 {
		return e.finish(ctx, plan, status)
	}
	return e.advance(ctx, plan, tasks, task.StepNumber)
}

// claim reserves a log id for this perform. Once execution has begun the id
// stays reserved for the life of the process, so duplicate approvals get a
// conflict instead of a double run.
func (e *Engine) claim(logID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.taken[logID]; taken {
		return false
	}
	e.taken[logID] = struct{}{}
	return true
}

// release frees a reservation that never reached execution, so a rejected
// log id can be performed again once whatever blocked it is fixed.
func (e *Engine) release(logID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.taken, logID)
}

// resolveSkills loads the skill records behind an approval: the log's own
// skill when it carries one, otherwise everything attached to the task.
func (e *Engine) resolveSkills(ctx context.Context, approval *models.PlanLog, task *models.Task) ([]models.Skill, error) {
	var ids []string
	switch {
	case approval.SkillID != nil && *approval.SkillID != "":
		ids = []string{*approval.SkillID}
	case task != nil:
		ids = task.Skills
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("approval %s: %w", approval.ID, ErrNoSkills)
	}

	skills, err := e.store.GetSkills(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load skills for approval %s: %w", approval.ID, err)
	}
	if len(skills) == 0 {
		return nil, fmt.Errorf("approval %s: %w", approval.ID, ErrNoSkills)
	}
	return skills, nil
}

// execute runs every skill against its declared server, in parallel. Each
// invocation is bracketed by a performing_skill and a skill_executed log;
// results come back indexed so the trail matches the skill order.
func (e *Engine) execute(ctx context.Context, approval *models.PlanLog, task *models.Task, skills []models.Skill) []*mcp.Result {
	var taskID *string
	if task != nil {
		taskID = &task.ID
	}

	for _, skill := range skills {
		e.appendLog(ctx, &models.PlanLog{
			ID:        uuid.NewString(),
			PlanID:    approval.PlanID,
			TaskID:    taskID,
			SkillID:   &skill.ID,
			Type:      models.LogTypePerformingSkill,
			Content:   fmt.Sprintf("Skill %s started execution", skill.Name),
			CreatedAt: time.Now().UTC(),
		})
	}

	results := make([]*mcp.Result, len(skills))
	var wg sync.WaitGroup
	for i, skill := range skills {
		wg.Add(1)
		go func(i int, skill models.Skill) {
			defer wg.Done()
			started := time.Now()
			res := e.host.CallTool(ctx, skill.MCPServer, skill.Name, skill.PlainArgs())
			results[i] = res

			status := "success"
			if res.IsError {
				status = "error"
			}
			e.metrics.SkillExecuted(skill.MCPServer, status, time.Since(started))
		}(i, skill)
	}
	wg.Wait()

	for i, res := range results {
		skill := skills[i]
		e.appendLog(ctx, &models.PlanLog{
			ID:        uuid.NewString(),
			PlanID:    approval.PlanID,
			TaskID:    taskID,
			SkillID:   &skill.ID,
			Type:      models.LogTypeSkillExecuted,
			Content:   firstText(res),
			CreatedAt: time.Now().UTC(),
		})
	}
	return results
}

// appendLog writes one audit record. Trail writes are best-effort once
// execution has begun: losing a log line must not lose the run's outcome.
func (e *Engine) appendLog(ctx context.Context, record *models.PlanLog) {
	if _, err := e.store.CreatePlanLog(ctx, record); err != nil {
		e.logger.Warn("Failed to append plan log",
			"plan_id", record.PlanID, "type", record.Type, "error", err)
	}
}

// closeTask writes the task's final status.
func (e *Engine) closeTask(ctx context.Context, task *models.Task, succeeded bool) error {
	status := models.TaskStatusSuccess
	if !succeeded {
		status = models.TaskStatusFailed
	}
	now := time.Now().UTC()
	update := persist.TaskUpdate{ID: task.ID, Status: status, CompletedAt: &now}
	if err := e.store.UpdateTask(ctx, update); err != nil {
		return fmt.Errorf("close task %s as %s: %w", task.ID, status, err)
	}
	return nil
}

// settle derives the plan's progress and status from its tasks. The plan
// keeps running until every task is done; the final status is success only
// when no task failed.
func settle(tasks []models.Task) (int, models.PlanStatus) {
	progress := models.PlanProgress(tasks)
	if progress < 100 {
		return progress, models.PlanStatusRunning
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed {
			return progress, models.PlanStatusFailed
		}
	}
	return progress, models.PlanStatusSuccess
}

func (e *Engine) updatePlan(ctx context.Context, planID string, progress int, status models.PlanStatus) error {
	update := persist.PlanUpdate{PlanID: planID, Status: status, Progress: &progress}
	if status.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := e.store.UpdatePlan(ctx, update); err != nil {
		return fmt.Errorf("update plan %s progress: %w", planID, err)
	}
	return nil
}

// finish closes out a fully progressed plan: an LLM-written summary goes
// into the final log and back to the room. A summarization failure falls
// back to a stock closing line; the terminal status is already stored
// either way.
func (e *Engine) finish(ctx context.Context, plan *models.Plan, status models.PlanStatus) error {
	logs, err := e.store.GetPlanLogs(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("load trail for plan %s: %w", plan.ID, err)
	}

	summary := e.summarize(ctx, plan, status, logs)

	logType := models.LogTypePlanCompleted
	if status == models.PlanStatusFailed {
		logType = models.LogTypePlanFailed
	}
	e.appendLog(ctx, &models.PlanLog{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Type:      logType,
		Content:   summary,
		CreatedAt: time.Now().UTC(),
	})

	msg := messages.NewChatMessage(e.agent, plan.RoomID, messages.PlanSummary(summary))
	if err := e.bus.SendMessage(ctx, msg); err != nil {
		e.logger.Warn("Plan summary not delivered, queued for replay",
			"plan_id", plan.ID, "error", err)
	}

	e.logger.Info("Plan finished",
		"plan_id", plan.ID, "plan_name", plan.PlanName, "status", status)
	return nil
}

// summarize asks the model to wrap up the plan over its full log trail. The
// stored plan context rides along as JSON.
func (e *Engine) summarize(ctx context.Context, plan *models.Plan, status models.PlanStatus, logs []models.PlanLog) string {
	contextJSON, err := json.Marshal(plan.Context)
	if err != nil {
		contextJSON = nil
	}

	summary, err := e.gateway.SummarizePlan(ctx, llm.SummaryInput{
		PlanOverview: plan.PlanOverview,
		PlanContext:  string(contextJSON),
		Logs:         llm.FormatPlanLogs(logs),
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		e.logger.Warn("Plan summarization unusable, using the stock closing",
			"plan_id", plan.ID, "error", err)
		if status == models.PlanStatusFailed {
			return fmt.Sprintf("Plan %s failed", plan.PlanName)
		}
		return fmt.Sprintf("Plan %s is completed", plan.PlanName)
	}
	return summary
}

// advance stages the next step: skills are synthesized for its server,
// persisted, attached to the task, and offered to the room for approval.
func (e *Engine) advance(ctx context.Context, plan *models.Plan, tasks []models.Task, fromStep int) error {
	next := nextTask(tasks, fromStep+1)
	if next == nil {
		// Dense numbering makes this unreachable short of concurrent task
		// edits; the plan stays running and heals on the next perform.
		e.logger.Warn("No task at next step", "plan_id", plan.ID, "step", fromStep+1)
		return nil
	}

	logs, err := e.store.GetPlanLogs(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("load trail for plan %s: %w", plan.ID, err)
	}

	calls, err := e.synthesizeSkills(ctx, plan, tasks, next, logs)
	if err != nil {
		if errors.Is(err, llm.ErrNoToolCalls) || errors.Is(err, llm.ErrNoChoices) {
			e.stallAdvance(ctx, plan, next, err)
			return nil
		}
		return fmt.Errorf("synthesize skills for step %d of plan %s: %w", next.StepNumber, plan.ID, err)
	}

	skillIDs := make([]string, 0, len(calls))
	skills := make([]models.Skill, 0, len(calls))
	for _, call := range calls {
		now := time.Now().UTC()
		skill := models.Skill{
			Name:        call.ToolName,
			MCPServer:   call.MCPServer,
			Description: call.Description,
			Type:        models.SkillType,
			Args:        call.Args,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		id, err := e.store.CreateSkill(ctx, &skill)
		if err != nil {
			return fmt.Errorf("persist skill %s for plan %s: %w", call.ToolName, plan.ID, err)
		}
		skill.ID = id
		skillIDs = append(skillIDs, id)
		skills = append(skills, skill)
	}

	update := persist.TaskUpdate{ID: next.ID, Status: models.TaskStatusPending, Skills: skillIDs}
	if err := e.store.UpdateTask(ctx, update); err != nil {
		return fmt.Errorf("stage task %s: %w", next.ID, err)
	}

	approvalID := uuid.NewString()
	taskID := next.ID
	if _, err := e.store.CreatePlanLog(ctx, &models.PlanLog{
		ID:        approvalID,
		PlanID:    plan.ID,
		TaskID:    &taskID,
		Type:      models.LogTypeApprovalRequested,
		Content:   fmt.Sprintf("Task %s is ready for approval", next.TaskName),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record approval for task %s: %w", next.ID, err)
	}

	msg := messages.NewChatMessage(e.agent, plan.RoomID, messages.TaskApproval(*next, skills, approvalID))
	if err := e.bus.SendMessage(ctx, msg); err != nil {
		e.logger.Warn("Task approval not delivered, queued for replay",
			"plan_id", plan.ID, "task_id", next.ID, "error", err)
	}

	e.logger.Info("Advanced to next step",
		"plan_id", plan.ID, "step", next.StepNumber, "task", next.TaskName, "skills", len(skillIDs))
	return nil
}

// stallAdvance parks a step whose skill synthesis produced nothing usable.
// The task turns pending with no skills so the stall is visible in the plan
// view; an owner directive can attach skills to the plan from the admin
// side. The perform that got us here still succeeded.
func (e *Engine) stallAdvance(ctx context.Context, plan *models.Plan, next *models.Task, cause error) {
	update := persist.TaskUpdate{ID: next.ID, Status: models.TaskStatusPending}
	if err := e.store.UpdateTask(ctx, update); err != nil {
		e.logger.Error("Failed to park stalled task",
			"plan_id", plan.ID, "task_id", next.ID, "error", err)
		return
	}
	e.logger.Error("Skill synthesis stalled, task parked for manual intervention",
		"plan_id", plan.ID, "task_id", next.ID, "step", next.StepNumber, "error", cause)
}

// synthesizeSkills asks the model to choose tools for the next step. The
// user prompt carries the plan identity plus the background: the summoning
// conversation and what earlier steps produced.
func (e *Engine) synthesizeSkills(ctx context.Context, plan *models.Plan, tasks []models.Task, next *models.Task, logs []models.PlanLog) ([]llm.SkillCall, error) {
	descriptors, err := e.catalog.Descriptors(next.MCPServer)
	if err != nil {
		return nil, err
	}

	in := llm.SkillPromptInput{
		ServerDescription: e.catalog.Descriptions()[next.MCPServer],
		PlanName:          plan.PlanName,
		PlanOverview:      plan.PlanOverview,
		Background:        advanceBackground(plan, tasks, logs, next.StepNumber),
		Task:              next.TaskName,
		Reason:            next.TaskExplanation,
		Expectation:       next.ExpectedResult,
	}
	return e.gateway.SynthesizeSkills(ctx,
		llm.BuildSkillSystemPrompt(in), llm.BuildSkillUserPrompt(in),
		next.MCPServer, descriptors)
}

// advanceBackground renders the context for next-step synthesis: the
// summoning conversation as stored (most recent history first, the query
// last), then the trail of earlier steps, one "Step k:" line per log record
// in creation order.
func advanceBackground(plan *models.Plan, tasks []models.Task, logs []models.PlanLog, nextStep int) string {
	var sections []string

	if conv := llm.FormatConversation(plan.Context.Conversations); conv != "" {
		sections = append(sections, "**Conversation (most recent first)**\n"+conv)
	}

	steps := make(map[string]int, len(tasks))
	for _, t := range tasks {
		steps[t.ID] = t.StepNumber
	}

	sorted := make([]models.PlanLog, len(logs))
	copy(sorted, logs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var lines []string
	for _, lg := range sorted {
		if lg.TaskID == nil {
			continue
		}
		step, ok := steps[*lg.TaskID]
		if !ok || step >= nextStep {
			continue
		}
		lines = append(lines, fmt.Sprintf("Step %d: %s", step, lg.Content))
	}
	if len(lines) > 0 {
		sections = append(sections, "**Earlier steps**\n"+strings.Join(lines, "\n"))
	}

	if len(sections) == 0 {
		return "No background available for this plan."
	}
	return strings.Join(sections, "\n\n")
}

// nextTask finds the task at the given step number.
func nextTask(tasks []models.Task, step int) *models.Task {
	for i := range tasks {
		if tasks[i].StepNumber == step {
			return &tasks[i]
		}
	}
	return nil
}

// firstText extracts the leading text block of a result for the trail.
// Error results carry their failure description in the same slot.
func firstText(res *mcp.Result) string {
	if len(res.Content) > 0 {
		return res.Content[0]
	}
	return ""
}
