// Package planner turns a room summons into a persisted plan. It snapshots
// the room conversation, asks the LLM for a plan draft, stores the plan with
// its birth log, derives one task per actionable step, and announces the
// result back into the room.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/messages"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/socket"
)

const (
	// historyLimit caps how much room history seeds a plan's context.
	historyLimit = 100

	// mentionToken summons the agent in chat. It is stripped from the query
	// before planning because it marks who was asked, not what was asked.
	mentionToken = "@agent"
)

// nullPlanName is the draft name the LLM uses when a conversation needs no
// plan. Such plans are recorded for the audit trail and complete immediately.
const nullPlanName = "null_plan"

// Planner handles create_plan requests end to end.
type Planner struct {
	store    *persist.Client
	gateway  *llm.Gateway
	catalog  *catalog.Catalog
	bypasser *llm.Bypasser
	bus      *socket.Client
	agent    models.User
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New wires a planner. bypasser may be nil when no routing model is
// configured; every other dependency is required.
func New(store *persist.Client, gateway *llm.Gateway, cat *catalog.Catalog, bypasser *llm.Bypasser, bus *socket.Client, agent models.User, m *metrics.Metrics) *Planner {
	if store == nil {
		panic("planner.New: store must not be nil")
	}
	if gateway == nil {
		panic("planner.New: gateway must not be nil")
	}
	if cat == nil {
		panic("planner.New: catalog must not be nil")
	}
	if bus == nil {
		panic("planner.New: bus must not be nil")
	}
	if m == nil {
		panic("planner.New: metrics must not be nil")
	}
	return &Planner{
		store:    store,
		gateway:  gateway,
		catalog:  cat,
		bypasser: bypasser,
		bus:      bus,
		agent:    agent,
		metrics:  m,
		logger:   slog.Default().With("component", "planner"),
	}
}

// CreatePlan services one summons. The plan is always persisted, even when
// the draft carries no actionable steps; a plan without tasks completes on
// the spot with full progress so the room is never left waiting.
func (p *Planner) CreatePlan(ctx context.Context, req models.PlanRequest) error {
	history, err := p.store.GetMessages(ctx, req.RoomID, historyLimit)
	if err != nil {
		p.logger.Warn("Failed to fetch room history, planning without it",
			"room_id", req.RoomID, "error", err)
		history = nil
	}

	query := strings.TrimSpace(strings.ReplaceAll(req.Query, mentionToken, ""))
	turns := append(p.normalizeConversation(history), models.ChatTurn{Role: "user", Content: query})

	draft, err := p.synthesize(ctx, turns)
	if err != nil {
		p.metrics.PlanCreated("failed")
		return fmt.Errorf("synthesize plan for room %s: %w", req.RoomID, err)
	}

	plan := &models.Plan{
		ID:             uuid.NewString(),
		RoomID:         req.RoomID,
		PlanName:       draft.PlanName,
		PlanOverview:   draft.PlanOverview,
		Status:         models.PlanStatusCreated,
		Progress:       0,
		Assigner:       req.Assigner,
		Assignee:       req.Assignee,
		Logs:           []string{},
		Context:        models.PlanContext{Plan: draft.Raw, Conversations: turns, Query: query},
		NoSkillsNeeded: draft.NoToolsNeeded(),
	}

	created, err := p.store.CreatePlan(ctx, plan)
	if err != nil {
		p.metrics.PlanCreated("failed")
		return fmt.Errorf("persist plan: %w", err)
	}

	if err := p.recordBirth(ctx, created); err != nil {
		p.metrics.PlanCreated("failed")
		return err
	}

	p.announce(ctx, created)

	tasks := p.deriveTasks(ctx, draft, created.ID, turns)
	if len(tasks) == 0 {
		if err := p.completeEmpty(ctx, created.ID); err != nil {
			p.metrics.PlanCreated("failed")
			return err
		}
		p.metrics.PlanCreated("no_skills")
		p.logger.Info("Plan completed without tasks",
			"plan_id", created.ID, "plan_name", created.PlanName)
		return nil
	}

	if err := p.store.CreateTasks(ctx, created.ID, tasks); err != nil {
		p.metrics.PlanCreated("failed")
		return fmt.Errorf("persist tasks for plan %s: %w", created.ID, err)
	}

	p.metrics.PlanCreated("planned")
	p.logger.Info("Plan created",
		"plan_id", created.ID, "plan_name", created.PlanName, "tasks", len(tasks))
	return nil
}

// synthesize asks the LLM for a plan draft. A reply with no parseable plan
// degrades to a null plan rather than failing the request, so the room still
// gets a recorded outcome.
func (p *Planner) synthesize(ctx context.Context, turns []models.ChatTurn) (*llm.PlanDraft, error) {
	draft, err := p.gateway.SynthesizePlan(ctx, llm.PlanPromptInput{
		Conversation: llm.FormatConversation(turns),
		Now:          time.Now(),
		Assistants:   p.catalog.Names(),
		Capabilities: p.renderCapabilities(),
	})
	if errors.Is(err, llm.ErrNoPlan) || errors.Is(err, llm.ErrNoChoices) {
		p.logger.Warn("Plan synthesis unusable, degrading to a null plan", "error", err)
		return &llm.PlanDraft{
			PlanName:       nullPlanName,
			PlanOverview:   "No actionable plan could be derived from the conversation.",
			NoSkillsNeeded: true,
			Raw:            map[string]any{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// recordBirth writes the plan_created log and appends its id onto the plan.
func (p *Planner) recordBirth(ctx context.Context, plan *models.Plan) error {
	log, err := p.store.CreatePlanLog(ctx, &models.PlanLog{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Type:      models.LogTypePlanCreated,
		Content:   fmt.Sprintf("Plan **%s** has been created", plan.PlanName),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record plan_created log: %w", err)
	}
	if err := p.store.UpdatePlan(ctx, persist.PlanUpdate{PlanID: plan.ID, Logs: []string{log.ID}}); err != nil {
		return fmt.Errorf("attach plan_created log: %w", err)
	}
	return nil
}

// announce posts the plan card into the room as the assignee. Announcement
// failures are not fatal: the plan exists either way, and queued socket
// sends replay on reconnect.
func (p *Planner) announce(ctx context.Context, plan *models.Plan) {
	sender, err := p.store.GetUserByID(ctx, plan.Assignee)
	if err != nil {
		p.logger.Warn("Failed to resolve plan assignee, skipping announcement",
			"plan_id", plan.ID, "assignee", plan.Assignee, "error", err)
		return
	}

	msg := messages.NewChatMessage(*sender, plan.RoomID,
		messages.PlanCreated(plan.PlanName, plan.ID, plan.PlanOverview))
	if err := p.bus.SendMessage(ctx, msg); err != nil {
		p.logger.Warn("Plan announcement not delivered, queued for replay",
			"plan_id", plan.ID, "error", err)
	}
}

// completeEmpty closes out a plan that produced no tasks.
func (p *Planner) completeEmpty(ctx context.Context, planID string) error {
	progress := 100
	now := time.Now().UTC()
	err := p.store.UpdatePlan(ctx, persist.PlanUpdate{
		PlanID:      planID,
		Status:      models.PlanStatusSuccess,
		Progress:    &progress,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("complete empty plan %s: %w", planID, err)
	}
	return nil
}

// renderCapabilities lays out every server description with its tool
// bullets, one block per server, for the planning prompt.
func (p *Planner) renderCapabilities() string {
	blocks := make([]string, 0, len(p.catalog.Names()))
	for _, name := range p.catalog.Names() {
		rendered, err := p.catalog.DescriptionWithTools(name)
		if err != nil {
			continue
		}
		blocks = append(blocks, name+":\n"+rendered)
	}
	return strings.Join(blocks, "\n\n")
}

// normalizeConversation maps room history onto LLM chat turns. History
// arrives newest first and is kept that way; the agent's own messages become
// assistant turns, everyone else's stay user turns.
func (p *Planner) normalizeConversation(history []models.Message) []models.ChatTurn {
	turns := make([]models.ChatTurn, 0, len(history)+1)
	for _, msg := range history {
		role := "user"
		if msg.Sender == p.agent.ID || msg.Sender == p.agent.Username {
			role = "assistant"
		}
		turns = append(turns, models.ChatTurn{Role: role, Content: msg.Content})
	}
	return turns
}

// deriveTasks maps the draft's ordered steps onto tasks. Steps whose
// assignee is blank, "none", or unresolvable are skipped; surviving tasks
// are renumbered densely so execution can always advance by step_number+1.
func (p *Planner) deriveTasks(ctx context.Context, draft *llm.PlanDraft, planID string, turns []models.ChatTurn) []models.Task {
	if draft.NoToolsNeeded() {
		return nil
	}

	tasks := make([]models.Task, 0, len(draft.Steps))
	for i, os := range draft.OrderedSteps() {
		step := os.Step

		assignee := strings.TrimSpace(step.Assignee)
		if assignee == "" || strings.EqualFold(assignee, "none") {
			continue
		}
		if !p.catalog.Has(assignee) {
			resolved, ok := p.resolveAssignee(ctx, turns, step)
			if !ok {
				p.logger.Warn("Skipping step with unknown assignee",
					"plan_id", planID, "step", os.Key, "assignee", assignee)
				continue
			}
			assignee = resolved
		}

		name := strings.TrimSpace(step.Name)
		if name == "" {
			name = fmt.Sprintf("Step %d", i+1)
		}

		tasks = append(tasks, models.Task{
			PlanID:          planID,
			StepNumber:      len(tasks) + 1,
			TaskName:        name,
			TaskExplanation: step.Explanation,
			ExpectedResult:  step.ExpectedResult,
			MCPServer:       assignee,
			Skills:          []string{},
			Status:          models.TaskStatusNotStarted,
		})
	}
	return tasks
}

// resolveAssignee routes a step with an unknown assignee through the
// bypasser. The routed server must still exist in the catalog; anything
// else keeps the step skipped.
func (p *Planner) resolveAssignee(ctx context.Context, turns []models.ChatTurn, step llm.PlanStep) (string, bool) {
	if p.bypasser == nil {
		return "", false
	}

	query := step.Name
	if step.Explanation != "" {
		query += ": " + step.Explanation
	}

	server, err := p.bypasser.Select(ctx, llm.FormatConversation(turns), query)
	if err != nil {
		p.logger.Warn("Bypass routing failed", "step", step.Name, "error", err)
		return "", false
	}
	if !p.catalog.Has(server) {
		return "", false
	}
	return server, true
}
