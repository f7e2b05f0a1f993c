// Package admin services owner directives: privileged requests that skip
// planning entirely. The room owner's message goes straight to the LLM with
// the admin server's tools forced, and every proposed action is staged as an
// approvable skill in the room.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/messages"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/socket"
)

const (
	// historyLimit caps how much room history frames a directive.
	historyLimit = 100

	// idleTool is the admin tool the model calls when the directive needs
	// no action. A directive whose first action is idle is dropped whole.
	idleTool = "idle"
)

// Handler services ask_admin directives.
type Handler struct {
	store       *persist.Client
	gateway     *llm.Gateway
	catalog     *catalog.Catalog
	bus         *socket.Client
	agent       models.User
	adminServer string
	grouping    config.PlanGrouping
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New wires an admin handler. adminServer names the catalog entry whose
// tools back directives; grouping decides how actions without an explicit
// plan_id are bundled into plans.
func New(store *persist.Client, gateway *llm.Gateway, cat *catalog.Catalog, bus *socket.Client, agent models.User, adminServer string, grouping config.PlanGrouping, m *metrics.Metrics) *Handler {
	if store == nil {
		panic("admin.New: store must not be nil")
	}
	if gateway == nil {
		panic("admin.New: gateway must not be nil")
	}
	if cat == nil {
		panic("admin.New: catalog must not be nil")
	}
	if bus == nil {
		panic("admin.New: bus must not be nil")
	}
	if m == nil {
		panic("admin.New: metrics must not be nil")
	}
	return &Handler{
		store:       store,
		gateway:     gateway,
		catalog:     cat,
		bus:         bus,
		agent:       agent,
		adminServer: adminServer,
		grouping:    grouping,
		metrics:     m,
		logger:      slog.Default().With("component", "admin"),
	}
}

// Process turns one owner directive into approval-requested skills. Nothing
// executes here: each action becomes an immutable skill, an
// approval_requested log whose id is the approval handle, and an approval
// card in the room. Failures on one action never block the others.
func (h *Handler) Process(ctx context.Context, directive models.OwnerMessage) error {
	history, err := h.store.GetMessages(ctx, directive.RoomID, historyLimit)
	if err != nil {
		h.logger.Warn("Failed to fetch room history, proceeding without it",
			"room_id", directive.RoomID, "error", err)
		history = nil
	}

	participants, usernames := h.roomParticipants(ctx, directive.RoomID)

	descriptors, err := h.catalog.Descriptors(h.adminServer)
	if err != nil {
		h.metrics.AdminDirective("failed")
		return fmt.Errorf("admin catalog: %w", err)
	}
	capabilities, err := h.catalog.DescriptionWithTools(h.adminServer)
	if err != nil {
		h.metrics.AdminDirective("failed")
		return fmt.Errorf("admin catalog: %w", err)
	}

	user := llm.BuildAdminPrompt(llm.AdminPromptInput{
		Conversation: llm.FormatMessages(withUsernames(history, usernames)),
		RoomID:       directive.RoomID,
		Participants: participants,
		OwnerMessage: directive.OwnerMessage,
		Capabilities: capabilities,
	})

	actions, err := h.gateway.SynthesizeSkills(ctx, llm.AdminSystemPrompt, user, h.adminServer, descriptors)
	if errors.Is(err, llm.ErrNoToolCalls) {
		h.metrics.AdminDirective("empty")
		h.logger.Warn("Directive produced no actions", "room_id", directive.RoomID)
		return nil
	}
	if err != nil {
		h.metrics.AdminDirective("failed")
		return fmt.Errorf("synthesize admin actions: %w", err)
	}

	if actions[0].ToolName == idleTool {
		h.metrics.AdminDirective("idle")
		h.logger.Info("Directive needs no action", "room_id", directive.RoomID)
		return nil
	}

	// One shared id covers every action that names no plan of its own when
	// grouping is by directive.
	groupID := uuid.NewString()

	staged := 0
	for _, action := range actions {
		planID := h.actionPlanID(action, groupID)
		if err := h.requestApproval(ctx, directive.RoomID, planID, action); err != nil {
			h.logger.Error("Failed to stage action for approval",
				"action", action.ToolName, "plan_id", planID, "error", err)
			continue
		}
		staged++
	}

	h.metrics.AdminDirective("actioned")
	h.logger.Info("Directive staged for approval",
		"room_id", directive.RoomID, "actions", len(actions), "staged", staged)
	return nil
}

// actionPlanID picks the plan an action belongs to. An explicit plan_id
// argument always wins, whether the model sent it bare or wrapped in a
// {value} envelope; otherwise the grouping mode decides between the shared
// directive id and a fresh one per action.
func (h *Handler) actionPlanID(action llm.SkillCall, groupID string) string {
	if id, ok := planIDFromArgs(action.Args); ok {
		return id
	}
	if h.grouping == config.PlanGroupingGroup {
		return groupID
	}
	return uuid.NewString()
}

func planIDFromArgs(args map[string]models.SkillArg) (string, bool) {
	arg, ok := args["plan_id"]
	if !ok {
		return "", false
	}
	switch v := arg.Value.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		if s, ok := v["value"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// requestApproval persists one action as a skill, records the
// approval_requested log whose id doubles as the approval handle, and posts
// the approval card. An undelivered card is not an error; the send queue
// replays it.
func (h *Handler) requestApproval(ctx context.Context, roomID, planID string, action llm.SkillCall) error {
	now := time.Now().UTC()
	skill := models.Skill{
		Name:        action.ToolName,
		MCPServer:   action.MCPServer,
		Description: action.Description,
		Type:        models.SkillType,
		Args:        action.Args,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	skillID, err := h.store.CreateSkill(ctx, &skill)
	if err != nil {
		return fmt.Errorf("create skill %s: %w", action.ToolName, err)
	}
	skill.ID = skillID

	logID := uuid.NewString()
	_, err = h.store.CreatePlanLog(ctx, &models.PlanLog{
		ID:        logID,
		PlanID:    planID,
		SkillID:   &skillID,
		Type:      models.LogTypeApprovalRequested,
		Content:   fmt.Sprintf("Approval requested for action: %s", action.ToolName),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("create approval log for skill %s: %w", skillID, err)
	}

	msg := messages.NewChatMessage(h.agent, roomID, messages.SkillApproval(skill, logID))
	if err := h.bus.SendMessage(ctx, msg); err != nil {
		h.logger.Warn("Approval card not delivered, queued for replay",
			"log_id", logID, "error", err)
	}
	return nil
}

// roomParticipants resolves the room roster into rendered "username (id)"
// entries plus an id-to-username map for the conversation. A room that
// cannot be resolved just leaves the prompt without a roster.
func (h *Handler) roomParticipants(ctx context.Context, roomID string) ([]string, map[string]string) {
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		h.logger.Warn("Failed to resolve room roster", "room_id", roomID, "error", err)
		return nil, nil
	}
	if len(room.ActiveUsers) == 0 {
		return nil, nil
	}

	users, err := h.store.GetUsers(ctx, room.ActiveUsers)
	if err != nil {
		h.logger.Warn("Failed to resolve room roster", "room_id", roomID, "error", err)
		return nil, nil
	}

	rendered := make([]string, 0, len(users))
	byID := make(map[string]string, len(users))
	for _, u := range users {
		rendered = append(rendered, fmt.Sprintf("%s (%s)", u.Username, u.ID))
		byID[u.ID] = u.Username
	}
	return rendered, byID
}

// withUsernames swaps sender ids for usernames where the roster knows them,
// so the prompt reads as a human conversation.
func withUsernames(history []models.Message, usernames map[string]string) []models.Message {
	out := make([]models.Message, len(history))
	copy(out, history)
	for i := range out {
		if name, ok := usernames[out[i].Sender]; ok {
			out[i].Sender = name
		}
	}
	return out
}
