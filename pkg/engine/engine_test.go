package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/mcp"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/socket"
)

const testAgentID = "agent-1"

// fakeStore is an in-memory stand-in for the persistence endpoints the
// engine touches. Updates are applied to the stored records, so follow-up
// reads observe them the way the real service would show them.
type fakeStore struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	plans       map[string]*models.Plan
	tasks       map[string]*models.Task
	skills      map[string]*models.Skill
	logs        []models.PlanLog
	planUpdates []persist.PlanUpdate
	taskUpdates []persist.TaskUpdate
	minted      int
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	fs := &fakeStore{
		t:      t,
		plans:  map[string]*models.Plan{},
		tasks:  map[string]*models.Task{},
		skills: map[string]*models.Skill{},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (f *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/plan/get_plan_log":
		if logID := r.URL.Query().Get("logId"); logID != "" {
			for _, log := range f.logs {
				if log.ID == logID {
					f.respond(w, log)
					return
				}
			}
			http.Error(w, `{"error":"log not found"}`, http.StatusNotFound)
			return
		}
		planID := r.URL.Query().Get("planId")
		trail := make([]models.PlanLog, 0, len(f.logs))
		for i := len(f.logs) - 1; i >= 0; i-- { // newest first, like the service
			if f.logs[i].PlanID == planID {
				trail = append(trail, f.logs[i])
			}
		}
		f.respond(w, trail)

	case "/api/plan/create_plan_log":
		var log models.PlanLog
		f.decode(r, &log)
		f.logs = append(f.logs, log)
		f.respond(w, map[string]any{"log": log})

	case "/api/plan/get_task":
		task, ok := f.tasks[r.URL.Query().Get("taskId")]
		if !ok {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		f.respond(w, task)

	case "/api/plan/get_tasks":
		planID := r.URL.Query().Get("planId")
		var tasks []models.Task
		for _, task := range f.tasks {
			if task.PlanID == planID {
				tasks = append(tasks, *task)
			}
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].StepNumber < tasks[j].StepNumber })
		f.respond(w, tasks)

	case "/api/plan/update_task":
		var update persist.TaskUpdate
		f.decode(r, &update)
		task, ok := f.tasks[update.ID]
		if !ok {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		if update.Status != "" {
			task.Status = update.Status
		}
		if update.Skills != nil {
			task.Skills = update.Skills
		}
		if update.StartTime != nil {
			task.StartTime = update.StartTime
		}
		if update.CompletedAt != nil {
			task.CompletedAt = update.CompletedAt
		}
		f.taskUpdates = append(f.taskUpdates, update)
		f.respond(w, map[string]any{"success": true})

	case "/api/plan/get_plan_by_id":
		plan, ok := f.plans[r.URL.Query().Get("id")]
		if !ok {
			http.Error(w, `{"error":"plan not found"}`, http.StatusNotFound)
			return
		}
		f.respond(w, plan)

	case "/api/plan/update_plan":
		var update persist.PlanUpdate
		f.decode(r, &update)
		plan, ok := f.plans[update.PlanID]
		if !ok {
			http.Error(w, `{"error":"plan not found"}`, http.StatusNotFound)
			return
		}
		if update.Status != "" {
			plan.Status = update.Status
		}
		if update.Progress != nil {
			plan.Progress = *update.Progress
		}
		if update.CompletedAt != nil {
			plan.CompletedAt = update.CompletedAt
		}
		f.planUpdates = append(f.planUpdates, update)
		f.respond(w, map[string]any{"success": true})

	case "/api/skill/get_skill":
		var req struct {
			IDs []string `json:"ids"`
		}
		f.decode(r, &req)
		skills := make([]models.Skill, 0, len(req.IDs))
		for _, id := range req.IDs {
			if skill, ok := f.skills[id]; ok {
				skills = append(skills, *skill)
			}
		}
		f.respond(w, map[string]any{"skills": skills})

	case "/api/skill/create_skill":
		var skill models.Skill
		f.decode(r, &skill)
		f.minted++
		skill.ID = fmt.Sprintf("skill-synth-%d", f.minted)
		f.skills[skill.ID] = &skill
		f.respond(w, map[string]any{"skill": skill})

	default:
		http.Error(w, `{"error":"unexpected path"}`, http.StatusNotFound)
	}
}

func (f *fakeStore) decode(r *http.Request, out any) {
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(out))
}

func (f *fakeStore) respond(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(f.t, json.NewEncoder(w).Encode(body))
}

func (f *fakeStore) seedPlan(plan models.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[plan.ID] = &plan
}

func (f *fakeStore) seedTask(task models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = &task
}

func (f *fakeStore) seedSkill(skill models.Skill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skills[skill.ID] = &skill
}

func (f *fakeStore) seedLog(log models.PlanLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
}

func (f *fakeStore) setTaskSkills(taskID string, skills []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].Skills = skills
}

func (f *fakeStore) task(id string) models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeStore) plan(id string) models.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.plans[id]
}

func (f *fakeStore) skill(id string) (models.Skill, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skill, ok := f.skills[id]
	if !ok {
		return models.Skill{}, false
	}
	return *skill, true
}

func (f *fakeStore) logsOfType(kind models.LogType) []models.PlanLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PlanLog
	for _, log := range f.logs {
		if log.Type == kind {
			out = append(out, log)
		}
	}
	return out
}

func (f *fakeStore) taskUpdatesSeen() []persist.TaskUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persist.TaskUpdate(nil), f.taskUpdates...)
}

func (f *fakeStore) planUpdatesSeen() []persist.PlanUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persist.PlanUpdate(nil), f.planUpdates...)
}

// wsSink accepts the agent's socket connection and records every frame.
type wsSink struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []sinkFrame
}

type sinkFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newWSSink(t *testing.T) *wsSink {
	t.Helper()
	s := &wsSink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame sinkFrame
			if json.Unmarshal(data, &frame) == nil {
				s.mu.Lock()
				s.frames = append(s.frames, frame)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsSink) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsSink) sentMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []models.Message
	for _, frame := range s.frames {
		if frame.Event != "message" {
			continue
		}
		var msg models.Message
		if json.Unmarshal(frame.Data, &msg) == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-tick.C:
		}
	}
}

type stubTools struct {
	tools map[string][]*mcpsdk.Tool
}

func (s *stubTools) Servers() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *stubTools) ListTools(_ context.Context, server string) ([]*mcpsdk.Tool, error) {
	return s.tools[server], nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()

	writeDesc := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	registry := config.NewMCPServerRegistry(map[string]*config.ServerConfig{
		"search": {
			Path:        filepath.Join(dir, "search.py"),
			Description: writeDesc("search.txt", "Searches the web."),
		},
		"files": {
			Path:        filepath.Join(dir, "files.py"),
			Description: writeDesc("files.txt", "Manages workspace files."),
		},
	})
	source := &stubTools{tools: map[string][]*mcpsdk.Tool{
		"search": {{Name: "web_search", Description: "Search the web for a query."}},
		"files": {{
			Name:        "write_file",
			Description: "Write a file.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","title":"File Path","description":"Where to write"},"text":{"type":"string"}},"required":["file_path","text"]}`),
		}},
	}}

	cat, err := catalog.Load(context.Background(), registry, source)
	require.NoError(t, err)
	return cat
}

// newTestHost builds an MCP host over in-memory servers, one per entry,
// bypassing the subprocess transport.
func newTestHost(t *testing.T, servers map[string]map[string]mcpsdk.ToolHandler) *mcp.Host {
	t.Helper()
	host := mcp.NewHost(config.NewMCPServerRegistry(nil))

	for name, tools := range servers {
		server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name + "-server", Version: "test"}, nil)
		for toolName, handler := range tools {
			server.AddTool(&mcpsdk.Tool{
				Name:        toolName,
				Description: "test tool: " + toolName,
				InputSchema: json.RawMessage(`{"type":"object"}`),
			}, handler)
		}

		clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
		go func() {
			_ = server.Run(context.Background(), serverTransport)
		}()

		client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "steward-test", Version: "test"}, nil)
		session, err := client.Connect(context.Background(), clientTransport, nil)
		require.NoError(t, err)
		host.InjectSession(name, client, session)
	}

	t.Cleanup(func() { _ = host.Close() })
	return host
}

func textToolResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorToolResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}
}

type fixture struct {
	engine  *Engine
	store   *fakeStore
	sink    *wsSink
	metrics *metrics.Metrics
}

// newFixture wires an engine against local fakes of everything it touches:
// the persistence API, the chat-completions endpoint, in-memory MCP servers
// and the socket bus.
func newFixture(t *testing.T, llmHandler http.HandlerFunc, servers map[string]map[string]mcpsdk.ToolHandler) *fixture {
	t.Helper()

	store := newFakeStore(t)
	sink := newWSSink(t)

	llmSrv := httptest.NewServer(llmHandler)
	t.Cleanup(llmSrv.Close)

	m := metrics.New(prometheus.NewRegistry())
	gateway := llm.NewGateway(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: llmSrv.URL,
		Model:   "test-model",
	}, m)

	bus := socket.NewClient(sink.url(), testAgentID, m)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(bus.Disconnect)

	agent := models.User{ID: testAgentID, Username: "agent", Avatar: "http://cdn/agent.png"}
	eng := New(persist.NewClient(store.srv.URL), gateway, testCatalog(t), newTestHost(t, servers), bus, agent, m)

	return &fixture{engine: eng, store: store, sink: sink, metrics: m}
}

func respondContent(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func respondToolCalls(t *testing.T, w http.ResponseWriter, calls ...openai.ToolCall) {
	t.Helper()
	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: calls,
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func toolCall(name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       "call-" + name,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

func strPtr(s string) *string { return &s }

// seedSingleStepPlan stages a one-task plan whose task waits pending on one
// search skill, approval log included. Performing "log-appr-1" must finish
// the whole plan.
func seedSingleStepPlan(fx *fixture) {
	fx.store.seedPlan(models.Plan{
		ID:           "plan-1",
		RoomID:       "room-9",
		PlanName:     "Vendor price check",
		PlanOverview: "Collect and compare vendor prices.",
		Status:       models.PlanStatusCreated,
		Context: models.PlanContext{
			Plan:          map[string]any{"plan_name": "Vendor price check"},
			Conversations: []models.ChatTurn{{Role: "user", Content: "compare vendor prices"}},
			Query:         "compare vendor prices",
		},
	})
	fx.store.seedTask(models.Task{
		ID:         "task-1",
		PlanID:     "plan-1",
		StepNumber: 1,
		TaskName:   "Find prices",
		MCPServer:  "search",
		Skills:     []string{"skill-1"},
		Status:     models.TaskStatusPending,
	})
	fx.store.seedSkill(models.Skill{
		ID:        "skill-1",
		Name:      "web_search",
		MCPServer: "search",
		Type:      models.SkillType,
		Args: map[string]models.SkillArg{
			"query": {Value: "vendor prices", Type: "string"},
		},
	})
	fx.store.seedLog(models.PlanLog{
		ID:        "log-appr-1",
		PlanID:    "plan-1",
		TaskID:    strPtr("task-1"),
		Type:      models.LogTypeApprovalRequested,
		Content:   "Task Find prices is ready for approval",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})
}

func TestNew_RequiresDependencies(t *testing.T) {
	store := persist.NewClient("http://127.0.0.1:0")
	assert.Panics(t, func() { New(nil, nil, nil, nil, nil, models.User{}, nil) })
	assert.Panics(t, func() { New(store, nil, nil, nil, nil, models.User{}, nil) })
}

func TestEngine_Perform_FinishesSingleStepPlan(t *testing.T) {
	var summaryReq openai.ChatCompletionRequest
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&summaryReq))
		respondContent(t, w, "All done: vendor prices compared and archived.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				var args struct {
					Query string `json:"query"`
				}
				require.NoError(t, json.Unmarshal(req.Params.Arguments, &args))
				assert.Equal(t, "vendor prices", args.Query)
				return textToolResult("Results for vendor prices"), nil
			},
		},
	})
	seedSingleStepPlan(fx)

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.NoError(t, err)

	// The task transitions pending → running → success, with timestamps.
	taskUpdates := fx.store.taskUpdatesSeen()
	require.Len(t, taskUpdates, 2)
	assert.Equal(t, models.TaskStatusRunning, taskUpdates[0].Status)
	assert.NotNil(t, taskUpdates[0].StartTime)
	assert.Equal(t, models.TaskStatusSuccess, taskUpdates[1].Status)
	assert.NotNil(t, taskUpdates[1].CompletedAt)
	assert.Equal(t, models.TaskStatusSuccess, fx.store.task("task-1").Status)

	// The execution trail brackets the tool run and carries its response.
	performing := fx.store.logsOfType(models.LogTypePerformingSkill)
	require.Len(t, performing, 1)
	assert.Equal(t, "Skill web_search started execution", performing[0].Content)
	assert.Equal(t, "plan-1", performing[0].PlanID)
	require.NotNil(t, performing[0].TaskID)
	assert.Equal(t, "task-1", *performing[0].TaskID)
	require.NotNil(t, performing[0].SkillID)
	assert.Equal(t, "skill-1", *performing[0].SkillID)

	executed := fx.store.logsOfType(models.LogTypeSkillExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, "Results for vendor prices", executed[0].Content)

	// One plan update: terminal success at full progress.
	planUpdates := fx.store.planUpdatesSeen()
	require.Len(t, planUpdates, 1)
	assert.Equal(t, models.PlanStatusSuccess, planUpdates[0].Status)
	require.NotNil(t, planUpdates[0].Progress)
	assert.Equal(t, 100, *planUpdates[0].Progress)
	assert.NotNil(t, planUpdates[0].CompletedAt)

	// The summary prompt sees the full trail, and the closing log carries
	// the model's summary verbatim.
	require.Len(t, summaryReq.Messages, 2)
	assert.Contains(t, summaryReq.Messages[1].Content, "Collect and compare vendor prices.")
	assert.Contains(t, summaryReq.Messages[1].Content, "Results for vendor prices")

	completed := fx.store.logsOfType(models.LogTypePlanCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "All done: vendor prices compared and archived.", completed[0].Content)
	assert.Empty(t, fx.store.logsOfType(models.LogTypePlanFailed))

	// The room hears the same summary from the agent.
	waitFor(t, 2*time.Second, func() bool { return len(fx.sink.sentMessages()) == 1 })
	msg := fx.sink.sentMessages()[0]
	assert.Equal(t, testAgentID, msg.Sender)
	assert.Equal(t, "room-9", msg.RoomID)
	assert.Equal(t, "All done: vendor prices compared and archived.", msg.Content)

	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.PerformCounter.WithLabelValues("success")))
}

func TestEngine_Perform_AdvancesToNextStep(t *testing.T) {
	var skillsReq openai.ChatCompletionRequest
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&skillsReq))
		require.NotEmpty(t, skillsReq.Tools, "only skill synthesis should reach the model")
		respondToolCalls(t, w, toolCall("write_file", `{"file_path": "/tmp/comparison.md", "text": "# prices"}`))
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("Results for vendor prices"), nil
			},
		},
	})

	fx.store.seedPlan(models.Plan{
		ID:           "plan-1",
		RoomID:       "room-9",
		PlanName:     "Vendor price check",
		PlanOverview: "Collect and compare vendor prices.",
		Status:       models.PlanStatusCreated,
		Context: models.PlanContext{
			Conversations: []models.ChatTurn{
				{Role: "assistant", Content: "I can look into that."},
				{Role: "user", Content: "vendor prices changed again"},
				{Role: "user", Content: "compare vendor prices"},
			},
			Query: "compare vendor prices",
		},
	})
	fx.store.seedTask(models.Task{
		ID: "task-1", PlanID: "plan-1", StepNumber: 1, TaskName: "Find prices",
		MCPServer: "search", Skills: []string{"skill-1"}, Status: models.TaskStatusPending,
	})
	fx.store.seedTask(models.Task{
		ID: "task-2", PlanID: "plan-1", StepNumber: 2, TaskName: "Save comparison",
		TaskExplanation: "Write the comparison table", ExpectedResult: "comparison.md exists",
		MCPServer: "files", Skills: []string{}, Status: models.TaskStatusNotStarted,
	})
	fx.store.seedSkill(models.Skill{
		ID: "skill-1", Name: "web_search", MCPServer: "search", Type: models.SkillType,
		Args: map[string]models.SkillArg{"query": {Value: "vendor prices", Type: "string"}},
	})
	fx.store.seedLog(models.PlanLog{
		ID: "log-appr-1", PlanID: "plan-1", TaskID: strPtr("task-1"),
		Type: models.LogTypeApprovalRequested, Content: "Task Find prices is ready for approval",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.NoError(t, err)

	// Half the plan is done; the plan keeps running.
	planUpdates := fx.store.planUpdatesSeen()
	require.Len(t, planUpdates, 1)
	assert.Equal(t, models.PlanStatusRunning, planUpdates[0].Status)
	require.NotNil(t, planUpdates[0].Progress)
	assert.Equal(t, 50, *planUpdates[0].Progress)
	assert.Nil(t, planUpdates[0].CompletedAt)
	assert.Equal(t, models.PlanStatusRunning, fx.store.plan("plan-1").Status)

	// Synthesis is scoped to the next task's server: its raw description in
	// the system prompt, its descriptors as forced tools, and the background
	// carrying the conversation plus what step 1 produced.
	assert.Contains(t, skillsReq.Messages[0].Content, "Manages workspace files.")
	prompt := skillsReq.Messages[1].Content
	assert.Contains(t, prompt, "Vendor price check")
	assert.Contains(t, prompt, "**Conversation (most recent first)**")
	assert.Contains(t, prompt, "user: vendor prices changed again")
	assert.Contains(t, prompt, "**Earlier steps**")
	assert.Contains(t, prompt, "Step 1: Skill web_search started execution")
	assert.Contains(t, prompt, "Step 1: Results for vendor prices")
	assert.Contains(t, prompt, "Save comparison")
	assert.Contains(t, prompt, "Write the comparison table")
	assert.Contains(t, prompt, "comparison.md exists")
	require.Len(t, skillsReq.Tools, 1)
	assert.Equal(t, "write_file", skillsReq.Tools[0].Function.Name)
	assert.Equal(t, "required", skillsReq.ToolChoice)

	// The synthesized skill lands enriched from the tool schema and is
	// attached to the staged task.
	next := fx.store.task("task-2")
	assert.Equal(t, models.TaskStatusPending, next.Status)
	require.Len(t, next.Skills, 1)
	created, ok := fx.store.skill(next.Skills[0])
	require.True(t, ok)
	assert.Equal(t, "write_file", created.Name)
	assert.Equal(t, "files", created.MCPServer)
	assert.Equal(t, "Write a file.", created.Description)
	require.Contains(t, created.Args, "file_path")
	assert.Equal(t, "/tmp/comparison.md", created.Args["file_path"].Value)
	assert.Equal(t, "string", created.Args["file_path"].Type)
	assert.Equal(t, "File Path", created.Args["file_path"].Title)

	// A fresh approval handle exists for step 2 and reaches the room.
	approvals := fx.store.logsOfType(models.LogTypeApprovalRequested)
	require.Len(t, approvals, 2)
	nextApproval := approvals[1]
	require.NotNil(t, nextApproval.TaskID)
	assert.Equal(t, "task-2", *nextApproval.TaskID)
	assert.Equal(t, "Task Save comparison is ready for approval", nextApproval.Content)

	waitFor(t, 2*time.Second, func() bool { return len(fx.sink.sentMessages()) == 1 })
	card := fx.sink.sentMessages()[0]
	assert.Contains(t, card.Content, "Task: Save comparison. May I proceed?")
	assert.Contains(t, card.Content, "vParley:LOG_ID:"+nextApproval.ID+":yelraPv")

	// No terminal artifacts yet.
	assert.Empty(t, fx.store.logsOfType(models.LogTypePlanCompleted))
	assert.Empty(t, fx.store.logsOfType(models.LogTypePlanFailed))
}

func TestEngine_Perform_PartialFailureFailsPlan(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		respondContent(t, w, "The deploy went out but the migration failed.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"ops": {
			"deploy": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("deployed build 42"), nil
			},
			"migrate": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return errorToolResult("migration failed: disk full"), nil
			},
		},
	})

	fx.store.seedPlan(models.Plan{
		ID: "plan-1", RoomID: "room-9", PlanName: "Release", PlanOverview: "Ship the release.",
		Status: models.PlanStatusCreated,
	})
	fx.store.seedTask(models.Task{
		ID: "task-1", PlanID: "plan-1", StepNumber: 1, TaskName: "Roll out",
		MCPServer: "ops", Skills: []string{"skill-a", "skill-b"}, Status: models.TaskStatusPending,
	})
	fx.store.seedSkill(models.Skill{ID: "skill-a", Name: "deploy", MCPServer: "ops", Type: models.SkillType})
	fx.store.seedSkill(models.Skill{ID: "skill-b", Name: "migrate", MCPServer: "ops", Type: models.SkillType})
	fx.store.seedLog(models.PlanLog{
		ID: "log-appr-1", PlanID: "plan-1", TaskID: strPtr("task-1"),
		Type: models.LogTypeApprovalRequested, CreatedAt: time.Now().UTC().Add(-time.Minute),
	})

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.NoError(t, err)

	// Both skills ran to completion; the trail holds both responses.
	executed := fx.store.logsOfType(models.LogTypeSkillExecuted)
	require.Len(t, executed, 2)
	contents := []string{executed[0].Content, executed[1].Content}
	assert.ElementsMatch(t, []string{"deployed build 42", "migration failed: disk full"}, contents)

	// One failure fails the task, and with it the fully progressed plan.
	assert.Equal(t, models.TaskStatusFailed, fx.store.task("task-1").Status)

	planUpdates := fx.store.planUpdatesSeen()
	require.Len(t, planUpdates, 1)
	assert.Equal(t, models.PlanStatusFailed, planUpdates[0].Status)
	require.NotNil(t, planUpdates[0].Progress)
	assert.Equal(t, 100, *planUpdates[0].Progress)
	assert.Equal(t, models.PlanStatusFailed, fx.store.plan("plan-1").Status)

	failed := fx.store.logsOfType(models.LogTypePlanFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "The deploy went out but the migration failed.", failed[0].Content)
	assert.Empty(t, fx.store.logsOfType(models.LogTypePlanCompleted))

	waitFor(t, 2*time.Second, func() bool { return len(fx.sink.sentMessages()) == 1 })

	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.SkillCounter.WithLabelValues("ops", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.SkillCounter.WithLabelValues("ops", "error")))
}

func TestEngine_Perform_StandaloneSkill(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no LLM call expected for a standalone skill")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"admin": {
			"invite_to_room": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("invited user-9 to room-1"), nil
			},
		},
	})

	fx.store.seedSkill(models.Skill{
		ID: "skill-7", Name: "invite_to_room", MCPServer: "admin", Type: models.SkillType,
		Args: map[string]models.SkillArg{"user_ids": {Value: []any{"user-9"}, Type: "array[string]"}},
	})
	fx.store.seedLog(models.PlanLog{
		ID: "log-adm-1", PlanID: "plan-adhoc", SkillID: strPtr("skill-7"),
		Type: models.LogTypeApprovalRequested, Content: "Approval requested for action: invite_to_room",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})

	err := fx.engine.Perform(context.Background(), "log-adm-1")
	require.NoError(t, err)

	// The action ran and left its trail, but there is no task or plan
	// lifecycle behind an ad-hoc admin approval.
	performing := fx.store.logsOfType(models.LogTypePerformingSkill)
	require.Len(t, performing, 1)
	assert.Nil(t, performing[0].TaskID)

	executed := fx.store.logsOfType(models.LogTypeSkillExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, "invited user-9 to room-1", executed[0].Content)

	assert.Empty(t, fx.store.taskUpdatesSeen())
	assert.Empty(t, fx.store.planUpdatesSeen())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.sink.sentMessages())
}

func TestEngine_Perform_UnknownLog(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no LLM call expected")
	}, nil)

	err := fx.engine.Perform(context.Background(), "no-such-log")
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	var status *persist.StatusError
	require.ErrorAs(t, err, &status)
	assert.True(t, status.NotFound())

	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.PerformCounter.WithLabelValues("rejected")))
}

func TestEngine_Perform_RejectsNonApprovalLog(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no LLM call expected")
	}, nil)

	fx.store.seedLog(models.PlanLog{
		ID: "log-birth", PlanID: "plan-1", Type: models.LogTypePlanCreated,
		Content: "Plan **X** has been created", CreatedAt: time.Now().UTC(),
	})

	err := fx.engine.Perform(context.Background(), "log-birth")
	require.ErrorIs(t, err, ErrNotApprovable)
	assert.True(t, IsRejection(err))
	assert.Empty(t, fx.store.taskUpdatesSeen())
}

func TestEngine_Perform_RejectsConsumedTask(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no LLM call expected")
	}, nil)

	fx.store.seedTask(models.Task{
		ID: "task-1", PlanID: "plan-1", StepNumber: 1,
		MCPServer: "search", Skills: []string{"skill-1"}, Status: models.TaskStatusRunning,
	})
	fx.store.seedLog(models.PlanLog{
		ID: "log-appr-1", PlanID: "plan-1", TaskID: strPtr("task-1"),
		Type: models.LogTypeApprovalRequested, CreatedAt: time.Now().UTC(),
	})

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.ErrorIs(t, err, ErrTaskNotPending)
	assert.Empty(t, fx.store.taskUpdatesSeen())
}

func TestEngine_Perform_DuplicateApprovalConflicts(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		respondContent(t, w, "Done.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("results"), nil
			},
		},
	})
	seedSingleStepPlan(fx)

	require.NoError(t, fx.engine.Perform(context.Background(), "log-appr-1"))

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.ErrorIs(t, err, ErrApprovalConsumed)

	// Only the first perform ran: one running transition, one close.
	assert.Len(t, fx.store.taskUpdatesSeen(), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.PerformCounter.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.PerformCounter.WithLabelValues("rejected")))
}

func TestEngine_Perform_ConcurrentDuplicates(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		respondContent(t, w, "Done.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("results"), nil
			},
		},
	})
	seedSingleStepPlan(fx)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.engine.Perform(context.Background(), "log-appr-1")
		}(i)
	}
	wg.Wait()

	// Exactly one perform wins the log id; the other conflicts.
	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrApprovalConsumed):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, conflicts)

	executed := fx.store.logsOfType(models.LogTypeSkillExecuted)
	assert.Len(t, executed, 1)
}

func TestEngine_Perform_NoSkillsReleasesClaim(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		respondContent(t, w, "Done.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("results"), nil
			},
		},
	})
	seedSingleStepPlan(fx)
	fx.store.setTaskSkills("task-1", []string{})

	err := fx.engine.Perform(context.Background(), "log-appr-1")
	require.ErrorIs(t, err, ErrNoSkills)
	assert.True(t, IsRejection(err))
	assert.Empty(t, fx.store.taskUpdatesSeen(), "a rejected approval must not touch the task")

	// The log id is free again: attaching a skill makes the same approval
	// performable.
	fx.store.setTaskSkills("task-1", []string{"skill-1"})
	require.NoError(t, fx.engine.Perform(context.Background(), "log-appr-1"))
	assert.Equal(t, models.TaskStatusSuccess, fx.store.task("task-1").Status)
}

func TestEngine_Perform_SynthesisStallParksNextTask(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// Forced tool choice notwithstanding, the model answers in prose.
		respondContent(t, w, "I would rather not pick a tool.")
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("results"), nil
			},
		},
	})

	fx.store.seedPlan(models.Plan{
		ID: "plan-1", RoomID: "room-9", PlanName: "Two steps", PlanOverview: "Two step plan.",
		Status: models.PlanStatusCreated,
	})
	fx.store.seedTask(models.Task{
		ID: "task-1", PlanID: "plan-1", StepNumber: 1, TaskName: "Find",
		MCPServer: "search", Skills: []string{"skill-1"}, Status: models.TaskStatusPending,
	})
	fx.store.seedTask(models.Task{
		ID: "task-2", PlanID: "plan-1", StepNumber: 2, TaskName: "Write",
		MCPServer: "files", Skills: []string{}, Status: models.TaskStatusNotStarted,
	})
	fx.store.seedSkill(models.Skill{ID: "skill-1", Name: "web_search", MCPServer: "search", Type: models.SkillType})
	fx.store.seedLog(models.PlanLog{
		ID: "log-appr-1", PlanID: "plan-1", TaskID: strPtr("task-1"),
		Type: models.LogTypeApprovalRequested, CreatedAt: time.Now().UTC().Add(-time.Minute),
	})

	// The perform itself succeeds; the stalled advance is not its failure.
	require.NoError(t, fx.engine.Perform(context.Background(), "log-appr-1"))

	// The next task is parked pending without skills and without an
	// approval handle; an owner directive can pick it up from there.
	next := fx.store.task("task-2")
	assert.Equal(t, models.TaskStatusPending, next.Status)
	assert.Empty(t, next.Skills)
	assert.Len(t, fx.store.logsOfType(models.LogTypeApprovalRequested), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.sink.sentMessages())
}

func TestEngine_Perform_SummaryFallback(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)
	}, map[string]map[string]mcpsdk.ToolHandler{
		"search": {
			"web_search": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return textToolResult("results"), nil
			},
		},
	})
	seedSingleStepPlan(fx)

	require.NoError(t, fx.engine.Perform(context.Background(), "log-appr-1"))

	// The stock closing stands in for the unavailable summary.
	completed := fx.store.logsOfType(models.LogTypePlanCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "Plan Vendor price check is completed", completed[0].Content)

	waitFor(t, 2*time.Second, func() bool { return len(fx.sink.sentMessages()) == 1 })
	assert.Equal(t, "Plan Vendor price check is completed", fx.sink.sentMessages()[0].Content)
}
