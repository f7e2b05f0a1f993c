// Package e2e boots a complete steward instance over local fakes — the
// persistence API, the chat-completions endpoint, the socket bus and
// in-memory MCP servers — with real queues, workers, engine and router in
// between, and drives it through the public HTTP surface.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/steward/pkg/admin"
	"github.com/parleyhq/steward/pkg/api"
	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/engine"
	"github.com/parleyhq/steward/pkg/llm"
	"github.com/parleyhq/steward/pkg/mcp"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/planner"
	"github.com/parleyhq/steward/pkg/queue"
	"github.com/parleyhq/steward/pkg/socket"
	"github.com/parleyhq/steward/pkg/version"
)

const testAgentID = "agent-1"

// TestApp is one running steward instance plus handles on every fake
// surrounding it.
type TestApp struct {
	Store   *StoreFake
	Sink    *BusSink
	LLM     *LLMScript
	Host    *mcp.Host
	Catalog *catalog.Catalog
	Metrics *metrics.Metrics
	Agent   models.User
	BaseURL string

	t *testing.T
}

// ToolDef couples a tool descriptor with its in-memory handler.
type ToolDef struct {
	Tool    *mcpsdk.Tool
	Handler mcpsdk.ToolHandler
}

// ServerDef declares one in-memory MCP server with its catalog description.
type ServerDef struct {
	Name        string
	Description string
	Tools       []ToolDef
}

type testAppConfig struct {
	servers     []ServerDef
	script      []ScriptStep
	grouping    config.PlanGrouping
	adminServer string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithServer registers an in-memory MCP server.
func WithServer(name, description string, tools ...ToolDef) TestAppOption {
	return func(c *testAppConfig) {
		c.servers = append(c.servers, ServerDef{Name: name, Description: description, Tools: tools})
	}
}

// WithScript queues the chat-completion responses, served in call order.
func WithScript(steps ...ScriptStep) TestAppOption {
	return func(c *testAppConfig) { c.script = append(c.script, steps...) }
}

// WithPlanGrouping sets how plan-less admin actions group into plans.
func WithPlanGrouping(g config.PlanGrouping) TestAppOption {
	return func(c *testAppConfig) { c.grouping = g }
}

// WithAdminServer overrides which MCP server backs ask_admin.
func WithAdminServer(name string) TestAppOption {
	return func(c *testAppConfig) { c.adminServer = name }
}

// NewTestApp wires and starts the full stack. Every piece is torn down via
// t.Cleanup in reverse start order. Worker pools run one worker per queue so
// request ordering stays deterministic.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	ctx := context.Background()

	cfg := &testAppConfig{grouping: config.PlanGroupingAction, adminServer: "admin"}
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewStoreFake(t)
	sink := NewBusSink(t)

	script := &LLMScript{t: t, steps: cfg.script}
	llmSrv := httptest.NewServer(script.handler())
	t.Cleanup(llmSrv.Close)

	host, registry := buildFabric(t, cfg.servers)
	cat, err := catalog.Load(ctx, registry, host)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gateway := llm.NewGateway(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: llmSrv.URL,
		Model:   "test-model",
	}, m)

	bus := socket.NewClient(sink.URL(), testAgentID, m)
	require.NoError(t, bus.Connect(ctx))
	t.Cleanup(bus.Disconnect)

	agent := models.User{ID: testAgentID, Username: "agent", Avatar: "http://cdn/agent.png"}
	pstore := persist.NewClient(store.srv.URL)

	eng := engine.New(pstore, gateway, cat, host, bus, agent, m)
	plans := planner.New(pstore, gateway, cat, nil, bus, agent, m)
	directives := admin.New(pstore, gateway, cat, bus, agent, cfg.adminServer, cfg.grouping, m)

	planQueue := queue.NewQueue[models.PlanRequest]("plan", m)
	adminQueue := queue.NewQueue[models.OwnerMessage]("admin", m)
	planPool := queue.NewPool(planQueue, 1, plans.CreatePlan)
	adminPool := queue.NewPool(adminQueue, 1, directives.Process)
	planPool.Start(ctx)
	adminPool.Start(ctx)
	t.Cleanup(planPool.Stop)
	t.Cleanup(adminPool.Stop)

	server := api.New(api.Deps{
		Performer:  eng,
		PlanQueue:  planQueue,
		AdminQueue: adminQueue,
		Catalog:    cat,
		Fabric:     host,
		Bus:        bus,
		Agent:      agent,
		Metrics:    m,
		Gatherer:   reg,
	})
	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)

	return &TestApp{
		Store:   store,
		Sink:    sink,
		LLM:     script,
		Host:    host,
		Catalog: cat,
		Metrics: m,
		Agent:   agent,
		BaseURL: httpSrv.URL,
		t:       t,
	}
}

// buildFabric spawns the declared servers over in-memory transports and
// writes their catalog description files.
func buildFabric(t *testing.T, servers []ServerDef) (*mcp.Host, *config.MCPServerRegistry) {
	t.Helper()
	dir := t.TempDir()

	entries := make(map[string]*config.ServerConfig, len(servers))
	host := mcp.NewHost(config.NewMCPServerRegistry(nil))

	for _, def := range servers {
		descPath := filepath.Join(dir, def.Name+".txt")
		require.NoError(t, os.WriteFile(descPath, []byte(def.Description), 0o600))
		entries[def.Name] = &config.ServerConfig{
			Path:        filepath.Join(dir, def.Name+".py"),
			Description: descPath,
		}

		server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: def.Name + "-server", Version: "test"}, nil)
		for _, td := range def.Tools {
			server.AddTool(td.Tool, td.Handler)
		}

		clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
		go func() {
			_ = server.Run(context.Background(), serverTransport)
		}()

		client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: version.AppName + "-test", Version: "test"}, nil)
		session, err := client.Connect(context.Background(), clientTransport, nil)
		require.NoError(t, err)
		host.InjectSession(def.Name, client, session)
	}

	t.Cleanup(func() { _ = host.Close() })
	return host, config.NewMCPServerRegistry(entries)
}

// PostJSON sends a JSON body to the running instance and returns the status
// code and raw response body.
func (app *TestApp) PostJSON(path string, body any) (int, string) {
	app.t.Helper()

	data, err := json.Marshal(body)
	require.NoError(app.t, err)

	resp, err := http.Post(app.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(app.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	return resp.StatusCode, string(raw)
}

// CreatePlan posts a summon and asserts intake accepted it.
func (app *TestApp) CreatePlan(req models.PlanRequest) {
	app.t.Helper()
	status, body := app.PostJSON("/api/create_plan", req)
	require.Equal(app.t, http.StatusOK, status, "create_plan intake: %s", body)
}

// AskAdmin posts an owner directive and asserts intake accepted it.
func (app *TestApp) AskAdmin(req models.OwnerMessage) {
	app.t.Helper()
	status, body := app.PostJSON("/api/ask_admin", req)
	require.Equal(app.t, http.StatusOK, status, "ask_admin intake: %s", body)
}

// Perform posts an approval and returns the status code and body.
func (app *TestApp) Perform(logID string) (int, string) {
	app.t.Helper()
	return app.PostJSON("/api/perform", models.PerformRequest{LogID: logID})
}

// WaitFor polls until the condition holds or the deadline passes.
func (app *TestApp) WaitFor(cond func() bool) {
	app.t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			app.t.Fatal("condition not met in time")
		case <-tick.C:
		}
	}
}

// ScriptStep writes one canned chat-completions response.
type ScriptStep func(w http.ResponseWriter) error

// LLMScript serves queued chat-completion responses in call order and
// records every request for later assertions. An exhausted script answers
// 500, which callers surface as a degraded (not hung) flow.
type LLMScript struct {
	t *testing.T

	mu       sync.Mutex
	steps    []ScriptStep
	requests []openai.ChatCompletionRequest
}

func (s *LLMScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.requests = append(s.requests, req)
		var step ScriptStep
		if len(s.steps) > 0 {
			step = s.steps[0]
			s.steps = s.steps[1:]
		}
		s.mu.Unlock()

		if step == nil {
			http.Error(w, `{"error": {"message": "script exhausted"}}`, http.StatusInternalServerError)
			return
		}
		assert.NoError(s.t, step(w))
	}
}

// Requests returns every chat-completion request seen so far.
func (s *LLMScript) Requests() []openai.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), s.requests...)
}

// RespondContent scripts a plain assistant text reply.
func RespondContent(content string) ScriptStep {
	return respondChoice(openai.ChatCompletionChoice{
		Index:        0,
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		FinishReason: openai.FinishReasonStop,
	})
}

// RespondPlan scripts plan JSON inside the fenced block the model emits.
func RespondPlan(planJSON string) ScriptStep {
	return RespondContent("```json\n" + planJSON + "\n```")
}

// RespondToolCalls scripts an assistant reply carrying tool calls.
func RespondToolCalls(calls ...openai.ToolCall) ScriptStep {
	return respondChoice(openai.ChatCompletionChoice{
		Index: 0,
		Message: openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		},
		FinishReason: openai.FinishReasonToolCalls,
	})
}

func respondChoice(choice openai.ChatCompletionChoice) ScriptStep {
	return func(w http.ResponseWriter) error {
		resp := openai.ChatCompletionResponse{
			ID:      "chatcmpl-test",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   "test-model",
			Choices: []openai.ChatCompletionChoice{choice},
		}
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(resp)
	}
}

// ToolCall builds one scripted function call.
func ToolCall(name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       "call-" + name,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

// TextResult wraps text in a successful tool result.
func TextResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// ErrorResult wraps text in a failed tool result.
func ErrorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}
}

// StoreFake is an in-memory stand-in for the whole persistence API. Writes
// are applied to the stored records, so follow-up reads observe them the way
// the real service would show them; ids for tasks and skills are minted
// server-side like the platform does.
type StoreFake struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	history      []models.Message
	room         models.Room
	users        map[string]models.User
	plans        map[string]*models.Plan
	tasks        map[string]*models.Task
	skills       map[string]*models.Skill
	logs         []models.PlanLog
	mintedTasks  int
	mintedSkills int
}

// NewStoreFake starts the fake persistence server.
func NewStoreFake(t *testing.T) *StoreFake {
	t.Helper()
	fs := &StoreFake{
		t:      t,
		users:  map[string]models.User{},
		plans:  map[string]*models.Plan{},
		tasks:  map[string]*models.Task{},
		skills: map[string]*models.Skill{},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (f *StoreFake) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/chat/get_messages":
		f.respond(w, f.history)

	case "/api/chat/get_room":
		f.respond(w, f.room)

	case "/api/user/get_users":
		users := make([]models.User, 0, len(f.users))
		for _, u := range f.users {
			users = append(users, u)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
		f.respond(w, map[string]any{"users": users})

	case "/api/user/get_user_by_id":
		user, ok := f.users[r.URL.Query().Get("id")]
		if !ok {
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
			return
		}
		f.respond(w, map[string]any{"user": user})

	case "/api/plan/create_plan":
		var plan models.Plan
		f.decode(r, &plan)
		plan.CreatedAt = time.Now().UTC()
		f.plans[plan.ID] = &plan
		f.respond(w, map[string]any{"plan": plan})

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
		f.respond(w, map[string]any{"success": true})

	case "/api/plan/get_plan_by_id":
		plan, ok := f.plans[r.URL.Query().Get("id")]
		if !ok {
			http.Error(w, `{"error":"plan not found"}`, http.StatusNotFound)
			return
		}
		f.respond(w, plan)

	case "/api/plan/create_tasks":
		var batch struct {
			PlanID string        `json:"plan_id"`
			Tasks  []models.Task `json:"tasks"`
		}
		f.decode(r, &batch)
		for _, task := range batch.Tasks {
			f.mintedTasks++
			task.ID = fmt.Sprintf("task-%d", f.mintedTasks)
			task.PlanID = batch.PlanID
			stored := task
			f.tasks[task.ID] = &stored
		}
		f.respond(w, map[string]any{"success": true})

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
		f.respond(w, map[string]any{"success": true})

	case "/api/plan/create_plan_log":
		var log models.PlanLog
		f.decode(r, &log)
		f.logs = append(f.logs, log)
		f.respond(w, map[string]any{"log": log})

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

	case "/api/skill/create_skill":
		var skill models.Skill
		f.decode(r, &skill)
		f.mintedSkills++
		skill.ID = fmt.Sprintf("skill-%d", f.mintedSkills)
		f.skills[skill.ID] = &skill
		f.respond(w, map[string]any{"skill": skill})

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

	default:
		http.Error(w, `{"error":"unexpected path"}`, http.StatusNotFound)
	}
}

func (f *StoreFake) decode(r *http.Request, out any) {
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(out))
}

func (f *StoreFake) respond(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(f.t, json.NewEncoder(w).Encode(body))
}

// SeedHistory installs the room's message history, newest first.
func (f *StoreFake) SeedHistory(msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = msgs
}

// SeedRoom installs the room record behind get_room.
func (f *StoreFake) SeedRoom(room models.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = room
}

// SeedUser installs one user record.
func (f *StoreFake) SeedUser(user models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

// SeedPlan installs a plan record directly.
func (f *StoreFake) SeedPlan(plan models.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[plan.ID] = &plan
}

// SeedTask installs a task record directly.
func (f *StoreFake) SeedTask(task models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = &task
}

// SeedSkill installs a skill record directly.
func (f *StoreFake) SeedSkill(skill models.Skill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skills[skill.ID] = &skill
}

// SeedLog appends a log record directly.
func (f *StoreFake) SeedLog(log models.PlanLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
}

// Plans returns every stored plan.
func (f *StoreFake) Plans() []models.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Plan, 0, len(f.plans))
	for _, plan := range f.plans {
		out = append(out, *plan)
	}
	return out
}

// Plan returns one plan by id.
func (f *StoreFake) Plan(id string) (models.Plan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[id]
	if !ok {
		return models.Plan{}, false
	}
	return *plan, true
}

// TasksOf returns a plan's tasks in step order.
func (f *StoreFake) TasksOf(planID string) []models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Task
	for _, task := range f.tasks {
		if task.PlanID == planID {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// Task returns one task by id.
func (f *StoreFake) Task(id string) (models.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return *task, true
}

// Skill returns one skill by id.
func (f *StoreFake) Skill(id string) (models.Skill, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skill, ok := f.skills[id]
	if !ok {
		return models.Skill{}, false
	}
	return *skill, true
}

// LogsOfType returns every log of one kind in creation order.
func (f *StoreFake) LogsOfType(kind models.LogType) []models.PlanLog {
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

// BusSink accepts the agent's socket connection and records every frame.
type BusSink struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []sinkFrame
}

type sinkFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewBusSink starts the fake realtime bus.
func NewBusSink(t *testing.T) *BusSink {
	t.Helper()
	s := &BusSink{}
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

// URL returns the ws:// endpoint of the sink.
func (s *BusSink) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Messages decodes every chat message frame seen so far.
func (s *BusSink) Messages() []models.Message {
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
