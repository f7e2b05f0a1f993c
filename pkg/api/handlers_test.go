package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/engine"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/persist"
	"github.com/parleyhq/steward/pkg/queue"
	"github.com/parleyhq/steward/pkg/socket"
)

type stubPerformer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *stubPerformer) Perform(_ context.Context, logID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, logID)
	return p.err
}

func (p *stubPerformer) performed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type stubBus struct {
	state socket.State
	err   error

	mu   sync.Mutex
	sent []models.Message
}

func (b *stubBus) SendMessage(_ context.Context, msg models.Message) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func (b *stubBus) State() socket.State { return b.state }

func (b *stubBus) messages() []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Message(nil), b.sent...)
}

type stubFabric struct {
	live   []string
	failed map[string]string
}

func (f *stubFabric) Servers() []string                { return f.live }
func (f *stubFabric) FailedServers() map[string]string { return f.failed }

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
		"files":  {{Name: "write_file", Description: "Write a file."}},
	}}

	cat, err := catalog.Load(context.Background(), registry, source)
	require.NoError(t, err)
	return cat
}

type fixture struct {
	router     *gin.Engine
	performer  *stubPerformer
	bus        *stubBus
	fabric     *stubFabric
	planQueue  *queue.Queue[models.PlanRequest]
	adminQueue *queue.Queue[models.OwnerMessage]
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	fx := &fixture{
		performer:  &stubPerformer{},
		bus:        &stubBus{state: socket.StateConnected},
		fabric:     &stubFabric{live: []string{"files", "search"}},
		planQueue:  queue.NewQueue[models.PlanRequest]("plan", m),
		adminQueue: queue.NewQueue[models.OwnerMessage]("admin", m),
		metrics:    m,
	}
	server := New(Deps{
		Performer:  fx.performer,
		PlanQueue:  fx.planQueue,
		AdminQueue: fx.adminQueue,
		Catalog:    testCatalog(t),
		Fabric:     fx.fabric,
		Bus:        fx.bus,
		Agent:      models.User{ID: "agent-1", Username: "agent", Avatar: "http://cdn/agent.png"},
		Metrics:    m,
		Gatherer:   reg,
	})
	fx.router = server.Router()
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestNew_RequiresDependencies(t *testing.T) {
	assert.Panics(t, func() { New(Deps{}) })
}

func TestCreatePlan_Queues(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/create_plan", models.PlanRequest{
		RoomID: "room-1",
		Query:  "@agent compare vendor prices",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"processed"`, w.Body.String())

	require.Equal(t, 1, fx.planQueue.Len())
	item, ok := fx.planQueue.Pop()
	require.True(t, ok)
	assert.Equal(t, "room-1", item.RoomID)
	assert.Equal(t, "@agent compare vendor prices", item.Query)
}

func TestCreatePlan_RejectsIncompleteBody(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/create_plan", gin.H{"query": "no room"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
	assert.Equal(t, 0, fx.planQueue.Len())
}

func TestAskAdmin_Queues(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/ask_admin", models.OwnerMessage{
		RoomID:       "room-1",
		OwnerID:      "owner-1",
		OwnerMessage: "invite bob to the room",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"processed"`, w.Body.String())
	assert.Equal(t, 1, fx.adminQueue.Len())
}

func TestAskAdmin_RejectsTrustedDirectives(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/ask_admin", models.OwnerMessage{
		RoomID:       "room-1",
		OwnerID:      "owner-1",
		OwnerMessage: "just do it",
		Trust:        true,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "approval")
	assert.Equal(t, 0, fx.adminQueue.Len())
}

func TestPerform_Success(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/perform", models.PerformRequest{LogID: "log-1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"performed"}`, w.Body.String())
	assert.Equal(t, []string{"log-1"}, fx.performer.performed())
}

func TestPerform_RejectsMissingLogID(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/perform", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fx.performer.performed())
}

func TestPerform_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not an approval", engine.ErrNotApprovable, http.StatusBadRequest},
		{"already consumed", engine.ErrApprovalConsumed, http.StatusConflict},
		{"task not pending", engine.ErrTaskNotPending, http.StatusConflict},
		{"no skills", engine.ErrNoSkills, http.StatusUnprocessableEntity},
		{
			"unknown log",
			fmt.Errorf("resolve approval: %w", &persist.StatusError{Status: http.StatusNotFound, Path: "plan/get_plan_log"}),
			http.StatusNotFound,
		},
		{"execution failure", errors.New("socket exploded"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.performer.err = fmt.Errorf("perform log-1: %w", tc.err)

			w := fx.do(t, http.MethodPost, "/api/perform", models.PerformRequest{LogID: "log-1"})

			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestPerform_DoesNotLeakInternalErrors(t *testing.T) {
	fx := newFixture(t)
	fx.performer.err = errors.New("pg password in DSN postgres://u:hunter2@db")

	w := fx.do(t, http.MethodPost, "/api/perform", models.PerformRequest{LogID: "log-1"})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestAgentMessage_Sends(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/api/agent_message", models.AgentMessageRequest{
		Content: "deployment finished",
		RoomID:  "room-7",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"sent"`)

	sent := fx.bus.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "deployment finished", sent[0].Content)
	assert.Equal(t, "room-7", sent[0].RoomID)
	assert.Equal(t, "agent-1", sent[0].Sender)
	assert.NotEmpty(t, sent[0].ID)
}

func TestAgentMessage_QueuedWhenBusDown(t *testing.T) {
	fx := newFixture(t)
	fx.bus.err = errors.New("connection reset")

	w := fx.do(t, http.MethodPost, "/api/agent_message", models.AgentMessageRequest{
		Content: "still here?",
		RoomID:  "room-7",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"queued"`)
}

func TestGetServers(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/api/get_servers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var servers map[string]models.MCPServer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &servers))
	require.Len(t, servers, 2)
	assert.Equal(t, "Searches the web.", servers["search"].Description)
	require.Len(t, servers["files"].Tools, 1)
	assert.Equal(t, "write_file", servers["files"].Tools[0].Name)
}

func TestGetTools_All(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/api/get_tools", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tools map[string][]models.FunctionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tools))
	require.Len(t, tools, 2)
	require.Len(t, tools["search"], 1)
	assert.Equal(t, "web_search", tools["search"][0].Function.Name)
}

func TestGetTools_Filtered(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/api/get_tools?server=files", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tools map[string][]models.FunctionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tools))
	require.Len(t, tools, 1)
	require.Len(t, tools["files"], 1)
	assert.Equal(t, "write_file", tools["files"][0].Function.Name)
}

func TestGetTools_UnknownServer(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/api/get_tools?server=bogus", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "bogus")
}

func TestHealth_Healthy(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, healthStatusHealthy, health.Status)
	assert.NotEmpty(t, health.Version)
	assert.Equal(t, healthStatusHealthy, health.Checks["mcp"].Status)
	assert.ElementsMatch(t, []string{"files", "search"}, health.Checks["mcp"].LiveServers)
	assert.Equal(t, healthStatusHealthy, health.Checks["socket"].Status)
}

func TestHealth_DegradedStaysUp(t *testing.T) {
	fx := newFixture(t)
	fx.fabric.failed = map[string]string{"notes": "spawn notes.py: exit status 1"}
	fx.bus.state = socket.StateReconnecting

	w := fx.do(t, http.MethodGet, "/health", nil)

	// Degraded is informational; the probe must keep answering 200.
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, healthStatusDegraded, health.Status)
	assert.Equal(t, healthStatusDegraded, health.Checks["mcp"].Status)
	assert.Contains(t, health.Checks["mcp"].FailedServers, "notes")
	assert.Equal(t, string(socket.StateReconnecting), health.Checks["socket"].Message)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)

	fx.do(t, http.MethodPost, "/api/create_plan", models.PlanRequest{RoomID: "room-1", Query: "hello"})

	w := fx.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steward_queue_depth")
	assert.Contains(t, w.Body.String(), "steward_http_requests_total")
}

func TestObserve_CountsRequests(t *testing.T) {
	fx := newFixture(t)

	fx.do(t, http.MethodPost, "/api/create_plan", models.PlanRequest{RoomID: "room-1", Query: "hello"})

	count := testutil.ToFloat64(
		fx.metrics.HTTPRequestCounter.WithLabelValues(http.MethodPost, "/api/create_plan", "200"))
	assert.Equal(t, float64(1), count)
}
