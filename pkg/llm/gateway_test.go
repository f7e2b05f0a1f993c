package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/metrics"
)

// newTestGateway points a gateway at a local fake of the chat-completions
// endpoint.
func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewGateway(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	}, metrics.New(prometheus.NewRegistry()))
}

// respondCompletion writes a single-choice completion response.
func respondCompletion(t *testing.T, w http.ResponseWriter, message openai.ChatCompletionMessage) {
	t.Helper()
	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []openai.ChatCompletionChoice{
			{Index: 0, Message: message, FinishReason: openai.FinishReasonStop},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func decodeRequest(t *testing.T, r *http.Request) openai.ChatCompletionRequest {
	t.Helper()
	var req openai.ChatCompletionRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestNewGateway_RequiresMetrics(t *testing.T) {
	assert.Panics(t, func() {
		NewGateway(config.OpenAIConfig{APIKey: "k"}, nil)
	})
}

func TestGateway_SynthesizePlan(t *testing.T) {
	var captured openai.ChatCompletionRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		captured = decodeRequest(t, r)
		respondCompletion(t, w, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			Content: "```json\n" + `{
  "plan_name": "Fix the build",
  "plan_overview": "Investigate and repair the failing pipeline.",
  "plan": {
    "step_1": {"name": "Inspect logs", "assignee": "search", "explanation": "Find the error", "expected_result": "Failing job identified"}
  }
}` + "\n```",
		})
	})

	draft, err := g.SynthesizePlan(context.Background(), PlanPromptInput{
		Conversation: "user: the build is red",
		Now:          time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Assistants:   []string{"admin", "search"},
		Capabilities: "search: finds documents",
	})
	require.NoError(t, err)

	assert.Equal(t, "Fix the build", draft.PlanName)
	require.Len(t, draft.Steps, 1)
	assert.Equal(t, "search", draft.Steps["step_1"].Assignee)
	assert.False(t, draft.NoToolsNeeded())

	assert.Equal(t, "test-model", captured.Model)
	assert.InDelta(t, 0.7, captured.Temperature, 0.001)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, "creating plans")
	assert.Equal(t, openai.ChatMessageRoleUser, captured.Messages[1].Role)
	assert.Contains(t, captured.Messages[1].Content, "user: the build is red")
	assert.Contains(t, captured.Messages[1].Content, "Current datetime: 2025-03-01T09:00:00Z")
	assert.Contains(t, captured.Messages[1].Content, "admin, search")
}

func TestGateway_SynthesizePlan_NoParseablePlan(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		respondCompletion(t, w, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "I cannot help with that.",
		})
	})

	draft, err := g.SynthesizePlan(context.Background(), PlanPromptInput{Now: time.Now()})
	assert.Nil(t, draft)
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestGateway_SynthesizePlan_BackendError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)
	})

	draft, err := g.SynthesizePlan(context.Background(), PlanPromptInput{Now: time.Now()})
	assert.Nil(t, draft)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPlan)
}

func TestGateway_EmptyChoices(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-test", "object": "chat.completion", "choices": []}`))
	})

	_, err := g.SynthesizePlan(context.Background(), PlanPromptInput{Now: time.Now()})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestGateway_SummarizePlan(t *testing.T) {
	var captured openai.ChatCompletionRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		captured = decodeRequest(t, r)
		respondCompletion(t, w, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "All three pricing pages were collected.",
		})
	})

	summary, err := g.SummarizePlan(context.Background(), SummaryInput{
		PlanOverview: "Collect pricing pages.",
		PlanContext:  `{"query":"compare prices"}`,
		Logs:         "**Logs**\n[2025-03-01T10:05:00Z] done",
	})
	require.NoError(t, err)
	assert.Equal(t, "All three pricing pages were collected.", summary)

	// Summarization runs at the backend's default temperature.
	assert.Zero(t, captured.Temperature)
	require.Len(t, captured.Messages, 2)
	assert.Contains(t, captured.Messages[0].Content, "summarize the outcome of completed plans")
	assert.Contains(t, captured.Messages[1].Content, "Collect pricing pages.")
}
