// Package llm talks to the model backends. The primary chat-completion
// backend (any OpenAI-compatible endpoint) serves plan synthesis, skill
// synthesis via forced function calling, and plan summarization. A secondary
// Ollama backend serves the embeddings and the small routing model used by
// the bypasser.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/parleyhq/steward/pkg/config"
	"github.com/parleyhq/steward/pkg/metrics"
)

// chatTimeout bounds one completion round trip.
const chatTimeout = 60 * time.Second

var (
	// ErrNoChoices indicates the backend answered 200 with an empty choice list.
	ErrNoChoices = errors.New("llm returned no choices")

	// ErrNoToolCalls indicates the model produced no usable function call even
	// though tool choice was forced.
	ErrNoToolCalls = errors.New("llm returned no usable tool calls")

	// ErrNoPlan indicates the completion body carried nothing parseable as a plan.
	ErrNoPlan = errors.New("llm response contained no parseable plan")
)

// Gateway wraps the chat-completion backend behind typed operations.
// All calls are synchronous and bounded by chatTimeout.
type Gateway struct {
	client  *openai.Client
	model   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGateway creates a gateway for the configured backend.
// Panics if metrics is nil.
func NewGateway(cfg config.OpenAIConfig, m *metrics.Metrics) *Gateway {
	if m == nil {
		panic("NewGateway: metrics must not be nil")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Gateway{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		metrics: m,
		logger:  slog.Default().With("component", "llm"),
	}
}

// chat sends one completion request, records metrics under kind, and
// guarantees at least one choice on success.
func (g *Gateway) chat(ctx context.Context, kind string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	req.Model = g.model

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	g.metrics.LLMRequest(kind, status, time.Since(start))

	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("%s completion failed: %w", kind, err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("%s completion: %w", kind, ErrNoChoices)
	}
	return resp, nil
}
