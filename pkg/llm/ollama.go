package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/steward/pkg/config"
)

// Ollama is a minimal client for the embed and chat endpoints of an Ollama
// server. It backs the bypasser; the main completion traffic goes through
// Gateway.
type Ollama struct {
	baseURL    string
	embedModel string
	chatModel  string
	httpClient *http.Client
}

// NewOllama creates a client for the configured Ollama server.
func NewOllama(cfg config.OllamaConfig) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for one input text.
func (o *Ollama) Embed(ctx context.Context, input string) ([]float32, error) {
	var resp embedResponse
	err := o.post(ctx, "/api/embed", embedRequest{Model: o.embedModel, Input: input}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed returned no vector for model %q", o.embedModel)
	}
	return resp.Embeddings[0], nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends one user prompt to the routing model and returns the reply.
func (o *Ollama) Chat(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model:    o.chatModel,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	}
	var resp chatResponse
	if err := o.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (o *Ollama) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
