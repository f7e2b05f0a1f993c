package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/parleyhq/steward/pkg/metrics"
)

// ErrNoServers indicates the bypasser was built without any descriptions to
// route between.
var ErrNoServers = errors.New("no server descriptions to route between")

// bypassTemplate asks the routing model which assistant fits the query.
// %s = conversation history, %s = user query, %s = rendered descriptions.
const bypassTemplate = `You are a helpful assistant that can find an assistant to answer a user's query based on a room's conversation.

You will be given a conversation history and a list of assistant descriptions.
You will need to determine which assistant to answer the user's query.

The conversation history is: %s
The user's query is: %s
Given the following assistant descriptions,
%s

determine which assistant to answer the user's query, summarize the chosen assistant's capabilities,
and explain why you chose that assistant.`

// Bypasser routes a query to the MCP server whose description is closest to
// the routing model's answer in embedding space. The planner falls back to
// it when a plan step names no known server.
type Bypasser struct {
	ollama     *Ollama
	names      []string // stable order, parallel to embeddings
	embeddings [][]float32
	rendered   string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewBypasser embeds every server description once. descriptions maps server
// name to its raw description text.
// Panics if ollama or m is nil.
func NewBypasser(ctx context.Context, ollama *Ollama, descriptions map[string]string, m *metrics.Metrics) (*Bypasser, error) {
	if ollama == nil {
		panic("NewBypasser: ollama must not be nil")
	}
	if m == nil {
		panic("NewBypasser: metrics must not be nil")
	}
	if len(descriptions) == 0 {
		return nil, ErrNoServers
	}

	names := make([]string, 0, len(descriptions))
	for name := range descriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	embeddings := make([][]float32, 0, len(names))
	for _, name := range names {
		vec, err := ollama.Embed(ctx, descriptions[name])
		if err != nil {
			return nil, fmt.Errorf("embed description of server %q: %w", name, err)
		}
		embeddings = append(embeddings, vec)
	}

	return &Bypasser{
		ollama:     ollama,
		names:      names,
		embeddings: embeddings,
		rendered:   renderServerDescriptions(names, descriptions),
		metrics:    m,
		logger:     slog.Default().With("component", "bypasser"),
	}, nil
}

// Select returns the name of the server best matching the query.
func (b *Bypasser) Select(ctx context.Context, conversation, query string) (string, error) {
	start := time.Now()
	server, err := b.selectServer(ctx, conversation, query)

	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.LLMRequest("bypass", status, time.Since(start))

	if err != nil {
		return "", err
	}
	b.logger.Debug("bypasser routed query", "server", server)
	return server, nil
}

func (b *Bypasser) selectServer(ctx context.Context, conversation, query string) (string, error) {
	prompt := fmt.Sprintf(bypassTemplate, conversation, query, b.rendered)

	reply, err := b.ollama.Chat(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("routing chat: %w", err)
	}

	vec, err := b.ollama.Embed(ctx, reply)
	if err != nil {
		return "", fmt.Errorf("embed routing reply: %w", err)
	}

	return b.names[nearest(vec, b.embeddings)], nil
}

// renderServerDescriptions lays the descriptions out as numbered blocks for
// the routing prompt.
func renderServerDescriptions(names []string, descriptions map[string]string) string {
	blocks := make([]string, 0, len(names))
	for i, name := range names {
		blocks = append(blocks, fmt.Sprintf("Server %d: %s\n=================\n%s\n", i+1, name, descriptions[name]))
	}
	return "\n" + strings.Join(blocks, "\n")
}

// nearest returns the index of the candidate closest to vec by Euclidean
// distance. The square root is monotonic and skipped.
func nearest(vec []float32, candidates [][]float32) int {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range candidates {
		if d := squaredDistance(vec, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func squaredDistance(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
