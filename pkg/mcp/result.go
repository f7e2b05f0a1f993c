package mcp

import (
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Result is the outcome of one tool invocation.
type Result struct {
	// Content holds the textual blocks returned by the tool, in order.
	Content []string
	// IsError marks a failed invocation. Failed calls still carry content
	// describing what went wrong.
	IsError bool
}

// Text returns the result content joined into a single string.
func (r *Result) Text() string {
	return strings.Join(r.Content, "\n")
}

// resultFromSDK converts an SDK call result. Non-text content (images,
// embedded resources) is skipped with a debug log.
func resultFromSDK(res *mcpsdk.CallToolResult) *Result {
	out := &Result{IsError: res.IsError}
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out.Content = append(out.Content, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return out
}

// errorResult wraps a Go-level failure as an error result.
func errorResult(err error) *Result {
	return &Result{
		Content: []string{err.Error()},
		IsError: true,
	}
}
