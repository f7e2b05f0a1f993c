// Package persist is the typed HTTP client for the chat platform's REST
// persistence API. Every plan, task, skill and log record the orchestrator
// touches lives behind this client; the process itself stores nothing.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultTimeout bounds every persistence round trip.
	defaultTimeout = 10 * time.Second

	// messageTimeout gives the full-room message fetch extra headroom.
	messageTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response body is carried
	// into the returned error.
	maxErrorBody = 512
)

// StatusError is a non-2xx answer from the persistence service. Body holds
// a snippet of the response so upstream failures stay diagnosable.
type StatusError struct {
	Status int
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("persistence %s returned HTTP %d", e.Path, e.Status)
	}
	return fmt.Sprintf("persistence %s returned HTTP %d: %s", e.Path, e.Status, e.Body)
}

// NotFound reports whether the service could not resolve a referenced record.
func (e *StatusError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Client talks to the chat platform's REST API rooted at baseURL. Methods
// map one-to-one onto the service's /api/ endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	msgClient  *http.Client
}

// NewClient creates a persistence client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		msgClient:  &http.Client{Timeout: messageTimeout},
	}
}

// do performs one round trip. body is JSON-encoded when non-nil; out is
// decoded from the response when non-nil. Non-2xx answers become a
// *StatusError, including 201 Created bodies the service emits on inserts.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/"+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return newStatusError(resp, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, c.httpClient, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, c.httpClient, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, c.httpClient, http.MethodPut, path, body, out)
}

func newStatusError(resp *http.Response, path string) *StatusError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Status: resp.StatusCode,
		Path:   path,
		Body:   strings.TrimSpace(string(snippet)),
	}
}
