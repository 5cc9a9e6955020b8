// Package toolserver provides an HTTP client for a remote tool execution
// service. The service receives one tool call per request and returns the
// structured result the loop records in history.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/martinemde/runloop/history"
)

const defaultTimeout = 120 * time.Second

// callRequest is the wire format for one tool execution.
type callRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	TaskID    string         `json:"task_id"`
}

type callResponse struct {
	Status    string `json:"status"`
	Output    string `json:"output"`
	ErrorInfo string `json:"error_information,omitempty"`
}

// Client executes tool calls against a tool server over HTTP. It satisfies
// the loop's ToolGateway interface; transport failures surface as errors
// and the loop records them as failed tool results.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpc = c }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.httpc = &http.Client{Timeout: d} }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	cl := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Execute posts one tool call and decodes the result. A non-2xx response
// or unreachable server returns an error; a tool that ran and failed comes
// back as a Result with StatusError and a nil error.
func (c *Client) Execute(ctx context.Context, toolName string, arguments map[string]any, taskID string) (history.Result, error) {
	body, err := json.Marshal(callRequest{
		ToolName:  toolName,
		Arguments: arguments,
		TaskID:    taskID,
	})
	if err != nil {
		return history.Result{}, fmt.Errorf("encoding tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return history.Result{}, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return history.Result{}, fmt.Errorf("calling tool server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return history.Result{}, fmt.Errorf("tool server returned %d for %s: %s", resp.StatusCode, toolName, strings.TrimSpace(string(snippet)))
	}

	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return history.Result{}, fmt.Errorf("decoding tool response: %w", err)
	}

	status := history.StatusSuccess
	if out.Status != string(history.StatusSuccess) {
		status = history.StatusError
	}
	return history.Result{
		Status:    status,
		Output:    out.Output,
		ErrorInfo: out.ErrorInfo,
	}, nil
}
