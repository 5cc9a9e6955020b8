// Package llm defines the model gateway contract used by the turn executor
// and the history compressor, plus a concrete gollm-backed gateway.
//
// The gateway separates two failure planes: a non-nil error from Chat means
// the transport itself failed (unreachable provider, configuration problem)
// and is unrecoverable for the current process; a response with
// StatusError means the provider answered but reported a failure, which the
// caller handles as an ordinary turn outcome.
package llm

import "context"

// Status reports the provider-level outcome of a chat call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the short message list sent alongside the
// system prompt.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the model may call. Parameters is a JSON Schema
// object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice controls whether the model must, may, or must not call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatRequest is the input to a single chat completion call.
type ChatRequest struct {
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt"`
	Messages     []ChatMessage `json:"messages"`
	Tools        []ToolSpec    `json:"tools,omitempty"`
	ToolChoice   ToolChoice    `json:"tool_choice,omitempty"`
}

// ChatResponse is the provider's answer to a ChatRequest.
type ChatResponse struct {
	Status    Status     `json:"status"`
	Output    string     `json:"output"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ErrorInfo string     `json:"error_information,omitempty"`
}

// Gateway is the model transport seam. Implementations are expected to
// handle their own retry policy for transient provider failures.
type Gateway interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
