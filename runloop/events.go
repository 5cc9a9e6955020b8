package runloop

import (
	"time"

	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
)

// EventKind identifies the type of loop event. The naming follows
// "phase.domain.action".
type EventKind string

const (
	EventAgentStart     EventKind = "agent.start"
	EventAgentEnd       EventKind = "agent.end"
	EventHistoryLoad    EventKind = "prepare.history.load"
	EventRecoveryStart  EventKind = "prepare.tool.recover"
	EventModelCallStart EventKind = "run.model.start"
	EventModelCallEnd   EventKind = "run.model.end"
	EventToolCallStart  EventKind = "run.tool.start"
	EventToolCallEnd    EventKind = "run.tool.end"
	EventReflectStart   EventKind = "run.reflection.start"
	EventReflectEnd     EventKind = "run.reflection.end"
	EventReflectFail    EventKind = "run.reflection.fail"
	EventCompressed     EventKind = "run.history.compress"
	EventFatal          EventKind = "system.error"
	EventDisplay        EventKind = "system.display"
)

// Style hints how a display event should be rendered.
type Style string

const (
	StyleInfo      Style = "info"
	StyleWarning   Style = "warning"
	StyleSuccess   Style = "success"
	StyleError     Style = "error"
	StyleSeparator Style = "separator"
)

// Event is an immutable, timestamped record of a state transition in the
// loop. Events are never persisted; they exist only for the observers
// registered on the bus for the lifetime of one run.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	AgentName string    `json:"agent_name,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`

	// Sparse payload; which fields are set depends on Kind.
	TaskInput string          `json:"task_input,omitempty"`
	Model     string          `json:"model,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	ToolCalls []llm.ToolCall  `json:"tool_calls,omitempty"`
	Result    *history.Result `json:"result,omitempty"`
	Status    string          `json:"status,omitempty"`
	Text      string          `json:"text,omitempty"`
	Style     Style           `json:"style,omitempty"`
	Initial   bool            `json:"initial,omitempty"`
	Turn      int             `json:"turn,omitempty"`
	Count     int             `json:"count,omitempty"`
	Error     string          `json:"error,omitempty"`
}
