package runloop

import (
	"context"

	"github.com/martinemde/runloop/history"
)

// ToolGateway dispatches a tool call. A tool that fails returns a Result
// with StatusError; a non-nil error means the gateway itself could not be
// reached and is recorded the same way, since tool problems are never fatal
// to the loop.
type ToolGateway interface {
	Execute(ctx context.Context, toolName string, arguments map[string]any, taskID string) (history.Result, error)
}

// StateStore persists session state keyed by (task, agent) with latest-wins
// semantics. Load returns (nil, nil) when no state exists. Each Save must be
// atomic for its single record; no multi-key guarantees are required.
type StateStore interface {
	Save(ctx context.Context, taskID, agentID string, st *history.State) error
	Load(ctx context.Context, taskID, agentID string) (*history.State, error)
}

// HierarchyTracker maintains the nested-agent bookkeeping. The loop only
// pushes itself on entry, records actions and checkpoints as it goes, and
// pops with a summary on exit.
type HierarchyTracker interface {
	Push(name, taskInput string) string
	Pop(agentID, summary string)
	UpdateCheckpoint(agentID, text string)
	RecordAction(agentID string, a history.Action)
}

// ContextBuilder assembles the system prompt for one model call.
type ContextBuilder interface {
	Build(taskID, agentID, agentName, taskInput string, rendered []history.Action, includeHistory bool) string
}

// Compressor keeps the rendered history inside the window. It is
// best-effort and must never fail the turn; the returned slice is never
// longer than the input.
type Compressor interface {
	CompressIfNeeded(ctx context.Context, actions []history.Action, window int, checkpoint, taskInput string) []history.Action
}
