// Package history defines the action-based session data model shared by the
// turn executor, the compressor, and the state store: completed tool
// invocations, in-flight pending operations, and the persisted session state
// that makes a run resumable.
package history

// Status reports the outcome of a tool invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result holds the outcome of one tool invocation. The compression flags are
// set only on actions the compressor has rewritten.
type Result struct {
	Status    Status `json:"status"`
	Output    string `json:"output"`
	ErrorInfo string `json:"error_information,omitempty"`

	// Compression flags.
	IsSummary      bool `json:"is_summary,omitempty"`
	Compressed     bool `json:"compressed,omitempty"`
	OriginalTokens int  `json:"original_tokens,omitempty"`
	Chunked        bool `json:"chunked,omitempty"`
	ChunkCount     int  `json:"chunk_count,omitempty"`
}

// Attachment carries a modality payload (e.g. an image read by a vision
// tool). Attachments ride along with the action for one prompt round and are
// dropped by compression like any other oversized content.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Action records one completed tool invocation. Actions are appended within
// a turn and replaced wholesale only by compression.
type Action struct {
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Result      Result         `json:"result"`
	Turn        int            `json:"turn"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// PendingOperation marks a tool call as in flight. It is registered before
// the call is dispatched and removed once the call settles, so a pending
// operation present in persisted state means the call started but its
// completion was never recorded.
type PendingOperation struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Status    string         `json:"status"`
}

// PendingStatus is the only status a PendingOperation ever carries; settled
// operations are removed rather than transitioned.
const PendingStatus = "pending"

// State is the unit of persistence for one (task, agent) pair.
//
// Rendered is the prompt-facing history and is subject to compression.
// FullTrace is the append-only audit log: a superset, in order, of every
// tool call ever executed for the session, including ones compression later
// drops from Rendered.
type State struct {
	Rendered            []Action           `json:"rendered_history"`
	FullTrace           []Action           `json:"full_trace"`
	Pending             []PendingOperation `json:"pending_operations"`
	LatestReflection    string             `json:"latest_reflection"`
	Turn                int                `json:"current_turn"`
	ToolCallCount       int                `json:"tool_call_count"`
	FirstReflectionDone bool               `json:"first_reflection_done"`
}

// NewState returns an empty session state.
func NewState() *State {
	return &State{}
}

// TerminalAction scans the full trace for a completed invocation of the
// designated terminal tool. Used on load to make runs idempotent.
func (s *State) TerminalAction(terminalTool string) (Action, bool) {
	for _, a := range s.FullTrace {
		if a.ToolName == terminalTool {
			return a, true
		}
	}
	return Action{}, false
}

// Append records a settled action on both histories.
func (s *State) Append(a Action) {
	s.FullTrace = append(s.FullTrace, a)
	s.Rendered = append(s.Rendered, a)
}

// AddPending registers an operation as in flight.
func (s *State) AddPending(op PendingOperation) {
	op.Status = PendingStatus
	s.Pending = append(s.Pending, op)
}

// RemovePending settles the operation with the given call ID.
func (s *State) RemovePending(callID string) {
	kept := s.Pending[:0]
	for _, op := range s.Pending {
		if op.CallID != callID {
			kept = append(kept, op)
		}
	}
	s.Pending = kept
}
