package runloop

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ConsoleHandler renders events as human-readable lines.
type ConsoleHandler struct {
	w io.Writer
}

// NewConsoleHandler creates a console handler writing to w.
func NewConsoleHandler(w io.Writer) *ConsoleHandler {
	return &ConsoleHandler{w: w}
}

func stylePrefix(s Style) string {
	switch s {
	case StyleWarning:
		return "! "
	case StyleSuccess:
		return "+ "
	case StyleError:
		return "x "
	case StyleSeparator:
		return ""
	default:
		return "  "
	}
}

func (h *ConsoleHandler) HandleEvent(e Event) {
	switch e.Kind {
	case EventAgentStart:
		fmt.Fprintf(h.w, "[%s] starting: %s\n", e.AgentName, e.TaskInput)
	case EventAgentEnd:
		fmt.Fprintf(h.w, "[%s] finished with status %s\n", e.AgentName, e.Status)
	case EventHistoryLoad:
		fmt.Fprintf(h.w, "loaded session state: resuming at turn %d (%d rendered actions)\n", e.Turn+1, e.Count)
	case EventModelCallStart:
		fmt.Fprintf(h.w, "model call (%s)...\n", e.Model)
	case EventModelCallEnd:
		fmt.Fprintf(h.w, "model returned %d tool call(s)\n", len(e.ToolCalls))
	case EventToolCallStart:
		fmt.Fprintf(h.w, "-> %s\n", e.ToolName)
	case EventToolCallEnd:
		status := ""
		if e.Result != nil {
			status = string(e.Result.Status)
		}
		fmt.Fprintf(h.w, "<- %s (%s)\n", e.ToolName, status)
	case EventReflectStart:
		if e.Initial {
			fmt.Fprintf(h.w, "[%s] initial planning...\n", e.AgentName)
		} else {
			fmt.Fprintf(h.w, "[%s] reflecting after %d tool calls...\n", e.AgentName, e.Count)
		}
	case EventReflectEnd:
		fmt.Fprintf(h.w, "[%s] reflection complete\n", e.AgentName)
	case EventReflectFail:
		fmt.Fprintf(h.w, "! [%s] reflection failed: %s\n", e.AgentName, e.Error)
	case EventCompressed:
		fmt.Fprintf(h.w, "+ history compressed: %d -> %d actions\n", e.Turn, e.Count)
	case EventFatal:
		fmt.Fprintln(h.w, e.Text)
	case EventDisplay:
		if e.Style == StyleSeparator {
			fmt.Fprintf(h.w, "\n%s\n", e.Text)
		} else {
			fmt.Fprintf(h.w, "%s%s\n", stylePrefix(e.Style), e.Text)
		}
	}
}

// JSONLHandler streams every event as one JSON object per line, for
// machine consumers tailing a run.
type JSONLHandler struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLHandler creates a JSONL handler writing to w.
func NewJSONLHandler(w io.Writer) *JSONLHandler {
	return &JSONLHandler{enc: json.NewEncoder(w)}
}

func (h *JSONLHandler) HandleEvent(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Encoding errors are swallowed: a broken telemetry sink must not
	// interrupt the loop.
	_ = h.enc.Encode(e)
}
