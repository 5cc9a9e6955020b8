package runloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/runloop/history"
)

// XMLContextBuilder is the default ContextBuilder: it renders the agent
// identity, the task, and the rendered action history as XML blocks.
type XMLContextBuilder struct {
	// Preamble is prepended verbatim when non-empty (role instructions,
	// tool usage rules).
	Preamble string
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func (b *XMLContextBuilder) Build(taskID, agentID, agentName, taskInput string, rendered []history.Action, includeHistory bool) string {
	var sb strings.Builder
	if b.Preamble != "" {
		sb.WriteString(b.Preamble)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "<task_id>%s</task_id>\n", xmlEscape(taskID))
	fmt.Fprintf(&sb, "<agent name=%q id=%q/>\n", agentName, agentID)
	fmt.Fprintf(&sb, "<task_input>\n%s\n</task_input>\n", xmlEscape(taskInput))
	if includeHistory && len(rendered) > 0 {
		fmt.Fprintf(&sb, "<action_history>\n%s\n</action_history>\n", history.EncodeActionsXML(rendered))
	}
	return sb.String()
}
