package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// escape replaces the XML metacharacters that would break the action markup.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func argString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// EncodeXML renders a single action as the XML block fed to the model.
func (a Action) EncodeXML() string {
	var sb strings.Builder
	sb.WriteString("<action>\n")
	fmt.Fprintf(&sb, "  <tool_name>%s</tool_name>\n", escape(a.ToolName))
	for _, k := range sortedKeys(a.Arguments) {
		fmt.Fprintf(&sb, "  <tool_use:%s>%s</tool_use:%s>\n", k, escape(argString(a.Arguments[k])), k)
	}
	result, err := json.MarshalIndent(a.Result, "", "  ")
	if err != nil {
		result = []byte(`{"status":"error","output":"unencodable result"}`)
	}
	fmt.Fprintf(&sb, "  <result>\n%s\n  </result>\n</action>", result)
	return sb.String()
}

// EncodeActionsXML renders an action list as prompt-ready XML, one block per
// action in order, separated by blank lines. The same rendering is used for
// token estimation so budget checks see what the model sees.
func EncodeActionsXML(actions []Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = a.EncodeXML()
	}
	return strings.Join(parts, "\n\n")
}

// sortedKeys returns map keys in a stable order so rendered prompts and
// token estimates are deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
