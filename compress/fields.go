package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/runloop/history"
)

// contentHint biases field compression toward what matters for a given tool.
type contentHint struct {
	contentType string
	focus       string
}

// hintForTool picks a content-type hint from the tool name.
func hintForTool(toolName string) contentHint {
	lower := strings.ToLower(toolName)
	switch {
	case strings.Contains(lower, "parse") || strings.Contains(lower, "read"):
		return contentHint{
			contentType: "document content",
			focus:       "Keep the key sections, core arguments, important data, and conclusions",
		}
	case strings.Contains(lower, "execute") || strings.Contains(lower, "run"):
		return contentHint{
			contentType: "execution result",
			focus:       "Keep the key output, error messages, return values, and exit status",
		}
	case strings.Contains(lower, "search"):
		return contentHint{
			contentType: "search result",
			focus:       "Keep the most relevant hits and key matching passages",
		}
	default:
		return contentHint{
			contentType: "content",
			focus:       "Keep the most important core information",
		}
	}
}

// compressActionFields returns a copy of the action with every field that
// exceeds maxFieldTokens individually compressed. Fields under the limit
// pass through untouched, so an action that fits is returned as-is.
func (c *Compressor) compressActionFields(ctx context.Context, a history.Action, maxFieldTokens int, checkpoint, taskInput string, window int) history.Action {
	out := a

	if len(a.Arguments) > 0 {
		args := make(map[string]any, len(a.Arguments))
		changed := false
		for k, v := range a.Arguments {
			s, ok := v.(string)
			if !ok || c.est.Count(s) <= maxFieldTokens {
				args[k] = v
				continue
			}
			fieldSource := fmt.Sprintf("argument %q of tool %q", k, a.ToolName)
			args[k] = c.compressField(ctx, s, maxFieldTokens, a.ToolName, checkpoint, taskInput, fieldSource, window)
			changed = true
		}
		if changed {
			out.Arguments = args
		}
	}

	if tokens := c.est.Count(a.Result.Output); tokens > maxFieldTokens {
		fieldSource := fmt.Sprintf("the result of tool %q", a.ToolName)
		out.Result.Output = c.compressField(ctx, a.Result.Output, maxFieldTokens, a.ToolName, checkpoint, taskInput, fieldSource, window)
		out.Result.Compressed = true
		out.Result.OriginalTokens = tokens
	}

	return out
}

// compressField compresses one oversized field toward the target, chunking
// when the field itself would not fit the compression call's context, and
// falling back to head/tail truncation when the model is unavailable.
func (c *Compressor) compressField(ctx context.Context, text string, target int, toolName, checkpoint, taskInput, fieldSource string, window int) string {
	hint := hintForTool(toolName)
	contextInfo := contextBlock(taskInput, checkpoint, fieldSource)

	available := int(float64(window)*chunkFraction) - c.est.Count(contextInfo) - fieldOverhead
	if available < target {
		available = target
	}

	if c.est.Count(text) > available {
		return c.chunkedCompressField(ctx, text, target, hint, contextInfo, available)
	}

	out, err := c.callSummarizer(ctx, fieldPrompt(contextInfo, text, hint, target), target)
	if err != nil {
		c.logger.Warn("field compression failed, using head/tail fallback",
			"tool", toolName, "error", err)
		return c.fallbackCompress(text, target)
	}
	return out
}

// chunkedCompressField splits an oversized field into token-bounded chunks
// (paragraph-aware, hard character split as last resort) and compresses each
// toward an even share of the target.
func (c *Compressor) chunkedCompressField(ctx context.Context, text string, target int, hint contentHint, contextInfo string, chunkTokens int) string {
	chunks := splitParagraphs(text, chunkTokens, c.est)
	if len(chunks) == 0 {
		return text
	}

	perChunk := target / len(chunks)
	if perChunk < 1 {
		perChunk = 1
	}

	results := make([]string, len(chunks))
	for i, chunk := range chunks {
		prompt := chunkFieldPrompt(contextInfo, chunk, hint, i+1, len(chunks), perChunk)
		out, err := c.callSummarizer(ctx, prompt, perChunk)
		if err != nil {
			c.logger.Warn("field chunk compression failed", "chunk", i+1, "error", err)
			results[i] = head(chunk, 500) + "\n[chunk failed]"
			continue
		}
		results[i] = out
	}

	return strings.Join(results, "\n\n---\n\n")
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
