package compress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
)

// SummaryToolName is the tool name of the synthetic action that replaces the
// summarized portion of the history.
const SummaryToolName = "_historical_summary"

const (
	defaultSafetyMargin  = 20000 // reserve for the next response and tool results
	defaultSummaryTarget = 5000
	chunkFraction        = 0.6 // share of the window a single summarization call may consume
	historyOverhead      = 2000
	fieldOverhead        = 1000
	charsPerToken        = 3 // hard-split estimate for a single oversized paragraph
)

// Compressor implements the two-tier history compression strategy. All of
// its methods are best-effort: they degrade to smaller or less faithful
// output but never fail the caller's turn.
type Compressor struct {
	gw            llm.Gateway
	model         string
	est           TokenEstimator
	logger        *slog.Logger
	safetyMargin  int
	summaryTarget int
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithEstimator overrides the token estimator.
func WithEstimator(est TokenEstimator) Option {
	return func(c *Compressor) { c.est = est }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compressor) { c.logger = logger }
}

// WithSafetyMargin overrides the reserve subtracted from the window before
// the budget check.
func WithSafetyMargin(tokens int) Option {
	return func(c *Compressor) { c.safetyMargin = tokens }
}

// WithSummaryTarget overrides the token target for the historical summary.
func WithSummaryTarget(tokens int) Option {
	return func(c *Compressor) { c.summaryTarget = tokens }
}

// New creates a Compressor that delegates summarization to the given model.
func New(gw llm.Gateway, model string, opts ...Option) *Compressor {
	c := &Compressor{
		gw:            gw,
		model:         model,
		safetyMargin:  defaultSafetyMargin,
		summaryTarget: defaultSummaryTarget,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.est == nil {
		c.est = NewEstimator()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// CompressIfNeeded returns the history unchanged when its estimated size
// (together with the checkpoint and task text it will be prompted with) fits
// the window minus the safety margin. Otherwise it returns exactly two
// actions: a historical summary and a field-compressed copy of the most
// recent action. The output is never longer than the input.
func (c *Compressor) CompressIfNeeded(ctx context.Context, actions []history.Action, window int, checkpoint, taskInput string) []history.Action {
	if len(actions) == 0 {
		return actions
	}

	// A single action cannot be summarized away; only its own oversized
	// fields are compressed.
	if len(actions) == 1 {
		return []history.Action{c.compressActionFields(ctx, actions[0], window/2, checkpoint, taskInput, window)}
	}

	total := c.est.Count(history.EncodeActionsXML(actions) + checkpoint + taskInput)
	if total <= window-c.safetyMargin {
		return actions
	}
	c.logger.Info("compressing action history",
		"actions", len(actions), "estimated_tokens", total, "budget", window-c.safetyMargin)

	recent := actions[len(actions)-1]
	historical := actions[:len(actions)-1]

	summary := c.summarizeHistory(ctx, history.EncodeActionsXML(historical), checkpoint, taskInput, window)
	compressedRecent := c.compressActionFields(ctx, recent, window/2, checkpoint, taskInput, window)

	return []history.Action{summary, compressedRecent}
}

// summarizeHistory condenses the rendered history (minus the most recent
// action) into one summary action, chunking the input when it would not fit
// the summarization call's own context.
func (c *Compressor) summarizeHistory(ctx context.Context, xml, checkpoint, taskInput string, window int) history.Action {
	contextInfo := contextBlock(taskInput, checkpoint, "")
	available := int(float64(window)*chunkFraction) - c.est.Count(contextInfo) - historyOverhead
	if available < c.summaryTarget {
		available = c.summaryTarget
	}

	if c.est.Count(xml) > available {
		return c.chunkedSummarize(ctx, xml, contextInfo, available)
	}

	out, err := c.callSummarizer(ctx, historySummaryPrompt(contextInfo, xml, c.summaryTarget), c.summaryTarget)
	if err != nil {
		c.logger.Warn("history summarization failed, dropping summarized span", "error", err)
		return summaryAction("[prior actions omitted]", false, 0)
	}
	return summaryAction(out, false, 0)
}

// chunkedSummarize splits the XML on action boundaries, summarizes each
// chunk toward an even share of the target, and concatenates the results in
// original order. A failed chunk yields a marked placeholder instead of
// aborting the operation.
func (c *Compressor) chunkedSummarize(ctx context.Context, xml, contextInfo string, chunkTokens int) history.Action {
	chunks := splitActionsXML(xml, chunkTokens, c.est)
	if len(chunks) == 0 {
		return summaryAction("[prior actions omitted]", false, 0)
	}

	perChunk := c.summaryTarget / len(chunks)
	if perChunk < 1 {
		perChunk = 1
	}

	summaries := make([]string, len(chunks))
	for i, chunk := range chunks {
		prompt := chunkSummaryPrompt(contextInfo, chunk, i+1, len(chunks), perChunk)
		out, err := c.callSummarizer(ctx, prompt, perChunk)
		if err != nil {
			c.logger.Warn("chunk summarization failed", "chunk", i+1, "error", err)
			summaries[i] = fmt.Sprintf("[chunk %d] [chunk failed]", i+1)
			continue
		}
		summaries[i] = fmt.Sprintf("[chunk %d] %s", i+1, out)
	}

	return summaryAction(strings.Join(summaries, "\n\n"), true, len(chunks))
}

// callSummarizer issues a single no-tools model call and returns its text.
func (c *Compressor) callSummarizer(ctx context.Context, prompt string, target int) (string, error) {
	resp, err := c.gw.Chat(ctx, llm.ChatRequest{
		Model:        c.model,
		SystemPrompt: fmt.Sprintf("You are a context compression assistant. Goal: compress the content to at most %d tokens while keeping the core information.", target),
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		ToolChoice:   llm.ToolChoiceNone,
	})
	if err != nil {
		return "", err
	}
	if resp.Status != llm.StatusSuccess {
		return "", fmt.Errorf("summarization call failed: %s", resp.ErrorInfo)
	}
	return resp.Output, nil
}

func summaryAction(output string, chunked bool, chunkCount int) history.Action {
	return history.Action{
		ToolName:  SummaryToolName,
		Arguments: map[string]any{},
		Result: history.Result{
			Status:     history.StatusSuccess,
			Output:     output,
			IsSummary:  true,
			Chunked:    chunked,
			ChunkCount: chunkCount,
		},
	}
}

// contextBlock renders the task, checkpoint, and field-source context that
// steers every summarization prompt.
func contextBlock(taskInput, checkpoint, fieldSource string) string {
	var sb strings.Builder
	if taskInput != "" {
		fmt.Fprintf(&sb, "\n<task_requirements>\n%s\n</task_requirements>\n", taskInput)
	}
	if checkpoint != "" {
		fmt.Fprintf(&sb, "\n<current_progress>\n%s\n</current_progress>\n", checkpoint)
	}
	if fieldSource != "" {
		fmt.Fprintf(&sb, "\n<field_source>\nThis is the content of %s from the most recent action.\n</field_source>\n", fieldSource)
	}
	return sb.String()
}
