package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
)

// fakeGateway scripts summarization responses.
type fakeGateway struct {
	calls int
	fn    func(req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (g *fakeGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	g.calls++
	if g.fn != nil {
		return g.fn(req)
	}
	return &llm.ChatResponse{Status: llm.StatusSuccess, Output: "condensed"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCompressor(gw llm.Gateway, opts ...Option) *Compressor {
	base := []Option{
		WithEstimator(HeuristicEstimator{}),
		WithLogger(quietLogger()),
	}
	return New(gw, "test-model", append(base, opts...)...)
}

func bigActions(n, outputChars int) []history.Action {
	actions := make([]history.Action, n)
	for i := range actions {
		actions[i] = history.Action{
			ToolName:  fmt.Sprintf("tool_%d", i),
			Arguments: map[string]any{"step": fmt.Sprintf("%d", i)},
			Result: history.Result{
				Status: history.StatusSuccess,
				Output: strings.Repeat("x", outputChars),
			},
			Turn: i,
		}
	}
	return actions
}

func TestCompressIfNeededEmpty(t *testing.T) {
	c := newTestCompressor(&fakeGateway{})
	if got := c.CompressIfNeeded(context.Background(), nil, 10000, "", ""); len(got) != 0 {
		t.Errorf("expected empty result, got %d actions", len(got))
	}
}

func TestCompressIfNeededUnderBudget(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw, WithSafetyMargin(100))

	actions := bigActions(3, 50)
	got := c.CompressIfNeeded(context.Background(), actions, 100000, "checkpoint", "task")
	if len(got) != 3 {
		t.Fatalf("expected passthrough, got %d actions", len(got))
	}
	if gw.calls != 0 {
		t.Errorf("expected no model calls under budget, got %d", gw.calls)
	}
}

func TestCompressIfNeededOverBudget(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw, WithSafetyMargin(90000))

	actions := bigActions(20, 3000)
	got := c.CompressIfNeeded(context.Background(), actions, 100000, "checkpoint", "task")

	if len(got) != 2 {
		t.Fatalf("expected exactly 2 actions (summary + recent), got %d", len(got))
	}
	if got[0].ToolName != SummaryToolName {
		t.Errorf("expected first action %s, got %s", SummaryToolName, got[0].ToolName)
	}
	if !got[0].Result.IsSummary {
		t.Error("summary action should carry IsSummary")
	}
	if got[0].Result.Output != "condensed" {
		t.Errorf("expected scripted summary output, got %q", got[0].Result.Output)
	}
	if got[1].ToolName != actions[19].ToolName {
		t.Errorf("expected most recent action kept, got %s", got[1].ToolName)
	}
	if gw.calls == 0 {
		t.Error("expected at least one summarization call")
	}
}

func TestCompressIfNeededChunksLargeHistory(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw, WithSafetyMargin(1000), WithSummaryTarget(200))

	// History far larger than the summarization call's own budget forces
	// the chunked path.
	actions := bigActions(30, 4000)
	got := c.CompressIfNeeded(context.Background(), actions, 20000, "", "task")

	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if !got[0].Result.Chunked {
		t.Fatal("expected chunked summary")
	}
	if got[0].Result.ChunkCount < 2 {
		t.Errorf("expected multiple chunks, got %d", got[0].Result.ChunkCount)
	}
	if !strings.Contains(got[0].Result.Output, "[chunk 1]") {
		t.Errorf("expected chunk markers in output: %q", got[0].Result.Output)
	}
}

func TestSummarizationFailureDropsSpan(t *testing.T) {
	gw := &fakeGateway{fn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("model unavailable")
	}}
	c := newTestCompressor(gw, WithSafetyMargin(90000))

	actions := bigActions(20, 3000)
	got := c.CompressIfNeeded(context.Background(), actions, 100000, "", "task")

	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if got[0].Result.Output != "[prior actions omitted]" {
		t.Errorf("expected omission placeholder, got %q", got[0].Result.Output)
	}
}

func TestChunkFailureLeavesMarker(t *testing.T) {
	gw := &fakeGateway{fn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("model unavailable")
	}}
	c := newTestCompressor(gw, WithSafetyMargin(1000), WithSummaryTarget(200))

	actions := bigActions(30, 4000)
	got := c.CompressIfNeeded(context.Background(), actions, 20000, "", "task")

	if !strings.Contains(got[0].Result.Output, "[chunk failed]") {
		t.Errorf("expected per-chunk failure markers, got %q", got[0].Result.Output)
	}
}

func TestCompressSingleActionFields(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw)

	// One action with an output far over half the window gets its fields
	// compressed in place rather than summarized away.
	a := history.Action{
		ToolName: "read_file",
		Result: history.Result{
			Status: history.StatusSuccess,
			Output: strings.Repeat("long document text. ", 2000),
		},
	}
	got := c.CompressIfNeeded(context.Background(), []history.Action{a}, 10000, "", "task")

	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got))
	}
	if got[0].ToolName != "read_file" {
		t.Errorf("tool name should survive field compression, got %s", got[0].ToolName)
	}
	if !got[0].Result.Compressed {
		t.Error("expected Compressed flag on rewritten output")
	}
	if got[0].Result.OriginalTokens == 0 {
		t.Error("expected OriginalTokens to record pre-compression size")
	}
}

func TestCompressActionFieldsLeavesSmallFields(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw)

	a := history.Action{
		ToolName:  "search",
		Arguments: map[string]any{"query": "short"},
		Result:    history.Result{Status: history.StatusSuccess, Output: "brief"},
	}
	got := c.compressActionFields(context.Background(), a, 1000, "", "task", 10000)

	if got.Result.Output != "brief" || got.Result.Compressed {
		t.Errorf("small fields should pass through untouched: %+v", got.Result)
	}
	if gw.calls != 0 {
		t.Errorf("expected no model calls, got %d", gw.calls)
	}
}

func TestCompressOversizedArgument(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCompressor(gw)

	a := history.Action{
		ToolName: "write_file",
		Arguments: map[string]any{
			"path":    "out.txt",
			"content": strings.Repeat("data ", 2000),
		},
	}
	got := c.compressActionFields(context.Background(), a, 100, "", "task", 100000)

	if got.Arguments["path"] != "out.txt" {
		t.Errorf("small argument should pass through, got %v", got.Arguments["path"])
	}
	if got.Arguments["content"] == a.Arguments["content"] {
		t.Error("oversized argument should have been compressed")
	}
	// The input map is never mutated.
	if len(a.Arguments["content"].(string)) != 10000 {
		t.Error("original action mutated")
	}
}
