package runloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
)

// scriptedModel returns responses in order; reflection calls (ToolChoiceNone)
// are answered separately so scripts only cover tool-choosing turns.
type scriptedModel struct {
	mu          sync.Mutex
	responses   []*llm.ChatResponse
	next        int
	chatCalls   int
	reflections int
	reflectErr  error
}

func (m *scriptedModel) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ToolChoice == llm.ToolChoiceNone {
		m.reflections++
		if m.reflectErr != nil {
			return nil, m.reflectErr
		}
		return &llm.ChatResponse{Status: llm.StatusSuccess, Output: "reflection text"}, nil
	}
	m.chatCalls++
	if m.next >= len(m.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[m.next]
	m.next++
	return resp, nil
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Status: llm.StatusSuccess, ToolCalls: calls}
}

// spyTools records every execution and answers from a per-tool script.
type spyTools struct {
	mu       sync.Mutex
	executed []string
	args     []map[string]any
	results  map[string]history.Result
	err      error
}

func newSpyTools() *spyTools {
	return &spyTools{results: map[string]history.Result{}}
}

func (s *spyTools) Execute(ctx context.Context, toolName string, arguments map[string]any, taskID string) (history.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, toolName)
	s.args = append(s.args, arguments)
	if s.err != nil {
		return history.Result{}, s.err
	}
	if res, ok := s.results[toolName]; ok {
		return res, nil
	}
	return history.Result{Status: history.StatusSuccess, Output: toolName + " ok"}, nil
}

// memStore is an in-memory StateStore that deep-copies through JSON-free
// struct copying on save so later mutations do not leak into stored state.
type memStore struct {
	mu      sync.Mutex
	states  map[string]*history.State
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{states: map[string]*history.State{}}
}

func (m *memStore) Save(ctx context.Context, taskID, agentID string, st *history.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	cp := *st
	cp.Rendered = append([]history.Action(nil), st.Rendered...)
	cp.FullTrace = append([]history.Action(nil), st.FullTrace...)
	cp.Pending = append([]history.PendingOperation(nil), st.Pending...)
	m.states[taskID] = &cp
	return nil
}

func (m *memStore) Load(ctx context.Context, taskID, agentID string) (*history.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	st, ok := m.states[taskID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func testConfig() Config {
	return Config{
		AgentName: "tester",
		Model:     "test-model",
		Tools: []ToolConfig{
			{Name: "search", Description: "search"},
			{Name: "final_output", Description: "finish"},
			{Name: "spawn_agent", Kind: ToolKindAgent, Level: 1, Description: "delegate"},
		},
	}
}

func newTestExecutor(model llm.Gateway, tools ToolGateway, store StateStore, cfg Config) *Executor {
	return NewExecutor(cfg, model, tools, store,
		WithExecutorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestRunCompletesOnTerminalTool(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{"q": "x"}}),
		toolCallResponse(llm.ToolCall{ID: "c2", Name: "final_output", Arguments: map[string]any{"output": "answer"}}),
	}}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "answer"}
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t1", "find the answer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != history.StatusSuccess || res.Output != "answer" {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := strings.Join(tools.executed, ","); got != "search,final_output" {
		t.Errorf("unexpected tool sequence: %s", got)
	}

	st := store.states["t1"]
	if st == nil {
		t.Fatal("no state persisted")
	}
	if len(st.Pending) != 0 {
		t.Errorf("pending operations left behind: %v", st.Pending)
	}
	if len(st.FullTrace) != 2 {
		t.Errorf("expected 2 trace actions, got %d", len(st.FullTrace))
	}
	if st.ToolCallCount != 2 {
		t.Errorf("expected tool call count 2, got %d", st.ToolCallCount)
	}
}

func TestRunIsIdempotentAfterCompletion(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "final_output", Arguments: map[string]any{"output": "done"}}),
	}}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "done"}
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	first, err := exec.Run(context.Background(), "t2", "do it")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	modelCallsAfterFirst := model.chatCalls
	toolCallsAfterFirst := len(tools.executed)

	second, err := exec.Run(context.Background(), "t2", "do it")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second != first {
		t.Errorf("rerun result differs: %+v vs %+v", second, first)
	}
	if model.chatCalls != modelCallsAfterFirst {
		t.Error("rerun of a completed task must not call the model")
	}
	if len(tools.executed) != toolCallsAfterFirst {
		t.Error("rerun of a completed task must not execute tools")
	}
}

func TestRunRecoversPendingOperations(t *testing.T) {
	// Simulate a crash: persisted state has an unsettled pending call.
	store := newMemStore()
	st := history.NewState()
	st.FirstReflectionDone = true
	st.Turn = 4
	st.AddPending(history.PendingOperation{
		CallID:    "crashed",
		ToolName:  "search",
		Arguments: map[string]any{"q": "persisted args"},
	})
	store.states["t3"] = st

	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c9", Name: "final_output", Arguments: map[string]any{"output": "recovered"}}),
	}}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "recovered"}

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t3", "resume me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "recovered" {
		t.Errorf("unexpected result: %+v", res)
	}

	// The pending call replays with its persisted arguments, before any
	// model traffic.
	if tools.executed[0] != "search" {
		t.Fatalf("expected pending search replayed first, got %v", tools.executed)
	}
	if tools.args[0]["q"] != "persisted args" {
		t.Errorf("replay must use persisted arguments, got %v", tools.args[0])
	}
	if len(store.states["t3"].Pending) != 0 {
		t.Error("pending not cleared after recovery")
	}
}

func TestRunRecoveredTerminalShortCircuits(t *testing.T) {
	store := newMemStore()
	st := history.NewState()
	st.FirstReflectionDone = true
	st.AddPending(history.PendingOperation{
		CallID:    "crashed",
		ToolName:  "final_output",
		Arguments: map[string]any{"output": "finish line"},
	})
	store.states["t4"] = st

	model := &scriptedModel{}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "finish line"}

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t4", "resume")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "finish line" {
		t.Errorf("unexpected result: %+v", res)
	}
	if model.chatCalls != 0 {
		t.Error("recovered terminal call must not reach the model")
	}
}

func TestRunRemindersThenForcedReflection(t *testing.T) {
	// Six consecutive replies without a tool call: five reminders, then a
	// forced reflection and an error result.
	var responses []*llm.ChatResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, &llm.ChatResponse{Status: llm.StatusSuccess, Output: "just chatting"})
	}
	model := &scriptedModel{responses: responses}
	tools := newSpyTools()
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t5", "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != history.StatusError {
		t.Errorf("expected error result, got %+v", res)
	}
	if res.Output != "reflection text" {
		t.Errorf("expected forced reflection as output, got %q", res.Output)
	}
	if model.chatCalls != 6 {
		t.Errorf("expected 6 tool-choosing calls, got %d", model.chatCalls)
	}

	// Reminders live in the rendered history only.
	st := store.states["t5"]
	reminders := 0
	for _, a := range st.Rendered {
		if a.ToolName == NoToolCallName {
			reminders++
		}
	}
	if reminders != 5 {
		t.Errorf("expected 5 reminders in rendered history, got %d", reminders)
	}
	for _, a := range st.FullTrace {
		if a.ToolName == NoToolCallName {
			t.Fatal("reminder leaked into the full trace")
		}
	}
}

func TestRunReflectionCadence(t *testing.T) {
	cfg := testConfig()
	cfg.ReflectionInterval = 3

	var responses []*llm.ChatResponse
	for i := 0; i < 7; i++ {
		responses = append(responses, toolCallResponse(
			llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "search", Arguments: map[string]any{}},
		))
	}
	responses = append(responses, toolCallResponse(
		llm.ToolCall{ID: "cf", Name: "final_output", Arguments: map[string]any{}},
	))
	model := &scriptedModel{responses: responses}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "done"}
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, cfg)
	if _, err := exec.Run(context.Background(), "t6", "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One initial reflection plus cadence reflections after tool calls 3
	// and 6. The 8th call is terminal and returns before a cadence check.
	if model.reflections != 3 {
		t.Errorf("expected 3 reflections (initial + 2 cadence), got %d", model.reflections)
	}
}

func TestRunInitialReflectionFailureIsNonFatal(t *testing.T) {
	model := &scriptedModel{
		reflectErr: errors.New("reflection model down"),
		responses: []*llm.ChatResponse{
			toolCallResponse(llm.ToolCall{ID: "c1", Name: "final_output", Arguments: map[string]any{}}),
		},
	}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "done"}
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t7", "task")
	if err != nil {
		t.Fatalf("initial reflection failure must not abort the run: %v", err)
	}
	if res.Output != "done" {
		t.Errorf("unexpected result: %+v", res)
	}
	if store.states["t7"].FirstReflectionDone {
		t.Error("failed initial reflection must not be marked done")
	}
}

func TestRunToolFailureIsRecordedNotFatal(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{}}),
		toolCallResponse(llm.ToolCall{ID: "c2", Name: "final_output", Arguments: map[string]any{}}),
	}}
	tools := newSpyTools()
	tools.err = errors.New("gateway unreachable")
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t8", "task")
	if err != nil {
		t.Fatalf("tool gateway failure must not abort the run: %v", err)
	}
	// The terminal call also failed at the gateway; its error result is
	// the run's result.
	if res.Status != history.StatusError {
		t.Errorf("expected error result, got %+v", res)
	}

	st := store.states["t8"]
	if st.FullTrace[0].Result.Status != history.StatusError {
		t.Error("failed tool call should be recorded with an error result")
	}
	if st.FullTrace[0].Result.ErrorInfo != "gateway unreachable" {
		t.Errorf("expected gateway error recorded, got %q", st.FullTrace[0].Result.ErrorInfo)
	}
}

func TestRunModelTransportErrorIsFatal(t *testing.T) {
	model := &scriptedModel{} // empty script: first tool-choosing call errors
	tools := newSpyTools()
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	_, err := exec.Run(context.Background(), "t9", "task")
	if err == nil {
		t.Fatal("expected error from model transport failure")
	}
}

func TestRunModelErrorStatusEndsRun(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		{Status: llm.StatusError, Output: "provider refused", ErrorInfo: "content policy"},
	}}
	tools := newSpyTools()
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	res, err := exec.Run(context.Background(), "t10", "task")
	if err != nil {
		t.Fatalf("provider-reported error is an ordinary outcome, got %v", err)
	}
	if res.Status != history.StatusError || res.ErrorInfo != "content policy" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunMaxTurnsExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 3
	cfg.ReflectionInterval = -1 // no cadence reflections

	var responses []*llm.ChatResponse
	for i := 0; i < 3; i++ {
		responses = append(responses, toolCallResponse(
			llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "search", Arguments: map[string]any{}},
		))
	}
	model := &scriptedModel{responses: responses}
	tools := newSpyTools()
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, cfg)
	res, err := exec.Run(context.Background(), "t11", "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != history.StatusError || res.ErrorInfo != "max turns exceeded" {
		t.Errorf("expected max turns error, got %+v", res)
	}
}

func TestSubAgentTaskInputUniquified(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{
			ID:        "c1",
			Name:      "spawn_agent",
			Arguments: map[string]any{"task_input": "investigate logs"},
		}),
		toolCallResponse(llm.ToolCall{ID: "c2", Name: "final_output", Arguments: map[string]any{}}),
	}}
	tools := newSpyTools()
	tools.results["final_output"] = history.Result{Status: history.StatusSuccess, Output: "done"}
	store := newMemStore()

	exec := newTestExecutor(model, tools, store, testConfig())
	if _, err := exec.Run(context.Background(), "t12", "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := tools.args[0]["task_input"].(string)
	if !strings.HasPrefix(got, "investigate logs [call-") || !strings.HasSuffix(got, "]") {
		t.Errorf("expected uniquifying suffix on sub-agent task input, got %q", got)
	}
	suffix := strings.TrimSuffix(strings.TrimPrefix(got, "investigate logs [call-"), "]")
	if len(suffix) != 8 {
		t.Errorf("expected 8 character call marker, got %q", suffix)
	}

	// The recorded action carries the mutated arguments too.
	st := store.states["t12"]
	if st.FullTrace[0].Arguments["task_input"] != got {
		t.Error("recorded arguments differ from executed arguments")
	}
}

func TestLoadFailureIsFatal(t *testing.T) {
	model := &scriptedModel{}
	tools := newSpyTools()
	store := newMemStore()
	store.loadErr = errors.New("corrupt state file")

	exec := newTestExecutor(model, tools, store, testConfig())
	_, err := exec.Run(context.Background(), "t14", "task")
	if err == nil {
		t.Fatal("expected load failure to abort the run")
	}
	if !strings.Contains(err.Error(), "corrupt state file") {
		t.Errorf("expected underlying cause in error, got %v", err)
	}
}

func TestSaveFailureIsFatal(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{}}),
	}}
	tools := newSpyTools()
	store := newMemStore()
	store.saveErr = errors.New("disk full")

	exec := newTestExecutor(model, tools, store, testConfig())
	_, err := exec.Run(context.Background(), "t13", "task")
	if err == nil {
		t.Fatal("expected persistence failure to abort the run")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected underlying cause in error, got %v", err)
	}
	if len(tools.executed) != 0 {
		t.Error("no tool may run after its pending record failed to persist")
	}
}
