package runloop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
)

const (
	// ToolKindAgent marks a tool whose execution spawns a nested agent.
	ToolKindAgent = "llm_call_agent"

	// NoToolCallName is the synthetic action recorded when the model
	// replies without calling a tool. It appears in the rendered history
	// only, never in the full trace.
	NoToolCallName = "_no_tool_call"

	defaultMaxTurns           = 10_000_000
	defaultReflectionInterval = 10
	defaultMaxToolReminders   = 5
	defaultTerminalTool       = "final_output"
	defaultContextWindow      = 80_000
)

// ToolConfig declares one tool the model may call.
type ToolConfig struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Level       int            `json:"level,omitempty" yaml:"level,omitempty"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Config controls one executor. Zero values get sensible defaults from
// normalize; TerminalTool must name one of the declared Tools.
type Config struct {
	AgentName          string
	Model              string
	MaxTurns           int
	ReflectionInterval int
	MaxToolReminders   int
	TerminalTool       string
	ContextWindow      int
	Tools              []ToolConfig
}

func (c *Config) normalize() {
	if c.AgentName == "" {
		c.AgentName = "agent"
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.ReflectionInterval == 0 {
		c.ReflectionInterval = defaultReflectionInterval
	}
	if c.MaxToolReminders <= 0 {
		c.MaxToolReminders = defaultMaxToolReminders
	}
	if c.TerminalTool == "" {
		c.TerminalTool = defaultTerminalTool
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
}

// Result is the final outcome of a run.
type Result struct {
	Status    history.Status `json:"status"`
	Output    string         `json:"output"`
	ErrorInfo string         `json:"error_information,omitempty"`
}

// Executor drives the turn loop for one agent configuration. It is safe
// for concurrent Run calls; all per-run state lives on the run struct.
type Executor struct {
	cfg    Config
	model  llm.Gateway
	tools  ToolGateway
	store  StateStore
	hier   HierarchyTracker
	ctxb   ContextBuilder
	comp   Compressor
	bus    *Bus
	logger *slog.Logger

	specs   []llm.ToolSpec
	toolCfg map[string]ToolConfig
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

func WithHierarchy(h HierarchyTracker) ExecutorOption {
	return func(e *Executor) { e.hier = h }
}

func WithContextBuilder(b ContextBuilder) ExecutorOption {
	return func(e *Executor) { e.ctxb = b }
}

func WithCompressor(c Compressor) ExecutorOption {
	return func(e *Executor) { e.comp = c }
}

func WithBus(b *Bus) ExecutorOption {
	return func(e *Executor) { e.bus = b }
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor wires an executor from its collaborators. The model gateway,
// tool gateway, and state store are required; everything else defaults.
func NewExecutor(cfg Config, model llm.Gateway, tools ToolGateway, store StateStore, opts ...ExecutorOption) *Executor {
	cfg.normalize()
	e := &Executor{
		cfg:     cfg,
		model:   model,
		tools:   tools,
		store:   store,
		toolCfg: make(map[string]ToolConfig, len(cfg.Tools)),
	}
	for _, tc := range cfg.Tools {
		e.toolCfg[tc.Name] = tc
		e.specs = append(e.specs, llm.ToolSpec{
			Name:        tc.Name,
			Description: tc.Description,
			Parameters:  tc.Parameters,
		})
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hier == nil {
		e.hier = NewInMemoryHierarchy()
	}
	if e.ctxb == nil {
		e.ctxb = &XMLContextBuilder{}
	}
	if e.bus == nil {
		e.bus = NewBus(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// run holds the state of one Run invocation.
type run struct {
	taskID     string
	taskInput  string
	agentID    string
	st         *history.State
	noToolRuns int
}

// Run executes the loop until the terminal tool fires, the turn limit is
// reached, or an unrecoverable error occurs. Unrecoverable errors are
// returned, never exit the process. A completed task is idempotent: calling
// Run again returns the recorded result without touching the model.
func (e *Executor) Run(ctx context.Context, taskID, taskInput string) (Result, error) {
	r := &run{taskID: taskID, taskInput: taskInput}

	e.bus.Dispatch(Event{
		Kind:      EventAgentStart,
		AgentName: e.cfg.AgentName,
		TaskInput: taskInput,
		Model:     e.cfg.Model,
	})
	r.agentID = e.hier.Push(e.cfg.AgentName, taskInput)

	st, err := e.store.Load(ctx, taskID, r.agentID)
	if err != nil {
		return e.fatal(r, fmt.Errorf("loading state for task %s: %w", taskID, err))
	}
	if st == nil {
		r.st = history.NewState()
	} else {
		r.st = st
		e.bus.Dispatch(Event{
			Kind:    EventHistoryLoad,
			AgentID: r.agentID,
			Turn:    st.Turn,
			Count:   len(st.Rendered),
		})

		// A previous run may already have finished this task. Check the
		// full trace before any model or tool traffic happens.
		if a, ok := st.TerminalAction(e.cfg.TerminalTool); ok {
			return e.finish(r, Result{
				Status:    a.Result.Status,
				Output:    a.Result.Output,
				ErrorInfo: a.Result.ErrorInfo,
			}), nil
		}

		res, done, rerr := e.recoverPending(ctx, r)
		if rerr != nil {
			return e.fatal(r, rerr)
		}
		if done {
			return e.finish(r, res), nil
		}
	}

	if !r.st.FirstReflectionDone {
		if text, err := e.reflect(ctx, r, true); err != nil {
			e.bus.Dispatch(Event{Kind: EventReflectFail, AgentID: r.agentID, Initial: true, Error: err.Error()})
			e.logger.Warn("initial reflection failed", "task_id", taskID, "error", err)
		} else {
			r.st.LatestReflection = text
			r.st.FirstReflectionDone = true
			e.hier.UpdateCheckpoint(r.agentID, text)
			if err := e.store.Save(ctx, taskID, r.agentID, r.st); err != nil {
				return e.fatal(r, fmt.Errorf("saving state after initial reflection: %w", err))
			}
		}
	}

	for turn := r.st.Turn; turn < e.cfg.MaxTurns; turn++ {
		r.st.Turn = turn
		if err := e.store.Save(ctx, taskID, r.agentID, r.st); err != nil {
			return e.fatal(r, fmt.Errorf("saving state at turn %d: %w", turn, err))
		}

		if e.comp != nil {
			before := len(r.st.Rendered)
			compressed := e.comp.CompressIfNeeded(ctx, r.st.Rendered, e.cfg.ContextWindow, r.st.LatestReflection, taskInput)
			if len(compressed) < before {
				e.bus.Dispatch(Event{
					Kind:    EventCompressed,
					AgentID: r.agentID,
					Turn:    before,
					Count:   len(compressed),
				})
				r.st.Rendered = compressed
			}
		}

		prompt := e.ctxb.Build(taskID, r.agentID, e.cfg.AgentName, taskInput, r.st.Rendered, true)
		e.bus.Dispatch(Event{Kind: EventModelCallStart, AgentID: r.agentID, Model: e.cfg.Model, Turn: turn})
		resp, err := e.model.Chat(ctx, llm.ChatRequest{
			Model:        e.cfg.Model,
			SystemPrompt: prompt,
			Messages: []llm.ChatMessage{{
				Role:    llm.RoleUser,
				Content: "Decide the next action. Call exactly one of the available tools; call " + e.cfg.TerminalTool + " when the task is complete.",
			}},
			Tools:      e.specs,
			ToolChoice: llm.ToolChoiceRequired,
		})
		if err != nil {
			return e.fatal(r, fmt.Errorf("model call at turn %d: %w", turn, err))
		}
		e.bus.Dispatch(Event{
			Kind:      EventModelCallEnd,
			AgentID:   r.agentID,
			Status:    string(resp.Status),
			ToolCalls: resp.ToolCalls,
		})
		if resp.Status == llm.StatusError {
			return e.finish(r, Result{
				Status:    history.StatusError,
				Output:    resp.Output,
				ErrorInfo: resp.ErrorInfo,
			}), nil
		}

		if len(resp.ToolCalls) == 0 {
			res, done := e.handleNoToolCall(ctx, r, turn, resp.Output)
			if done {
				return e.finish(r, res), nil
			}
			continue
		}
		r.noToolRuns = 0

		before := r.st.ToolCallCount
		for _, call := range resp.ToolCalls {
			final, err := e.executeToolCall(ctx, r, call, turn)
			if err != nil {
				return e.fatal(r, err)
			}
			if final != nil {
				return e.finish(r, *final), nil
			}
		}

		if e.cfg.ReflectionInterval > 0 {
			after := r.st.ToolCallCount
			if after/e.cfg.ReflectionInterval > before/e.cfg.ReflectionInterval {
				e.periodicReflect(ctx, r)
			}
		}
	}

	return e.finish(r, Result{
		Status:    history.StatusError,
		Output:    fmt.Sprintf("turn limit of %d reached before %s was called", e.cfg.MaxTurns, e.cfg.TerminalTool),
		ErrorInfo: "max turns exceeded",
	}), nil
}

// recoverPending re-executes operations that were in flight when a previous
// run crashed. Each pending record holds the exact arguments that were about
// to run, so replay is byte-identical. An operation may have already taken
// effect before the crash; replay is at most a second execution and results
// are recorded as ordinary actions.
func (e *Executor) recoverPending(ctx context.Context, r *run) (Result, bool, error) {
	if len(r.st.Pending) == 0 {
		return Result{}, false, nil
	}
	e.bus.Dispatch(Event{Kind: EventRecoveryStart, AgentID: r.agentID, Count: len(r.st.Pending)})

	pending := r.st.Pending
	r.st.Pending = nil
	for _, op := range pending {
		res, err := e.tools.Execute(ctx, op.ToolName, op.Arguments, r.taskID)
		if err != nil {
			res = history.Result{
				Status:    history.StatusError,
				Output:    "tool execution failed",
				ErrorInfo: err.Error(),
			}
		}
		e.bus.Dispatch(Event{
			Kind:     EventToolCallEnd,
			AgentID:  r.agentID,
			ToolName: op.ToolName,
			CallID:   op.CallID,
			Result:   &res,
		})
		a := history.Action{
			ToolName:  op.ToolName,
			Arguments: op.Arguments,
			Result:    res,
			Turn:      r.st.Turn,
		}
		r.st.Append(a)
		e.hier.RecordAction(r.agentID, a)
		r.st.ToolCallCount++

		if op.ToolName == e.cfg.TerminalTool {
			if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
				return Result{}, false, fmt.Errorf("saving state after recovered terminal call: %w", err)
			}
			return Result{Status: res.Status, Output: res.Output, ErrorInfo: res.ErrorInfo}, true, nil
		}
	}
	if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
		return Result{}, false, fmt.Errorf("saving state after recovery: %w", err)
	}
	return Result{}, false, nil
}

// handleNoToolCall records a reminder for a model reply that skipped the
// tool call. After MaxToolReminders consecutive misses it forces a
// reflection and ends the run with an error result. Reminders live in the
// rendered history only; the full trace stays tool calls only.
func (e *Executor) handleNoToolCall(ctx context.Context, r *run, turn int, output string) (Result, bool) {
	r.noToolRuns++
	if r.noToolRuns <= e.cfg.MaxToolReminders {
		reminder := history.Action{
			ToolName:  NoToolCallName,
			Arguments: map[string]any{"response": output},
			Result: history.Result{
				Status:    history.StatusError,
				Output:    "no tool call in response",
				ErrorInfo: fmt.Sprintf("you must respond with a tool call; call %s to finish the task", e.cfg.TerminalTool),
			},
			Turn: turn,
		}
		r.st.Rendered = append(r.st.Rendered, reminder)
		if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
			e.logger.Warn("saving state after reminder", "task_id", r.taskID, "error", err)
		}
		return Result{}, false
	}

	text, err := e.reflect(ctx, r, false)
	if err != nil || text == "" {
		text = fmt.Sprintf("the model stopped calling tools after %d reminders and no recovery reflection was produced", e.cfg.MaxToolReminders)
	}
	return Result{
		Status:    history.StatusError,
		Output:    text,
		ErrorInfo: "model produced no tool call after repeated reminders",
	}, true
}

// executeToolCall runs one tool call through pending registration, the
// gateway, and history recording. It returns a non-nil Result only when the
// terminal tool fired. Returned errors are persistence failures and abort
// the run.
func (e *Executor) executeToolCall(ctx context.Context, r *run, call llm.ToolCall, turn int) (*Result, error) {
	args := call.Arguments
	if tc, ok := e.toolCfg[call.Name]; ok && tc.Kind == ToolKindAgent && tc.Level != 0 {
		if ti, ok := args["task_input"].(string); ok {
			// Uniquifying before the pending record is written keeps the
			// persisted arguments identical to what actually executes.
			cp := make(map[string]any, len(args))
			for k, v := range args {
				cp[k] = v
			}
			cp["task_input"] = ti + " [call-" + uuid.New().String()[:8] + "]"
			args = cp
		}
	}

	e.bus.Dispatch(Event{
		Kind:      EventToolCallStart,
		AgentID:   r.agentID,
		ToolName:  call.Name,
		CallID:    call.ID,
		Arguments: args,
	})
	r.st.AddPending(history.PendingOperation{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: args,
		Status:    history.PendingStatus,
	})
	if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
		return nil, fmt.Errorf("saving pending operation %s: %w", call.ID, err)
	}

	res, err := e.tools.Execute(ctx, call.Name, args, r.taskID)
	if err != nil {
		res = history.Result{
			Status:    history.StatusError,
			Output:    "tool execution failed",
			ErrorInfo: err.Error(),
		}
	}
	r.st.RemovePending(call.ID)
	e.bus.Dispatch(Event{
		Kind:     EventToolCallEnd,
		AgentID:  r.agentID,
		ToolName: call.Name,
		CallID:   call.ID,
		Result:   &res,
	})

	a := history.Action{
		ToolName:  call.Name,
		Arguments: args,
		Result:    res,
		Turn:      turn,
	}
	r.st.Append(a)
	e.hier.RecordAction(r.agentID, a)
	r.st.ToolCallCount++
	if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
		return nil, fmt.Errorf("saving state after tool call %s: %w", call.ID, err)
	}

	if call.Name == e.cfg.TerminalTool {
		return &Result{Status: res.Status, Output: res.Output, ErrorInfo: res.ErrorInfo}, nil
	}
	return nil, nil
}

// periodicReflect runs the cadence reflection. On success the rendered
// history collapses into the new checkpoint; failures are reported and the
// loop continues with what it has.
func (e *Executor) periodicReflect(ctx context.Context, r *run) {
	text, err := e.reflect(ctx, r, false)
	if err != nil {
		e.bus.Dispatch(Event{Kind: EventReflectFail, AgentID: r.agentID, Error: err.Error()})
		e.logger.Warn("reflection failed", "task_id", r.taskID, "error", err)
		return
	}
	r.st.LatestReflection = text
	r.st.Rendered = nil
	e.hier.UpdateCheckpoint(r.agentID, text)
	if err := e.store.Save(ctx, r.taskID, r.agentID, r.st); err != nil {
		e.logger.Warn("saving state after reflection", "task_id", r.taskID, "error", err)
	}
}

// reflect asks the model for a progress checkpoint covering what has been
// done, what remains, and what to do next.
func (e *Executor) reflect(ctx context.Context, r *run, initial bool) (string, error) {
	e.bus.Dispatch(Event{
		Kind:      EventReflectStart,
		AgentName: e.cfg.AgentName,
		AgentID:   r.agentID,
		Initial:   initial,
		Count:     r.st.ToolCallCount,
	})

	instruction := "Summarize the progress so far: what has been accomplished, what remains, and the immediate next step. Be specific and concise."
	if initial {
		instruction = "Before starting, restate the task in your own words and outline the plan you will follow. Be specific and concise."
	}
	prompt := e.ctxb.Build(r.taskID, r.agentID, e.cfg.AgentName, r.taskInput, r.st.Rendered, true)
	resp, err := e.model.Chat(ctx, llm.ChatRequest{
		Model:        e.cfg.Model,
		SystemPrompt: prompt,
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: instruction}},
		ToolChoice:   llm.ToolChoiceNone,
	})
	if err != nil {
		return "", err
	}
	if resp.Status == llm.StatusError {
		return "", fmt.Errorf("reflection returned error: %s", resp.ErrorInfo)
	}
	e.bus.Dispatch(Event{Kind: EventReflectEnd, AgentID: r.agentID, Initial: initial, Text: resp.Output})
	return resp.Output, nil
}

// finish closes the hierarchy node and emits the end event.
func (e *Executor) finish(r *run, res Result) Result {
	e.hier.Pop(r.agentID, res.Output)
	e.bus.Dispatch(Event{
		Kind:      EventAgentEnd,
		AgentName: e.cfg.AgentName,
		AgentID:   r.agentID,
		Status:    string(res.Status),
		Text:      res.Output,
	})
	return res
}

// fatal reports an unrecoverable failure with enough context to resume the
// task, then returns the error to the caller. The process decides whether
// to exit; the loop never does.
func (e *Executor) fatal(r *run, err error) (Result, error) {
	var checkpoint string
	if r.st != nil {
		checkpoint = r.st.LatestReflection
	}
	if len(checkpoint) > 500 {
		checkpoint = checkpoint[:500] + "..."
	}
	diag := fmt.Sprintf(
		"unrecoverable error (%T): %v\nlatest checkpoint: %s\nrerun with the same task id %q to resume from saved state",
		err, err, checkpoint, r.taskID,
	)
	e.logger.Error("run aborted", "task_id", r.taskID, "agent_id", r.agentID, "error", err)
	e.bus.Dispatch(Event{
		Kind:    EventFatal,
		AgentID: r.agentID,
		Text:    diag,
		Style:   StyleError,
		Error:   err.Error(),
	})
	e.hier.Pop(r.agentID, "aborted: "+err.Error())
	return Result{}, err
}
