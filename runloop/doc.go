// Package runloop implements a resumable turn loop for an autonomous
// tool-calling agent.
//
// Each turn the executor builds a prompt from the persisted action history,
// asks the model for the next tool call, executes it through a tool gateway,
// and records the result. State is checkpointed to a StateStore after every
// step, so a crashed process resumes by replaying any in-flight tool call
// and continuing from the saved turn. A task that already produced its
// terminal action returns the recorded result without any new model traffic.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Executor: The turn loop itself. Drives model calls, tool execution,
//     reminders, reflection checkpoints, and crash recovery.
//   - ToolGateway / StateStore / Compressor: Pluggable collaborators for
//     tool dispatch, persistence, and history compression.
//   - HierarchyTracker: Bookkeeping for nested agents spawned as tools.
//   - Bus: Ordered fan-out of loop events to registered handlers.
//
// # Quick Start
//
//	exec := runloop.NewExecutor(cfg, gateway, tools, store,
//	    runloop.WithCompressor(compressor),
//	    runloop.WithBus(bus),
//	)
//	res, err := exec.Run(ctx, taskID, "Summarize the quarterly report")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Output)
package runloop
