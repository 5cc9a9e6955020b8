package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/runloop/compress"
	"github.com/martinemde/runloop/config"
	"github.com/martinemde/runloop/history"
	"github.com/martinemde/runloop/llm"
	"github.com/martinemde/runloop/runloop"
	"github.com/martinemde/runloop/statestore"
	"github.com/martinemde/runloop/toolserver"
)

var (
	version = "0.1.0"
	cfgFile string
	taskID  string
	jsonLog string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "runloop",
		Short: "Resumable tool-calling agent loop",
		Long: `Runloop drives an LLM through a tool-calling loop until the task
completes. State is checkpointed after every step, so a crashed or
interrupted run resumes from where it stopped when started again with
the same task id.`,
	}

	runCmd := &cobra.Command{
		Use:   "run [task input]",
		Short: "Run a task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTask,
	}
	runCmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	runCmd.Flags().StringVar(&taskID, "task-id", "", "task id to start or resume (default: a new random id)")
	runCmd.Flags().StringVar(&jsonLog, "event-log", "", "append events as JSON lines to this file")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runloop version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
	}
	if taskID == "" {
		taskID = uuid.New().String()
		fmt.Printf("task id: %s\n", taskID)
	}
	taskInput := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := llm.NewGollmGateway(cfg.Model.Provider,
		llm.WithModel(cfg.Model.Name),
	)
	if err != nil {
		return fmt.Errorf("creating model gateway: %w", err)
	}

	compModel := cfg.Model.CompressorModel
	if compModel == "" {
		compModel = cfg.Model.Name
	}
	compressor := compress.New(gateway, compModel)

	bus := runloop.NewBus(nil)
	bus.Register(runloop.NewConsoleHandler(os.Stdout))
	if jsonLog != "" {
		f, err := os.OpenFile(jsonLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer f.Close()
		bus.Register(runloop.NewJSONLHandler(f))
	}

	tools := toolserver.NewClient(cfg.ToolServer.URL,
		toolserver.WithTimeout(time.Duration(cfg.ToolServer.TimeoutSeconds)*time.Second),
	)

	exec := runloop.NewExecutor(
		runloop.Config{
			AgentName:          cfg.Agent.Name,
			Model:              cfg.Model.Name,
			MaxTurns:           cfg.Agent.MaxTurns,
			ReflectionInterval: cfg.Agent.ReflectionInterval,
			TerminalTool:       cfg.Agent.TerminalTool,
			ContextWindow:      cfg.Model.ContextWindow,
			Tools:              cfg.Tools,
		},
		gateway,
		tools,
		statestore.NewFileStore(cfg.Store.Dir),
		runloop.WithCompressor(compressor),
		runloop.WithBus(bus),
	)

	res, err := exec.Run(ctx, taskID, taskInput)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(res.Output)
	if res.Status == history.StatusError {
		if res.ErrorInfo != "" {
			fmt.Fprintln(os.Stderr, res.ErrorInfo)
		}
		os.Exit(1)
	}
	return nil
}
