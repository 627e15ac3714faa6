package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataparency-dev/taskloom/internal/claude"
	"github.com/dataparency-dev/taskloom/internal/config"
	"github.com/dataparency-dev/taskloom/internal/coordinator"
	"github.com/dataparency-dev/taskloom/internal/events"
	gitpkg "github.com/dataparency-dev/taskloom/internal/git"
	"github.com/dataparency-dev/taskloom/internal/lifecycle"
	"github.com/dataparency-dev/taskloom/internal/llmagent"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
	"github.com/dataparency-dev/taskloom/internal/timeout"
	"github.com/dataparency-dev/taskloom/internal/verifier"
)

func newRunCmd() *cobra.Command {
	var rootID string
	var maxConcurrent int
	var pollIntervalMs int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Execution Coordinator",
		Long:  "Start the Execution Coordinator, dispatching ready tasks to the agent adapter until interrupted or all descendants of the root task are done.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, rootID, maxConcurrent, pollIntervalMs, verbose)
		},
	}

	cmd.Flags().StringVar(&rootID, "task", "", "root task ID whose descendants should be executed (required)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "maximum in-flight dispatches (0 uses config/coordinator default)")
	cmd.Flags().IntVar(&pollIntervalMs, "poll-interval-ms", 0, "scheduler poll interval in milliseconds (0 uses the coordinator default)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "render each dispatch's agent transcript (assistant text and tool calls) to stdout as it completes")

	return cmd
}

func runRun(cmd *cobra.Command, rootID string, maxConcurrent, pollIntervalMs int, verbose bool) error {
	if rootID == "" {
		return errors.New("--task is required")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	cfg, err := config.LoadConfigWithFile(workDir, GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := taskstore.NewLocalStore(filepath.Join(workDir, cfg.Tasks.Path))
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}

	if _, err := store.GetTask(rootID); err != nil {
		return fmt.Errorf("root task %q not found: %w", rootID, err)
	}

	allTasks, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	graph := buildGraph(allTasks)

	bus := events.NewBus()
	timeoutThreshold := cfg.Timeout.MaxTimeout
	if timeoutThreshold <= 0 {
		timeoutThreshold = 5 * time.Minute
	}
	lc := lifecycle.New(store, graph, bus, timeoutThreshold)

	schedCfg := schedulerConfigFrom(cfg)
	sched := newScheduler(schedCfg)

	claudeCommand := "claude"
	if len(cfg.Claude.Command) > 0 {
		claudeCommand = cfg.Claude.Command[0]
	}
	claudeLogsDir := filepath.Join(workDir, ".taskloom", "claude-logs")
	runner := claude.NewSubprocessRunner(claudeCommand, claudeLogsDir)
	agent := llmagent.NewClaudeAgentAdapter(runner)

	timeoutMgr := timeout.New()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Cwd = workDir
	if cfg.Safety.Sandbox {
		coordCfg.AllowedTools = cfg.Safety.AllowedCommands
	}
	if maxConcurrent > 0 {
		coordCfg.MaxConcurrentBatches = maxConcurrent
	}
	if pollIntervalMs > 0 {
		coordCfg.PollInterval = time.Duration(pollIntervalMs) * time.Millisecond
	}
	if cfg.Loop.MaxRetries > 0 {
		coordCfg.MaxRetries = cfg.Loop.MaxRetries
	}
	coordCfg.VerifyCommands = cfg.Verification.Commands
	if verbose {
		coordCfg.LiveOutput = cmd.OutOrStdout()
	}

	cmdRunner := verifier.NewCommandRunner(workDir)
	if cfg.Safety.Sandbox {
		cmdRunner.SetAllowedCommands(cfg.Safety.AllowedCommands)
	}

	gitManager := gitpkg.NewShellManager(workDir, cfg.Repo.BranchPrefix)

	coord := coordinator.New(coordCfg, store, graph, sched, lc, agent, timeoutMgr, bus, cmdRunner, gitManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived interrupt signal, stopping after in-flight dispatches...\n")
		cancel()
	}()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting coordinator for root task: %s\n", rootID)
	coord.Start(ctx)
	defer coord.Dispose()

	<-ctx.Done()
	coord.Stop()

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Coordinator stopped.")
	return nil
}
