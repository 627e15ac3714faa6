package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataparency-dev/taskloom/internal/config"
	"github.com/dataparency-dev/taskloom/internal/events"
	"github.com/dataparency-dev/taskloom/internal/lifecycle"
	"github.com/dataparency-dev/taskloom/internal/reporter"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

func newStatusCmd() *cobra.Command {
	var rootID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress for a root task",
		Long:  "Report task counts, the next ready task, and the most recent lifecycle transition among a root task's descendants.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootID)
		},
	}

	cmd.Flags().StringVar(&rootID, "task", "", "root task ID to report status for (required)")

	return cmd
}

func runStatus(cmd *cobra.Command, rootID string) error {
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
	sched := newScheduler(schedulerConfigFrom(cfg))

	stateDir := filepath.Join(workDir, ".taskloom")
	gen := reporter.NewStatusGeneratorWithStateDir(store, lc, sched, stateDir)

	status, err := gen.GetStatus(rootID)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	_, _ = fmt.Fprint(cmd.OutOrStdout(), reporter.FormatStatus(status))
	return nil
}
