package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dataparency-dev/taskloom/internal/config"
	"github.com/dataparency-dev/taskloom/internal/scheduler"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// schedulerConfigFrom maps the config file's Scheduler section onto
// scheduler.Config, falling back to scheduler.DefaultConfig() when the
// algorithm is empty. A Config loaded through the config package always
// carries an algorithm ("hybrid_optimal" unless overridden), so the
// fallback only applies to a Config built without those defaults.
func schedulerConfigFrom(cfg *config.Config) scheduler.Config {
	if cfg.Scheduler.Algorithm == "" {
		return scheduler.DefaultConfig()
	}
	return scheduler.Config{
		Algorithm: scheduler.Algorithm(cfg.Scheduler.Algorithm),
		Limits: scheduler.ResourceLimits{
			MaxMemoryMB:       cfg.Scheduler.Limits.MaxMemoryMB,
			MaxCPUUtilization: cfg.Scheduler.Limits.MaxCPUUtilization,
			AvailableAgents:   cfg.Scheduler.Limits.AvailableAgents,
			ConcurrencyCap:    cfg.Scheduler.Limits.ConcurrencyCap,
		},
	}
}

func newScheduler(cfg scheduler.Config) *scheduler.Scheduler {
	return scheduler.New(cfg)
}

func newScheduleCmd() *cobra.Command {
	var rootID string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the next execution batch for a root task's descendants",
		Long:  "Run the Task Scheduler over a root task's pending descendants and print the next batch it would dispatch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, rootID)
		},
	}

	cmd.Flags().StringVar(&rootID, "task", "", "root task ID whose descendants to schedule (required)")

	return cmd
}

func runSchedule(cmd *cobra.Command, rootID string) error {
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

	descendants := getDescendantIDs(allTasks, rootID)
	var scoped []*taskstore.Task
	for _, t := range allTasks {
		if descendants[t.ID] || t.ID == rootID {
			scoped = append(scoped, t)
		}
	}

	graph := buildGraph(allTasks)
	sched := newScheduler(schedulerConfigFrom(cfg))

	isCompleted := func(id string) bool {
		for _, t := range allTasks {
			if t.ID == id {
				return t.Status == taskstore.StatusCompleted
			}
		}
		return false
	}

	batch := sched.GetNextExecutionBatch(scoped, graph, nil, isCompleted)

	if len(batch) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No ready tasks in the next execution batch.")
		return nil
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Next execution batch (%d task(s)):\n", len(batch))
	for _, t := range batch {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s (%s) priority=%s estimated=%.1fh\n", t.ID, t.Title, t.Priority, t.EstimatedHours)
	}
	return nil
}
