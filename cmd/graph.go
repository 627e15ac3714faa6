package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dataparency-dev/taskloom/internal/config"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

func newGraphCmd() *cobra.Command {
	var rootID string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the dependency graph and recommended execution order",
		Long:  "Validate a root task's descendant dependency graph and print its topological order, parallel batches, and critical path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, rootID)
		},
	}

	cmd.Flags().StringVar(&rootID, "task", "", "root task ID whose descendant graph to inspect (required)")

	return cmd
}

func runGraph(cmd *cobra.Command, rootID string) error {
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

	if _, err := store.GetTask(rootID); err != nil {
		return fmt.Errorf("root task %q not found: %w", rootID, err)
	}

	graph := buildGraph(allTasks)

	if cycle := graph.DetectCycle(); cycle != nil {
		return fmt.Errorf("task graph contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	if result := graph.ValidateDependencies(); !result.IsValid {
		return fmt.Errorf("task graph is invalid:\n%s", strings.Join(result.Errors, "\n"))
	}

	order, err := graph.GetRecommendedExecutionOrder()
	if err != nil {
		return fmt.Errorf("failed to compute execution order: %w", err)
	}

	descendants := getDescendantIDs(allTasks, rootID)
	descendants[rootID] = true

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Topological order (%d task(s) in scope):\n", len(descendants))
	for _, id := range order.TopologicalOrder {
		if descendants[id] {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", id)
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nParallel batches:\n")
	batchNum := 1
	for _, batch := range order.ParallelBatches {
		var scoped []string
		for _, id := range batch {
			if descendants[id] {
				scoped = append(scoped, id)
			}
		}
		if len(scoped) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", batchNum, strings.Join(scoped, ", "))
		batchNum++
	}

	if len(order.CriticalPath) > 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nCritical path (%.1fh): %s\n", order.EstimatedDuration, strings.Join(order.CriticalPath, " -> "))
	}

	return nil
}
