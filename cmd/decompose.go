package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dataparency-dev/taskloom/internal/atomicity"
	"github.com/dataparency-dev/taskloom/internal/claude"
	"github.com/dataparency-dev/taskloom/internal/config"
	"github.com/dataparency-dev/taskloom/internal/decomposition"
	gitpkg "github.com/dataparency-dev/taskloom/internal/git"
	"github.com/dataparency-dev/taskloom/internal/llmagent"
	"github.com/dataparency-dev/taskloom/internal/memory"
	"github.com/dataparency-dev/taskloom/internal/rdd"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

func newDecomposeCmd() *cobra.Command {
	var rootID string
	var searchTerm string
	var projectID string
	var complexity string

	cmd := &cobra.Command{
		Use:   "decompose",
		Short: "Recursively decompose a root task into atomic sub-tasks",
		Long:  "Run the Recursive Decomposition Engine over a root task, persisting every atomic leaf it produces.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecompose(cmd, rootID, searchTerm, projectID, complexity)
		},
	}

	cmd.Flags().StringVar(&rootID, "task", "", "root task ID to decompose")
	cmd.Flags().StringVar(&searchTerm, "search", "", "search term to find the root task by title")
	cmd.Flags().StringVar(&projectID, "project", "", "project ID for atomicity/context scoring")
	cmd.Flags().StringVar(&complexity, "complexity", "medium", "project complexity hint (low/medium/high)")

	return cmd
}

func runDecompose(cmd *cobra.Command, rootID, searchTerm, projectID, complexity string) error {
	if rootID == "" && searchTerm == "" {
		return errors.New("either --task or --search must be specified")
	}
	if rootID != "" && searchTerm != "" {
		return errors.New("cannot specify both --task and --search")
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

	resolvedID := rootID
	if searchTerm != "" {
		resolvedID, err = searchTaskByTitle(store, searchTerm)
		if err != nil {
			return err
		}
	}

	rootTask, err := store.GetTask(resolvedID)
	if err != nil {
		var notFoundErr *taskstore.NotFoundError
		if errors.As(err, &notFoundErr) {
			return fmt.Errorf("root task %q not found", resolvedID)
		}
		return fmt.Errorf("failed to get root task: %w", err)
	}

	allTasks, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	graph := buildGraph(allTasks)

	claudeCommand := "claude"
	if len(cfg.Claude.Command) > 0 {
		claudeCommand = cfg.Claude.Command[0]
	}
	claudeLogsDir := filepath.Join(workDir, ".taskloom", "claude-logs")
	runner := claude.NewSubprocessRunner(claudeCommand, claudeLogsDir)
	llm := llmagent.NewClaudeLLMAdapter(runner, workDir)

	detector := atomicity.New(llm)
	rddCfg := rdd.Config{
		MaxDepth:                    cfg.RDD.MaxDepth,
		MaxSubTasks:                 cfg.RDD.MaxSubTasks,
		MinConfidence:               cfg.RDD.MinConfidence,
		EpicTimeLimitHours:          cfg.RDD.EpicTimeLimitHours,
		EnableParallelDecomposition: cfg.RDD.EnableParallelDecomposition,
		Parallelism:                 cfg.RDD.Parallelism,
	}
	if rddCfg.MaxDepth == 0 {
		rddCfg = rdd.DefaultConfig()
	}
	engine := rdd.New(detector, llm, rddCfg)

	gitManager := gitpkg.NewShellManager(workDir, cfg.Repo.BranchPrefix)

	progressPath := filepath.Join(workDir, cfg.Memory.ProgressFile)
	progress := memory.NewProgressFile(progressPath)
	if !progress.Exists() {
		if err := progress.Init(rootTask.Title, rootTask.ID); err != nil {
			return fmt.Errorf("failed to initialize progress file: %w", err)
		}
	}
	progress.SetArchive(memory.NewProgressArchive(filepath.Join(workDir, cfg.Memory.ArchiveDir)))
	sizeOpts := memory.SizeOptions{
		MaxBytes:            cfg.Memory.MaxProgressBytes,
		MaxRecentIterations: cfg.Memory.MaxRecentIterations,
	}

	svc := decomposition.New(store, graph, engine, gitManager, progress, sizeOpts)

	pctx := atomicity.ProjectContext{ProjectID: projectID, Complexity: complexity}
	if hints, err := memory.ReadAgentsMd(workDir); err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to read AGENTS.md files: %v\n", err)
	} else if hints != "" {
		pctx.DirectoryHints = []string{hints}
	}
	session, err := svc.Decompose(context.Background(), rootTask, pctx)
	if err != nil {
		return fmt.Errorf("decomposition failed: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Decomposition %s for root task %s (%s)\n", session.Status, rootTask.Title, rootTask.ID)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Total tasks: %d, persisted: %d, progress: %.0f%%\n",
		session.TotalTasks, len(session.PersistedTasks), session.Progress)
	if len(session.DependencySuggestions) > 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Inferred %d cross-task dependency suggestion(s)\n", len(session.DependencySuggestions))
	}
	if session.Error != nil {
		return fmt.Errorf("decomposition completed with error: %w", session.Error)
	}
	return nil
}

// searchTaskByTitle finds exactly one task whose title contains the
// search term (case-insensitive), erroring on zero or multiple matches.
func searchTaskByTitle(store taskstore.Store, searchTerm string) (string, error) {
	tasks, err := store.List()
	if err != nil {
		return "", fmt.Errorf("failed to list tasks: %w", err)
	}

	searchLower := strings.ToLower(searchTerm)
	var matches []*taskstore.Task
	for _, task := range tasks {
		if strings.Contains(strings.ToLower(task.Title), searchLower) {
			matches = append(matches, task)
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("no task found matching %q", searchTerm)
	}
	if len(matches) > 1 {
		var ids []string
		for _, t := range matches {
			ids = append(ids, fmt.Sprintf("%s (%s)", t.ID, t.Title))
		}
		return "", fmt.Errorf("multiple tasks match %q: %s", searchTerm, strings.Join(ids, ", "))
	}
	return matches[0].ID, nil
}
