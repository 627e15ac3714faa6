// Package decomposition implements the Decomposition Service of spec.md
// §2/§9: it orchestrates the RDD Engine against a project context,
// persists the resulting sub-tasks through the Task Store, registers
// them (and their inferred dependencies) in the Dependency Graph, and
// records a human-readable session summary. It is grounded in the
// teacher's internal/runner/runner.go Run(), which wires the same set of
// collaborators (task store, progress file, git branch, agent runner)
// around a single top-level call — here restructured around one
// decomposition session instead of one iteration loop.
package decomposition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataparency-dev/taskloom/internal/atomicity"
	"github.com/dataparency-dev/taskloom/internal/depgraph"
	gitpkg "github.com/dataparency-dev/taskloom/internal/git"
	"github.com/dataparency-dev/taskloom/internal/memory"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/rdd"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// Status is a Decomposition Session's lifecycle, per spec.md §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Session is the Decomposition Session type of spec.md §3. One root
// task per session; the session outlives individual RDD recursion
// frames.
type Session struct {
	ID              string
	RootTaskID            string
	ProjectID             string
	Status                Status
	StartTime             time.Time
	EndTime               time.Time
	CurrentDepth          int
	MaxDepth              int
	TotalTasks            int
	ProcessedTasks        int
	Progress              float64
	PersistedTasks        []string
	DependencySuggestions []depgraph.Suggestion
	Error                 error
}

// Service orchestrates a single decomposition session end to end.
type Service struct {
	store    taskstore.Store
	graph    *depgraph.Graph
	engine   *rdd.Engine
	git      gitpkg.Manager
	progress *memory.ProgressFile
	sizeOpts memory.SizeOptions
}

// New creates a Service. progress may be nil to skip session-summary
// logging (e.g. in tests). sizeOpts governs how the progress file is
// rotated after each session summary; a zero value disables rotation.
func New(store taskstore.Store, graph *depgraph.Graph, engine *rdd.Engine, git gitpkg.Manager, progress *memory.ProgressFile, sizeOpts memory.SizeOptions) *Service {
	return &Service{store: store, graph: graph, engine: engine, git: git, progress: progress, sizeOpts: sizeOpts}
}

// Decompose runs one full decomposition session rooted at rootTask:
// ensures a dedicated branch, recurses the RDD Engine to leaves,
// persists every leaf sub-task, registers tasks and inferred
// dependencies in the Dependency Graph, and records a progress-file
// summary. It implements spec.md §2's "Decomposition Service
// orchestrates RDD + context + persistence + summary".
func (s *Service) Decompose(ctx context.Context, rootTask *taskstore.Task, pctx atomicity.ProjectContext) (*Session, error) {
	log := obs.Component("decomposition")

	session := &Session{
		ID:         uuid.NewString(),
		RootTaskID: rootTask.ID,
		ProjectID:  rootTask.ProjectID,
		Status:     StatusInProgress,
		StartTime:  time.Now(),
	}

	if s.git != nil {
		branch := "decompose/" + rootTask.ID
		if err := s.git.EnsureBranch(ctx, branch); err != nil {
			log.Warnw("could not ensure decomposition branch, continuing on current branch", "err", err)
		}
	}

	if err := s.store.Save(rootTask); err != nil {
		session.Status = StatusFailed
		session.Error = fmt.Errorf("persisting root task: %w", err)
		session.EndTime = time.Now()
		return session, session.Error
	}
	s.graph.AddTask(depgraph.TaskNode{ID: rootTask.ID, Priority: rootTask.Priority, EstimatedHours: rootTask.EstimatedHours})

	leaves, maxDepth, err := s.engine.DecomposeTree(ctx, rootTask, pctx, 0)
	session.CurrentDepth = maxDepth
	session.MaxDepth = maxDepth
	if err != nil {
		session.Status = StatusFailed
		session.Error = err
		session.EndTime = time.Now()
		s.recordSummary(session, rootTask, nil)
		return session, err
	}

	if len(leaves) == 0 {
		// The root task was itself atomic; it is its own leaf.
		session.TotalTasks = 1
		session.ProcessedTasks = 1
		session.Progress = 100
		session.PersistedTasks = []string{rootTask.ID}
		session.Status = StatusCompleted
		session.EndTime = time.Now()
		s.recordSummary(session, rootTask, nil)
		return session, nil
	}

	children := make([]*taskstore.Task, 0, len(leaves))
	for _, leaf := range leaves {
		select {
		case <-ctx.Done():
			session.Status = StatusCancelled
			session.Error = ctx.Err()
			session.EndTime = time.Now()
			s.recordSummary(session, rootTask, children)
			return session, session.Error
		default:
		}

		child := &taskstore.Task{
			ID:             uuid.NewString(),
			Title:          leaf.Title,
			Description:    leaf.Description,
			Type:           leaf.Type,
			Priority:       leaf.Priority,
			Status:         taskstore.StatusPending,
			EstimatedHours: leaf.EstimatedHours,
			ProjectID:      rootTask.ProjectID,
			ParentID:       &rootTask.ID,
			FilePaths:      leaf.FilePaths,
			Acceptance:     leaf.Acceptance,
			CreatorID:      "decomposition-service",
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		children = append(children, child)
	}

	if err := s.store.CreateTasks(children); err != nil {
		session.Status = StatusFailed
		session.Error = fmt.Errorf("persisting sub-tasks: %w", err)
		session.EndTime = time.Now()
		s.recordSummary(session, rootTask, children)
		return session, session.Error
	}

	inferenceInputs := make([]depgraph.InferenceInput, 0, len(children))
	for _, child := range children {
		s.graph.AddTask(depgraph.TaskNode{ID: child.ID, Priority: child.Priority, EstimatedHours: child.EstimatedHours})
		if err := s.graph.AddDependency(child.ID, rootTask.ID, depgraph.EdgeTask, 1.0, false); err != nil {
			// The root task itself can never close a cycle against a brand
			// new child id, but a defensive log beats a silent skip.
			log.Warnw("could not link sub-task to parent", "child", child.ID, "parent", rootTask.ID, "err", err)
		}
		session.PersistedTasks = append(session.PersistedTasks, child.ID)
		inferenceInputs = append(inferenceInputs, depgraph.ToInferenceInput(child))
	}

	inference := s.graph.ApplyIntelligentDependencyDetection(inferenceInputs)
	session.DependencySuggestions = inference.Suggestions
	for _, w := range inference.Warnings {
		log.Warnw("dependency inference warning", "warning", w)
	}

	session.TotalTasks = len(children)
	session.ProcessedTasks = len(children)
	session.Progress = 100
	session.Status = StatusCompleted
	session.EndTime = time.Now()

	s.recordSummary(session, rootTask, children)
	return session, nil
}

// recordSummary appends a session entry to the progress file, mirroring
// the teacher's per-iteration memory.IterationEntry shape but describing
// a whole decomposition session rather than a single agent run.
func (s *Service) recordSummary(session *Session, rootTask *taskstore.Task, children []*taskstore.Task) {
	if s.progress == nil {
		return
	}

	var filesTouched []string
	var whatChanged []string
	whatChanged = append(whatChanged, fmt.Sprintf("decomposed %q into %d sub-task(s) at depth %d", rootTask.Title, len(children), session.MaxDepth))
	for _, c := range children {
		whatChanged = append(whatChanged, c.Title)
		filesTouched = append(filesTouched, c.FilePaths...)
	}

	outcome := string(session.Status)
	if session.Error != nil {
		outcome = fmt.Sprintf("%s: %s", session.Status, session.Error.Error())
	}

	entry := memory.IterationEntry{
		TaskID:       rootTask.ID,
		TaskTitle:    rootTask.Title,
		WhatChanged:  whatChanged,
		FilesTouched: filesTouched,
		Outcome:      outcome,
	}
	if err := s.progress.AppendIteration(entry); err != nil {
		obs.Component("decomposition").Warnw("failed to record session summary", "session", session.ID, "err", err)
		return
	}

	if _, err := s.progress.EnforceMaxSize(s.sizeOpts); err != nil {
		obs.Component("decomposition").Warnw("failed to rotate progress file", "session", session.ID, "err", err)
	}
}
