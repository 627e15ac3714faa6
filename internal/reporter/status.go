// Package reporter provides status display and end-of-feature report
// generation for the orchestration engine's CLI surface.
package reporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/lifecycle"
	"github.com/dataparency-dev/taskloom/internal/scheduler"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// TaskCounts holds the count of tasks in each status.
type TaskCounts struct {
	// Total is the total number of descendant tasks under the parent.
	Total int

	// Completed is the count of tasks with status "completed".
	Completed int

	// Ready is the count of tasks that are ready to execute (pending, all deps completed).
	Ready int

	// Blocked is the count of tasks with status "blocked".
	Blocked int

	// Failed is the count of tasks with status "failed".
	Failed int

	// Cancelled is the count of tasks with status "cancelled".
	Cancelled int
}

// LastTransitionInfo summarizes the most recent lifecycle transition
// recorded for any descendant task, replacing the on-disk iteration
// log the teacher's single-agent loop wrote one record per run.
type LastTransitionInfo struct {
	// TaskID is the ID of the task that transitioned.
	TaskID string

	// TaskTitle is the title of the task that transitioned.
	TaskTitle string

	// From is the status the task transitioned out of.
	From taskstore.TaskStatus

	// To is the status the task transitioned into.
	To taskstore.TaskStatus

	// TriggeredBy identifies who/what triggered the transition.
	TriggeredBy string

	// At is when the transition was recorded.
	At time.Time
}

// Status contains all status information for a parent task.
type Status struct {
	// ParentTaskID is the ID of the parent task being reported on.
	ParentTaskID string

	// Counts holds the task counts by status.
	Counts TaskCounts

	// NextTask is the next task that will be executed (if any).
	NextTask *taskstore.Task

	// LastTransition contains info about the most recent lifecycle
	// transition among this parent's descendants (if any).
	LastTransition *LastTransitionInfo

	// NextTaskFeedback is the user feedback for the next task (if any).
	NextTaskFeedback string
}

// StatusGenerator generates status information for a parent task.
type StatusGenerator struct {
	taskStore taskstore.Store
	lifecycle *lifecycle.Service
	scheduler *scheduler.Scheduler
	stateDir  string
}

// NewStatusGenerator creates a new status generator.
func NewStatusGenerator(store taskstore.Store, lc *lifecycle.Service, sched *scheduler.Scheduler) *StatusGenerator {
	return &StatusGenerator{taskStore: store, lifecycle: lc, scheduler: sched}
}

// NewStatusGeneratorWithStateDir creates a new status generator with a
// state directory to read next-task feedback files from.
func NewStatusGeneratorWithStateDir(store taskstore.Store, lc *lifecycle.Service, sched *scheduler.Scheduler, stateDir string) *StatusGenerator {
	return &StatusGenerator{taskStore: store, lifecycle: lc, scheduler: sched, stateDir: stateDir}
}

// GetStatus returns the current status for the given parent task ID.
func (g *StatusGenerator) GetStatus(parentTaskID string) (*Status, error) {
	tasks, err := g.taskStore.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	status := &Status{
		ParentTaskID: parentTaskID,
	}

	// Build parent-to-children map for traversal
	children := make(map[string][]*taskstore.Task)
	taskByID := make(map[string]*taskstore.Task)
	for _, t := range tasks {
		taskByID[t.ID] = t
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t)
		}
	}

	// Gather all descendants
	descendants := make([]*taskstore.Task, 0)
	queue := children[parentTaskID]
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		descendants = append(descendants, task)
		queue = append(queue, children[task.ID]...)
	}

	// Count tasks by status
	status.Counts.Total = len(descendants)
	for _, t := range descendants {
		switch t.Status {
		case taskstore.StatusCompleted:
			status.Counts.Completed++
		case taskstore.StatusBlocked:
			status.Counts.Blocked++
		case taskstore.StatusFailed:
			status.Counts.Failed++
		case taskstore.StatusCancelled:
			status.Counts.Cancelled++
		}
	}

	// Build a dependency graph over the full task set and count ready tasks
	if g.scheduler != nil {
		graph := buildGraph(tasks)
		isCompleted := func(id string) bool {
			t, ok := taskByID[id]
			return ok && t.Status == taskstore.StatusCompleted
		}
		batch := g.scheduler.GetNextExecutionBatch(descendants, graph, nil, isCompleted)
		status.Counts.Ready = len(batch)
		if len(batch) > 0 {
			status.NextTask = batch[0]
		}

		// Load feedback for next task if available
		if status.NextTask != nil && g.stateDir != "" {
			feedbackPath := filepath.Join(g.stateDir, fmt.Sprintf("feedback-%s.txt", status.NextTask.ID))
			if feedbackBytes, err := os.ReadFile(feedbackPath); err == nil {
				status.NextTaskFeedback = string(feedbackBytes)
			}
		}
	}

	// Find the most recent lifecycle transition among descendants
	if g.lifecycle != nil {
		var latest *lifecycle.TransitionRecord
		var latestTaskID string
		for _, t := range descendants {
			history := g.lifecycle.History(t.ID)
			if len(history) == 0 {
				continue
			}
			candidate := history[len(history)-1]
			if latest == nil || candidate.At.After(latest.At) {
				rec := candidate
				latest = &rec
				latestTaskID = t.ID
			}
		}
		if latest != nil {
			title := ""
			if t, ok := taskByID[latestTaskID]; ok {
				title = t.Title
			}
			status.LastTransition = &LastTransitionInfo{
				TaskID:      latestTaskID,
				TaskTitle:   title,
				From:        latest.From,
				To:          latest.To,
				TriggeredBy: latest.TriggeredBy,
				At:          latest.At,
			}
		}
	}

	return status, nil
}

// buildGraph constructs a Dependency Graph view of tasks from their
// depends_on lists, for callers (status/report generation) that only
// need readiness queries and don't already hold a live Graph.
func buildGraph(tasks []*taskstore.Task) *depgraph.Graph {
	graph := depgraph.New()
	for _, t := range tasks {
		graph.AddTask(depgraph.TaskNode{ID: t.ID, Priority: t.Priority, EstimatedHours: t.EstimatedHours})
	}
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			_ = graph.AddDependency(t.ID, depID, depgraph.EdgeTask, 1.0, false)
		}
	}
	return graph
}

// FormatStatus formats a status for CLI display.
func FormatStatus(status *Status) string {
	var sb strings.Builder

	sb.WriteString("## Status\n\n")

	// Parent info
	_, _ = fmt.Fprintf(&sb, "Parent: %s\n\n", status.ParentTaskID)

	// Task counts
	sb.WriteString("### Task Counts\n")
	_, _ = fmt.Fprintf(&sb, "Total: %d\n", status.Counts.Total)
	_, _ = fmt.Fprintf(&sb, "Completed: %d\n", status.Counts.Completed)
	_, _ = fmt.Fprintf(&sb, "Ready: %d\n", status.Counts.Ready)
	_, _ = fmt.Fprintf(&sb, "Blocked: %d\n", status.Counts.Blocked)
	_, _ = fmt.Fprintf(&sb, "Failed: %d\n", status.Counts.Failed)
	_, _ = fmt.Fprintf(&sb, "Cancelled: %d\n", status.Counts.Cancelled)
	sb.WriteString("\n")

	// Next task
	sb.WriteString("### Next Task\n")
	if status.NextTask != nil {
		_, _ = fmt.Fprintf(&sb, "Next Task: %s (%s)\n", status.NextTask.ID, status.NextTask.Title)
		if status.NextTaskFeedback != "" {
			_, _ = fmt.Fprintf(&sb, "Feedback: %s\n", status.NextTaskFeedback)
		}
	} else {
		sb.WriteString("Next Task: none\n")
	}
	sb.WriteString("\n")

	// Last transition
	if status.LastTransition != nil {
		sb.WriteString("### Last Transition\n")
		_, _ = fmt.Fprintf(&sb, "Task: %s\n", status.LastTransition.TaskID)
		if status.LastTransition.TaskTitle != "" {
			_, _ = fmt.Fprintf(&sb, "Title: %s\n", status.LastTransition.TaskTitle)
		}
		_, _ = fmt.Fprintf(&sb, "Transition: %s -> %s\n", status.LastTransition.From, status.LastTransition.To)
		if status.LastTransition.TriggeredBy != "" {
			_, _ = fmt.Fprintf(&sb, "Triggered by: %s\n", status.LastTransition.TriggeredBy)
		}
		if !status.LastTransition.At.IsZero() {
			_, _ = fmt.Fprintf(&sb, "At: %s\n", status.LastTransition.At.Format(time.RFC3339))
		}
	}

	return sb.String()
}
