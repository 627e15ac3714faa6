package reporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dataparency-dev/taskloom/internal/git"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// CommitInfo contains information about a git commit observed at report time.
type CommitInfo struct {
	// Hash is the commit hash.
	Hash string

	// Message is the commit message.
	Message string
}

// TaskSummary contains summary information about a task.
type TaskSummary struct {
	// ID is the task identifier.
	ID string

	// Title is the task title.
	Title string

	// Outcome is the final status string for this task.
	Outcome string
}

// BlockedTaskSummary contains information about a blocked task with its reason.
type BlockedTaskSummary struct {
	// ID is the task identifier.
	ID string

	// Title is the task title.
	Title string

	// Reason explains why the task is blocked.
	Reason string
}

// Report contains the end-of-feature summary report.
type Report struct {
	// ParentTaskID is the ID of the parent task for this feature.
	ParentTaskID string

	// FeatureName is the name of the feature (from parent task title).
	FeatureName string

	// Commits lists the HEAD commit at report time, if the working tree
	// has a git history and a commit manager was supplied.
	Commits []CommitInfo

	// CompletedTasks lists all tasks that were completed.
	CompletedTasks []TaskSummary

	// BlockedTasks lists all tasks that are blocked with their reasons.
	BlockedTasks []BlockedTaskSummary

	// FailedTasks lists all tasks that failed.
	FailedTasks []TaskSummary

	// CancelledTasks lists all tasks that were cancelled.
	CancelledTasks []TaskSummary

	// TotalTasks is the total number of descendant tasks considered.
	TotalTasks int

	// TotalDuration spans the earliest StartedAt to the latest CompletedAt
	// across all descendant tasks.
	TotalDuration time.Duration

	// StartTime is when the earliest task started.
	StartTime time.Time

	// EndTime is when the latest task completed.
	EndTime time.Time
}

// ReportGenerator generates end-of-feature reports.
type ReportGenerator struct {
	taskStore  taskstore.Store
	gitManager git.Manager
}

// NewReportGenerator creates a new report generator.
func NewReportGenerator(store taskstore.Store, gitManager git.Manager) *ReportGenerator {
	return &ReportGenerator{
		taskStore:  store,
		gitManager: gitManager,
	}
}

// GenerateReport creates a complete feature report for the given parent task.
func (g *ReportGenerator) GenerateReport(parentTaskID string) (*Report, error) {
	tasks, err := g.taskStore.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	report := &Report{
		ParentTaskID: parentTaskID,
	}

	taskByID := make(map[string]*taskstore.Task)
	for _, t := range tasks {
		taskByID[t.ID] = t
	}
	if parent, ok := taskByID[parentTaskID]; ok {
		report.FeatureName = parent.Title
	}

	descendants := g.gatherDescendants(tasks, parentTaskID)
	report.TotalTasks = len(descendants)

	for _, t := range descendants {
		switch t.Status {
		case taskstore.StatusCompleted:
			report.CompletedTasks = append(report.CompletedTasks, TaskSummary{
				ID:      t.ID,
				Title:   t.Title,
				Outcome: string(t.Status),
			})
		case taskstore.StatusBlocked:
			report.BlockedTasks = append(report.BlockedTasks, BlockedTaskSummary{
				ID:     t.ID,
				Title:  t.Title,
				Reason: g.getBlockedReason(t, taskByID),
			})
		case taskstore.StatusFailed:
			report.FailedTasks = append(report.FailedTasks, TaskSummary{
				ID:      t.ID,
				Title:   t.Title,
				Outcome: string(t.Status),
			})
		case taskstore.StatusCancelled:
			report.CancelledTasks = append(report.CancelledTasks, TaskSummary{
				ID:      t.ID,
				Title:   t.Title,
				Outcome: string(t.Status),
			})
		}

		if t.StartedAt != nil && (report.StartTime.IsZero() || t.StartedAt.Before(report.StartTime)) {
			report.StartTime = *t.StartedAt
		}
		if t.CompletedAt != nil && t.CompletedAt.After(report.EndTime) {
			report.EndTime = *t.CompletedAt
		}
	}

	if !report.StartTime.IsZero() && !report.EndTime.IsZero() {
		report.TotalDuration = report.EndTime.Sub(report.StartTime)
	}

	if g.gitManager != nil {
		ctx := context.Background()
		if hash, err := g.gitManager.GetCurrentCommit(ctx); err == nil && hash != "" {
			commit := CommitInfo{Hash: hash}
			if msg, err := g.gitManager.GetCommitMessage(ctx, hash); err == nil {
				commit.Message = msg
			}
			report.Commits = append(report.Commits, commit)
		}
	}

	return report, nil
}

// gatherDescendants collects all descendant tasks of the given parent.
func (g *ReportGenerator) gatherDescendants(tasks []*taskstore.Task, parentID string) []*taskstore.Task {
	children := make(map[string][]*taskstore.Task)
	for _, t := range tasks {
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t)
		}
	}

	var descendants []*taskstore.Task
	queue := children[parentID]
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		descendants = append(descendants, task)
		queue = append(queue, children[task.ID]...)
	}

	return descendants
}

// getBlockedReason determines why a task is blocked.
func (g *ReportGenerator) getBlockedReason(task *taskstore.Task, taskByID map[string]*taskstore.Task) string {
	if task.Status == taskstore.StatusBlocked {
		var incompleteDeps []string
		for _, depID := range task.DependsOn {
			dep, ok := taskByID[depID]
			if !ok {
				incompleteDeps = append(incompleteDeps, depID+" (not found)")
			} else if dep.Status != taskstore.StatusCompleted {
				incompleteDeps = append(incompleteDeps, depID+" ("+string(dep.Status)+")")
			}
		}
		if len(incompleteDeps) > 0 {
			return fmt.Sprintf("blocked: waiting for dependencies: %s", strings.Join(incompleteDeps, ", "))
		}
		return "blocked: marked as blocked"
	}
	return ""
}

// FormatReport formats a report for CLI display.
func FormatReport(report *Report) string {
	var sb strings.Builder

	sb.WriteString("# Feature Report\n\n")

	_, _ = fmt.Fprintf(&sb, "**Parent Task:** %s\n", report.ParentTaskID)
	if report.FeatureName != "" {
		_, _ = fmt.Fprintf(&sb, "**Feature:** %s\n", report.FeatureName)
	}
	sb.WriteString("\n")

	sb.WriteString("## Summary\n\n")
	_, _ = fmt.Fprintf(&sb, "- **Total Tasks:** %d\n", report.TotalTasks)
	if report.TotalDuration > 0 {
		_, _ = fmt.Fprintf(&sb, "- **Duration:** %s\n", formatDuration(report.TotalDuration))
	}
	if !report.StartTime.IsZero() {
		_, _ = fmt.Fprintf(&sb, "- **Started:** %s\n", report.StartTime.Format(time.RFC3339))
	}
	if !report.EndTime.IsZero() {
		_, _ = fmt.Fprintf(&sb, "- **Completed:** %s\n", report.EndTime.Format(time.RFC3339))
	}
	sb.WriteString("\n")

	sb.WriteString("## Commits\n\n")
	if len(report.Commits) == 0 {
		sb.WriteString("No commits observed.\n")
	} else {
		for _, commit := range report.Commits {
			hash := commit.Hash
			if len(hash) > 7 {
				hash = hash[:7]
			}
			_, _ = fmt.Fprintf(&sb, "- `%s` %s\n", hash, commit.Message)
		}
	}
	sb.WriteString("\n")

	sb.WriteString("## Completed Tasks\n\n")
	if len(report.CompletedTasks) == 0 {
		sb.WriteString("No completed tasks.\n")
	} else {
		for _, task := range report.CompletedTasks {
			_, _ = fmt.Fprintf(&sb, "- [x] %s (%s)\n", task.Title, task.ID)
		}
	}
	sb.WriteString("\n")

	if len(report.BlockedTasks) > 0 {
		sb.WriteString("## Blocked Tasks\n\n")
		for _, task := range report.BlockedTasks {
			_, _ = fmt.Fprintf(&sb, "- [ ] %s (%s)\n", task.Title, task.ID)
			_, _ = fmt.Fprintf(&sb, "      Reason: %s\n", task.Reason)
		}
		sb.WriteString("\n")
	}

	if len(report.FailedTasks) > 0 {
		sb.WriteString("## Failed Tasks\n\n")
		for _, task := range report.FailedTasks {
			_, _ = fmt.Fprintf(&sb, "- [!] %s (%s)\n", task.Title, task.ID)
		}
		sb.WriteString("\n")
	}

	if len(report.CancelledTasks) > 0 {
		sb.WriteString("## Cancelled Tasks\n\n")
		for _, task := range report.CancelledTasks {
			_, _ = fmt.Fprintf(&sb, "- [-] %s (%s)\n", task.Title, task.ID)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ProgressBar renders percent (clamped to 0-100) as a bracketed bar of
// width characters, '=' for the filled part and spaces for the rest.
func ProgressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if width < 0 {
		width = 0
	}
	filled := percent * width / 100
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f hours", d.Hours())
}
