package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

func TestReportDefaults(t *testing.T) {
	report := &Report{}

	assert.Empty(t, report.ParentTaskID)
	assert.Empty(t, report.FeatureName)
	assert.Nil(t, report.Commits)
	assert.Nil(t, report.CompletedTasks)
	assert.Nil(t, report.BlockedTasks)
	assert.Nil(t, report.FailedTasks)
	assert.Zero(t, report.TotalTasks)
	assert.Zero(t, report.TotalDuration)
	assert.True(t, report.StartTime.IsZero())
	assert.True(t, report.EndTime.IsZero())
}

func TestReportAllFields(t *testing.T) {
	now := time.Now()
	report := &Report{
		ParentTaskID: "parent-1",
		FeatureName:  "Feature X",
		Commits: []CommitInfo{
			{Hash: "abc123", Message: "feat: Add feature"},
		},
		CompletedTasks: []TaskSummary{
			{ID: "task-1", Title: "Task 1", Outcome: "completed"},
		},
		BlockedTasks: []BlockedTaskSummary{
			{ID: "task-2", Title: "Task 2", Reason: "dependency not met"},
		},
		FailedTasks: []TaskSummary{
			{ID: "task-3", Title: "Task 3", Outcome: "failed"},
		},
		TotalTasks:    3,
		TotalDuration: 10 * time.Minute,
		StartTime:     now.Add(-10 * time.Minute),
		EndTime:       now,
	}

	assert.Equal(t, "parent-1", report.ParentTaskID)
	assert.Equal(t, "Feature X", report.FeatureName)
	assert.Len(t, report.Commits, 1)
	assert.Len(t, report.CompletedTasks, 1)
	assert.Len(t, report.BlockedTasks, 1)
	assert.Len(t, report.FailedTasks, 1)
	assert.Equal(t, 3, report.TotalTasks)
	assert.Equal(t, 10*time.Minute, report.TotalDuration)
}

func TestCommitInfoDefaults(t *testing.T) {
	ci := CommitInfo{}

	assert.Empty(t, ci.Hash)
	assert.Empty(t, ci.Message)
}

func TestTaskSummaryDefaults(t *testing.T) {
	ts := TaskSummary{}

	assert.Empty(t, ts.ID)
	assert.Empty(t, ts.Title)
	assert.Empty(t, ts.Outcome)
}

func TestBlockedTaskSummaryDefaults(t *testing.T) {
	bts := BlockedTaskSummary{}

	assert.Empty(t, bts.ID)
	assert.Empty(t, bts.Title)
	assert.Empty(t, bts.Reason)
}

func TestNewReportGenerator(t *testing.T) {
	store := &mockTaskStore{tasks: []*taskstore.Task{}}

	gen := NewReportGenerator(store, nil)

	assert.NotNil(t, gen)
}

func TestGenerateReportNoTasks(t *testing.T) {
	store := &mockTaskStore{tasks: []*taskstore.Task{}}

	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Equal(t, "parent-1", report.ParentTaskID)
	assert.Empty(t, report.Commits)
	assert.Empty(t, report.CompletedTasks)
	assert.Empty(t, report.BlockedTasks)
	assert.Empty(t, report.FailedTasks)
	assert.Zero(t, report.TotalTasks)
}

func TestGenerateReportWithCompletedTasks(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusCompleted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "task-2",
			Title:     "Task 2",
			ParentID:  &parentID,
			Status:    taskstore.StatusCompleted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Len(t, report.CompletedTasks, 2)
	assert.Equal(t, "task-1", report.CompletedTasks[0].ID)
	assert.Equal(t, "Task 1", report.CompletedTasks[0].Title)
}

func TestGenerateReportWithBlockedTasks(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusBlocked,
			DependsOn: []string{"task-0"},
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Len(t, report.BlockedTasks, 1)
	assert.Equal(t, "task-1", report.BlockedTasks[0].ID)
	assert.Equal(t, "Task 1", report.BlockedTasks[0].Title)
	assert.Contains(t, report.BlockedTasks[0].Reason, "blocked")
}

func TestGenerateReportWithFailedTasks(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusFailed,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Len(t, report.FailedTasks, 1)
	assert.Equal(t, "task-1", report.FailedTasks[0].ID)
	assert.Equal(t, "Task 1", report.FailedTasks[0].Title)
}

func TestGenerateReportWithCancelledTasks(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusCancelled,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Len(t, report.CancelledTasks, 1)
	assert.Equal(t, "task-1", report.CancelledTasks[0].ID)
}

func TestGenerateReportMixedStatuses(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Completed Task",
			ParentID:  &parentID,
			Status:    taskstore.StatusCompleted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "task-2",
			Title:     "Blocked Task",
			ParentID:  &parentID,
			Status:    taskstore.StatusBlocked,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "task-3",
			Title:     "Failed Task",
			ParentID:  &parentID,
			Status:    taskstore.StatusFailed,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "task-4",
			Title:     "Cancelled Task",
			ParentID:  &parentID,
			Status:    taskstore.StatusCancelled,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "task-5",
			Title:     "Pending Task",
			ParentID:  &parentID,
			Status:    taskstore.StatusPending,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Len(t, report.CompletedTasks, 1)
	assert.Len(t, report.BlockedTasks, 1)
	assert.Len(t, report.FailedTasks, 1)
	assert.Len(t, report.CancelledTasks, 1)
	assert.Equal(t, 5, report.TotalTasks)
}

func TestGenerateReportDeepHierarchy(t *testing.T) {
	parentID := "parent-1"
	childID := "child-1"
	tasks := []*taskstore.Task{
		{
			ID:        "child-1",
			Title:     "Child Container",
			ParentID:  &parentID,
			Status:    taskstore.StatusPending,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "leaf-1",
			Title:     "Leaf Task 1",
			ParentID:  &childID,
			Status:    taskstore.StatusCompleted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:        "leaf-2",
			Title:     "Leaf Task 2",
			ParentID:  &childID,
			Status:    taskstore.StatusFailed,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	// Should include all descendants
	assert.Len(t, report.CompletedTasks, 1)
	assert.Len(t, report.FailedTasks, 1)
}

func TestGenerateReportTimeRange(t *testing.T) {
	startedAt := time.Now().Add(-60 * time.Minute)
	midStart := time.Now().Add(-50 * time.Minute)
	endTime := time.Now().Add(-10 * time.Minute)
	midEnd := time.Now().Add(-20 * time.Minute)

	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusCompleted,
			StartedAt: &startedAt,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		{
			ID:          "task-2",
			Title:       "Task 2",
			ParentID:    &parentID,
			Status:      taskstore.StatusCompleted,
			StartedAt:   &midStart,
			CompletedAt: &midEnd,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		},
		{
			ID:          "task-3",
			Title:       "Task 3",
			ParentID:    &parentID,
			Status:      taskstore.StatusCompleted,
			CompletedAt: &endTime,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gen := NewReportGenerator(store, nil)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.WithinDuration(t, startedAt, report.StartTime, time.Second)
	assert.WithinDuration(t, endTime, report.EndTime, time.Second)
	assert.InDelta(t, endTime.Sub(startedAt), report.TotalDuration, float64(time.Second))
}

func TestGenerateReportWithGitCommit(t *testing.T) {
	parentID := "parent-1"
	tasks := []*taskstore.Task{
		{
			ID:        "task-1",
			Title:     "Task 1",
			ParentID:  &parentID,
			Status:    taskstore.StatusCompleted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	store := &mockTaskStore{tasks: tasks}
	gitManager := &mockGitManager{commitHash: "abc123def456", commitMessage: "feat: finish task"}
	gen := NewReportGenerator(store, gitManager)

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	require.Len(t, report.Commits, 1)
	assert.Equal(t, "abc123def456", report.Commits[0].Hash)
	assert.Equal(t, "feat: finish task", report.Commits[0].Message)
}

func TestGenerateReportGitCommitUnavailable(t *testing.T) {
	store := &mockTaskStore{tasks: []*taskstore.Task{}}
	gen := NewReportGenerator(store, &mockGitManager{commitErr: assert.AnError})

	report, err := gen.GenerateReport("parent-1")
	require.NoError(t, err)

	assert.Empty(t, report.Commits)
}

func TestFormatReport(t *testing.T) {
	now := time.Now()
	report := &Report{
		ParentTaskID:  "parent-1",
		FeatureName:   "Feature X",
		TotalTasks:    3,
		TotalDuration: 15 * time.Minute,
		StartTime:     now.Add(-15 * time.Minute),
		EndTime:       now,
		Commits: []CommitInfo{
			{Hash: "abc123", Message: "feat: Task 1"},
		},
		CompletedTasks: []TaskSummary{
			{ID: "task-1", Title: "Task 1", Outcome: "completed"},
		},
		BlockedTasks: []BlockedTaskSummary{
			{ID: "task-2", Title: "Task 2", Reason: "dependency not met"},
		},
		FailedTasks: []TaskSummary{
			{ID: "task-3", Title: "Task 3", Outcome: "failed"},
		},
	}

	formatted := FormatReport(report)

	assert.Contains(t, formatted, "Feature Report")
	assert.Contains(t, formatted, "parent-1")
	assert.Contains(t, formatted, "Feature X")
	assert.Contains(t, formatted, "Total Tasks:** 3")
	assert.Contains(t, formatted, "Commits")
	assert.Contains(t, formatted, "abc123")
	assert.Contains(t, formatted, "Completed Tasks")
	assert.Contains(t, formatted, "task-1")
	assert.Contains(t, formatted, "Blocked Tasks")
	assert.Contains(t, formatted, "task-2")
	assert.Contains(t, formatted, "dependency not met")
	assert.Contains(t, formatted, "Failed Tasks")
	assert.Contains(t, formatted, "task-3")
}

func TestFormatReportMinimal(t *testing.T) {
	report := &Report{
		ParentTaskID: "parent-1",
	}

	formatted := FormatReport(report)

	assert.Contains(t, formatted, "Feature Report")
	assert.Contains(t, formatted, "parent-1")
	assert.Contains(t, formatted, "No commits")
	assert.Contains(t, formatted, "No completed tasks")
}

func TestFormatReportWithCancelledTasks(t *testing.T) {
	report := &Report{
		ParentTaskID: "parent-1",
		CancelledTasks: []TaskSummary{
			{ID: "task-1", Title: "Cancelled Task"},
		},
	}

	formatted := FormatReport(report)

	assert.Contains(t, formatted, "Cancelled Tasks")
	assert.Contains(t, formatted, "task-1")
}

// mockGitManager is a test double for git.Manager.
type mockGitManager struct {
	commitHash    string
	commitMessage string
	commitErr     error
}

func (m *mockGitManager) Init(_ context.Context) error { return nil }

func (m *mockGitManager) EnsureBranch(_ context.Context, _ string) error { return nil }

func (m *mockGitManager) GetCurrentCommit(_ context.Context) (string, error) {
	if m.commitErr != nil {
		return "", m.commitErr
	}
	return m.commitHash, nil
}

func (m *mockGitManager) HasChanges(_ context.Context) (bool, error) { return false, nil }

func (m *mockGitManager) GetDiffStat(_ context.Context) (string, error) { return "", nil }

func (m *mockGitManager) GetChangedFiles(_ context.Context) ([]string, error) { return nil, nil }

func (m *mockGitManager) Commit(_ context.Context, _ string) (string, error) { return "", nil }

func (m *mockGitManager) GetCurrentBranch(_ context.Context) (string, error) { return "", nil }

func (m *mockGitManager) GetCommitMessage(_ context.Context, _ string) (string, error) {
	return m.commitMessage, nil
}
