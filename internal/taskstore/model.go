// Package taskstore defines the Task data model and the Task Store
// external-collaborator interface the core subsystems depend on, plus a
// JSON-file reference implementation. The on-disk layout is an external
// concern (spec.md §1); only the Store interface and its contract are
// part of the core's requirements.
package taskstore

import (
	"fmt"
	"time"
)

// TaskStatus is one of the six lifecycle states from spec.md §4.5.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusCompleted  TaskStatus = "completed"
)

var validStatuses = map[TaskStatus]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusFailed:     true,
	StatusCancelled:  true,
	StatusCompleted:  true,
}

// IsValid reports whether s is one of the six lifecycle states.
func (s TaskStatus) IsValid() bool {
	return validStatuses[s]
}

// TaskType is one of the task categories named in spec.md §3.
type TaskType string

const (
	TypeDevelopment   TaskType = "development"
	TypeTesting       TaskType = "testing"
	TypeDocumentation TaskType = "documentation"
	TypeDeployment    TaskType = "deployment"
	TypeResearch      TaskType = "research"
)

var validTypes = map[TaskType]bool{
	TypeDevelopment:   true,
	TypeTesting:       true,
	TypeDocumentation: true,
	TypeDeployment:    true,
	TypeResearch:      true,
}

// IsValid reports whether t is one of the five task types.
func (t TaskType) IsValid() bool {
	return validTypes[t]
}

// Priority is one of the four priority levels named in spec.md §3.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var validPriorities = map[Priority]bool{
	PriorityCritical: true,
	PriorityHigh:     true,
	PriorityMedium:   true,
	PriorityLow:      true,
}

// IsValid reports whether p is one of the four priority levels.
func (p Priority) IsValid() bool {
	return validPriorities[p]
}

// CriteriaBlock groups a named family of acceptance-adjacent criteria
// (testing, quality, integration, validation) named in spec.md §3.
type CriteriaBlock struct {
	Testing    []string `json:"testing,omitempty"`
	Quality    []string `json:"quality,omitempty"`
	Integration []string `json:"integration,omitempty"`
	Validation []string `json:"validation,omitempty"`
}

// Task is the atomic unit of work described in spec.md §3.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        TaskType `json:"type"`
	Priority    Priority `json:"priority"`
	Status      TaskStatus `json:"status"`

	EstimatedHours float64 `json:"estimated_hours"`
	ActualHours    float64 `json:"actual_hours"`

	ProjectID string  `json:"project_id"`
	EpicID    *string `json:"epic_id,omitempty"`
	ParentID  *string `json:"parent_id,omitempty"`

	DependsOn  []string `json:"depends_on,omitempty"`
	Dependents []string `json:"dependents,omitempty"`

	FilePaths  []string `json:"file_paths,omitempty"`
	Acceptance []string `json:"acceptance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`

	Criteria CriteriaBlock `json:"criteria,omitempty"`

	// VerifyCommands lists commands run to verify the task's work, e.g.
	// [["go","test","./..."]] — consumed by the Execution Coordinator's
	// adapted verification hook (grounded in taskstore.Task.Verify /
	// internal/verifier.CommandRunner).
	VerifyCommands [][]string `json:"verify_commands,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatorID       string  `json:"creator_id,omitempty"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
}

// Validate checks the structural invariants from spec.md §3 that do not
// require knowledge of the rest of the project's task set (id/title/
// created_at/updated_at presence, status/type/priority validity,
// actualHours ≥ 0, no self-dependency, and completed_at being set only
// on a completed task). started_at is not checked against status.
// Cross-task invariants (dependency existence, id uniqueness) are
// checked by the Dependency Graph and the Task Store, which see the
// full set.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("task status is invalid: %q", t.Status)
	}
	if t.Type != "" && !t.Type.IsValid() {
		return fmt.Errorf("task type is invalid: %q", t.Type)
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return fmt.Errorf("task priority is invalid: %q", t.Priority)
	}
	if t.ActualHours < 0 {
		return fmt.Errorf("task actual_hours must be >= 0")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("task created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("task updated_at is required")
	}
	if t.StartedAt == nil && t.Status != StatusPending && t.Status != StatusCancelled {
		// Not enforced: a task past pending may lack started_at, for
		// example one imported or saved directly as completed.
	}
	if t.CompletedAt != nil && t.Status != StatusCompleted {
		return fmt.Errorf("task completed_at set but status is %q, not completed", t.Status)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s cannot depend on itself", t.ID)
		}
	}
	return nil
}
