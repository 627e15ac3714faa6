// Package lifecycle implements the Lifecycle Service of spec.md §4.5: a
// six-state task status machine with per-task locking, a dependency
// guard on entry to in_progress, automation passes, dependency cascade,
// capped transition history, typed events, and running statistics. It
// is grounded in the teacher's internal/taskstore status-enum shape
// (generalized to the spec's six states and restart/rollback edges),
// internal/loop/controller.go's in_progress→verify→completed/failed
// transition discipline, and internal/selector/ready.go's dependency
// readiness check (reused here as the cascade/automation guard).
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/events"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/taskerr"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// transitionTable encodes the state machine of spec.md §4.5.
var transitionTable = map[taskstore.TaskStatus]map[taskstore.TaskStatus]bool{
	taskstore.StatusPending: {
		taskstore.StatusInProgress: true,
		taskstore.StatusBlocked:    true,
		taskstore.StatusCancelled:  true,
	},
	taskstore.StatusInProgress: {
		taskstore.StatusCompleted: true,
		taskstore.StatusFailed:    true,
		taskstore.StatusBlocked:   true,
		taskstore.StatusCancelled: true,
	},
	taskstore.StatusBlocked: {
		taskstore.StatusInProgress: true,
		taskstore.StatusFailed:     true,
		taskstore.StatusCancelled:  true,
	},
	taskstore.StatusFailed: {
		taskstore.StatusPending:   true,
		taskstore.StatusCancelled: true,
	},
	taskstore.StatusCancelled: {
		taskstore.StatusPending: true,
	},
	taskstore.StatusCompleted: {
		taskstore.StatusCancelled: true,
	},
}

// IsValidTransition reports whether from->to is permitted by the §4.5 table.
func IsValidTransition(from, to taskstore.TaskStatus) bool {
	targets, ok := transitionTable[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TransitionRequest is the metadata accompanying a transitionTask call.
type TransitionRequest struct {
	Reason      string
	TriggeredBy string
	Metadata    map[string]string
	IsAutomated bool
}

// TransitionRecord is one entry in a task's capped history.
type TransitionRecord struct {
	TaskID      string
	From        taskstore.TaskStatus
	To          taskstore.TaskStatus
	Reason      string
	TriggeredBy string
	IsAutomated bool
	Metadata    map[string]string
	At          time.Time
}

const maxHistoryPerTask = 50

// Statistics are running totals maintained across all transitions.
type Statistics struct {
	TotalTransitions     int
	ByStatus             map[taskstore.TaskStatus]int
	AutomatedCount       int
	ManualCount          int
	Succeeded            int
	Recorded             int
	totalTransitionNanos int64
}

// AverageTransitionTime is the mean wall-clock time between a task's
// consecutive transitions, averaged across all tasks (0 if fewer than
// two timestamps of data are available).
func (s Statistics) AverageTransitionTime() time.Duration {
	if s.TotalTransitions == 0 {
		return 0
	}
	return time.Duration(s.totalTransitionNanos / int64(s.TotalTransitions))
}

// SuccessRate is Succeeded/Recorded, 0 if nothing has been recorded.
func (s Statistics) SuccessRate() float64 {
	if s.Recorded == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Recorded)
}

// AutomationResult is the return value of ProcessAutomatedTransitions.
type AutomationResult struct {
	TasksProcessed       int
	TransitionsTriggered int
	ProcessingTime       time.Duration
}

// Service owns task status transitions, history, statistics, and
// publishes typed events for every transition.
type Service struct {
	store              taskstore.Store
	graph              *depgraph.Graph
	bus                *events.Bus
	timeoutThreshold   time.Duration
	taskLocksMu        sync.Mutex
	taskLocks          map[string]*sync.Mutex
	historyMu          sync.Mutex
	history            map[string][]TransitionRecord
	lastTransitionAtMu sync.Mutex
	lastTransitionAt   map[string]time.Time
	statsMu            sync.Mutex
	stats              Statistics
}

// New creates a Service bound to store, graph, and an event bus.
// timeoutThreshold is the §4.5 automation "stuck in_progress" threshold.
func New(store taskstore.Store, graph *depgraph.Graph, bus *events.Bus, timeoutThreshold time.Duration) *Service {
	return &Service{
		store:            store,
		graph:            graph,
		bus:              bus,
		timeoutThreshold: timeoutThreshold,
		taskLocks:        make(map[string]*sync.Mutex),
		history:          make(map[string][]TransitionRecord),
		lastTransitionAt: make(map[string]time.Time),
		stats:            Statistics{ByStatus: make(map[taskstore.TaskStatus]int)},
	}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.taskLocksMu.Lock()
	defer s.taskLocksMu.Unlock()
	l, ok := s.taskLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.taskLocks[id] = l
	}
	return l
}

// TransitionTask implements transitionTask(id, toStatus, request) per
// spec.md §4.5. Transitions acquire the per-task lock so concurrent
// attempts on the same id serialize; the first to acquire the lock
// observes the current status and wins if its transition is valid.
func (s *Service) TransitionTask(id string, to taskstore.TaskStatus, req TransitionRequest) (*TransitionRecord, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindUnknownTask, "transitionTask", "task not found", err).WithContext("taskId", id)
	}

	from := task.Status
	if !IsValidTransition(from, to) {
		return nil, taskerr.New(taskerr.KindInvalidTransition, "transitionTask",
			fmt.Sprintf("invalid transition %s -> %s", from, to)).WithContext("taskId", id)
	}

	if to == taskstore.StatusInProgress {
		if err := s.checkDependenciesReady(id); err != nil {
			return nil, err
		}
	}

	by := req.TriggeredBy
	if err := s.store.UpdateTaskStatus(id, to, by); err != nil {
		return nil, fmt.Errorf("transitionTask: persisting status: %w", err)
	}

	record := TransitionRecord{
		TaskID:      id,
		From:        from,
		To:          to,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		IsAutomated: req.IsAutomated,
		Metadata:    req.Metadata,
		At:          time.Now(),
	}

	s.recordHistory(record)
	s.recordStatistics(record)

	updated, _ := s.store.GetTask(id)
	s.bus.Publish(events.Event{Kind: events.KindTaskTransition, Payload: events.TaskTransitionPayload{TaskID: id, Transition: record}})
	if updated != nil && to == taskstore.StatusCompleted {
		s.processDependencyCascadeLocked(id)
	}

	obs.Component("lifecycle").Infow("task transitioned", "taskId", id, "from", from, "to", to, "automated", req.IsAutomated)
	return &record, nil
}

// checkDependenciesReady implements the §4.5 dependency guard.
func (s *Service) checkDependenciesReady(id string) error {
	if s.graph == nil || !s.graph.HasNode(id) {
		return nil
	}
	for _, depID := range s.graph.Dependencies(id) {
		depTask, err := s.store.GetTask(depID)
		if err != nil || depTask.Status != taskstore.StatusCompleted {
			return taskerr.New(taskerr.KindDependencyNotReady, "transitionTask",
				fmt.Sprintf("dependency %s not completed", depID)).WithContext("taskId", id).WithContext("dependencyId", depID)
		}
	}
	return nil
}

func (s *Service) recordHistory(record TransitionRecord) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	list := append(s.history[record.TaskID], record)
	if len(list) > maxHistoryPerTask {
		list = list[len(list)-maxHistoryPerTask:]
	}
	s.history[record.TaskID] = list
}

func (s *Service) recordStatistics(record TransitionRecord) {
	s.lastTransitionAtMu.Lock()
	prev, had := s.lastTransitionAt[record.TaskID]
	s.lastTransitionAt[record.TaskID] = record.At
	s.lastTransitionAtMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.TotalTransitions++
	s.stats.ByStatus[record.To]++
	if record.IsAutomated {
		s.stats.AutomatedCount++
	} else {
		s.stats.ManualCount++
	}
	s.stats.Recorded++
	if record.To == taskstore.StatusCompleted {
		s.stats.Succeeded++
	}
	if had {
		s.stats.totalTransitionNanos += int64(record.At.Sub(prev))
	}
}

// History returns a copy of the capped transition history for id.
func (s *Service) History(id string) []TransitionRecord {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]TransitionRecord, len(s.history[id]))
	copy(out, s.history[id])
	return out
}

// GetStatistics returns a snapshot of the running statistics.
func (s *Service) GetStatistics() Statistics {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	byStatus := make(map[taskstore.TaskStatus]int, len(s.stats.ByStatus))
	for k, v := range s.stats.ByStatus {
		byStatus[k] = v
	}
	snapshot := s.stats
	snapshot.ByStatus = byStatus
	return snapshot
}

// processDependencyCascadeLocked promotes pending dependents of
// completedID whose remaining dependencies are all completed. Must be
// called with completedID's own transition already persisted (so the
// cascade observes the completed state before evaluating dependents,
// the happens-before guarantee of spec.md §5).
func (s *Service) processDependencyCascadeLocked(completedID string) {
	if s.graph == nil {
		return
	}
	for _, depID := range s.graph.Dependents(completedID) {
		task, err := s.store.GetTask(depID)
		if err != nil || task.Status != taskstore.StatusPending {
			continue
		}
		if !s.graph.IsReady(depID, s.isCompleted) {
			continue
		}
		if _, err := s.TransitionTask(depID, taskstore.StatusInProgress, TransitionRequest{
			Reason: "dependency cascade from " + completedID, TriggeredBy: "cascade", IsAutomated: true,
		}); err != nil {
			obs.Component("lifecycle").Warnw("cascade transition failed", "taskId", depID, "err", err)
		}
	}
}

func (s *Service) isCompleted(id string) bool {
	task, err := s.store.GetTask(id)
	if err != nil {
		return false
	}
	return task.Status == taskstore.StatusCompleted
}

// ProcessAutomatedTransitions implements spec.md §4.5's
// processAutomatedTransitions: promotes ready pending tasks to
// in_progress, and demotes stuck in_progress tasks to blocked.
func (s *Service) ProcessAutomatedTransitions(tasks []*taskstore.Task) AutomationResult {
	start := time.Now()
	var triggered int

	for _, task := range tasks {
		switch task.Status {
		case taskstore.StatusPending:
			if s.graph == nil || !s.graph.HasNode(task.ID) || s.graph.IsReady(task.ID, s.isCompleted) {
				if _, err := s.TransitionTask(task.ID, taskstore.StatusInProgress, TransitionRequest{
					TriggeredBy: "automation", IsAutomated: true, Reason: "dependencies satisfied",
				}); err == nil {
					triggered++
				}
			}
		case taskstore.StatusInProgress:
			if task.StartedAt != nil && s.timeoutThreshold > 0 && time.Since(*task.StartedAt) > s.timeoutThreshold {
				elapsed := time.Since(*task.StartedAt)
				if _, err := s.TransitionTask(task.ID, taskstore.StatusBlocked, TransitionRequest{
					TriggeredBy: "automation", IsAutomated: true,
					Reason: fmt.Sprintf("timeout after %s", elapsed),
				}); err == nil {
					triggered++
				}
			}
		}
	}

	result := AutomationResult{TasksProcessed: len(tasks), TransitionsTriggered: triggered, ProcessingTime: time.Since(start)}
	s.bus.Publish(events.Event{Kind: events.KindAutomationProcessed, Payload: events.AutomationProcessedPayload{
		TasksProcessed: result.TasksProcessed, TransitionsTriggered: result.TransitionsTriggered, ProcessingTime: result.ProcessingTime,
	}})
	return result
}
