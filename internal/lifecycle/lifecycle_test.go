package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/events"
	"github.com/dataparency-dev/taskloom/internal/taskerr"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*taskstore.Task
}

func newMemStore(tasks ...*taskstore.Task) *memStore {
	m := &memStore{tasks: make(map[string]*taskstore.Task)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memStore) GetTask(id string) (*taskstore.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &taskstore.NotFoundError{ID: id}
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) List() ([]*taskstore.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskstore.Task
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListByParent(parentID string) ([]*taskstore.Task, error) { return nil, nil }

func (m *memStore) CreateTasks(tasks []*taskstore.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return nil
}

func (m *memStore) Save(task *taskstore.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) UpdateTaskStatus(id string, status taskstore.TaskStatus, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &taskstore.NotFoundError{ID: id}
	}
	now := time.Now()
	t.Status = status
	if status == taskstore.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status == taskstore.StatusCompleted {
		t.CompletedAt = &now
	}
	return nil
}

func (m *memStore) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func newTask(id string, status taskstore.TaskStatus) *taskstore.Task {
	now := time.Now()
	return &taskstore.Task{ID: id, Title: "task " + id, Status: status, CreatedAt: now, UpdatedAt: now}
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(taskstore.StatusPending, taskstore.StatusInProgress))
	assert.True(t, IsValidTransition(taskstore.StatusFailed, taskstore.StatusPending))
	assert.True(t, IsValidTransition(taskstore.StatusCompleted, taskstore.StatusCancelled))
	assert.False(t, IsValidTransition(taskstore.StatusCompleted, taskstore.StatusInProgress))
	assert.False(t, IsValidTransition(taskstore.StatusPending, taskstore.StatusCompleted))
}

func TestTransitionTask_RejectsInvalidTransition(t *testing.T) {
	store := newMemStore(newTask("t1", taskstore.StatusCompleted))
	svc := New(store, depgraph.New(), events.NewBus(), 0)

	_, err := svc.TransitionTask("t1", taskstore.StatusInProgress, TransitionRequest{})

	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindInvalidTransition))
}

func TestTransitionTask_EnforcesDependencyGuard(t *testing.T) {
	store := newMemStore(newTask("t1", taskstore.StatusPending), newTask("t2", taskstore.StatusPending))
	graph := depgraph.New()
	graph.AddTask(depgraph.TaskNode{ID: "t1"})
	graph.AddTask(depgraph.TaskNode{ID: "t2"})
	require.NoError(t, graph.AddDependency("t2", "t1", depgraph.EdgeTask, 1.0, false))

	svc := New(store, graph, events.NewBus(), 0)

	_, err := svc.TransitionTask("t2", taskstore.StatusInProgress, TransitionRequest{})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindDependencyNotReady))

	_, err = svc.TransitionTask("t1", taskstore.StatusInProgress, TransitionRequest{})
	require.NoError(t, err)
	_, err = svc.TransitionTask("t1", taskstore.StatusCompleted, TransitionRequest{})
	require.NoError(t, err)

	_, err = svc.TransitionTask("t2", taskstore.StatusInProgress, TransitionRequest{})
	assert.NoError(t, err)
}

func TestTransitionTask_CascadePromotesDependents(t *testing.T) {
	// T1 -> T2 -> T3 (T2 depends on T1, T3 depends on T2), per E2E-4.
	store := newMemStore(newTask("t1", taskstore.StatusPending), newTask("t2", taskstore.StatusPending), newTask("t3", taskstore.StatusPending))
	graph := depgraph.New()
	for _, id := range []string{"t1", "t2", "t3"} {
		graph.AddTask(depgraph.TaskNode{ID: id})
	}
	require.NoError(t, graph.AddDependency("t2", "t1", depgraph.EdgeTask, 1.0, false))
	require.NoError(t, graph.AddDependency("t3", "t2", depgraph.EdgeTask, 1.0, false))

	svc := New(store, graph, events.NewBus(), 0)

	_, err := svc.TransitionTask("t1", taskstore.StatusInProgress, TransitionRequest{})
	require.NoError(t, err)
	_, err = svc.TransitionTask("t1", taskstore.StatusCompleted, TransitionRequest{})
	require.NoError(t, err)

	t2, err := store.GetTask("t2")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusInProgress, t2.Status)

	t3, err := store.GetTask("t3")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, t3.Status)

	_, err = svc.TransitionTask("t2", taskstore.StatusCompleted, TransitionRequest{})
	require.NoError(t, err)

	t3, err = store.GetTask("t3")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusInProgress, t3.Status)
}

func TestProcessAutomatedTransitions_Idempotent(t *testing.T) {
	store := newMemStore(newTask("t1", taskstore.StatusCompleted))
	svc := New(store, depgraph.New(), events.NewBus(), 0)

	tasks, _ := store.List()
	result := svc.ProcessAutomatedTransitions(tasks)
	assert.Equal(t, 0, result.TransitionsTriggered)

	result = svc.ProcessAutomatedTransitions(tasks)
	assert.Equal(t, 0, result.TransitionsTriggered)
}

func TestProcessAutomatedTransitions_PromotesReadyPendingTasks(t *testing.T) {
	store := newMemStore(newTask("t1", taskstore.StatusPending))
	svc := New(store, depgraph.New(), events.NewBus(), 0)

	result := svc.ProcessAutomatedTransitions([]*taskstore.Task{mustGet(t, store, "t1")})

	assert.Equal(t, 1, result.TransitionsTriggered)
	task, _ := store.GetTask("t1")
	assert.Equal(t, taskstore.StatusInProgress, task.Status)
}

func TestProcessAutomatedTransitions_BlocksStuckInProgressTasks(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	task := newTask("t1", taskstore.StatusInProgress)
	task.StartedAt = &started
	store := newMemStore(task)
	svc := New(store, depgraph.New(), events.NewBus(), time.Minute)

	result := svc.ProcessAutomatedTransitions([]*taskstore.Task{mustGet(t, store, "t1")})

	assert.Equal(t, 1, result.TransitionsTriggered)
	updated, _ := store.GetTask("t1")
	assert.Equal(t, taskstore.StatusBlocked, updated.Status)
}

func TestHistory_CapsAt50Entries(t *testing.T) {
	store := newMemStore(newTask("t1", taskstore.StatusPending))
	svc := New(store, depgraph.New(), events.NewBus(), 0)

	_, err := svc.TransitionTask("t1", taskstore.StatusInProgress, TransitionRequest{})
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		_, _ = svc.TransitionTask("t1", taskstore.StatusBlocked, TransitionRequest{})
		_, _ = svc.TransitionTask("t1", taskstore.StatusInProgress, TransitionRequest{})
	}

	assert.LessOrEqual(t, len(svc.History("t1")), maxHistoryPerTask)
}

func mustGet(t *testing.T, store *memStore, id string) *taskstore.Task {
	t.Helper()
	task, err := store.GetTask(id)
	require.NoError(t, err)
	return task
}
