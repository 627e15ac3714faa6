package cmd

import (
	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// buildGraph constructs an in-memory dependency graph from a task set's
// own DependsOn edges. Every cmd that needs a *depgraph.Graph (status,
// graph, schedule, run) builds it the same way from whatever the task
// store currently holds, since the store itself doesn't persist graph
// edges separately from task fields.
func buildGraph(tasks []*taskstore.Task) *depgraph.Graph {
	g := depgraph.New()
	for _, t := range tasks {
		g.AddTask(depgraph.TaskNode{ID: t.ID, Priority: t.Priority, EstimatedHours: t.EstimatedHours})
	}
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			_ = g.AddDependency(t.ID, depID, depgraph.EdgeTask, 1.0, false)
		}
	}
	return g
}

// getDescendantIDs returns the set of all descendant task IDs under parentID.
func getDescendantIDs(tasks []*taskstore.Task, parentID string) map[string]bool {
	children := make(map[string][]string)
	for _, t := range tasks {
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t.ID)
		}
	}

	descendants := make(map[string]bool)
	queue := children[parentID]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		descendants[id] = true
		queue = append(queue, children[id]...)
	}
	return descendants
}
