package depgraph

// IsReady reports whether id's dependencies are all satisfied, per the
// supplied completion predicate. Grounded in the teacher's
// selector.isTaskReady, generalized from a fixed "completed" status
// check to an injected predicate so callers (Lifecycle Service,
// Scheduler) can ask "ready with respect to what's completed right now".
func (g *Graph) IsReady(id string, isCompleted func(depID string) bool) bool {
	g.mu.RLock()
	deps := g.edges[id]
	g.mu.RUnlock()

	for _, e := range deps {
		if !isCompleted(e.ToID) {
			return false
		}
	}
	return true
}

// IsLeaf reports whether id has no dependents (nothing depends on it),
// grounded in selector.IsLeaf.
func (g *Graph) IsLeaf(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.reverse[id]) == 0
}

// ReadyIDs returns every registered task id whose dependencies are all
// satisfied per isCompleted.
func (g *Graph) ReadyIDs(isCompleted func(depID string) bool) []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	var ready []string
	for _, id := range ids {
		if g.IsReady(id, isCompleted) {
			ready = append(ready, id)
		}
	}
	return ready
}
