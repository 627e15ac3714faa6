// Package depgraph implements the typed dependency DAG described in
// spec.md §4.2: cycle-safe edge mutation, deterministic topological
// batching, critical-path analysis, and confidence-scored dependency
// inference. It is grounded in the teacher's internal/selector/graph.go
// (BuildGraph, DFS white/gray/black cycle detection, Kahn's-algorithm
// TopologicalSort) and internal/selector/ready.go (readiness), and
// cross-checked against other_examples' dag_engine.go cycle/topo-sort
// idiom. The graph holds only non-owning task-id references — tasks
// themselves are owned by the Task Store (spec.md §3).
package depgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/dataparency-dev/taskloom/internal/taskerr"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// EdgeKind is one of the four dependency-edge kinds named in spec.md §3.
type EdgeKind string

const (
	EdgeTask      EdgeKind = "task"
	EdgeResource  EdgeKind = "resource"
	EdgeData      EdgeKind = "data"
	EdgeKnowledge EdgeKind = "knowledge"
)

// Edge is a single dependency edge: fromId depends on toId.
type Edge struct {
	FromID    string
	ToID      string
	Kind      EdgeKind
	Weight    float64
	Critical  bool
	CreatedAt time.Time
}

// TaskNode is the minimal task summary the graph needs for ordering
// decisions (priority/estimatedHours/id tie-breaking, critical-path
// duration). The graph never mutates or owns the underlying Task.
type TaskNode struct {
	ID             string
	Priority       taskstore.Priority
	EstimatedHours float64
}

// ValidationResult is returned by ValidateDependencies.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// ExecutionOrder is returned by GetRecommendedExecutionOrder.
type ExecutionOrder struct {
	TopologicalOrder  []string
	ParallelBatches   [][]string
	EstimatedDuration float64
	CriticalPath      []string
}

// Suggestion is a proposed dependency from intelligent inference.
type Suggestion struct {
	FromID     string
	ToID       string
	Confidence float64
	Reason     string
}

// InferenceResult is returned by ApplyIntelligentDependencyDetection.
type InferenceResult struct {
	Suggestions        []Suggestion
	AppliedDependencies []Edge
	Warnings           []string
}

// View is the serializable snapshot returned by GenerateDependencyGraph.
type View struct {
	Nodes []TaskNode
	Edges []Edge
}

var priorityRank = map[taskstore.Priority]int{
	taskstore.PriorityCritical: 0,
	taskstore.PriorityHigh:     1,
	taskstore.PriorityMedium:   2,
	taskstore.PriorityLow:      3,
}

// Graph is a typed, acyclic dependency graph over task ids.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]TaskNode
	// edges[from] -> list of edges where from depends on each entry's ToID
	edges map[string][]Edge
	// reverse[to] -> list of fromIDs that depend on to
	reverse map[string][]string

	version int
	cache   *cache.Cache
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]TaskNode),
		edges:   make(map[string][]Edge),
		reverse: make(map[string][]string),
		cache:   cache.New(5*time.Minute, 10*time.Minute),
	}
}

// AddTask registers a task node in the graph.
func (g *Graph) AddTask(node TaskNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.ID] = node
	g.bumpVersionLocked()
}

// HasNode reports whether id is registered.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// RemoveTask removes a task node and every edge touching it.
func (g *Graph) RemoveTask(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, id)
	delete(g.edges, id)
	for _, depID := range g.reverse[id] {
		g.edges[depID] = removeEdgesTo(g.edges[depID], id)
	}
	delete(g.reverse, id)
	for from, tos := range g.reverse {
		g.reverse[from] = removeString(tos, id)
	}
	g.bumpVersionLocked()
}

func removeEdgesTo(edges []Edge, to string) []Edge {
	out := edges[:0:0]
	for _, e := range edges {
		if e.ToID != to {
			out = append(out, e)
		}
	}
	return out
}

func removeString(ss []string, v string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// AddDependency adds an edge fromID -> toID (fromID depends on toID).
// Rejects self-dependencies, duplicate edges, and edges that would
// introduce a cycle, per spec.md §4.2.
func (g *Graph) AddDependency(fromID, toID string, kind EdgeKind, weight float64, critical bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if fromID == toID {
		return taskerr.New(taskerr.KindValidation, "AddDependency", fmt.Sprintf("task %s cannot depend on itself", fromID))
	}
	if _, ok := g.nodes[fromID]; !ok {
		return taskerr.New(taskerr.KindUnknownTask, "AddDependency", fmt.Sprintf("unknown task: %s", fromID))
	}
	if _, ok := g.nodes[toID]; !ok {
		return taskerr.New(taskerr.KindUnknownTask, "AddDependency", fmt.Sprintf("unknown task: %s", toID))
	}
	for _, e := range g.edges[fromID] {
		if e.ToID == toID {
			return taskerr.New(taskerr.KindValidation, "AddDependency", fmt.Sprintf("dependency %s->%s already exists", fromID, toID))
		}
	}

	// Tentatively add, then check for a cycle; roll back if one forms.
	edge := Edge{FromID: fromID, ToID: toID, Kind: kind, Weight: weight, Critical: critical, CreatedAt: time.Now()}
	g.edges[fromID] = append(g.edges[fromID], edge)
	g.reverse[toID] = append(g.reverse[toID], fromID)

	if cycle := g.detectCycleLocked(); cycle != nil {
		// Roll back.
		g.edges[fromID] = removeEdgesTo(g.edges[fromID], toID)
		g.reverse[toID] = removeString(g.reverse[toID], fromID)
		return taskerr.New(taskerr.KindDependencyCycle, "AddDependency", fmt.Sprintf("would create cycle: %v", cycle)).
			WithContext("cycle", cycle)
	}

	g.bumpVersionLocked()
	return nil
}

// RemoveDependency removes the edge fromID -> toID if present.
func (g *Graph) RemoveDependency(fromID, toID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[fromID] = removeEdgesTo(g.edges[fromID], toID)
	g.reverse[toID] = removeString(g.reverse[toID], fromID)
	g.bumpVersionLocked()
}

// Dependencies returns the ids that id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.edges[id] {
		out = append(out, e.ToID)
	}
	return out
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.reverse[id]))
	copy(out, g.reverse[id])
	return out
}

func (g *Graph) bumpVersionLocked() {
	g.version++
	g.cache.Flush()
}

// nodeColor states for DFS cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// detectCycleLocked runs DFS white/gray/black coloring over the current
// edge set and returns the cycle path if one exists, or nil.
// Caller must hold g.mu.
func (g *Graph) detectCycleLocked() []string {
	colors := make(map[string]color, len(g.nodes))
	var path []string
	var cyclePath []string

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		path = append(path, id)

		deps := g.edges[id]
		sortedDeps := make([]Edge, len(deps))
		copy(sortedDeps, deps)
		sort.Slice(sortedDeps, func(i, j int) bool { return sortedDeps[i].ToID < sortedDeps[j].ToID })

		for _, e := range sortedDeps {
			switch colors[e.ToID] {
			case white:
				if visit(e.ToID) {
					return true
				}
			case gray:
				// Found the back edge; extract the cycle from path.
				start := 0
				for i, p := range path {
					if p == e.ToID {
						start = i
						break
					}
				}
				cyclePath = append(append([]string{}, path[start:]...), e.ToID)
				return true
			case black:
				// already fully explored, no cycle through here
			}
		}

		colors[id] = black
		path = path[:len(path)-1]
		return false
	}

	for _, id := range ids {
		if colors[id] == white {
			if visit(id) {
				return cyclePath
			}
		}
	}
	return nil
}

// DetectCycle reports the first cycle found in the graph, or nil.
func (g *Graph) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCycleLocked()
}

// ValidateDependencies checks the graph-level invariants from spec.md
// §4.2: acyclicity and that every edge endpoint is a known task.
func (g *Graph) ValidateDependencies() ValidationResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := ValidationResult{IsValid: true}

	for from, edges := range g.edges {
		for _, e := range edges {
			if _, ok := g.nodes[from]; !ok {
				result.IsValid = false
				result.Errors = append(result.Errors, fmt.Sprintf("edge references unknown task: %s", from))
			}
			if _, ok := g.nodes[e.ToID]; !ok {
				result.IsValid = false
				result.Errors = append(result.Errors, fmt.Sprintf("edge references unknown task: %s", e.ToID))
			}
		}
	}

	if cycle := g.detectCycleLocked(); cycle != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("cycle detected: %v", cycle))
	}

	return result
}

// compareTaskOrder implements the deterministic tie-break of spec.md
// §4.2: priority (critical>high>medium>low), then ascending
// estimatedHours, then id lexicographic.
func (g *Graph) compareTaskOrder(a, b string) bool {
	na, haveA := g.nodes[a]
	nb, haveB := g.nodes[b]
	if !haveA || !haveB {
		return a < b
	}
	ra, rb := priorityRank[na.Priority], priorityRank[nb.Priority]
	if ra != rb {
		return ra < rb
	}
	if na.EstimatedHours != nb.EstimatedHours {
		return na.EstimatedHours < nb.EstimatedHours
	}
	return a < b
}

// GetRecommendedExecutionOrder computes a topological order, a batched
// parallel-execution plan (Kahn's algorithm, deterministic tie-break),
// the estimated total duration, and the critical path.
func (g *Graph) GetRecommendedExecutionOrder() (*ExecutionOrder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.edges[id])
	}

	var batches [][]string
	var topo []string
	remaining := len(g.nodes)

	for remaining > 0 {
		var batch []string
		for id, deg := range inDegree {
			if deg == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil, taskerr.New(taskerr.KindDependencyCycle, "GetRecommendedExecutionOrder", "graph contains a cycle")
		}
		sort.Slice(batch, func(i, j int) bool { return g.compareTaskOrder(batch[i], batch[j]) })

		for _, id := range batch {
			delete(inDegree, id)
			remaining--
		}
		// Decrement in-degree of every node whose dependency just finished:
		// a node n has edge n->dep (n depends on dep); we must decrement n's
		// in-degree when dep is removed from the graph. g.reverse[dep] holds
		// the set of nodes that depend on dep.
		for _, id := range batch {
			for _, dependerID := range g.reverse[id] {
				if _, ok := inDegree[dependerID]; ok {
					inDegree[dependerID]--
				}
			}
		}

		batches = append(batches, batch)
		topo = append(topo, batch...)
	}

	duration, critical := g.criticalPathLocked()

	return &ExecutionOrder{
		TopologicalOrder:  topo,
		ParallelBatches:   batches,
		EstimatedDuration: duration,
		CriticalPath:      critical,
	}, nil
}

// criticalPathLocked finds the longest-duration path (summing
// estimatedHours) from any source to any sink, preferring edges marked
// critical=true on ties. Caller must hold g.mu (read lock sufficient).
func (g *Graph) criticalPathLocked() (float64, []string) {
	if cached, ok := g.cache.Get("critical-path"); ok {
		cp := cached.(cachedCriticalPath)
		return cp.duration, cp.path
	}

	// Topologically order nodes (ignore errors from cycles here — callers
	// validate acyclicity separately).
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.edges[id])
	}
	var order []string
	for len(order) < len(g.nodes) {
		progressed := false
		for id, deg := range inDegree {
			if deg == 0 {
				order = append(order, id)
				delete(inDegree, id)
				for _, dependerID := range g.reverse[id] {
					if _, ok := inDegree[dependerID]; ok {
						inDegree[dependerID]--
					}
				}
				progressed = true
			}
		}
		if !progressed {
			break // cycle; bail with partial order
		}
	}

	// best[id] = longest duration ending at id (inclusive of id's own hours).
	best := make(map[string]float64, len(g.nodes))
	bestPrev := make(map[string]string, len(g.nodes))
	bestViaCritical := make(map[string]bool, len(g.nodes))

	// Process in reverse topological order (sinks first) is not needed;
	// process in topological order so dependencies are resolved before
	// dependents... but our edges point from dependent->dependency, so the
	// "sources" of the DAG under these edges are sinks in data-flow terms.
	// We want longest path by estimatedHours summed along a dependency
	// chain; walk in the order computed (topological w.r.t. in-degree,
	// i.e. nodes with no remaining dependencies come first).
	for _, id := range order {
		node := g.nodes[id]
		best[id] = node.EstimatedHours
		var chosenPrev string
		chosenVal := -1.0
		chosenCritical := false
		for _, e := range g.edges[id] {
			if v, ok := best[e.ToID]; ok {
				total := v + node.EstimatedHours
				better := total > chosenVal
				if total == chosenVal && e.Critical && !chosenCritical {
					better = true
				}
				if better {
					chosenVal = total
					chosenPrev = e.ToID
					chosenCritical = e.Critical
				}
			}
		}
		if chosenVal >= 0 {
			best[id] = chosenVal
			bestPrev[id] = chosenPrev
			bestViaCritical[id] = chosenCritical
		}
	}

	var bestID string
	bestTotal := -1.0
	for id, v := range best {
		if v > bestTotal {
			bestTotal = v
			bestID = id
		}
	}

	var path []string
	for id := bestID; id != ""; {
		path = append([]string{id}, path...)
		next, ok := bestPrev[id]
		if !ok {
			break
		}
		id = next
	}

	if bestTotal < 0 {
		bestTotal = 0
	}

	g.cache.Set("critical-path", cachedCriticalPath{duration: bestTotal, path: path}, cache.DefaultExpiration)
	return bestTotal, path
}

type cachedCriticalPath struct {
	duration float64
	path     []string
}

// GenerateDependencyGraph returns a serializable snapshot of the graph.
func (g *Graph) GenerateDependencyGraph() View {
	g.mu.RLock()
	defer g.mu.RUnlock()

	view := View{}
	for _, n := range g.nodes {
		view.Nodes = append(view.Nodes, n)
	}
	for _, edges := range g.edges {
		view.Edges = append(view.Edges, edges...)
	}
	sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
	sort.Slice(view.Edges, func(i, j int) bool {
		if view.Edges[i].FromID != view.Edges[j].FromID {
			return view.Edges[i].FromID < view.Edges[j].FromID
		}
		return view.Edges[i].ToID < view.Edges[j].ToID
	})
	return view
}

// Version returns the graph's mutation version counter, bumped on every
// add/remove of a task or dependency.
func (g *Graph) Version() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}
