// Package scheduler implements the Task Scheduler of spec.md §4.6: a
// resource-aware batch planner that scores ready tasks along priority,
// resource, and deadline axes, allocates per-task resources against
// cluster caps, and lays out a timeline. It is grounded in the
// teacher's internal/selector/selector.go (SelectNext's deterministic
// tie-break and area-preference heuristic, generalized here into the
// scored-ordering tie-break) and internal/selector/graph.go's
// Kahn's-algorithm batching, cross-checked against other_examples'
// dag_engine.go EstimateExecutionTime (bounded-concurrency slot
// simulation, reused for the timeline/parallelismFactor computation).
package scheduler

import (
	"sort"
	"time"

	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/taskerr"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// Algorithm identifies one of the five scoring strategies of spec.md §4.6.
type Algorithm string

const (
	AlgorithmPriorityFirst         Algorithm = "priority_first"
	AlgorithmEarliestDeadlineFirst Algorithm = "earliest_deadline_first"
	AlgorithmCriticalPath          Algorithm = "critical_path"
	AlgorithmResourceBalanced      Algorithm = "resource_balanced"
	AlgorithmHybridOptimal         Algorithm = "hybrid_optimal"
)

// hybrid_optimal's fixed weights over (priority, resource, deadline).
const (
	hybridPriorityWeight = 0.45
	hybridResourceWeight = 0.25
	hybridDeadlineWeight = 0.30
)

var priorityScore = map[taskstore.Priority]float64{
	taskstore.PriorityCritical: 1.0,
	taskstore.PriorityHigh:     0.8,
	taskstore.PriorityMedium:   0.5,
	taskstore.PriorityLow:      0.2,
}

// ResourceProfile is the {memoryMB, cpuWeight, agentCount} triple
// assigned to one task, per spec.md §4.6.
type ResourceProfile struct {
	MemoryMB   int
	CPUWeight  float64
	AgentCount int
}

// defaultProfiles are the per-task-type resource defaults of spec.md §4.6.
var defaultProfiles = map[taskstore.TaskType]ResourceProfile{
	taskstore.TypeDevelopment:   {MemoryMB: 512, CPUWeight: 0.7, AgentCount: 1},
	taskstore.TypeTesting:       {MemoryMB: 256, CPUWeight: 0.5, AgentCount: 1},
	taskstore.TypeDocumentation: {MemoryMB: 256, CPUWeight: 0.4, AgentCount: 1},
	taskstore.TypeDeployment:    {MemoryMB: 1024, CPUWeight: 0.9, AgentCount: 1},
}

func profileFor(t taskstore.TaskType) ResourceProfile {
	if p, ok := defaultProfiles[t]; ok {
		return p
	}
	return ResourceProfile{MemoryMB: 512, CPUWeight: 0.5, AgentCount: 1}
}

// ResourceLimits bound cluster-wide capacity for one generateSchedule call.
type ResourceLimits struct {
	MaxMemoryMB       int
	MaxCPUUtilization float64
	AvailableAgents   int
	ConcurrencyCap    int
}

// DefaultResourceLimits mirrors a single modest worker host.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{MaxMemoryMB: 4096, MaxCPUUtilization: 4.0, AvailableAgents: 4, ConcurrencyCap: 4}
}

// Config configures one Scheduler.
type Config struct {
	Algorithm Algorithm
	Limits    ResourceLimits
}

// DefaultConfig returns hybrid_optimal scoring with DefaultResourceLimits.
func DefaultConfig() Config {
	return Config{Algorithm: AlgorithmHybridOptimal, Limits: DefaultResourceLimits()}
}

// ScoredTask is one task as placed into the schedule, carrying its
// score breakdown, assigned resources, and timeline slot.
type ScoredTask struct {
	TaskID         string
	PriorityScore  float64
	ResourceScore  float64
	DeadlineScore  float64
	CombinedScore  float64
	Resources      ResourceProfile
	ScheduledStart time.Duration
	ScheduledEnd   time.Duration
}

// Batch is one group of tasks the coordinator may dispatch concurrently
// without violating resource caps or graph topology.
type Batch struct {
	Tasks []ScoredTask
}

// Schedule is the return value of GenerateSchedule/UpdateSchedule.
type Schedule struct {
	ProjectID         string
	Algorithm         Algorithm
	Batches           []Batch
	TimelineSpanHours float64
	TotalTaskHours    float64
	ParallelismFactor float64
	GeneratedAt       time.Time
}

// Scheduler produces and refreshes Schedules for a project's task set.
type Scheduler struct {
	cfg Config
}

// New creates a Scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmHybridOptimal
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits = DefaultResourceLimits()
	}
	return &Scheduler{cfg: cfg}
}

// GenerateSchedule implements generateSchedule(tasks, graph, projectId)
// per spec.md §4.6.
func (s *Scheduler) GenerateSchedule(tasks []*taskstore.Task, graph *depgraph.Graph, projectID string) (*Schedule, error) {
	if len(tasks) == 0 {
		return nil, taskerr.New(taskerr.KindEmptySchedule, "GenerateSchedule", "no tasks to schedule").WithContext("projectId", projectID)
	}
	for _, t := range tasks {
		if t.ID == "" || t.Title == "" {
			return nil, taskerr.New(taskerr.KindInvalidTask, "GenerateSchedule", "task missing id or title")
		}
	}

	order, err := graph.GetRecommendedExecutionOrder()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindDependencyCycle, "GenerateSchedule", "cannot order tasks", err)
	}

	byID := make(map[string]*taskstore.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	onCriticalPath := make(map[string]bool, len(order.CriticalPath))
	for _, id := range order.CriticalPath {
		onCriticalPath[id] = true
	}

	schedule := &Schedule{ProjectID: projectID, Algorithm: s.cfg.Algorithm, GeneratedAt: time.Now()}

	var elapsed time.Duration
	taskEnd := make(map[string]time.Duration, len(tasks))

	for _, rawBatch := range order.ParallelBatches {
		var pending []*taskstore.Task
		for _, id := range rawBatch {
			if t, ok := byID[id]; ok {
				pending = append(pending, t)
			}
		}

		// A single topological batch may need splitting into several
		// dispatch batches if resource caps are exceeded (spec.md §4.6:
		// "violations cause the scheduler to split the batch").
		for len(pending) > 0 {
			scored := s.scoreTasks(pending, onCriticalPath)
			sortScored(scored)

			placed, deferred, newElapsed := s.allocate(scored, byID, graph, taskEnd, elapsed)
			elapsed = newElapsed
			for _, st := range placed.Tasks {
				schedule.TotalTaskHours += byID[st.TaskID].EstimatedHours
				taskEnd[st.TaskID] = st.ScheduledEnd
			}
			if len(placed.Tasks) > 0 {
				schedule.Batches = append(schedule.Batches, placed)
			}

			if len(deferred) == len(pending) {
				// Nothing could be placed this round (e.g. a single task
				// whose resource needs exceed the cluster caps); place it
				// anyway rather than looping forever, and log the breach.
				obs.Component("scheduler").Warnw("task exceeds cluster resource caps, placing despite overcommit",
					"taskIds", taskIDsOf(deferred))
				forced, forcedElapsed := s.forcePlace(deferred, byID, graph, taskEnd, elapsed)
				elapsed = forcedElapsed
				for _, st := range forced.Tasks {
					schedule.TotalTaskHours += byID[st.TaskID].EstimatedHours
					taskEnd[st.TaskID] = st.ScheduledEnd
				}
				schedule.Batches = append(schedule.Batches, forced)
				break
			}

			pending = deferred
		}
	}

	schedule.TimelineSpanHours = elapsed.Hours()
	if schedule.TimelineSpanHours > 0 {
		schedule.ParallelismFactor = schedule.TotalTaskHours / schedule.TimelineSpanHours
	}

	obs.Component("scheduler").Infow("schedule generated", "projectId", projectID, "algorithm", s.cfg.Algorithm,
		"batches", len(schedule.Batches), "timelineHours", schedule.TimelineSpanHours)
	return schedule, nil
}

// UpdateSchedule implements updateSchedule(tasks, graph): in-progress
// and completed tasks keep their existing assignment (they are pulled
// out of rescheduling entirely); the remainder is re-planned fresh.
func (s *Scheduler) UpdateSchedule(tasks []*taskstore.Task, graph *depgraph.Graph, projectID string, previous *Schedule) (*Schedule, error) {
	preserved := make(map[string]ScoredTask)
	if previous != nil {
		for _, b := range previous.Batches {
			for _, st := range b.Tasks {
				preserved[st.TaskID] = st
			}
		}
	}

	var toReplan []*taskstore.Task
	var keep []ScoredTask
	for _, t := range tasks {
		if t.Status == taskstore.StatusInProgress || t.Status == taskstore.StatusCompleted {
			if st, ok := preserved[t.ID]; ok {
				keep = append(keep, st)
				continue
			}
		}
		toReplan = append(toReplan, t)
	}

	if len(toReplan) == 0 {
		return &Schedule{ProjectID: projectID, Algorithm: s.cfg.Algorithm, Batches: []Batch{{Tasks: keep}}, GeneratedAt: time.Now()}, nil
	}

	fresh, err := s.GenerateSchedule(toReplan, graph, projectID)
	if err != nil {
		return nil, err
	}
	if len(keep) > 0 {
		fresh.Batches = append([]Batch{{Tasks: keep}}, fresh.Batches...)
	}
	return fresh, nil
}

// scoreTasks computes the three-axis score of spec.md §4.6 for a batch
// of ready tasks, combining per s.cfg.Algorithm.
func (s *Scheduler) scoreTasks(tasks []*taskstore.Task, onCriticalPath map[string]bool) []ScoredTask {
	out := make([]ScoredTask, 0, len(tasks))
	for _, t := range tasks {
		profile := profileFor(t.Type)
		pScore := priorityScore[t.Priority]
		rScore := clamp01(1 - float64(profile.MemoryMB)/float64(s.cfg.Limits.MaxMemoryMB))
		dScore := 0.3
		if onCriticalPath[t.ID] {
			dScore = 1.0
		}

		combined := s.combine(pScore, rScore, dScore)

		out = append(out, ScoredTask{
			TaskID: t.ID, PriorityScore: pScore, ResourceScore: rScore, DeadlineScore: dScore,
			CombinedScore: combined, Resources: profile,
		})
	}
	return out
}

func (s *Scheduler) combine(priority, resource, deadline float64) float64 {
	switch s.cfg.Algorithm {
	case AlgorithmPriorityFirst:
		return priority
	case AlgorithmEarliestDeadlineFirst:
		return deadline
	case AlgorithmCriticalPath:
		return deadline
	case AlgorithmResourceBalanced:
		return resource
	default: // hybrid_optimal
		return hybridPriorityWeight*priority + hybridResourceWeight*resource + hybridDeadlineWeight*deadline
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sortScored applies the descending-combined-score half of spec.md
// §4.6's ordering; allocate applies the remaining ascending-
// estimatedHours tie-break once it has Task access.
func sortScored(scored []ScoredTask) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].CombinedScore != scored[j].CombinedScore {
			return scored[i].CombinedScore > scored[j].CombinedScore
		}
		return scored[i].TaskID < scored[j].TaskID
	})
}

// allocate assigns resources to a scored batch against s.cfg.Limits,
// placing as many tasks as the caps allow and returning the rest as
// deferred (for the caller to retry as a subsequent dispatch batch),
// per spec.md §4.6's "violations cause the scheduler to split the
// batch". Also computes each placed task's timeline slot.
func (s *Scheduler) allocate(scored []ScoredTask, byID map[string]*taskstore.Task, graph *depgraph.Graph, taskEnd map[string]time.Duration, elapsedIn time.Duration) (Batch, []*taskstore.Task, time.Duration) {
	// estimatedHours ascending tie-break within equal combined score.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].CombinedScore == scored[j].CombinedScore {
			return byID[scored[i].TaskID].EstimatedHours < byID[scored[j].TaskID].EstimatedHours
		}
		return false
	})

	var batch Batch
	var memUsed int
	var cpuUsed float64
	agentsUsed := make(map[string]bool)
	concurrency := s.cfg.Limits.ConcurrencyCap
	if concurrency <= 0 {
		concurrency = 1
	}
	slots := make([]time.Duration, concurrency)
	for i := range slots {
		slots[i] = elapsedIn
	}

	maxEnd := elapsedIn
	var deferred []*taskstore.Task
	for _, st := range scored {
		task := byID[st.TaskID]

		wouldOvercommitMemory := memUsed+st.Resources.MemoryMB > s.cfg.Limits.MaxMemoryMB
		wouldOvercommitCPU := cpuUsed+st.Resources.CPUWeight > s.cfg.Limits.MaxCPUUtilization*float64(concurrency)
		agentKey := st.TaskID // one synthetic agent id per task; real dispatch assigns a concrete agent id
		wouldOvercommitAgents := len(agentsUsed) >= s.cfg.Limits.AvailableAgents && !agentsUsed[agentKey]

		if wouldOvercommitMemory || wouldOvercommitCPU || wouldOvercommitAgents {
			obs.Component("scheduler").Warnw("resource cap reached, deferring task to next batch", "taskId", st.TaskID)
			deferred = append(deferred, task)
			continue
		}

		var earliestStart time.Duration
		for _, depID := range graph.Dependencies(st.TaskID) {
			if end, ok := taskEnd[depID]; ok && end > earliestStart {
				earliestStart = end
			}
		}

		slotIndex := 0
		for i, slotTime := range slots {
			if slotTime < slots[slotIndex] {
				slotIndex = i
			}
		}
		start := earliestStart
		if slots[slotIndex] > start {
			start = slots[slotIndex]
		}

		cpuWeightFactor := st.Resources.CPUWeight
		if cpuWeightFactor <= 0 {
			cpuWeightFactor = 1
		}
		duration := time.Duration(task.EstimatedHours * cpuWeightFactor * float64(time.Hour))
		end := start + duration

		st.ScheduledStart = start
		st.ScheduledEnd = end
		slots[slotIndex] = end
		if end > maxEnd {
			maxEnd = end
		}

		memUsed += st.Resources.MemoryMB
		cpuUsed += st.Resources.CPUWeight
		agentsUsed[agentKey] = true

		batch.Tasks = append(batch.Tasks, st)
	}

	return batch, deferred, maxEnd
}

// forcePlace schedules tasks that could not fit within resource caps
// even alone, on a dedicated slot sequenced after elapsedIn, so
// generateSchedule always terminates with every task placed.
func (s *Scheduler) forcePlace(tasks []*taskstore.Task, byID map[string]*taskstore.Task, graph *depgraph.Graph, taskEnd map[string]time.Duration, elapsedIn time.Duration) (Batch, time.Duration) {
	var batch Batch
	cursor := elapsedIn
	for _, task := range tasks {
		profile := profileFor(task.Type)
		var earliestStart time.Duration
		for _, depID := range graph.Dependencies(task.ID) {
			if end, ok := taskEnd[depID]; ok && end > earliestStart {
				earliestStart = end
			}
		}
		start := cursor
		if earliestStart > start {
			start = earliestStart
		}
		cpuWeightFactor := profile.CPUWeight
		if cpuWeightFactor <= 0 {
			cpuWeightFactor = 1
		}
		end := start + time.Duration(task.EstimatedHours*cpuWeightFactor*float64(time.Hour))
		batch.Tasks = append(batch.Tasks, ScoredTask{
			TaskID: task.ID, Resources: profile, ScheduledStart: start, ScheduledEnd: end,
		})
		cursor = end
	}
	return batch, cursor
}

// GetNextExecutionBatch returns the pending, dependency-ready tasks not
// already in flight, ordered by this Scheduler's algorithm (descending
// combined score, then ascending estimatedHours, then id). Used by the
// Execution Coordinator's poll loop (spec.md §4.7) instead of a full
// GenerateSchedule, since the coordinator re-evaluates readiness on
// every tick rather than planning a whole timeline up front.
func (s *Scheduler) GetNextExecutionBatch(tasks []*taskstore.Task, graph *depgraph.Graph, inFlight map[string]bool, isCompleted func(id string) bool) []*taskstore.Task {
	byID := make(map[string]*taskstore.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var order *depgraph.ExecutionOrder
	if o, err := graph.GetRecommendedExecutionOrder(); err == nil {
		order = o
	}
	onCriticalPath := make(map[string]bool)
	if order != nil {
		for _, id := range order.CriticalPath {
			onCriticalPath[id] = true
		}
	}

	var ready []*taskstore.Task
	for _, t := range tasks {
		if t.Status != taskstore.StatusPending || inFlight[t.ID] {
			continue
		}
		if graph.HasNode(t.ID) && !graph.IsReady(t.ID, isCompleted) {
			continue
		}
		ready = append(ready, t)
	}
	if len(ready) == 0 {
		return nil
	}

	scored := s.scoreTasks(ready, onCriticalPath)
	sortScored(scored)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].CombinedScore == scored[j].CombinedScore {
			return byID[scored[i].TaskID].EstimatedHours < byID[scored[j].TaskID].EstimatedHours
		}
		return false
	})

	out := make([]*taskstore.Task, 0, len(scored))
	for _, st := range scored {
		out = append(out, byID[st.TaskID])
	}
	return out
}

func taskIDsOf(tasks []*taskstore.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
