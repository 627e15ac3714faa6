// Package rdd implements the Recursive Decomposition Engine of spec.md
// §4.3: repeatedly asking the Atomicity Detector whether a task is a
// leaf, and if not, asking the LLM adapter to split it, recursing on
// each child. It is grounded end to end in the teacher's
// internal/decomposer/decomposer.go: the same Claude-invoke → extract →
// validate-and-retry shape, generalized from one flat decomposition call
// into a depth-bounded recursion with per-level atomicity gating.
package rdd

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dataparency-dev/taskloom/internal/atomicity"
	"github.com/dataparency-dev/taskloom/internal/llmagent"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// Config mirrors spec.md §4.3's Configuration block.
type Config struct {
	MaxDepth                    int
	MaxSubTasks                 int
	MinConfidence               float64
	EpicTimeLimitHours          float64
	EnableParallelDecomposition bool
	Parallelism                 int
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:                    5,
		MaxSubTasks:                 400,
		MinConfidence:               0.7,
		EpicTimeLimitHours:          400,
		EnableParallelDecomposition: false,
		Parallelism:                 4,
	}
}

// SubTask is a single proposed child task before it becomes a full
// taskstore.Task (it lacks an id/parent/status until persisted by the
// Decomposition Service).
type SubTask struct {
	Title          string
	Description    string
	Type           taskstore.TaskType
	Priority       taskstore.Priority
	EstimatedHours float64
	FilePaths      []string
	Acceptance     []string
}

// Result is the DecomposeResult of spec.md §4.3.
type Result struct {
	Success  bool
	IsAtomic bool
	SubTasks []SubTask
	Depth    int
	Error    error
}

// Engine recursively decomposes tasks, per spec.md §4.3.
type Engine struct {
	detector *atomicity.Detector
	llm      llmagent.LLMAdapter
	cfg      Config
}

// New creates an Engine backed by the given atomicity detector and LLM
// adapter.
func New(detector *atomicity.Detector, llm llmagent.LLMAdapter, cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.MaxSubTasks <= 0 {
		cfg.MaxSubTasks = DefaultConfig().MaxSubTasks
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	return &Engine{detector: detector, llm: llm, cfg: cfg}
}

// Decompose implements `decompose(task, context, depth=0)` of spec.md
// §4.3, steps 1-7.
func (e *Engine) Decompose(ctx context.Context, task *taskstore.Task, pctx atomicity.ProjectContext, depth int) *Result {
	log := obs.Component("rdd")

	if err := ctx.Err(); err != nil {
		return &Result{Success: false, Depth: depth, Error: err}
	}

	// Step 1-2: ask the Atomicity Detector.
	analysis, err := e.detector.Analyze(ctx, task, pctx)
	if err != nil {
		return &Result{Success: false, Depth: depth, Error: err}
	}
	if analysis.IsAtomic && analysis.Confidence >= e.cfg.MinConfidence {
		return &Result{Success: true, IsAtomic: true, Depth: depth}
	}

	// Step 3: max depth short-circuit.
	if depth >= e.cfg.MaxDepth {
		log.Infow("max depth reached, treating as atomic", "task", task.ID, "depth", depth)
		return &Result{Success: true, IsAtomic: true, Depth: depth}
	}

	// Step 4: request sub-task list from the LLM adapter.
	subTasks, err := e.requestSubTasks(ctx, task, pctx, analysis)
	if err != nil {
		// Step 7: any LLM/parse failure at this step is non-fatal; treat
		// as atomic.
		log.Warnw("decomposition request failed, treating as atomic", "task", task.ID, "err", err)
		return &Result{Success: true, IsAtomic: true, Depth: depth}
	}

	// Step 5: validate the returned list.
	subTasks = e.validate(subTasks, depth)

	// Edge case: zero sub-tasks returned collapses to atomic.
	if len(subTasks) == 0 {
		return &Result{Success: true, IsAtomic: true, Depth: depth}
	}

	// Edge case: a sub-task identical to its parent is self-referential,
	// so the split made no progress and the parent collapses to atomic.
	for _, st := range subTasks {
		if st.Title == task.Title {
			return &Result{Success: true, IsAtomic: true, Depth: depth}
		}
	}

	return &Result{Success: true, IsAtomic: false, SubTasks: subTasks, Depth: depth}
}

// DecomposeTree recurses fully, returning the flattened leaf sub-tasks
// of the whole tree rooted at task, preserving relative ordering among
// children of the same parent, per step 6.
func (e *Engine) DecomposeTree(ctx context.Context, task *taskstore.Task, pctx atomicity.ProjectContext, depth int) ([]SubTask, int, error) {
	result := e.Decompose(ctx, task, pctx, depth)
	if result.Error != nil {
		return nil, depth, result.Error
	}
	if result.IsAtomic {
		return nil, result.Depth, nil
	}

	children := make([]*taskstore.Task, len(result.SubTasks))
	for i, st := range result.SubTasks {
		children[i] = subTaskToPseudoTask(st)
	}

	if e.cfg.EnableParallelDecomposition {
		return e.decomposeChildrenParallel(ctx, children, result.SubTasks, pctx, depth+1)
	}
	return e.decomposeChildrenSequential(ctx, children, result.SubTasks, pctx, depth+1)
}

func (e *Engine) decomposeChildrenSequential(ctx context.Context, children []*taskstore.Task, subTasks []SubTask, pctx atomicity.ProjectContext, depth int) ([]SubTask, int, error) {
	var leaves []SubTask
	maxDepth := depth
	for i, child := range children {
		childLeaves, reached, err := e.DecomposeTree(ctx, child, pctx, depth)
		if err != nil {
			return nil, depth, err
		}
		if reached > maxDepth {
			maxDepth = reached
		}
		if len(childLeaves) == 0 {
			leaves = append(leaves, subTasks[i])
		} else {
			leaves = append(leaves, childLeaves...)
		}
	}
	return leaves, maxDepth, nil
}

// decomposeChildrenParallel fans out children over a bounded worker pool
// (a buffered-channel semaphore; no errgroup dependency appears anywhere
// in the example pack for this concern), then reassembles results in
// original order so sibling ordering is preserved after flattening.
func (e *Engine) decomposeChildrenParallel(ctx context.Context, children []*taskstore.Task, subTasks []SubTask, pctx atomicity.ProjectContext, depth int) ([]SubTask, int, error) {
	type outcome struct {
		leaves []SubTask
		depth  int
		err    error
	}

	outcomes := make([]outcome, len(children))
	sem := make(chan struct{}, e.cfg.Parallelism)
	var wg sync.WaitGroup

	for i, child := range children {
		wg.Add(1)
		go func(i int, child *taskstore.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			leaves, reached, err := e.DecomposeTree(ctx, child, pctx, depth)
			outcomes[i] = outcome{leaves: leaves, depth: reached, err: err}
		}(i, child)
	}
	wg.Wait()

	var leaves []SubTask
	maxDepth := depth
	for i, o := range outcomes {
		if o.err != nil {
			return nil, depth, o.err
		}
		if o.depth > maxDepth {
			maxDepth = o.depth
		}
		if len(o.leaves) == 0 {
			leaves = append(leaves, subTasks[i])
		} else {
			leaves = append(leaves, o.leaves...)
		}
	}
	return leaves, maxDepth, nil
}

func subTaskToPseudoTask(st SubTask) *taskstore.Task {
	return &taskstore.Task{
		Title:          st.Title,
		Description:    st.Description,
		Type:           st.Type,
		Priority:       st.Priority,
		EstimatedHours: st.EstimatedHours,
		FilePaths:      st.FilePaths,
		Acceptance:     st.Acceptance,
	}
}

func (e *Engine) requestSubTasks(ctx context.Context, task *taskstore.Task, pctx atomicity.ProjectContext, analysis *atomicity.Analysis) ([]SubTask, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no LLM adapter configured")
	}

	prompt := buildDecomposePrompt(task, pctx, analysis)
	raw, err := e.llm.Call(ctx, prompt, systemPrompt, "rdd-decomposition", 0.3)
	if err != nil {
		return nil, err
	}

	return parseSubTasks(raw)
}

// validate implements step 5: truncate, epic-time-limit rejection at
// depth 0, and per-item validity filtering.
func (e *Engine) validate(subTasks []SubTask, depth int) []SubTask {
	log := obs.Component("rdd")

	if len(subTasks) > e.cfg.MaxSubTasks {
		log.Warnw("truncating sub-tasks to configured max", "count", len(subTasks), "max", e.cfg.MaxSubTasks)
		subTasks = subTasks[:e.cfg.MaxSubTasks]
	}

	if depth == 0 {
		var total float64
		for _, st := range subTasks {
			total += st.EstimatedHours
		}
		if total > e.cfg.EpicTimeLimitHours {
			log.Warnw("epic time limit exceeded, falling back to atomic", "total", total, "limit", e.cfg.EpicTimeLimitHours)
			return nil
		}
	}

	var valid []SubTask
	seen := make(map[string]bool)
	for _, st := range subTasks {
		if strings.TrimSpace(st.Title) == "" {
			log.Warnw("dropping sub-task with empty title")
			continue
		}
		if st.EstimatedHours <= 0 {
			log.Warnw("dropping sub-task with non-positive estimatedHours", "title", st.Title)
			continue
		}
		if !isValidType(st.Type) {
			log.Warnw("dropping sub-task with unknown type", "title", st.Title, "type", st.Type)
			continue
		}
		// A title identical to a sibling already accepted is a duplicate:
		// skip it. Titles identical to the parent are handled in Decompose.
		if seen[st.Title] {
			continue
		}
		seen[st.Title] = true
		valid = append(valid, st)
	}
	return valid
}

func isValidType(t taskstore.TaskType) bool {
	switch t {
	case taskstore.TypeDevelopment, taskstore.TypeTesting, taskstore.TypeDocumentation, taskstore.TypeDeployment, taskstore.TypeResearch:
		return true
	default:
		return false
	}
}

// rawSubTask is the permissive wire shape returned by the LLM: every
// field optional, defaults filled in rather than guessed (per spec.md
// §9's "never guess a missing status or duration").
type rawSubTask struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Type           string   `json:"type"`
	Priority       string   `json:"priority"`
	EstimatedHours float64  `json:"estimatedHours"`
	FilePaths      []string `json:"filePaths"`
	Acceptance     []string `json:"acceptanceCriteria"`
}

type rawDecomposeResponse struct {
	SubTasks []rawSubTask `json:"subTasks"`
}

var bulletLine = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)
var bulletHoursField = regexp.MustCompile(`(?i)\(?\s*hours?\s*[:=]\s*([0-9.]+)\s*\)?`)

// parseSubTasks tolerates both a JSON object and a documented Markdown
// bullet form, per step 4's parser requirement. It mirrors the teacher's
// extractYAMLContent's tolerant-parse-then-regex-fallback shape.
func parseSubTasks(raw string) ([]SubTask, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decomposition response")
	}

	if jsonStart := strings.IndexByte(trimmed, '{'); jsonStart >= 0 {
		var resp rawDecomposeResponse
		if err := json.Unmarshal([]byte(trimmed[jsonStart:]), &resp); err == nil && len(resp.SubTasks) > 0 {
			return rawToSubTasks(resp.SubTasks), nil
		}
	}

	matches := bulletLine.FindAllStringSubmatch(trimmed, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("decomposition response is neither JSON nor a bullet list")
	}

	var out []SubTask
	for _, m := range matches {
		line := m[1]
		title := line
		hours := 0.1
		if hm := bulletHoursField.FindStringSubmatch(line); hm != nil {
			if parsed, err := strconv.ParseFloat(hm[1], 64); err == nil {
				hours = parsed
			}
			title = strings.TrimSpace(bulletHoursField.ReplaceAllString(line, ""))
			title = strings.Trim(title, " -:")
		}
		out = append(out, SubTask{
			Title:          title,
			Type:           taskstore.TypeDevelopment,
			Priority:       taskstore.PriorityMedium,
			EstimatedHours: hours,
		})
	}
	return out, nil
}

func rawToSubTasks(raws []rawSubTask) []SubTask {
	out := make([]SubTask, 0, len(raws))
	for _, r := range raws {
		priority := taskstore.Priority(r.Priority)
		if priority == "" {
			priority = taskstore.PriorityMedium
		}
		// A missing or non-positive estimate is left at zero rather than
		// guessed, so the step-5 non-positive-hours filter drops it.
		hours := r.EstimatedHours
		if hours < 0 {
			hours = 0
		}
		out = append(out, SubTask{
			Title:          r.Title,
			Description:    r.Description,
			Type:           taskstore.TaskType(r.Type),
			Priority:       priority,
			EstimatedHours: hours,
			FilePaths:      r.FilePaths,
			Acceptance:     r.Acceptance,
		})
	}
	return out
}

func buildDecomposePrompt(task *taskstore.Task, pctx atomicity.ProjectContext, analysis *atomicity.Analysis) string {
	var sb strings.Builder
	sb.WriteString("Parent task: " + task.Title + "\n")
	sb.WriteString("Description: " + task.Description + "\n")
	sb.WriteString("Atomicity reasoning: " + analysis.Reasoning + "\n")
	sb.WriteString("Project complexity: " + pctx.Complexity + "\n")
	if len(pctx.DirectoryHints) > 0 {
		sb.WriteString("Directory hints:\n" + strings.Join(pctx.DirectoryHints, "\n") + "\n")
	}
	sb.WriteString("Respond with a JSON object: {\"subTasks\":[{\"title\":...,\"description\":...,\"type\":...,\"priority\":...,\"estimatedHours\":...,\"filePaths\":[...],\"acceptanceCriteria\":[...]}]}\n")
	return sb.String()
}

const systemPrompt = `You are a task decomposition assistant. Split the given task into
smaller sub-tasks, each independently completable. Prefer atomic
sub-tasks: at most 20 minutes, touching at most two files, one
acceptance criterion each.`
