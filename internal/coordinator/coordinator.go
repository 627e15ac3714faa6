// Package coordinator implements the Execution Coordinator of spec.md
// §4.7: it owns a Scheduler and a Lifecycle Service, ticks on an
// interval to pull the next ready batch, dispatches each task to an
// agent adapter under the Adaptive Timeout Manager, and drives
// lifecycle transitions on the outcome. It is grounded in the
// teacher's internal/loop/controller.go Controller.RunLoop (the
// select-on-cancellation / select-on-pause / pick-next-task /
// run-iteration / record-outcome shape), restructured from a single
// blocking loop into a ticker-driven poll per spec.md §4.7's
// "periodically (configurable interval, default 250ms) polls
// scheduler.getNextExecutionBatch()", with per-task dispatch run
// concurrently up to maxConcurrentBatches instead of the teacher's
// strictly sequential iteration.
package coordinator

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dataparency-dev/taskloom/internal/depgraph"
	"github.com/dataparency-dev/taskloom/internal/events"
	gitpkg "github.com/dataparency-dev/taskloom/internal/git"
	"github.com/dataparency-dev/taskloom/internal/lifecycle"
	"github.com/dataparency-dev/taskloom/internal/llmagent"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/scheduler"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
	"github.com/dataparency-dev/taskloom/internal/timeout"
	"github.com/dataparency-dev/taskloom/internal/verifier"
)

// Config configures one Coordinator.
type Config struct {
	// PollInterval is how often the coordinator checks for newly ready
	// tasks. Defaults to 250ms per spec.md §4.7.
	PollInterval time.Duration

	// MaxConcurrentBatches bounds in-flight dispatches.
	MaxConcurrentBatches int

	// MaxRetries is the dispatch transport-error retry budget.
	MaxRetries int

	// Cwd is the working directory handed to every agent dispatch.
	Cwd string

	// AllowedTools restricts what dispatched agents may use.
	AllowedTools []string

	// VerifyCommands are run against every task in addition to its own
	// VerifyCommands, before a successful dispatch is transitioned to
	// completed. Either list being empty skips that part of verification.
	VerifyCommands [][]string

	// LiveOutput, if set, receives a rendered transcript of every
	// dispatch's agent event stream as each one completes.
	LiveOutput io.Writer
}

// DefaultConfig returns spec.md §4.7's defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 250 * time.Millisecond, MaxConcurrentBatches: 4, MaxRetries: 2}
}

// Coordinator owns a Scheduler and Lifecycle Service and drives
// dispatch of ready tasks to an agent adapter.
type Coordinator struct {
	cfg        Config
	store      taskstore.Store
	graph      *depgraph.Graph
	scheduler  *scheduler.Scheduler
	lifecycle  *lifecycle.Service
	agent      llmagent.AgentAdapter
	timeoutMgr *timeout.Manager
	bus        *events.Bus
	verifier   verifier.Verifier
	git        gitpkg.Manager

	mu       sync.Mutex
	inFlight map[string]bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a Coordinator. store/graph/lifecycle/agent/bus must
// outlive the Coordinator; timeoutMgr may be shared across
// subsystems, since the Adaptive Timeout Manager is keyed per
// operation id. v may be nil, in which case a successful dispatch is
// transitioned to completed without running verification commands.
// gitMgr may be nil, in which case a completed task is not committed.
func New(cfg Config, store taskstore.Store, graph *depgraph.Graph, sched *scheduler.Scheduler, lc *lifecycle.Service, agent llmagent.AgentAdapter, timeoutMgr *timeout.Manager, bus *events.Bus, v verifier.Verifier, gitMgr gitpkg.Manager) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 4
	}
	return &Coordinator{
		cfg: cfg, store: store, graph: graph, scheduler: sched, lifecycle: lc, agent: agent,
		timeoutMgr: timeoutMgr, bus: bus, verifier: v, git: gitMgr, inFlight: make(map[string]bool),
	}
}

// Start begins polling on cfg.PollInterval in a background goroutine.
// It is a no-op if already started.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop signals the poll loop to exit and blocks until it has, without
// cancelling any in-flight dispatches.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()
	<-done
}

// Dispose stops the coordinator and releases its semaphore/tracking
// state. The Coordinator must not be reused after Dispose.
func (c *Coordinator) Dispose() {
	c.Stop()
	c.mu.Lock()
	c.inFlight = nil
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, c.cfg.MaxConcurrentBatches)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick(ctx, sem)
		}
	}
}

// tick pulls the next ready batch and dispatches each task that can
// acquire a concurrency slot; tasks that can't fit this tick are
// retried on the next one.
func (c *Coordinator) tick(ctx context.Context, sem chan struct{}) {
	tasks, err := c.store.List()
	if err != nil {
		obs.Component("coordinator").Warnw("failed to list tasks", "err", err)
		return
	}

	c.mu.Lock()
	inFlightSnapshot := make(map[string]bool, len(c.inFlight))
	for id := range c.inFlight {
		inFlightSnapshot[id] = true
	}
	c.mu.Unlock()

	batch := c.scheduler.GetNextExecutionBatch(tasks, c.graph, inFlightSnapshot, c.isCompleted)

	for _, task := range batch {
		select {
		case sem <- struct{}{}:
		default:
			continue // no free slot this tick; retried next tick
		}

		c.mu.Lock()
		c.inFlight[task.ID] = true
		c.mu.Unlock()

		go func(t *taskstore.Task) {
			defer func() {
				<-sem
				c.mu.Lock()
				delete(c.inFlight, t.ID)
				c.mu.Unlock()
			}()
			c.dispatch(ctx, t)
		}(task)
	}
}

func (c *Coordinator) isCompleted(id string) bool {
	task, err := c.store.GetTask(id)
	if err != nil {
		return false
	}
	return task.Status == taskstore.StatusCompleted
}

// dispatch transitions task to in_progress, runs the agent dispatch
// under the Adaptive Timeout Manager with op-id exec_<taskId>, and
// applies spec.md §4.7's failure policy to the outcome.
func (c *Coordinator) dispatch(ctx context.Context, task *taskstore.Task) {
	log := obs.Component("coordinator")

	if _, err := c.lifecycle.TransitionTask(task.ID, taskstore.StatusInProgress, lifecycle.TransitionRequest{
		TriggeredBy: "coordinator", IsAutomated: true, Reason: "dispatching to agent",
	}); err != nil {
		log.Warnw("could not transition to in_progress, skipping dispatch", "taskId", task.ID, "err", err)
		return
	}

	opID := "exec_" + task.ID
	cfg := timeout.DefaultConfig(timeout.KindExecution)
	cfg.MaxRetries = c.cfg.MaxRetries

	opFn := func(ctx context.Context, token *timeout.CancelToken, report func(timeout.Progress)) (*llmagent.DispatchResult, error) {
		return c.agent.Dispatch(ctx, llmagent.DispatchRequest{
			Cwd: c.cfg.Cwd, TaskID: task.ID, AllowedTools: c.cfg.AllowedTools,
			SystemPrompt: systemPromptFor(task), Prompt: promptFor(task),
			LiveOutput: c.cfg.LiveOutput,
		})
	}

	// ExecuteWithTimeout only retries on deadline expiry (§7's
	// propagation policy keeps operation errors the caller's concern);
	// §4.7's "transport error: retry up to maxRetries with backoff then
	// failed" is therefore implemented as an outer retry loop here, one
	// ExecuteWithTimeout call per attempt.
	var result timeout.Result[*llmagent.DispatchResult]
retryLoop:
	for attempt := 0; ; attempt++ {
		result = timeout.ExecuteWithTimeout(ctx, c.timeoutMgr, opID, opFn, cfg, nil) // partial results aren't meaningful for dispatch
		if result.Success || result.TimeoutOccurred || attempt >= c.cfg.MaxRetries {
			break
		}
		log.Warnw("dispatch transport error, retrying", "taskId", task.ID, "attempt", attempt, "err", result.Error)
		backoff := time.Duration(1000*math.Pow(1.5, float64(attempt))) * time.Millisecond
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			break retryLoop
		case <-time.After(backoff):
		}
	}

	c.applyOutcome(ctx, task, result)
}

// applyOutcome implements spec.md §4.7's failure policy: transport
// error retries then fails, agent-reported error fails immediately,
// agent timeout blocks pending external intervention. A successful
// dispatch is additionally gated on verify before being completed.
func (c *Coordinator) applyOutcome(ctx context.Context, task *taskstore.Task, result timeout.Result[*llmagent.DispatchResult]) {
	log := obs.Component("coordinator")

	if result.Success {
		if reason, ok := c.verify(ctx, task); !ok {
			if _, err := c.lifecycle.TransitionTask(task.ID, taskstore.StatusFailed, lifecycle.TransitionRequest{
				TriggeredBy: "coordinator", IsAutomated: true, Reason: reason,
			}); err != nil {
				log.Warnw("failed to record verification failure", "taskId", task.ID, "err", err)
			}
			return
		}

		if _, err := c.lifecycle.TransitionTask(task.ID, taskstore.StatusCompleted, lifecycle.TransitionRequest{
			TriggeredBy: "coordinator", IsAutomated: true, Reason: "agent dispatch completed",
		}); err != nil {
			log.Warnw("failed to record completion", "taskId", task.ID, "err", err)
		}
		c.commitTask(ctx, task)
		c.bus.Publish(events.Event{Kind: events.KindTaskTransition, Payload: events.TaskTransitionPayload{TaskID: task.ID}})
		return
	}

	if result.TimeoutOccurred {
		if _, err := c.lifecycle.TransitionTask(task.ID, taskstore.StatusBlocked, lifecycle.TransitionRequest{
			TriggeredBy: "coordinator", IsAutomated: true, Reason: "agent dispatch timed out",
		}); err != nil {
			log.Warnw("failed to record timeout block", "taskId", task.ID, "err", err)
		}
		c.bus.Publish(events.Event{Kind: events.KindTimeout, Payload: events.TimeoutPayload{OperationID: "exec_" + task.ID}})
		return
	}

	reason := "agent dispatch failed"
	if result.Error != nil {
		reason = "transport error exhausted retries: " + result.Error.Error()
	}
	if _, err := c.lifecycle.TransitionTask(task.ID, taskstore.StatusFailed, lifecycle.TransitionRequest{
		TriggeredBy: "coordinator", IsAutomated: true, Reason: reason,
	}); err != nil {
		log.Warnw("failed to record failure", "taskId", task.ID, "err", err)
	}
}

// verify runs the task's own VerifyCommands plus the coordinator's
// configured default ones, in that order, and reports whether every
// one of them passed. A nil verifier or an empty combined command
// list both count as passing, so verification is opt-in.
func (c *Coordinator) verify(ctx context.Context, task *taskstore.Task) (failureReason string, passed bool) {
	if c.verifier == nil {
		return "", true
	}

	commands := append(append([][]string{}, task.VerifyCommands...), c.cfg.VerifyCommands...)
	if len(commands) == 0 {
		return "", true
	}

	results, err := c.verifier.VerifyTask(ctx, commands)
	if err != nil {
		return "verification failed to run: " + err.Error(), false
	}

	for _, r := range results {
		if !r.Passed {
			return "verification command failed: " + strings.Join(r.Command, " ") + ": " + r.Output, false
		}
	}
	return "", true
}

// commitTask records a completed task as a conventional commit. It is
// best-effort: a failed or no-op commit (e.g. the agent made no working
// tree changes) is logged and does not affect the task's lifecycle state,
// since the task has already been transitioned to completed.
func (c *Coordinator) commitTask(ctx context.Context, task *taskstore.Task) {
	if c.git == nil {
		return
	}

	message := gitpkg.FormatCommitMessage(task.Title, task.ID)
	if _, err := c.git.Commit(ctx, message); err != nil {
		if errors.Is(err, gitpkg.ErrNoChanges) {
			return
		}
		obs.Component("coordinator").Warnw("failed to commit completed task", "taskId", task.ID, "err", err)
	}
}

func systemPromptFor(task *taskstore.Task) string {
	return "You are an autonomous coding agent executing one atomic task from a larger decomposition. " +
		"Make only the changes required by the task's acceptance criteria."
}

func promptFor(task *taskstore.Task) string {
	prompt := "Task: " + task.Title + "\n\n" + task.Description
	if len(task.Acceptance) > 0 {
		prompt += "\n\nAcceptance criteria:"
		for _, a := range task.Acceptance {
			prompt += "\n- " + a
		}
	}
	return prompt
}
