// Package timeout implements the Adaptive Timeout Manager of spec.md
// §4.4: a single-operation wrapper that arms a deadline, accepts
// progress updates that can extend the deadline, detects stagnation,
// and retries with exponential backoff on timeout. It is grounded in
// the teacher's internal/loop/budget.go (limit-checking shape,
// BudgetStatus-style result) and internal/loop/gutter.go (stagnation/
// repeated-failure detection), generalized from a whole-loop budget
// check into a single adaptive-timeout primitive per operation id.
package timeout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dataparency-dev/taskloom/internal/obs"
)

// OperationKind is inferred from an opId substring, per spec.md §4.4.
type OperationKind string

const (
	KindDecomposition OperationKind = "decomposition"
	KindExecution     OperationKind = "execution"
	KindOther         OperationKind = "other"
)

// InferOperationKind maps an opId to its operation kind by substring,
// used to pick sensible defaults.
func InferOperationKind(opID string) OperationKind {
	lower := strings.ToLower(opID)
	switch {
	case strings.HasPrefix(lower, "decompos"):
		return KindDecomposition
	case strings.HasPrefix(lower, "execut"), strings.HasPrefix(lower, "run"):
		return KindExecution
	default:
		return KindOther
	}
}

// Config mirrors spec.md §4.4's Configuration block.
type Config struct {
	BaseTimeout              time.Duration
	MaxTimeout               time.Duration
	ProgressCheckInterval    time.Duration
	ExponentialBackoffFactor float64
	MaxRetries               int
	PartialResultThreshold   float64
}

// DefaultConfig returns sensible defaults for the given operation kind.
func DefaultConfig(kind OperationKind) Config {
	switch kind {
	case KindDecomposition:
		return Config{
			BaseTimeout:              30 * time.Second,
			MaxTimeout:               5 * time.Minute,
			ProgressCheckInterval:    10 * time.Second,
			ExponentialBackoffFactor: 2,
			MaxRetries:               3,
			PartialResultThreshold:   0.5,
		}
	case KindExecution:
		return Config{
			BaseTimeout:              2 * time.Minute,
			MaxTimeout:               20 * time.Minute,
			ProgressCheckInterval:    15 * time.Second,
			ExponentialBackoffFactor: 1.5,
			MaxRetries:               2,
			PartialResultThreshold:   0.7,
		}
	default:
		return Config{
			BaseTimeout:              30 * time.Second,
			MaxTimeout:               2 * time.Minute,
			ProgressCheckInterval:    10 * time.Second,
			ExponentialBackoffFactor: 2,
			MaxRetries:               3,
			PartialResultThreshold:   0.5,
		}
	}
}

// Progress is what an operation reports via its progress callback.
type Progress struct {
	Completed             int
	Total                 int
	Stage                 string
	LastUpdate            time.Time
	EstimatedTimeRemaining time.Duration
	HasETR                bool
}

func (p Progress) ratio() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// CancelToken is a one-shot latch granting an operation an observable
// "please stop" signal, per spec.md's glossary. Cancelled tokens invoke
// late-registered callbacks synchronously.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
}

func newCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel fires the token exactly once.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	for _, cb := range t.callbacks {
		cb()
	}
}

// Cancelled reports whether the token has fired.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancelled registers cb to run when the token fires. If the token has
// already fired, cb runs synchronously before this call returns.
func (t *CancelToken) OnCancelled(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// OpFunc is the operation body: it receives a cancellation token and a
// progress-reporting callback, and returns a result or an error.
type OpFunc[T any] func(ctx context.Context, token *CancelToken, report func(Progress)) (T, error)

// PartialExtractor extracts a usable partial result given the last
// reported progress, if any exists. It returns ok=false when no partial
// result is available.
type PartialExtractor[T any] func(last Progress) (partial T, ok bool)

// Result is the TimeoutResult of spec.md §4.4.
type Result[T any] struct {
	Success           bool
	Result            T
	HasResult         bool
	PartialResult     T
	HasPartialResult  bool
	TimeoutOccurred   bool
	RetryCount        int
	TotalDuration     time.Duration
	ProgressAtTimeout Progress
	HasProgress       bool
	Error             error
}

// activeOperation tracks a single in-flight operation id, ensuring at
// most one active call per id as spec.md §4.4's Model requires.
type activeOperation struct {
	mu sync.Mutex
}

// Manager executes operations under the adaptive-timeout contract. It is
// concurrent-safe across operation ids; within one id there is at most
// one active call.
type Manager struct {
	mu     sync.Mutex
	active map[string]*activeOperation
}

// New creates a Manager.
func New() *Manager {
	return &Manager{active: make(map[string]*activeOperation)}
}

func (m *Manager) lockFor(opID string) *activeOperation {
	m.mu.Lock()
	op, ok := m.active[opID]
	if !ok {
		op = &activeOperation{}
		m.active[opID] = op
	}
	m.mu.Unlock()
	return op
}

// ExecuteWithTimeout implements spec.md §4.4's executeWithTimeout.
func ExecuteWithTimeout[T any](ctx context.Context, m *Manager, opID string, fn OpFunc[T], cfg Config, extractor PartialExtractor[T]) Result[T] {
	op := m.lockFor(opID)
	op.mu.Lock()
	defer op.mu.Unlock()

	log := obs.Component("timeout")
	start := time.Now()

	var lastProgress Progress
	haveProgress := false
	var retryCount int

	for {
		deadline := time.Duration(math.Min(
			float64(cfg.BaseTimeout)*math.Pow(cfg.ExponentialBackoffFactor, float64(retryCount)),
			float64(cfg.MaxTimeout),
		))

		attemptResult, timedOut, progress, gotProgress := runAttempt(ctx, fn, deadline, cfg)
		if gotProgress {
			lastProgress = progress
			haveProgress = true
		}

		if !timedOut && attemptResult.err == nil {
			return Result[T]{
				Success:       true,
				Result:        attemptResult.value,
				HasResult:     true,
				RetryCount:    retryCount,
				TotalDuration: time.Since(start),
			}
		}

		if !timedOut {
			// Operation returned a non-timeout error: not retried further
			// here — operation errors are the caller's concern per the
			// propagation policy (§7); only deadline expiry drives retry.
			return Result[T]{
				Success:       false,
				TimeoutOccurred: false,
				RetryCount:    retryCount,
				TotalDuration: time.Since(start),
				Error:         attemptResult.err,
			}
		}

		log.Warnw("operation timed out", "opId", opID, "retry", retryCount, "deadline", deadline)

		if extractor != nil && haveProgress && lastProgress.ratio() >= cfg.PartialResultThreshold {
			if partial, ok := extractor(lastProgress); ok {
				return Result[T]{
					Success:           true,
					PartialResult:     partial,
					HasPartialResult:  true,
					TimeoutOccurred:   true,
					RetryCount:        retryCount,
					TotalDuration:     time.Since(start),
					ProgressAtTimeout: lastProgress,
					HasProgress:       haveProgress,
				}
			}
		}

		if retryCount >= cfg.MaxRetries {
			return Result[T]{
				Success:           false,
				TimeoutOccurred:   true,
				RetryCount:        retryCount,
				TotalDuration:     time.Since(start),
				ProgressAtTimeout: lastProgress,
				HasProgress:       haveProgress,
				Error:             fmt.Errorf("operation %s timed out after %d retries", opID, retryCount),
			}
		}

		backoff := time.Duration(math.Min(float64(time.Second)*math.Pow(cfg.ExponentialBackoffFactor, float64(retryCount)), float64(30*time.Second)))
		select {
		case <-ctx.Done():
			return Result[T]{
				Success:       false,
				TimeoutOccurred: true,
				RetryCount:    retryCount,
				TotalDuration: time.Since(start),
				Error:         ctx.Err(),
			}
		case <-time.After(backoff):
		}
		retryCount++
	}
}

type attemptOutcome[T any] struct {
	value T
	err   error
}

// runAttempt runs fn once under a deadline, monitoring for progress-based
// deadline extension and stagnation, per spec.md §4.4's Behavior.
func runAttempt[T any](ctx context.Context, fn OpFunc[T], deadline time.Duration, cfg Config) (attemptOutcome[T], bool, Progress, bool) {
	log := obs.Component("timeout")
	token := newCancelToken()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	start := time.Now()
	elapsed := func() time.Duration { return time.Since(start) }
	remaining := func() time.Duration { return deadline - elapsed() }

	var mu sync.Mutex
	var lastProgress Progress
	haveProgress := false
	lastUpdateAt := start

	stagnationMultiplier := 3.0
	if cfg.ProgressCheckInterval >= 30*time.Second {
		stagnationMultiplier = 2.0
	}
	stagnationWindow := time.Duration(float64(cfg.ProgressCheckInterval) * stagnationMultiplier)

	report := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		lastUpdateAt = now
		p.LastUpdate = now
		lastProgress = p
		haveProgress = true

		if p.HasETR {
			ratio := p.ratio()
			if ratio > 0.1 {
				extended := time.Duration(float64(p.EstimatedTimeRemaining) * 1.5)
				remainingBudget := deadline - elapsed()
				if extended < remainingBudget {
					extended = remainingBudget
				}
				if extended > cfg.MaxTimeout-elapsed() {
					extended = cfg.MaxTimeout - elapsed()
				}
				if extended >= 5*time.Second && extended > remaining() {
					deadlineTimer.Reset(extended)
				}
			}
		}
	}

	resultCh := make(chan attemptOutcome[T], 1)
	go func() {
		value, err := fn(attemptCtx, token, report)
		resultCh <- attemptOutcome[T]{value: value, err: err}
	}()

	ticker := time.NewTicker(stagnationCheckInterval(cfg.ProgressCheckInterval))
	defer ticker.Stop()

	for {
		select {
		case out := <-resultCh:
			token.Cancel()
			mu.Lock()
			p, ok := lastProgress, haveProgress
			mu.Unlock()
			return out, false, p, ok

		case <-deadlineTimer.C:
			token.Cancel()
			cancel()
			out := <-resultCh
			mu.Lock()
			p, ok := lastProgress, haveProgress
			mu.Unlock()
			return out, true, p, ok

		case <-ticker.C:
			mu.Lock()
			stagnant := haveProgress && time.Since(lastUpdateAt) > stagnationWindow
			p := lastProgress
			mu.Unlock()
			if stagnant {
				log.Warnw("stagnation detected", "stage", p.Stage, "lastUpdate", p.LastUpdate)
			}
		}
	}
}

func stagnationCheckInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return time.Second
	}
	return base
}
