// Package atomicity implements the hybrid deterministic+LLM atomicity
// classifier described in spec.md §4.1: an LLM provisional judgment,
// demoted (never promoted) by eight hard/soft validation rules. It is
// grounded in the teacher's internal/decomposer/decomposer.go, whose
// embedded system prompt already encodes the same atomicity/dependency
// rules this detector enforces in code rather than only in a prompt.
package atomicity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/dataparency-dev/taskloom/internal/llmagent"
	"github.com/dataparency-dev/taskloom/internal/obs"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// ProjectContext mirrors spec.md §3's Project Context type, trimmed to
// the fields the detector and RDD engine actually consult.
type ProjectContext struct {
	ProjectID      string
	Languages      []string
	Frameworks     []string
	Tools          []string
	CodebaseSize   string // small|medium|large
	TeamSize       int
	Complexity     string // low|medium|high
	DirectoryHints []string
}

// Analysis is the Atomicity Analysis type from spec.md §3.
type Analysis struct {
	IsAtomic          bool
	Confidence        float64
	Reasoning         string
	EstimatedHours    float64
	ComplexityFactors []string
	Recommendations   []string
	EvaluatedAt       time.Time
	CacheKey          string
}

// llmJudgment is the provisional, unvalidated classification returned
// by the LLM adapter before hard rules are applied.
type llmJudgment struct {
	IsAtomic          bool     `json:"isAtomic"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	EstimatedHours    float64  `json:"estimatedHours"`
	ComplexityFactors []string `json:"complexityFactors"`
	Recommendations   []string `json:"recommendations"`
}

var complexActionWords = []string{
	"implement", "comprehensive", "complete", "full", "entire", "whole",
	"build", "create", "develop", "design", "architect", "engineer",
	"establish", "setup", "configure",
}

var andConjunction = regexp.MustCompile(`(?i)\band\b`)
var vagueTerms = regexp.MustCompile(`(?i)(various|several|multiple|many|some|necessary|required|appropriate)`)

const atomicTimeThresholdHours = 0.333 // 20 minutes

// Detector analyzes tasks for atomicity, per spec.md §4.1. It is pure in
// semantics (no state mutation visible to callers) but caches LLM
// judgments to avoid repeat calls for unchanged tasks.
type Detector struct {
	llm   llmagent.LLMAdapter
	cache *cache.Cache
}

// New creates a Detector backed by the given LLM adapter.
func New(llm llmagent.LLMAdapter) *Detector {
	return &Detector{
		llm:   llm,
		cache: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Analyze implements the contract `analyze(task, context) ->
// AtomicityAnalysis` of spec.md §4.1.
func (d *Detector) Analyze(ctx context.Context, task *taskstore.Task, pctx ProjectContext) (*Analysis, error) {
	log := obs.Component("atomicity")
	key := cacheKey(task)

	judgment := d.classify(ctx, task, pctx, key)

	analysis := &Analysis{
		IsAtomic:          judgment.IsAtomic,
		Confidence:        judgment.Confidence,
		Reasoning:         judgment.Reasoning,
		EstimatedHours:    judgment.EstimatedHours,
		ComplexityFactors: append([]string{}, judgment.ComplexityFactors...),
		Recommendations:   append([]string{}, judgment.Recommendations...),
		EvaluatedAt:       time.Now(),
		CacheKey:          key,
	}

	applyHardRules(analysis, task, pctx)

	log.Debugw("atomicity analyzed", "task", task.ID, "isAtomic", analysis.IsAtomic, "confidence", analysis.Confidence)
	return analysis, nil
}

// classify obtains the provisional LLM judgment, using the cache when
// available, and falling back per rule 8 on failure or unparseable
// content.
func (d *Detector) classify(ctx context.Context, task *taskstore.Task, pctx ProjectContext, key string) llmJudgment {
	if cached, ok := d.cache.Get(key); ok {
		return cached.(llmJudgment)
	}

	if d.llm == nil {
		return fallbackJudgment()
	}

	prompt := buildPrompt(task, pctx)
	raw, err := d.llm.Call(ctx, prompt, systemPrompt, "atomicity-classification", 0.2)
	if err != nil {
		obs.Component("atomicity").Warnw("llm call failed, using fallback", "task", task.ID, "err", err)
		return fallbackJudgment()
	}

	judgment, perr := parseJudgment(raw)
	if perr != nil {
		obs.Component("atomicity").Warnw("llm response unparseable, using fallback", "task", task.ID, "err", perr)
		return fallbackJudgment()
	}

	d.cache.Set(key, judgment, cache.DefaultExpiration)
	return judgment
}

func fallbackJudgment() llmJudgment {
	return llmJudgment{
		IsAtomic:          false,
		Confidence:        0.4,
		Reasoning:         "Fallback analysis",
		ComplexityFactors: []string{"LLM analysis unavailable"},
		Recommendations:   []string{"Manual review recommended"},
	}
}

func parseJudgment(raw string) (llmJudgment, error) {
	var j llmJudgment
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return j, errEmptyResponse
	}
	if err := json.Unmarshal([]byte(trimmed), &j); err != nil {
		return j, err
	}
	return j, nil
}

var errEmptyResponse = &parseError{"empty LLM response"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// applyHardRules demotes (never promotes) the provisional judgment
// according to rules 1-7 of spec.md §4.1. Rules 1-4 are authoritative
// (confidence forced to 0); rules 5-7 are soft caps.
func applyHardRules(a *Analysis, task *taskstore.Task, pctx ProjectContext) {
	forced := false

	// Rule 1: estimatedHours > 20 minutes.
	if a.EstimatedHours > atomicTimeThresholdHours {
		a.IsAtomic = false
		forced = true
		a.Recommendations = appendUnique(a.Recommendations, "Task exceeds 20-minute validation threshold")
	}

	// Rule 2: 3+ file modifications.
	if len(task.FilePaths) >= 3 {
		a.IsAtomic = false
		forced = true
		a.ComplexityFactors = appendUnique(a.ComplexityFactors, "Multiple file modifications indicate non-atomic task")
	}

	// Rule 3: acceptance criteria count != 1.
	if len(task.Acceptance) != 1 {
		a.IsAtomic = false
		forced = true
		a.Recommendations = appendUnique(a.Recommendations, "Atomic tasks must have exactly ONE acceptance criteria")
	}

	// Rule 4: "and" as a whole-word conjunction in title or description.
	if andConjunction.MatchString(task.Title) || andConjunction.MatchString(task.Description) {
		a.IsAtomic = false
		forced = true
		a.ComplexityFactors = appendUnique(a.ComplexityFactors, "Task contains 'and' operator")
	}

	// Rules 1-4 are authoritative: force confidence to 0 whenever any of
	// them has fired.
	if forced {
		a.Confidence = 0
	}

	combined := strings.ToLower(task.Title + " " + task.Description)

	// Rule 5: complex action words combined with a noun phrase (heuristic:
	// the word appears followed by at least one more word).
	for _, word := range complexActionWords {
		idx := strings.Index(combined, word)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(combined[idx+len(word):])
		if rest != "" {
			a.ComplexityFactors = appendUnique(a.ComplexityFactors, "complex action words")
			if a.Confidence > 0.3 {
				a.Confidence = 0.3
			}
			break
		}
	}

	// Rule 6: vague-term regex.
	if vagueTerms.MatchString(task.Description) {
		a.ComplexityFactors = appendUnique(a.ComplexityFactors, "vague terms")
		if a.Confidence > 0.4 {
			a.Confidence = 0.4
		}
	}

	// Rule 7: critical priority + high-complexity context.
	if task.Priority == taskstore.PriorityCritical && strings.EqualFold(pctx.Complexity, "high") {
		if a.Confidence > 0.8 {
			a.Confidence = 0.8
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func cacheKey(task *taskstore.Task) string {
	h := sha256.New()
	h.Write([]byte(task.Title))
	h.Write([]byte(task.Description))
	for _, a := range task.Acceptance {
		h.Write([]byte(a))
	}
	for _, f := range task.FilePaths {
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func buildPrompt(task *taskstore.Task, pctx ProjectContext) string {
	var sb strings.Builder
	sb.WriteString("Title: " + task.Title + "\n")
	sb.WriteString("Description: " + task.Description + "\n")
	sb.WriteString("Acceptance criteria: " + strings.Join(task.Acceptance, "; ") + "\n")
	sb.WriteString("File paths: " + strings.Join(task.FilePaths, ", ") + "\n")
	sb.WriteString("Project complexity: " + pctx.Complexity + "\n")
	if len(pctx.DirectoryHints) > 0 {
		sb.WriteString("Directory hints:\n" + strings.Join(pctx.DirectoryHints, "\n") + "\n")
	}
	return sb.String()
}

const systemPrompt = `You are an atomicity classifier. Given a single task, decide whether it
is atomic: completable in at most 20 minutes, touching at most a couple
of files, with exactly one acceptance criterion. Respond with JSON:
{"isAtomic":bool,"confidence":number 0-1,"reasoning":string,
"estimatedHours":number,"complexityFactors":[string],
"recommendations":[string]}`
