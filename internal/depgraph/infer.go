package depgraph

import (
	"sort"
	"strings"

	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

// InferenceInput is the per-task information the inference rules need:
// more than the graph's bare TaskNode (it needs file paths, title, and
// description), but still not the full owned Task.
type InferenceInput struct {
	ID          string
	Title       string
	Description string
	FilePaths   []string
}

// namingChainOrder lists the stages of the schema -> model ->
// repository/service -> endpoint/api -> test chain described in spec.md
// §4.2; keywords that share a stage are grouped together.
var namingChainOrder = [][]string{{"schema"}, {"model"}, {"repository", "service"}, {"endpoint", "api"}, {"test"}}

// namingChainStage returns the stage index of the first chain keyword
// found in text, or -1 if none is present.
func namingChainStage(text string) int {
	lower := strings.ToLower(text)
	for i, stage := range namingChainOrder {
		for _, kw := range stage {
			if strings.Contains(lower, kw) {
				return i
			}
		}
	}
	return -1
}

// fileProducerKind classifies a file path per the heuristics in spec.md
// §4.2: migrations/* -> schema, src/models/* -> model,
// src/services/* or src/routes/* -> consumer.
func fileProducerKind(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "migrations/"):
		return "schema-producer"
	case strings.HasPrefix(lower, "src/models/"):
		return "model-producer"
	case strings.HasPrefix(lower, "src/services/"), strings.HasPrefix(lower, "src/routes/"):
		return "consumer"
	default:
		return ""
	}
}

// ApplyIntelligentDependencyDetection proposes and, for high-confidence
// matches, applies dependency edges over the given task set, per the
// three heuristics of spec.md §4.2 (file overlap, naming chain, explicit
// token match) and the confidence thresholds (≥0.75 auto-apply,
// 0.5-0.75 suggest, <0.5 drop). Edges are applied atomically per
// candidate: if applying one would close a cycle, only that candidate
// is rejected and reported in Warnings; the rest proceed.
func (g *Graph) ApplyIntelligentDependencyDetection(tasks []InferenceInput) InferenceResult {
	result := InferenceResult{}

	candidates := g.proposeCandidates(tasks)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		if candidates[i].FromID != candidates[j].FromID {
			return candidates[i].FromID < candidates[j].FromID
		}
		return candidates[i].ToID < candidates[j].ToID
	})

	for _, c := range candidates {
		switch {
		case c.Confidence >= 0.75:
			if err := g.AddDependency(c.FromID, c.ToID, EdgeTask, 1.0, false); err != nil {
				result.Warnings = append(result.Warnings, "rejected "+c.FromID+"->"+c.ToID+": "+err.Error())
				continue
			}
			edge := Edge{FromID: c.FromID, ToID: c.ToID, Kind: EdgeTask, Weight: 1.0}
			result.AppliedDependencies = append(result.AppliedDependencies, edge)
		case c.Confidence >= 0.5:
			result.Suggestions = append(result.Suggestions, c)
		default:
			// dropped
		}
	}

	return result
}

func (g *Graph) proposeCandidates(tasks []InferenceInput) []Suggestion {
	var out []Suggestion
	byID := make(map[string]InferenceInput, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, a := range tasks {
		for _, b := range tasks {
			if a.ID == b.ID {
				continue
			}

			// File overlap: A produces a file kind that B consumes.
			for _, fa := range a.FilePaths {
				kindA := fileProducerKind(fa)
				if kindA == "" {
					continue
				}
				for _, fb := range b.FilePaths {
					kindB := fileProducerKind(fb)
					if kindB == "consumer" && (kindA == "schema-producer" || kindA == "model-producer") {
						conf := 0.85
						if kindA == "schema-producer" {
							conf = 0.9
						}
						out = append(out, Suggestion{FromID: b.ID, ToID: a.ID, Confidence: conf, Reason: "file overlap: " + fa + " -> " + fb})
					}
				}
			}

			// Naming chain: B's stage follows A's stage in the schema->
			// model->repository/service->endpoint/api->test chain.
			stageA := namingChainStage(a.Title + " " + a.Description)
			stageB := namingChainStage(b.Title + " " + b.Description)
			if stageA >= 0 && stageB >= 0 && stageB == stageA+1 {
				conf := 0.7 + 0.2*float64(stageA)/float64(len(namingChainOrder))
				if conf > 0.9 {
					conf = 0.9
				}
				out = append(out, Suggestion{FromID: b.ID, ToID: a.ID, Confidence: conf, Reason: "naming chain: " + strings.Join(namingChainOrder[stageA], "/") + " -> " + strings.Join(namingChainOrder[stageB], "/")})
			}

			// Explicit token match: A's id appears in B's description.
			if a.ID != "" && strings.Contains(b.Description, a.ID) {
				out = append(out, Suggestion{FromID: b.ID, ToID: a.ID, Confidence: 0.8, Reason: "explicit token match: " + a.ID})
			}
		}
	}

	return dedupeSuggestions(out)
}

func dedupeSuggestions(in []Suggestion) []Suggestion {
	best := make(map[string]Suggestion)
	var order []string
	for _, s := range in {
		key := s.FromID + "->" + s.ToID
		if cur, ok := best[key]; !ok || s.Confidence > cur.Confidence {
			if _, seen := best[key]; !seen {
				order = append(order, key)
			}
			best[key] = s
		}
	}
	out := make([]Suggestion, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// ToInferenceInput adapts a taskstore.Task to the InferenceInput the
// inference rules operate over.
func ToInferenceInput(t *taskstore.Task) InferenceInput {
	return InferenceInput{ID: t.ID, Title: t.Title, Description: t.Description, FilePaths: t.FilePaths}
}
