package llmagent

import (
	"context"
	"fmt"

	"github.com/dataparency-dev/taskloom/internal/claude"
)

// ClaudeAgentAdapter adapts the teacher's claude.Runner subprocess
// contract to the AgentAdapter interface, for full coding-agent
// dispatch (tool use, file edits, multi-turn sessions).
type ClaudeAgentAdapter struct {
	runner claude.Runner
}

// NewClaudeAgentAdapter wraps an existing claude.Runner.
func NewClaudeAgentAdapter(runner claude.Runner) *ClaudeAgentAdapter {
	return &ClaudeAgentAdapter{runner: runner}
}

func (a *ClaudeAgentAdapter) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	resp, err := a.runner.Run(ctx, claude.ClaudeRequest{
		Cwd:          req.Cwd,
		SystemPrompt: req.SystemPrompt,
		AllowedTools: req.AllowedTools,
		Prompt:       req.Prompt,
		Continue:     req.Continue,
		ExtraArgs:    req.ExtraArgs,
		Env:          req.Env,
		LiveOutput:   req.LiveOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("agent dispatch for task %s: %w", req.TaskID, err)
	}

	return &DispatchResult{
		SessionID:         resp.SessionID,
		Model:             resp.Model,
		FinalText:         resp.FinalText,
		StreamText:        resp.StreamText,
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		TotalCostUSD:      resp.TotalCostUSD,
		PermissionDenials: resp.PermissionDenials,
		RawEventsPath:     resp.RawEventsPath,
	}, nil
}

// ClaudeLLMAdapter adapts claude.Runner for stateless classification
// calls: no tools, no continuation, working directory is irrelevant. It
// is deliberately thin over the same subprocess contract the agent
// adapter uses, since the teacher's stack has no separate API client —
// a bare Claude Code invocation with no tools serves as the plain-text
// completion call.
type ClaudeLLMAdapter struct {
	runner claude.Runner
	cwd    string
}

// NewClaudeLLMAdapter wraps an existing claude.Runner for single-shot
// text completions, run from cwd (typically the project root, since
// Claude Code requires a working directory even with no tools allowed).
func NewClaudeLLMAdapter(runner claude.Runner, cwd string) *ClaudeLLMAdapter {
	return &ClaudeLLMAdapter{runner: runner, cwd: cwd}
}

func (a *ClaudeLLMAdapter) Call(ctx context.Context, prompt, systemPrompt, purpose string, temperature float64) (string, error) {
	resp, err := a.runner.Run(ctx, claude.ClaudeRequest{
		Cwd:          a.cwd,
		SystemPrompt: systemPrompt,
		AllowedTools: nil,
		Prompt:       prompt,
		Env:          map[string]string{"VIBE_LLM_PURPOSE": purpose},
	})
	if err != nil {
		return "", fmt.Errorf("llm call (%s): %w", purpose, err)
	}

	if resp.FinalText != "" {
		return resp.FinalText, nil
	}
	return resp.StreamText, nil
}
