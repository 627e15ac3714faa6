// Package llmagent defines the two external-system boundaries the
// orchestration engine depends on: a plain-text LLM call used by the
// Atomicity Detector and Recursive Decomposition Engine for
// classification/decomposition prompts, and a coding-agent dispatch used
// by the Execution Coordinator to actually carry out a task. The
// teacher's internal/claude.Runner conflated both into one subprocess
// contract; here they are split so a lightweight classification call
// never has to pay for a full agent session, and an agent dispatch never
// has to pretend it returned plain text.
package llmagent

import (
	"context"
	"io"
)

// LLMAdapter is a single-shot, stateless text completion call. Used by
// internal/atomicity and internal/rdd for classification and
// decomposition prompts that expect a JSON response and do not need
// tool use, file access, or session continuity.
type LLMAdapter interface {
	// Call sends prompt with systemPrompt as the system message, tagged
	// with purpose for logging/telemetry, at the given sampling
	// temperature, and returns the raw text response.
	Call(ctx context.Context, prompt, systemPrompt, purpose string, temperature float64) (string, error)
}

// DispatchRequest describes a unit of work to hand to a coding agent.
type DispatchRequest struct {
	// Cwd is the working directory the agent operates in (repo root or
	// worktree).
	Cwd string

	// TaskID identifies the task being executed, for logging/audit.
	TaskID string

	// SystemPrompt is the agent's system/role prompt.
	SystemPrompt string

	// Prompt is the task instructions.
	Prompt string

	// AllowedTools restricts what the agent may use (e.g. Read, Edit, Bash).
	AllowedTools []string

	// Continue requests continuation of a prior session for this task,
	// when the adapter supports it.
	Continue bool

	// ExtraArgs passes adapter-specific flags through untouched.
	ExtraArgs []string

	// Env supplies additional environment variables for the agent
	// subprocess/session.
	Env map[string]string

	// LiveOutput, if set, receives a human-readable rendering of the
	// agent's raw event stream (assistant text and, if the adapter
	// supports it, tool invocations) as the dispatch completes. Nil
	// disables this rendering entirely.
	LiveOutput io.Writer
}

// DispatchResult is the outcome of a single agent dispatch.
type DispatchResult struct {
	SessionID         string
	Model             string
	FinalText         string
	StreamText        string
	InputTokens       int
	OutputTokens      int
	TotalCostUSD      float64
	PermissionDenials []string
	RawEventsPath     string
}

// AgentAdapter dispatches a task to an autonomous coding agent and
// blocks until it completes or ctx is cancelled. Implementations wrap a
// subprocess (Claude Code, OpenCode) or a hosted agent API.
type AgentAdapter interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}
