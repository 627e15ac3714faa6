package llmagent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/taskloom/internal/claude"
)

type mockRunner struct {
	runFunc func(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error)
}

func (m *mockRunner) Run(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error) {
	return m.runFunc(ctx, req)
}

func TestClaudeAgentAdapter_Dispatch(t *testing.T) {
	mock := &mockRunner{
		runFunc: func(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error) {
			assert.Equal(t, "/repo", req.Cwd)
			assert.Equal(t, []string{"Read", "Edit"}, req.AllowedTools)
			return &claude.ClaudeResponse{
				SessionID: "s1",
				FinalText: "done",
				Usage:     claude.ClaudeUsage{InputTokens: 10, OutputTokens: 20},
			}, nil
		},
	}

	adapter := NewClaudeAgentAdapter(mock)
	result, err := adapter.Dispatch(context.Background(), DispatchRequest{
		Cwd:          "/repo",
		TaskID:       "task-1",
		Prompt:       "implement it",
		AllowedTools: []string{"Read", "Edit"},
	})

	require.NoError(t, err)
	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, "done", result.FinalText)
	assert.Equal(t, 10, result.InputTokens)
	assert.Equal(t, 20, result.OutputTokens)
}

func TestClaudeAgentAdapter_Dispatch_WrapsError(t *testing.T) {
	mock := &mockRunner{
		runFunc: func(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error) {
			return nil, errors.New("subprocess exploded")
		},
	}

	adapter := NewClaudeAgentAdapter(mock)
	_, err := adapter.Dispatch(context.Background(), DispatchRequest{TaskID: "task-9"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "task-9")
}

func TestClaudeLLMAdapter_Call_PrefersFinalText(t *testing.T) {
	mock := &mockRunner{
		runFunc: func(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error) {
			assert.Nil(t, req.AllowedTools)
			return &claude.ClaudeResponse{FinalText: "final", StreamText: "stream"}, nil
		},
	}

	adapter := NewClaudeLLMAdapter(mock, "/repo")
	out, err := adapter.Call(context.Background(), "prompt", "system", "atomicity-classification", 0.2)

	require.NoError(t, err)
	assert.Equal(t, "final", out)
}

func TestClaudeLLMAdapter_Call_FallsBackToStreamText(t *testing.T) {
	mock := &mockRunner{
		runFunc: func(ctx context.Context, req claude.ClaudeRequest) (*claude.ClaudeResponse, error) {
			return &claude.ClaudeResponse{StreamText: "stream only"}, nil
		},
	}

	adapter := NewClaudeLLMAdapter(mock, "/repo")
	out, err := adapter.Call(context.Background(), "prompt", "system", "rdd-decomposition", 0.2)

	require.NoError(t, err)
	assert.Equal(t, "stream only", out)
}

var _ LLMAdapter = (*ClaudeLLMAdapter)(nil)
var _ AgentAdapter = (*ClaudeAgentAdapter)(nil)
