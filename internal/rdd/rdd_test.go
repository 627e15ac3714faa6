package rdd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/taskloom/internal/atomicity"
	"github.com/dataparency-dev/taskloom/internal/taskstore"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Call(ctx context.Context, prompt, systemPrompt, purpose string, temperature float64) (string, error) {
	return f.response, f.err
}

func atomicTask() *taskstore.Task {
	return &taskstore.Task{
		ID:          "t1",
		Title:       "Add field",
		Description: "Add a single field",
		Acceptance:  []string{"field exists"},
		FilePaths:   []string{"a.ts"},
	}
}

func TestDecompose_ReturnsAtomicWhenDetectorConfident(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":true,"confidence":0.9,"estimatedHours":0.1}`})
	engine := New(detector, nil, DefaultConfig())

	result := engine.Decompose(context.Background(), atomicTask(), atomicity.ProjectContext{}, 0)

	assert.True(t, result.Success)
	assert.True(t, result.IsAtomic)
	assert.Empty(t, result.SubTasks)
}

func TestDecompose_SplitsNonAtomicTask(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":false,"confidence":0.9,"estimatedHours":2}`})
	llm := &fakeLLM{response: `{"subTasks":[{"title":"sub one","type":"development","estimatedHours":0.2,"acceptanceCriteria":["x"]},{"title":"sub two","type":"testing","estimatedHours":0.1,"acceptanceCriteria":["y"]}]}`}
	engine := New(detector, llm, DefaultConfig())

	task := &taskstore.Task{ID: "epic1", Title: "Build a feature and document it", Description: "big task"}
	result := engine.Decompose(context.Background(), task, atomicity.ProjectContext{}, 0)

	require.True(t, result.Success)
	assert.False(t, result.IsAtomic)
	require.Len(t, result.SubTasks, 2)
	assert.Equal(t, "sub one", result.SubTasks[0].Title)
}

func TestDecompose_MaxDepthShortCircuitsToAtomic(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":false,"confidence":0.9,"estimatedHours":2}`})
	engine := New(detector, &fakeLLM{response: `{"subTasks":[]}`}, Config{MaxDepth: 1, MaxSubTasks: 10, MinConfidence: 0.7, EpicTimeLimitHours: 400})

	task := &taskstore.Task{ID: "epic1", Title: "Build a feature and document it"}
	result := engine.Decompose(context.Background(), task, atomicity.ProjectContext{}, 1)

	require.True(t, result.Success)
	assert.True(t, result.IsAtomic)
}

func TestDecompose_LLMFailureFallsBackToAtomic(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":false,"confidence":0.9,"estimatedHours":2}`})
	engine := New(detector, nil, DefaultConfig())

	task := &taskstore.Task{ID: "epic1", Title: "Build a feature and document it"}
	result := engine.Decompose(context.Background(), task, atomicity.ProjectContext{}, 0)

	require.True(t, result.Success)
	assert.True(t, result.IsAtomic)
}

func TestDecompose_EpicTimeLimitRejectsAtDepthZero(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":false,"confidence":0.9,"estimatedHours":500}`})
	llm := &fakeLLM{response: `{"subTasks":[{"title":"huge","type":"development","estimatedHours":500,"acceptanceCriteria":["x"]}]}`}
	engine := New(detector, llm, Config{MaxDepth: 5, MaxSubTasks: 400, MinConfidence: 0.7, EpicTimeLimitHours: 10})

	task := &taskstore.Task{ID: "epic1", Title: "Massive epic"}
	result := engine.Decompose(context.Background(), task, atomicity.ProjectContext{}, 0)

	require.True(t, result.Success)
	assert.True(t, result.IsAtomic)
}

func TestDecompose_DropsInvalidSubTasks(t *testing.T) {
	detector := atomicity.New(&fakeLLM{response: `{"isAtomic":false,"confidence":0.9,"estimatedHours":2}`})
	llm := &fakeLLM{response: `{"subTasks":[{"title":"","type":"development","estimatedHours":0.2},{"title":"ok","type":"development","estimatedHours":0.2},{"title":"bad hours","type":"development","estimatedHours":0},{"title":"bad type","type":"unknown","estimatedHours":0.2}]}`}
	engine := New(detector, llm, DefaultConfig())

	task := &taskstore.Task{ID: "epic1", Title: "Build a feature and document it"}
	result := engine.Decompose(context.Background(), task, atomicity.ProjectContext{}, 0)

	require.True(t, result.Success)
	require.Len(t, result.SubTasks, 1)
	assert.Equal(t, "ok", result.SubTasks[0].Title)
}

func TestParseSubTasks_TolerantOfBulletForm(t *testing.T) {
	raw := "- Implement parser (hours: 0.3)\n- Write tests (hours=0.2)\n"
	subTasks, err := parseSubTasks(raw)

	require.NoError(t, err)
	require.Len(t, subTasks, 2)
	assert.Equal(t, "Implement parser", subTasks[0].Title)
	assert.Equal(t, 0.3, subTasks[0].EstimatedHours)
}

func TestParseSubTasks_RejectsGarbage(t *testing.T) {
	_, err := parseSubTasks("not json and no bullets")
	assert.Error(t, err)
}
