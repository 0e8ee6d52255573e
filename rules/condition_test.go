package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

func TestCondition(t *testing.T) {
	cond, err := Condition(nil, "input.amount > 100 && previousSteps.fetch.ok == true")
	require.NoError(t, err)

	sc := &types.StepContext{
		Input: map[string]any{"amount": 250},
		PreviousSteps: map[string]any{
			"fetch": map[string]any{"ok": true},
		},
	}
	ok, err := cond(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, ok)

	sc.Input = map[string]any{"amount": 50}
	ok, err = cond(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionCompileError(t *testing.T) {
	_, err := Condition(NewExprEvaluator(), "input.amount >>> 1")
	assert.Error(t, err)
}

func TestConditionCancelledContext(t *testing.T) {
	cond, err := Condition(nil, "true")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cond(ctx, &types.StepContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepEnv(t *testing.T) {
	env := StepEnv(&types.StepContext{WorkflowExecutionID: "wf-1"})
	assert.Equal(t, "wf-1", env[EnvWorkflowExecutionID])
	assert.NotNil(t, env[EnvPreviousSteps])
	assert.NotNil(t, env[EnvMetadata])
	assert.Empty(t, StepEnv(nil))
}
