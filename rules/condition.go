package rules

import (
	"context"
	"fmt"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// Names under which a step context is exposed to condition expressions.
const (
	EnvInput               = "input"
	EnvWorkflowExecutionID = "workflowExecutionId"
	EnvPreviousSteps       = "previousSteps"
	EnvMetadata            = "metadata"
)

// StepEnv flattens a step context into an expression environment.
func StepEnv(sc *types.StepContext) map[string]any {
	if sc == nil {
		return map[string]any{}
	}
	previous := sc.PreviousSteps
	if previous == nil {
		previous = map[string]any{}
	}
	metadata := sc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		EnvInput:               sc.Input,
		EnvWorkflowExecutionID: sc.WorkflowExecutionID,
		EnvPreviousSteps:       previous,
		EnvMetadata:            metadata,
	}
}

// Condition builds a step condition from an expression such as
// `input.amount > 100` or `previousSteps.fetch.status == 200`.
// The expression is compiled eagerly so syntax errors surface at
// definition time rather than on first execution.
func Condition(evaluator Evaluator, expression string) (types.ConditionFunc, error) {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	if c, ok := evaluator.(interface{ Compile(string) error }); ok {
		if err := c.Compile(expression); err != nil {
			return nil, fmt.Errorf("compile condition %q: %w", expression, err)
		}
	}
	return func(ctx context.Context, sc *types.StepContext) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return evaluator.Evaluate(expression, StepEnv(sc))
	}, nil
}
