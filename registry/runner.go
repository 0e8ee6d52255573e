package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/workflow-orchestrator/steps"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// StepExecutor runs a single step by id. Registry and the orchestration
// manager both implement it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, stepID string, req steps.ExecutionRequest) (*types.ExecutionResult, error)
}

// FailurePolicy decides what a failed step does to the rest of a plan.
type FailurePolicy string

const (
	// FailFast cancels the failed step's running siblings and launches no
	// later group.
	FailFast FailurePolicy = "fail_fast"
	// BestEffort lets every launched step finish and keeps launching later
	// groups. Steps depending on a failed step are not run and are reported
	// with DEPENDENCY_FAILED.
	BestEffort FailurePolicy = "best_effort"
)

var ErrNilPlan = errors.New("execution plan is required")

// RunOptions parameterizes RunPlan.
type RunOptions struct {
	// Input is passed to every step without an entry in Inputs.
	Input               any
	Inputs              map[string]any
	WorkflowExecutionID string
	Metadata            map[string]any
	// Policy defaults to FailFast.
	Policy FailurePolicy
}

func (o RunOptions) inputFor(id string) any {
	if in, ok := o.Inputs[id]; ok {
		return in
	}
	return o.Input
}

// PlanResult is the outcome of RunPlan.
type PlanResult struct {
	Success bool
	// Results holds a result for every step that was run or rejected
	// because of a failed dependency.
	Results map[string]*types.ExecutionResult
	// Outputs of the steps that succeeded without being skipped.
	Outputs map[string]any
	// Failed lists failed steps in execution order.
	Failed []string
	// NotRun lists the steps a fail-fast run never launched.
	NotRun   []string
	Duration time.Duration
}

// RunPlan executes plan group by group. Members of a group run
// concurrently; a group starts only after the previous one has settled.
// Outputs of completed steps are passed to later steps as previous steps.
func RunPlan(ctx context.Context, plan *types.ExecutionPlan, executor StepExecutor, opts RunOptions) (*PlanResult, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	policy := opts.Policy
	if policy == "" {
		policy = FailFast
	}

	started := time.Now()
	res := &PlanResult{
		Results: make(map[string]*types.ExecutionResult),
		Outputs: make(map[string]any),
	}
	failed := make(map[string]bool)

	stopped := false
	for _, group := range plan.ParallelGroups {
		if stopped {
			res.NotRun = append(res.NotRun, group...)
			continue
		}

		previous := make(map[string]any, len(res.Outputs))
		for k, v := range res.Outputs {
			previous[k] = v
		}

		groupCtx, cancel := context.WithCancel(ctx)
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		runnable := make([]string, 0, len(group))
		for _, id := range group {
			if dep := failedDependency(plan.Dependencies[id], failed); dep != "" {
				res.Results[id] = dependencyFailed(id, dep, opts.WorkflowExecutionID)
				failed[id] = true
				continue
			}
			runnable = append(runnable, id)
		}

		for _, id := range runnable {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				result, err := executor.ExecuteStep(groupCtx, id, steps.ExecutionRequest{
					Input:               opts.inputFor(id),
					WorkflowExecutionID: opts.WorkflowExecutionID,
					PreviousSteps:       previous,
					Metadata:            opts.Metadata,
				})
				if err != nil {
					result = executorFailed(id, opts.WorkflowExecutionID, err)
				}

				mu.Lock()
				defer mu.Unlock()
				res.Results[id] = result
				if !result.Success {
					failed[id] = true
					if policy == FailFast {
						cancel()
					}
					return
				}
				if !result.Metadata.Skipped {
					res.Outputs[id] = result.Output
				}
			}(id)
		}
		wg.Wait()
		cancel()

		if policy == FailFast && len(failed) > 0 {
			stopped = true
		}
	}

	for _, id := range plan.ExecutionOrder {
		if failed[id] {
			res.Failed = append(res.Failed, id)
		}
	}
	res.Success = len(res.Failed) == 0 && len(res.NotRun) == 0
	res.Duration = time.Since(started)
	return res, nil
}

func failedDependency(deps []string, failed map[string]bool) string {
	for _, dep := range deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

func dependencyFailed(id, dep, executionID string) *types.ExecutionResult {
	now := time.Now()
	return &types.ExecutionResult{
		Error: &types.StepError{
			Code:    types.CodeDependencyFailed,
			Message: fmt.Sprintf("dependency %s failed", dep),
		},
		Performance: types.Performance{StartedAt: now, CompletedAt: now},
		Metadata:    types.ResultMetadata{StepID: id, WorkflowExecutionID: executionID},
	}
}

func executorFailed(id, executionID string, err error) *types.ExecutionResult {
	code := types.CodeStepExecution
	if errors.Is(err, context.Canceled) || errors.Is(err, steps.ErrStepCancelled) {
		code = types.CodeStepCancelled
	}
	now := time.Now()
	return &types.ExecutionResult{
		Error:       &types.StepError{Code: code, Message: err.Error()},
		Performance: types.Performance{StartedAt: now, CompletedAt: now},
		Metadata:    types.ResultMetadata{StepID: id, WorkflowExecutionID: executionID},
	}
}
