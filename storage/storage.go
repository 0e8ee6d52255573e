package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

// Store persists workflow executions and schedules for a provider.
type Store interface {
	// SaveExecution inserts or replaces an execution.
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error)

	// ListExecutions returns the executions of a workflow, oldest first.
	ListExecutions(ctx context.Context, workflowID string, opts types.ListOptions) ([]types.WorkflowExecution, error)

	// ClearFinished removes completed, failed and cancelled executions.
	ClearFinished(ctx context.Context) error

	// SaveSchedule inserts or replaces the schedule of a workflow.
	SaveSchedule(ctx context.Context, s types.WorkflowSchedule) error

	// GetSchedule retrieves the schedule of a workflow.
	GetSchedule(ctx context.Context, workflowID string) (types.WorkflowSchedule, error)

	// DeleteSchedule removes a schedule and reports whether it existed.
	DeleteSchedule(ctx context.Context, workflowID string) (bool, error)

	// ListSchedules returns every schedule ordered by workflow id.
	ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// filterExecutions sorts by creation time and applies opts.
func filterExecutions(execs []types.WorkflowExecution, opts types.ListOptions) []types.WorkflowExecution {
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	out := make([]types.WorkflowExecution, 0, len(execs))
	for _, e := range execs {
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

// CloneExecution copies exec so the copy shares no maps with it.
func CloneExecution(exec types.WorkflowExecution) types.WorkflowExecution {
	c := exec
	if exec.StepResults != nil {
		c.StepResults = make(map[string]*types.ExecutionResult, len(exec.StepResults))
		for id, r := range exec.StepResults {
			if r == nil {
				c.StepResults[id] = nil
				continue
			}
			rc := *r
			if r.Error != nil {
				e := *r.Error
				rc.Error = &e
			}
			c.StepResults[id] = &rc
		}
	}
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
