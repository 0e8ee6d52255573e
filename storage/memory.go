package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	executions map[string]types.WorkflowExecution
	schedules  map[string]types.WorkflowSchedule
	mu         sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]types.WorkflowExecution),
		schedules:  make(map[string]types.WorkflowSchedule),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		return item, nil
	})
}

// SaveExecution stores a copy of exec.
func (s *MemoryStore) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.executions[exec.ID] = CloneExecution(exec)
		return nil
	})
}

// GetExecution retrieves an execution from memory.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	exec, err := getItem(ctx, &s.mu, s.executions, id)
	if err != nil {
		return exec, err
	}
	return CloneExecution(exec), nil
}

// ListExecutions returns the executions of workflowID.
func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, opts types.ListOptions) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var execs []types.WorkflowExecution
		for _, e := range s.executions {
			if e.WorkflowID == workflowID {
				execs = append(execs, CloneExecution(e))
			}
		}
		return filterExecutions(execs, opts), nil
	})
}

// ClearFinished removes executions in a terminal state.
func (s *MemoryStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, e := range s.executions {
			if e.Finished() {
				delete(s.executions, id)
			}
		}
		return nil
	})
}

// SaveSchedule stores sched under its workflow id.
func (s *MemoryStore) SaveSchedule(ctx context.Context, sched types.WorkflowSchedule) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.schedules[sched.WorkflowID] = sched
		return nil
	})
}

// GetSchedule retrieves the schedule of workflowID.
func (s *MemoryStore) GetSchedule(ctx context.Context, workflowID string) (types.WorkflowSchedule, error) {
	return getItem(ctx, &s.mu, s.schedules, workflowID)
}

// DeleteSchedule removes the schedule of workflowID.
func (s *MemoryStore) DeleteSchedule(ctx context.Context, workflowID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.schedules[workflowID]
		delete(s.schedules, workflowID)
		return ok, nil
	})
}

// ListSchedules returns every schedule ordered by workflow id.
func (s *MemoryStore) ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowSchedule, 0, len(s.schedules))
		for _, sched := range s.schedules {
			out = append(out, sched)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
		return out, nil
	})
}

// Ping always succeeds unless ctx is done.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return withContextError(ctx, func() error { return nil })
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
