// Package provider contains workflow providers that run workflows in
// process.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/registry"
	"github.com/songzhibin97/workflow-orchestrator/storage"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

var (
	ErrInvalidWorkflow = errors.New("invalid workflow definition")
	ErrNoSchedule      = errors.New("workflow has no schedule")
	ErrInvalidSchedule = errors.New("invalid cron expression")
	ErrProviderClosed  = errors.New("provider is closed")
)

// cronParser accepts five-field expressions and descriptors like @hourly
// or @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr reports whether expr can be scheduled.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// Planner turns the step ids of a workflow into an execution plan.
type Planner interface {
	CreateExecutionPlan(ids []string) (*types.ExecutionPlan, error)
}

// Option configures a Local provider.
type Option func(*Local)

// WithStore sets where executions and schedules are kept. Defaults to an
// in-memory store.
func WithStore(store storage.Store) Option {
	return func(l *Local) {
		if store != nil {
			l.store = store
		}
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFailurePolicy sets how a failed step affects the rest of a run.
func WithFailurePolicy(policy registry.FailurePolicy) Option {
	return func(l *Local) {
		l.policy = policy
	}
}

// WithName sets the name recorded on executions.
func WithName(name string) Option {
	return func(l *Local) {
		l.name = name
	}
}

// Local runs workflows in process: the steps of a workflow are planned by
// the registry and executed group by group through a StepExecutor.
// Executions run asynchronously; Execute returns as soon as the run is
// recorded as pending.
type Local struct {
	name     string
	planner  Planner
	executor registry.StepExecutor
	store    storage.Store
	logger   *slog.Logger
	policy   registry.FailurePolicy
	cron     *cron.Cron
	now      func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	entries map[string]cron.EntryID
	closed  bool
}

// NewLocal creates a Local provider and starts its scheduler.
func NewLocal(planner Planner, executor registry.StepExecutor, opts ...Option) (*Local, error) {
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	l := &Local{
		name:     "local",
		planner:  planner,
		executor: executor,
		store:    storage.NewMemoryStore(),
		logger:   slog.Default(),
		policy:   registry.FailFast,
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
		entries:  make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.rootCtx, l.rootCancel = context.WithCancel(context.Background())
	l.cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DiscardLogger)))
	l.cron.Start()
	return l, nil
}

// Execute plans def and starts running it in the background.
func (l *Local) Execute(ctx context.Context, def types.WorkflowDefinition, input any) (*types.WorkflowExecution, error) {
	if def.ID == "" || len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: id and at least one step are required", ErrInvalidWorkflow)
	}
	plan, err := l.planner.CreateExecutionPlan(def.Steps)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = def.Input
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrProviderClosed
	}
	now := l.now()
	exec := types.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Provider:   l.name,
		Status:     types.ExecutionPending,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	runCtx, cancel := context.WithCancel(l.rootCtx)
	l.running[exec.ID] = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	if err := l.store.SaveExecution(ctx, exec); err != nil {
		l.finish(exec.ID)
		cancel()
		l.wg.Done()
		return nil, fmt.Errorf("save execution: %w", err)
	}

	l.logger.Info("workflow execution started",
		logging.WorkflowID(def.ID), logging.ExecutionID(exec.ID), logging.Provider(l.name))
	go l.run(runCtx, exec, def, plan)

	return &exec, nil
}

func (l *Local) run(ctx context.Context, exec types.WorkflowExecution, def types.WorkflowDefinition, plan *types.ExecutionPlan) {
	defer l.wg.Done()
	defer l.finish(exec.ID)

	exec.Status = types.ExecutionRunning
	exec.UpdatedAt = l.now()
	l.save(exec)

	metadata := make(map[string]any, len(def.Metadata)+1)
	for k, v := range def.Metadata {
		metadata[k] = v
	}
	metadata["workflowId"] = def.ID

	res, err := registry.RunPlan(ctx, plan, l.executor, registry.RunOptions{
		Input:               exec.Input,
		WorkflowExecutionID: exec.ID,
		Metadata:            metadata,
		Policy:              l.policy,
	})

	now := l.now()
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	switch {
	case err != nil:
		exec.Status = types.ExecutionFailed
		exec.Error = err.Error()
	case ctx.Err() != nil:
		exec.StepResults = res.Results
		exec.Status = types.ExecutionCancelled
		exec.Error = "execution cancelled"
	case res.Success:
		exec.StepResults = res.Results
		exec.Status = types.ExecutionCompleted
	default:
		exec.StepResults = res.Results
		exec.Status = types.ExecutionFailed
		exec.Error = "steps failed: " + strings.Join(res.Failed, ", ")
	}
	l.save(exec)

	l.logger.Info("workflow execution finished",
		logging.WorkflowID(def.ID),
		logging.ExecutionID(exec.ID),
		slog.String("status", exec.Status),
		logging.Duration(now.Sub(exec.CreatedAt)))
}

// save records exec even when the run was cancelled.
func (l *Local) save(exec types.WorkflowExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.SaveExecution(ctx, exec); err != nil {
		l.logger.Error("failed to save execution", logging.ExecutionID(exec.ID), logging.Error(err))
	}
}

func (l *Local) finish(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, id)
}

// GetExecution returns (nil, nil) for an unknown id.
func (l *Local) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	exec, err := l.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns the executions of workflowID, oldest first.
func (l *Local) ListExecutions(ctx context.Context, workflowID string, opts types.ListOptions) ([]types.WorkflowExecution, error) {
	return l.store.ListExecutions(ctx, workflowID, opts)
}

// CancelExecution cancels a running execution. It reports false when the
// execution is unknown or already finished.
func (l *Local) CancelExecution(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	cancel, ok := l.running[id]
	l.mu.Unlock()
	if !ok {
		return false, ctx.Err()
	}
	cancel()
	l.logger.Info("workflow execution cancelled", logging.ExecutionID(id))
	return true, nil
}

// ScheduleWorkflow runs def on its cron schedule, replacing any previous
// schedule of the same workflow, and returns the schedule id.
func (l *Local) ScheduleWorkflow(ctx context.Context, def types.WorkflowDefinition) (string, error) {
	if def.ID == "" || len(def.Steps) == 0 {
		return "", fmt.Errorf("%w: id and at least one step are required", ErrInvalidWorkflow)
	}
	if def.Schedule == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSchedule, def.ID)
	}
	if err := ValidateCronExpr(def.Schedule); err != nil {
		return "", err
	}

	sched := types.WorkflowSchedule{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Cron:       def.Schedule,
		Definition: def,
		CreatedAt:  l.now(),
	}
	if err := l.store.SaveSchedule(ctx, sched); err != nil {
		return "", fmt.Errorf("save schedule: %w", err)
	}
	if err := l.addCronEntry(def); err != nil {
		return "", err
	}

	l.logger.Info("workflow scheduled",
		logging.WorkflowID(def.ID), slog.String("cron", def.Schedule), slog.String("schedule_id", sched.ID))
	return sched.ID, nil
}

func (l *Local) addCronEntry(def types.WorkflowDefinition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrProviderClosed
	}
	entryID, err := l.cron.AddFunc(def.Schedule, func() {
		if _, err := l.Execute(l.rootCtx, def, nil); err != nil {
			l.logger.Error("scheduled execution failed", logging.WorkflowID(def.ID), logging.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, def.Schedule, err)
	}
	if previous, ok := l.entries[def.ID]; ok {
		l.cron.Remove(previous)
	}
	l.entries[def.ID] = entryID
	return nil
}

// UnscheduleWorkflow removes the schedule of workflowID and reports
// whether there was one.
func (l *Local) UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error) {
	l.mu.Lock()
	entryID, scheduled := l.entries[workflowID]
	if scheduled {
		l.cron.Remove(entryID)
		delete(l.entries, workflowID)
	}
	l.mu.Unlock()

	stored, err := l.store.DeleteSchedule(ctx, workflowID)
	if err != nil {
		return scheduled, fmt.Errorf("delete schedule: %w", err)
	}
	if scheduled || stored {
		l.logger.Info("workflow unscheduled", logging.WorkflowID(workflowID))
	}
	return scheduled || stored, nil
}

// Restore re-registers the schedules kept in the store, typically after a
// restart with a persistent store. It returns the number restored.
func (l *Local) Restore(ctx context.Context) (int, error) {
	schedules, err := l.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	restored := 0
	for _, sched := range schedules {
		def := sched.Definition
		def.ID = sched.WorkflowID
		def.Schedule = sched.Cron
		if err := l.addCronEntry(def); err != nil {
			l.logger.Warn("skipping schedule", logging.WorkflowID(sched.WorkflowID), logging.Error(err))
			continue
		}
		restored++
	}
	return restored, nil
}

// HealthCheck reports unhealthy when closed or when the store is
// unreachable.
func (l *Local) HealthCheck(ctx context.Context) (types.HealthStatus, error) {
	l.mu.Lock()
	closed := l.closed
	details := map[string]any{
		"running":   len(l.running),
		"schedules": len(l.entries),
	}
	l.mu.Unlock()

	if closed {
		details["error"] = ErrProviderClosed.Error()
		return types.HealthStatus{Status: types.HealthUnhealthy, Details: details}, nil
	}
	if err := l.store.Ping(ctx); err != nil {
		details["error"] = err.Error()
		return types.HealthStatus{Status: types.HealthUnhealthy, Details: details}, nil
	}
	return types.HealthStatus{Status: types.HealthHealthy, Details: details}, nil
}

// Cleanup stops the scheduler, cancels running executions and waits for
// them to record their final state, or for ctx to expire.
func (l *Local) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	stopped := l.cron.Stop()
	l.rootCancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup of provider %s: %w", l.name, ctx.Err())
	}
}
