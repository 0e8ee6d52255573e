// Package orchestration binds step execution to workflow providers.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/songzhibin97/workflow-orchestrator/events"
	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/registry"
	"github.com/songzhibin97/workflow-orchestrator/steps"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "uninitialized"
	}
}

// Status is a point-in-time snapshot of a Manager.
type Status struct {
	State              string                        `json:"state"`
	Initialized        bool                          `json:"initialized"`
	ProviderCount      int                           `json:"provider_count"`
	Providers          []string                      `json:"providers"`
	DefaultProvider    string                        `json:"default_provider,omitempty"`
	StepFactoryEnabled bool                          `json:"step_factory_enabled"`
	Registry           registry.UsageStatistics      `json:"registry"`
	Metrics            map[string]StepMetrics        `json:"metrics"`
	Health             map[string]types.HealthStatus `json:"health,omitempty"`
}

// Manager is the composition root: it executes registered steps with the
// configured defaults and delegates workflows to named providers.
type Manager struct {
	cfg          Config
	logger       *slog.Logger
	factory      *steps.Factory
	registry     *registry.Registry
	ownsRegistry bool
	bus          *events.Bus
	ownsBus      bool
	sem          *semaphore.Weighted
	collectors   *collectors
	gatherer     prometheus.Gatherer
	execOpts     []steps.ExecOption

	mu              sync.RWMutex
	state           State
	closed          bool
	providers       map[string]types.WorkflowProvider
	providerOrder   []string
	defaultProvider string
	lastHealth      map[string]types.HealthStatus
	rootCtx         context.Context
	rootCancel      context.CancelFunc
	inflight        *sync.WaitGroup
	stopHealth      chan struct{}
	healthDone      chan struct{}

	metricsMu   sync.Mutex
	stepMetrics map[string]*StepMetrics
}

// NewManager builds a Manager from cfg. The manager is usable right away;
// Initialize starts the periodic health checks.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:             cfg,
		logger:          logging.OrDefault(cfg.Logger),
		providers:       make(map[string]types.WorkflowProvider),
		lastHealth:      make(map[string]types.HealthStatus),
		stepMetrics:     make(map[string]*StepMetrics),
		defaultProvider: cfg.DefaultProvider,
	}

	m.factory = cfg.StepFactory
	if m.factory == nil && cfg.StepRegistry != nil {
		m.factory = cfg.StepRegistry.Factory()
	}
	if m.factory == nil {
		if cfg.Generator == nil {
			return nil, errors.New("generator is required")
		}
		f, err := steps.NewFactory(cfg.Generator, steps.WithFactoryLogger(m.logger))
		if err != nil {
			return nil, err
		}
		m.factory = f
	}

	m.registry = cfg.StepRegistry
	if m.registry == nil {
		r, err := registry.NewRegistry(m.factory, registry.WithLogger(m.logger))
		if err != nil {
			return nil, err
		}
		m.registry = r
		m.ownsRegistry = true
	}

	m.bus = cfg.EventBus
	if m.bus == nil {
		m.bus = events.NewBus(events.WithLogger(m.logger))
		m.ownsBus = true
	}

	if cfg.MaxConcurrentExecutions > 0 {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentExecutions))
	}

	if cfg.EnableMetrics {
		reg := cfg.MetricsRegisterer
		if reg == nil {
			own := prometheus.NewRegistry()
			reg = own
			m.gatherer = own
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			m.gatherer = g
		}
		c, err := newCollectors(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		m.collectors = c
	}

	if cfg.AutoRetry {
		retry := cfg.DefaultRetryConfig
		m.execOpts = append(m.execOpts, steps.WithDefaultRetry(&retry))
	}
	if cfg.GlobalTimeout > 0 {
		m.execOpts = append(m.execOpts, steps.WithDefaultTimeout(cfg.GlobalTimeout))
	}
	m.execOpts = append(m.execOpts, steps.WithLogger(m.logger))

	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	m.inflight = &sync.WaitGroup{}
	return m, nil
}

// Factory returns the step factory.
func (m *Manager) Factory() *steps.Factory {
	return m.factory
}

// Registry returns the step registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Gatherer returns the metrics gatherer, or nil when metrics are disabled
// or the configured registerer cannot gather.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// SubscribeEvent subscribes handler to events of eventType.
func (m *Manager) SubscribeEvent(eventType string, handler events.Handler) events.Subscription {
	return m.bus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a subscription.
func (m *Manager) UnsubscribeEvent(sub events.Subscription) bool {
	return m.bus.Unsubscribe(sub)
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	event.Timestamp = time.Now()
	if err := m.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrBusClosed) {
		m.logger.Warn("failed to publish event", slog.String("type", event.Type), logging.Error(err))
	}
}

// Initialize starts the manager. Calling it on an initialized manager is a
// no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case m.state == StateShuttingDown:
		return ErrShuttingDown
	case m.state == StateInitialized:
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.cfg.EnableHealthChecks {
		m.stopHealth = make(chan struct{})
		m.healthDone = make(chan struct{})
		go m.healthLoop(m.cfg.HealthCheckInterval, m.stopHealth, m.healthDone)
	}
	m.state = StateInitialized

	m.logger.Info("orchestration manager initialized",
		slog.Bool("health_checks", m.cfg.EnableHealthChecks),
		slog.Bool("metrics", m.cfg.EnableMetrics),
		slog.Bool("step_factory", m.cfg.EnableStepFactory))
	return nil
}

// Shutdown cancels in-flight and queued step executions and waits for them
// until ctx expires, stops the health checks, cleans up every provider and
// clears provider and metrics state. Cleanup failures are logged. The
// manager can be initialized again afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.state = StateShuttingDown
	m.rootCancel()
	inflight := m.inflight
	stop, done := m.stopHealth, m.healthDone
	m.stopHealth, m.healthDone = nil, nil
	providers := make([]string, len(m.providerOrder))
	copy(providers, m.providerOrder)
	snapshot := make(map[string]types.WorkflowProvider, len(m.providers))
	for name, p := range m.providers {
		snapshot[name] = p
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if err := wait(ctx, inflight); err != nil {
		m.logger.Warn("step executions still running after shutdown", logging.Error(err))
	}

	for _, name := range providers {
		cleaner, ok := snapshot[name].(types.Cleaner)
		if !ok {
			continue
		}
		if err := m.cleanupProvider(ctx, name, cleaner); err != nil {
			m.logger.Error("provider cleanup failed", logging.Provider(name), logging.Error(err))
		}
	}

	m.mu.Lock()
	m.providers = make(map[string]types.WorkflowProvider)
	m.providerOrder = nil
	m.lastHealth = make(map[string]types.HealthStatus)
	m.defaultProvider = m.cfg.DefaultProvider
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	m.inflight = &sync.WaitGroup{}
	if m.collectors != nil {
		m.collectors.providerHealthy.Reset()
	}
	m.state = StateUninitialized
	m.mu.Unlock()

	m.metricsMu.Lock()
	m.stepMetrics = make(map[string]*StepMetrics)
	m.metricsMu.Unlock()

	if m.ownsRegistry {
		m.registry.Clear()
	}

	m.logger.Info("orchestration manager shut down", slog.Int("providers", len(providers)))
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) cleanupProvider(ctx context.Context, name string, cleaner types.Cleaner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cleanup of %s: %v", name, r)
		}
	}()
	return cleaner.Cleanup(ctx)
}

// Close shuts the manager down for good and stops an event bus the
// manager created.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.Shutdown(ctx); err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.ownsBus {
		m.bus.Stop()
	}
	return nil
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RegisterProvider adds a provider after it passes a health check. The
// first provider registered becomes the default when none is configured.
func (m *Manager) RegisterProvider(ctx context.Context, name string, provider types.WorkflowProvider) error {
	if name == "" || provider == nil {
		return errors.New("name and provider are required")
	}

	m.mu.RLock()
	_, exists := m.providers[name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}

	report := m.checkProvider(ctx, name, provider)
	if report.Status.Status == types.HealthUnhealthy {
		m.setProviderHealth(name, false)
		return &ProviderUnhealthyError{Provider: name, Reason: healthReason(report.Status)}
	}

	m.mu.Lock()
	if _, exists := m.providers[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	m.providers[name] = provider
	m.providerOrder = append(m.providerOrder, name)
	m.lastHealth[name] = report.Status
	if m.defaultProvider == "" {
		m.defaultProvider = name
	}
	m.mu.Unlock()

	m.setProviderHealth(name, true)
	m.logger.Info("provider registered", logging.Provider(name), slog.String("health", report.Status.Status))
	m.publish(ctx, events.Event{Type: events.ProviderRegistered, Provider: name})
	return nil
}

// UnregisterProvider removes a provider. When it was the default, the
// earliest remaining provider becomes the default.
func (m *Manager) UnregisterProvider(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.providers[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	delete(m.providers, name)
	delete(m.lastHealth, name)
	for i, n := range m.providerOrder {
		if n == name {
			m.providerOrder = append(m.providerOrder[:i], m.providerOrder[i+1:]...)
			break
		}
	}
	if m.defaultProvider == name {
		m.defaultProvider = ""
		if len(m.providerOrder) > 0 {
			m.defaultProvider = m.providerOrder[0]
		}
	}
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.providerHealthy.DeleteLabelValues(name)
	}
	m.logger.Info("provider unregistered", logging.Provider(name))
	m.publish(ctx, events.Event{Type: events.ProviderUnregistered, Provider: name})
	return nil
}

// Providers returns the registered provider names in registration order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.providerOrder))
	copy(out, m.providerOrder)
	return out
}

// DefaultProvider returns the name used when a call names no provider.
func (m *Manager) DefaultProvider() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultProvider
}

func (m *Manager) resolve(name string) (string, types.WorkflowProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultProvider
	}
	if name == "" {
		return "", nil, ErrNoProvider
	}
	p, ok := m.providers[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return name, p, nil
}

// RegisterStep registers def in the step registry.
func (m *Manager) RegisterStep(def types.StepDefinition, registeredBy string) error {
	if !m.cfg.EnableStepFactory {
		return stepFactoryDisabled("register step")
	}
	return m.registry.Register(def, registeredBy)
}

// CreateExecutionPlan plans the given registered steps.
func (m *Manager) CreateExecutionPlan(ids []string) (*types.ExecutionPlan, error) {
	if !m.cfg.EnableStepFactory {
		return nil, stepFactoryDisabled("create execution plan")
	}
	return m.registry.CreateExecutionPlan(ids)
}

// ExecuteStep runs a registered step. Steps without their own retry policy
// or timeout get the manager defaults. The execution, including the wait
// for a free slot when MaxConcurrentExecutions is set, is cancelled when
// the manager shuts down.
func (m *Manager) ExecuteStep(ctx context.Context, stepID string, req steps.ExecutionRequest) (*types.ExecutionResult, error) {
	if !m.cfg.EnableStepFactory {
		return nil, stepFactoryDisabled("execute step")
	}

	m.mu.RLock()
	root, inflight := m.rootCtx, m.inflight
	if root.Err() != nil {
		m.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	inflight.Add(1)
	m.mu.RUnlock()
	defer inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			if root.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrShuttingDown, err)
			}
			return nil, err
		}
		defer m.sem.Release(1)
	}
	if root.Err() != nil {
		return nil, ErrShuttingDown
	}

	step, err := m.registry.CreateExecutableStep(stepID, m.execOpts...)
	if err != nil {
		return nil, err
	}

	result := step.Execute(ctx, req)
	m.recordExecution(ctx, root, stepID, req.WorkflowExecutionID, result)
	return result, nil
}

// ExecutePlan plans ids and runs the plan through ExecuteStep.
func (m *Manager) ExecutePlan(ctx context.Context, ids []string, opts registry.RunOptions) (*registry.PlanResult, error) {
	plan, err := m.CreateExecutionPlan(ids)
	if err != nil {
		return nil, err
	}
	return registry.RunPlan(ctx, plan, m, opts)
}

// recordExecution updates the rolling metrics unless root was cancelled by
// a shutdown, which resets them.
func (m *Manager) recordExecution(ctx, root context.Context, stepID, executionID string, result *types.ExecutionResult) {
	duration := result.Performance.Duration
	skipped := result.Metadata.Skipped

	if root.Err() == nil {
		m.metricsMu.Lock()
		sm, ok := m.stepMetrics[stepID]
		if !ok {
			sm = &StepMetrics{}
			m.stepMetrics[stepID] = sm
		}
		sm.record(duration, result.Performance.CompletedAt)
		m.metricsMu.Unlock()
	}

	if m.collectors != nil {
		m.collectors.executions.WithLabelValues(stepID, stepStatus(result.Success, skipped)).Inc()
		m.collectors.duration.WithLabelValues(stepID).Observe(duration.Seconds())
	}

	event := events.Event{
		Type:        events.StepCompleted,
		StepID:      stepID,
		ExecutionID: executionID,
		Data: map[string]any{
			"duration": duration,
			"attempts": result.Performance.Attempts,
		},
	}
	switch {
	case skipped:
		event.Type = events.StepSkipped
	case !result.Success:
		event.Type = events.StepFailed
		if result.Error != nil {
			event.Data["code"] = result.Error.Code
			event.Data["error"] = result.Error.Message
		}
	}
	m.publish(ctx, event)
}

// StepMetrics returns the rolling metrics of a step.
func (m *Manager) StepMetrics(stepID string) (StepMetrics, bool) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	sm, ok := m.stepMetrics[stepID]
	if !ok {
		return StepMetrics{}, false
	}
	return *sm, true
}

// callProvider runs fn against the named provider and wraps its error in a
// ProviderError.
func callProvider[T any](ctx context.Context, m *Manager, name, op string, fn func(types.WorkflowProvider) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	resolved, p, err := m.resolve(name)
	if err != nil {
		return zero, err
	}
	out, err := fn(p)
	if err != nil {
		m.logger.Warn("provider call failed", logging.Provider(resolved), slog.String("op", op), logging.Error(err))
		return zero, &ProviderError{Provider: resolved, Op: op, Err: err, Retryable: true}
	}
	return out, nil
}

// ExecuteWorkflow starts def on the named provider, or on the default one
// when provider is empty.
func (m *Manager) ExecuteWorkflow(ctx context.Context, provider string, def types.WorkflowDefinition, input any) (*types.WorkflowExecution, error) {
	return callProvider(ctx, m, provider, "execute", func(p types.WorkflowProvider) (*types.WorkflowExecution, error) {
		return p.Execute(ctx, def, input)
	})
}

// ScheduleWorkflow schedules def on its cron expression.
func (m *Manager) ScheduleWorkflow(ctx context.Context, provider string, def types.WorkflowDefinition) (string, error) {
	return callProvider(ctx, m, provider, "schedule", func(p types.WorkflowProvider) (string, error) {
		return p.ScheduleWorkflow(ctx, def)
	})
}

// UnscheduleWorkflow removes the schedule of a workflow.
func (m *Manager) UnscheduleWorkflow(ctx context.Context, provider, workflowID string) (bool, error) {
	return callProvider(ctx, m, provider, "unschedule", func(p types.WorkflowProvider) (bool, error) {
		return p.UnscheduleWorkflow(ctx, workflowID)
	})
}

// GetExecution returns (nil, nil) when the provider does not know id.
func (m *Manager) GetExecution(ctx context.Context, provider, id string) (*types.WorkflowExecution, error) {
	return callProvider(ctx, m, provider, "get execution", func(p types.WorkflowProvider) (*types.WorkflowExecution, error) {
		return p.GetExecution(ctx, id)
	})
}

// ListExecutions lists the executions of a workflow.
func (m *Manager) ListExecutions(ctx context.Context, provider, workflowID string, opts types.ListOptions) ([]types.WorkflowExecution, error) {
	return callProvider(ctx, m, provider, "list executions", func(p types.WorkflowProvider) ([]types.WorkflowExecution, error) {
		return p.ListExecutions(ctx, workflowID, opts)
	})
}

// CancelExecution cancels a running execution.
func (m *Manager) CancelExecution(ctx context.Context, provider, id string) (bool, error) {
	return callProvider(ctx, m, provider, "cancel execution", func(p types.WorkflowProvider) (bool, error) {
		return p.CancelExecution(ctx, id)
	})
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	status := Status{
		State:              m.state.String(),
		Initialized:        m.state == StateInitialized,
		ProviderCount:      len(m.providers),
		Providers:          append([]string(nil), m.providerOrder...),
		DefaultProvider:    m.defaultProvider,
		StepFactoryEnabled: m.cfg.EnableStepFactory,
		Health:             make(map[string]types.HealthStatus, len(m.lastHealth)),
	}
	for name, h := range m.lastHealth {
		status.Health[name] = h
	}
	m.mu.RUnlock()

	status.Registry = m.registry.UsageStatistics()

	m.metricsMu.Lock()
	status.Metrics = make(map[string]StepMetrics, len(m.stepMetrics))
	for id, sm := range m.stepMetrics {
		status.Metrics[id] = *sm
	}
	m.metricsMu.Unlock()
	return status
}

func sortedNames(providers map[string]types.WorkflowProvider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
