package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// State is a position in the executable step state machine.
type State string

const (
	StatePending          State = "pending"
	StateSkipped          State = "skipped"
	StateValidating       State = "validating"
	StateValidationFailed State = "validation_failed"
	StateExecuting        State = "executing"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateTimedOut         State = "timed_out"
	StateCancelled        State = "cancelled"
)

// ExecutionRequest carries everything a single execution needs besides
// the context.
type ExecutionRequest struct {
	Input               any
	WorkflowExecutionID string
	PreviousSteps       map[string]any
	Metadata            map[string]any
}

// ExecOption configures an ExecutableStep.
type ExecOption func(*ExecutableStep)

// WithLogger sets the logger used for retries and failures.
func WithLogger(logger *slog.Logger) ExecOption {
	return func(s *ExecutableStep) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultRetry applies cfg when the definition has no retry policy.
func WithDefaultRetry(cfg *types.RetryConfig) ExecOption {
	return func(s *ExecutableStep) {
		s.defaultRetry = cfg
	}
}

// WithDefaultTimeout applies d when the definition has no timeout.
func WithDefaultTimeout(d time.Duration) ExecOption {
	return func(s *ExecutableStep) {
		s.defaultTimeout = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ExecOption {
	return func(s *ExecutableStep) {
		if now != nil {
			s.now = now
		}
	}
}

// ExecutableStep runs a StepDefinition: condition check, input validation,
// timed execution with retry, output validation.
type ExecutableStep struct {
	def            types.StepDefinition
	logger         *slog.Logger
	defaultRetry   *types.RetryConfig
	defaultTimeout time.Duration
	now            func() time.Time

	mu    sync.RWMutex
	state State
}

// NewExecutableStep wraps a definition. The definition is copied.
func NewExecutableStep(def types.StepDefinition, opts ...ExecOption) *ExecutableStep {
	s := &ExecutableStep{
		def:    def.Clone(),
		logger: slog.Default(),
		now:    time.Now,
		state:  StatePending,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the step id.
func (s *ExecutableStep) ID() string {
	return s.def.ID
}

// Definition returns a copy of the wrapped definition.
func (s *ExecutableStep) Definition() types.StepDefinition {
	return s.def.Clone()
}

// State returns the state reached by the most recent execution.
func (s *ExecutableStep) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *ExecutableStep) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *ExecutableStep) retryConfig() *types.RetryConfig {
	if cfg := s.def.RetryConfig(); cfg != nil {
		return cfg
	}
	return s.defaultRetry
}

func (s *ExecutableStep) timeout() time.Duration {
	if d := s.def.Timeout(); d > 0 {
		return d
	}
	return s.defaultTimeout
}

// Execute runs the step once, including retries. Failures are reported in
// the result, never as a panic or a separate error.
func (s *ExecutableStep) Execute(ctx context.Context, req ExecutionRequest) *types.ExecutionResult {
	started := s.now()
	s.setState(StatePending)

	result := &types.ExecutionResult{
		Metadata: types.ResultMetadata{
			StepID:              s.def.ID,
			WorkflowExecutionID: req.WorkflowExecutionID,
		},
	}
	attempts := 0
	defer func() {
		completed := s.now()
		result.Performance = types.Performance{
			Attempts:    attempts,
			Duration:    completed.Sub(started),
			StartedAt:   started,
			CompletedAt: completed,
		}
	}()

	sc := &types.StepContext{
		Input:               req.Input,
		WorkflowExecutionID: req.WorkflowExecutionID,
		PreviousSteps:       copyMap(req.PreviousSteps),
		Metadata:            copyMap(req.Metadata),
	}
	log := s.logger.With(logging.StepID(s.def.ID), logging.ExecutionID(req.WorkflowExecutionID))

	if s.def.Condition != nil {
		run, err := evalCondition(ctx, s.def.Condition, sc)
		if err != nil {
			s.setState(StateFailed)
			s.fail(result, types.CodeCondition, err)
			log.Warn("step condition failed", logging.Error(err))
			return result
		}
		if !run {
			s.setState(StateSkipped)
			result.Success = true
			result.Metadata.Skipped = true
			log.Debug("step skipped by condition")
			return result
		}
	}

	vc := s.def.ValidationConfig
	if vc != nil && vc.ValidateInput && vc.Input != nil {
		s.setState(StateValidating)
		parsed, err := parseWith(vc.Input, sc.Input)
		if err != nil {
			s.setState(StateValidationFailed)
			s.failValidation(result, err)
			log.Warn("step input rejected", logging.Error(err))
			return result
		}
		sc.Input = parsed
	}

	s.setState(StateExecuting)
	policy := RetryPolicy{
		StepID:  s.def.ID,
		Retry:   s.retryConfig(),
		Timeout: s.timeout(),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("step attempt failed, retrying",
				logging.Attempt(attempt), logging.Error(err), slog.Duration("delay", delay))
		},
	}
	output, n, err := Retry(ctx, policy, func(attemptCtx context.Context) (any, error) {
		return s.def.Execute(attemptCtx, sc)
	})
	attempts = n
	if err != nil {
		switch {
		case errors.Is(err, ErrStepTimeout):
			s.setState(StateTimedOut)
			s.fail(result, types.CodeStepTimeout, err)
		case errors.Is(err, ErrStepCancelled):
			s.setState(StateCancelled)
			s.fail(result, types.CodeStepCancelled, err)
		default:
			s.setState(StateFailed)
			s.fail(result, types.CodeStepExecution, err)
		}
		log.Warn("step failed", logging.Attempt(n), logging.Error(err))
		return result
	}

	if vc != nil && vc.ValidateOutput && vc.Output != nil {
		parsed, err := parseWith(vc.Output, output)
		if err != nil {
			s.setState(StateValidationFailed)
			s.failValidation(result, err)
			log.Warn("step output rejected", logging.Error(err))
			return result
		}
		output = parsed
	}

	s.setState(StateSucceeded)
	result.Success = true
	result.Output = output
	log.Debug("step succeeded", logging.Attempt(n))
	return result
}

// evalCondition turns a panicking condition into an error.
func evalCondition(ctx context.Context, cond types.ConditionFunc, sc *types.StepContext) (run bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			run, err = false, fmt.Errorf("condition panic: %v", r)
		}
	}()
	return cond(ctx, sc)
}

// parseWith turns a panicking schema into a validation failure.
func parseWith(schema types.Schema, value any) (parsed any, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, fmt.Errorf("schema panic: %v", r)
		}
	}()
	return schema.Parse(value)
}

func (s *ExecutableStep) fail(result *types.ExecutionResult, code string, err error) {
	result.Success = false
	result.Output = nil
	result.Error = &types.StepError{Code: code, Message: err.Error()}
}

func (s *ExecutableStep) failValidation(result *types.ExecutionResult, err error) {
	ve := types.AsValidationError(err)
	result.Success = false
	result.Output = nil
	result.Error = &types.StepError{
		Code:    types.CodeValidation,
		Message: ve.Error(),
		Issues:  ve.Issues,
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
