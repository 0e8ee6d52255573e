package types

import (
	"context"
	"time"
)

// BackoffStrategy selects the delay between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// StepMetadata describes a step for humans and for registry search.
type StepMetadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// HasTag reports whether the metadata carries the given tag.
func (m StepMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RetryConfig controls how failed attempts are retried.
type RetryConfig struct {
	Backoff     BackoffStrategy `json:"backoff"`
	Delay       time.Duration   `json:"delay"`
	MaxAttempts int             `json:"max_attempts"`
}

// TimeoutConfig bounds a single execution attempt.
type TimeoutConfig struct {
	Execution time.Duration `json:"execution"`
}

// ExecutionConfig groups the retry and timeout policy of a step.
type ExecutionConfig struct {
	Retry   *RetryConfig   `json:"retry,omitempty"`
	Timeout *TimeoutConfig `json:"timeout,omitempty"`
}

// Schema is any parse-or-fail validator. Parse returns the accepted value
// or an error describing why it was rejected.
type Schema interface {
	Parse(value any) (any, error)
}

// SchemaFunc adapts a function to the Schema interface.
type SchemaFunc func(value any) (any, error)

// Parse implements Schema.
func (f SchemaFunc) Parse(value any) (any, error) {
	return f(value)
}

// ValidationConfig selects which side of a step is validated and how.
type ValidationConfig struct {
	ValidateInput  bool   `json:"validate_input"`
	ValidateOutput bool   `json:"validate_output"`
	Input          Schema `json:"-"`
	Output         Schema `json:"-"`
}

// StepContext is what a step function receives besides the context.Context,
// which carries cancellation.
type StepContext struct {
	Input               any            `json:"input"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	PreviousSteps       map[string]any `json:"previous_steps"`
	Metadata            map[string]any `json:"metadata"`
}

// ExecuteFunc runs the work of a step and returns its output.
type ExecuteFunc func(ctx context.Context, sc *StepContext) (any, error)

// ConditionFunc decides whether a step runs. Returning false skips it.
type ConditionFunc func(ctx context.Context, sc *StepContext) (bool, error)

// StepDefinition is the immutable description of a unit of work.
type StepDefinition struct {
	ID               string            `json:"id"`
	Metadata         StepMetadata      `json:"metadata"`
	Execute          ExecuteFunc       `json:"-"`
	ExecutionConfig  *ExecutionConfig  `json:"execution_config,omitempty"`
	ValidationConfig *ValidationConfig `json:"validation_config,omitempty"`
	Condition        ConditionFunc     `json:"-"`
	Dependencies     []string          `json:"dependencies,omitempty"`
}

// Clone returns a copy that shares no mutable state with d.
func (d StepDefinition) Clone() StepDefinition {
	c := d
	c.Metadata.Tags = append([]string(nil), d.Metadata.Tags...)
	c.Dependencies = append([]string(nil), d.Dependencies...)
	if d.ExecutionConfig != nil {
		ec := *d.ExecutionConfig
		if ec.Retry != nil {
			r := *ec.Retry
			ec.Retry = &r
		}
		if ec.Timeout != nil {
			t := *ec.Timeout
			ec.Timeout = &t
		}
		c.ExecutionConfig = &ec
	}
	if d.ValidationConfig != nil {
		vc := *d.ValidationConfig
		c.ValidationConfig = &vc
	}
	return c
}

// RetryConfig returns the retry policy or nil.
func (d StepDefinition) RetryConfig() *RetryConfig {
	if d.ExecutionConfig == nil {
		return nil
	}
	return d.ExecutionConfig.Retry
}

// Timeout returns the per-attempt timeout, zero when unset.
func (d StepDefinition) Timeout() time.Duration {
	if d.ExecutionConfig == nil || d.ExecutionConfig.Timeout == nil {
		return 0
	}
	return d.ExecutionConfig.Timeout.Execution
}

// Error codes reported in ExecutionResult.Error.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeStepTimeout      = "STEP_TIMEOUT_ERROR"
	CodeStepCancelled    = "STEP_CANCELLED_ERROR"
	CodeStepExecution    = "STEP_EXECUTION_ERROR"
	CodeCondition        = "CONDITION_ERROR"
	CodeDependencyFailed = "DEPENDENCY_FAILED"
)

// StepError is the failure part of an ExecutionResult.
type StepError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Issues  []ValidationIssue `json:"issues,omitempty"`
}

// Performance carries timing data of one execution.
type Performance struct {
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ResultMetadata describes how a result came to be.
type ResultMetadata struct {
	StepID              string `json:"step_id"`
	WorkflowExecutionID string `json:"workflow_execution_id,omitempty"`
	Skipped             bool   `json:"skipped"`
}

// ExecutionResult is the outcome of running one step.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	Output      any            `json:"output,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	Performance Performance    `json:"performance"`
	Metadata    ResultMetadata `json:"metadata"`
}

// RegistryEntry wraps a registered definition with bookkeeping.
type RegistryEntry struct {
	Definition   StepDefinition `json:"definition"`
	RegisteredBy string         `json:"registered_by,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
	UsageCount   int            `json:"usage_count"`
	LastUsedAt   *time.Time     `json:"last_used_at,omitempty"`
	Active       bool           `json:"active"`
}

// ExecutionPlan orders a set of steps and groups them for concurrent execution.
type ExecutionPlan struct {
	ExecutionOrder []string   `json:"execution_order"`
	ParallelGroups [][]string `json:"parallel_groups"`
	// Dependencies holds each step's dependencies restricted to the planned set.
	Dependencies map[string][]string `json:"dependencies"`
}
