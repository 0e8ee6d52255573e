package types

import (
	"context"
	"time"
)

// Workflow execution states.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// WorkflowDefinition is the unit handed to a provider.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []string       `json:"steps"`              // registered step ids
	Schedule    string         `json:"schedule,omitempty"` // cron expression
	Input       any            `json:"input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkflowExecution represents one run of a workflow on a provider.
type WorkflowExecution struct {
	ID          string                      `json:"id"`
	WorkflowID  string                      `json:"workflow_id"`
	Provider    string                      `json:"provider,omitempty"`
	Status      string                      `json:"status"`
	Input       any                         `json:"input,omitempty"`
	StepResults map[string]*ExecutionResult `json:"step_results,omitempty"`
	Error       string                      `json:"error,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
}

// Finished reports whether the execution reached a terminal state.
func (e *WorkflowExecution) Finished() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ListOptions narrows ListExecutions.
type ListOptions struct {
	Status string
	Limit  int
}

// Provider health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthStatus is what a provider reports about itself.
type HealthStatus struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// WorkflowProvider is a pluggable backend that runs and schedules workflows.
// GetExecution returns (nil, nil) for an unknown id.
type WorkflowProvider interface {
	Execute(ctx context.Context, def WorkflowDefinition, input any) (*WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, opts ListOptions) ([]WorkflowExecution, error)
	CancelExecution(ctx context.Context, id string) (bool, error)
	ScheduleWorkflow(ctx context.Context, def WorkflowDefinition) (string, error)
	UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// Cleaner is implemented by providers that hold resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// WorkflowSchedule is a cron registration of a workflow. A workflow has at
// most one schedule per provider.
type WorkflowSchedule struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	Cron       string             `json:"cron"`
	Definition WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time          `json:"created_at"`
}
