package orchestration

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/workflow-orchestrator/events"
	"github.com/songzhibin97/workflow-orchestrator/registry"
	"github.com/songzhibin97/workflow-orchestrator/steps"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

var (
	ErrInvalidHealthCheckInterval = errors.New("health check interval must be positive")
	ErrInvalidGlobalTimeout       = errors.New("global timeout cannot be negative")
	ErrInvalidConcurrency         = errors.New("max concurrent executions cannot be negative")
)

// Config configures a Manager.
type Config struct {
	// AutoRetry applies DefaultRetryConfig to steps without a retry policy.
	AutoRetry          bool
	DefaultRetryConfig types.RetryConfig
	// DefaultProvider names the provider used when a call names none. When
	// empty the first registered provider becomes the default.
	DefaultProvider     string
	EnableHealthChecks  bool
	HealthCheckInterval time.Duration
	// EnableMetrics registers the Prometheus collectors. Rolling step
	// metrics are always kept.
	EnableMetrics     bool
	EnableStepFactory bool
	// GlobalTimeout applies to steps without a timeout. Zero disables it.
	GlobalTimeout time.Duration
	// MaxConcurrentExecutions bounds in-flight ExecuteStep calls. Zero
	// means unbounded.
	MaxConcurrentExecutions int

	// StepFactory and StepRegistry are created when nil. A created
	// registry is cleared on shutdown. Generator is required when
	// neither is supplied.
	StepFactory  *steps.Factory
	StepRegistry *registry.Registry
	Generator    generator.Generator

	Logger *slog.Logger
	// MetricsRegisterer receives the Prometheus collectors. A private
	// registry is used when nil.
	MetricsRegisterer prometheus.Registerer
	EventBus          *events.Bus
}

// NewDefaultConfig returns a Config with every feature enabled.
func NewDefaultConfig() Config {
	return Config{
		AutoRetry: true,
		DefaultRetryConfig: types.RetryConfig{
			Backoff:     types.BackoffExponential,
			Delay:       time.Second,
			MaxAttempts: 3,
		},
		EnableHealthChecks:      true,
		HealthCheckInterval:     30 * time.Second,
		EnableMetrics:           true,
		EnableStepFactory:       true,
		GlobalTimeout:           5 * time.Minute,
		MaxConcurrentExecutions: 10,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.EnableHealthChecks && c.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidHealthCheckInterval, c.HealthCheckInterval)
	}
	if c.GlobalTimeout < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidGlobalTimeout, c.GlobalTimeout)
	}
	if c.MaxConcurrentExecutions < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.MaxConcurrentExecutions)
	}
	if c.AutoRetry {
		if err := steps.ValidateRetryConfig(&c.DefaultRetryConfig); err != nil {
			return err
		}
	}
	return nil
}
