package orchestration

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnhealthy   = errors.New("provider is unhealthy")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrDuplicateProvider   = errors.New("provider already registered")
	ErrNoProvider          = errors.New("no provider available")
	ErrStepFactoryDisabled = errors.New("step factory is disabled")
	ErrShuttingDown        = errors.New("manager is shutting down")
	ErrClosed              = errors.New("manager is closed")
)

// ProviderError wraps a failure returned by a workflow provider.
type ProviderError struct {
	Provider  string
	Op        string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderUnhealthyError is returned when a provider fails its
// registration health check.
type ProviderUnhealthyError struct {
	Provider string
	Reason   string
}

func (e *ProviderUnhealthyError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrProviderUnhealthy, e.Provider, e.Reason)
}

func (e *ProviderUnhealthyError) Unwrap() error {
	return ErrProviderUnhealthy
}

func stepFactoryDisabled(op string) error {
	return fmt.Errorf("%w: %s", ErrStepFactoryDisabled, op)
}
