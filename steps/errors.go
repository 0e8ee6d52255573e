package steps

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard error definitions
var (
	ErrInvalidStep     = errors.New("invalid step definition")
	ErrDuplicateStep   = errors.New("step already registered")
	ErrStepNotFound    = errors.New("step not found")
	ErrStepTimeout     = errors.New("step execution timed out")
	ErrStepCancelled   = errors.New("step execution cancelled")
	ErrUnknownTemplate = errors.New("unknown step template")
)

// InvalidStepError names every required field missing from a definition.
type InvalidStepError struct {
	StepID  string
	Missing []string
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("%v %q: missing required fields: %s",
		ErrInvalidStep, e.StepID, strings.Join(e.Missing, ", "))
}

func (e *InvalidStepError) Unwrap() error {
	return ErrInvalidStep
}

// DuplicateStepError is returned when an id is registered twice.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDuplicateStep, e.StepID)
}

func (e *DuplicateStepError) Unwrap() error {
	return ErrDuplicateStep
}

// NotFoundError is returned for an unknown step id.
type NotFoundError struct {
	StepID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrStepNotFound, e.StepID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrStepNotFound
}

// StepTimeoutError is returned when an attempt outlives its deadline.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error {
	return ErrStepTimeout
}
