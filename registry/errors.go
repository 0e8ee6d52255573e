package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCyclicDependency = errors.New("cyclic dependency detected")
	ErrStepInactive     = errors.New("step is inactive")
)

// CyclicDependencyError lists the steps left unordered once every
// acyclic step has been planned. All of them are on or behind a cycle.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("%v among steps: %s", ErrCyclicDependency, strings.Join(e.Steps, ", "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}
