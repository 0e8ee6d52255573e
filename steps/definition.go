package steps

import (
	"fmt"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// Validate checks that a definition carries every required field and a
// coherent execution policy. All missing fields are reported together.
func Validate(def types.StepDefinition) error {
	var missing []string
	if def.ID == "" {
		missing = append(missing, "id")
	}
	if def.Metadata.Name == "" {
		missing = append(missing, "name")
	}
	if def.Metadata.Version == "" {
		missing = append(missing, "version")
	}
	if def.Execute == nil {
		missing = append(missing, "execute")
	}
	if len(missing) > 0 {
		return &InvalidStepError{StepID: def.ID, Missing: missing}
	}

	if ec := def.ExecutionConfig; ec != nil {
		if err := ValidateRetryConfig(ec.Retry); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidStep, def.ID, err)
		}
		if ec.Timeout != nil && ec.Timeout.Execution <= 0 {
			return fmt.Errorf("%w %q: execution timeout must be positive", ErrInvalidStep, def.ID)
		}
	}
	return nil
}
