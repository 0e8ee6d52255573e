package types

import (
	"errors"
	"strings"
)

// ErrValidation is the sentinel all validation failures unwrap to.
var ErrValidation = errors.New("validation failed")

// ValidationIssue is a single reason a value was rejected.
type ValidationIssue struct {
	Message string `json:"message"`
	Path    string `json:"path"`
	Rule    string `json:"rule"`
}

// ValidationError reports every issue found while validating a value.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrValidation.Error()
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Path != "" {
			msgs = append(msgs, issue.Path+": "+issue.Message)
			continue
		}
		msgs = append(msgs, issue.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(msgs, "; ")
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// AsValidationError converts any error returned by a Schema into a
// ValidationError. Errors that are not ValidationErrors become one issue
// with rule "parse".
func AsValidationError(err error) *ValidationError {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &ValidationError{Issues: []ValidationIssue{{
		Message: err.Error(),
		Rule:    "parse",
	}}}
}
