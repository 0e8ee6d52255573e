package rules

import (
	"fmt"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

// EnvValue is the name under which the validated value itself is exposed.
const EnvValue = "value"

// Rule is a single check applied by a Schema.
type Rule struct {
	Path       string // reported in the issue, e.g. "url"
	Expression string // must evaluate to true for the value to pass
	Message    string
}

// Schema validates values with expression rules. Map values expose their
// top-level keys directly to the expressions; every value is also
// available as `value`.
type Schema struct {
	evaluator Evaluator
	required  []string
	rules     []Rule
}

// NewSchema creates an empty Schema. A nil evaluator gets a fresh
// ExprEvaluator.
func NewSchema(evaluator Evaluator) *Schema {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	return &Schema{evaluator: evaluator}
}

// Require adds top-level keys that must be present and non-nil.
func (s *Schema) Require(fields ...string) *Schema {
	s.required = append(s.required, fields...)
	return s
}

// Check adds an expression rule.
func (s *Schema) Check(path, expression, message string) *Schema {
	s.rules = append(s.rules, Rule{Path: path, Expression: expression, Message: message})
	return s
}

// Parse implements types.Schema. It reports every failing rule, not just
// the first one.
func (s *Schema) Parse(value any) (any, error) {
	var issues []types.ValidationIssue

	fields, isMap := value.(map[string]any)
	for _, name := range s.required {
		if !isMap || fields[name] == nil {
			issues = append(issues, types.ValidationIssue{
				Message: fmt.Sprintf("%s is required", name),
				Path:    name,
				Rule:    "required",
			})
		}
	}

	env := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		env[k] = v
	}
	env[EnvValue] = value

	for _, r := range s.rules {
		ok, err := s.evaluator.Evaluate(r.Expression, env)
		if err != nil || !ok {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("rule %q not satisfied", r.Expression)
			}
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			issues = append(issues, types.ValidationIssue{
				Message: msg,
				Path:    r.Path,
				Rule:    r.Expression,
			})
		}
	}

	if len(issues) > 0 {
		return nil, &types.ValidationError{Issues: issues}
	}
	return value, nil
}
