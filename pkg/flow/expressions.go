package flow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pbinitiative/feel"
	"github.com/nexcrm/procflow/pkg/flow/runtime"
)

// exprToken matches a ${...} variable reference inside an edge condition.
// The token body is a dotted identifier path ("amount", "event.action").
var exprToken = regexp.MustCompile(`\$\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\s*\}`)

// conditionScope builds the evaluation scope for an edge condition: all
// instance variables plus the event fields under the "event" prefix.
func conditionScope(instance *runtime.ProcessInstance, event runtime.Event) map[string]any {
	scope := make(map[string]any, 4)
	for k, v := range instance.VariableHolder.Variables() {
		scope[k] = v
	}
	scope["event"] = map[string]any{
		"action":   event.Action,
		"to_state": event.ToState,
	}
	return scope
}

// evaluateCondition resolves ${...} tokens into scope references and evaluates
// the result as an expression. A condition that evaluates to anything other
// than a boolean does not match.
func evaluateCondition(condition string, scope map[string]any) (bool, error) {
	expression := exprToken.ReplaceAllString(strings.TrimSpace(condition), "$1")
	out, err := feel.EvalStringWithScope(expression, scope)
	if err != nil {
		return false, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate condition %q", condition),
			Err: err,
		}
	}
	matched, ok := out.(bool)
	if !ok {
		return false, nil
	}
	return matched, nil
}

// validateConditionSyntax checks a condition at deploy time: every "${" must
// open a well-formed token and the remaining expression must be non-empty.
// Variable values are only known at run time so the check is purely syntactic.
func validateConditionSyntax(condition string) error {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return fmt.Errorf("condition is empty")
	}
	stripped := exprToken.ReplaceAllString(trimmed, "$1")
	if strings.Contains(stripped, "${") {
		return fmt.Errorf("condition %q contains a malformed variable reference", condition)
	}
	return nil
}
