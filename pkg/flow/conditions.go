package flow

import (
	"github.com/nexcrm/procflow/pkg/flow/runtime"
)

// edgeMatches decides whether one outgoing edge accepts the event.
// A condition takes precedence over a label; an edge with neither is an
// unconditional default branch and always matches.
func edgeMatches(edge runtime.Edge, instance *runtime.ProcessInstance, event runtime.Event) (bool, error) {
	if edge.Condition != "" {
		return evaluateCondition(edge.Condition, conditionScope(instance, event))
	}
	if edge.Label != "" {
		return event.Action == edge.Label || event.ToState == edge.Label, nil
	}
	return true, nil
}

// firstMatchingEdge walks the outgoing edges of the instance's current node in
// definition order and returns the first one the event satisfies. A condition
// that fails to evaluate is treated as a non-match and logged; evaluation
// continues with the remaining edges.
func (engine *Engine) firstMatchingEdge(definition *runtime.ProcessDefinition, instance *runtime.ProcessInstance, event runtime.Event) (runtime.Edge, bool) {
	for _, edge := range definition.OutgoingEdges(instance.CurrentNodeId) {
		matched, err := edgeMatches(edge, instance, event)
		if err != nil {
			engine.logger.Warn("failed to evaluate edge condition, treating as non-match",
				"edgeId", edge.Id,
				"instanceKey", instance.Key,
				"error", err,
			)
			continue
		}
		if matched {
			return edge, true
		}
	}
	return runtime.Edge{}, false
}
