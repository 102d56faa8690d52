package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nexcrm/procflow/internal/notify"
	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
)

// escalationWildcard in a rule's node id matches every node.
const escalationWildcard = "*"

// SweepReport summarizes one SLA sweep run.
type SweepReport struct {
	Checked     int `json:"checked"`
	Breached    int `json:"breached"`
	Escalations int `json:"escalations"`
}

// CheckSLA scans all running instances past their expected completion, opens
// a breach episode for each one that has none yet and dispatches the matching
// escalation rules. Re-running the sweep while an episode is open is a no-op
// for that instance, so overlapping or frequent sweeps never duplicate
// violations.
func (engine *Engine) CheckSLA(ctx context.Context) (SweepReport, error) {
	now := engine.now()
	report := SweepReport{}

	overdue, err := engine.persistence.FindOverdueInstances(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to find overdue instances: %w", err)
	}
	report.Checked = len(overdue)

	var errJoin error
	for _, instance := range overdue {
		breached, escalations, err := engine.sweepInstance(ctx, instance)
		if err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		if breached {
			report.Breached++
		}
		report.Escalations += escalations
	}
	return report, errJoin
}

func (engine *Engine) sweepInstance(ctx context.Context, instance runtime.ProcessInstance) (bool, int, error) {
	_, err := engine.persistence.FindOpenViolation(ctx, instance.Key)
	if err == nil {
		// episode already open, nothing to do until it resolves
		return false, 0, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, 0, fmt.Errorf("failed to look up open violation for instance %d: %w", instance.Key, err)
	}

	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return false, 0, fmt.Errorf("failed to load definition %d for instance %d: %w", instance.DefinitionKey, instance.Key, err)
	}

	now := engine.now()
	expectedHours := 0.0
	if budget, ok := definition.ExpectedSLA(); ok {
		expectedHours = budget.Hours()
	}
	violation := runtime.SLAViolation{
		Key:           engine.generateKey(),
		InstanceKey:   instance.Key,
		NodeId:        instance.CurrentNodeId,
		ViolationType: runtime.ViolationTypeSLABreach,
		ExpectedHours: expectedHours,
		ActualHours:   now.Sub(instance.StartedAt).Hours(),
		CreatedAt:     now,
	}
	// open the episode and stamp the breached status in one batch, so a
	// half-written breach can never leak out
	batch := engine.persistence.NewBatch()
	if err := batch.SaveViolation(ctx, violation); err != nil {
		return false, 0, fmt.Errorf("failed to queue violation for instance %d: %w", instance.Key, err)
	}
	if instance.SLAStatus != runtime.SLAStatusBreached {
		instance.SLAStatus = runtime.SLAStatusBreached
		if err := batch.UpdateProcessInstance(ctx, instance, instance.ModVersion); err != nil {
			return false, 0, fmt.Errorf("failed to queue breach mark for instance %d: %w", instance.Key, err)
		}
	}
	if err := batch.Flush(ctx); err != nil {
		if errors.Is(err, storage.ErrStaleVersion) {
			// another writer just moved the instance, the next sweep
			// sees its fresh state
			engine.logger.Debug("lost the breach write race, deferring to the next sweep", "instanceKey", instance.Key)
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to record breach for instance %d: %w", instance.Key, err)
	}
	if engine.metrics != nil {
		engine.metrics.SlaBreaches.Add(ctx, 1)
	}

	escalations := engine.dispatchEscalations(ctx, &definition, instance, violation)
	return true, escalations, nil
}

func (engine *Engine) dispatchEscalations(ctx context.Context, definition *runtime.ProcessDefinition, instance runtime.ProcessInstance, violation runtime.SLAViolation) int {
	dispatched := 0
	for _, rule := range definition.EscalationRules {
		if rule.NodeId != instance.CurrentNodeId && rule.NodeId != escalationWildcard {
			continue
		}
		for _, recipient := range slices.Compact(rule.EscalateTo) {
			escalation := notify.Escalation{
				InstanceKey:   instance.Key,
				DefinitionId:  definition.DefinitionId,
				EntityType:    instance.EntityType,
				EntityId:      instance.EntityId,
				NodeId:        instance.CurrentNodeId,
				EscalateTo:    recipient,
				ExpectedHours: violation.ExpectedHours,
				ActualHours:   violation.ActualHours,
				BreachedAt:    violation.CreatedAt,
			}
			if engine.assist != nil {
				escalation.Summary = engine.assist.Summarize(ctx, escalation)
			}
			if err := engine.notifier.Notify(ctx, escalation); err != nil {
				engine.logger.Warn("failed to dispatch escalation",
					"instanceKey", instance.Key,
					"escalateTo", recipient,
					"error", err,
				)
				continue
			}
			dispatched++
			if engine.metrics != nil {
				engine.metrics.EscalationsDispatched.Add(ctx, 1)
			}
		}
	}
	return dispatched
}
