package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Escalation carries everything a dispatch target needs to act on an SLA
// breach. Summary is optional assistant-generated text, empty when the
// assist client is disabled.
type Escalation struct {
	InstanceKey   int64     `json:"instance_key"`
	DefinitionId  string    `json:"definition_id"`
	EntityType    string    `json:"entity_type"`
	EntityId      string    `json:"entity_id"`
	NodeId        string    `json:"node_id"`
	EscalateTo    string    `json:"escalate_to"`
	ExpectedHours float64   `json:"expected_hours"`
	ActualHours   float64   `json:"actual_hours"`
	BreachedAt    time.Time `json:"breached_at"`
	Summary       string    `json:"summary,omitempty"`
}

// Notifier delivers escalations to an external target. Implementations must
// be safe for concurrent use; the sweep dispatches from its own goroutine.
type Notifier interface {
	Notify(ctx context.Context, escalation Escalation) error
}

// LogNotifier writes escalations to the service log. It is the default
// dispatcher when no webhook is configured.
type LogNotifier struct {
	logger hclog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{
		logger: hclog.Default().Named("escalation"),
	}
}

var _ Notifier = &LogNotifier{}

func (n *LogNotifier) Notify(ctx context.Context, escalation Escalation) error {
	n.logger.Warn("SLA escalation",
		"instanceKey", escalation.InstanceKey,
		"entityType", escalation.EntityType,
		"entityId", escalation.EntityId,
		"nodeId", escalation.NodeId,
		"escalateTo", escalation.EscalateTo,
		"expectedHours", escalation.ExpectedHours,
		"actualHours", escalation.ActualHours,
	)
	return nil
}
