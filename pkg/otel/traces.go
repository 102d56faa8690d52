package otel

const (
	Prefix                   = "flow-"
	AttributeInstanceKey     = Prefix + "instance-key"
	AttributeDefinitionId    = Prefix + "definition-id"
	AttributeDefinitionKey   = Prefix + "definition-key"
	AttributeEntityType      = Prefix + "entity-type"
	AttributeEntityId        = Prefix + "entity-id"
	AttributeNodeId          = Prefix + "node-id"
	AttributeEventAction     = Prefix + "event-action"
	AttributeEscalationActor = Prefix + "escalate-to"
)
