package runtime

import (
	"fmt"
	"time"
)

// NodeType enumerates the node kinds a process graph may contain.
type NodeType string

const (
	NodeTypeStart      NodeType = "start"
	NodeTypeEnd        NodeType = "end"
	NodeTypeTask       NodeType = "task"
	NodeTypeGatewayXor NodeType = "gateway_xor"
	NodeTypeGatewayAnd NodeType = "gateway_and"
	NodeTypeGatewayOr  NodeType = "gateway_or"
)

// Position is the designer canvas placement of a node. The engine never reads
// it but it round-trips through the store so the admin UI keeps its layout.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeConfig carries optional per-node settings. SLAHours and SLADuration are
// alternatives; SLADuration takes an ISO-8601 duration string ("PT4H") and
// wins when both are set.
type NodeConfig struct {
	SLAHours    float64 `json:"sla_hours,omitempty"`
	SLADuration string  `json:"sla_duration,omitempty"`
	Assignee    string  `json:"assignee,omitempty"`
}

type Node struct {
	Id       string      `json:"id"`
	Type     NodeType    `json:"type"`
	Label    string      `json:"label,omitempty"`
	Position *Position   `json:"position,omitempty"`
	Config   *NodeConfig `json:"config,omitempty"`
}

// Edge is a directed transition between two nodes. Condition, when present, is
// an expression over instance variables and event fields. Label, without a
// Condition, matches the event action or target state literally. An edge with
// neither acts as an unconditional default branch.
//
// The order of edges inside ProcessDefinition.Edges is significant: the first
// matching edge wins and evaluation stops.
type Edge struct {
	Id        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// EscalationRule maps a node (or the "*" wildcard) to recipients that are
// notified when an instance breaches its SLA while parked on that node.
type EscalationRule struct {
	NodeId     string      `json:"node_id"`
	Hours      IntervalVal `json:"hours"`
	EscalateTo []string    `json:"escalate_to"`
}

// ProcessDefinition is the versioned graph template for one entity type.
// Definitions are immutable at run time; a changed graph is deployed as a new
// version and told apart by checksum.
type ProcessDefinition struct {
	Key             int64                  `json:"key"`
	DefinitionId    string                 `json:"definition_id"`
	Version         int32                  `json:"version"`
	EntityType      string                 `json:"entity_type"`
	Name            string                 `json:"name,omitempty"`
	Nodes           []Node                 `json:"nodes"`
	Edges           []Edge                 `json:"edges"`
	SLAConfig       map[string]IntervalVal `json:"sla_config,omitempty"`
	EscalationRules []EscalationRule       `json:"escalation_rules,omitempty"`
	IsActive        bool                   `json:"is_active"`
	Checksum        [16]byte               `json:"-"`
	CreatedAt       time.Time              `json:"created_at"`
}

// StartNode returns the single start node of the definition.
func (d *ProcessDefinition) StartNode() (Node, error) {
	var start *Node
	for i := range d.Nodes {
		if d.Nodes[i].Type != NodeTypeStart {
			continue
		}
		if start != nil {
			return Node{}, fmt.Errorf("definition %s v%d has more than one start node", d.DefinitionId, d.Version)
		}
		start = &d.Nodes[i]
	}
	if start == nil {
		return Node{}, fmt.Errorf("definition %s v%d has no start node", d.DefinitionId, d.Version)
	}
	return *start, nil
}

// FindNode looks a node up by id.
func (d *ProcessDefinition) FindNode(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Id == id {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns the outgoing edges of a node in definition order.
func (d *ProcessDefinition) OutgoingEdges(nodeId string) []Edge {
	edges := make([]Edge, 0, 2)
	for _, e := range d.Edges {
		if e.Source == nodeId {
			edges = append(edges, e)
		}
	}
	return edges
}

// ExpectedSLA sums all configured SLA intervals into the overall expected
// completion budget for a fresh instance. Returns false when no SLA is
// configured.
func (d *ProcessDefinition) ExpectedSLA() (time.Duration, bool) {
	if len(d.SLAConfig) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, v := range d.SLAConfig {
		total += v.Duration()
	}
	return total, true
}

// InstanceState is the lifecycle state of a process instance. Completed is
// terminal.
type InstanceState string

const (
	InstanceStateRunning   InstanceState = "running"
	InstanceStateCompleted InstanceState = "completed"
)

// SLAStatus is empty until the instance breaches its expected completion.
type SLAStatus string

const SLAStatusBreached SLAStatus = "breached"

const (
	// TriggerProcessStarted tags the seed history entry of a new instance.
	// Exactly one entry per instance carries it.
	TriggerProcessStarted = "process_started"
	// TriggerAutoAdvance tags the entry written when a fresh instance
	// follows the first outgoing edge of its start node.
	TriggerAutoAdvance = "auto_advance"
	// TriggerManualAdvance tags history entries written by operator overrides.
	TriggerManualAdvance = "manual_advance"
)

// HistoryEntry is one step of the audit trail. The history is append-only and
// owned exclusively by the engine. NodeDeadline carries the per-node SLA
// deadline when the node config declares one.
type HistoryEntry struct {
	NodeId       string     `json:"node_id"`
	EnteredAt    time.Time  `json:"entered_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
	NodeDeadline *time.Time `json:"node_deadline,omitempty"`
}

// ProcessInstance is one execution of a definition, bound to a business entity
// by the weak (EntityType, EntityId) reference. ModVersion is the optimistic
// concurrency counter: every store update compares and increments it so that
// at most one transition executes per instance per logical event.
type ProcessInstance struct {
	Key                int64              `json:"key"`
	DefinitionKey      int64              `json:"definition_key"`
	Definition         *ProcessDefinition `json:"-"`
	EntityType         string             `json:"entity_type"`
	EntityId           string             `json:"entity_id"`
	CurrentNodeId      string             `json:"current_node_id"`
	PreviousNodeId     string             `json:"previous_node_id,omitempty"`
	State              InstanceState      `json:"state"`
	VariableHolder     VariableHolder     `json:"variables"`
	History            []HistoryEntry     `json:"history"`
	StartedAt          time.Time          `json:"started_at"`
	ExpectedCompletion *time.Time         `json:"expected_completion,omitempty"`
	ActualCompletion   *time.Time         `json:"actual_completion,omitempty"`
	SLAStatus          SLAStatus          `json:"sla_status,omitempty"`
	ModVersion         int64              `json:"mod_version"`
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.VariableHolder.GetVariable(key)
}

func (pi *ProcessInstance) SetVariable(key string, value any) {
	pi.VariableHolder.SetVariable(key, value)
}

// AppendHistory adds an entry to the audit trail.
func (pi *ProcessInstance) AppendHistory(entry HistoryEntry) {
	pi.History = append(pi.History, entry)
}

// CloseCurrentHistory stamps ExitedAt on the most recent open entry for the
// current node, if any.
func (pi *ProcessInstance) CloseCurrentHistory(at time.Time) {
	for i := len(pi.History) - 1; i >= 0; i-- {
		if pi.History[i].NodeId == pi.CurrentNodeId && pi.History[i].ExitedAt == nil {
			pi.History[i].ExitedAt = &at
			return
		}
	}
}

// ViolationTypeSLABreach is the only violation type the sweep currently emits.
const ViolationTypeSLABreach = "sla_breach"

// SLAViolation records one breach episode of an instance. Episodes are closed
// by stamping ResolvedAt; at most one open violation exists per instance.
type SLAViolation struct {
	Key           int64      `json:"key"`
	InstanceKey   int64      `json:"instance_key"`
	NodeId        string     `json:"node_id"`
	ViolationType string     `json:"violation_type"`
	ExpectedHours float64    `json:"expected_hours"`
	ActualHours   float64    `json:"actual_hours"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Event is a domain event posted by the surrounding application (or a database
// trigger) when a business entity changes.
type Event struct {
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	Action     string `json:"action"`
	ToState    string `json:"to_state,omitempty"`
}
