package flow

import (
	"context"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
)

// Command is the closed set of management operations the engine accepts over
// the wire. Adding a variant means adding a case to Engine.Handle; anything
// else is rejected there.
type Command interface {
	commandName() string
}

// ---------------------------------------------------------------------

// StartProcessCommand starts one instance of the latest version of a
// definition for a business entity.
type StartProcessCommand struct {
	DefinitionId string         `json:"definition_id"`
	EntityId     string         `json:"entity_id"`
	Variables    map[string]any `json:"variables,omitempty"`
}

func (StartProcessCommand) commandName() string { return "start_process" }

// ---------------------------------------------------------------------

// AdvanceProcessCommand is the operator override moving an instance to an
// explicit node.
type AdvanceProcessCommand struct {
	InstanceKey  int64          `json:"instance_key"`
	TargetNodeId string         `json:"target_node_id"`
	Variables    map[string]any `json:"variables,omitempty"`
}

func (AdvanceProcessCommand) commandName() string { return "advance_process" }

// ---------------------------------------------------------------------

// CheckSLACommand triggers one SLA sweep outside the periodic schedule.
type CheckSLACommand struct{}

func (CheckSLACommand) commandName() string { return "check_sla" }

// ---------------------------------------------------------------------

// ProcessEventCommand delivers a domain event to the instances of the
// referenced entity.
type ProcessEventCommand struct {
	Event runtime.Event `json:"event"`
}

func (ProcessEventCommand) commandName() string { return "process_event" }

// ---------------------------------------------------------------------

// CommandResult is the union of the per-command outcomes; exactly the fields
// relevant to the executed command are set.
type CommandResult struct {
	Instance    *runtime.ProcessInstance  `json:"instance,omitempty"`
	Started     []runtime.ProcessInstance `json:"started,omitempty"`
	Transitions []Transition              `json:"transitions,omitempty"`
	Sweep       *SweepReport              `json:"sweep,omitempty"`
}

// Handle dispatches one command. Unknown command types are an error, not a
// silent no-op.
func (engine *Engine) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	switch c := cmd.(type) {
	case StartProcessCommand:
		instance, err := engine.CreateInstanceById(ctx, c.DefinitionId, c.EntityId, c.Variables)
		return CommandResult{Instance: instance}, err
	case AdvanceProcessCommand:
		instance, transition, err := engine.AdvanceInstance(ctx, c.InstanceKey, c.TargetNodeId, c.Variables)
		result := CommandResult{Instance: instance}
		if transition != nil {
			result.Transitions = []Transition{*transition}
		}
		return result, err
	case CheckSLACommand:
		report, err := engine.CheckSLA(ctx)
		return CommandResult{Sweep: &report}, err
	case ProcessEventCommand:
		started, transitions, err := engine.HandleEvent(ctx, c.Event)
		return CommandResult{Started: started, Transitions: transitions}, err
	default:
		return CommandResult{}, newEngineErrorf("unsupported command %T", cmd)
	}
}
