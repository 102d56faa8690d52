package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nexcrm/procflow/internal/notify"
	otelPkg "github.com/nexcrm/procflow/pkg/otel"
	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/ptr"
	"github.com/nexcrm/procflow/pkg/storage"
)

const (
	// maxTransitionRetries bounds the re-read cycles when a concurrent writer
	// wins the compare-and-swap on an instance.
	maxTransitionRetries = 3

	// autoStartAction is the one event action that may auto-start instances
	// for an entity that has none.
	autoStartAction = "created"

	definitionCacheSize = 256
	definitionCacheTTL  = 5 * time.Minute
)

type Engine struct {
	name        string
	snowflake   *snowflake.Node
	persistence storage.Storage
	notifier    notify.Notifier
	assist      *notify.SummaryClient
	metrics     *otelPkg.EngineMetrics
	definitions *lru.LRU[int64, runtime.ProcessDefinition]
	logger      hclog.Logger
	clock       func() time.Time
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the process engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Flow-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	engine := Engine{
		name:        name,
		snowflake:   getGlobalSnowflakeIdGenerator(),
		persistence: nil,
		notifier:    notify.NewLogNotifier(),
		definitions: lru.NewLRU[int64, runtime.ProcessDefinition](definitionCacheSize, nil, definitionCacheTTL),
		logger:      hclog.Default().Named("flow-engine"),
		clock:       time.Now,
	}

	for _, option := range options {
		option(&engine)
	}

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithNotifier(notifier notify.Notifier) EngineOption {
	return func(engine *Engine) {
		engine.notifier = notifier
	}
}

func EngineWithAssist(assist *notify.SummaryClient) EngineOption {
	return func(engine *Engine) {
		engine.assist = assist
	}
}

func EngineWithMetrics(metrics *otelPkg.EngineMetrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

// EngineWithClock overrides the time source; tests use it to steer SLA
// deadlines deterministically.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) now() time.Time {
	return engine.clock()
}

// definition loads a process definition by key through the read-through
// cache. Definitions are immutable so cached copies never go stale.
func (engine *Engine) definition(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error) {
	if def, ok := engine.definitions.Get(definitionKey); ok {
		return def, nil
	}
	def, err := engine.persistence.FindDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}
	engine.definitions.Add(definitionKey, def)
	return def, nil
}

// Transition describes one node change applied to an instance.
type Transition struct {
	InstanceKey int64  `json:"instance_key"`
	FromNodeId  string `json:"from_node_id"`
	ToNodeId    string `json:"to_node_id"`
	EdgeId      string `json:"edge_id,omitempty"`
	Completed   bool   `json:"completed"`
}

// CreateInstanceById creates a new instance for the latest version of the
// definition with the given ID.
// Might return EngineError, when no definition with given ID was found.
func (engine *Engine) CreateInstanceById(ctx context.Context, definitionId string, entityId string, variables map[string]any) (*runtime.ProcessInstance, error) {
	definition, err := engine.persistence.FindLatestDefinitionById(ctx, definitionId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no definition with id=%s was found (prior deployed to the engine)", definitionId), err)
	}

	instance, err := engine.CreateInstance(ctx, &definition, entityId, variables)
	if err != nil {
		return instance, errors.Join(newEngineErrorf("failed to create process instance: %s", definitionId), err)
	}

	return instance, nil
}

// CreateInstance starts a new process instance for the given definition and
// business entity. The instance is parked on the start node, then immediately
// follows the first outgoing edge of the start node when one exists.
func (engine *Engine) CreateInstance(ctx context.Context, definition *runtime.ProcessDefinition, entityId string, variables map[string]any) (*runtime.ProcessInstance, error) {
	if !definition.IsActive {
		return nil, newEngineErrorf("definition %s v%d is not active, no new instances may start", definition.DefinitionId, definition.Version)
	}
	start, err := definition.StartNode()
	if err != nil {
		return nil, errors.Join(newEngineErrorf("definition %s v%d is malformed", definition.DefinitionId, definition.Version), err)
	}

	now := engine.now()
	instance := runtime.ProcessInstance{
		Key:            engine.generateKey(),
		DefinitionKey:  definition.Key,
		Definition:     definition,
		EntityType:     definition.EntityType,
		EntityId:       entityId,
		CurrentNodeId:  start.Id,
		State:          runtime.InstanceStateRunning,
		VariableHolder: runtime.NewVariableHolder(variables),
		StartedAt:      now,
	}
	if budget, ok := definition.ExpectedSLA(); ok {
		instance.ExpectedCompletion = ptr.To(now.Add(budget))
	}
	instance.AppendHistory(runtime.HistoryEntry{
		NodeId:       start.Id,
		EnteredAt:    now,
		Trigger:      runtime.TriggerProcessStarted,
		NodeDeadline: nodeDeadline(definition, start.Id, now),
	})

	if edges := definition.OutgoingEdges(start.Id); len(edges) > 0 {
		// the first edge in array order leaves the start node right away
		applyTransition(&instance, definition, edges[0], runtime.TriggerAutoAdvance, now)
	}

	err = engine.persistence.SaveProcessInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	if engine.metrics != nil {
		engine.metrics.InstancesStarted.Add(ctx, 1)
		if instance.State == runtime.InstanceStateRunning {
			engine.metrics.InstancesRunning.Add(ctx, 1)
		} else {
			engine.metrics.InstancesCompleted.Add(ctx, 1)
		}
	}
	return &instance, nil
}

// nodeDeadline computes the per-node SLA deadline from the node config or the
// definition-level SLA map, in that order.
func nodeDeadline(definition *runtime.ProcessDefinition, nodeId string, enteredAt time.Time) *time.Time {
	node, ok := definition.FindNode(nodeId)
	if ok && node.Config != nil {
		if node.Config.SLADuration != "" {
			var interval runtime.IntervalVal
			if err := interval.UnmarshalJSON([]byte(fmt.Sprintf("%q", node.Config.SLADuration))); err == nil {
				return ptr.To(enteredAt.Add(interval.Duration()))
			}
		}
		if node.Config.SLAHours > 0 {
			return ptr.To(enteredAt.Add(time.Duration(node.Config.SLAHours * float64(time.Hour))))
		}
	}
	if interval, ok := definition.SLAConfig[nodeId]; ok && !interval.IsZero() {
		return ptr.To(enteredAt.Add(interval.Duration()))
	}
	return nil
}

// applyTransition moves the instance across one edge: closes the open history
// entry, shifts current/previous node ids, appends the new entry and completes
// the instance when the target is an end node.
func applyTransition(instance *runtime.ProcessInstance, definition *runtime.ProcessDefinition, edge runtime.Edge, trigger string, now time.Time) Transition {
	instance.CloseCurrentHistory(now)
	instance.PreviousNodeId = instance.CurrentNodeId
	instance.CurrentNodeId = edge.Target
	instance.AppendHistory(runtime.HistoryEntry{
		NodeId:       edge.Target,
		EnteredAt:    now,
		Trigger:      trigger,
		NodeDeadline: nodeDeadline(definition, edge.Target, now),
	})

	completed := false
	if target, ok := definition.FindNode(edge.Target); ok && target.Type == runtime.NodeTypeEnd {
		instance.State = runtime.InstanceStateCompleted
		instance.ActualCompletion = ptr.To(now)
		instance.CloseCurrentHistory(now)
		completed = true
	}
	return Transition{
		InstanceKey: instance.Key,
		FromNodeId:  instance.PreviousNodeId,
		ToNodeId:    instance.CurrentNodeId,
		EdgeId:      edge.Id,
		Completed:   completed,
	}
}

// HandleEvent delivers a domain event to all running instances of the
// referenced entity. When the entity has no running instance and the event
// action is "created", one instance auto-starts per active definition of the
// entity type. Each instance takes at most one transition per event.
func (engine *Engine) HandleEvent(ctx context.Context, event runtime.Event) ([]runtime.ProcessInstance, []Transition, error) {
	if event.EntityType == "" || event.EntityId == "" {
		return nil, nil, newEngineErrorf("event must reference an entity, got entityType=%q entityId=%q", event.EntityType, event.EntityId)
	}

	instances, err := engine.persistence.FindRunningInstances(ctx, event.EntityType, event.EntityId)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find running instances for %s %s: %w", event.EntityType, event.EntityId, err)
	}

	if len(instances) == 0 {
		if event.Action != autoStartAction {
			return nil, nil, nil
		}
		started, err := engine.autoStart(ctx, event)
		return started, nil, err
	}

	transitions := make([]Transition, 0, len(instances))
	var errJoin error
	for _, instance := range instances {
		transition, ok, err := engine.progressInstance(ctx, instance, event)
		if err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		if ok {
			transitions = append(transitions, transition)
		}
	}
	return nil, transitions, errJoin
}

func (engine *Engine) autoStart(ctx context.Context, event runtime.Event) ([]runtime.ProcessInstance, error) {
	definitions, err := engine.persistence.FindActiveDefinitionsByEntityType(ctx, event.EntityType)
	if err != nil {
		return nil, fmt.Errorf("failed to find active definitions for entity type %s: %w", event.EntityType, err)
	}

	started := make([]runtime.ProcessInstance, 0, len(definitions))
	var errJoin error
	for i := range definitions {
		instance, err := engine.CreateInstance(ctx, &definitions[i], event.EntityId, nil)
		if err != nil {
			errJoin = errors.Join(errJoin, err)
			continue
		}
		started = append(started, *instance)
	}
	return started, errJoin
}

// progressInstance applies at most one transition to the instance for the
// event. A lost compare-and-swap re-reads the instance and re-evaluates the
// edges against the fresh state, up to maxTransitionRetries times.
func (engine *Engine) progressInstance(ctx context.Context, instance runtime.ProcessInstance, event runtime.Event) (Transition, bool, error) {
	instanceKey := instance.Key
	trigger := event.Action
	if trigger == "" {
		trigger = event.ToState
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		definition, err := engine.definition(ctx, instance.DefinitionKey)
		if err != nil {
			return Transition{}, false, fmt.Errorf("failed to load definition %d for instance %d: %w", instance.DefinitionKey, instance.Key, err)
		}

		if _, ok := definition.FindNode(instance.CurrentNodeId); !ok {
			// stored state no longer matches the graph, leave the instance alone
			engine.logger.Error("instance references a node missing from its definition, skipping",
				"instanceKey", instance.Key,
				"nodeId", instance.CurrentNodeId,
				"definitionId", definition.DefinitionId,
			)
			return Transition{}, false, nil
		}

		edge, ok := engine.firstMatchingEdge(&definition, &instance, event)
		if !ok {
			return Transition{}, false, nil
		}

		now := engine.now()
		expectedModVersion := instance.ModVersion
		transition := applyTransition(&instance, &definition, edge, trigger, now)

		err = engine.persistTransition(ctx, instance, expectedModVersion, transition.Completed, now)
		if errors.Is(err, storage.ErrStaleVersion) {
			engine.logger.Debug("lost instance update race, re-reading", "instanceKey", instanceKey, "attempt", attempt+1)
			instance, err = engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
			if err != nil {
				return Transition{}, false, fmt.Errorf("failed to re-read instance %d: %w", instanceKey, err)
			}
			if instance.State != runtime.InstanceStateRunning {
				return Transition{}, false, nil
			}
			continue
		}
		if err != nil {
			return Transition{}, false, fmt.Errorf("failed to update instance %d: %w", instanceKey, err)
		}
		instance.ModVersion = expectedModVersion + 1

		if engine.metrics != nil {
			engine.metrics.Transitions.Add(ctx, 1)
			if transition.Completed {
				engine.metrics.InstancesCompleted.Add(ctx, 1)
				engine.metrics.InstancesRunning.Add(ctx, -1)
			}
		}
		return transition, true, nil
	}
	return Transition{}, false, newEngineErrorf("gave up updating instance %d after %d attempts, concurrent writers kept winning", instanceKey, maxTransitionRetries)
}

// AdvanceInstance is the operator override: it moves a running instance to an
// explicit target node, bypassing edge evaluation. The target must exist in
// the definition node set.
func (engine *Engine) AdvanceInstance(ctx context.Context, instanceKey int64, targetNodeId string, variables map[string]any) (*runtime.ProcessInstance, *Transition, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find process instance %d: %w", instanceKey, err)
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		if instance.State != runtime.InstanceStateRunning {
			return nil, nil, newEngineErrorf("instance %d is %s, only running instances can be advanced", instanceKey, instance.State)
		}

		definition, err := engine.definition(ctx, instance.DefinitionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load definition %d for instance %d: %w", instance.DefinitionKey, instanceKey, err)
		}
		target, ok := definition.FindNode(targetNodeId)
		if !ok {
			return nil, nil, errors.Join(
				newEngineErrorf("node %s does not exist in definition %s v%d", targetNodeId, definition.DefinitionId, definition.Version),
				storage.ErrNotFound,
			)
		}

		instance.VariableHolder.Merge(variables)

		now := engine.now()
		expectedModVersion := instance.ModVersion
		transition := applyTransition(&instance, &definition, runtime.Edge{Target: target.Id}, runtime.TriggerManualAdvance, now)

		err = engine.persistTransition(ctx, instance, expectedModVersion, transition.Completed, now)
		if errors.Is(err, storage.ErrStaleVersion) {
			instance, err = engine.persistence.FindProcessInstanceByKey(ctx, instanceKey)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to re-read instance %d: %w", instanceKey, err)
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update instance %d: %w", instanceKey, err)
		}
		instance.ModVersion = expectedModVersion + 1

		if engine.metrics != nil {
			engine.metrics.Transitions.Add(ctx, 1)
			if transition.Completed {
				engine.metrics.InstancesCompleted.Add(ctx, 1)
				engine.metrics.InstancesRunning.Add(ctx, -1)
			}
		}
		return &instance, &transition, nil
	}
	return nil, nil, newEngineErrorf("gave up advancing instance %d after %d attempts, concurrent writers kept winning", instanceKey, maxTransitionRetries)
}

// persistTransition writes the moved instance. When the move completed the
// instance and a breach episode is open, the episode is resolved in the same
// batch so the completion and the resolution land or fail together.
func (engine *Engine) persistTransition(ctx context.Context, instance runtime.ProcessInstance, expectedModVersion int64, completed bool, at time.Time) error {
	if !completed {
		return engine.persistence.UpdateProcessInstance(ctx, instance, expectedModVersion)
	}

	violation, err := engine.persistence.FindOpenViolation(ctx, instance.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return engine.persistence.UpdateProcessInstance(ctx, instance, expectedModVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to look up open violation: %w", err)
	}

	violation.ResolvedAt = ptr.To(at)
	batch := engine.persistence.NewBatch()
	if err := batch.UpdateProcessInstance(ctx, instance, expectedModVersion); err != nil {
		return err
	}
	if err := batch.SaveViolation(ctx, violation); err != nil {
		return err
	}
	return batch.Flush(ctx)
}
