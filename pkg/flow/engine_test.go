package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
	"github.com/nexcrm/procflow/pkg/storage/inmemory"
)

var flowEngine Engine
var engineStorage *inmemory.Storage

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()

	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	flowEngine = NewEngine(EngineWithStorage(engineStorage))

	// Run the tests
	exitCode = m.Run()
}

var entitySeq int

func nextEntityId(prefix string) string {
	entitySeq++
	return fmt.Sprintf("%s-%d", prefix, entitySeq)
}

func TestStartedInstanceFollowsFirstEdgeOfStartNode(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)

	// when
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, nextEntityId("lead"), nil)

	// then
	assert.NoError(t, err)
	assert.Equal(t, "review", instance.CurrentNodeId)
	assert.Equal(t, "start", instance.PreviousNodeId)
	assert.Equal(t, runtime.InstanceStateRunning, instance.State)
	assert.Len(t, instance.History, 2)
	assert.Equal(t, runtime.TriggerProcessStarted, instance.History[0].Trigger)
	assert.Equal(t, runtime.TriggerAutoAdvance, instance.History[1].Trigger)
	assert.NotNil(t, instance.History[0].ExitedAt)
	assert.Nil(t, instance.History[1].ExitedAt)
	assert.NotNil(t, instance.ExpectedCompletion)
}

func TestOnlyTheSeedHistoryEntryIsTaggedProcessStarted(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)

	// when
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, nextEntityId("lead"), nil)

	// then: the start-node seed entry alone carries the trigger, the hop
	// across the first edge does not repeat it
	assert.NoError(t, err)
	seeded := 0
	for _, entry := range instance.History {
		if entry.Trigger == runtime.TriggerProcessStarted {
			seeded++
		}
	}
	assert.Equal(t, 1, seeded)
	assert.Equal(t, "start", instance.History[0].NodeId)
}

func TestStartParksOnStartNodeWithoutOutgoingEdges(t *testing.T) {
	// setup: a degenerate graph where the start node has no outgoing edge
	definition := runtime.ProcessDefinition{
		Key:          engineStorage.GenerateId(),
		DefinitionId: "parked",
		Version:      1,
		EntityType:   "parked-entity",
		Nodes: []runtime.Node{
			{Id: "start", Type: runtime.NodeTypeStart},
			{Id: "end", Type: runtime.NodeTypeEnd},
		},
		Edges:    []runtime.Edge{},
		IsActive: true,
	}
	err := engineStorage.SaveDefinition(t.Context(), definition)
	assert.NoError(t, err)

	// when
	instance, err := flowEngine.CreateInstance(t.Context(), &definition, nextEntityId("parked"), nil)

	// then
	assert.NoError(t, err)
	assert.Equal(t, "start", instance.CurrentNodeId)
	assert.Len(t, instance.History, 1)
	assert.Equal(t, runtime.TriggerProcessStarted, instance.History[0].Trigger)
}

func TestInactiveDefinitionRefusesNewInstances(t *testing.T) {
	// setup
	definition := runtime.ProcessDefinition{
		Key:          engineStorage.GenerateId(),
		DefinitionId: "retired",
		Version:      1,
		EntityType:   "retired-entity",
		Nodes: []runtime.Node{
			{Id: "start", Type: runtime.NodeTypeStart},
			{Id: "end", Type: runtime.NodeTypeEnd},
		},
		IsActive: false,
	}
	err := engineStorage.SaveDefinition(t.Context(), definition)
	assert.NoError(t, err)

	// when
	_, err = flowEngine.CreateInstance(t.Context(), &definition, nextEntityId("retired"), nil)

	// then
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestApprovalEventCompletesInstance(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)

	// when
	_, transitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "approved",
	})

	// then
	assert.NoError(t, err)
	assert.Len(t, transitions, 1)
	assert.True(t, transitions[0].Completed)
	assert.Equal(t, "review", transitions[0].FromNodeId)
	assert.Equal(t, "end", transitions[0].ToNodeId)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
	assert.NotNil(t, stored.ActualCompletion)
	assert.Equal(t, "approved", stored.History[len(stored.History)-1].Trigger)
}

func TestUnmatchedEventLeavesInstanceInPlace(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)

	// when
	_, transitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "commented",
	})

	// then
	assert.NoError(t, err)
	assert.Empty(t, transitions)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, "review", stored.CurrentNodeId)
	assert.Equal(t, int64(0), stored.ModVersion)
}

func TestCreatedEventAutoStartsInstancePerActiveDefinition(t *testing.T) {
	// setup
	_, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")

	// when
	started, transitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "created",
	})

	// then
	assert.NoError(t, err)
	assert.Empty(t, transitions)
	assert.Len(t, started, 1)
	assert.Equal(t, "review", started[0].CurrentNodeId)
	assert.Equal(t, entityId, started[0].EntityId)
}

func TestNonCreateEventDoesNotAutoStart(t *testing.T) {
	// setup
	_, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)

	// when: no instance exists and the action is not the auto-start action
	started, transitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   nextEntityId("lead"),
		Action:     "updated",
	})

	// then
	assert.NoError(t, err)
	assert.Empty(t, started)
	assert.Empty(t, transitions)
}

func TestFirstMatchingEdgeWinsInDefinitionOrder(t *testing.T) {
	// setup: two outgoing edges both labeled "release", array order decides
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/first_match.json")
	assert.NoError(t, err)
	entityId := nextEntityId("shipment")
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)
	assert.Equal(t, "hold", instance.CurrentNodeId)

	// when
	_, transitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "shipment",
		EntityId:   entityId,
		Action:     "release",
	})

	// then
	assert.NoError(t, err)
	assert.Len(t, transitions, 1)
	assert.Equal(t, "dispatch_a", transitions[0].ToNodeId)
	assert.Equal(t, "e2", transitions[0].EdgeId)
}

func TestConditionalEdgesRouteByInstanceVariables(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/deal_scoring.json")
	assert.NoError(t, err)

	largeDeal := nextEntityId("deal")
	large, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, largeDeal, map[string]any{"amount": 50000.0})
	assert.NoError(t, err)
	assert.Equal(t, "triage", large.CurrentNodeId)

	smallDeal := nextEntityId("deal")
	_, err = flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, smallDeal, map[string]any{"amount": 900.0})
	assert.NoError(t, err)

	// when
	_, largeTransitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{EntityType: "deal", EntityId: largeDeal, Action: "scored"})
	assert.NoError(t, err)
	_, smallTransitions, err := flowEngine.HandleEvent(t.Context(), runtime.Event{EntityType: "deal", EntityId: smallDeal, Action: "scored"})
	assert.NoError(t, err)

	// then
	assert.Len(t, largeTransitions, 1)
	assert.Equal(t, "review_large", largeTransitions[0].ToNodeId)
	assert.Len(t, smallTransitions, 1)
	assert.Equal(t, "review_small", smallTransitions[0].ToNodeId)
}

func TestManualAdvanceMovesInstanceAndMergesVariables(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, nextEntityId("lead"), map[string]any{"source": "import"})
	assert.NoError(t, err)

	// when
	advanced, transition, err := flowEngine.AdvanceInstance(t.Context(), instance.Key, "end", map[string]any{"override_reason": "duplicate"})

	// then
	assert.NoError(t, err)
	assert.True(t, transition.Completed)
	assert.Equal(t, runtime.InstanceStateCompleted, advanced.State)
	assert.Equal(t, "import", advanced.GetVariable("source"))
	assert.Equal(t, "duplicate", advanced.GetVariable("override_reason"))
	assert.Equal(t, runtime.TriggerManualAdvance, advanced.History[len(advanced.History)-1].Trigger)
}

func TestManualAdvanceToUnknownNodeLeavesInstanceUntouched(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, nextEntityId("lead"), nil)
	assert.NoError(t, err)

	// when
	_, _, err = flowEngine.AdvanceInstance(t.Context(), instance.Key, "no-such-node", nil)

	// then
	assert.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, "review", stored.CurrentNodeId)
	assert.Equal(t, int64(0), stored.ModVersion)
}

func TestManualAdvanceOnCompletedInstanceFails(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	instance, err := flowEngine.CreateInstanceById(t.Context(), definition.DefinitionId, nextEntityId("lead"), nil)
	assert.NoError(t, err)
	_, _, err = flowEngine.AdvanceInstance(t.Context(), instance.Key, "end", nil)
	assert.NoError(t, err)

	// when
	_, _, err = flowEngine.AdvanceInstance(t.Context(), instance.Key, "review", nil)

	// then
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "only running instances")
}

// contendedStorage loses the first n compare-and-swap attempts, as if a
// concurrent writer always got there first.
type contendedStorage struct {
	storage.Storage
	conflicts int
}

func (s *contendedStorage) UpdateProcessInstance(ctx context.Context, instance runtime.ProcessInstance, expectedModVersion int64) error {
	if s.conflicts > 0 {
		s.conflicts--
		return storage.ErrStaleVersion
	}
	return s.Storage.UpdateProcessInstance(ctx, instance, expectedModVersion)
}

func TestLostUpdateRaceIsRetriedAgainstFreshState(t *testing.T) {
	// setup
	store := &contendedStorage{Storage: inmemory.NewStorage(), conflicts: 1}
	engine := NewEngine(EngineWithStorage(store))
	definition, err := engine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")
	instance, err := engine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)

	// when
	_, transitions, err := engine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "approved",
	})

	// then
	assert.NoError(t, err)
	assert.Len(t, transitions, 1)
	assert.Zero(t, store.conflicts)

	stored, err := store.FindProcessInstanceByKey(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func TestExhaustedRetriesSurfaceAnError(t *testing.T) {
	// setup
	store := &contendedStorage{Storage: inmemory.NewStorage(), conflicts: maxTransitionRetries}
	engine := NewEngine(EngineWithStorage(store))
	definition, err := engine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")
	_, err = engine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)

	// when
	_, _, err = engine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "approved",
	})

	// then
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "concurrent writers")
}

// unreadableStorage always loses the compare-and-swap and then refuses the
// follow-up read, as if the store went away mid-retry.
type unreadableStorage struct {
	storage.Storage
}

func (s *unreadableStorage) UpdateProcessInstance(ctx context.Context, instance runtime.ProcessInstance, expectedModVersion int64) error {
	return storage.ErrStaleVersion
}

func (s *unreadableStorage) FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	return runtime.ProcessInstance{}, errors.New("connection reset")
}

func TestFailedRereadReportsTheInstanceKey(t *testing.T) {
	// setup
	store := &unreadableStorage{Storage: inmemory.NewStorage()}
	engine := NewEngine(EngineWithStorage(store))
	definition, err := engine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")
	instance, err := engine.CreateInstanceById(t.Context(), definition.DefinitionId, entityId, nil)
	assert.NoError(t, err)

	// when
	_, _, err = engine.HandleEvent(t.Context(), runtime.Event{
		EntityType: "lead",
		EntityId:   entityId,
		Action:     "approved",
	})

	// then: the error names the instance that could not be re-read
	assert.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("failed to re-read instance %d", instance.Key))
}

func TestMultipleEnginesCreateUniqueIds(t *testing.T) {
	engine1 := NewEngine(EngineWithStorage(inmemory.NewStorage()))
	engine2 := NewEngine(EngineWithStorage(inmemory.NewStorage()))

	key1 := engine1.generateKey()
	key2 := engine2.generateKey()

	assert.NotEqual(t, key1, key2)
}

func TestCommandDispatchRejectsUnknownCommands(t *testing.T) {
	_, err := flowEngine.Handle(t.Context(), nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported command")
}

func TestCommandDispatchRunsStartAdvanceAndSweep(t *testing.T) {
	// setup
	definition, err := flowEngine.DeployFromFile(t.Context(), "./testdata/lead_onboarding.json")
	assert.NoError(t, err)
	entityId := nextEntityId("lead")

	// when
	startResult, err := flowEngine.Handle(t.Context(), StartProcessCommand{DefinitionId: definition.DefinitionId, EntityId: entityId})
	assert.NoError(t, err)
	advanceResult, err := flowEngine.Handle(t.Context(), AdvanceProcessCommand{InstanceKey: startResult.Instance.Key, TargetNodeId: "end"})
	assert.NoError(t, err)
	sweepResult, err := flowEngine.Handle(t.Context(), CheckSLACommand{})
	assert.NoError(t, err)

	// then
	assert.NotNil(t, startResult.Instance)
	assert.Equal(t, "review", startResult.Instance.CurrentNodeId)
	assert.Len(t, advanceResult.Transitions, 1)
	assert.True(t, advanceResult.Transitions[0].Completed)
	assert.NotNil(t, sweepResult.Sweep)
}
