package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/ptr"
	"github.com/nexcrm/procflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	processDefinition runtime.ProcessDefinition
	processInstance   runtime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessDefinitionActiveByEntityType,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestProcessInstanceUpdateVersionCheck,
		st.TestProcessInstanceOverdueReader,
		st.TestSLAViolationStorageWriter,
		st.TestSLAViolationStorageReader,
		st.TestBatchFlush,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessDefinition(r int64) runtime.ProcessDefinition {
	return runtime.ProcessDefinition{
		Key:          r,
		DefinitionId: fmt.Sprintf("id-%d", r),
		Version:      1,
		EntityType:   "lead",
		Name:         fmt.Sprintf("definition-%d", r),
		Nodes: []runtime.Node{
			{Id: "start", Type: runtime.NodeTypeStart},
			{Id: "review", Type: runtime.NodeTypeTask, Config: &runtime.NodeConfig{SLAHours: 4}},
			{Id: "end", Type: runtime.NodeTypeEnd},
		},
		Edges: []runtime.Edge{
			{Id: "e1", Source: "start", Target: "review"},
			{Id: "e2", Source: "review", Target: "end", Label: "approved"},
		},
		SLAConfig: map[string]runtime.IntervalVal{
			"review": runtime.Hours(4),
		},
		IsActive:  true,
		Checksum:  [16]byte{1},
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func getProcessInstance(r int64, d runtime.ProcessDefinition) runtime.ProcessInstance {
	return runtime.ProcessInstance{
		Key:           r,
		DefinitionKey: d.Key,
		Definition:    &d,
		EntityType:    d.EntityType,
		EntityId:      fmt.Sprintf("entity-%d", r),
		CurrentNodeId: "review",
		State:         runtime.InstanceStateRunning,
		VariableHolder: runtime.NewVariableHolder(map[string]any{
			"v1":   float64(123),
			"var2": "val2",
		}),
		History: []runtime.HistoryEntry{
			{NodeId: "start", EnteredAt: time.Now().Truncate(time.Millisecond), Trigger: runtime.TriggerProcessStarted},
		},
		StartedAt: time.Now().Truncate(time.Millisecond),
	}
}

func getViolation(r int64, instanceKey int64) runtime.SLAViolation {
	return runtime.SLAViolation{
		Key:           r,
		InstanceKey:   instanceKey,
		NodeId:        "review",
		ViolationType: runtime.ViolationTypeSLABreach,
		ExpectedHours: 4,
		ActualHours:   7.5,
		CreatedAt:     time.Now().Truncate(time.Millisecond),
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processDefinition = getProcessDefinition(r)
	err := s.SaveDefinition(t.Context(), st.processDefinition)
	assert.NoError(t, err)

	st.processInstance = getProcessInstance(r, st.processDefinition)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	assert.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := getProcessDefinition(r)

		err := s.SaveDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := getProcessDefinition(r)

		err := s.SaveDefinition(t.Context(), def)
		assert.NoError(t, err)

		v2 := def
		v2.Key = s.GenerateId()
		v2.Version = 2
		err = s.SaveDefinition(t.Context(), v2)
		assert.NoError(t, err)

		definition, err := s.FindLatestDefinitionById(t.Context(), def.DefinitionId)
		assert.NoError(t, err)
		assert.Equal(t, v2.Key, definition.Key)
		assert.Equal(t, int32(2), definition.Version)

		definition, err = s.FindDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)

		definitions, err := s.FindDefinitionsById(t.Context(), def.DefinitionId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		_, err = s.FindDefinitionByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessDefinitionActiveByEntityType(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		active := getProcessDefinition(r)
		active.EntityType = fmt.Sprintf("deal-%d", r)
		err := s.SaveDefinition(t.Context(), active)
		assert.NoError(t, err)

		inactive := getProcessDefinition(s.GenerateId())
		inactive.EntityType = active.EntityType
		inactive.IsActive = false
		err = s.SaveDefinition(t.Context(), inactive)
		assert.NoError(t, err)

		definitions, err := s.FindActiveDefinitionsByEntityType(t.Context(), active.EntityType)
		assert.NoError(t, err)
		assert.Len(t, definitions, 1)
		assert.Equal(t, active.Key, definitions[0].Key)
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		inst := getProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		inst := getProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		instance, err := s.FindProcessInstanceByKey(t.Context(), inst.Key)
		assert.NoError(t, err)
		assert.Equal(t, inst.Key, instance.Key)
		assert.Equal(t, inst.StartedAt.Truncate(time.Millisecond), instance.StartedAt.Truncate(time.Millisecond))
		assert.Equal(t, inst.VariableHolder, instance.VariableHolder)

		running, err := s.FindRunningInstances(t.Context(), inst.EntityType, inst.EntityId)
		assert.NoError(t, err)
		assert.Len(t, running, 1)
		assert.Equal(t, inst.Key, running[0].Key)

		completed := inst
		completed.Key = s.GenerateId()
		completed.State = runtime.InstanceStateCompleted
		err = s.SaveProcessInstance(t.Context(), completed)
		assert.NoError(t, err)

		running, err = s.FindRunningInstances(t.Context(), inst.EntityType, inst.EntityId)
		assert.NoError(t, err)
		assert.Len(t, running, 1)

		all, err := s.FindEntityInstances(t.Context(), inst.EntityType, inst.EntityId)
		assert.NoError(t, err)
		assert.Len(t, all, 2)
	}
}

func (st *StorageTester) TestProcessInstanceUpdateVersionCheck(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		inst := getProcessInstance(r, st.processDefinition)
		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		inst.CurrentNodeId = "end"
		err = s.UpdateProcessInstance(t.Context(), inst, 0)
		assert.NoError(t, err)

		stored, err := s.FindProcessInstanceByKey(t.Context(), inst.Key)
		assert.NoError(t, err)
		assert.Equal(t, "end", stored.CurrentNodeId)
		assert.Equal(t, int64(1), stored.ModVersion)

		// a second writer still holding the old version must be rejected
		err = s.UpdateProcessInstance(t.Context(), inst, 0)
		assert.ErrorIs(t, err, storage.ErrStaleVersion)

		err = s.UpdateProcessInstance(t.Context(), getProcessInstance(-1, st.processDefinition), 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceOverdueReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		now := time.Now().Truncate(time.Millisecond)

		overdue := getProcessInstance(s.GenerateId(), st.processDefinition)
		overdue.ExpectedCompletion = ptr.To(now.Add(-2 * time.Hour))
		err := s.SaveProcessInstance(t.Context(), overdue)
		assert.NoError(t, err)

		onTrack := getProcessInstance(s.GenerateId(), st.processDefinition)
		onTrack.ExpectedCompletion = ptr.To(now.Add(2 * time.Hour))
		err = s.SaveProcessInstance(t.Context(), onTrack)
		assert.NoError(t, err)

		completed := getProcessInstance(s.GenerateId(), st.processDefinition)
		completed.ExpectedCompletion = ptr.To(now.Add(-2 * time.Hour))
		completed.State = runtime.InstanceStateCompleted
		err = s.SaveProcessInstance(t.Context(), completed)
		assert.NoError(t, err)

		instances, err := s.FindOverdueInstances(t.Context(), now)
		assert.NoError(t, err)

		keys := make([]int64, 0, len(instances))
		for _, inst := range instances {
			keys = append(keys, inst.Key)
		}
		assert.Contains(t, keys, overdue.Key)
		assert.NotContains(t, keys, onTrack.Key)
		assert.NotContains(t, keys, completed.Key)
	}
}

func (st *StorageTester) TestSLAViolationStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		violation := getViolation(r, st.processInstance.Key)

		err := s.SaveViolation(t.Context(), violation)
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestSLAViolationStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		instKey := s.GenerateId()
		inst := getProcessInstance(instKey, st.processDefinition)
		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		_, err = s.FindOpenViolation(t.Context(), instKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		open := getViolation(s.GenerateId(), instKey)
		err = s.SaveViolation(t.Context(), open)
		assert.NoError(t, err)

		found, err := s.FindOpenViolation(t.Context(), instKey)
		assert.NoError(t, err)
		assert.Equal(t, open.Key, found.Key)

		open.ResolvedAt = ptr.To(time.Now().Truncate(time.Millisecond))
		err = s.SaveViolation(t.Context(), open)
		assert.NoError(t, err)

		_, err = s.FindOpenViolation(t.Context(), instKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		violations, err := s.FindViolationsByInstance(t.Context(), instKey)
		assert.NoError(t, err)
		assert.Len(t, violations, 1)
		assert.NotNil(t, violations[0].ResolvedAt)
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		batch := s.NewBatch()

		def := getProcessDefinition(r)
		err := batch.SaveDefinition(t.Context(), def)
		assert.NoError(t, err)

		inst := getProcessInstance(r, def)
		err = batch.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		// nothing is visible before the flush
		_, err = s.FindDefinitionByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = batch.Flush(t.Context())
		assert.NoError(t, err)

		definition, err := s.FindDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)

		instance, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, instance.Key)
	}
}
