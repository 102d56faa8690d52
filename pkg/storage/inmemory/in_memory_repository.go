package inmemory

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu                 sync.RWMutex
	ProcessDefinitions map[int64]runtime.ProcessDefinition
	ProcessInstances   map[int64]runtime.ProcessInstance
	SLAViolations      map[int64]runtime.SLAViolation
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions: make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
		SLAViolations:      make(map[int64]runtime.SLAViolation),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestDefinitionById(ctx context.Context, definitionId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.DefinitionId != definitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[definitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionsById(ctx context.Context, definitionId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.DefinitionId != definitionId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) FindActiveDefinitionsByEntityType(ctx context.Context, entityType string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	latest := make(map[string]runtime.ProcessDefinition)
	for _, def := range mem.ProcessDefinitions {
		if def.EntityType != entityType || !def.IsActive {
			continue
		}
		if cur, ok := latest[def.DefinitionId]; ok && cur.Version >= def.Version {
			continue
		}
		latest[def.DefinitionId] = def
	}
	res := make([]runtime.ProcessDefinition, 0, len(latest))
	for _, def := range latest {
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		if a.DefinitionId < b.DefinitionId {
			return -1
		}
		if a.DefinitionId > b.DefinitionId {
			return 1
		}
		return 0
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindRunningInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, inst := range mem.ProcessInstances {
		if inst.EntityType != entityType || inst.EntityId != entityId {
			continue
		}
		if inst.State != runtime.InstanceStateRunning {
			continue
		}
		res = append(res, inst)
	}
	sortByStartedAt(res)
	return res, nil
}

func (mem *Storage) FindEntityInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, inst := range mem.ProcessInstances {
		if inst.EntityType != entityType || inst.EntityId != entityId {
			continue
		}
		res = append(res, inst)
	}
	sortByStartedAt(res)
	return res, nil
}

func (mem *Storage) FindOverdueInstances(ctx context.Context, before time.Time) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, inst := range mem.ProcessInstances {
		if inst.State != runtime.InstanceStateRunning {
			continue
		}
		if inst.ExpectedCompletion == nil || !inst.ExpectedCompletion.Before(before) {
			continue
		}
		res = append(res, inst)
	}
	sortByStartedAt(res)
	return res, nil
}

func sortByStartedAt(instances []runtime.ProcessInstance) {
	slices.SortFunc(instances, func(a, b runtime.ProcessInstance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) UpdateProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance, expectedModVersion int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	stored, ok := mem.ProcessInstances[processInstance.Key]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.ModVersion != expectedModVersion {
		return storage.ErrStaleVersion
	}
	processInstance.ModVersion = expectedModVersion + 1
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

var _ storage.SLAViolationStorageReader = &Storage{}

func (mem *Storage) FindOpenViolation(ctx context.Context, processInstanceKey int64) (runtime.SLAViolation, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, v := range mem.SLAViolations {
		if v.InstanceKey == processInstanceKey && v.ResolvedAt == nil {
			return v, nil
		}
	}
	return runtime.SLAViolation{}, storage.ErrNotFound
}

func (mem *Storage) FindViolationsByInstance(ctx context.Context, processInstanceKey int64) ([]runtime.SLAViolation, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.SLAViolation, 0)
	for _, v := range mem.SLAViolations {
		if v.InstanceKey == processInstanceKey {
			res = append(res, v)
		}
	}
	slices.SortFunc(res, func(a, b runtime.SLAViolation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

var _ storage.SLAViolationStorageWriter = &Storage{}

func (mem *Storage) SaveViolation(ctx context.Context, violation runtime.SLAViolation) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.SLAViolations[violation.Key] = violation
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

// Flush runs the queued statements one by one; the in-memory store has no
// transaction to wrap them in.
func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	return nil
}

var _ storage.ProcessDefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveDefinition(ctx, definition)
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessInstance(ctx, processInstance)
	})
	return nil
}

func (b *StorageBatch) UpdateProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance, expectedModVersion int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.UpdateProcessInstance(ctx, processInstance, expectedModVersion)
	})
	return nil
}

var _ storage.SLAViolationStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveViolation(ctx context.Context, violation runtime.SLAViolation) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveViolation(ctx, violation)
	})
	return nil
}
