package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
)

var (
	// ErrNotFound is returned by single-item lookups when no row exists.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned by UpdateProcessInstance when the stored
	// modification version differs from the expected one. The caller is
	// supposed to re-read the instance and re-evaluate.
	ErrStaleVersion = errors.New("stale modification version")
)

// Storage interface for reading and writing process data into a (persistent) state.
// Interface is used by the flow engine and the REST layer to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	SLAViolationStorageReader
	SLAViolationStorageWriter

	GenerateId() int64
	NewBatch() Batch
}

// Batch collects writes and applies them together on Flush. Implementations
// back it with a transaction where the underlying store supports one.
type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	SLAViolationStorageWriter

	// Flush writes the batch into the storage and prepares the batch for new statements
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestDefinitionById(ctx context.Context, definitionId string) (runtime.ProcessDefinition, error)

	FindDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error)

	// FindDefinitionsById returns zero or many registered definitions with given ID
	// result array is ordered by version number, from 1 (first) to largest version (last)
	FindDefinitionsById(ctx context.Context, definitionId string) ([]runtime.ProcessDefinition, error)

	// FindActiveDefinitionsByEntityType returns the active definitions that
	// govern the given entity type; only the latest version of each
	// definition id is returned
	FindActiveDefinitionsByEntityType(ctx context.Context, entityType string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given Key
	SaveDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindRunningInstances returns instances in running state bound to the
	// given entity
	FindRunningInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error)

	// FindEntityInstances returns all instances bound to the given entity,
	// regardless of state, ordered by StartedAt
	FindEntityInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error)

	// FindOverdueInstances returns running instances whose expected
	// completion lies before the given point in time
	FindOverdueInstances(ctx context.Context, before time.Time) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists a new instance
	// and potentially overwrites prior data stored with given key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error

	// UpdateProcessInstance persists the instance only when the stored
	// modification version equals expectedModVersion, incrementing it in the
	// same write. Returns ErrStaleVersion otherwise.
	UpdateProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance, expectedModVersion int64) error
}

type SLAViolationStorageReader interface {
	// FindOpenViolation returns the open (unresolved) violation of the given
	// instance, or ErrNotFound
	FindOpenViolation(ctx context.Context, processInstanceKey int64) (runtime.SLAViolation, error)

	// FindViolationsByInstance returns all violations recorded for the given
	// instance, ordered by CreatedAt
	FindViolationsByInstance(ctx context.Context, processInstanceKey int64) ([]runtime.SLAViolation, error)
}

type SLAViolationStorageWriter interface {
	// SaveViolation persists the SLAViolation
	// and potentially overwrites prior data stored with given key
	SaveViolation(ctx context.Context, violation runtime.SLAViolation) error
}
