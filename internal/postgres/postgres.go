// Package postgres implements the storage interfaces on top of a PostgreSQL
// database through pgx. JSON-shaped columns (nodes, edges, variables, history)
// are kept as JSONB; the optimistic concurrency check on process instances is
// pushed into the UPDATE statement itself.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
)

type Storage struct {
	pool   *pgxpool.Pool
	logger hclog.Logger
}

var _ storage.Storage = &Storage{}

// Connect opens a connection pool against the given DSN and verifies it with
// a ping.
func Connect(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Storage{
		pool:   pool,
		logger: hclog.Default().Named("postgres-store"),
	}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

// Migrate applies the embedded migrations in order. Statements are idempotent
// so running it on every start is safe.
func (s *Storage) Migrate(ctx context.Context) error {
	stmts, err := GetMigrations()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

func (s *Storage) GenerateId() int64 {
	return rand.Int63()
}

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:    s,
		batch: &pgx.Batch{},
	}
}

// ---------------------------------------------------------------------
// process definitions

const definitionColumns = `key, definition_id, version, entity_type, name, nodes, edges, sla_config, escalation_rules, is_active, checksum, created_at`

func saveDefinitionStmt(definition runtime.ProcessDefinition) (string, []any, error) {
	nodes, err := json.Marshal(definition.Nodes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edges, err := json.Marshal(definition.Edges)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal edges: %w", err)
	}
	slaConfig, err := json.Marshal(definition.SLAConfig)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal sla_config: %w", err)
	}
	escalations, err := json.Marshal(definition.EscalationRules)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal escalation_rules: %w", err)
	}
	stmt := `INSERT INTO process_definition (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO UPDATE SET
			definition_id = EXCLUDED.definition_id,
			version = EXCLUDED.version,
			entity_type = EXCLUDED.entity_type,
			name = EXCLUDED.name,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			sla_config = EXCLUDED.sla_config,
			escalation_rules = EXCLUDED.escalation_rules,
			is_active = EXCLUDED.is_active,
			checksum = EXCLUDED.checksum,
			created_at = EXCLUDED.created_at`
	args := []any{
		definition.Key,
		definition.DefinitionId,
		definition.Version,
		definition.EntityType,
		definition.Name,
		nodes,
		edges,
		slaConfig,
		escalations,
		definition.IsActive,
		definition.Checksum[:],
		definition.CreatedAt,
	}
	return stmt, args, nil
}

func (s *Storage) SaveDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	stmt, args, err := saveDefinitionStmt(definition)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, stmt, args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (runtime.ProcessDefinition, error) {
	var (
		definition  runtime.ProcessDefinition
		nodes       []byte
		edges       []byte
		slaConfig   []byte
		escalations []byte
		checksum    []byte
	)
	err := row.Scan(
		&definition.Key,
		&definition.DefinitionId,
		&definition.Version,
		&definition.EntityType,
		&definition.Name,
		&nodes,
		&edges,
		&slaConfig,
		&escalations,
		&definition.IsActive,
		&checksum,
		&definition.CreatedAt,
	)
	if err != nil {
		return definition, err
	}
	if err := json.Unmarshal(nodes, &definition.Nodes); err != nil {
		return definition, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &definition.Edges); err != nil {
		return definition, fmt.Errorf("failed to unmarshal edges: %w", err)
	}
	if len(slaConfig) > 0 {
		if err := json.Unmarshal(slaConfig, &definition.SLAConfig); err != nil {
			return definition, fmt.Errorf("failed to unmarshal sla_config: %w", err)
		}
	}
	if len(escalations) > 0 {
		if err := json.Unmarshal(escalations, &definition.EscalationRules); err != nil {
			return definition, fmt.Errorf("failed to unmarshal escalation_rules: %w", err)
		}
	}
	copy(definition.Checksum[:], checksum)
	return definition, nil
}

func (s *Storage) queryDefinitions(ctx context.Context, stmt string, args ...any) ([]runtime.ProcessDefinition, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.ProcessDefinition, 0)
	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, definition)
	}
	return res, rows.Err()
}

func (s *Storage) FindLatestDefinitionById(ctx context.Context, definitionId string) (runtime.ProcessDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+`
		FROM process_definition WHERE definition_id = $1
		ORDER BY version DESC LIMIT 1`, definitionId)
	definition, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return definition, storage.ErrNotFound
	}
	return definition, err
}

func (s *Storage) FindDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+`
		FROM process_definition WHERE key = $1`, definitionKey)
	definition, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return definition, storage.ErrNotFound
	}
	return definition, err
}

func (s *Storage) FindDefinitionsById(ctx context.Context, definitionId string) ([]runtime.ProcessDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+`
		FROM process_definition WHERE definition_id = $1
		ORDER BY version ASC`, definitionId)
}

func (s *Storage) FindActiveDefinitionsByEntityType(ctx context.Context, entityType string) ([]runtime.ProcessDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT DISTINCT ON (definition_id) `+definitionColumns+`
		FROM process_definition WHERE entity_type = $1 AND is_active
		ORDER BY definition_id, version DESC`, entityType)
}

// ---------------------------------------------------------------------
// process instances

const instanceColumns = `key, definition_key, entity_type, entity_id, current_node_id, previous_node_id, state, variables, history, started_at, expected_completion, actual_completion, sla_status, mod_version`

func instanceArgs(instance runtime.ProcessInstance) ([]any, error) {
	variables, err := json.Marshal(instance.VariableHolder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	history, err := json.Marshal(instance.History)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	return []any{
		instance.Key,
		instance.DefinitionKey,
		instance.EntityType,
		instance.EntityId,
		instance.CurrentNodeId,
		instance.PreviousNodeId,
		string(instance.State),
		variables,
		history,
		instance.StartedAt,
		instance.ExpectedCompletion,
		instance.ActualCompletion,
		string(instance.SLAStatus),
		instance.ModVersion,
	}, nil
}

func saveInstanceStmt(instance runtime.ProcessInstance) (string, []any, error) {
	args, err := instanceArgs(instance)
	if err != nil {
		return "", nil, err
	}
	stmt := `INSERT INTO process_instance (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (key) DO UPDATE SET
			definition_key = EXCLUDED.definition_key,
			entity_type = EXCLUDED.entity_type,
			entity_id = EXCLUDED.entity_id,
			current_node_id = EXCLUDED.current_node_id,
			previous_node_id = EXCLUDED.previous_node_id,
			state = EXCLUDED.state,
			variables = EXCLUDED.variables,
			history = EXCLUDED.history,
			started_at = EXCLUDED.started_at,
			expected_completion = EXCLUDED.expected_completion,
			actual_completion = EXCLUDED.actual_completion,
			sla_status = EXCLUDED.sla_status,
			mod_version = EXCLUDED.mod_version`
	return stmt, args, nil
}

// updateInstanceStmt carries the compare-and-swap in its WHERE clause; zero
// affected rows means either a missing instance or a stale mod_version.
func updateInstanceStmt(instance runtime.ProcessInstance, expectedModVersion int64) (string, []any, error) {
	variables, err := json.Marshal(instance.VariableHolder)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	history, err := json.Marshal(instance.History)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	stmt := `UPDATE process_instance SET
			definition_key = $2,
			entity_type = $3,
			entity_id = $4,
			current_node_id = $5,
			previous_node_id = $6,
			state = $7,
			variables = $8,
			history = $9,
			started_at = $10,
			expected_completion = $11,
			actual_completion = $12,
			sla_status = $13,
			mod_version = $14 + 1
		WHERE key = $1 AND mod_version = $14`
	args := []any{
		instance.Key,
		instance.DefinitionKey,
		instance.EntityType,
		instance.EntityId,
		instance.CurrentNodeId,
		instance.PreviousNodeId,
		string(instance.State),
		variables,
		history,
		instance.StartedAt,
		instance.ExpectedCompletion,
		instance.ActualCompletion,
		string(instance.SLAStatus),
		expectedModVersion,
	}
	return stmt, args, nil
}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	stmt, args, err := saveInstanceStmt(processInstance)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, stmt, args...)
	return err
}

func (s *Storage) UpdateProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance, expectedModVersion int64) error {
	stmt, args, err := updateInstanceStmt(processInstance, expectedModVersion)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM process_instance WHERE key = $1)`, processInstance.Key).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrStaleVersion
	}
	return nil
}

func scanInstance(row rowScanner) (runtime.ProcessInstance, error) {
	var (
		instance  runtime.ProcessInstance
		state     string
		slaStatus string
		variables []byte
		history   []byte
	)
	err := row.Scan(
		&instance.Key,
		&instance.DefinitionKey,
		&instance.EntityType,
		&instance.EntityId,
		&instance.CurrentNodeId,
		&instance.PreviousNodeId,
		&state,
		&variables,
		&history,
		&instance.StartedAt,
		&instance.ExpectedCompletion,
		&instance.ActualCompletion,
		&slaStatus,
		&instance.ModVersion,
	)
	if err != nil {
		return instance, err
	}
	instance.State = runtime.InstanceState(state)
	instance.SLAStatus = runtime.SLAStatus(slaStatus)
	if err := json.Unmarshal(variables, &instance.VariableHolder); err != nil {
		return instance, fmt.Errorf("failed to unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(history, &instance.History); err != nil {
		return instance, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return instance, nil
}

func (s *Storage) queryInstances(ctx context.Context, stmt string, args ...any) ([]runtime.ProcessInstance, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.ProcessInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, instance)
	}
	return res, rows.Err()
}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM process_instance WHERE key = $1`, processInstanceKey)
	instance, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return instance, storage.ErrNotFound
	}
	return instance, err
}

func (s *Storage) FindRunningInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+`
		FROM process_instance
		WHERE entity_type = $1 AND entity_id = $2 AND state = $3
		ORDER BY started_at ASC`, entityType, entityId, string(runtime.InstanceStateRunning))
}

func (s *Storage) FindEntityInstances(ctx context.Context, entityType string, entityId string) ([]runtime.ProcessInstance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+`
		FROM process_instance
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY started_at ASC`, entityType, entityId)
}

func (s *Storage) FindOverdueInstances(ctx context.Context, before time.Time) ([]runtime.ProcessInstance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+`
		FROM process_instance
		WHERE state = $1 AND expected_completion IS NOT NULL AND expected_completion < $2
		ORDER BY started_at ASC`, string(runtime.InstanceStateRunning), before)
}

// ---------------------------------------------------------------------
// sla violations

const violationColumns = `key, instance_key, node_id, violation_type, expected_hours, actual_hours, created_at, resolved_at`

func saveViolationStmt(violation runtime.SLAViolation) (string, []any) {
	stmt := `INSERT INTO sla_violation (` + violationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			instance_key = EXCLUDED.instance_key,
			node_id = EXCLUDED.node_id,
			violation_type = EXCLUDED.violation_type,
			expected_hours = EXCLUDED.expected_hours,
			actual_hours = EXCLUDED.actual_hours,
			created_at = EXCLUDED.created_at,
			resolved_at = EXCLUDED.resolved_at`
	args := []any{
		violation.Key,
		violation.InstanceKey,
		violation.NodeId,
		violation.ViolationType,
		violation.ExpectedHours,
		violation.ActualHours,
		violation.CreatedAt,
		violation.ResolvedAt,
	}
	return stmt, args
}

func (s *Storage) SaveViolation(ctx context.Context, violation runtime.SLAViolation) error {
	stmt, args := saveViolationStmt(violation)
	_, err := s.pool.Exec(ctx, stmt, args...)
	return err
}

func scanViolation(row rowScanner) (runtime.SLAViolation, error) {
	var violation runtime.SLAViolation
	err := row.Scan(
		&violation.Key,
		&violation.InstanceKey,
		&violation.NodeId,
		&violation.ViolationType,
		&violation.ExpectedHours,
		&violation.ActualHours,
		&violation.CreatedAt,
		&violation.ResolvedAt,
	)
	return violation, err
}

func (s *Storage) FindOpenViolation(ctx context.Context, processInstanceKey int64) (runtime.SLAViolation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+violationColumns+`
		FROM sla_violation WHERE instance_key = $1 AND resolved_at IS NULL`, processInstanceKey)
	violation, err := scanViolation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return violation, storage.ErrNotFound
	}
	return violation, err
}

func (s *Storage) FindViolationsByInstance(ctx context.Context, processInstanceKey int64) ([]runtime.SLAViolation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+violationColumns+`
		FROM sla_violation WHERE instance_key = $1
		ORDER BY created_at ASC`, processInstanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.SLAViolation, 0)
	for rows.Next() {
		violation, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, violation)
	}
	return res, rows.Err()
}

// ---------------------------------------------------------------------
// batch

// StorageBatch queues writes into a pgx batch and runs them inside one
// transaction on Flush.
type StorageBatch struct {
	db     *Storage
	batch  *pgx.Batch
	verify []func(pgconn.CommandTag) error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) queue(stmt string, args []any, verify func(pgconn.CommandTag) error) {
	b.batch.Queue(stmt, args...)
	b.verify = append(b.verify, verify)
}

func (b *StorageBatch) SaveDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	stmt, args, err := saveDefinitionStmt(definition)
	if err != nil {
		return err
	}
	b.queue(stmt, args, nil)
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	stmt, args, err := saveInstanceStmt(processInstance)
	if err != nil {
		return err
	}
	b.queue(stmt, args, nil)
	return nil
}

func (b *StorageBatch) UpdateProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance, expectedModVersion int64) error {
	stmt, args, err := updateInstanceStmt(processInstance, expectedModVersion)
	if err != nil {
		return err
	}
	b.queue(stmt, args, func(tag pgconn.CommandTag) error {
		if tag.RowsAffected() == 0 {
			return storage.ErrStaleVersion
		}
		return nil
	})
	return nil
}

func (b *StorageBatch) SaveViolation(ctx context.Context, violation runtime.SLAViolation) error {
	stmt, args := saveViolationStmt(violation)
	b.queue(stmt, args, nil)
	return nil
}

func (b *StorageBatch) Flush(ctx context.Context) error {
	if b.batch.Len() == 0 {
		return nil
	}
	tx, err := b.db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, b.batch)
	var errs error
	for i := 0; i < b.batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if b.verify[i] != nil {
			errs = errors.Join(errs, b.verify[i](tag))
		}
	}
	errs = errors.Join(errs, results.Close())
	if errs != nil {
		return errs
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	b.batch = &pgx.Batch{}
	b.verify = b.verify[:0]
	return nil
}
