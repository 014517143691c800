// Package postgres implements the store contracts on PostgreSQL via pgx.
// Execution-context maps and task payloads are stored as JSONB; every table
// carries is_deleted for soft deletion.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/errors"
	"loom/internal/store"
)

const defaultSnapshotRetention = 10

// Config tunes the Postgres store.
type Config struct {
	// DSN is the pgx connection string.
	DSN string `mapstructure:"dsn"`
	// SnapshotRetention caps snapshots kept per instance (default 10).
	SnapshotRetention int `mapstructure:"snapshot_retention"`
}

// Store is the Postgres-backed implementation of every store contract.
type Store struct {
	pool      *pgxpool.Pool
	retention int
}

// New constructs a store over an existing pool.
func New(pool *pgxpool.Pool, cfg Config) *Store {
	retention := cfg.SnapshotRetention
	if retention <= 0 {
		retention = defaultSnapshotRetention
	}
	return &Store{pool: pool, retention: retention}
}

// Connect opens a pool and constructs a store over it.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	const op = "postgres.Connect"

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Transient(op, err)
	}
	return New(pool, cfg), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Stores returns the store bundled for injection.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Workflows:     s,
		Processors:    s,
		Instances:     s,
		NodeInstances: s,
		Tasks:         s,
		Subdivisions:  s,
		Snapshots:     s,
		Events:        s,
		Directory:     s,
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const op = "postgres.EnsureSchema"

	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
    workflow_id UUID PRIMARY KEY,
    workflow_base_id UUID NOT NULL,
    version INT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    parent_base_id UUID,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (workflow_base_id, version)
);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_base ON workflows (workflow_base_id, version DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_parent ON workflows (parent_base_id) WHERE parent_base_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS nodes (
    node_id UUID PRIMARY KEY,
    workflow_id UUID NOT NULL REFERENCES workflows (workflow_id),
    node_base_id UUID NOT NULL,
    version INT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    pos_x DOUBLE PRECISION NOT NULL DEFAULT 0,
    pos_y DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_workflow ON nodes (workflow_id);`,
		`CREATE TABLE IF NOT EXISTS node_connections (
    connection_id UUID PRIMARY KEY,
    workflow_id UUID NOT NULL REFERENCES workflows (workflow_id),
    from_node_base_id UUID NOT NULL,
    to_node_base_id UUID NOT NULL,
    condition_config TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_connections_workflow ON node_connections (workflow_id);`,
		`CREATE TABLE IF NOT EXISTS processors (
    processor_id UUID PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    group_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS node_processors (
    id UUID PRIMARY KEY,
    node_base_id UUID NOT NULL,
    processor_id UUID NOT NULL REFERENCES processors (processor_id),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_node_processors_node ON node_processors (node_base_id);`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
    workflow_instance_id UUID PRIMARY KEY,
    workflow_id UUID NOT NULL REFERENCES workflows (workflow_id),
    workflow_base_id UUID NOT NULL,
    name TEXT NOT NULL,
    executor TEXT NOT NULL,
    status TEXT NOT NULL,
    input JSONB,
    output JSONB,
    execution_context JSONB,
    node_dependencies JSONB,
    completed_nodes JSONB,
    execution_trace JSONB,
    instance_metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances (status, updated_at) WHERE NOT is_deleted;`,
		`CREATE TABLE IF NOT EXISTS node_instances (
    node_instance_id UUID PRIMARY KEY,
    workflow_instance_id UUID NOT NULL REFERENCES workflow_instances (workflow_instance_id),
    node_id UUID NOT NULL,
    node_base_id UUID NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    input_data JSONB,
    output_data JSONB,
    retry_count INT NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_node_instances_instance ON node_instances (workflow_instance_id);`,
		`CREATE TABLE IF NOT EXISTS task_instances (
    task_instance_id UUID PRIMARY KEY,
    node_instance_id UUID NOT NULL,
    workflow_instance_id UUID NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    processor_id UUID,
    assigned_user_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    context_data JSONB,
    output_data JSONB,
    result_summary TEXT NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON task_instances (assigned_user_id, created_at DESC) WHERE NOT is_deleted;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_node_instance ON task_instances (node_instance_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_instance ON task_instances (workflow_instance_id);`,
		`CREATE TABLE IF NOT EXISTS task_subdivisions (
    subdivision_id UUID PRIMARY KEY,
    original_task_id UUID NOT NULL,
    subdivider_id TEXT NOT NULL,
    subdivision_name TEXT NOT NULL,
    sub_workflow_base_id UUID NOT NULL,
    sub_workflow_instance_id UUID,
    parent_subdivision_id UUID,
    context_passed TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_subdivisions_task ON task_subdivisions (original_task_id);`,
		`CREATE TABLE IF NOT EXISTS context_snapshots (
    snapshot_id UUID PRIMARY KEY,
    workflow_instance_id UUID NOT NULL,
    execution_state TEXT NOT NULL,
    context_data JSONB,
    node_states JSONB,
    sequence_number BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (workflow_instance_id, sequence_number)
);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
    event_id UUID PRIMARY KEY,
    workflow_instance_id UUID NOT NULL,
    type TEXT NOT NULL,
    node_instance_id UUID,
    task_instance_id UUID,
    payload JSONB,
    seq BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (workflow_instance_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    group_ids TEXT[] NOT NULL DEFAULT '{}',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    endpoint TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS file_associations (
    file_id UUID PRIMARY KEY,
    node_base_id UUID NOT NULL,
    file_name TEXT NOT NULL,
    uri TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE INDEX IF NOT EXISTS idx_files_node ON file_associations (node_base_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Transient(op, err)
		}
	}
	return nil
}

// encodeJSON marshals a JSONB column value, keeping nil as SQL NULL.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	case map[string][]string:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}

// decodeJSON unmarshals a JSONB column into dst, treating NULL as absent.
func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// prefixed qualifies each column of a comma-separated column list with a
// table alias for use in joins.
func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// wrap classifies a pgx error under op: no rows becomes not_found on the
// named entity, everything else is treated as transient IO.
func wrap(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound(op, entity)
	}
	return errors.Transient(op, err)
}
