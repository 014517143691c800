package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loom/internal/errors"
	"loom/internal/model"
)

const instanceColumns = `workflow_instance_id, workflow_id, workflow_base_id, name, executor, status,
    input, output, execution_context, node_dependencies, completed_nodes, execution_trace, instance_metadata,
    created_at, updated_at, started_at, completed_at, is_deleted`

func scanInstance(row pgx.Row) (*model.WorkflowInstance, error) {
	var (
		wi                                               model.WorkflowInstance
		input, output, execCtx, deps, done, trace, meta []byte
	)
	err := row.Scan(&wi.ID, &wi.WorkflowID, &wi.WorkflowBaseID, &wi.Name, &wi.Executor, &wi.Status,
		&input, &output, &execCtx, &deps, &done, &trace, &meta,
		&wi.CreatedAt, &wi.UpdatedAt, &wi.StartedAt, &wi.CompletedAt, &wi.IsDeleted)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(input, &wi.Input); err != nil {
		return nil, err
	}
	if err := decodeJSON(output, &wi.Output); err != nil {
		return nil, err
	}
	if err := decodeJSON(execCtx, &wi.ExecutionContext); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &wi.NodeDependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(done, &wi.CompletedNodes); err != nil {
		return nil, err
	}
	if err := decodeJSON(trace, &wi.ExecutionTrace); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &wi.Metadata); err != nil {
		return nil, err
	}
	return &wi, nil
}

func instanceJSONArgs(wi *model.WorkflowInstance) ([]any, error) {
	fields := []any{wi.Input, wi.Output, wi.ExecutionContext, wi.NodeDependencies,
		wi.CompletedNodes, wi.ExecutionTrace, wi.Metadata}
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		enc, err := encodeJSON(f)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// CreateInstance persists a workflow instance.
func (s *Store) CreateInstance(ctx context.Context, wi *model.WorkflowInstance) error {
	const op = "postgres.CreateInstance"

	if wi.CreatedAt.IsZero() {
		wi.CreatedAt = time.Now().UTC()
	}
	wi.UpdatedAt = wi.CreatedAt

	jsonArgs, err := instanceJSONArgs(wi)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	args := append([]any{wi.ID, wi.WorkflowID, wi.WorkflowBaseID, wi.Name, wi.Executor, wi.Status}, jsonArgs...)
	args = append(args, wi.CreatedAt, wi.UpdatedAt, wi.StartedAt, wi.CompletedAt)

	_, err = s.pool.Exec(ctx, `
INSERT INTO workflow_instances (workflow_instance_id, workflow_id, workflow_base_id, name, executor, status,
    input, output, execution_context, node_dependencies, completed_nodes, execution_trace, instance_metadata,
    created_at, updated_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`, args...)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetInstance returns a workflow instance by ID.
func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	const op = "postgres.GetInstance"

	row := s.pool.QueryRow(ctx, `
SELECT `+instanceColumns+` FROM workflow_instances
WHERE workflow_instance_id = $1 AND NOT is_deleted
`, id)
	wi, err := scanInstance(row)
	if err != nil {
		return nil, wrap(op, "workflow instance", err)
	}
	return wi, nil
}

// UpdateInstance replaces the mutable columns of the instance row.
func (s *Store) UpdateInstance(ctx context.Context, wi *model.WorkflowInstance) error {
	const op = "postgres.UpdateInstance"

	jsonArgs, err := instanceJSONArgs(wi)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	args := append([]any{wi.ID, wi.Name, wi.Status}, jsonArgs...)
	args = append(args, time.Now().UTC(), wi.StartedAt, wi.CompletedAt)

	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_instances SET
    name = $2, status = $3,
    input = $4, output = $5, execution_context = $6, node_dependencies = $7,
    completed_nodes = $8, execution_trace = $9, instance_metadata = $10,
    updated_at = $11, started_at = $12, completed_at = $13
WHERE workflow_instance_id = $1 AND NOT is_deleted
`, args...)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "workflow instance")
	}
	return nil
}

// ListStale returns non-deleted instances in the given statuses whose
// updated_at is older than cutoff.
func (s *Store) ListStale(ctx context.Context, statuses []model.InstanceStatus, cutoff time.Time) ([]*model.WorkflowInstance, error) {
	const op = "postgres.ListStale"

	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+instanceColumns+` FROM workflow_instances
WHERE status = ANY($1) AND updated_at < $2 AND NOT is_deleted
ORDER BY updated_at
`, raw, cutoff)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []*model.WorkflowInstance
	for rows.Next() {
		wi, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, wi)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}

// SoftDeleteCascade marks the instance and all dependents deleted and drops
// its snapshots and events.
func (s *Store) SoftDeleteCascade(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.SoftDeleteCascade"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Transient(op, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
UPDATE workflow_instances SET is_deleted = TRUE, updated_at = $2
WHERE workflow_instance_id = $1 AND NOT is_deleted
`, id, now)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "workflow instance")
	}

	statements := []string{
		`UPDATE node_instances SET is_deleted = TRUE, updated_at = $2 WHERE workflow_instance_id = $1`,
		`UPDATE task_instances SET is_deleted = TRUE, updated_at = $2 WHERE workflow_instance_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, id, now); err != nil {
			return errors.Transient(op, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM context_snapshots WHERE workflow_instance_id = $1`, id); err != nil {
		return errors.Transient(op, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM workflow_events WHERE workflow_instance_id = $1`, id); err != nil {
		return errors.Transient(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

const nodeInstanceColumns = `node_instance_id, workflow_instance_id, node_id, node_base_id, name, type, status,
    input_data, output_data, retry_count, failure_reason,
    created_at, updated_at, started_at, completed_at, is_deleted`

func scanNodeInstance(row pgx.Row) (*model.NodeInstance, error) {
	var (
		ni            model.NodeInstance
		input, output []byte
	)
	err := row.Scan(&ni.ID, &ni.WorkflowInstanceID, &ni.NodeID, &ni.NodeBaseID, &ni.Name, &ni.Type, &ni.Status,
		&input, &output, &ni.RetryCount, &ni.FailureReason,
		&ni.CreatedAt, &ni.UpdatedAt, &ni.StartedAt, &ni.CompletedAt, &ni.IsDeleted)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(input, &ni.InputData); err != nil {
		return nil, err
	}
	if err := decodeJSON(output, &ni.OutputData); err != nil {
		return nil, err
	}
	return &ni, nil
}

// CreateNodeInstances persists the fixed node instance set of an instance.
func (s *Store) CreateNodeInstances(ctx context.Context, nis []*model.NodeInstance) error {
	const op = "postgres.CreateNodeInstances"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Transient(op, err)
	}
	defer tx.Rollback(ctx)

	for _, ni := range nis {
		if ni.CreatedAt.IsZero() {
			ni.CreatedAt = time.Now().UTC()
		}
		input, err := encodeJSON(ni.InputData)
		if err != nil {
			return errors.E(op, errors.KindFatalInternal, err)
		}
		output, err := encodeJSON(ni.OutputData)
		if err != nil {
			return errors.E(op, errors.KindFatalInternal, err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO node_instances (node_instance_id, workflow_instance_id, node_id, node_base_id, name, type, status,
    input_data, output_data, retry_count, failure_reason, created_at, updated_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $13, $14)
`, ni.ID, ni.WorkflowInstanceID, ni.NodeID, ni.NodeBaseID, ni.Name, ni.Type, ni.Status,
			input, output, ni.RetryCount, ni.FailureReason, ni.CreatedAt, ni.StartedAt, ni.CompletedAt)
		if err != nil {
			return errors.Transient(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetNodeInstance returns a node instance by ID.
func (s *Store) GetNodeInstance(ctx context.Context, id uuid.UUID) (*model.NodeInstance, error) {
	const op = "postgres.GetNodeInstance"

	row := s.pool.QueryRow(ctx, `
SELECT `+nodeInstanceColumns+` FROM node_instances
WHERE node_instance_id = $1 AND NOT is_deleted
`, id)
	ni, err := scanNodeInstance(row)
	if err != nil {
		return nil, wrap(op, "node instance", err)
	}
	return ni, nil
}

// ListNodeInstances returns all node instances of a workflow instance in
// creation order.
func (s *Store) ListNodeInstances(ctx context.Context, instanceID uuid.UUID) ([]*model.NodeInstance, error) {
	const op = "postgres.ListNodeInstances"

	rows, err := s.pool.Query(ctx, `
SELECT `+nodeInstanceColumns+` FROM node_instances
WHERE workflow_instance_id = $1 AND NOT is_deleted
ORDER BY created_at, node_instance_id
`, instanceID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []*model.NodeInstance
	for rows.Next() {
		ni, err := scanNodeInstance(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, ni)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}

// UpdateNodeInstance replaces the mutable columns of the node instance row.
func (s *Store) UpdateNodeInstance(ctx context.Context, ni *model.NodeInstance) error {
	const op = "postgres.UpdateNodeInstance"

	input, err := encodeJSON(ni.InputData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	output, err := encodeJSON(ni.OutputData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE node_instances SET
    status = $2, input_data = $3, output_data = $4, retry_count = $5, failure_reason = $6,
    updated_at = $7, started_at = $8, completed_at = $9
WHERE node_instance_id = $1 AND NOT is_deleted
`, ni.ID, ni.Status, input, output, ni.RetryCount, ni.FailureReason,
		time.Now().UTC(), ni.StartedAt, ni.CompletedAt)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "node instance")
	}
	return nil
}
