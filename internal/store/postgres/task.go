package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loom/internal/errors"
	"loom/internal/model"
)

const taskColumns = `task_instance_id, node_instance_id, workflow_instance_id, title, description, kind, status,
    processor_id, assigned_user_id, agent_id, context_data, output_data, result_summary, note, failure_reason,
    retry_count, max_retries, created_at, updated_at, started_at, completed_at, is_deleted`

func scanTask(row pgx.Row) (*model.TaskInstance, error) {
	var (
		t               model.TaskInstance
		ctxData, output []byte
		processorID     *uuid.UUID
	)
	err := row.Scan(&t.ID, &t.NodeInstanceID, &t.WorkflowInstanceID, &t.Title, &t.Description, &t.Kind, &t.Status,
		&processorID, &t.AssignedUserID, &t.AgentID, &ctxData, &output, &t.ResultSummary, &t.Note, &t.FailureReason,
		&t.RetryCount, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.IsDeleted)
	if err != nil {
		return nil, err
	}
	if processorID != nil {
		t.ProcessorID = *processorID
	}
	if err := decodeJSON(ctxData, &t.ContextData); err != nil {
		return nil, err
	}
	if err := decodeJSON(output, &t.OutputData); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask persists a task instance.
func (s *Store) CreateTask(ctx context.Context, t *model.TaskInstance) error {
	const op = "postgres.CreateTask"

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	contextData, err := encodeJSON(t.ContextData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	output, err := encodeJSON(t.OutputData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	var processorID *uuid.UUID
	if t.ProcessorID != uuid.Nil {
		processorID = &t.ProcessorID
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO task_instances (task_instance_id, node_instance_id, workflow_instance_id, title, description, kind, status,
    processor_id, assigned_user_id, agent_id, context_data, output_data, result_summary, note, failure_reason,
    retry_count, max_retries, created_at, updated_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18, $19, $20)
`, t.ID, t.NodeInstanceID, t.WorkflowInstanceID, t.Title, t.Description, t.Kind, t.Status,
		processorID, t.AssignedUserID, t.AgentID, contextData, output, t.ResultSummary, t.Note, t.FailureReason,
		t.RetryCount, t.MaxRetries, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetTask returns a task instance by ID.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*model.TaskInstance, error) {
	const op = "postgres.GetTask"

	row := s.pool.QueryRow(ctx, `
SELECT `+taskColumns+` FROM task_instances
WHERE task_instance_id = $1 AND NOT is_deleted
`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, wrap(op, "task instance", err)
	}
	return t, nil
}

// UpdateTask replaces the mutable columns of the task row.
func (s *Store) UpdateTask(ctx context.Context, t *model.TaskInstance) error {
	const op = "postgres.UpdateTask"

	contextData, err := encodeJSON(t.ContextData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	output, err := encodeJSON(t.OutputData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE task_instances SET
    status = $2, assigned_user_id = $3, agent_id = $4, context_data = $5, output_data = $6,
    result_summary = $7, note = $8, failure_reason = $9, retry_count = $10,
    updated_at = $11, started_at = $12, completed_at = $13
WHERE task_instance_id = $1 AND NOT is_deleted
`, t.ID, t.Status, t.AssignedUserID, t.AgentID, contextData, output,
		t.ResultSummary, t.Note, t.FailureReason, t.RetryCount,
		time.Now().UTC(), t.StartedAt, t.CompletedAt)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "task instance")
	}
	return nil
}

// DeleteTask removes the task row outright.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.DeleteTask"

	tag, err := s.pool.Exec(ctx, `DELETE FROM task_instances WHERE task_instance_id = $1`, id)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "task instance")
	}
	return nil
}

func (s *Store) listTasks(ctx context.Context, op, query string, args ...any) ([]*model.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}

// ListTasksByNodeInstance returns the tasks attached to a node instance.
func (s *Store) ListTasksByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*model.TaskInstance, error) {
	const op = "postgres.ListTasksByNodeInstance"
	return s.listTasks(ctx, op, `
SELECT `+taskColumns+` FROM task_instances
WHERE node_instance_id = $1 AND NOT is_deleted
ORDER BY created_at DESC
`, nodeInstanceID)
}

// ListTasksByInstance returns all tasks of a workflow instance.
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]*model.TaskInstance, error) {
	const op = "postgres.ListTasksByInstance"
	return s.listTasks(ctx, op, `
SELECT `+taskColumns+` FROM task_instances
WHERE workflow_instance_id = $1 AND NOT is_deleted
ORDER BY created_at DESC
`, instanceID)
}

// ListTasksByUser serves the human task inbox, newest first.
func (s *Store) ListTasksByUser(ctx context.Context, userID string, status *model.TaskStatus, limit int) ([]*model.TaskInstance, error) {
	const op = "postgres.ListTasksByUser"

	query := `
SELECT ` + taskColumns + ` FROM task_instances
WHERE assigned_user_id = $1 AND NOT is_deleted
`
	args := []any{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	return s.listTasks(ctx, op, query, args...)
}
