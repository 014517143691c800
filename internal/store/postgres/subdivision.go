package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loom/internal/errors"
	"loom/internal/model"
)

const subdivisionColumns = `subdivision_id, original_task_id, subdivider_id, subdivision_name,
    sub_workflow_base_id, sub_workflow_instance_id, parent_subdivision_id, context_passed, status,
    created_at, updated_at, is_deleted`

func scanSubdivision(row pgx.Row) (*model.TaskSubdivision, error) {
	var sd model.TaskSubdivision
	err := row.Scan(&sd.ID, &sd.OriginalTaskID, &sd.SubdividerID, &sd.Name,
		&sd.SubWorkflowBaseID, &sd.SubWorkflowInstanceID, &sd.ParentSubdivisionID, &sd.ContextPassed, &sd.Status,
		&sd.CreatedAt, &sd.UpdatedAt, &sd.IsDeleted)
	if err != nil {
		return nil, err
	}
	return &sd, nil
}

// CreateSubdivision persists a subdivision record.
func (s *Store) CreateSubdivision(ctx context.Context, sd *model.TaskSubdivision) error {
	const op = "postgres.CreateSubdivision"

	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO task_subdivisions (subdivision_id, original_task_id, subdivider_id, subdivision_name,
    sub_workflow_base_id, sub_workflow_instance_id, parent_subdivision_id, context_passed, status,
    created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
`, sd.ID, sd.OriginalTaskID, sd.SubdividerID, sd.Name,
		sd.SubWorkflowBaseID, sd.SubWorkflowInstanceID, sd.ParentSubdivisionID, sd.ContextPassed, sd.Status,
		sd.CreatedAt)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetSubdivision returns a subdivision by ID.
func (s *Store) GetSubdivision(ctx context.Context, id uuid.UUID) (*model.TaskSubdivision, error) {
	const op = "postgres.GetSubdivision"

	row := s.pool.QueryRow(ctx, `
SELECT `+subdivisionColumns+` FROM task_subdivisions
WHERE subdivision_id = $1 AND NOT is_deleted
`, id)
	sd, err := scanSubdivision(row)
	if err != nil {
		return nil, wrap(op, "subdivision", err)
	}
	return sd, nil
}

// UpdateSubdivision replaces the mutable columns of the subdivision row.
func (s *Store) UpdateSubdivision(ctx context.Context, sd *model.TaskSubdivision) error {
	const op = "postgres.UpdateSubdivision"

	tag, err := s.pool.Exec(ctx, `
UPDATE task_subdivisions SET
    sub_workflow_instance_id = $2, context_passed = $3, status = $4, updated_at = $5
WHERE subdivision_id = $1 AND NOT is_deleted
`, sd.ID, sd.SubWorkflowInstanceID, sd.ContextPassed, sd.Status, time.Now().UTC())
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "subdivision")
	}
	return nil
}

// FindActiveSubdivision returns the non-terminal subdivision for the
// idempotency triple.
func (s *Store) FindActiveSubdivision(ctx context.Context, taskID uuid.UUID, subdividerID, name string) (*model.TaskSubdivision, error) {
	const op = "postgres.FindActiveSubdivision"

	row := s.pool.QueryRow(ctx, `
SELECT `+subdivisionColumns+` FROM task_subdivisions
WHERE original_task_id = $1 AND subdivider_id = $2 AND subdivision_name = $3
  AND status NOT IN ('completed', 'failed') AND NOT is_deleted
ORDER BY created_at DESC
LIMIT 1
`, taskID, subdividerID, name)
	sd, err := scanSubdivision(row)
	if err != nil {
		return nil, wrap(op, "subdivision", err)
	}
	return sd, nil
}

// ListSubdivisionsByInstance returns subdivisions whose original task belongs
// to the given workflow instance, oldest first.
func (s *Store) ListSubdivisionsByInstance(ctx context.Context, instanceID uuid.UUID) ([]*model.TaskSubdivision, error) {
	const op = "postgres.ListSubdivisionsByInstance"

	rows, err := s.pool.Query(ctx, `
SELECT `+prefixed(subdivisionColumns, "sd.")+`
FROM task_subdivisions sd
JOIN task_instances t ON t.task_instance_id = sd.original_task_id
WHERE t.workflow_instance_id = $1 AND NOT sd.is_deleted
ORDER BY sd.created_at
`, instanceID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []*model.TaskSubdivision
	for rows.Next() {
		sd, err := scanSubdivision(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}
