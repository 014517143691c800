package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loom/internal/errors"
	"loom/internal/model"
)

// CreateTemplate persists one template version with nodes and connections in
// a single transaction.
func (s *Store) CreateTemplate(ctx context.Context, t *model.Template) error {
	const op = "postgres.CreateTemplate"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Transient(op, err)
	}
	defer tx.Rollback(ctx)

	wf := t.Workflow
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	wf.UpdatedAt = wf.CreatedAt

	_, err = tx.Exec(ctx, `
INSERT INTO workflows (workflow_id, workflow_base_id, version, name, description, status, parent_base_id, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, wf.ID, wf.BaseID, wf.Version, wf.Name, wf.Description, wf.Status, wf.ParentBaseID, wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return errors.Transient(op, err)
	}

	for _, n := range t.Nodes {
		created := n.CreatedAt
		if created.IsZero() {
			created = wf.CreatedAt
		}
		_, err = tx.Exec(ctx, `
INSERT INTO nodes (node_id, workflow_id, node_base_id, version, name, type, description, pos_x, pos_y, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, n.ID, wf.ID, n.BaseID, n.Version, n.Name, n.Type, n.Description, n.X, n.Y, created, created)
		if err != nil {
			return errors.Transient(op, err)
		}
	}

	for _, c := range t.Connections {
		created := c.CreatedAt
		if created.IsZero() {
			created = wf.CreatedAt
		}
		_, err = tx.Exec(ctx, `
INSERT INTO node_connections (connection_id, workflow_id, from_node_base_id, to_node_base_id, condition_config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, c.ID, wf.ID, c.FromNodeBaseID, c.ToNodeBaseID, c.ConditionConfig, created, created)
		if err != nil {
			return errors.Transient(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

const workflowColumns = `workflow_id, workflow_base_id, version, name, description, status, parent_base_id, created_by, created_at, updated_at, is_deleted`

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var wf model.Workflow
	err := row.Scan(&wf.ID, &wf.BaseID, &wf.Version, &wf.Name, &wf.Description, &wf.Status,
		&wf.ParentBaseID, &wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt, &wf.IsDeleted)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow returns one template version's metadata.
func (s *Store) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error) {
	const op = "postgres.GetWorkflow"

	row := s.pool.QueryRow(ctx, `
SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1 AND NOT is_deleted
`, workflowID)
	wf, err := scanWorkflow(row)
	if err != nil {
		return nil, wrap(op, "workflow", err)
	}
	return wf, nil
}

// GetTemplate loads one version with nodes and connections.
func (s *Store) GetTemplate(ctx context.Context, workflowID uuid.UUID) (*model.Template, error) {
	const op = "postgres.GetTemplate"

	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return s.loadTemplate(ctx, op, *wf)
}

// LatestTemplateByBase loads the newest version of a base.
func (s *Store) LatestTemplateByBase(ctx context.Context, baseID uuid.UUID) (*model.Template, error) {
	const op = "postgres.LatestTemplateByBase"

	row := s.pool.QueryRow(ctx, `
SELECT `+workflowColumns+` FROM workflows
WHERE workflow_base_id = $1 AND NOT is_deleted
ORDER BY version DESC
LIMIT 1
`, baseID)
	wf, err := scanWorkflow(row)
	if err != nil {
		return nil, wrap(op, "workflow", err)
	}
	return s.loadTemplate(ctx, op, *wf)
}

func (s *Store) loadTemplate(ctx context.Context, op string, wf model.Workflow) (*model.Template, error) {
	t := &model.Template{Workflow: wf}

	rows, err := s.pool.Query(ctx, `
SELECT node_id, workflow_id, node_base_id, version, name, type, description, pos_x, pos_y, created_at, updated_at, is_deleted
FROM nodes WHERE workflow_id = $1 AND NOT is_deleted
ORDER BY created_at, node_id
`, wf.ID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.BaseID, &n.Version, &n.Name, &n.Type,
			&n.Description, &n.X, &n.Y, &n.CreatedAt, &n.UpdatedAt, &n.IsDeleted); err != nil {
			return nil, errors.Transient(op, err)
		}
		t.Nodes = append(t.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	rows.Close()

	rows, err = s.pool.Query(ctx, `
SELECT connection_id, workflow_id, from_node_base_id, to_node_base_id, condition_config, created_at, updated_at, is_deleted
FROM node_connections WHERE workflow_id = $1 AND NOT is_deleted
ORDER BY created_at, connection_id
`, wf.ID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.NodeConnection
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.FromNodeBaseID, &c.ToNodeBaseID,
			&c.ConditionConfig, &c.CreatedAt, &c.UpdatedAt, &c.IsDeleted); err != nil {
			return nil, errors.Transient(op, err)
		}
		t.Connections = append(t.Connections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return t, nil
}

// CountByParentBase counts template bases parented under baseID.
func (s *Store) CountByParentBase(ctx context.Context, baseID uuid.UUID) (int, error) {
	const op = "postgres.CountByParentBase"

	var count int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(DISTINCT workflow_base_id) FROM workflows
WHERE parent_base_id = $1 AND NOT is_deleted
`, baseID).Scan(&count)
	if err != nil {
		return 0, errors.Transient(op, err)
	}
	return count, nil
}

// CreateProcessor persists a processor.
func (s *Store) CreateProcessor(ctx context.Context, p *model.Processor) error {
	const op = "postgres.CreateProcessor"

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO processors (processor_id, kind, name, user_id, agent_id, group_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
`, p.ID, p.Kind, p.Name, p.UserID, p.AgentID, p.GroupID, created)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetProcessor returns a processor by ID.
func (s *Store) GetProcessor(ctx context.Context, id uuid.UUID) (*model.Processor, error) {
	const op = "postgres.GetProcessor"

	var p model.Processor
	err := s.pool.QueryRow(ctx, `
SELECT processor_id, kind, name, user_id, agent_id, group_id, created_at, updated_at, is_deleted
FROM processors WHERE processor_id = $1 AND NOT is_deleted
`, id).Scan(&p.ID, &p.Kind, &p.Name, &p.UserID, &p.AgentID, &p.GroupID, &p.CreatedAt, &p.UpdatedAt, &p.IsDeleted)
	if err != nil {
		return nil, wrap(op, "processor", err)
	}
	return &p, nil
}

// BindProcessor links a processor to a node base identity.
func (s *Store) BindProcessor(ctx context.Context, binding *model.NodeProcessor) error {
	const op = "postgres.BindProcessor"

	created := binding.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO node_processors (id, node_base_id, processor_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
`, binding.ID, binding.NodeBaseID, binding.ProcessorID, created)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// ListBindings returns the processors bound to a node base identity.
func (s *Store) ListBindings(ctx context.Context, nodeBaseID uuid.UUID) ([]model.Processor, error) {
	const op = "postgres.ListBindings"

	rows, err := s.pool.Query(ctx, `
SELECT p.processor_id, p.kind, p.name, p.user_id, p.agent_id, p.group_id, p.created_at, p.updated_at, p.is_deleted
FROM node_processors np
JOIN processors p ON p.processor_id = np.processor_id
WHERE np.node_base_id = $1 AND NOT np.is_deleted AND NOT p.is_deleted
ORDER BY np.created_at
`, nodeBaseID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []model.Processor
	for rows.Next() {
		var p model.Processor
		if err := rows.Scan(&p.ID, &p.Kind, &p.Name, &p.UserID, &p.AgentID, &p.GroupID,
			&p.CreatedAt, &p.UpdatedAt, &p.IsDeleted); err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}
