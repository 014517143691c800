package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// PutUser inserts or replaces a user.
func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	const op = "postgres.PutUser"

	now := time.Now().UTC()
	created := u.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (user_id, name, group_ids, active, created_at, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
    name = EXCLUDED.name, group_ids = EXCLUDED.group_ids, active = EXCLUDED.active,
    updated_at = EXCLUDED.updated_at, is_deleted = EXCLUDED.is_deleted
`, u.ID, u.Name, u.GroupIDs, u.Active, created, now, u.IsDeleted)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	const op = "postgres.GetUser"

	var u model.User
	err := s.pool.QueryRow(ctx, `
SELECT user_id, name, group_ids, active, created_at, updated_at, is_deleted
FROM users WHERE user_id = $1 AND NOT is_deleted
`, id).Scan(&u.ID, &u.Name, &u.GroupIDs, &u.Active, &u.CreatedAt, &u.UpdatedAt, &u.IsDeleted)
	if err != nil {
		return nil, wrap(op, "user", err)
	}
	return &u, nil
}

// PutAgent inserts or replaces an agent.
func (s *Store) PutAgent(ctx context.Context, a *model.Agent) error {
	const op = "postgres.PutAgent"

	now := time.Now().UTC()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO agents (agent_id, name, endpoint, model, created_at, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (agent_id) DO UPDATE SET
    name = EXCLUDED.name, endpoint = EXCLUDED.endpoint, model = EXCLUDED.model,
    updated_at = EXCLUDED.updated_at, is_deleted = EXCLUDED.is_deleted
`, a.ID, a.Name, a.Endpoint, a.Model, created, now, a.IsDeleted)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	const op = "postgres.GetAgent"

	var a model.Agent
	err := s.pool.QueryRow(ctx, `
SELECT agent_id, name, endpoint, model, created_at, updated_at, is_deleted
FROM agents WHERE agent_id = $1 AND NOT is_deleted
`, id).Scan(&a.ID, &a.Name, &a.Endpoint, &a.Model, &a.CreatedAt, &a.UpdatedAt, &a.IsDeleted)
	if err != nil {
		return nil, wrap(op, "agent", err)
	}
	return &a, nil
}

// PutFile records a file association on a node base identity.
func (s *Store) PutFile(ctx context.Context, f *model.FileAssociation) error {
	const op = "postgres.PutFile"

	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO file_associations (file_id, node_base_id, file_name, uri, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
`, f.ID, f.NodeBaseID, f.FileName, f.URI, created)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// ListFilesByNodeBase returns the files attached to a node base identity.
func (s *Store) ListFilesByNodeBase(ctx context.Context, nodeBaseID uuid.UUID) ([]model.FileAssociation, error) {
	const op = "postgres.ListFilesByNodeBase"

	rows, err := s.pool.Query(ctx, `
SELECT file_id, node_base_id, file_name, uri, created_at, updated_at, is_deleted
FROM file_associations
WHERE node_base_id = $1 AND NOT is_deleted
ORDER BY created_at
`, nodeBaseID)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []model.FileAssociation
	for rows.Next() {
		var f model.FileAssociation
		if err := rows.Scan(&f.ID, &f.NodeBaseID, &f.FileName, &f.URI, &f.CreatedAt, &f.UpdatedAt, &f.IsDeleted); err != nil {
			return nil, errors.Transient(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}
