package memory

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// PutUser inserts or replaces a user.
func (s *Store) PutUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	cp.GroupIDs = cloneStringSlice(cp.GroupIDs)
	if prev, ok := s.users[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = now()
	s.users[cp.ID] = cp
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	const op = "memory.GetUser"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok || u.IsDeleted {
		return nil, errors.NotFound(op, "user")
	}
	out := u
	out.GroupIDs = cloneStringSlice(out.GroupIDs)
	return &out, nil
}

// PutAgent inserts or replaces an agent.
func (s *Store) PutAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if prev, ok := s.agents[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = now()
	s.agents[cp.ID] = cp
	return nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	const op = "memory.GetAgent"

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok || a.IsDeleted {
		return nil, errors.NotFound(op, "agent")
	}
	out := a
	return &out, nil
}

// PutFile records a file association on a node base identity.
func (s *Store) PutFile(_ context.Context, f *model.FileAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.files[cp.NodeBaseID] = append(s.files[cp.NodeBaseID], cp)
	return nil
}

// ListFilesByNodeBase returns the files attached to a node base identity.
func (s *Store) ListFilesByNodeBase(_ context.Context, nodeBaseID uuid.UUID) ([]model.FileAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FileAssociation
	for _, f := range s.files[nodeBaseID] {
		if f.IsDeleted {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
