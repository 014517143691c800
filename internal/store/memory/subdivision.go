package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// CreateSubdivision persists a subdivision record.
func (s *Store) CreateSubdivision(_ context.Context, sd *model.TaskSubdivision) error {
	const op = "memory.CreateSubdivision"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subdivisions[sd.ID]; exists {
		return errors.Conflict(op, "subdivision already exists")
	}
	cp := *sd
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.subdivisions[cp.ID] = cp
	return nil
}

// GetSubdivision returns a subdivision by ID.
func (s *Store) GetSubdivision(_ context.Context, id uuid.UUID) (*model.TaskSubdivision, error) {
	const op = "memory.GetSubdivision"

	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.subdivisions[id]
	if !ok || sd.IsDeleted {
		return nil, errors.NotFound(op, "subdivision")
	}
	out := sd
	return &out, nil
}

// UpdateSubdivision replaces the stored subdivision row.
func (s *Store) UpdateSubdivision(_ context.Context, sd *model.TaskSubdivision) error {
	const op = "memory.UpdateSubdivision"

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.subdivisions[sd.ID]
	if !ok || prev.IsDeleted {
		return errors.NotFound(op, "subdivision")
	}
	cp := *sd
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = now()
	s.subdivisions[cp.ID] = cp
	return nil
}

// FindActiveSubdivision returns the non-terminal subdivision for the
// idempotency triple.
func (s *Store) FindActiveSubdivision(_ context.Context, taskID uuid.UUID, subdividerID, name string) (*model.TaskSubdivision, error) {
	const op = "memory.FindActiveSubdivision"

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := range s.subdivisions {
		sd := s.subdivisions[id]
		if sd.IsDeleted || sd.Status.Terminal() {
			continue
		}
		if sd.OriginalTaskID == taskID && sd.SubdividerID == subdividerID && sd.Name == name {
			out := sd
			return &out, nil
		}
	}
	return nil, errors.NotFound(op, "subdivision")
}

// ListSubdivisionsByInstance returns subdivisions whose original task belongs
// to the given workflow instance, oldest first.
func (s *Store) ListSubdivisionsByInstance(_ context.Context, instanceID uuid.UUID) ([]*model.TaskSubdivision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TaskSubdivision
	for id := range s.subdivisions {
		sd := s.subdivisions[id]
		if sd.IsDeleted {
			continue
		}
		t, ok := s.tasks[sd.OriginalTaskID]
		if !ok || t.WorkflowInstanceID != instanceID {
			continue
		}
		cp := sd
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
