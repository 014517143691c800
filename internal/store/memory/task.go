package memory

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

func cloneTask(t model.TaskInstance) model.TaskInstance {
	t.ContextData = cloneMap(t.ContextData)
	t.OutputData = cloneMap(t.OutputData)
	return t
}

// CreateTask persists a task instance.
func (s *Store) CreateTask(_ context.Context, t *model.TaskInstance) error {
	const op = "memory.CreateTask"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return errors.Conflict(op, "task instance already exists")
	}
	cp := cloneTask(*t)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[cp.ID] = cp
	return nil
}

// GetTask returns a task instance by ID.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*model.TaskInstance, error) {
	const op = "memory.GetTask"

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.IsDeleted {
		return nil, errors.NotFound(op, "task instance")
	}
	out := cloneTask(t)
	return &out, nil
}

// UpdateTask replaces the stored task row.
func (s *Store) UpdateTask(_ context.Context, t *model.TaskInstance) error {
	const op = "memory.UpdateTask"

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[t.ID]
	if !ok || prev.IsDeleted {
		return errors.NotFound(op, "task instance")
	}
	cp := cloneTask(*t)
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = now()
	s.tasks[cp.ID] = cp
	return nil
}

// DeleteTask removes the task row outright.
func (s *Store) DeleteTask(_ context.Context, id uuid.UUID) error {
	const op = "memory.DeleteTask"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return errors.NotFound(op, "task instance")
	}
	delete(s.tasks, id)
	return nil
}

// ListTasksByNodeInstance returns the tasks attached to a node instance.
func (s *Store) ListTasksByNodeInstance(_ context.Context, nodeInstanceID uuid.UUID) ([]*model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TaskInstance
	for id := range s.tasks {
		t := s.tasks[id]
		if t.IsDeleted || t.NodeInstanceID != nodeInstanceID {
			continue
		}
		cp := cloneTask(t)
		out = append(out, &cp)
	}
	sortTasksNewestFirst(out)
	return out, nil
}

// ListTasksByInstance returns all tasks of a workflow instance.
func (s *Store) ListTasksByInstance(_ context.Context, instanceID uuid.UUID) ([]*model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TaskInstance
	for id := range s.tasks {
		t := s.tasks[id]
		if t.IsDeleted || t.WorkflowInstanceID != instanceID {
			continue
		}
		cp := cloneTask(t)
		out = append(out, &cp)
	}
	sortTasksNewestFirst(out)
	return out, nil
}

// ListTasksByUser serves the human task inbox, newest first.
func (s *Store) ListTasksByUser(_ context.Context, userID string, status *model.TaskStatus, limit int) ([]*model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TaskInstance
	for id := range s.tasks {
		t := s.tasks[id]
		if t.IsDeleted || t.AssignedUserID != userID {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		cp := cloneTask(t)
		out = append(out, &cp)
	}
	sortTasksNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
