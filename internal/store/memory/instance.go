package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

func cloneInstance(wi model.WorkflowInstance) model.WorkflowInstance {
	wi.Input = cloneMap(wi.Input)
	wi.Output = cloneMap(wi.Output)
	wi.ExecutionContext = cloneMap(wi.ExecutionContext)
	wi.Metadata = cloneMap(wi.Metadata)
	wi.CompletedNodes = cloneStringSlice(wi.CompletedNodes)
	wi.ExecutionTrace = cloneStringSlice(wi.ExecutionTrace)
	if wi.NodeDependencies != nil {
		deps := make(map[string][]string, len(wi.NodeDependencies))
		for k, v := range wi.NodeDependencies {
			deps[k] = cloneStringSlice(v)
		}
		wi.NodeDependencies = deps
	}
	return wi
}

func cloneNodeInstance(ni model.NodeInstance) model.NodeInstance {
	ni.InputData = cloneMap(ni.InputData)
	ni.OutputData = cloneMap(ni.OutputData)
	return ni
}

// CreateInstance persists a workflow instance.
func (s *Store) CreateInstance(_ context.Context, wi *model.WorkflowInstance) error {
	const op = "memory.CreateInstance"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[wi.ID]; exists {
		return errors.Conflict(op, "workflow instance already exists")
	}
	cp := cloneInstance(*wi)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.instances[cp.ID] = cp
	return nil
}

// GetInstance returns a workflow instance by ID.
func (s *Store) GetInstance(_ context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	const op = "memory.GetInstance"

	s.mu.RLock()
	defer s.mu.RUnlock()

	wi, ok := s.instances[id]
	if !ok || wi.IsDeleted {
		return nil, errors.NotFound(op, "workflow instance")
	}
	out := cloneInstance(wi)
	return &out, nil
}

// UpdateInstance replaces the stored instance row.
func (s *Store) UpdateInstance(_ context.Context, wi *model.WorkflowInstance) error {
	const op = "memory.UpdateInstance"

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.instances[wi.ID]
	if !ok || prev.IsDeleted {
		return errors.NotFound(op, "workflow instance")
	}
	cp := cloneInstance(*wi)
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = now()
	s.instances[cp.ID] = cp
	return nil
}

// ListStale returns non-deleted instances in the given statuses whose
// updated_at is older than cutoff.
func (s *Store) ListStale(_ context.Context, statuses []model.InstanceStatus, cutoff time.Time) ([]*model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[model.InstanceStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*model.WorkflowInstance
	for id := range s.instances {
		wi := s.instances[id]
		if wi.IsDeleted || !wanted[wi.Status] || !wi.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := cloneInstance(wi)
		out = append(out, &cp)
	}
	return out, nil
}

// SoftDeleteCascade marks the instance and all dependents deleted.
func (s *Store) SoftDeleteCascade(_ context.Context, id uuid.UUID) error {
	const op = "memory.SoftDeleteCascade"

	s.mu.Lock()
	defer s.mu.Unlock()

	wi, ok := s.instances[id]
	if !ok || wi.IsDeleted {
		return errors.NotFound(op, "workflow instance")
	}
	wi.IsDeleted = true
	wi.UpdatedAt = now()
	s.instances[id] = wi

	for nid, ni := range s.nodeInstances {
		if ni.WorkflowInstanceID == id {
			ni.IsDeleted = true
			s.nodeInstances[nid] = ni
		}
	}
	for tid, t := range s.tasks {
		if t.WorkflowInstanceID == id {
			t.IsDeleted = true
			s.tasks[tid] = t
		}
	}
	delete(s.snapshots, id)
	delete(s.events, id)
	return nil
}

// CreateNodeInstances persists the fixed node instance set of an instance.
func (s *Store) CreateNodeInstances(_ context.Context, nis []*model.NodeInstance) error {
	const op = "memory.CreateNodeInstances"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ni := range nis {
		if _, exists := s.nodeInstances[ni.ID]; exists {
			return errors.Conflict(op, "node instance already exists")
		}
	}
	for _, ni := range nis {
		cp := cloneNodeInstance(*ni)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now()
		}
		cp.UpdatedAt = cp.CreatedAt
		s.nodeInstances[cp.ID] = cp
	}
	return nil
}

// GetNodeInstance returns a node instance by ID.
func (s *Store) GetNodeInstance(_ context.Context, id uuid.UUID) (*model.NodeInstance, error) {
	const op = "memory.GetNodeInstance"

	s.mu.RLock()
	defer s.mu.RUnlock()

	ni, ok := s.nodeInstances[id]
	if !ok || ni.IsDeleted {
		return nil, errors.NotFound(op, "node instance")
	}
	out := cloneNodeInstance(ni)
	return &out, nil
}

// ListNodeInstances returns all node instances of a workflow instance in
// creation order.
func (s *Store) ListNodeInstances(_ context.Context, instanceID uuid.UUID) ([]*model.NodeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NodeInstance
	for id := range s.nodeInstances {
		ni := s.nodeInstances[id]
		if ni.IsDeleted || ni.WorkflowInstanceID != instanceID {
			continue
		}
		cp := cloneNodeInstance(ni)
		out = append(out, &cp)
	}
	sortNodeInstances(out)
	return out, nil
}

// UpdateNodeInstance replaces the stored node instance row.
func (s *Store) UpdateNodeInstance(_ context.Context, ni *model.NodeInstance) error {
	const op = "memory.UpdateNodeInstance"

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.nodeInstances[ni.ID]
	if !ok || prev.IsDeleted {
		return errors.NotFound(op, "node instance")
	}
	cp := cloneNodeInstance(*ni)
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = now()
	s.nodeInstances[cp.ID] = cp
	return nil
}
