package memory

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// CreateTemplate persists one template version with nodes and connections.
func (s *Store) CreateTemplate(_ context.Context, t *model.Template) error {
	const op = "memory.CreateTemplate"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[t.Workflow.ID]; exists {
		return errors.Conflict(op, "workflow version already exists")
	}

	wf := t.Workflow
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now()
	}
	wf.UpdatedAt = wf.CreatedAt
	s.workflows[wf.ID] = wf

	nodes := make([]model.Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	s.nodes[wf.ID] = nodes

	conns := make([]model.NodeConnection, len(t.Connections))
	copy(conns, t.Connections)
	s.connections[wf.ID] = conns

	return nil
}

// GetWorkflow returns one template version's metadata.
func (s *Store) GetWorkflow(_ context.Context, workflowID uuid.UUID) (*model.Workflow, error) {
	const op = "memory.GetWorkflow"

	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok || wf.IsDeleted {
		return nil, errors.NotFound(op, "workflow")
	}
	out := wf
	return &out, nil
}

// GetTemplate loads one version with nodes and connections.
func (s *Store) GetTemplate(_ context.Context, workflowID uuid.UUID) (*model.Template, error) {
	const op = "memory.GetTemplate"

	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok || wf.IsDeleted {
		return nil, errors.NotFound(op, "workflow")
	}
	return s.templateLocked(wf), nil
}

// LatestTemplateByBase loads the newest version of a base.
func (s *Store) LatestTemplateByBase(_ context.Context, baseID uuid.UUID) (*model.Template, error) {
	const op = "memory.LatestTemplateByBase"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Workflow
	for id := range s.workflows {
		wf := s.workflows[id]
		if wf.IsDeleted || wf.BaseID != baseID {
			continue
		}
		if latest == nil || wf.Version > latest.Version {
			copied := wf
			latest = &copied
		}
	}
	if latest == nil {
		return nil, errors.NotFound(op, "workflow")
	}
	return s.templateLocked(*latest), nil
}

// CountByParentBase counts template bases parented under baseID.
func (s *Store) CountByParentBase(_ context.Context, baseID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	for _, wf := range s.workflows {
		if wf.IsDeleted || wf.ParentBaseID == nil || *wf.ParentBaseID != baseID {
			continue
		}
		seen[wf.BaseID] = true
	}
	return len(seen), nil
}

func (s *Store) templateLocked(wf model.Workflow) *model.Template {
	nodes := make([]model.Node, len(s.nodes[wf.ID]))
	copy(nodes, s.nodes[wf.ID])
	conns := make([]model.NodeConnection, len(s.connections[wf.ID]))
	copy(conns, s.connections[wf.ID])
	return &model.Template{Workflow: wf, Nodes: nodes, Connections: conns}
}

// CreateProcessor persists a processor.
func (s *Store) CreateProcessor(_ context.Context, p *model.Processor) error {
	const op = "memory.CreateProcessor"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processors[p.ID]; exists {
		return errors.Conflict(op, "processor already exists")
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.processors[cp.ID] = cp
	return nil
}

// GetProcessor returns a processor by ID.
func (s *Store) GetProcessor(_ context.Context, id uuid.UUID) (*model.Processor, error) {
	const op = "memory.GetProcessor"

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.processors[id]
	if !ok || p.IsDeleted {
		return nil, errors.NotFound(op, "processor")
	}
	out := p
	return &out, nil
}

// BindProcessor links a processor to a node base identity.
func (s *Store) BindProcessor(_ context.Context, binding *model.NodeProcessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *binding
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now()
	}
	b.UpdatedAt = b.CreatedAt
	s.bindings = append(s.bindings, b)
	return nil
}

// ListBindings returns the processors bound to a node base identity.
func (s *Store) ListBindings(_ context.Context, nodeBaseID uuid.UUID) ([]model.Processor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Processor
	for _, b := range s.bindings {
		if b.IsDeleted || b.NodeBaseID != nodeBaseID {
			continue
		}
		if p, ok := s.processors[b.ProcessorID]; ok && !p.IsDeleted {
			out = append(out, p)
		}
	}
	return out, nil
}
