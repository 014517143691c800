package memory

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// SaveSnapshot assigns the next per-instance sequence number, stores the
// snapshot and prunes beyond the retention bound.
func (s *Store) SaveSnapshot(_ context.Context, snap *model.ContextSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instanceID := snap.WorkflowInstanceID
	s.snapSeqs[instanceID]++

	cp := *snap
	cp.Seq = s.snapSeqs[instanceID]
	cp.ContextData = cloneMap(cp.ContextData)
	if cp.NodeStates != nil {
		states := make(map[string]string, len(cp.NodeStates))
		for k, v := range cp.NodeStates {
			states[k] = v
		}
		cp.NodeStates = states
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	snap.Seq = cp.Seq

	snaps := append(s.snapshots[instanceID], cp)
	if len(snaps) > s.retention {
		snaps = snaps[len(snaps)-s.retention:]
	}
	s.snapshots[instanceID] = snaps
	return nil
}

// LatestSnapshot returns the newest snapshot of an instance.
func (s *Store) LatestSnapshot(_ context.Context, instanceID uuid.UUID) (*model.ContextSnapshot, error) {
	const op = "memory.LatestSnapshot"

	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[instanceID]
	if len(snaps) == 0 {
		return nil, errors.NotFound(op, "context snapshot")
	}
	out := snaps[len(snaps)-1]
	out.ContextData = cloneMap(out.ContextData)
	return &out, nil
}

// AppendEvent assigns the next per-instance sequence number and persists the
// event.
func (s *Store) AppendEvent(_ context.Context, e *model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instanceID := e.WorkflowInstanceID
	s.seqs[instanceID]++

	cp := *e
	cp.Seq = s.seqs[instanceID]
	cp.Payload = cloneMap(cp.Payload)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now()
	}
	e.Seq = cp.Seq

	s.events[instanceID] = append(s.events[instanceID], cp)
	return nil
}

// ListEvents returns events with Seq > afterSeq in sequence order.
func (s *Store) ListEvents(_ context.Context, instanceID uuid.UUID, afterSeq int64) ([]*model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WorkflowEvent
	for _, e := range s.events[instanceID] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := e
		cp.Payload = cloneMap(cp.Payload)
		out = append(out, &cp)
	}
	return out, nil
}
