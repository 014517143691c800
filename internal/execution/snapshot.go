package execution

import (
	"time"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// Snapshot is a deep-cloned copy of a context's observable state, suitable
// for RestoreFromSnapshot and for persistence as a model.ContextSnapshot.
// The dispatched set is part of the snapshot so a restore does not replay
// already-dispatched nodes within the same context lifetime.
type Snapshot struct {
	InstanceID      uuid.UUID
	Initialized     bool
	Upstream        map[uuid.UUID][]uuid.UUID
	States          map[uuid.UUID]NodeState
	Outputs         map[uuid.UUID]map[string]any
	PendingTriggers []uuid.UUID
	Dispatched      []uuid.UUID
}

// Snapshot deep-clones the current state.
func (c *Context) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Snapshot{
		InstanceID:  c.instanceID,
		Initialized: c.initialized,
		Upstream:    make(map[uuid.UUID][]uuid.UUID, len(c.upstream)),
		States:      make(map[uuid.UUID]NodeState, len(c.states)),
		Outputs:     make(map[uuid.UUID]map[string]any, len(c.outputs)),
	}
	for node, ups := range c.upstream {
		cp := make([]uuid.UUID, len(ups))
		copy(cp, ups)
		s.Upstream[node] = cp
	}
	for node, st := range c.states {
		s.States[node] = st
	}
	for node, out := range c.outputs {
		s.Outputs[node] = deepCloneMap(out)
	}
	s.PendingTriggers = append([]uuid.UUID(nil), c.pendingTriggers...)
	for node := range c.dispatched {
		s.Dispatched = append(s.Dispatched, node)
	}
	return s
}

// RestoreFromSnapshot replaces the context's state with the snapshot's.
func (c *Context) RestoreFromSnapshot(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = s.Initialized
	c.lastTouched = time.Now()
	c.upstream = make(map[uuid.UUID][]uuid.UUID, len(s.Upstream))
	c.remaining = make(map[uuid.UUID]map[uuid.UUID]struct{}, len(s.Upstream))
	c.successors = make(map[uuid.UUID][]uuid.UUID)
	c.states = make(map[uuid.UUID]NodeState, len(s.States))
	c.outputs = make(map[uuid.UUID]map[string]any, len(s.Outputs))
	c.completed = make(map[uuid.UUID]struct{})
	c.executing = make(map[uuid.UUID]struct{})
	c.dispatched = make(map[uuid.UUID]struct{}, len(s.Dispatched))
	c.readySince = make(map[uuid.UUID]time.Time)
	c.pendingTriggers = append([]uuid.UUID(nil), s.PendingTriggers...)

	for node, st := range s.States {
		c.states[node] = st
		switch st {
		case StateCompleted:
			c.completed[node] = struct{}{}
		case StateExecuting:
			c.executing[node] = struct{}{}
		case StateReady:
			c.readySince[node] = time.Now()
		}
	}
	for node, ups := range s.Upstream {
		cp := make([]uuid.UUID, len(ups))
		copy(cp, ups)
		c.upstream[node] = cp
		rem := make(map[uuid.UUID]struct{})
		for _, up := range ups {
			c.successors[up] = append(c.successors[up], node)
			if c.states[up] != StateCompleted {
				rem[up] = struct{}{}
			}
		}
		c.remaining[node] = rem
	}
	for node, out := range s.Outputs {
		c.outputs[node] = deepCloneMap(out)
	}
	for _, node := range s.Dispatched {
		c.dispatched[node] = struct{}{}
	}
}

// ToModel converts the snapshot into its persisted representation.
func (s *Snapshot) ToModel(executionState string) *model.ContextSnapshot {
	states := make(map[string]string, len(s.States))
	for node, st := range s.States {
		states[node.String()] = string(st)
	}
	outputs := make(map[string]any, len(s.Outputs))
	for node, out := range s.Outputs {
		outputs[node.String()] = deepCloneMap(out)
	}
	deps := make(map[string]any, len(s.Upstream))
	for node, ups := range s.Upstream {
		ids := make([]any, len(ups))
		for i, up := range ups {
			ids[i] = up.String()
		}
		deps[node.String()] = ids
	}
	triggers := make([]any, len(s.PendingTriggers))
	for i, node := range s.PendingTriggers {
		triggers[i] = node.String()
	}
	dispatched := make([]any, len(s.Dispatched))
	for i, node := range s.Dispatched {
		dispatched[i] = node.String()
	}
	return &model.ContextSnapshot{
		ID:                 uuid.New(),
		WorkflowInstanceID: s.InstanceID,
		ExecutionState:     executionState,
		NodeStates:         states,
		ContextData: map[string]any{
			"node_outputs":      outputs,
			"node_dependencies": deps,
			"pending_triggers":  triggers,
			"dispatched":        dispatched,
		},
	}
}

// SnapshotFromModel rebuilds an in-memory snapshot from its persisted form.
// JSON round-trips lose the map key typing, so IDs are re-parsed.
func SnapshotFromModel(m *model.ContextSnapshot) (*Snapshot, error) {
	const op = "execution.SnapshotFromModel"

	s := &Snapshot{
		InstanceID:  m.WorkflowInstanceID,
		Initialized: true,
		Upstream:    make(map[uuid.UUID][]uuid.UUID),
		States:      make(map[uuid.UUID]NodeState),
		Outputs:     make(map[uuid.UUID]map[string]any),
	}
	for raw, st := range m.NodeStates {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Fatal(op, err)
		}
		s.States[id] = NodeState(st)
	}
	if outputs, ok := m.ContextData["node_outputs"].(map[string]any); ok {
		for raw, v := range outputs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, errors.Fatal(op, err)
			}
			if out, ok := v.(map[string]any); ok {
				s.Outputs[id] = out
			}
		}
	}
	if deps, ok := m.ContextData["node_dependencies"].(map[string]any); ok {
		for raw, v := range deps {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, errors.Fatal(op, err)
			}
			ups, err := parseIDList(op, v)
			if err != nil {
				return nil, err
			}
			s.Upstream[id] = ups
		}
	}
	var err error
	if s.PendingTriggers, err = parseIDList(op, m.ContextData["pending_triggers"]); err != nil {
		return nil, err
	}
	if s.Dispatched, err = parseIDList(op, m.ContextData["dispatched"]); err != nil {
		return nil, err
	}
	return s, nil
}

func parseIDList(op string, v any) ([]uuid.UUID, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(list))
	for _, item := range list {
		raw, ok := item.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Fatal(op, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCloneMap(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					cp[i] = deepCloneMap(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
