package model

import (
	"github.com/google/uuid"

	"loom/internal/errors"
)

// ValidateTemplate checks the structural invariants enforced at publish
// time: exactly one start node, at least one end node, connection endpoints
// resolving to template nodes, and an acyclic connection graph. The engine
// assumes acyclicity at run time.
func ValidateTemplate(t *Template) error {
	const op = "model.ValidateTemplate"

	if len(t.Nodes) == 0 {
		return errors.Validation(op, "template has no nodes")
	}

	starts, ends := 0, 0
	byBase := make(map[uuid.UUID]Node, len(t.Nodes))
	for _, n := range t.Nodes {
		if _, dup := byBase[n.BaseID]; dup {
			return errors.Validationf(op, "duplicate node base id %s", n.BaseID)
		}
		byBase[n.BaseID] = n
		switch n.Type {
		case NodeTypeStart:
			starts++
		case NodeTypeEnd:
			ends++
		case NodeTypeProcessor:
		default:
			return errors.Validationf(op, "node %q has unknown type %q", n.Name, n.Type)
		}
	}
	if starts != 1 {
		return errors.Validationf(op, "template must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		return errors.Validation(op, "template must have at least one end node")
	}

	adjacency := make(map[uuid.UUID][]uuid.UUID)
	for _, c := range t.Connections {
		if _, ok := byBase[c.FromNodeBaseID]; !ok {
			return errors.Validationf(op, "connection source %s is not a template node", c.FromNodeBaseID)
		}
		if _, ok := byBase[c.ToNodeBaseID]; !ok {
			return errors.Validationf(op, "connection sink %s is not a template node", c.ToNodeBaseID)
		}
		adjacency[c.FromNodeBaseID] = append(adjacency[c.FromNodeBaseID], c.ToNodeBaseID)
	}

	if HasCycle(adjacency) {
		return errors.Validation(op, "connection graph contains a cycle")
	}
	return nil
}

// HasCycle reports whether the directed adjacency map contains a cycle.
func HasCycle(adjacency map[uuid.UUID][]uuid.UUID) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[uuid.UUID]int)

	var visit func(id uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, next := range adjacency[id] {
			if visit(next) {
				return true
			}
		}
		state[id] = done
		return false
	}

	for id := range adjacency {
		if visit(id) {
			return true
		}
	}
	return false
}
