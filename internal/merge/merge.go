// Package merge flattens a tree of subdivision executions back into a single
// static workflow template: every selected subdivision's node is replaced by
// the body of its child workflow, recursively, and the result is persisted as
// a new template version parented under the root's base.
package merge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/model"
	"loom/internal/observability"
	"loom/internal/store"
)

// Service runs merge previews and executions.
type Service struct {
	stores store.Stores
	logger logging.Logger
	tracer *observability.TracerProvider
}

// NewService constructs the merge service.
func NewService(stores store.Stores, logger logging.Logger, tracer *observability.TracerProvider) *Service {
	return &Service{stores: stores, logger: logging.OrNop(logger), tracer: tracer}
}

// Stats summarizes one merge. Mapping records where each replaced-template
// node landed, keyed "originalNodeBaseID@subdivisionName" so repeated
// original IDs across subdivisions stay distinct.
type Stats struct {
	NodeCount       int                  `json:"node_count"`
	ConnectionCount int                  `json:"connection_count"`
	ReplacedNodes   int                  `json:"replaced_nodes"`
	Mapping         map[string]uuid.UUID `json:"mapping"`
}

// Result is a merged template plus its stats. PreviewMerge leaves the
// template unpersisted; ExecuteMerge persists it first.
type Result struct {
	Template *model.Template `json:"template"`
	Stats    Stats           `json:"stats"`
}

// PreviewMerge computes the merged template without persisting anything.
func (s *Service) PreviewMerge(ctx context.Context, rootInstanceID uuid.UUID, selections []uuid.UUID) (*Result, error) {
	tree, err := s.BuildTemplateTree(ctx, rootInstanceID)
	if err != nil {
		return nil, err
	}
	selected, err := selectionSet(tree, selections)
	if err != nil {
		return nil, err
	}
	name, err := s.mergedName(ctx, tree.Template.Workflow)
	if err != nil {
		return nil, err
	}
	return s.compute(tree, selected, name, "")
}

// ExecuteMerge computes and persists the merged template as a new base
// parented under the root template's base.
func (s *Service) ExecuteMerge(ctx context.Context, rootInstanceID uuid.UUID, selections []uuid.UUID, user string) (*Result, error) {
	ctx, span := s.tracer.StartSpan(ctx, "merge.ExecuteMerge",
		attribute.String("root_instance_id", rootInstanceID.String()),
		attribute.Int("selections", len(selections)))
	defer span.End()

	tree, err := s.BuildTemplateTree(ctx, rootInstanceID)
	if err != nil {
		return nil, err
	}
	selected, err := selectionSet(tree, selections)
	if err != nil {
		return nil, err
	}
	name, err := s.mergedName(ctx, tree.Template.Workflow)
	if err != nil {
		return nil, err
	}
	result, err := s.compute(tree, selected, name, user)
	if err != nil {
		return nil, err
	}
	if err := s.stores.Workflows.CreateTemplate(ctx, result.Template); err != nil {
		return nil, err
	}
	s.logMerged(ctx, rootInstanceID, result)
	return result, nil
}

func (s *Service) mergedName(ctx context.Context, root model.Workflow) (string, error) {
	n, err := s.stores.Workflows.CountByParentBase(ctx, root.BaseID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_merged_%d", root.Name, n+1), nil
}

// fragment is an expanded child workflow: its business nodes and internal
// connections under fresh identities, plus the bases downstream and upstream
// edges attach to.
type fragment struct {
	nodes   []model.Node
	conns   []model.NodeConnection
	entries []uuid.UUID
	exits   []uuid.UUID
}

// compute assembles the merged template. Expansion is depth-recursive, which
// realizes the deepest-first ordering: a nested selection is fully expanded
// before its enclosing child is spliced into the level above.
func (s *Service) compute(root *TreeNode, selected map[uuid.UUID]bool, name, user string) (*Result, error) {
	const op = "merge.compute"

	workflowID := uuid.New()
	rootBase := root.Template.Workflow.BaseID
	merged := &model.Template{
		Workflow: model.Workflow{
			ID:           workflowID,
			BaseID:       uuid.New(),
			Version:      1,
			Name:         name,
			Description:  root.Template.Workflow.Description,
			Status:       model.TemplateStatusPublished,
			ParentBaseID: &rootBase,
			CreatedBy:    user,
		},
	}
	stats := Stats{Mapping: make(map[string]uuid.UUID)}

	fragments := make(map[uuid.UUID]*fragment)
	for _, rep := range root.Replacements {
		if !selected[rep.SubdivisionID] {
			continue
		}
		if _, dup := fragments[rep.ReplacedNode.BaseID]; dup {
			return nil, errors.Validation(op, "node "+rep.ReplacedNode.Name+" is replaced by more than one selected subdivision")
		}
		frag, err := s.expand(rep, selected, workflowID, &stats)
		if err != nil {
			return nil, err
		}
		fragments[rep.ReplacedNode.BaseID] = frag
		stats.ReplacedNodes++
	}

	// Preserved nodes keep their shape under fresh identities.
	idMap := make(map[uuid.UUID]uuid.UUID)
	for _, n := range root.Template.Nodes {
		if _, replaced := fragments[n.BaseID]; replaced {
			continue
		}
		cp := copyNode(n, workflowID)
		idMap[n.BaseID] = cp.BaseID
		merged.Nodes = append(merged.Nodes, cp)
	}
	for _, frag := range fragments {
		merged.Nodes = append(merged.Nodes, frag.nodes...)
		merged.Connections = append(merged.Connections, frag.conns...)
	}

	// Root connections: copied between preserved endpoints, fanned out over
	// entry and exit points where an endpoint was replaced.
	var preservedPairs [][2]uuid.UUID
	for _, c := range root.Template.Connections {
		fromFrag, toFrag := fragments[c.FromNodeBaseID], fragments[c.ToNodeBaseID]
		switch {
		case fromFrag == nil && toFrag == nil:
			merged.Connections = append(merged.Connections, newConn(workflowID, idMap[c.FromNodeBaseID], idMap[c.ToNodeBaseID], c.ConditionConfig))
			preservedPairs = append(preservedPairs, [2]uuid.UUID{idMap[c.FromNodeBaseID], idMap[c.ToNodeBaseID]})
		case fromFrag == nil:
			for _, entry := range toFrag.entries {
				merged.Connections = append(merged.Connections, newConn(workflowID, idMap[c.FromNodeBaseID], entry, c.ConditionConfig))
			}
		case toFrag == nil:
			for _, exit := range fromFrag.exits {
				merged.Connections = append(merged.Connections, newConn(workflowID, exit, idMap[c.ToNodeBaseID], c.ConditionConfig))
			}
		default:
			for _, exit := range fromFrag.exits {
				for _, entry := range toFrag.entries {
					merged.Connections = append(merged.Connections, newConn(workflowID, exit, entry, c.ConditionConfig))
				}
			}
		}
	}

	if err := model.ValidateTemplate(merged); err != nil {
		return nil, err
	}
	if err := checkNoOrphans(merged); err != nil {
		return nil, err
	}
	if err := checkPreservedPaths(merged, preservedPairs); err != nil {
		return nil, err
	}

	stats.NodeCount = len(merged.Nodes)
	stats.ConnectionCount = len(merged.Connections)
	return &Result{Template: merged, Stats: stats}, nil
}

// expand turns one selected replacement into a fragment: the child's
// business nodes under fresh identities, nested selections expanded in turn,
// internal connections rewired across them, and the whole box translated to
// the replaced node's position.
func (s *Service) expand(rep *Replacement, selected map[uuid.UUID]bool, workflowID uuid.UUID, stats *Stats) (*fragment, error) {
	const op = "merge.expand"

	tpl := rep.Child.Template
	start, ok := tpl.StartNode()
	if !ok {
		return nil, errors.Validation(op, "child template "+tpl.Workflow.Name+" has no start node")
	}
	endSet := make(map[uuid.UUID]bool)
	for _, e := range tpl.EndNodes() {
		endSet[e.BaseID] = true
	}

	nested := make(map[uuid.UUID]*Replacement)
	for _, inner := range rep.Child.Replacements {
		if selected[inner.SubdivisionID] {
			if _, dup := nested[inner.ReplacedNode.BaseID]; dup {
				return nil, errors.Validation(op, "node "+inner.ReplacedNode.Name+" is replaced by more than one selected subdivision")
			}
			nested[inner.ReplacedNode.BaseID] = inner
		}
	}

	frag := &fragment{}
	localMap := make(map[uuid.UUID]uuid.UUID)
	nestedFrags := make(map[uuid.UUID]*fragment)
	for _, n := range tpl.Nodes {
		if n.BaseID == start.BaseID || endSet[n.BaseID] {
			continue
		}
		if inner := nested[n.BaseID]; inner != nil {
			sub, err := s.expand(inner, selected, workflowID, stats)
			if err != nil {
				return nil, err
			}
			nestedFrags[n.BaseID] = sub
			frag.nodes = append(frag.nodes, sub.nodes...)
			frag.conns = append(frag.conns, sub.conns...)
			continue
		}
		cp := copyNode(n, workflowID)
		cp.Type = model.NodeTypeProcessor
		localMap[n.BaseID] = cp.BaseID
		frag.nodes = append(frag.nodes, cp)
		stats.Mapping[n.BaseID.String()+"@"+rep.SubdivisionName] = cp.BaseID
	}
	if len(frag.nodes) == 0 {
		return nil, errors.Validation(op, "child template "+tpl.Workflow.Name+" has no business nodes to splice in")
	}

	entriesOf := func(base uuid.UUID) []uuid.UUID {
		if sub := nestedFrags[base]; sub != nil {
			return sub.entries
		}
		if mapped, ok := localMap[base]; ok {
			return []uuid.UUID{mapped}
		}
		return nil
	}
	exitsOf := func(base uuid.UUID) []uuid.UUID {
		if sub := nestedFrags[base]; sub != nil {
			return sub.exits
		}
		if mapped, ok := localMap[base]; ok {
			return []uuid.UUID{mapped}
		}
		return nil
	}

	for _, c := range tpl.Connections {
		fromStart := c.FromNodeBaseID == start.BaseID
		toEnd := endSet[c.ToNodeBaseID]
		switch {
		case fromStart && toEnd:
			// A start-to-end shortcut has no business body to splice.
		case fromStart:
			frag.entries = appendUnique(frag.entries, entriesOf(c.ToNodeBaseID)...)
		case toEnd:
			frag.exits = appendUnique(frag.exits, exitsOf(c.FromNodeBaseID)...)
		default:
			for _, from := range exitsOf(c.FromNodeBaseID) {
				for _, to := range entriesOf(c.ToNodeBaseID) {
					frag.conns = append(frag.conns, newConn(workflowID, from, to, c.ConditionConfig))
				}
			}
		}
	}
	if len(frag.entries) == 0 || len(frag.exits) == 0 {
		return nil, errors.Validation(op, "child template "+tpl.Workflow.Name+" has no usable entry or exit points")
	}

	translate(frag.nodes, rep.ReplacedNode.X, rep.ReplacedNode.Y)
	return frag, nil
}

func copyNode(n model.Node, workflowID uuid.UUID) model.Node {
	return model.Node{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		BaseID:      uuid.New(),
		Version:     1,
		Name:        n.Name,
		Type:        n.Type,
		Description: n.Description,
		X:           n.X,
		Y:           n.Y,
	}
}

func newConn(workflowID, from, to uuid.UUID, condition string) model.NodeConnection {
	return model.NodeConnection{
		ID:              uuid.New(),
		WorkflowID:      workflowID,
		FromNodeBaseID:  from,
		ToNodeBaseID:    to,
		ConditionConfig: condition,
	}
}

// translate shifts the nodes so their bounding-box center lands on (x, y).
func translate(nodes []model.Node, x, y float64) {
	if len(nodes) == 0 {
		return
	}
	minX, maxX := nodes[0].X, nodes[0].X
	minY, maxY := nodes[0].Y, nodes[0].Y
	for _, n := range nodes[1:] {
		minX, maxX = min(minX, n.X), max(maxX, n.X)
		minY, maxY = min(minY, n.Y), max(maxY, n.Y)
	}
	dx := x - (minX+maxX)/2
	dy := y - (minY+maxY)/2
	for i := range nodes {
		nodes[i].X += dx
		nodes[i].Y += dy
	}
}

func appendUnique(dst []uuid.UUID, ids ...uuid.UUID) []uuid.UUID {
	for _, id := range ids {
		seen := false
		for _, have := range dst {
			if have == id {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, id)
		}
	}
	return dst
}

// checkNoOrphans rejects a merged template containing a node that no
// connection touches.
func checkNoOrphans(t *model.Template) error {
	const op = "merge.checkNoOrphans"

	if len(t.Nodes) == 1 {
		return nil
	}
	touched := make(map[uuid.UUID]bool)
	for _, c := range t.Connections {
		touched[c.FromNodeBaseID] = true
		touched[c.ToNodeBaseID] = true
	}
	for _, n := range t.Nodes {
		if !touched[n.BaseID] {
			return errors.Validation(op, "merged template orphans node "+n.Name)
		}
	}
	return nil
}

// checkPreservedPaths verifies that every preserved root adjacency survives
// as a path in the merged template.
func checkPreservedPaths(t *model.Template, pairs [][2]uuid.UUID) error {
	const op = "merge.checkPreservedPaths"

	adjacency := make(map[uuid.UUID][]uuid.UUID)
	for _, c := range t.Connections {
		adjacency[c.FromNodeBaseID] = append(adjacency[c.FromNodeBaseID], c.ToNodeBaseID)
	}
	for _, pair := range pairs {
		if !reachable(adjacency, pair[0], pair[1]) {
			return errors.Validation(op, "merged template breaks a preserved adjacency")
		}
	}
	return nil
}

func reachable(adjacency map[uuid.UUID][]uuid.UUID, from, to uuid.UUID) bool {
	seen := map[uuid.UUID]bool{from: true}
	queue := []uuid.UUID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range adjacency[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (s *Service) logMerged(ctx context.Context, rootInstanceID uuid.UUID, result *Result) {
	err := s.stores.Events.AppendEvent(ctx, &model.WorkflowEvent{
		ID:                 uuid.New(),
		WorkflowInstanceID: rootInstanceID,
		Type:               model.EventTemplateMerged,
		Payload: map[string]any{
			"merged_workflow_base_id": result.Template.Workflow.BaseID.String(),
			"merged_name":             result.Template.Workflow.Name,
			"node_count":              result.Stats.NodeCount,
			"connection_count":        result.Stats.ConnectionCount,
		},
	})
	if err != nil {
		s.logger.Warn("merge: appending merge event for %s failed: %v", rootInstanceID, err)
	}
}
