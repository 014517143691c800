package engine

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/execution"
	"loom/internal/model"
)

// graph is the per-operation working set for one workflow instance: the
// instance row, its template and its node instances, indexed the ways the
// engine navigates them.
type graph struct {
	instance *model.WorkflowInstance
	template *model.Template

	nodes        []*model.NodeInstance
	byID         map[uuid.UUID]*model.NodeInstance
	byBase       map[uuid.UUID]*model.NodeInstance
	templateNode map[uuid.UUID]model.Node
	// inbound indexes connections by sink node base ID.
	inbound map[uuid.UUID][]model.NodeConnection
}

// loadGraph reads the instance, template and node instances for one
// operation. Rows are re-read per operation rather than cached; the
// per-instance lock keeps them consistent for its duration.
func (e *Engine) loadGraph(ctx context.Context, instanceID uuid.UUID) (*graph, error) {
	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	template, err := e.stores.Workflows.GetTemplate(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	g := &graph{
		instance:     instance,
		template:     template,
		nodes:        nodes,
		byID:         make(map[uuid.UUID]*model.NodeInstance, len(nodes)),
		byBase:       make(map[uuid.UUID]*model.NodeInstance, len(nodes)),
		templateNode: make(map[uuid.UUID]model.Node, len(template.Nodes)),
		inbound:      make(map[uuid.UUID][]model.NodeConnection),
	}
	for _, ni := range nodes {
		g.byID[ni.ID] = ni
		g.byBase[ni.NodeBaseID] = ni
	}
	for _, n := range template.Nodes {
		g.templateNode[n.BaseID] = n
	}
	for _, c := range template.Connections {
		g.inbound[c.ToNodeBaseID] = append(g.inbound[c.ToNodeBaseID], c)
	}
	return g, nil
}

// connectionInto returns the connection from the source base into the sink
// base, if the template has one.
func (g *graph) connectionInto(fromBase, toBase uuid.UUID) (model.NodeConnection, bool) {
	for _, c := range g.inbound[toBase] {
		if c.FromNodeBaseID == fromBase {
			return c, true
		}
	}
	return model.NodeConnection{}, false
}

// upstreamOutputs maps the names of a node's direct upstream nodes to their
// outputs. An edge whose condition evaluates false contributes a nil entry:
// the dependency counts as satisfied but produced no downstream input.
func (e *Engine) upstreamOutputs(g *graph, execCtx *execution.Context, ni *model.NodeInstance) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, upID := range execCtx.Upstream(ni.ID) {
		up, ok := g.byID[upID]
		if !ok {
			continue
		}
		name := up.Name
		if n, ok := g.templateNode[up.NodeBaseID]; ok {
			name = n.Name
		}
		output := execCtx.Output(upID)
		if conn, ok := g.connectionInto(up.NodeBaseID, ni.NodeBaseID); ok && conn.Conditional() {
			if !e.conditions.Evaluate(conn.ConditionConfig, output) {
				out[name] = nil
				continue
			}
		}
		out[name] = output
	}
	return out
}

// collateUpstream flattens upstream outputs into one map keyed by upstream
// node name, skipping nil (skipped-edge) entries. Used for end-node outputs.
func (e *Engine) collateUpstream(g *graph, execCtx *execution.Context, ni *model.NodeInstance) map[string]any {
	collated := make(map[string]any)
	for name, output := range e.upstreamOutputs(g, execCtx, ni) {
		if output == nil {
			continue
		}
		collated[name] = output
	}
	return collated
}
