package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"loom/internal/execution"
	"loom/internal/model"
)

const maxSummaryLen = 200

// composePayload assembles the context a task carries to its worker: direct
// upstream outputs (nil for skipped edges), a nearest-first digest of every
// completed upstream node, workflow metadata and the node's file
// attachments.
func (e *Engine) composePayload(ctx context.Context, g *graph, execCtx *execution.Context, ni *model.NodeInstance, node model.Node) *model.ContextPayload {
	payload := &model.ContextPayload{
		ImmediateUpstream: e.upstreamOutputs(g, execCtx, ni),
		AllUpstream:       e.upstreamDigest(g, execCtx, ni),
		WorkflowMeta: model.WorkflowMeta{
			WorkflowInstanceID: g.instance.ID.String(),
			WorkflowBaseID:     g.instance.WorkflowBaseID.String(),
			InstanceName:       g.instance.Name,
			Executor:           g.instance.Executor,
			Input:              g.instance.Input,
		},
		NodeDescription: node.Description,
	}

	files, err := e.stores.Directory.ListFilesByNodeBase(ctx, node.BaseID)
	if err != nil {
		e.logger.Warn("engine: listing attachments for node %s failed: %v", node.Name, err)
	} else {
		payload.Attachments = files
	}
	return payload
}

// upstreamDigest walks the dependency graph upward breadth-first and
// summarizes every completed node, nearest first.
func (e *Engine) upstreamDigest(g *graph, execCtx *execution.Context, ni *model.NodeInstance) []model.UpstreamSummary {
	var digest []model.UpstreamSummary
	seen := map[uuid.UUID]struct{}{ni.ID: {}}
	frontier := execCtx.Upstream(ni.ID)
	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, id := range frontier {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			up, ok := g.byID[id]
			if !ok {
				continue
			}
			if execCtx.State(id) == execution.StateCompleted && up.Type != model.NodeTypeStart {
				digest = append(digest, model.UpstreamSummary{
					NodeName: up.Name,
					Summary:  summarize(execCtx.Output(id)),
				})
			}
			next = append(next, execCtx.Upstream(id)...)
		}
		frontier = next
	}
	return digest
}

// summarize renders a node output as a short human-readable line. An output
// carrying its own summary wins; otherwise the output is compacted to JSON
// and truncated.
func summarize(output map[string]any) string {
	if s, ok := output["summary"].(string); ok && s != "" {
		return s
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen]
	}
	return s
}
