package engine

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/model"
)

// TaskFlow is the full read model of one workflow instance for UI
// consumption: the instance, its node instances in creation order and every
// task grouped under its node.
type TaskFlow struct {
	Instance     *model.WorkflowInstance  `json:"instance"`
	Nodes        []NodeTaskFlow           `json:"nodes"`
	Subdivisions []*model.TaskSubdivision `json:"subdivisions,omitempty"`
}

// NodeTaskFlow pairs one node instance with its tasks.
type NodeTaskFlow struct {
	Node  *model.NodeInstance   `json:"node"`
	Tasks []*model.TaskInstance `json:"tasks,omitempty"`
}

// GetWorkflowTaskFlow assembles the read model. Reads take the repositories
// directly; no instance lock is held.
func (e *Engine) GetWorkflowTaskFlow(ctx context.Context, instanceID uuid.UUID) (*TaskFlow, error) {
	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.stores.Tasks.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	subdivisions, err := e.stores.Subdivisions.ListSubdivisionsByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	byNode := make(map[uuid.UUID][]*model.TaskInstance)
	for _, t := range tasks {
		byNode[t.NodeInstanceID] = append(byNode[t.NodeInstanceID], t)
	}
	flow := &TaskFlow{Instance: instance, Subdivisions: subdivisions}
	for _, ni := range nodes {
		flow.Nodes = append(flow.Nodes, NodeTaskFlow{Node: ni, Tasks: byNode[ni.ID]})
	}
	return flow, nil
}
