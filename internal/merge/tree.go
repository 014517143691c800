package merge

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// TreeNode is one template in a subdivision tree. The root holds the
// template of the root workflow instance; each replacement hangs a child
// template off the parent node it stands in for.
type TreeNode struct {
	Template     *model.Template
	InstanceID   uuid.UUID
	Replacements []*Replacement
}

// Replacement is one edge of the tree: a subdivision that replaced a node of
// the parent template with a child workflow.
type Replacement struct {
	SubdivisionID   uuid.UUID
	SubdivisionName string
	// ReplacedNode is the parent-template node the child stands in for; its
	// position centers the expanded child during merge.
	ReplacedNode model.Node
	Child        *TreeNode
}

// BuildTemplateTree walks the recorded subdivisions of an execution and
// assembles the template tree the merge operates on. The merge itself never
// touches the subdivision table again.
func (s *Service) BuildTemplateTree(ctx context.Context, rootInstanceID uuid.UUID) (*TreeNode, error) {
	const op = "merge.BuildTemplateTree"

	visited := make(map[uuid.UUID]bool)

	var build func(instanceID uuid.UUID) (*TreeNode, error)
	build = func(instanceID uuid.UUID) (*TreeNode, error) {
		if visited[instanceID] {
			return nil, errors.Validation(op, "subdivision tree revisits instance "+instanceID.String())
		}
		visited[instanceID] = true

		instance, err := s.stores.Instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		template, err := s.stores.Workflows.GetTemplate(ctx, instance.WorkflowID)
		if err != nil {
			return nil, err
		}
		node := &TreeNode{Template: template, InstanceID: instanceID}

		subs, err := s.stores.Subdivisions.ListSubdivisionsByInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			if sub.SubWorkflowInstanceID == nil {
				continue
			}
			task, err := s.stores.Tasks.GetTask(ctx, sub.OriginalTaskID)
			if err != nil {
				return nil, err
			}
			ni, err := s.stores.NodeInstances.GetNodeInstance(ctx, task.NodeInstanceID)
			if err != nil {
				return nil, err
			}
			replaced, ok := template.NodeByBaseID(ni.NodeBaseID)
			if !ok {
				s.logger.Warn("merge: subdivision %s references node base %s absent from template %s", sub.ID, ni.NodeBaseID, template.Workflow.ID)
				continue
			}
			child, err := build(*sub.SubWorkflowInstanceID)
			if err != nil {
				return nil, err
			}
			node.Replacements = append(node.Replacements, &Replacement{
				SubdivisionID:   sub.ID,
				SubdivisionName: sub.Name,
				ReplacedNode:    replaced,
				Child:           child,
			})
		}
		return node, nil
	}

	return build(rootInstanceID)
}

// selectionSet resolves the requested subdivision IDs against the tree and
// closes the set over ancestors: a nested selection only makes sense if the
// chain above it is expanded too.
func selectionSet(root *TreeNode, selections []uuid.UUID) (map[uuid.UUID]bool, error) {
	const op = "merge.selectionSet"

	requested := make(map[uuid.UUID]bool, len(selections))
	for _, id := range selections {
		requested[id] = true
	}
	if len(requested) == 0 {
		return nil, errors.Validation(op, "no subdivisions selected")
	}

	selected := make(map[uuid.UUID]bool)
	found := make(map[uuid.UUID]bool)

	var walk func(node *TreeNode, chain []uuid.UUID)
	walk = func(node *TreeNode, chain []uuid.UUID) {
		for _, rep := range node.Replacements {
			if requested[rep.SubdivisionID] {
				found[rep.SubdivisionID] = true
				for _, ancestor := range chain {
					selected[ancestor] = true
				}
				selected[rep.SubdivisionID] = true
			}
			walk(rep.Child, append(chain, rep.SubdivisionID))
		}
	}
	walk(root, nil)

	for id := range requested {
		if !found[id] {
			return nil, errors.Validation(op, "subdivision "+id.String()+" is not part of this execution's tree")
		}
	}
	return selected, nil
}
