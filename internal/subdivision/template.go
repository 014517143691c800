package subdivision

import (
	"github.com/google/uuid"

	"loom/internal/errors"
	"loom/internal/model"
)

// TemplateDefinition is an inline sub-workflow description supplied with a
// subdivision request instead of an existing template base.
type TemplateDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Nodes       []NodeDefinition       `json:"nodes"`
	Connections []ConnectionDefinition `json:"connections"`
}

// NodeDefinition describes one node of an inline template. Names double as
// connection endpoints and must be unique within the definition.
type NodeDefinition struct {
	Name         string         `json:"name"`
	Type         model.NodeType `json:"type"`
	Description  string         `json:"description,omitempty"`
	X            float64        `json:"x"`
	Y            float64        `json:"y"`
	ProcessorIDs []uuid.UUID    `json:"processor_ids,omitempty"`
}

// ConnectionDefinition is a directed edge between two nodes by name.
type ConnectionDefinition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

func (d *TemplateDefinition) node(name string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i]
		}
	}
	return nil
}

// buildTemplate materializes an inline definition as a version-1 published
// template. ContextToPass is appended to the start node's description so the
// passed context survives in the child template itself, not just in the
// instance input.
func (s *Service) buildTemplate(def *TemplateDefinition, contextToPass, createdBy string) (*model.Template, error) {
	const op = "subdivision.buildTemplate"

	if def.Name == "" {
		return nil, errors.Validation(op, "an inline template needs a name")
	}
	workflowID := uuid.New()
	template := &model.Template{
		Workflow: model.Workflow{
			ID:          workflowID,
			BaseID:      uuid.New(),
			Version:     1,
			Name:        def.Name,
			Description: def.Description,
			Status:      model.TemplateStatusPublished,
			CreatedBy:   createdBy,
		},
	}

	byName := make(map[string]uuid.UUID, len(def.Nodes))
	for _, nd := range def.Nodes {
		if nd.Name == "" {
			return nil, errors.Validation(op, "every node needs a name")
		}
		if _, dup := byName[nd.Name]; dup {
			return nil, errors.Validation(op, "duplicate node name "+nd.Name)
		}
		desc := nd.Description
		if nd.Type == model.NodeTypeStart && contextToPass != "" {
			if desc != "" {
				desc += "\n\n"
			}
			desc += "Context from parent task: " + contextToPass
		}
		node := model.Node{
			ID:          uuid.New(),
			WorkflowID:  workflowID,
			BaseID:      uuid.New(),
			Version:     1,
			Name:        nd.Name,
			Type:        nd.Type,
			Description: desc,
			X:           nd.X,
			Y:           nd.Y,
		}
		byName[nd.Name] = node.BaseID
		template.Nodes = append(template.Nodes, node)
	}

	for _, cd := range def.Connections {
		from, ok := byName[cd.From]
		if !ok {
			return nil, errors.Validation(op, "connection references unknown node "+cd.From)
		}
		to, ok := byName[cd.To]
		if !ok {
			return nil, errors.Validation(op, "connection references unknown node "+cd.To)
		}
		if cd.Condition != "" {
			if err := s.conditions.Validate(cd.Condition); err != nil {
				return nil, err
			}
		}
		template.Connections = append(template.Connections, model.NodeConnection{
			ID:              uuid.New(),
			WorkflowID:      workflowID,
			FromNodeBaseID:  from,
			ToNodeBaseID:    to,
			ConditionConfig: cd.Condition,
		})
	}

	if err := model.ValidateTemplate(template); err != nil {
		return nil, err
	}
	return template, nil
}
