// Package model defines the entities of the workflow engine: versioned
// templates, their per-execution instances, dispatchable tasks, subdivisions
// and the audit records persisted alongside them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeType distinguishes the structural role of a template node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeProcessor NodeType = "processor"
	NodeTypeEnd       NodeType = "end"
)

// TemplateStatus tracks the publication state of a workflow template version.
type TemplateStatus string

const (
	TemplateStatusDraft     TemplateStatus = "draft"
	TemplateStatusPublished TemplateStatus = "published"
)

// Workflow is one version of a workflow template. BaseID is the identity
// across versions; ID identifies this version. Published versions are
// immutable - the merge engine creates new versions rather than editing.
type Workflow struct {
	ID           uuid.UUID      `json:"workflow_id"`
	BaseID       uuid.UUID      `json:"workflow_base_id"`
	Version      int            `json:"version"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       TemplateStatus `json:"status"`
	ParentBaseID *uuid.UUID     `json:"parent_base_id,omitempty"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	IsDeleted    bool           `json:"is_deleted"`
}

// Node is a vertex of a workflow template. BaseID identifies the node across
// template versions; connections and processor bindings reference it.
type Node struct {
	ID          uuid.UUID `json:"node_id"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	BaseID      uuid.UUID `json:"node_base_id"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Type        NodeType  `json:"type"`
	Description string    `json:"description,omitempty"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	IsDeleted   bool      `json:"is_deleted"`
}

// NodeConnection is a directed, optionally conditional edge between two
// nodes of one template version. Endpoints are node base IDs.
type NodeConnection struct {
	ID              uuid.UUID `json:"connection_id"`
	WorkflowID      uuid.UUID `json:"workflow_id"`
	FromNodeBaseID  uuid.UUID `json:"from_node_base_id"`
	ToNodeBaseID    uuid.UUID `json:"to_node_base_id"`
	ConditionConfig string    `json:"condition_config,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	IsDeleted       bool      `json:"is_deleted"`
}

// Conditional reports whether the edge carries a predicate.
func (c NodeConnection) Conditional() bool { return c.ConditionConfig != "" }

// ProcessorKind distinguishes who executes a bound task.
type ProcessorKind string

const (
	ProcessorKindHuman ProcessorKind = "human"
	ProcessorKindAgent ProcessorKind = "agent"
	ProcessorKindMix   ProcessorKind = "mix"
)

// Processor is an executable identity a node can be bound to: a human user,
// an agent, or a mix of both.
type Processor struct {
	ID        uuid.UUID     `json:"processor_id"`
	Kind      ProcessorKind `json:"kind"`
	Name      string        `json:"name"`
	UserID    string        `json:"user_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	GroupID   string        `json:"group_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	IsDeleted bool          `json:"is_deleted"`
}

// NodeProcessor links a node (by base identity) to a processor.
type NodeProcessor struct {
	ID          uuid.UUID `json:"id"`
	NodeBaseID  uuid.UUID `json:"node_base_id"`
	ProcessorID uuid.UUID `json:"processor_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	IsDeleted   bool      `json:"is_deleted"`
}

// Template bundles one workflow version with its nodes and connections.
type Template struct {
	Workflow    Workflow
	Nodes       []Node
	Connections []NodeConnection
}

// StartNode returns the template's start node.
func (t *Template) StartNode() (Node, bool) {
	for _, n := range t.Nodes {
		if n.Type == NodeTypeStart {
			return n, true
		}
	}
	return Node{}, false
}

// EndNodes returns the template's end nodes.
func (t *Template) EndNodes() []Node {
	var ends []Node
	for _, n := range t.Nodes {
		if n.Type == NodeTypeEnd {
			ends = append(ends, n)
		}
	}
	return ends
}

// NodeByBaseID returns the node with the given base identity.
func (t *Template) NodeByBaseID(baseID uuid.UUID) (Node, bool) {
	for _, n := range t.Nodes {
		if n.BaseID == baseID {
			return n, true
		}
	}
	return Node{}, false
}
