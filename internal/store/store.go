// Package store defines the repository contracts the engine persists
// through. Implementations live in the postgres and memory subpackages; the
// database, not the in-memory execution context, is the system of record.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"loom/internal/model"
)

// WorkflowStore persists workflow templates.
type WorkflowStore interface {
	// CreateTemplate persists one template version with its nodes and
	// connections. Published versions are immutable afterwards.
	CreateTemplate(ctx context.Context, t *model.Template) error
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error)
	// GetTemplate loads one version with nodes and connections.
	GetTemplate(ctx context.Context, workflowID uuid.UUID) (*model.Template, error)
	// LatestTemplateByBase loads the newest version of a base.
	LatestTemplateByBase(ctx context.Context, baseID uuid.UUID) (*model.Template, error)
	// CountByParentBase counts template bases parented under baseID; used to
	// number merged templates.
	CountByParentBase(ctx context.Context, baseID uuid.UUID) (int, error)
}

// ProcessorStore persists processors and node bindings.
type ProcessorStore interface {
	CreateProcessor(ctx context.Context, p *model.Processor) error
	GetProcessor(ctx context.Context, id uuid.UUID) (*model.Processor, error)
	BindProcessor(ctx context.Context, binding *model.NodeProcessor) error
	// ListBindings returns the processors bound to a node base identity.
	ListBindings(ctx context.Context, nodeBaseID uuid.UUID) ([]model.Processor, error)
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, wi *model.WorkflowInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, wi *model.WorkflowInstance) error
	// ListStale returns non-deleted instances in any of the given statuses
	// whose updated_at is older than cutoff.
	ListStale(ctx context.Context, statuses []model.InstanceStatus, cutoff time.Time) ([]*model.WorkflowInstance, error)
	// SoftDeleteCascade marks the instance and all of its node instances,
	// tasks, snapshots and events deleted.
	SoftDeleteCascade(ctx context.Context, id uuid.UUID) error
}

// NodeInstanceStore persists node instances.
type NodeInstanceStore interface {
	CreateNodeInstances(ctx context.Context, nis []*model.NodeInstance) error
	GetNodeInstance(ctx context.Context, id uuid.UUID) (*model.NodeInstance, error)
	ListNodeInstances(ctx context.Context, instanceID uuid.UUID) ([]*model.NodeInstance, error)
	UpdateNodeInstance(ctx context.Context, ni *model.NodeInstance) error
}

// TaskStore persists task instances and serves the human task inbox.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.TaskInstance) error
	GetTask(ctx context.Context, id uuid.UUID) (*model.TaskInstance, error)
	UpdateTask(ctx context.Context, t *model.TaskInstance) error
	// DeleteTask removes the row outright; used to roll back a task whose
	// enqueue failed so the node stays pending.
	DeleteTask(ctx context.Context, id uuid.UUID) error
	ListTasksByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*model.TaskInstance, error)
	ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]*model.TaskInstance, error)
	// ListTasksByUser returns the user's tasks, newest first, optionally
	// filtered by status. limit <= 0 means no limit.
	ListTasksByUser(ctx context.Context, userID string, status *model.TaskStatus, limit int) ([]*model.TaskInstance, error)
}

// SubdivisionStore persists task subdivisions.
type SubdivisionStore interface {
	CreateSubdivision(ctx context.Context, s *model.TaskSubdivision) error
	GetSubdivision(ctx context.Context, id uuid.UUID) (*model.TaskSubdivision, error)
	UpdateSubdivision(ctx context.Context, s *model.TaskSubdivision) error
	// FindActiveSubdivision returns the non-terminal subdivision for the
	// idempotency triple, or a not_found error.
	FindActiveSubdivision(ctx context.Context, taskID uuid.UUID, subdividerID, name string) (*model.TaskSubdivision, error)
	// ListSubdivisionsByInstance returns subdivisions whose original task
	// belongs to the given workflow instance.
	ListSubdivisionsByInstance(ctx context.Context, instanceID uuid.UUID) ([]*model.TaskSubdivision, error)
}

// SnapshotStore persists execution context snapshots.
type SnapshotStore interface {
	// SaveSnapshot assigns the next per-instance sequence number and prunes
	// old snapshots beyond the retention bound.
	SaveSnapshot(ctx context.Context, s *model.ContextSnapshot) error
	// LatestSnapshot returns the newest snapshot or a not_found error.
	LatestSnapshot(ctx context.Context, instanceID uuid.UUID) (*model.ContextSnapshot, error)
}

// EventStore appends to and reads the per-instance event log.
type EventStore interface {
	// AppendEvent assigns the next per-instance sequence number and persists
	// the event. Events are never edited.
	AppendEvent(ctx context.Context, e *model.WorkflowEvent) error
	// ListEvents returns events with Seq > afterSeq in order.
	ListEvents(ctx context.Context, instanceID uuid.UUID, afterSeq int64) ([]*model.WorkflowEvent, error)
}

// DirectoryStore persists users, agents and file associations.
type DirectoryStore interface {
	PutUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	PutAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	PutFile(ctx context.Context, f *model.FileAssociation) error
	ListFilesByNodeBase(ctx context.Context, nodeBaseID uuid.UUID) ([]model.FileAssociation, error)
}

// Stores bundles every repository the engine needs. A single implementation
// typically satisfies all of them.
type Stores struct {
	Workflows     WorkflowStore
	Processors    ProcessorStore
	Instances     InstanceStore
	NodeInstances NodeInstanceStore
	Tasks         TaskStore
	Subdivisions  SubdivisionStore
	Snapshots     SnapshotStore
	Events        EventStore
	Directory     DirectoryStore
}
