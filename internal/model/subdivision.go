package model

import (
	"time"

	"github.com/google/uuid"
)

// SubdivisionStatus is the lifecycle state of a task subdivision.
type SubdivisionStatus string

const (
	SubdivisionStatusCreated   SubdivisionStatus = "created"
	SubdivisionStatusExecuting SubdivisionStatus = "executing"
	SubdivisionStatusCompleted SubdivisionStatus = "completed"
	SubdivisionStatusFailed    SubdivisionStatus = "failed"
)

// Terminal reports whether the subdivision reached a final state.
func (s SubdivisionStatus) Terminal() bool {
	return s == SubdivisionStatusCompleted || s == SubdivisionStatusFailed
}

// TaskSubdivision records that a task instance was replaced by a nested
// workflow. At most one non-terminal subdivision may exist per
// (original task, subdivider, name) triple.
type TaskSubdivision struct {
	ID                    uuid.UUID         `json:"subdivision_id"`
	OriginalTaskID        uuid.UUID         `json:"original_task_id"`
	SubdividerID          string            `json:"subdivider_id"`
	Name                  string            `json:"subdivision_name"`
	SubWorkflowBaseID     uuid.UUID         `json:"sub_workflow_base_id"`
	SubWorkflowInstanceID *uuid.UUID        `json:"sub_workflow_instance_id,omitempty"`
	ParentSubdivisionID   *uuid.UUID        `json:"parent_subdivision_id,omitempty"`
	ContextPassed         string            `json:"context_passed,omitempty"`
	Status                SubdivisionStatus `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	IsDeleted             bool              `json:"is_deleted"`
}
