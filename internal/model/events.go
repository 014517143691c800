package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the append-only workflow event log entries.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowPaused     EventType = "workflow_paused"
	EventWorkflowResumed    EventType = "workflow_resumed"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
	EventWorkflowCancelled  EventType = "workflow_cancelled"
	EventNodeReady          EventType = "node_ready"
	EventNodeCompleted      EventType = "node_completed"
	EventNodeFailed         EventType = "node_failed"
	EventTaskDispatched     EventType = "task_dispatched"
	EventTaskStarted        EventType = "task_started"
	EventTaskPaused         EventType = "task_paused"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskCancelled      EventType = "task_cancelled"
	EventTaskHelpRequested  EventType = "task_help_requested"
	EventSubdivisionCreated EventType = "subdivision_created"
	EventContextRecovered   EventType = "context_recovered"
	EventTemplateMerged     EventType = "template_merged"
)

// WorkflowEvent is one row of the append-only per-instance event log. Seq is
// assigned by the store and is monotonically increasing within an instance.
type WorkflowEvent struct {
	ID                 uuid.UUID      `json:"event_id"`
	WorkflowInstanceID uuid.UUID      `json:"workflow_instance_id"`
	Type               EventType      `json:"type"`
	NodeInstanceID     *uuid.UUID     `json:"node_instance_id,omitempty"`
	TaskInstanceID     *uuid.UUID     `json:"task_instance_id,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
	Seq                int64          `json:"seq"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ContextSnapshot is a durable, restorable copy of an execution context.
// Snapshots are never edited; retention keeps the latest N per instance.
type ContextSnapshot struct {
	ID                 uuid.UUID      `json:"snapshot_id"`
	WorkflowInstanceID uuid.UUID      `json:"workflow_instance_id"`
	ExecutionState     string         `json:"execution_state"`
	ContextData        map[string]any `json:"context_data"`
	NodeStates         map[string]string `json:"node_states"`
	Seq                int64          `json:"sequence_number"`
	CreatedAt          time.Time      `json:"created_at"`
}
