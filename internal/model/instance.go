package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// WorkflowInstance is one execution of a template version. The five
// execution fields (ExecutionContext through Metadata) mirror the in-memory
// execution context so an interrupted engine can resume.
type WorkflowInstance struct {
	ID             uuid.UUID      `json:"workflow_instance_id"`
	WorkflowID     uuid.UUID      `json:"workflow_id"`
	WorkflowBaseID uuid.UUID      `json:"workflow_base_id"`
	Name           string         `json:"name"`
	Executor       string         `json:"executor"`
	Status         InstanceStatus `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`

	ExecutionContext map[string]any      `json:"execution_context,omitempty"`
	NodeDependencies map[string][]string `json:"node_dependencies,omitempty"`
	CompletedNodes   []string            `json:"completed_nodes,omitempty"`
	ExecutionTrace   []string            `json:"execution_trace,omitempty"`
	Metadata         map[string]any      `json:"instance_metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	IsDeleted   bool       `json:"is_deleted"`
}

// NodeInstanceStatus is the lifecycle state of a node instance.
type NodeInstanceStatus string

const (
	NodeInstanceStatusPending   NodeInstanceStatus = "pending"
	NodeInstanceStatusRunning   NodeInstanceStatus = "running"
	NodeInstanceStatusCompleted NodeInstanceStatus = "completed"
	NodeInstanceStatusFailed    NodeInstanceStatus = "failed"
	NodeInstanceStatusCancelled NodeInstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s NodeInstanceStatus) Terminal() bool {
	switch s {
	case NodeInstanceStatusCompleted, NodeInstanceStatusFailed, NodeInstanceStatusCancelled:
		return true
	}
	return false
}

// NodeInstance is one execution of one node within a workflow instance. The
// set of node instances for an instance is fixed at creation.
type NodeInstance struct {
	ID                 uuid.UUID          `json:"node_instance_id"`
	WorkflowInstanceID uuid.UUID          `json:"workflow_instance_id"`
	NodeID             uuid.UUID          `json:"node_id"`
	NodeBaseID         uuid.UUID          `json:"node_base_id"`
	Name               string             `json:"name"`
	Type               NodeType           `json:"type"`
	Status             NodeInstanceStatus `json:"status"`
	InputData          map[string]any     `json:"input_data,omitempty"`
	OutputData         map[string]any     `json:"output_data,omitempty"`
	RetryCount         int                `json:"retry_count"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	IsDeleted          bool               `json:"is_deleted"`
}

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskKind distinguishes who works a task.
type TaskKind string

const (
	TaskKindHuman TaskKind = "human"
	TaskKindAgent TaskKind = "agent"
	TaskKindMixed TaskKind = "mixed"
)

// TaskKindForProcessor maps a processor kind to the task kind it spawns.
func TaskKindForProcessor(kind ProcessorKind) TaskKind {
	switch kind {
	case ProcessorKindHuman:
		return TaskKindHuman
	case ProcessorKindAgent:
		return TaskKindAgent
	default:
		return TaskKindMixed
	}
}

// TaskInstance is the dispatchable unit attached to a node instance; one is
// created per processor binding.
type TaskInstance struct {
	ID                 uuid.UUID      `json:"task_instance_id"`
	NodeInstanceID     uuid.UUID      `json:"node_instance_id"`
	WorkflowInstanceID uuid.UUID      `json:"workflow_instance_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Kind               TaskKind       `json:"kind"`
	Status             TaskStatus     `json:"status"`
	ProcessorID        uuid.UUID      `json:"processor_id"`
	AssignedUserID     string         `json:"assigned_user_id,omitempty"`
	AgentID            string         `json:"agent_id,omitempty"`
	ContextData        map[string]any `json:"context_data,omitempty"`
	OutputData         map[string]any `json:"output_data,omitempty"`
	ResultSummary      string         `json:"result_summary,omitempty"`
	Note               string         `json:"note,omitempty"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	IsDeleted          bool           `json:"is_deleted"`
}

// Workable reports whether the task can still accept a result.
func (t *TaskInstance) Workable() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress, TaskStatusPaused:
		return true
	}
	return false
}
