package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/agent"
	"loom/internal/errors"
	"loom/internal/model"
)

// SubmitTaskResult completes a human task with its output. When every
// non-cancelled sibling of the node is completed, the node completes with
// the collated output and downstream nodes dispatch.
func (e *Engine) SubmitTaskResult(ctx context.Context, taskID uuid.UUID, userID string, output map[string]any, summary string, attachments []model.FileAssociation) error {
	const op = "engine.SubmitTaskResult"

	ctx, span := e.tracer.StartSpan(ctx, "engine.SubmitTaskResult", attribute.String("task_id", taskID.String()))
	defer span.End()

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	fire, err := e.submitTaskLocked(ctx, taskID, output, summary, attachments)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

// SubmitAgentResult feeds an agent outcome into the completion path. A
// reference result is recorded on the task without completing it; the
// assigned human still confirms. Part of dispatch.ResultSubmitter.
func (e *Engine) SubmitAgentResult(ctx context.Context, taskID uuid.UUID, resp agent.Response, reference bool) error {
	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	if reference {
		err := e.recordReferenceLocked(ctx, taskID, resp)
		unlock()
		return err
	}
	fire, err := e.submitTaskLocked(ctx, taskID, resp.OutputData, resp.Summary, nil)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

// recordReferenceLocked writes the agent half of a mixed task onto the
// task's context without completing it.
func (e *Engine) recordReferenceLocked(ctx context.Context, taskID uuid.UUID, resp agent.Response) error {
	const op = "engine.recordReferenceLocked"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Workable() {
		return errors.Conflict(op, "task "+taskID.String()+" is no longer workable")
	}
	if task.ContextData == nil {
		task.ContextData = map[string]any{}
	}
	task.ContextData["agent_result"] = resp.OutputData
	if resp.Summary != "" {
		task.ContextData["agent_summary"] = resp.Summary
	}
	return e.stores.Tasks.UpdateTask(ctx, task)
}

// FailAgentTask marks an agent task failed after retries were exhausted and
// fails its node. Part of dispatch.ResultSubmitter.
func (e *Engine) FailAgentTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	fire, err := e.failTaskLocked(ctx, taskID, reason)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

// submitTaskLocked is the shared completion path for human and agent
// results. Caller holds the instance lock.
func (e *Engine) submitTaskLocked(ctx context.Context, taskID uuid.UUID, output map[string]any, summary string, attachments []model.FileAssociation) (func(), error) {
	const op = "engine.submitTaskLocked"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Workable() {
		return nil, errors.Conflict(op, "task "+taskID.String()+" is no longer workable")
	}
	g, err := e.loadGraph(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	switch g.instance.Status {
	case model.InstanceStatusRunning, model.InstanceStatusPaused:
	default:
		return nil, errors.Conflict(op, "workflow instance "+g.instance.ID.String()+" is not accepting results")
	}
	execCtx, err := e.contexts.GetOrCreate(ctx, g.instance.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.OutputData = output
	task.ResultSummary = summary
	task.CompletedAt = &now
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logEvent(ctx, g.instance.ID, model.EventTaskCompleted, &task.NodeInstanceID, &task.ID, nil)

	ni, ok := g.byID[task.NodeInstanceID]
	if ok {
		for i := range attachments {
			attachments[i].NodeBaseID = ni.NodeBaseID
			if err := e.stores.Directory.PutFile(ctx, &attachments[i]); err != nil {
				e.logger.Warn("engine: saving attachment %s failed: %v", attachments[i].FileName, err)
			}
		}
	}

	done, nodeOutput, err := e.nodeAggregation(ctx, task.NodeInstanceID)
	if err != nil {
		return nil, err
	}
	if !done || !ok {
		return nil, nil
	}
	// A subdivision may have completed the node ahead of this confirmation.
	if !ni.Status.Terminal() {
		if err := e.completeNodeLocked(ctx, g, execCtx, ni, nodeOutput); err != nil {
			return nil, err
		}
	}
	if g.instance.Status == model.InstanceStatusRunning {
		return e.onNodesReadyLocked(ctx, g, execCtx, execCtx.GetReadyNodes())
	}
	// Paused: ready nodes stay queued for Resume; only terminal transitions
	// are still derived.
	return e.checkCompletionLocked(ctx, g)
}

// BridgeSubdivisionResult writes a completed child workflow's results onto
// the parent task as reference data without completing it; the subdivider
// still confirms with SubmitTaskResult. The parent node completes early only
// when this task is its sole outstanding sibling, letting downstream
// execution proceed while the confirmation step stays open.
func (e *Engine) BridgeSubdivisionResult(ctx context.Context, taskID uuid.UUID, results map[string]any, summary string) error {
	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	fire, err := e.bridgeSubdivisionLocked(ctx, taskID, results, summary)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (e *Engine) bridgeSubdivisionLocked(ctx context.Context, taskID uuid.UUID, results map[string]any, summary string) (func(), error) {
	const op = "engine.bridgeSubdivisionLocked"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Workable() {
		return nil, errors.Conflict(op, "task "+taskID.String()+" is no longer workable")
	}
	if task.ContextData == nil {
		task.ContextData = map[string]any{}
	}
	task.ContextData["subdivision_result"] = results
	if summary != "" {
		task.ResultSummary = summary
	}
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	siblings, err := e.stores.Tasks.ListTasksByNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		return nil, err
	}
	nodeOutput := make(map[string]any, len(results))
	for k, v := range results {
		nodeOutput[k] = v
	}
	for _, sibling := range siblings {
		if sibling.ID == task.ID {
			continue
		}
		switch sibling.Status {
		case model.TaskStatusCancelled:
		case model.TaskStatusCompleted:
			for k, v := range sibling.OutputData {
				nodeOutput[k] = v
			}
		default:
			// Another sibling is still outstanding; the node waits.
			return nil, nil
		}
	}

	g, err := e.loadGraph(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	ni, ok := g.byID[task.NodeInstanceID]
	if !ok || ni.Status.Terminal() {
		return nil, nil
	}
	execCtx, err := e.contexts.GetOrCreate(ctx, g.instance.ID)
	if err != nil {
		return nil, err
	}
	if err := e.completeNodeLocked(ctx, g, execCtx, ni, nodeOutput); err != nil {
		return nil, err
	}
	if g.instance.Status == model.InstanceStatusRunning {
		return e.onNodesReadyLocked(ctx, g, execCtx, execCtx.GetReadyNodes())
	}
	return e.checkCompletionLocked(ctx, g)
}

// nodeAggregation reports whether every non-cancelled sibling task of the
// node is completed and, if so, collates their outputs. Mixed tasks merge
// the agent's reference result under the human's answer. A node whose tasks
// were all cancelled is done with an empty output, so cancelling the last
// task still lets the node and the workflow settle.
func (e *Engine) nodeAggregation(ctx context.Context, nodeInstanceID uuid.UUID) (bool, map[string]any, error) {
	siblings, err := e.stores.Tasks.ListTasksByNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return false, nil, err
	}
	collated := make(map[string]any)
	for _, t := range siblings {
		if t.Status == model.TaskStatusCancelled {
			continue
		}
		if t.Status != model.TaskStatusCompleted {
			return false, nil, nil
		}
		if t.Kind == model.TaskKindMixed {
			if ref, ok := t.ContextData["agent_result"].(map[string]any); ok {
				for k, v := range ref {
					collated[k] = v
				}
			}
		}
		for k, v := range t.OutputData {
			collated[k] = v
		}
	}
	return true, collated, nil
}

// failTaskLocked marks the task failed and fails its node; the workflow
// fails through checkCompletionLocked.
func (e *Engine) failTaskLocked(ctx context.Context, taskID uuid.UUID, reason string) (func(), error) {
	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Workable() {
		return nil, nil
	}
	g, err := e.loadGraph(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	execCtx, err := e.contexts.GetOrCreate(ctx, g.instance.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task.Status = model.TaskStatusFailed
	task.FailureReason = reason
	task.CompletedAt = &now
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logEvent(ctx, g.instance.ID, model.EventTaskFailed, &task.NodeInstanceID, &task.ID, map[string]any{"reason": reason})

	if ni, ok := g.byID[task.NodeInstanceID]; ok && !ni.Status.Terminal() {
		if err := e.failNodeLocked(ctx, g, execCtx, ni, reason); err != nil {
			return nil, err
		}
	}
	return e.checkCompletionLocked(ctx, g)
}

// StartTask moves an assigned task to in_progress.
func (e *Engine) StartTask(ctx context.Context, taskID uuid.UUID, userID string) error {
	const op = "engine.StartTask"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	defer unlock()

	task, err = e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusAssigned {
		return errors.Validation(op, "task "+taskID.String()+" is not in assigned state")
	}
	now := time.Now()
	task.Status = model.TaskStatusInProgress
	task.StartedAt = &now
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return err
	}
	e.logEvent(ctx, task.WorkflowInstanceID, model.EventTaskStarted, &task.NodeInstanceID, &task.ID, nil)
	return nil
}

// PauseTask puts an in-progress task back to assigned with a note.
func (e *Engine) PauseTask(ctx context.Context, taskID uuid.UUID, userID, note string) error {
	const op = "engine.PauseTask"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	defer unlock()

	task, err = e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusInProgress {
		return errors.Validation(op, "task "+taskID.String()+" is not in progress")
	}
	task.Status = model.TaskStatusAssigned
	task.Note = note
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return err
	}
	e.logEvent(ctx, task.WorkflowInstanceID, model.EventTaskPaused, &task.NodeInstanceID, &task.ID, map[string]any{"note": note})
	return nil
}

// RejectTask fails the task with a mandatory reason; the node and workflow
// fail with it.
func (e *Engine) RejectTask(ctx context.Context, taskID uuid.UUID, userID, reason string) error {
	const op = "engine.RejectTask"

	if reason == "" {
		return errors.Validation(op, "a rejection reason is required")
	}
	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	fire, err := e.failTaskLocked(ctx, taskID, reason)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

// CancelTask cancels a single task. Once no sibling is left outstanding the
// node completes with the collated output of the completed ones, empty when
// every task was cancelled, and execution proceeds downstream.
func (e *Engine) CancelTask(ctx context.Context, taskID uuid.UUID, userID string) error {
	const op = "engine.CancelTask"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}

	unlock := e.locks.lock(task.WorkflowInstanceID)
	fire, err := e.cancelTaskLocked(ctx, taskID)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (e *Engine) cancelTaskLocked(ctx context.Context, taskID uuid.UUID) (func(), error) {
	const op = "engine.cancelTaskLocked"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Workable() {
		return nil, errors.Conflict(op, "task "+taskID.String()+" is already terminal")
	}
	g, err := e.loadGraph(ctx, task.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	execCtx, err := e.contexts.GetOrCreate(ctx, g.instance.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task.Status = model.TaskStatusCancelled
	task.CompletedAt = &now
	if err := e.stores.Tasks.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logEvent(ctx, g.instance.ID, model.EventTaskCancelled, &task.NodeInstanceID, &task.ID, nil)

	done, nodeOutput, err := e.nodeAggregation(ctx, task.NodeInstanceID)
	if err != nil {
		return nil, err
	}
	ni, ok := g.byID[task.NodeInstanceID]
	if !done || !ok || ni.Status.Terminal() {
		return nil, nil
	}
	if err := e.completeNodeLocked(ctx, g, execCtx, ni, nodeOutput); err != nil {
		return nil, err
	}
	if g.instance.Status == model.InstanceStatusRunning {
		return e.onNodesReadyLocked(ctx, g, execCtx, execCtx.GetReadyNodes())
	}
	return e.checkCompletionLocked(ctx, g)
}

// RequestHelp records a help request on the task without changing state.
func (e *Engine) RequestHelp(ctx context.Context, taskID uuid.UUID, userID, message string) error {
	const op = "engine.RequestHelp"

	task, err := e.stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ensureTaskOwner(op, task, userID); err != nil {
		return err
	}
	return e.recordEvent(ctx, task.WorkflowInstanceID, model.EventTaskHelpRequested, &task.NodeInstanceID, &task.ID, map[string]any{
		"user":    userID,
		"message": message,
	})
}

// ListUserTasks serves the task inbox: the user's tasks newest first,
// optionally filtered by status.
func (e *Engine) ListUserTasks(ctx context.Context, userID string, status *model.TaskStatus, limit int) ([]*model.TaskInstance, error) {
	const op = "engine.ListUserTasks"

	user, err := e.stores.Directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, errors.PermissionDenied(op, "user "+userID+" is not active")
	}
	return e.stores.Tasks.ListTasksByUser(ctx, userID, status, limit)
}
