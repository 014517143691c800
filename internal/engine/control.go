package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/model"
)

// PauseWorkflow softly pauses a running instance: in-flight tasks finish,
// newly-ready nodes queue until Resume.
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID uuid.UUID) error {
	const op = "engine.PauseWorkflow"

	unlock := e.locks.lock(instanceID)
	defer unlock()

	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != model.InstanceStatusRunning {
		return errors.Conflict(op, "workflow instance "+instanceID.String()+" is not running")
	}
	instance.Status = model.InstanceStatusPaused
	if err := e.stores.Instances.UpdateInstance(ctx, instance); err != nil {
		return err
	}
	e.logEvent(ctx, instanceID, model.EventWorkflowPaused, nil, nil, nil)
	e.logger.Info("engine: paused workflow instance %s", instanceID)
	return nil
}

// ResumeWorkflow returns a paused instance to running and re-drains the
// ready frontier queued while it was paused.
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID uuid.UUID) error {
	unlock := e.locks.lock(instanceID)
	fire, err := e.resumeLocked(ctx, instanceID)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (e *Engine) resumeLocked(ctx context.Context, instanceID uuid.UUID) (func(), error) {
	const op = "engine.resumeLocked"

	g, err := e.loadGraph(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if g.instance.Status != model.InstanceStatusPaused {
		return nil, errors.Conflict(op, "workflow instance "+instanceID.String()+" is not paused")
	}
	g.instance.Status = model.InstanceStatusRunning
	if err := e.stores.Instances.UpdateInstance(ctx, g.instance); err != nil {
		return nil, err
	}
	e.logEvent(ctx, instanceID, model.EventWorkflowResumed, nil, nil, nil)

	execCtx, err := e.contexts.GetOrCreate(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("engine: resumed workflow instance %s", instanceID)
	return e.onNodesReadyLocked(ctx, g, execCtx, execCtx.GetReadyNodes())
}

// CancelWorkflow cancels the instance and cascades to every non-terminal
// task and node instance. A cancelled workflow never runs again; in-flight
// agent calls finish and their results are discarded on return.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID uuid.UUID, reason string) error {
	ctx, span := e.tracer.StartSpan(ctx, "engine.CancelWorkflow", attribute.String("workflow_instance_id", instanceID.String()))
	defer span.End()

	unlock := e.locks.lock(instanceID)
	fire, err := e.cancelLocked(ctx, instanceID, reason)
	unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (e *Engine) cancelLocked(ctx context.Context, instanceID uuid.UUID, reason string) (func(), error) {
	const op = "engine.cancelLocked"

	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status.Terminal() {
		return nil, errors.Conflict(op, "workflow instance "+instanceID.String()+" is already terminal")
	}

	now := time.Now()
	tasks, err := e.stores.Tasks.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = model.TaskStatusCancelled
		t.CompletedAt = &now
		if err := e.stores.Tasks.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
	}
	nodes, err := e.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, ni := range nodes {
		if ni.Status.Terminal() {
			continue
		}
		ni.Status = model.NodeInstanceStatusCancelled
		ni.CompletedAt = &now
		if err := e.stores.NodeInstances.UpdateNodeInstance(ctx, ni); err != nil {
			return nil, err
		}
	}

	instance.Status = model.InstanceStatusCancelled
	instance.CompletedAt = &now
	if err := e.stores.Instances.UpdateInstance(ctx, instance); err != nil {
		return nil, err
	}
	e.logEvent(ctx, instanceID, model.EventWorkflowCancelled, nil, nil, map[string]any{"reason": reason})
	e.metrics.RecordWorkflowFinished(ctx, string(model.InstanceStatusCancelled))
	e.contexts.Remove(instanceID)
	e.logger.Info("engine: cancelled workflow instance %s: %s", instanceID, reason)

	return func() {
		if err := e.NotifyIfTerminal(ctx, instanceID); err != nil {
			e.logger.Warn("engine: completion notification for %s failed: %v", instanceID, err)
		}
	}, nil
}

// DeleteWorkflowInstance soft-deletes the instance and cascades to its node
// instances, tasks, snapshots and events. A non-terminal instance is
// cancelled first.
func (e *Engine) DeleteWorkflowInstance(ctx context.Context, instanceID uuid.UUID, userID string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !instance.Status.Terminal() {
		if fire, err := e.cancelLocked(ctx, instanceID, "deleted by "+userID); err != nil {
			return err
		} else if fire != nil {
			// Fired inline: the registry entry must not outlive the rows.
			fire()
		}
	}
	e.contexts.Remove(instanceID)
	if err := e.stores.Instances.SoftDeleteCascade(ctx, instanceID); err != nil {
		return err
	}
	e.logger.Info("engine: deleted workflow instance %s", instanceID)
	return nil
}

// RecoverWorkflowContext force-reloads the instance's execution context and
// re-dispatches its ready frontier. When any ready node exists, at least one
// dispatch happens before this returns. Returns the dispatched node count.
func (e *Engine) RecoverWorkflowContext(ctx context.Context, instanceID uuid.UUID, force bool) (int, error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.RecoverWorkflowContext", attribute.String("workflow_instance_id", instanceID.String()))
	defer span.End()

	unlock := e.locks.lock(instanceID)
	fire, dispatched, err := e.recoverLocked(ctx, instanceID, force)
	unlock()
	if fire != nil {
		fire()
	}
	return dispatched, err
}

func (e *Engine) recoverLocked(ctx context.Context, instanceID uuid.UUID, force bool) (func(), int, error) {
	const op = "engine.recoverLocked"

	g, err := e.loadGraph(ctx, instanceID)
	if err != nil {
		return nil, 0, err
	}
	switch g.instance.Status {
	case model.InstanceStatusRunning, model.InstanceStatusPending:
	default:
		return nil, 0, errors.Conflict(op, "workflow instance "+instanceID.String()+" is not recoverable in status "+string(g.instance.Status))
	}

	var execCtx *execution.Context
	if force {
		execCtx, err = e.contexts.Recover(ctx, instanceID)
	} else {
		execCtx, err = e.contexts.GetOrCreate(ctx, instanceID)
	}
	if err != nil {
		return nil, 0, err
	}

	ready := execCtx.GetReadyNodes()
	e.logEvent(ctx, instanceID, model.EventContextRecovered, nil, nil, map[string]any{
		"forced":      force,
		"ready_nodes": len(ready),
	})
	fire, err := e.onNodesReadyLocked(ctx, g, execCtx, ready)
	if err != nil {
		return fire, 0, err
	}
	e.logger.Info("engine: recovered context for instance %s, dispatched %d ready nodes", instanceID, len(ready))
	return fire, len(ready), nil
}
