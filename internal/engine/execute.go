package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/agent"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/model"
)

// ExecuteWorkflow instantiates the newest version of the template base and
// starts it: one node instance per template node, start node auto-completed
// with the submitted input, downstream nodes dispatched.
func (e *Engine) ExecuteWorkflow(ctx context.Context, baseID uuid.UUID, name string, input map[string]any, executor string) (*model.WorkflowInstance, error) {
	const op = "engine.ExecuteWorkflow"

	ctx, span := e.tracer.StartSpan(ctx, "engine.ExecuteWorkflow", attribute.String("workflow_base_id", baseID.String()))
	defer span.End()

	template, err := e.stores.Workflows.LatestTemplateByBase(ctx, baseID)
	if err != nil {
		return nil, err
	}
	startNode, ok := template.StartNode()
	if !ok {
		return nil, errors.Validation(op, "template has no start node")
	}
	if name == "" {
		name = template.Workflow.Name
	}

	instance := &model.WorkflowInstance{
		ID:             uuid.New(),
		WorkflowID:     template.Workflow.ID,
		WorkflowBaseID: template.Workflow.BaseID,
		Name:           name,
		Executor:       executor,
		Status:         model.InstanceStatusPending,
		Input:          input,
	}
	if err := e.stores.Instances.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}

	nodeInstances := make([]*model.NodeInstance, 0, len(template.Nodes))
	for _, n := range template.Nodes {
		nodeInstances = append(nodeInstances, &model.NodeInstance{
			ID:                 uuid.New(),
			WorkflowInstanceID: instance.ID,
			NodeID:             n.ID,
			NodeBaseID:         n.BaseID,
			Name:               n.Name,
			Type:               n.Type,
			Status:             model.NodeInstanceStatusPending,
		})
	}
	if err := e.stores.NodeInstances.CreateNodeInstances(ctx, nodeInstances); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(instance.ID)
	fire, result, err := e.startLocked(ctx, instance.ID, startNode.BaseID)
	unlock()
	if fire != nil {
		fire()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// startLocked flips the instance to running, auto-completes the start node
// with the instance input and dispatches the first frontier.
func (e *Engine) startLocked(ctx context.Context, instanceID, startBaseID uuid.UUID) (func(), *model.WorkflowInstance, error) {
	execCtx, err := e.contexts.GetOrCreate(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	g, err := e.loadGraph(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	g.instance.Status = model.InstanceStatusRunning
	g.instance.StartedAt = &now
	if err := e.stores.Instances.UpdateInstance(ctx, g.instance); err != nil {
		return nil, nil, err
	}
	e.metrics.RecordWorkflowStarted(ctx)
	e.logEvent(ctx, instanceID, model.EventWorkflowStarted, nil, nil, map[string]any{"executor": g.instance.Executor})

	startNI, ok := g.byBase[startBaseID]
	if !ok {
		return nil, nil, errors.Fatal("engine.startLocked", fmt.Errorf("no node instance for start node %s", startBaseID))
	}
	input := g.instance.Input
	if input == nil {
		input = map[string]any{}
	}
	// Drain the start node's ready trigger before completing it so it never
	// reaches the dispatch path.
	execCtx.GetReadyNodes()
	if err := e.completeNodeLocked(ctx, g, execCtx, startNI, input); err != nil {
		return nil, nil, err
	}

	fire, err := e.onNodesReadyLocked(ctx, g, execCtx, execCtx.GetReadyNodes())
	if err != nil {
		return fire, nil, err
	}
	e.logger.Info("engine: started workflow instance %s (%s)", instanceID, g.instance.Name)
	return fire, g.instance, nil
}

// onNodesReadyLocked dispatches each ready node in the order the context
// returned it: end nodes complete with their collated upstream output,
// processor nodes fan out one task per binding.
func (e *Engine) onNodesReadyLocked(ctx context.Context, g *graph, execCtx *execution.Context, ready []uuid.UUID) (func(), error) {
	for _, id := range ready {
		ni, ok := g.byID[id]
		if !ok {
			continue
		}
		switch ni.Type {
		case model.NodeTypeEnd:
			if err := e.completeNodeLocked(ctx, g, execCtx, ni, e.collateUpstream(g, execCtx, ni)); err != nil {
				return nil, err
			}
		case model.NodeTypeStart:
			// Auto-completed at startup; nothing to dispatch.
		default:
			if err := e.dispatchProcessorLocked(ctx, g, execCtx, ni); err != nil {
				return nil, err
			}
		}
	}
	return e.checkCompletionLocked(ctx, g)
}

// dispatchProcessorLocked creates one task per processor binding and routes
// them. Task creation plus enqueue is atomic from the engine's view: an
// enqueue failure rolls the task row back and reverts the node to pending so
// a later drain retries it.
func (e *Engine) dispatchProcessorLocked(ctx context.Context, g *graph, execCtx *execution.Context, ni *model.NodeInstance) error {
	bindings, err := e.stores.Processors.ListBindings(ctx, ni.NodeBaseID)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return e.failNodeLocked(ctx, g, execCtx, ni, "no_binding")
	}

	now := time.Now()
	ni.Status = model.NodeInstanceStatusRunning
	ni.StartedAt = &now
	if err := e.stores.NodeInstances.UpdateNodeInstance(ctx, ni); err != nil {
		return err
	}
	execCtx.MarkExecuting(ni.ID)

	node := g.templateNode[ni.NodeBaseID]
	payload := e.composePayload(ctx, g, execCtx, ni, node)
	contextData := payload.Map()

	for _, p := range bindings {
		task := &model.TaskInstance{
			ID:                 uuid.New(),
			NodeInstanceID:     ni.ID,
			WorkflowInstanceID: g.instance.ID,
			Title:              node.Name,
			Description:        node.Description,
			Kind:               model.TaskKindForProcessor(p.Kind),
			Status:             model.TaskStatusAssigned,
			ProcessorID:        p.ID,
			AssignedUserID:     p.UserID,
			AgentID:            p.AgentID,
			ContextData:        contextData,
			MaxRetries:         e.cfg.TaskMaxRetries,
		}
		if err := e.stores.Tasks.CreateTask(ctx, task); err != nil {
			return err
		}
		req := agent.Request{
			TaskTitle:       task.Title,
			TaskDescription: task.Description,
			Context:         contextData,
			InputData:       g.instance.Input,
		}
		if err := e.router.Dispatch(ctx, task, req); err != nil {
			e.logger.Warn("engine: dispatching task %s for node %s failed, rolling back: %v", task.ID, ni.Name, err)
			if delErr := e.stores.Tasks.DeleteTask(ctx, task.ID); delErr != nil {
				e.logger.Error("engine: rolling back task %s failed: %v", task.ID, delErr)
			}
			ni.Status = model.NodeInstanceStatusPending
			ni.StartedAt = nil
			if revErr := e.stores.NodeInstances.UpdateNodeInstance(ctx, ni); revErr != nil {
				e.logger.Error("engine: reverting node %s to pending failed: %v", ni.ID, revErr)
			}
			return nil
		}
		e.logEvent(ctx, g.instance.ID, model.EventTaskDispatched, &ni.ID, &task.ID, map[string]any{"kind": string(task.Kind)})
	}
	return nil
}

// completeNodeLocked makes the node's completion durable, feeds the output
// into the execution context and persists the updated execution state. The
// node_completed event is durable before any downstream dispatch.
func (e *Engine) completeNodeLocked(ctx context.Context, g *graph, execCtx *execution.Context, ni *model.NodeInstance, output map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}
	now := time.Now()
	ni.Status = model.NodeInstanceStatusCompleted
	ni.OutputData = output
	ni.CompletedAt = &now
	if ni.StartedAt == nil {
		ni.StartedAt = &now
	}
	if err := e.stores.NodeInstances.UpdateNodeInstance(ctx, ni); err != nil {
		return err
	}
	execCtx.MarkCompleted(ni.ID, output)

	if err := e.persistExecutionState(ctx, g, execCtx, ni.Name); err != nil {
		return err
	}
	if err := e.recordEvent(ctx, g.instance.ID, model.EventNodeCompleted, &ni.ID, nil, map[string]any{"node": ni.Name}); err != nil {
		return err
	}
	e.metrics.RecordNodeCompleted(ctx, string(ni.Type))
	e.maybeSnapshot(ctx, g, execCtx)
	return nil
}

// failNodeLocked records a node failure; workflow-level consequences are
// decided by checkCompletionLocked.
func (e *Engine) failNodeLocked(ctx context.Context, g *graph, execCtx *execution.Context, ni *model.NodeInstance, reason string) error {
	now := time.Now()
	ni.Status = model.NodeInstanceStatusFailed
	ni.FailureReason = reason
	ni.CompletedAt = &now
	if err := e.stores.NodeInstances.UpdateNodeInstance(ctx, ni); err != nil {
		return err
	}
	execCtx.MarkFailed(ni.ID)
	e.logEvent(ctx, g.instance.ID, model.EventNodeFailed, &ni.ID, nil, map[string]any{"reason": reason})
	return nil
}

// persistExecutionState mirrors the context onto the instance row's
// execution fields.
func (e *Engine) persistExecutionState(ctx context.Context, g *graph, execCtx *execution.Context, completedNodeName string) error {
	completed := execCtx.CompletedNodes()
	completedIDs := make([]string, 0, len(completed))
	outputs := make(map[string]any, len(completed))
	for _, id := range completed {
		completedIDs = append(completedIDs, id.String())
		if out := execCtx.Output(id); out != nil {
			outputs[id.String()] = out
		}
	}
	deps := make(map[string][]string, len(g.nodes))
	for _, ni := range g.nodes {
		ups := execCtx.Upstream(ni.ID)
		ids := make([]string, len(ups))
		for i, up := range ups {
			ids[i] = up.String()
		}
		deps[ni.ID.String()] = ids
	}

	g.instance.ExecutionContext = map[string]any{"node_outputs": outputs}
	g.instance.NodeDependencies = deps
	g.instance.CompletedNodes = completedIDs
	if completedNodeName != "" {
		g.instance.ExecutionTrace = append(g.instance.ExecutionTrace, completedNodeName)
	}
	return e.stores.Instances.UpdateInstance(ctx, g.instance)
}

// maybeSnapshot persists a full context snapshot once enough completions
// accumulated. Snapshot failures degrade recovery to structural rebuild, so
// they log instead of failing the operation.
func (e *Engine) maybeSnapshot(ctx context.Context, g *graph, execCtx *execution.Context) {
	if execCtx.CompletionsSinceSnapshot() < e.cfg.SnapshotEvery {
		return
	}
	snap := execCtx.Snapshot().ToModel(string(g.instance.Status))
	if err := e.stores.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("engine: saving snapshot for %s failed: %v", g.instance.ID, err)
		return
	}
	execCtx.NoteSnapshot()
}

// CheckWorkflowCompletion re-derives the instance's terminal status from its
// node instances. Idempotent; promoted to public for recovery paths.
func (e *Engine) CheckWorkflowCompletion(ctx context.Context, instanceID uuid.UUID) (model.InstanceStatus, error) {
	unlock := e.locks.lock(instanceID)
	g, err := e.loadGraph(ctx, instanceID)
	if err != nil {
		unlock()
		return "", err
	}
	fire, err := e.checkCompletionLocked(ctx, g)
	status := g.instance.Status
	unlock()
	if fire != nil {
		fire()
	}
	return status, err
}

// checkCompletionLocked transitions the instance to completed when every end
// node completed, to failed when a non-cancelled node failed with no retry
// pending. The returned func fires completion callbacks and must be invoked
// after the instance lock is released.
func (e *Engine) checkCompletionLocked(ctx context.Context, g *graph) (func(), error) {
	if g.instance.Status.Terminal() {
		return nil, nil
	}

	var (
		ends          int
		endsCompleted int
		endOutput     = make(map[string]any)
		failed        *model.NodeInstance
	)
	for _, ni := range g.nodes {
		switch {
		case ni.Type == model.NodeTypeEnd:
			ends++
			if ni.Status == model.NodeInstanceStatusCompleted {
				endsCompleted++
				for k, v := range ni.OutputData {
					endOutput[k] = v
				}
			}
		case ni.Status == model.NodeInstanceStatusFailed:
			failed = ni
		}
	}

	now := time.Now()
	switch {
	case ends > 0 && ends == endsCompleted:
		g.instance.Status = model.InstanceStatusCompleted
		g.instance.Output = endOutput
		g.instance.CompletedAt = &now
		if err := e.stores.Instances.UpdateInstance(ctx, g.instance); err != nil {
			return nil, err
		}
		e.logEvent(ctx, g.instance.ID, model.EventWorkflowCompleted, nil, nil, nil)
		e.metrics.RecordWorkflowFinished(ctx, string(model.InstanceStatusCompleted))
		e.contexts.Remove(g.instance.ID)
		e.logger.Info("engine: workflow instance %s completed", g.instance.ID)
	case failed != nil:
		g.instance.Status = model.InstanceStatusFailed
		g.instance.CompletedAt = &now
		if err := e.stores.Instances.UpdateInstance(ctx, g.instance); err != nil {
			return nil, err
		}
		e.logEvent(ctx, g.instance.ID, model.EventWorkflowFailed, &failed.ID, nil, map[string]any{"reason": failed.FailureReason})
		e.metrics.RecordWorkflowFinished(ctx, string(model.InstanceStatusFailed))
		e.contexts.Remove(g.instance.ID)
		e.logger.Warn("engine: workflow instance %s failed at node %s: %s", g.instance.ID, failed.Name, failed.FailureReason)
	default:
		return nil, nil
	}

	id := g.instance.ID
	return func() {
		if err := e.NotifyIfTerminal(ctx, id); err != nil {
			e.logger.Warn("engine: completion notification for %s failed: %v", id, err)
		}
	}, nil
}
