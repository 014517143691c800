// Package subdivision replaces a task with a nested sub-workflow: a child
// workflow instance runs in place of the task and its results flow back as
// reference data the task owner confirms. The subdivision tree it records is
// what the merge engine later flattens.
package subdivision

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/condition"
	"loom/internal/engine"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/logging"
	"loom/internal/model"
	"loom/internal/observability"
	"loom/internal/store"
)

// Service owns the subdivision lifecycle.
type Service struct {
	stores     store.Stores
	engine     *engine.Engine
	contexts   *execution.Manager
	conditions *condition.Evaluator
	logger     logging.Logger
	tracer     *observability.TracerProvider

	locks keyedLocks
}

// NewService constructs the subdivision service.
func NewService(stores store.Stores, eng *engine.Engine, contexts *execution.Manager, conditions *condition.Evaluator, logger logging.Logger, tracer *observability.TracerProvider) *Service {
	if conditions == nil {
		conditions = condition.NewEvaluator(logger)
	}
	return &Service{
		stores:     stores,
		engine:     eng,
		contexts:   contexts,
		conditions: conditions,
		logger:     logging.OrNop(logger),
		tracer:     tracer,
	}
}

// CreateInput carries one subdivision request. Exactly one of
// SubWorkflowBaseID and Definition must be set.
type CreateInput struct {
	OriginalTaskID      uuid.UUID
	Subdivider          string
	Name                string
	SubWorkflowBaseID   *uuid.UUID
	Definition          *TemplateDefinition
	ContextToPass       string
	ParentSubdivisionID *uuid.UUID
	ExecuteImmediately  bool
}

// CreateSubdivision verifies ownership and state, collapses duplicate
// requests for the same (task, subdivider, name) triple to the existing
// non-terminal subdivision, materializes or reuses the child template and,
// when requested, starts the child workflow under a parent context snapshot.
func (s *Service) CreateSubdivision(ctx context.Context, in CreateInput) (*model.TaskSubdivision, error) {
	const op = "subdivision.CreateSubdivision"

	ctx, span := s.tracer.StartSpan(ctx, "subdivision.CreateSubdivision",
		attribute.String("task_id", in.OriginalTaskID.String()),
		attribute.String("subdivision_name", in.Name))
	defer span.End()

	if in.Name == "" {
		return nil, errors.Validation(op, "a subdivision name is required")
	}
	task, err := s.stores.Tasks.GetTask(ctx, in.OriginalTaskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID != in.Subdivider {
		return nil, errors.PermissionDenied(op, "task "+task.ID.String()+" is not assigned to "+in.Subdivider)
	}
	switch task.Status {
	case model.TaskStatusPending, model.TaskStatusAssigned:
	default:
		return nil, errors.Validation(op, "task "+task.ID.String()+" cannot be subdivided in status "+string(task.Status))
	}

	unlock := s.locks.lock(in.OriginalTaskID, in.Subdivider, in.Name)
	defer unlock()

	if existing, err := s.stores.Subdivisions.FindActiveSubdivision(ctx, in.OriginalTaskID, in.Subdivider, in.Name); err == nil {
		s.logger.Info("subdivision: returning existing subdivision %s for task %s", existing.ID, in.OriginalTaskID)
		return existing, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	baseID, err := s.resolveTemplate(ctx, in)
	if err != nil {
		return nil, err
	}

	sub := &model.TaskSubdivision{
		ID:                  uuid.New(),
		OriginalTaskID:      in.OriginalTaskID,
		SubdividerID:        in.Subdivider,
		Name:                in.Name,
		SubWorkflowBaseID:   baseID,
		ParentSubdivisionID: in.ParentSubdivisionID,
		ContextPassed:       in.ContextToPass,
		Status:              model.SubdivisionStatusCreated,
	}
	if err := s.stores.Subdivisions.CreateSubdivision(ctx, sub); err != nil {
		return nil, err
	}
	s.logEvent(ctx, task, sub)

	if !in.ExecuteImmediately {
		return sub, nil
	}
	if err := s.execute(ctx, task, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// resolveTemplate reuses the referenced template base or creates a new
// template version from the inline definition.
func (s *Service) resolveTemplate(ctx context.Context, in CreateInput) (uuid.UUID, error) {
	const op = "subdivision.resolveTemplate"

	if in.SubWorkflowBaseID != nil {
		template, err := s.stores.Workflows.LatestTemplateByBase(ctx, *in.SubWorkflowBaseID)
		if err != nil {
			return uuid.Nil, err
		}
		return template.Workflow.BaseID, nil
	}
	if in.Definition == nil {
		return uuid.Nil, errors.Validation(op, "either a template base or an inline definition is required")
	}
	template, err := s.buildTemplate(in.Definition, in.ContextToPass, in.Subdivider)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.stores.Workflows.CreateTemplate(ctx, template); err != nil {
		return uuid.Nil, err
	}
	for _, n := range template.Nodes {
		def := in.Definition.node(n.Name)
		if def == nil {
			continue
		}
		for _, processorID := range def.ProcessorIDs {
			binding := &model.NodeProcessor{ID: uuid.New(), NodeBaseID: n.BaseID, ProcessorID: processorID}
			if err := s.stores.Processors.BindProcessor(ctx, binding); err != nil {
				return uuid.Nil, err
			}
		}
	}
	return template.Workflow.BaseID, nil
}

// execute snapshots the parent context, starts the child workflow and
// registers the completion bridge. The snapshot restores the parent's
// in-memory state at callback time regardless of the child's outcome.
func (s *Service) execute(ctx context.Context, task *model.TaskInstance, sub *model.TaskSubdivision) error {
	parentCtx, err := s.contexts.GetOrCreate(ctx, task.WorkflowInstanceID)
	if err != nil {
		return err
	}
	snap := parentCtx.Snapshot()

	var input map[string]any
	if sub.ContextPassed != "" {
		input = map[string]any{"subdivision_context": sub.ContextPassed}
	}
	child, err := s.engine.ExecuteWorkflow(ctx, sub.SubWorkflowBaseID, sub.Name, input, sub.SubdividerID)
	if err != nil {
		sub.Status = model.SubdivisionStatusFailed
		if updErr := s.stores.Subdivisions.UpdateSubdivision(ctx, sub); updErr != nil {
			s.logger.Error("subdivision: marking %s failed after start error: %v", sub.ID, updErr)
		}
		return err
	}

	sub.SubWorkflowInstanceID = &child.ID
	sub.Status = model.SubdivisionStatusExecuting
	if err := s.stores.Subdivisions.UpdateSubdivision(ctx, sub); err != nil {
		return err
	}

	subID, taskID, parentInstanceID := sub.ID, task.ID, task.WorkflowInstanceID
	s.engine.RegisterCompletionCallback(child.ID, func(childID uuid.UUID, status model.InstanceStatus, results map[string]any) {
		s.onChildFinished(context.Background(), subID, taskID, parentInstanceID, childID, status, results, snap)
	})

	// The child may have finished synchronously before the callback was
	// registered; the poller would catch it eventually, this catches it now.
	if err := s.engine.NotifyIfTerminal(ctx, child.ID); err != nil {
		s.logger.Warn("subdivision: terminal check for child %s failed: %v", child.ID, err)
	}
	return nil
}

// onChildFinished restores the parent context snapshot, finalizes the
// subdivision row and bridges the child's results onto the parent task.
func (s *Service) onChildFinished(ctx context.Context, subID, taskID, parentInstanceID, childID uuid.UUID, status model.InstanceStatus, results map[string]any, snap *execution.Snapshot) {
	if err := s.engine.RestoreContextSnapshot(ctx, parentInstanceID, snap); err != nil {
		s.logger.Warn("subdivision: restoring parent context %s failed: %v", parentInstanceID, err)
	}

	sub, err := s.stores.Subdivisions.GetSubdivision(ctx, subID)
	if err != nil {
		s.logger.Error("subdivision: loading %s at child completion failed: %v", subID, err)
		return
	}
	if status == model.InstanceStatusCompleted {
		sub.Status = model.SubdivisionStatusCompleted
	} else {
		sub.Status = model.SubdivisionStatusFailed
	}
	if err := s.stores.Subdivisions.UpdateSubdivision(ctx, sub); err != nil {
		s.logger.Error("subdivision: finalizing %s failed: %v", subID, err)
	}

	if status != model.InstanceStatusCompleted {
		s.logger.Warn("subdivision: child %s of task %s finished %s; no results bridged", childID, taskID, status)
		return
	}
	summary := summarizeResults(results)
	if err := s.engine.BridgeSubdivisionResult(ctx, taskID, results, summary); err != nil {
		s.logger.Error("subdivision: bridging results of %s onto task %s failed: %v", childID, taskID, err)
		return
	}
	s.logger.Info("subdivision: bridged results of child %s onto task %s", childID, taskID)
}

func (s *Service) logEvent(ctx context.Context, task *model.TaskInstance, sub *model.TaskSubdivision) {
	err := s.stores.Events.AppendEvent(ctx, &model.WorkflowEvent{
		ID:                 uuid.New(),
		WorkflowInstanceID: task.WorkflowInstanceID,
		Type:               model.EventSubdivisionCreated,
		NodeInstanceID:     &task.NodeInstanceID,
		TaskInstanceID:     &task.ID,
		Payload: map[string]any{
			"subdivision_id":   sub.ID.String(),
			"subdivision_name": sub.Name,
		},
	})
	if err != nil {
		s.logger.Warn("subdivision: appending event for %s failed: %v", sub.ID, err)
	}
}

// keyedLocks serializes subdivision creation per idempotency triple so
// duplicate clicks collapse onto one row.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(taskID uuid.UUID, subdivider, name string) func() {
	key := taskID.String() + "|" + subdivider + "|" + name

	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func summarizeResults(results map[string]any) string {
	if s, ok := results["summary"].(string); ok && s != "" {
		return s
	}
	if len(results) == 0 {
		return ""
	}
	return "sub-workflow completed"
}
