// Package engine drives the workflow state machines: instances, node
// instances and tasks. All mutation of one workflow instance happens under
// that instance's lock; the execution context supplies the ready frontier
// and the stores make every transition durable.
package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"loom/internal/condition"
	"loom/internal/dispatch"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/logging"
	"loom/internal/model"
	"loom/internal/observability"
	"loom/internal/store"
)

const (
	defaultSnapshotEvery  = 5
	defaultTaskMaxRetries = 3
)

// Config tunes the engine.
type Config struct {
	// SnapshotEvery persists a full context snapshot after this many node
	// completions.
	SnapshotEvery int `mapstructure:"snapshot_every"`
	// TaskMaxRetries bounds agent retry attempts per task.
	TaskMaxRetries int `mapstructure:"task_max_retries"`
}

// DefaultConfig returns the documented engine bounds.
func DefaultConfig() Config {
	return Config{SnapshotEvery: defaultSnapshotEvery, TaskMaxRetries: defaultTaskMaxRetries}
}

// CompletionCallback is invoked exactly once when a workflow instance
// reaches a terminal status.
type CompletionCallback func(instanceID uuid.UUID, status model.InstanceStatus, results map[string]any)

// Engine is the state-machine driver. It implements dispatch.ResultSubmitter
// so agent results re-enter through the same completion path humans use.
type Engine struct {
	cfg        Config
	stores     store.Stores
	contexts   *execution.Manager
	router     *dispatch.Router
	conditions *condition.Evaluator
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider

	locks     lockTable
	callbacks callbackRegistry
}

// New constructs the engine. logger, metrics and tracer may be nil.
func New(cfg Config, stores store.Stores, contexts *execution.Manager, router *dispatch.Router, conditions *condition.Evaluator, logger logging.Logger, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *Engine {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = defaultSnapshotEvery
	}
	if cfg.TaskMaxRetries <= 0 {
		cfg.TaskMaxRetries = defaultTaskMaxRetries
	}
	if conditions == nil {
		conditions = condition.NewEvaluator(logger)
	}
	return &Engine{
		cfg:        cfg,
		stores:     stores,
		contexts:   contexts,
		router:     router,
		conditions: conditions,
		logger:     logging.OrNop(logger),
		metrics:    metrics,
		tracer:     tracer,
	}
}

var _ dispatch.ResultSubmitter = (*Engine)(nil)

// RegisterCompletionCallback registers a callback fired once when the
// instance reaches a terminal status. Registering on an already-terminal
// instance is allowed; the monitor's poller delivers it.
func (e *Engine) RegisterCompletionCallback(instanceID uuid.UUID, cb CompletionCallback) {
	e.callbacks.add(instanceID, cb)
}

// CallbackInstances lists instances with registered completion callbacks;
// the completion poller scans these.
func (e *Engine) CallbackInstances() []uuid.UUID {
	return e.callbacks.instances()
}

// NotifyIfTerminal fires and removes the instance's completion callbacks if
// it has reached a terminal status. Safe to call repeatedly.
func (e *Engine) NotifyIfTerminal(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := e.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !instance.Status.Terminal() {
		return nil
	}
	results, err := e.CollectResults(ctx, instanceID)
	if err != nil {
		e.logger.Warn("engine: collecting results for %s failed: %v", instanceID, err)
		results = map[string]any{}
	}
	e.fireCallbacks(instanceID, instance.Status, results)
	return nil
}

// RestoreContextSnapshot replaces the instance's execution-context state
// with a previously captured snapshot, under the same instance lock the
// engine's other operations take.
func (e *Engine) RestoreContextSnapshot(ctx context.Context, instanceID uuid.UUID, snap *execution.Snapshot) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	execCtx, err := e.contexts.GetOrCreate(ctx, instanceID)
	if err != nil {
		return err
	}
	execCtx.RestoreFromSnapshot(snap)
	return nil
}

// CollectResults assembles the final results of an instance: the end-node
// outputs when present, otherwise the outputs of completed tasks keyed by
// title.
func (e *Engine) CollectResults(ctx context.Context, instanceID uuid.UUID) (map[string]any, error) {
	nodes, err := e.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any)
	for _, ni := range nodes {
		if ni.Type == model.NodeTypeEnd && ni.Status == model.NodeInstanceStatusCompleted {
			for k, v := range ni.OutputData {
				results[k] = v
			}
		}
	}
	if len(results) > 0 {
		return results, nil
	}
	tasks, err := e.stores.Tasks.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == model.TaskStatusCompleted && t.OutputData != nil {
			results[t.Title] = t.OutputData
		}
	}
	return results, nil
}

func (e *Engine) fireCallbacks(instanceID uuid.UUID, status model.InstanceStatus, results map[string]any) {
	for _, cb := range e.callbacks.take(instanceID) {
		cb(instanceID, status, results)
	}
}

// recordEvent appends one row to the per-instance event log.
func (e *Engine) recordEvent(ctx context.Context, instanceID uuid.UUID, typ model.EventType, nodeID, taskID *uuid.UUID, payload map[string]any) error {
	return e.stores.Events.AppendEvent(ctx, &model.WorkflowEvent{
		ID:                 uuid.New(),
		WorkflowInstanceID: instanceID,
		Type:               typ,
		NodeInstanceID:     nodeID,
		TaskInstanceID:     taskID,
		Payload:            payload,
	})
}

// logEvent is recordEvent for ancillary events where a log write failure
// must not fail the operation.
func (e *Engine) logEvent(ctx context.Context, instanceID uuid.UUID, typ model.EventType, nodeID, taskID *uuid.UUID, payload map[string]any) {
	if err := e.recordEvent(ctx, instanceID, typ, nodeID, taskID, payload); err != nil {
		e.logger.Warn("engine: appending %s event for %s failed: %v", typ, instanceID, err)
	}
}

// lockTable serializes all mutation per workflow instance.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// lock acquires the instance lock and returns its release func.
func (lt *lockTable) lock(id uuid.UUID) func() {
	lt.mu.Lock()
	if lt.locks == nil {
		lt.locks = make(map[uuid.UUID]*sync.Mutex)
	}
	l, ok := lt.locks[id]
	if !ok {
		l = &sync.Mutex{}
		lt.locks[id] = l
	}
	lt.mu.Unlock()

	l.Lock()
	return l.Unlock
}

type callbackRegistry struct {
	mu        sync.Mutex
	callbacks map[uuid.UUID][]CompletionCallback
}

func (r *callbackRegistry) add(id uuid.UUID, cb CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callbacks == nil {
		r.callbacks = make(map[uuid.UUID][]CompletionCallback)
	}
	r.callbacks[id] = append(r.callbacks[id], cb)
}

func (r *callbackRegistry) take(id uuid.UUID) []CompletionCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	cbs := r.callbacks[id]
	delete(r.callbacks, id)
	return cbs
}

func (r *callbackRegistry) instances() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.callbacks))
	for id := range r.callbacks {
		out = append(out, id)
	}
	return out
}

// ensureTaskOwner verifies the task is assigned to the acting user.
func ensureTaskOwner(op string, task *model.TaskInstance, userID string) error {
	if task.AssignedUserID == "" || task.AssignedUserID != userID {
		return errors.PermissionDenied(op, "task "+task.ID.String()+" is not assigned to "+userID)
	}
	return nil
}
