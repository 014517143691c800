// Package dispatch routes task instances to their execution sinks: the
// passive human task inbox and the bounded agent worker pool. The engine
// feeds tasks in; agent results flow back through the ResultSubmitter the
// engine implements, so dispatch never depends on the engine package.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"loom/internal/agent"
	"loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/model"
)

// ResultSubmitter receives agent outcomes. The engine's implementation runs
// the same completion path used for human submissions. reference marks the
// agent half of a mixed task, recorded without completing the task.
type ResultSubmitter interface {
	SubmitAgentResult(ctx context.Context, taskID uuid.UUID, resp agent.Response, reference bool) error
	FailAgentTask(ctx context.Context, taskID uuid.UUID, reason string) error
}

// Router places a task into the sink its kind demands. Human tasks are
// passive: the persisted row, indexed by assignee, is the queue, and no
// goroutine parks on it. Agent tasks enter the worker pool. Mixed tasks do
// both: the human keeps ownership while the agent produces a reference
// result.
type Router struct {
	pool   *WorkerPool
	logger logging.Logger
}

// NewRouter constructs a router over the agent worker pool.
func NewRouter(pool *WorkerPool, logger logging.Logger) *Router {
	return &Router{pool: pool, logger: logging.OrNop(logger)}
}

// Dispatch enqueues the task with its assembled agent request. An error
// means the task reached no sink and the caller must roll the task row back;
// human-only tasks cannot fail here.
func (r *Router) Dispatch(ctx context.Context, task *model.TaskInstance, req agent.Request) error {
	const op = "dispatch.Dispatch"

	switch task.Kind {
	case model.TaskKindHuman:
		r.logger.Debug("dispatch: task %s queued for user %s", task.ID, task.AssignedUserID)
		return nil
	case model.TaskKindAgent:
		return r.pool.Enqueue(ctx, workItem{
			taskID:  task.ID,
			agentID: task.AgentID,
			retries: task.MaxRetries,
			req:     req,
		})
	case model.TaskKindMixed:
		r.logger.Debug("dispatch: mixed task %s queued for user %s with agent reference %s",
			task.ID, task.AssignedUserID, task.AgentID)
		return r.pool.Enqueue(ctx, workItem{
			taskID:    task.ID,
			agentID:   task.AgentID,
			retries:   task.MaxRetries,
			req:       req,
			reference: true,
		})
	default:
		return errors.Validationf(op, "task %s has unknown kind %q", task.ID, task.Kind)
	}
}

// QueueDepth reports the number of agent tasks waiting in the pool.
func (r *Router) QueueDepth() int { return r.pool.QueueDepth() }
