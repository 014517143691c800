package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/agent"
	"loom/internal/errors"
	"loom/internal/model"
)

// fakeSubmitter records submitted results and failures, optionally rejecting
// submissions with a configured error.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitErr error
	results   []submittedResult
	failures  []submittedFailure
	done      chan struct{}
}

type submittedResult struct {
	taskID    uuid.UUID
	resp      agent.Response
	reference bool
}

type submittedFailure struct {
	taskID uuid.UUID
	reason string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{done: make(chan struct{}, 16)}
}

func (f *fakeSubmitter) SubmitAgentResult(_ context.Context, taskID uuid.UUID, resp agent.Response, reference bool) error {
	f.mu.Lock()
	f.results = append(f.results, submittedResult{taskID: taskID, resp: resp, reference: reference})
	err := f.submitErr
	f.mu.Unlock()
	f.done <- struct{}{}
	return err
}

func (f *fakeSubmitter) FailAgentTask(_ context.Context, taskID uuid.UUID, reason string) error {
	f.mu.Lock()
	f.failures = append(f.failures, submittedFailure{taskID: taskID, reason: reason})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSubmitter) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the pool to finish the task")
	}
}

func (f *fakeSubmitter) snapshot() ([]submittedResult, []submittedFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submittedResult(nil), f.results...), append([]submittedFailure(nil), f.failures...)
}

func fastPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func startPool(t *testing.T, cfg PoolConfig, invoker agent.Invoker, submitter ResultSubmitter) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(cfg, invoker, submitter, nil, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return pool
}

func agentTask(kind model.TaskKind) *model.TaskInstance {
	return &model.TaskInstance{
		ID:             uuid.New(),
		Kind:           kind,
		AgentID:        "agent-1",
		AssignedUserID: "user-1",
	}
}

func TestPool_SuccessDeliversResult(t *testing.T) {
	submitter := newFakeSubmitter()
	invoker := &agent.MockInvoker{}
	pool := startPool(t, fastPoolConfig(), invoker, submitter)

	task := agentTask(model.TaskKindAgent)
	router := NewRouter(pool, nil)
	require.NoError(t, router.Dispatch(context.Background(), task, agent.Request{TaskTitle: "t"}))

	submitter.waitOne(t)
	results, failures := submitter.snapshot()
	require.Len(t, results, 1)
	assert.Empty(t, failures)
	assert.Equal(t, task.ID, results[0].taskID)
	assert.Equal(t, map[string]any{"ok": true}, results[0].resp.OutputData)
	assert.False(t, results[0].reference)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	submitter := newFakeSubmitter()
	invoker := &agent.MockInvoker{FailuresBeforeSuccess: 2}
	pool := startPool(t, fastPoolConfig(), invoker, submitter)

	require.NoError(t, pool.Enqueue(context.Background(), workItem{
		taskID:  uuid.New(),
		agentID: "agent-1",
		req:     agent.Request{TaskTitle: "t"},
	}))

	submitter.waitOne(t)
	results, failures := submitter.snapshot()
	require.Len(t, results, 1)
	assert.Empty(t, failures)
	assert.Len(t, invoker.Calls(), 3)
}

func TestPool_NonRetryableFailsImmediately(t *testing.T) {
	submitter := newFakeSubmitter()
	invoker := &agent.MockInvoker{
		Respond: func(string, agent.Request) (agent.Response, error) {
			return agent.Response{}, fmt.Errorf("%w: agent rejected the request", agent.ErrNonRetryable)
		},
	}
	pool := startPool(t, fastPoolConfig(), invoker, submitter)

	taskID := uuid.New()
	require.NoError(t, pool.Enqueue(context.Background(), workItem{
		taskID:  taskID,
		agentID: "agent-1",
		req:     agent.Request{TaskTitle: "t"},
	}))

	submitter.waitOne(t)
	results, failures := submitter.snapshot()
	assert.Empty(t, results)
	require.Len(t, failures, 1)
	assert.Equal(t, taskID, failures[0].taskID)
	assert.Len(t, invoker.Calls(), 1, "non-retryable errors must not be retried")
}

func TestPool_ExhaustedRetriesReportFailure(t *testing.T) {
	submitter := newFakeSubmitter()
	invoker := &agent.MockInvoker{FailuresBeforeSuccess: 100}
	cfg := fastPoolConfig()
	cfg.Retry.MaxAttempts = 2
	pool := startPool(t, cfg, invoker, submitter)

	require.NoError(t, pool.Enqueue(context.Background(), workItem{
		taskID:  uuid.New(),
		agentID: "agent-1",
		req:     agent.Request{TaskTitle: "t"},
	}))

	submitter.waitOne(t)
	results, failures := submitter.snapshot()
	assert.Empty(t, results)
	require.Len(t, failures, 1)
	assert.NotEmpty(t, failures[0].reason)
}

func TestPool_FullQueueIsTransient(t *testing.T) {
	// Never started: nothing drains the queue.
	pool := NewWorkerPool(PoolConfig{Workers: 1, QueueSize: 1}, &agent.MockInvoker{}, newFakeSubmitter(), nil, nil)

	require.NoError(t, pool.Enqueue(context.Background(), workItem{taskID: uuid.New()}))
	err := pool.Enqueue(context.Background(), workItem{taskID: uuid.New()})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1, pool.QueueDepth())
}

func TestRouter_HumanTaskReachesNoPool(t *testing.T) {
	// A nil pool would panic on enqueue; human tasks must never get there.
	router := NewRouter(nil, nil)
	err := router.Dispatch(context.Background(), agentTask(model.TaskKindHuman), agent.Request{})
	assert.NoError(t, err)
}

func TestRouter_MixedTaskCarriesReferenceFlag(t *testing.T) {
	submitter := newFakeSubmitter()
	pool := startPool(t, fastPoolConfig(), &agent.MockInvoker{}, submitter)
	router := NewRouter(pool, nil)

	task := agentTask(model.TaskKindMixed)
	require.NoError(t, router.Dispatch(context.Background(), task, agent.Request{TaskTitle: "t"}))

	submitter.waitOne(t)
	results, _ := submitter.snapshot()
	require.Len(t, results, 1)
	assert.True(t, results[0].reference, "mixed tasks record the agent output as reference only")
}

func TestRouter_UnknownKindIsValidation(t *testing.T) {
	router := NewRouter(nil, nil)
	err := router.Dispatch(context.Background(), agentTask("robot"), agent.Request{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestPool_DiscardsResultForGoneTask(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.submitErr = errors.Conflict("test", "workflow no longer running")
	pool := startPool(t, fastPoolConfig(), &agent.MockInvoker{}, submitter)

	require.NoError(t, pool.Enqueue(context.Background(), workItem{
		taskID:  uuid.New(),
		agentID: "agent-1",
		req:     agent.Request{TaskTitle: "t"},
	}))

	submitter.waitOne(t)
	_, failures := submitter.snapshot()
	assert.Empty(t, failures, "a rejected result must not be converted into a task failure")
}
