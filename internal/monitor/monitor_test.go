package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/agent"
	"loom/internal/dispatch"
	"loom/internal/engine"
	"loom/internal/execution"
	"loom/internal/model"
	"loom/internal/store/memory"
)

type harness struct {
	store   *memory.Store
	engine  *engine.Engine
	manager *execution.Manager
	monitor *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := memory.New(memory.Config{})
	stores := s.Stores()
	manager, err := execution.NewManager(execution.DefaultManagerConfig(), stores, nil, nil)
	require.NoError(t, err)

	cfg := dispatch.DefaultPoolConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	pool := dispatch.NewWorkerPool(cfg, &agent.MockInvoker{}, nil, nil, nil)
	router := dispatch.NewRouter(pool, nil)

	eng := engine.New(engine.DefaultConfig(), stores, manager, router, nil, nil, nil, nil)
	pool.SetSubmitter(eng)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	mcfg := DefaultConfig()
	mcfg.IdleThreshold = -time.Second // everything running counts as idle
	mon := New(mcfg, eng, stores, nil, nil)

	require.NoError(t, s.PutUser(context.Background(), &model.User{ID: "u1", Name: "User One", Active: true}))
	return &harness{store: s, engine: eng, manager: manager, monitor: mon}
}

// startLinear builds start -> A -> B -> end with both nodes human u1 and
// executes it.
func (h *harness) startLinear(t *testing.T) *model.WorkflowInstance {
	t.Helper()

	workflowID, baseID := uuid.New(), uuid.New()
	template := &model.Template{
		Workflow: model.Workflow{
			ID: workflowID, BaseID: baseID, Version: 1,
			Name: "linear", Status: model.TemplateStatusPublished,
		},
	}
	names := []string{"start", "A", "B", "end"}
	types := []model.NodeType{model.NodeTypeStart, model.NodeTypeProcessor, model.NodeTypeProcessor, model.NodeTypeEnd}
	byName := make(map[string]model.Node, 4)
	for i, name := range names {
		n := model.Node{
			ID: uuid.New(), WorkflowID: workflowID, BaseID: uuid.New(),
			Version: 1, Name: name, Type: types[i],
		}
		template.Nodes = append(template.Nodes, n)
		byName[name] = n
	}
	for _, e := range [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}} {
		template.Connections = append(template.Connections, model.NodeConnection{
			ID: uuid.New(), WorkflowID: workflowID,
			FromNodeBaseID: byName[e[0]].BaseID, ToNodeBaseID: byName[e[1]].BaseID,
		})
	}
	require.NoError(t, model.ValidateTemplate(template))
	require.NoError(t, h.store.CreateTemplate(context.Background(), template))

	for _, name := range []string{"A", "B"} {
		p := &model.Processor{ID: uuid.New(), Kind: model.ProcessorKindHuman, Name: "human:u1", UserID: "u1"}
		require.NoError(t, h.store.CreateProcessor(context.Background(), p))
		require.NoError(t, h.store.BindProcessor(context.Background(), &model.NodeProcessor{
			ID: uuid.New(), NodeBaseID: byName[name].BaseID, ProcessorID: p.ID,
		}))
	}

	wi, err := h.engine.ExecuteWorkflow(context.Background(), baseID, "run", nil, "u1")
	require.NoError(t, err)
	return wi
}

func (h *harness) assignedTask(t *testing.T, title string) *model.TaskInstance {
	t.Helper()
	tasks, err := h.engine.ListUserTasks(context.Background(), "u1", nil, 0)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Title == title && task.Status == model.TaskStatusAssigned {
			return task
		}
	}
	t.Fatalf("no assigned task titled %q", title)
	return nil
}

// stall simulates a crash between B becoming ready and its task surviving:
// the task row is dropped, the node reverts to pending and the in-memory
// context disappears.
func (h *harness) stall(t *testing.T, wi *model.WorkflowInstance) {
	t.Helper()

	task := h.assignedTask(t, "B")
	require.NoError(t, h.store.DeleteTask(context.Background(), task.ID))

	nodes, err := h.store.ListNodeInstances(context.Background(), wi.ID)
	require.NoError(t, err)
	for _, ni := range nodes {
		if ni.Name == "B" {
			ni.Status = model.NodeInstanceStatusPending
			require.NoError(t, h.store.UpdateNodeInstance(context.Background(), ni))
		}
	}
	h.manager.Remove(wi.ID)
}

func TestScanStalls_RecoversLostFrontier(t *testing.T) {
	h := newHarness(t)
	wi := h.startLinear(t)

	taskA := h.assignedTask(t, "A")
	require.NoError(t, h.engine.SubmitTaskResult(context.Background(), taskA.ID, "u1", map[string]any{"a": 1}, "", nil))

	h.stall(t, wi)

	recovered := h.monitor.ScanStalls(context.Background())
	assert.Equal(t, 1, recovered)

	// The frontier task is back in the queue and the run can finish.
	taskB := h.assignedTask(t, "B")
	require.NoError(t, h.engine.SubmitTaskResult(context.Background(), taskB.ID, "u1", nil, "", nil))

	final, err := h.store.GetInstance(context.Background(), wi.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
}

func TestScanStalls_SkipsInstancesWithLiveTasks(t *testing.T) {
	h := newHarness(t)
	h.startLinear(t)

	// A is assigned, so the instance is waiting on a human, not stalled.
	recovered := h.monitor.ScanStalls(context.Background())
	assert.Equal(t, 0, recovered)
	assert.Equal(t, 0, h.monitor.Snapshot().StalledFound)
}

func TestScanStalls_BoundsRecoveryAttempts(t *testing.T) {
	h := newHarness(t)
	wi := h.startLinear(t)

	taskA := h.assignedTask(t, "A")
	require.NoError(t, h.engine.SubmitTaskResult(context.Background(), taskA.ID, "u1", nil, "", nil))

	for i := 0; i < 3; i++ {
		h.stall(t, wi)
		assert.Equal(t, 1, h.monitor.ScanStalls(context.Background()))
	}

	// A fourth stall exceeds the attempt budget; the instance is left alone.
	h.stall(t, wi)
	assert.Equal(t, 0, h.monitor.ScanStalls(context.Background()))

	stats := h.monitor.Snapshot()
	assert.Equal(t, 3, stats.Recovered)
	assert.Equal(t, 1, stats.AttemptsExhausted)

	tasks, err := h.store.ListTasksByInstance(context.Background(), wi.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.NotEqual(t, "B", task.Title, "no new frontier task after the budget is spent")
	}
}

func TestPollCompletions_DeliversLateRegistrations(t *testing.T) {
	h := newHarness(t)
	wi := h.startLinear(t)

	for _, title := range []string{"A", "B"} {
		task := h.assignedTask(t, title)
		require.NoError(t, h.engine.SubmitTaskResult(context.Background(), task.ID, "u1", map[string]any{"from": title}, "", nil))
	}
	require.Equal(t, model.InstanceStatusCompleted, func() model.InstanceStatus {
		got, err := h.store.GetInstance(context.Background(), wi.ID)
		require.NoError(t, err)
		return got.Status
	}())

	var fired atomic.Int32
	h.engine.RegisterCompletionCallback(wi.ID, func(id uuid.UUID, status model.InstanceStatus, results map[string]any) {
		assert.Equal(t, wi.ID, id)
		assert.Equal(t, model.InstanceStatusCompleted, status)
		fired.Add(1)
	})

	h.monitor.PollCompletions(context.Background())
	h.monitor.PollCompletions(context.Background())
	assert.Equal(t, int32(1), fired.Load())
}

func TestMonitor_StartStop(t *testing.T) {
	h := newHarness(t)
	h.monitor.cfg.PollInterval = 10 * time.Millisecond
	h.monitor.cfg.ScanInterval = 10 * time.Millisecond

	require.NoError(t, h.monitor.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.monitor.Snapshot().Scans >= 1
	}, 5*time.Second, 5*time.Millisecond)
	h.monitor.Stop()
}
