package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/model"
	"loom/internal/store/memory"
)

// linearFixture builds start -> a -> b -> end with node instances and
// connections wired by base identity.
type linearFixture struct {
	instanceID       uuid.UUID
	start, a, b, end *model.NodeInstance
	nodeInstances    []*model.NodeInstance
	connections      []model.NodeConnection
}

func newLinearFixture() *linearFixture {
	f := &linearFixture{instanceID: uuid.New()}
	mk := func(name string, typ model.NodeType) *model.NodeInstance {
		return &model.NodeInstance{
			ID:                 uuid.New(),
			WorkflowInstanceID: f.instanceID,
			NodeID:             uuid.New(),
			NodeBaseID:         uuid.New(),
			Name:               name,
			Type:               typ,
			Status:             model.NodeInstanceStatusPending,
		}
	}
	f.start = mk("start", model.NodeTypeStart)
	f.a = mk("a", model.NodeTypeProcessor)
	f.b = mk("b", model.NodeTypeProcessor)
	f.end = mk("end", model.NodeTypeEnd)
	f.nodeInstances = []*model.NodeInstance{f.start, f.a, f.b, f.end}
	link := func(from, to *model.NodeInstance) model.NodeConnection {
		return model.NodeConnection{
			ID:             uuid.New(),
			FromNodeBaseID: from.NodeBaseID,
			ToNodeBaseID:   to.NodeBaseID,
		}
	}
	f.connections = []model.NodeConnection{
		link(f.start, f.a), link(f.a, f.b), link(f.b, f.end),
	}
	return f
}

func TestContext_LinearProgression(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)

	ready := c.GetReadyNodes()
	require.Equal(t, []uuid.UUID{f.start.ID}, ready)

	c.MarkCompleted(f.start.ID, map[string]any{"x": 1})
	ready = c.GetReadyNodes()
	require.Equal(t, []uuid.UUID{f.a.ID}, ready)
	assert.Equal(t, StateReady, c.State(f.a.ID))
	assert.Equal(t, StatePending, c.State(f.b.ID))

	c.MarkExecuting(f.a.ID)
	c.MarkCompleted(f.a.ID, map[string]any{"ok": true})
	ready = c.GetReadyNodes()
	require.Equal(t, []uuid.UUID{f.b.ID}, ready)
	assert.Equal(t, map[string]any{"ok": true}, c.Output(f.a.ID))
}

func TestContext_Initialize_Idempotent(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)
	c.Initialize(f.nodeInstances, f.connections)

	assert.Equal(t, []uuid.UUID{f.start.ID}, c.GetReadyNodes())
	assert.Empty(t, c.GetReadyNodes())
}

// Each node is returned from GetReadyNodes at most once per context
// lifetime, even when it is queued again through a restore.
func TestContext_DispatchAtMostOnce(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)

	first := c.GetReadyNodes()
	require.Equal(t, []uuid.UUID{f.start.ID}, first)
	assert.Empty(t, c.GetReadyNodes())

	c.MarkCompleted(f.start.ID, nil)
	c.MarkCompleted(f.a.ID, map[string]any{"ok": true})

	seen := make(map[uuid.UUID]int)
	for i := 0; i < 3; i++ {
		for _, id := range c.GetReadyNodes() {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "node %s dispatched %d times", id, n)
	}
}

func TestContext_FanIn(t *testing.T) {
	instanceID := uuid.New()
	mk := func(name string, typ model.NodeType) *model.NodeInstance {
		return &model.NodeInstance{
			ID: uuid.New(), WorkflowInstanceID: instanceID, NodeID: uuid.New(),
			NodeBaseID: uuid.New(), Name: name, Type: typ,
			Status: model.NodeInstanceStatusPending,
		}
	}
	start := mk("start", model.NodeTypeStart)
	a := mk("a", model.NodeTypeProcessor)
	b := mk("b", model.NodeTypeProcessor)
	join := mk("c", model.NodeTypeProcessor)
	nis := []*model.NodeInstance{start, a, b, join}
	conns := []model.NodeConnection{
		{ID: uuid.New(), FromNodeBaseID: start.NodeBaseID, ToNodeBaseID: a.NodeBaseID},
		{ID: uuid.New(), FromNodeBaseID: start.NodeBaseID, ToNodeBaseID: b.NodeBaseID},
		{ID: uuid.New(), FromNodeBaseID: a.NodeBaseID, ToNodeBaseID: join.NodeBaseID},
		{ID: uuid.New(), FromNodeBaseID: b.NodeBaseID, ToNodeBaseID: join.NodeBaseID},
	}

	c := NewContext(instanceID)
	c.Initialize(nis, conns)
	c.GetReadyNodes()
	c.MarkCompleted(start.ID, nil)

	ready := c.GetReadyNodes()
	require.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, ready)

	c.MarkCompleted(a.ID, map[string]any{"from": "a"})
	assert.Empty(t, c.GetReadyNodes(), "join must wait for both upstreams")

	c.MarkCompleted(b.ID, map[string]any{"from": "b"})
	assert.Equal(t, []uuid.UUID{join.ID}, c.GetReadyNodes())
}

// Snapshot/restore round-trips every observable field.
func TestContext_SnapshotRoundTrip(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)
	c.GetReadyNodes()
	c.MarkCompleted(f.start.ID, map[string]any{"x": 1})
	c.GetReadyNodes()
	c.MarkExecuting(f.a.ID)

	snap := c.Snapshot()

	restored := NewContext(f.instanceID)
	restored.RestoreFromSnapshot(snap)

	for _, ni := range f.nodeInstances {
		assert.Equal(t, c.State(ni.ID), restored.State(ni.ID), ni.Name)
		assert.Equal(t, c.Output(ni.ID), restored.Output(ni.ID), ni.Name)
		assert.Equal(t, c.Upstream(ni.ID), restored.Upstream(ni.ID), ni.Name)
	}
	assert.ElementsMatch(t, c.CompletedNodes(), restored.CompletedNodes())

	// Restored context continues where the original would have.
	restored.MarkCompleted(f.a.ID, map[string]any{"ok": true})
	assert.Equal(t, []uuid.UUID{f.b.ID}, restored.GetReadyNodes())
}

func TestContext_SnapshotProtectsAgainstLaterMutation(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)
	c.GetReadyNodes()

	snap := c.Snapshot()
	c.MarkCompleted(f.start.ID, map[string]any{"x": 1})
	require.Equal(t, StateCompleted, c.State(f.start.ID))

	c.RestoreFromSnapshot(snap)
	assert.Equal(t, StateReady, c.State(f.start.ID), "pre-restore states must not leak")
}

func TestSnapshot_ModelRoundTrip(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)
	c.GetReadyNodes()
	c.MarkCompleted(f.start.ID, map[string]any{"x": float64(1)})

	persisted := c.Snapshot().ToModel("running")
	back, err := SnapshotFromModel(persisted)
	require.NoError(t, err)

	restored := NewContext(f.instanceID)
	restored.RestoreFromSnapshot(back)
	assert.Equal(t, StateCompleted, restored.State(f.start.ID))
	assert.Equal(t, map[string]any{"x": float64(1)}, restored.Output(f.start.ID))
	assert.Equal(t, []uuid.UUID{f.a.ID}, restored.GetReadyNodes())
}

func TestContext_HealthCheck(t *testing.T) {
	f := newLinearFixture()
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)

	h := c.HealthCheck(nil, time.Hour)
	assert.True(t, h.Healthy)

	// Ready start node never dispatched: unhealthy once past the grace
	// period.
	h = c.HealthCheck(nil, -time.Second)
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Reasons)

	// Context disagreeing with persisted statuses is unhealthy.
	c.GetReadyNodes()
	persisted := map[uuid.UUID]model.NodeInstanceStatus{
		f.start.ID: model.NodeInstanceStatusCompleted,
	}
	h = c.HealthCheck(persisted, time.Hour)
	assert.False(t, h.Healthy)
}

func TestManager_StructuralRebuild(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Config{})
	f := newLinearFixture()

	wfID := uuid.New()
	baseID := uuid.New()
	tpl := &model.Template{
		Workflow: model.Workflow{ID: wfID, BaseID: baseID, Version: 1, Name: "p", Status: model.TemplateStatusPublished},
		Nodes: []model.Node{
			{ID: f.start.NodeID, WorkflowID: wfID, BaseID: f.start.NodeBaseID, Version: 1, Name: "start", Type: model.NodeTypeStart},
			{ID: f.a.NodeID, WorkflowID: wfID, BaseID: f.a.NodeBaseID, Version: 1, Name: "a", Type: model.NodeTypeProcessor},
			{ID: f.b.NodeID, WorkflowID: wfID, BaseID: f.b.NodeBaseID, Version: 1, Name: "b", Type: model.NodeTypeProcessor},
			{ID: f.end.NodeID, WorkflowID: wfID, BaseID: f.end.NodeBaseID, Version: 1, Name: "end", Type: model.NodeTypeEnd},
		},
	}
	for _, conn := range f.connections {
		conn.WorkflowID = wfID
		tpl.Connections = append(tpl.Connections, conn)
	}
	require.NoError(t, s.CreateTemplate(ctx, tpl))

	wi := &model.WorkflowInstance{
		ID: f.instanceID, WorkflowID: wfID, WorkflowBaseID: baseID,
		Name: "run", Executor: "u1", Status: model.InstanceStatusRunning,
	}
	require.NoError(t, s.CreateInstance(ctx, wi))

	// start and a completed before the context was lost.
	f.start.Status = model.NodeInstanceStatusCompleted
	f.start.OutputData = map[string]any{"x": 1}
	f.a.Status = model.NodeInstanceStatusCompleted
	f.a.OutputData = map[string]any{"ok": true}
	require.NoError(t, s.CreateNodeInstances(ctx, f.nodeInstances))

	mgr, err := NewManager(DefaultManagerConfig(), s.Stores(), nil, nil)
	require.NoError(t, err)

	c, err := mgr.GetOrCreate(ctx, f.instanceID)
	require.NoError(t, err)

	// The frontier after rebuild is b; the already-completed start node
	// must not be re-dispatched as completed nodes never re-enter READY.
	ready := c.GetReadyNodes()
	assert.Contains(t, ready, f.b.ID)
	assert.NotContains(t, ready, f.a.ID)
	assert.Equal(t, map[string]any{"ok": true}, c.Output(f.a.ID))
}

func TestManager_SnapshotRecoveryPreferred(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Config{})
	f := newLinearFixture()

	// No instance rows exist; only a snapshot. Recovery must not need them.
	c := NewContext(f.instanceID)
	c.Initialize(f.nodeInstances, f.connections)
	c.GetReadyNodes()
	c.MarkCompleted(f.start.ID, map[string]any{"x": float64(1)})
	require.NoError(t, s.SaveSnapshot(ctx, c.Snapshot().ToModel("running")))

	mgr, err := NewManager(DefaultManagerConfig(), s.Stores(), nil, nil)
	require.NoError(t, err)

	recovered, err := mgr.GetOrCreate(ctx, f.instanceID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, recovered.State(f.start.ID))
	assert.Equal(t, []uuid.UUID{f.a.ID}, recovered.GetReadyNodes())
}

func TestManager_RemoveThenRebuild(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Config{})
	f := newLinearFixture()

	wfID := uuid.New()
	tpl := &model.Template{
		Workflow: model.Workflow{ID: wfID, BaseID: uuid.New(), Version: 1, Name: "p", Status: model.TemplateStatusPublished},
	}
	for _, ni := range f.nodeInstances {
		tpl.Nodes = append(tpl.Nodes, model.Node{
			ID: ni.NodeID, WorkflowID: wfID, BaseID: ni.NodeBaseID, Version: 1, Name: ni.Name, Type: ni.Type,
		})
	}
	for _, conn := range f.connections {
		conn.WorkflowID = wfID
		tpl.Connections = append(tpl.Connections, conn)
	}
	require.NoError(t, s.CreateTemplate(ctx, tpl))
	require.NoError(t, s.CreateInstance(ctx, &model.WorkflowInstance{
		ID: f.instanceID, WorkflowID: wfID, WorkflowBaseID: tpl.Workflow.BaseID,
		Name: "run", Executor: "u1", Status: model.InstanceStatusRunning,
	}))
	require.NoError(t, s.CreateNodeInstances(ctx, f.nodeInstances))

	mgr, err := NewManager(ManagerConfig{MaxResident: 4}, s.Stores(), nil, nil)
	require.NoError(t, err)

	first, err := mgr.GetOrCreate(ctx, f.instanceID)
	require.NoError(t, err)
	mgr.Remove(f.instanceID)

	second, err := mgr.GetOrCreate(ctx, f.instanceID)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	stats := mgr.HealthStats(nil, time.Hour)
	assert.Equal(t, 1, stats.Resident)
	assert.GreaterOrEqual(t, stats.Rebuilt, int64(2))
}
