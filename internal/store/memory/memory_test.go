package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/errors"
	"loom/internal/model"
)

func newTestInstance() *model.WorkflowInstance {
	return &model.WorkflowInstance{
		ID:             uuid.New(),
		WorkflowID:     uuid.New(),
		WorkflowBaseID: uuid.New(),
		Name:           "review pipeline",
		Executor:       "user-1",
		Status:         model.InstanceStatusRunning,
		Input:          map[string]any{"doc": "draft.md"},
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	wi := newTestInstance()
	require.NoError(t, s.CreateInstance(ctx, wi))

	got, err := s.GetInstance(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, wi.Name, got.Name)
	assert.Equal(t, model.InstanceStatusRunning, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	// Mutating the returned copy must not leak into the store.
	got.Input["doc"] = "mutated"
	again, err := s.GetInstance(ctx, wi.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft.md", again.Input["doc"])
}

func TestCreateInstance_Duplicate(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	wi := newTestInstance()
	require.NoError(t, s.CreateInstance(ctx, wi))
	err := s.CreateInstance(ctx, wi)
	assert.True(t, errors.IsConflict(err))
}

func TestListStale(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	fresh := newTestInstance()
	require.NoError(t, s.CreateInstance(ctx, fresh))

	stale := newTestInstance()
	stale.CreatedAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, s.CreateInstance(ctx, stale))

	done := newTestInstance()
	done.Status = model.InstanceStatusCompleted
	done.CreatedAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, s.CreateInstance(ctx, done))

	out, err := s.ListStale(ctx, []model.InstanceStatus{model.InstanceStatusRunning}, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].ID)
}

func TestSoftDeleteCascade(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	wi := newTestInstance()
	require.NoError(t, s.CreateInstance(ctx, wi))

	ni := &model.NodeInstance{
		ID:                 uuid.New(),
		WorkflowInstanceID: wi.ID,
		NodeBaseID:         uuid.New(),
		Name:               "review",
		Type:               model.NodeTypeProcessor,
		Status:             model.NodeInstanceStatusRunning,
	}
	require.NoError(t, s.CreateNodeInstances(ctx, []*model.NodeInstance{ni}))

	task := &model.TaskInstance{
		ID:                 uuid.New(),
		NodeInstanceID:     ni.ID,
		WorkflowInstanceID: wi.ID,
		Title:              "review the draft",
		Kind:               model.TaskKindHuman,
		Status:             model.TaskStatusPending,
		AssignedUserID:     "user-1",
	}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.SoftDeleteCascade(ctx, wi.ID))

	_, err := s.GetInstance(ctx, wi.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.GetNodeInstance(ctx, ni.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.GetTask(ctx, task.ID)
	assert.True(t, errors.IsNotFound(err))

	tasks, err := s.ListTasksByUser(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestListTasksByUser_FilterAndLimit(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	wi := newTestInstance()
	require.NoError(t, s.CreateInstance(ctx, wi))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		status := model.TaskStatusPending
		if i == 2 {
			status = model.TaskStatusCompleted
		}
		task := &model.TaskInstance{
			ID:                 uuid.New(),
			NodeInstanceID:     uuid.New(),
			WorkflowInstanceID: wi.ID,
			Title:              "task",
			Kind:               model.TaskKindHuman,
			Status:             status,
			AssignedUserID:     "user-1",
			CreatedAt:          base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateTask(ctx, task))
	}

	pending := model.TaskStatusPending
	out, err := s.ListTasksByUser(ctx, "user-1", &pending, 0)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.ListTasksByUser(ctx, "user-1", nil, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.TaskStatusCompleted, out[0].Status) // newest first
}

func TestDeleteTask_RemovesRow(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	task := &model.TaskInstance{
		ID:                 uuid.New(),
		NodeInstanceID:     uuid.New(),
		WorkflowInstanceID: uuid.New(),
		Title:              "doomed",
		Kind:               model.TaskKindAgent,
		Status:             model.TaskStatusPending,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err := s.GetTask(ctx, task.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.DeleteTask(ctx, task.ID)))
}

func TestEventSeq_MonotonicPerInstance(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &model.WorkflowEvent{
			ID:                 uuid.New(),
			WorkflowInstanceID: a,
			Type:               model.EventNodeCompleted,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &model.WorkflowEvent{
		ID:                 uuid.New(),
		WorkflowInstanceID: b,
		Type:               model.EventWorkflowStarted,
	}))

	events, err := s.ListEvents(ctx, a, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	events, err = s.ListEvents(ctx, a, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Seq)

	events, err = s.ListEvents(ctx, b, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestSnapshotRetention(t *testing.T) {
	s := New(Config{SnapshotRetention: 2})
	ctx := context.Background()

	instanceID := uuid.New()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, &model.ContextSnapshot{
			ID:                 uuid.New(),
			WorkflowInstanceID: instanceID,
			ExecutionState:     "running",
			ContextData:        map[string]any{"round": i},
		}))
	}

	latest, err := s.LatestSnapshot(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest.Seq)

	s.mu.RLock()
	kept := len(s.snapshots[instanceID])
	s.mu.RUnlock()
	assert.Equal(t, 2, kept)
}

func TestFindActiveSubdivision(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	taskID := uuid.New()
	sd := &model.TaskSubdivision{
		ID:                uuid.New(),
		OriginalTaskID:    taskID,
		SubdividerID:      "user-2",
		Name:              "legal review",
		SubWorkflowBaseID: uuid.New(),
		Status:            model.SubdivisionStatusExecuting,
	}
	require.NoError(t, s.CreateSubdivision(ctx, sd))

	got, err := s.FindActiveSubdivision(ctx, taskID, "user-2", "legal review")
	require.NoError(t, err)
	assert.Equal(t, sd.ID, got.ID)

	// Terminal subdivisions do not satisfy the idempotency lookup.
	got.Status = model.SubdivisionStatusCompleted
	require.NoError(t, s.UpdateSubdivision(ctx, got))
	_, err = s.FindActiveSubdivision(ctx, taskID, "user-2", "legal review")
	assert.True(t, errors.IsNotFound(err))
}

func TestLatestTemplateByBase(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	baseID := uuid.New()
	nodeBase := uuid.New()
	for v := 1; v <= 3; v++ {
		wfID := uuid.New()
		tpl := &model.Template{
			Workflow: model.Workflow{
				ID:      wfID,
				BaseID:  baseID,
				Version: v,
				Name:    "pipeline",
				Status:  model.TemplateStatusPublished,
			},
			Nodes: []model.Node{
				{ID: uuid.New(), WorkflowID: wfID, BaseID: nodeBase, Version: v, Name: "start", Type: model.NodeTypeStart},
			},
		}
		require.NoError(t, s.CreateTemplate(ctx, tpl))
	}

	got, err := s.LatestTemplateByBase(ctx, baseID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Workflow.Version)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, 3, got.Nodes[0].Version)
}
