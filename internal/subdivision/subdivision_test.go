package subdivision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/agent"
	"loom/internal/dispatch"
	"loom/internal/engine"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/model"
	"loom/internal/store/memory"
)

type harness struct {
	store   *memory.Store
	engine  *engine.Engine
	service *Service
	invoker *agent.MockInvoker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := memory.New(memory.Config{})
	stores := s.Stores()
	manager, err := execution.NewManager(execution.DefaultManagerConfig(), stores, nil, nil)
	require.NoError(t, err)

	invoker := &agent.MockInvoker{}
	cfg := dispatch.DefaultPoolConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	pool := dispatch.NewWorkerPool(cfg, invoker, nil, nil, nil)
	router := dispatch.NewRouter(pool, nil)

	eng := engine.New(engine.DefaultConfig(), stores, manager, router, nil, nil, nil, nil)
	pool.SetSubmitter(eng)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	svc := NewService(stores, eng, manager, nil, nil, nil)

	require.NoError(t, s.PutUser(context.Background(), &model.User{ID: "u1", Name: "User One", Active: true}))
	require.NoError(t, s.PutUser(context.Background(), &model.User{ID: "u2", Name: "User Two", Active: true}))
	return &harness{store: s, engine: eng, service: svc, invoker: invoker}
}

// startParent builds a start -> H -> end workflow with H bound to the given
// users, runs it and returns the instance plus u1's task.
func (h *harness) startParent(t *testing.T, users ...string) (*model.WorkflowInstance, *model.TaskInstance) {
	t.Helper()

	workflowID, baseID := uuid.New(), uuid.New()
	template := &model.Template{
		Workflow: model.Workflow{
			ID: workflowID, BaseID: baseID, Version: 1,
			Name: "parent", Status: model.TemplateStatusPublished,
		},
	}
	names := []string{"start", "H", "end"}
	types := []model.NodeType{model.NodeTypeStart, model.NodeTypeProcessor, model.NodeTypeEnd}
	byName := make(map[string]model.Node, 3)
	for i, name := range names {
		n := model.Node{
			ID: uuid.New(), WorkflowID: workflowID, BaseID: uuid.New(),
			Version: 1, Name: name, Type: types[i],
		}
		template.Nodes = append(template.Nodes, n)
		byName[name] = n
	}
	template.Connections = []model.NodeConnection{
		{ID: uuid.New(), WorkflowID: workflowID, FromNodeBaseID: byName["start"].BaseID, ToNodeBaseID: byName["H"].BaseID},
		{ID: uuid.New(), WorkflowID: workflowID, FromNodeBaseID: byName["H"].BaseID, ToNodeBaseID: byName["end"].BaseID},
	}
	require.NoError(t, model.ValidateTemplate(template))
	require.NoError(t, h.store.CreateTemplate(context.Background(), template))

	for _, userID := range users {
		p := &model.Processor{ID: uuid.New(), Kind: model.ProcessorKindHuman, Name: "human:" + userID, UserID: userID}
		require.NoError(t, h.store.CreateProcessor(context.Background(), p))
		require.NoError(t, h.store.BindProcessor(context.Background(), &model.NodeProcessor{
			ID: uuid.New(), NodeBaseID: byName["H"].BaseID, ProcessorID: p.ID,
		}))
	}

	wi, err := h.engine.ExecuteWorkflow(context.Background(), baseID, "parent-run", nil, users[0])
	require.NoError(t, err)

	tasks, err := h.engine.ListUserTasks(context.Background(), users[0], nil, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return wi, tasks[0]
}

// agentProcessor persists an agent processor and returns its ID for inline
// definitions.
func (h *harness) agentProcessor(t *testing.T, agentID string) uuid.UUID {
	t.Helper()
	p := &model.Processor{ID: uuid.New(), Kind: model.ProcessorKindAgent, Name: "agent:" + agentID, AgentID: agentID}
	require.NoError(t, h.store.CreateProcessor(context.Background(), p))
	return p.ID
}

func (h *harness) childDefinition(processorID uuid.UUID) *TemplateDefinition {
	return &TemplateDefinition{
		Name: "analysis",
		Nodes: []NodeDefinition{
			{Name: "start", Type: model.NodeTypeStart},
			{Name: "A", Type: model.NodeTypeProcessor, ProcessorIDs: []uuid.UUID{processorID}},
			{Name: "end", Type: model.NodeTypeEnd},
		},
		Connections: []ConnectionDefinition{
			{From: "start", To: "A"},
			{From: "A", To: "end"},
		},
	}
}

func (h *harness) waitForSubdivision(t *testing.T, id uuid.UUID, want model.SubdivisionStatus) *model.TaskSubdivision {
	t.Helper()
	var sub *model.TaskSubdivision
	require.Eventually(t, func() bool {
		got, err := h.store.GetSubdivision(context.Background(), id)
		if err != nil {
			return false
		}
		sub = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "subdivision %s never reached %s", id, want)
	return sub
}

func TestSubdivision_BridgesResultsAndRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	wi, task := h.startParent(t, "u1", "u2")

	sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID:     task.ID,
		Subdivider:         "u1",
		Name:               "deep-dive",
		Definition:         h.childDefinition(h.agentProcessor(t, "agent-1")),
		ContextToPass:      "analyze the numbers",
		ExecuteImmediately: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sub.SubWorkflowInstanceID)

	h.waitForSubdivision(t, sub.ID, model.SubdivisionStatusCompleted)

	child, err := h.store.GetInstance(context.Background(), *sub.SubWorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, child.Status)
	assert.Equal(t, "analyze the numbers", child.Input["subdivision_context"])

	// The child's results land on the task as reference data; the task and
	// the parent workflow both stay open until u1 confirms.
	bridged, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAssigned, bridged.Status)
	assert.NotEmpty(t, bridged.ResultSummary)
	result, ok := bridged.ContextData["subdivision_result"].(map[string]any)
	require.True(t, ok, "bridged result missing")
	assert.Equal(t, map[string]any{"ok": true}, result["A"])

	parent, err := h.store.GetInstance(context.Background(), wi.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, parent.Status)

	require.NoError(t, h.engine.SubmitTaskResult(context.Background(), task.ID, "u1", map[string]any{"confirmed": true}, "", nil))

	u2Tasks, err := h.engine.ListUserTasks(context.Background(), "u2", nil, 0)
	require.NoError(t, err)
	require.Len(t, u2Tasks, 1)
	require.NoError(t, h.engine.SubmitTaskResult(context.Background(), u2Tasks[0].ID, "u2", nil, "", nil))

	final, err := h.store.GetInstance(context.Background(), wi.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
}

func TestSubdivision_SoleTaskCompletesNodeEarly(t *testing.T) {
	h := newHarness(t)
	wi, task := h.startParent(t, "u1")

	sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID:     task.ID,
		Subdivider:         "u1",
		Name:               "delegate",
		Definition:         h.childDefinition(h.agentProcessor(t, "agent-1")),
		ExecuteImmediately: true,
	})
	require.NoError(t, err)

	h.waitForSubdivision(t, sub.ID, model.SubdivisionStatusCompleted)

	// With no other sibling outstanding the node completes from the bridged
	// results and the workflow runs through; the task itself stays open.
	require.Eventually(t, func() bool {
		parent, err := h.store.GetInstance(context.Background(), wi.ID)
		return err == nil && parent.Status == model.InstanceStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	bridged, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAssigned, bridged.Status)

	parent, err := h.store.GetInstance(context.Background(), wi.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"A": map[string]any{"ok": true}}, parent.Output["H"])

	err = h.engine.SubmitTaskResult(context.Background(), task.ID, "u1", nil, "", nil)
	assert.True(t, errors.IsConflict(err), "submit on a finished workflow should conflict, got %v", err)
}

func TestCreateSubdivision_ConcurrentCallsCollapse(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")
	def := h.childDefinition(h.agentProcessor(t, "agent-1"))

	const callers = 8
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
				OriginalTaskID: task.ID,
				Subdivider:     "u1",
				Name:           "deep-dive",
				Definition:     def,
			})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = sub.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	subs, err := h.store.ListSubdivisionsByInstance(context.Background(), task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestCreateSubdivision_RejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	_, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID: task.ID,
		Subdivider:     "u2",
		Name:           "steal",
		Definition:     h.childDefinition(h.agentProcessor(t, "agent-1")),
	})
	assert.True(t, errors.IsPermissionDenied(err), "expected permission denied, got %v", err)
}

func TestCreateSubdivision_RejectsStartedTask(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")
	require.NoError(t, h.engine.StartTask(context.Background(), task.ID, "u1"))

	_, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID: task.ID,
		Subdivider:     "u1",
		Name:           "late",
		Definition:     h.childDefinition(h.agentProcessor(t, "agent-1")),
	})
	assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
}

func TestCreateSubdivision_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	_, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID: task.ID,
		Subdivider:     "u1",
		Name:           "broken",
		Definition: &TemplateDefinition{
			Name: "no-end",
			Nodes: []NodeDefinition{
				{Name: "start", Type: model.NodeTypeStart},
				{Name: "A", Type: model.NodeTypeProcessor},
			},
			Connections: []ConnectionDefinition{{From: "start", To: "A"}},
		},
	})
	require.Error(t, err)
}

func TestCreateSubdivision_RejectsBadCondition(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	def := h.childDefinition(h.agentProcessor(t, "agent-1"))
	def.Connections[1].Condition = "output[" // unparseable

	_, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID: task.ID,
		Subdivider:     "u1",
		Name:           "bad-condition",
		Definition:     def,
	})
	require.Error(t, err)
}

func TestCreateSubdivision_ReusesTemplateBase(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	// Persist a reusable child template up front.
	def := h.childDefinition(h.agentProcessor(t, "agent-1"))
	template, err := h.service.buildTemplate(def, "", "u1")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTemplate(context.Background(), template))

	sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID:    task.ID,
		Subdivider:        "u1",
		Name:              "reuse",
		SubWorkflowBaseID: &template.Workflow.BaseID,
	})
	require.NoError(t, err)
	assert.Equal(t, template.Workflow.BaseID, sub.SubWorkflowBaseID)
	assert.Equal(t, model.SubdivisionStatusCreated, sub.Status)
	assert.Nil(t, sub.SubWorkflowInstanceID)
}

func TestSubdivision_ChildFailureLeavesTaskUntouched(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	// A processor node with no binding fails the child workflow immediately.
	def := &TemplateDefinition{
		Name: "doomed",
		Nodes: []NodeDefinition{
			{Name: "start", Type: model.NodeTypeStart},
			{Name: "A", Type: model.NodeTypeProcessor},
			{Name: "end", Type: model.NodeTypeEnd},
		},
		Connections: []ConnectionDefinition{
			{From: "start", To: "A"},
			{From: "A", To: "end"},
		},
	}
	sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID:     task.ID,
		Subdivider:         "u1",
		Name:               "doomed",
		Definition:         def,
		ExecuteImmediately: true,
	})
	require.NoError(t, err)

	h.waitForSubdivision(t, sub.ID, model.SubdivisionStatusFailed)

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAssigned, got.Status)
	assert.NotContains(t, got.ContextData, "subdivision_result")
}

func TestCreateSubdivision_ContextReachesChildStartNode(t *testing.T) {
	h := newHarness(t)
	_, task := h.startParent(t, "u1", "u2")

	sub, err := h.service.CreateSubdivision(context.Background(), CreateInput{
		OriginalTaskID: task.ID,
		Subdivider:     "u1",
		Name:           "with-context",
		Definition:     h.childDefinition(h.agentProcessor(t, "agent-1")),
		ContextToPass:  "focus on Q3",
	})
	require.NoError(t, err)

	template, err := h.store.LatestTemplateByBase(context.Background(), sub.SubWorkflowBaseID)
	require.NoError(t, err)
	start, ok := template.StartNode()
	require.True(t, ok)
	assert.Contains(t, start.Description, "focus on Q3")
}
