package merge

import (
	"context"
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
	"loom/internal/subdivision"
)

type harness struct {
	store    *memory.Store
	engine   *engine.Engine
	subs     *subdivision.Service
	merger   *Service
	agentPID uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := memory.New(memory.Config{})
	stores := s.Stores()
	manager, err := execution.NewManager(execution.DefaultManagerConfig(), stores, nil, nil)
	require.NoError(t, err)

	cfg := dispatch.DefaultPoolConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	pool := dispatch.NewWorkerPool(cfg, &agent.MockInvoker{}, nil, nil, nil)
	router := dispatch.NewRouter(pool, nil)

	eng := engine.New(engine.DefaultConfig(), stores, manager, router, nil, nil, nil, nil)
	pool.SetSubmitter(eng)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	require.NoError(t, s.PutUser(context.Background(), &model.User{ID: "u1", Name: "User One", Active: true}))

	p := &model.Processor{ID: uuid.New(), Kind: model.ProcessorKindAgent, Name: "agent:worker", AgentID: "worker"}
	require.NoError(t, s.CreateProcessor(context.Background(), p))

	return &harness{
		store:    s,
		engine:   eng,
		subs:     subdivision.NewService(stores, eng, manager, nil, nil, nil),
		merger:   NewService(stores, nil, nil),
		agentPID: p.ID,
	}
}

func (h *harness) humanProcessor(t *testing.T, userID string) uuid.UUID {
	t.Helper()
	p := &model.Processor{ID: uuid.New(), Kind: model.ProcessorKindHuman, Name: "human:" + userID, UserID: userID}
	require.NoError(t, h.store.CreateProcessor(context.Background(), p))
	return p.ID
}

// startRoot builds start -> P -> Q -> end with P and Q as human u1 nodes,
// executes it and returns the instance.
func (h *harness) startRoot(t *testing.T) *model.WorkflowInstance {
	t.Helper()

	workflowID, baseID := uuid.New(), uuid.New()
	template := &model.Template{
		Workflow: model.Workflow{
			ID: workflowID, BaseID: baseID, Version: 1,
			Name: "R", Status: model.TemplateStatusPublished,
		},
	}
	names := []string{"start", "P", "Q", "end"}
	types := []model.NodeType{model.NodeTypeStart, model.NodeTypeProcessor, model.NodeTypeProcessor, model.NodeTypeEnd}
	byName := make(map[string]model.Node, 4)
	for i, name := range names {
		n := model.Node{
			ID: uuid.New(), WorkflowID: workflowID, BaseID: uuid.New(),
			Version: 1, Name: name, Type: types[i], X: float64(i) * 100,
		}
		template.Nodes = append(template.Nodes, n)
		byName[name] = n
	}
	for _, e := range [][2]string{{"start", "P"}, {"P", "Q"}, {"Q", "end"}} {
		template.Connections = append(template.Connections, model.NodeConnection{
			ID: uuid.New(), WorkflowID: workflowID,
			FromNodeBaseID: byName[e[0]].BaseID, ToNodeBaseID: byName[e[1]].BaseID,
		})
	}
	require.NoError(t, model.ValidateTemplate(template))
	require.NoError(t, h.store.CreateTemplate(context.Background(), template))

	for _, name := range []string{"P", "Q"} {
		require.NoError(t, h.store.BindProcessor(context.Background(), &model.NodeProcessor{
			ID: uuid.New(), NodeBaseID: byName[name].BaseID, ProcessorID: h.humanProcessor(t, "u1"),
		}))
	}

	wi, err := h.engine.ExecuteWorkflow(context.Background(), baseID, "root-run", nil, "u1")
	require.NoError(t, err)
	return wi
}

// taskByTitle waits for u1 to hold an assigned task with the given title.
func (h *harness) taskByTitle(t *testing.T, title string) *model.TaskInstance {
	t.Helper()
	var found *model.TaskInstance
	require.Eventually(t, func() bool {
		tasks, err := h.engine.ListUserTasks(context.Background(), "u1", nil, 0)
		if err != nil {
			return false
		}
		for _, task := range tasks {
			if task.Title == title && task.Status == model.TaskStatusAssigned {
				found = task
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no assigned task titled %q", title)
	return found
}

func humanDef(name string, processorID uuid.UUID, nodes ...string) *subdivision.TemplateDefinition {
	def := &subdivision.TemplateDefinition{
		Name:  name,
		Nodes: []subdivision.NodeDefinition{{Name: "start", Type: model.NodeTypeStart}},
	}
	prev := "start"
	for _, n := range nodes {
		def.Nodes = append(def.Nodes, subdivision.NodeDefinition{
			Name: n, Type: model.NodeTypeProcessor, ProcessorIDs: []uuid.UUID{processorID},
		})
		def.Connections = append(def.Connections, subdivision.ConnectionDefinition{From: prev, To: n})
		prev = n
	}
	def.Nodes = append(def.Nodes, subdivision.NodeDefinition{Name: "end", Type: model.NodeTypeEnd})
	def.Connections = append(def.Connections, subdivision.ConnectionDefinition{From: prev, To: "end"})
	return def
}

// buildTwoLevelTree runs the root, subdivides P into s1 (P1 -> P2) and P1
// into s2 (P1a -> P1b), and returns the root instance plus both subdivisions
// once s1 has a recorded child instance.
func (h *harness) buildTwoLevelTree(t *testing.T) (*model.WorkflowInstance, *model.TaskSubdivision, *model.TaskSubdivision) {
	t.Helper()

	wi := h.startRoot(t)
	taskP := h.taskByTitle(t, "P")

	humanPID := h.humanProcessor(t, "u1")
	s1, err := h.subs.CreateSubdivision(context.Background(), subdivision.CreateInput{
		OriginalTaskID:     taskP.ID,
		Subdivider:         "u1",
		Name:               "s1",
		Definition:         humanDef("s1", humanPID, "P1", "P2"),
		ExecuteImmediately: true,
	})
	require.NoError(t, err)
	require.NotNil(t, s1.SubWorkflowInstanceID)

	taskP1 := h.taskByTitle(t, "P1")
	s2, err := h.subs.CreateSubdivision(context.Background(), subdivision.CreateInput{
		OriginalTaskID:      taskP1.ID,
		Subdivider:          "u1",
		Name:                "s2",
		Definition:          humanDef("s2", h.agentPID, "P1a", "P1b"),
		ParentSubdivisionID: &s1.ID,
		ExecuteImmediately:  true,
	})
	require.NoError(t, err)

	// s2's agent child completes on its own and bridges back through P1.
	require.Eventually(t, func() bool {
		got, err := h.store.GetSubdivision(context.Background(), s2.ID)
		return err == nil && got.Status == model.SubdivisionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	return wi, s1, s2
}

// adjacency indexes merged connections by node name for topology assertions.
func adjacency(t *testing.T, tpl *model.Template) map[string][]string {
	t.Helper()
	nameOf := make(map[uuid.UUID]string, len(tpl.Nodes))
	for _, n := range tpl.Nodes {
		nameOf[n.BaseID] = n.Name
	}
	adj := make(map[string][]string)
	for _, c := range tpl.Connections {
		adj[nameOf[c.FromNodeBaseID]] = append(adj[nameOf[c.FromNodeBaseID]], nameOf[c.ToNodeBaseID])
	}
	return adj
}

func TestExecuteMerge_TwoLevelTree(t *testing.T) {
	h := newHarness(t)
	wi, s1, s2 := h.buildTwoLevelTree(t)

	result, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{s1.ID, s2.ID}, "u1")
	require.NoError(t, err)

	tpl := result.Template
	assert.Equal(t, "R_merged_1", tpl.Workflow.Name)
	require.NotNil(t, tpl.Workflow.ParentBaseID)
	assert.Equal(t, wi.WorkflowBaseID, *tpl.Workflow.ParentBaseID)

	var names []string
	for _, n := range tpl.Nodes {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"start", "P1a", "P1b", "P2", "Q", "end"}, names)

	adj := adjacency(t, tpl)
	assert.Equal(t, []string{"P1a"}, adj["start"])
	assert.Equal(t, []string{"P1b"}, adj["P1a"])
	assert.Equal(t, []string{"P2"}, adj["P1b"])
	assert.Equal(t, []string{"Q"}, adj["P2"])
	assert.Equal(t, []string{"end"}, adj["Q"])

	// Persisted and loadable as the latest version of the new base.
	stored, err := h.store.LatestTemplateByBase(context.Background(), tpl.Workflow.BaseID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 6)
	assert.Equal(t, 6, result.Stats.NodeCount)
	assert.Equal(t, 2, result.Stats.ReplacedNodes)
}

func TestExecuteMerge_SingleLevelSelection(t *testing.T) {
	h := newHarness(t)
	wi, s1, _ := h.buildTwoLevelTree(t)

	result, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{s1.ID}, "u1")
	require.NoError(t, err)

	var names []string
	for _, n := range result.Template.Nodes {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"start", "P1", "P2", "Q", "end"}, names)

	adj := adjacency(t, result.Template)
	assert.Equal(t, []string{"P1"}, adj["start"])
	assert.Equal(t, []string{"P2"}, adj["P1"])
	assert.Equal(t, []string{"Q"}, adj["P2"])
}

func TestExecuteMerge_NestedSelectionImpliesAncestor(t *testing.T) {
	h := newHarness(t)
	wi, _, s2 := h.buildTwoLevelTree(t)

	// Selecting only the nested subdivision expands its whole chain.
	result, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{s2.ID}, "u1")
	require.NoError(t, err)

	var names []string
	for _, n := range result.Template.Nodes {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"start", "P1a", "P1b", "P2", "Q", "end"}, names)
}

func TestPreviewMerge_DoesNotPersist(t *testing.T) {
	h := newHarness(t)
	wi, s1, _ := h.buildTwoLevelTree(t)

	result, err := h.merger.PreviewMerge(context.Background(), wi.ID, []uuid.UUID{s1.ID})
	require.NoError(t, err)

	_, err = h.store.LatestTemplateByBase(context.Background(), result.Template.Workflow.BaseID)
	assert.True(t, errors.IsNotFound(err), "preview must not persist, got %v", err)
}

func TestExecuteMerge_RejectsForeignSelection(t *testing.T) {
	h := newHarness(t)
	wi, _, _ := h.buildTwoLevelTree(t)

	_, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{uuid.New()}, "u1")
	assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
}

func TestExecuteMerge_NumbersSuccessiveMerges(t *testing.T) {
	h := newHarness(t)
	wi, s1, _ := h.buildTwoLevelTree(t)

	first, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{s1.ID}, "u1")
	require.NoError(t, err)
	second, err := h.merger.ExecuteMerge(context.Background(), wi.ID, []uuid.UUID{s1.ID}, "u1")
	require.NoError(t, err)

	assert.Equal(t, "R_merged_1", first.Template.Workflow.Name)
	assert.Equal(t, "R_merged_2", second.Template.Workflow.Name)
	assert.NotEqual(t, first.Template.Workflow.BaseID, second.Template.Workflow.BaseID)
}
