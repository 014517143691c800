// Package execution holds the in-memory reasoning surface for "what runs
// next" in a workflow instance: the execution context and the process-wide
// manager that caches and recovers contexts. The database stays the system
// of record; a lost context is always rebuildable.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/model"
)

// NodeState is the in-context lifecycle of a node instance.
type NodeState string

const (
	StatePending   NodeState = "PENDING"
	StateReady     NodeState = "READY"
	StateExecuting NodeState = "EXECUTING"
	StateCompleted NodeState = "COMPLETED"
	StateFailed    NodeState = "FAILED"
)

// stateForPersisted maps a persisted node instance status onto the context
// state used during structural rebuild.
func stateForPersisted(status model.NodeInstanceStatus) NodeState {
	switch status {
	case model.NodeInstanceStatusRunning:
		return StateExecuting
	case model.NodeInstanceStatusCompleted:
		return StateCompleted
	case model.NodeInstanceStatusFailed:
		return StateFailed
	default:
		return StatePending
	}
}

// Context tracks dependency counts, states and outputs for one workflow
// instance. All mutating operations are serialized by the internal mutex;
// the engine additionally holds the per-instance workflow lock, so a context
// is never mutated concurrently from two engine paths.
type Context struct {
	mu sync.RWMutex

	instanceID  uuid.UUID
	initialized bool

	// upstream holds the full registered dependency sets; remaining holds
	// what each node still waits on.
	upstream   map[uuid.UUID][]uuid.UUID
	remaining  map[uuid.UUID]map[uuid.UUID]struct{}
	successors map[uuid.UUID][]uuid.UUID

	states    map[uuid.UUID]NodeState
	outputs   map[uuid.UUID]map[string]any
	completed map[uuid.UUID]struct{}
	executing map[uuid.UUID]struct{}

	pendingTriggers []uuid.UUID
	dispatched      map[uuid.UUID]struct{}
	readySince      map[uuid.UUID]time.Time

	completionsSinceSnapshot int
	lastTouched              time.Time

	readyC chan struct{}
}

// NewContext creates an empty context for the instance. Call Initialize (or
// a manager recovery path) before use.
func NewContext(instanceID uuid.UUID) *Context {
	return &Context{
		instanceID:  instanceID,
		upstream:    make(map[uuid.UUID][]uuid.UUID),
		remaining:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		successors:  make(map[uuid.UUID][]uuid.UUID),
		states:      make(map[uuid.UUID]NodeState),
		outputs:     make(map[uuid.UUID]map[string]any),
		completed:   make(map[uuid.UUID]struct{}),
		executing:   make(map[uuid.UUID]struct{}),
		dispatched:  make(map[uuid.UUID]struct{}),
		readySince:  make(map[uuid.UUID]time.Time),
		lastTouched: time.Now(),
		readyC:      make(chan struct{}, 1),
	}
}

// InstanceID returns the owning workflow instance.
func (c *Context) InstanceID() uuid.UUID { return c.instanceID }

// ReadySignal is pulsed whenever nodes become newly ready. The engine drains
// synchronously after MarkCompleted; the channel exists for monitors that
// watch a context they do not drive.
func (c *Context) ReadySignal() <-chan struct{} { return c.readyC }

// Initialize builds the dependency graph from the instance's node instances
// and the template's connections, mapping connection endpoints (node base
// IDs) onto node instance IDs. Every node starts PENDING; start nodes become
// READY. Calling Initialize on an initialized context is a no-op.
func (c *Context) Initialize(nodeInstances []*model.NodeInstance, connections []model.NodeConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return
	}
	c.initialized = true
	c.lastTouched = time.Now()

	byBase := make(map[uuid.UUID]uuid.UUID, len(nodeInstances))
	for _, ni := range nodeInstances {
		byBase[ni.NodeBaseID] = ni.ID
		c.states[ni.ID] = StatePending
	}

	for _, conn := range connections {
		from, okFrom := byBase[conn.FromNodeBaseID]
		to, okTo := byBase[conn.ToNodeBaseID]
		if !okFrom || !okTo {
			continue
		}
		c.registerEdgeLocked(from, to)
	}

	for _, ni := range nodeInstances {
		if ni.Type == model.NodeTypeStart {
			c.markReadyLocked(ni.ID)
		}
	}
}

// RegisterDependencies replaces the dependency set of a node; used during
// recovery when rebuilding from persisted state.
func (c *Context) RegisterDependencies(node uuid.UUID, upstreamSet []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = true
	if _, ok := c.states[node]; !ok {
		c.states[node] = StatePending
	}
	for _, prev := range c.upstream[node] {
		c.successors[prev] = removeID(c.successors[prev], node)
	}
	c.upstream[node] = nil
	c.remaining[node] = make(map[uuid.UUID]struct{})
	for _, up := range upstreamSet {
		c.registerEdgeLocked(up, node)
	}
}

func (c *Context) registerEdgeLocked(from, to uuid.UUID) {
	c.upstream[to] = append(c.upstream[to], from)
	if c.remaining[to] == nil {
		c.remaining[to] = make(map[uuid.UUID]struct{})
	}
	if _, done := c.completed[from]; !done {
		c.remaining[to][from] = struct{}{}
	}
	c.successors[from] = append(c.successors[from], to)
	if _, ok := c.states[from]; !ok {
		c.states[from] = StatePending
	}
}

// MarkCompleted atomically records the output, completes the node,
// decrements every successor's pending set and queues newly-ready
// successors. Completing an already-completed node is a no-op.
func (c *Context) MarkCompleted(node uuid.UUID, output map[string]any) {
	c.mu.Lock()

	if _, done := c.completed[node]; done {
		c.mu.Unlock()
		return
	}
	c.lastTouched = time.Now()
	c.outputs[node] = output
	c.states[node] = StateCompleted
	c.completed[node] = struct{}{}
	delete(c.executing, node)
	delete(c.readySince, node)
	c.completionsSinceSnapshot++

	var newlyReady bool
	for _, succ := range c.successors[node] {
		rem := c.remaining[succ]
		if rem == nil {
			continue
		}
		delete(rem, node)
		if len(rem) == 0 && c.states[succ] == StatePending {
			c.markReadyLocked(succ)
			newlyReady = true
		}
	}
	c.mu.Unlock()

	if newlyReady {
		select {
		case c.readyC <- struct{}{}:
		default:
		}
	}
}

func (c *Context) markReadyLocked(node uuid.UUID) {
	c.states[node] = StateReady
	c.pendingTriggers = append(c.pendingTriggers, node)
	c.readySince[node] = time.Now()
}

// GetReadyNodes drains the pending trigger queue. Each node is returned at
// most once over the lifetime of this context object, in the order it became
// ready.
func (c *Context) GetReadyNodes() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTouched = time.Now()
	if len(c.pendingTriggers) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(c.pendingTriggers))
	for _, node := range c.pendingTriggers {
		if _, seen := c.dispatched[node]; seen {
			continue
		}
		// A queued node may have been completed or failed by a recovery
		// replay before the drain; only READY nodes leave the queue.
		if c.states[node] != StateReady {
			continue
		}
		c.dispatched[node] = struct{}{}
		out = append(out, node)
	}
	c.pendingTriggers = c.pendingTriggers[:0]
	return out
}

// MarkExecuting moves a node to EXECUTING.
func (c *Context) MarkExecuting(node uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTouched = time.Now()
	c.states[node] = StateExecuting
	c.executing[node] = struct{}{}
	delete(c.readySince, node)
}

// MarkFailed moves a node to FAILED.
func (c *Context) MarkFailed(node uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTouched = time.Now()
	c.states[node] = StateFailed
	delete(c.executing, node)
	delete(c.readySince, node)
}

// State returns the context state of a node.
func (c *Context) State(node uuid.UUID) NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[node]
}

// Output returns the recorded output of a node, or nil.
func (c *Context) Output(node uuid.UUID) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outputs[node]
}

// CompletedNodes returns the set of completed node instance IDs.
func (c *Context) CompletedNodes() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(c.completed))
	for id := range c.completed {
		out = append(out, id)
	}
	return out
}

// Upstream returns the registered upstream set of a node in insertion order.
func (c *Context) Upstream(node uuid.UUID) []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uuid.UUID, len(c.upstream[node]))
	copy(out, c.upstream[node])
	return out
}

// LastTouched reports the last mutation or drain time; the manager uses it
// for TTL eviction.
func (c *Context) LastTouched() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTouched
}

// CompletionsSinceSnapshot reports node completions since the last
// NoteSnapshot; the engine snapshots when this crosses its threshold.
func (c *Context) CompletionsSinceSnapshot() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completionsSinceSnapshot
}

// NoteSnapshot resets the completion counter after a persisted snapshot.
func (c *Context) NoteSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completionsSinceSnapshot = 0
}

// Health is the result of a context self-check.
type Health struct {
	Healthy bool
	Reasons []string
}

// HealthCheck verifies the context against persisted node statuses: ready
// nodes must be dispatched within the grace period, and a node the database
// says is completed must not still block a successor.
func (c *Context) HealthCheck(persisted map[uuid.UUID]model.NodeInstanceStatus, grace time.Duration) Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := Health{Healthy: true}
	now := time.Now()
	for node, since := range c.readySince {
		if _, gone := c.dispatched[node]; gone {
			continue
		}
		if now.Sub(since) > grace {
			h.Healthy = false
			h.Reasons = append(h.Reasons, fmt.Sprintf("node %s ready but undispatched for %s", node, now.Sub(since).Truncate(time.Second)))
		}
	}
	for node, rem := range c.remaining {
		for up := range rem {
			if persisted[up] == model.NodeInstanceStatusCompleted {
				h.Healthy = false
				h.Reasons = append(h.Reasons, fmt.Sprintf("node %s still blocked on completed upstream %s", node, up))
			}
		}
	}
	return h
}

func removeID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
