// Package memory provides a mutex-guarded, map-backed implementation of the
// store contracts. It backs tests and standalone (no database) runs; the
// postgres package is the production implementation.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/model"
	"loom/internal/store"
)

const defaultSnapshotRetention = 10

// Config tunes the in-memory store.
type Config struct {
	// SnapshotRetention caps snapshots kept per instance (default 10).
	SnapshotRetention int
}

// Store is the in-memory implementation of every store contract.
type Store struct {
	mu sync.RWMutex

	retention int

	workflows   map[uuid.UUID]model.Workflow
	nodes       map[uuid.UUID][]model.Node           // workflow version -> nodes
	connections map[uuid.UUID][]model.NodeConnection // workflow version -> connections

	processors map[uuid.UUID]model.Processor
	bindings   []model.NodeProcessor

	instances     map[uuid.UUID]model.WorkflowInstance
	nodeInstances map[uuid.UUID]model.NodeInstance
	tasks         map[uuid.UUID]model.TaskInstance
	subdivisions  map[uuid.UUID]model.TaskSubdivision

	snapshots map[uuid.UUID][]model.ContextSnapshot // instance -> snapshots, seq asc
	events    map[uuid.UUID][]model.WorkflowEvent   // instance -> events, seq asc
	seqs      map[uuid.UUID]int64                   // instance -> last event seq
	snapSeqs  map[uuid.UUID]int64                   // instance -> last snapshot seq

	users  map[string]model.User
	agents map[string]model.Agent
	files  map[uuid.UUID][]model.FileAssociation // node base -> files
}

// New creates an empty in-memory store.
func New(cfg Config) *Store {
	retention := cfg.SnapshotRetention
	if retention <= 0 {
		retention = defaultSnapshotRetention
	}
	return &Store{
		retention:     retention,
		workflows:     make(map[uuid.UUID]model.Workflow),
		nodes:         make(map[uuid.UUID][]model.Node),
		connections:   make(map[uuid.UUID][]model.NodeConnection),
		processors:    make(map[uuid.UUID]model.Processor),
		instances:     make(map[uuid.UUID]model.WorkflowInstance),
		nodeInstances: make(map[uuid.UUID]model.NodeInstance),
		tasks:         make(map[uuid.UUID]model.TaskInstance),
		subdivisions:  make(map[uuid.UUID]model.TaskSubdivision),
		snapshots:     make(map[uuid.UUID][]model.ContextSnapshot),
		events:        make(map[uuid.UUID][]model.WorkflowEvent),
		seqs:          make(map[uuid.UUID]int64),
		snapSeqs:      make(map[uuid.UUID]int64),
		users:         make(map[string]model.User),
		agents:        make(map[string]model.Agent),
		files:         make(map[uuid.UUID][]model.FileAssociation),
	}
}

// Stores returns the store bundled for injection.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Workflows:     s,
		Processors:    s,
		Instances:     s,
		NodeInstances: s,
		Tasks:         s,
		Subdivisions:  s,
		Snapshots:     s,
		Events:        s,
		Directory:     s,
	}
}

func now() time.Time { return time.Now().UTC() }

// cloneMap deep-copies a JSON-shaped map so stored rows never alias caller
// memory.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func sortTasksNewestFirst(tasks []*model.TaskInstance) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func sortNodeInstances(nis []*model.NodeInstance) {
	sort.Slice(nis, func(i, j int) bool {
		return nis[i].CreatedAt.Before(nis[j].CreatedAt)
	})
}
