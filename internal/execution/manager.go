package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/model"
	"loom/internal/observability"
	"loom/internal/store"
)

const (
	defaultMaxResident = 512
	defaultContextTTL  = 2 * time.Hour
)

// ManagerConfig tunes the context cache.
type ManagerConfig struct {
	// MaxResident caps live contexts; older ones are evicted LRU-first.
	MaxResident int `mapstructure:"max_resident"`
	// TTL evicts contexts idle longer than this.
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultManagerConfig returns the documented cache bounds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MaxResident: defaultMaxResident, TTL: defaultContextTTL}
}

// ManagerStats is a point-in-time view of the cache.
type ManagerStats struct {
	Resident  int
	Recovered int64
	Rebuilt   int64
	Evicted   int64
	Unhealthy int
	CheckedAt time.Time
}

// Manager is the process singleton owning workflow instance → context. On a
// cache miss it recovers from the latest persisted snapshot, falling back to
// a structural rebuild from node instance rows.
type Manager struct {
	mu sync.Mutex

	cfg     ManagerConfig
	cache   *lru.Cache[uuid.UUID, *Context]
	stores  store.Stores
	logger  logging.Logger
	metrics *observability.MetricsCollector

	recovered int64
	rebuilt   int64
	evicted   int64
}

// NewManager constructs the context manager.
func NewManager(cfg ManagerConfig, stores store.Stores, logger logging.Logger, metrics *observability.MetricsCollector) (*Manager, error) {
	const op = "execution.NewManager"

	if cfg.MaxResident <= 0 {
		cfg.MaxResident = defaultMaxResident
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultContextTTL
	}
	m := &Manager{
		cfg:     cfg,
		stores:  stores,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
	cache, err := lru.NewWithEvict[uuid.UUID, *Context](cfg.MaxResident, m.onEvict)
	if err != nil {
		return nil, errors.Fatal(op, err)
	}
	m.cache = cache
	return m, nil
}

func (m *Manager) onEvict(id uuid.UUID, _ *Context) {
	m.evicted++
	m.metrics.AddResidentContexts(context.Background(), -1)
	m.logger.Debug("execution: evicted context for instance %s", id)
}

// GetOrCreate returns the live context for the instance, recovering or
// rebuilding it on a miss.
func (m *Manager) GetOrCreate(ctx context.Context, instanceID uuid.UUID) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cache.Get(instanceID); ok {
		if time.Since(c.LastTouched()) <= m.cfg.TTL {
			return c, nil
		}
		m.cache.Remove(instanceID)
	}
	return m.recoverLocked(ctx, instanceID)
}

// Recover force-reloads the context from persistent state, discarding any
// resident copy. Used by the stall monitor and manual recovery.
func (m *Manager) Recover(ctx context.Context, instanceID uuid.UUID) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(instanceID)
	return m.recoverLocked(ctx, instanceID)
}

func (m *Manager) recoverLocked(ctx context.Context, instanceID uuid.UUID) (*Context, error) {
	c, err := m.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(instanceID, c)
	m.metrics.AddResidentContexts(ctx, 1)
	return c, nil
}

// load tries snapshot recovery first, then structural rebuild.
func (m *Manager) load(ctx context.Context, instanceID uuid.UUID) (*Context, error) {
	snap, err := m.stores.Snapshots.LatestSnapshot(ctx, instanceID)
	if err == nil {
		restored, convErr := SnapshotFromModel(snap)
		if convErr == nil {
			c := NewContext(instanceID)
			c.RestoreFromSnapshot(restored)
			m.recovered++
			m.logger.Info("execution: recovered context for instance %s from snapshot seq %d", instanceID, snap.Seq)
			return c, nil
		}
		m.logger.Warn("execution: snapshot for instance %s unusable, rebuilding: %v", instanceID, convErr)
	} else if !errors.IsNotFound(err) {
		return nil, err
	}
	return m.rebuild(ctx, instanceID)
}

// rebuild reconstructs the context solely from persisted rows: template
// connections give the dependency graph, node instance statuses replay onto
// it. Completed nodes replay through MarkCompleted so the ready frontier is
// re-derived.
func (m *Manager) rebuild(ctx context.Context, instanceID uuid.UUID) (*Context, error) {
	instance, err := m.stores.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodeInstances, err := m.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	template, err := m.stores.Workflows.GetTemplate(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}

	c := NewContext(instanceID)
	c.Initialize(nodeInstances, template.Connections)

	// Replay persisted terminal states. Start nodes were queued as ready by
	// Initialize; draining them here would lose them, so completed nodes go
	// through MarkCompleted which re-derives the frontier.
	for _, ni := range nodeInstances {
		switch stateForPersisted(ni.Status) {
		case StateCompleted:
			c.MarkCompleted(ni.ID, ni.OutputData)
		case StateExecuting:
			c.MarkExecuting(ni.ID)
		case StateFailed:
			c.MarkFailed(ni.ID)
		}
	}

	m.rebuilt++
	m.logger.Info("execution: rebuilt context for instance %s from %d node instances", instanceID, len(nodeInstances))
	return c, nil
}

// Remove drops the context for the instance, if resident.
func (m *Manager) Remove(instanceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(instanceID)
}

// HealthStats reports cache counters and per-context health against the
// given persisted statuses (nil means skip the agreement check).
func (m *Manager) HealthStats(persisted map[uuid.UUID]map[uuid.UUID]model.NodeInstanceStatus, grace time.Duration) ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		Resident:  m.cache.Len(),
		Recovered: m.recovered,
		Rebuilt:   m.rebuilt,
		Evicted:   m.evicted,
		CheckedAt: time.Now(),
	}
	for _, id := range m.cache.Keys() {
		c, ok := m.cache.Peek(id)
		if !ok {
			continue
		}
		if h := c.HealthCheck(persisted[id], grace); !h.Healthy {
			stats.Unhealthy++
		}
	}
	return stats
}
