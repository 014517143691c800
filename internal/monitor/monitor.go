// Package monitor runs the two background loops of the engine: a completion
// poller that delivers registered callbacks for instances that reached a
// terminal status, and a stall scanner that rebuilds the execution context of
// workflows stuck with a ready frontier but no live task.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"loom/internal/engine"
	"loom/internal/logging"
	"loom/internal/model"
	"loom/internal/observability"
	"loom/internal/store"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultScanInterval  = 5 * time.Minute
	defaultIdleThreshold = 2 * time.Hour
	defaultMaxAttempts   = 3
)

// Config tunes the monitor loops.
type Config struct {
	// PollInterval is the completion-callback poll period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ScanInterval is the stall-scan period.
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	// IdleThreshold is how long an instance must sit unchanged before the
	// scanner considers it.
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	// MaxAttempts bounds recovery attempts per instance.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DefaultConfig returns the documented monitor bounds.
func DefaultConfig() Config {
	return Config{
		PollInterval:  defaultPollInterval,
		ScanInterval:  defaultScanInterval,
		IdleThreshold: defaultIdleThreshold,
		MaxAttempts:   defaultMaxAttempts,
	}
}

// Stats is a snapshot of the monitor's counters.
type Stats struct {
	Scans              int `json:"scans"`
	StalledFound       int `json:"stalled_found"`
	Recovered          int `json:"recovered"`
	RecoveryFailures   int `json:"recovery_failures"`
	AttemptsExhausted  int `json:"attempts_exhausted"`
	CallbacksDelivered int `json:"callbacks_delivered"`
}

// Monitor owns the cron schedule for both loops.
type Monitor struct {
	cfg     Config
	engine  *engine.Engine
	stores  store.Stores
	logger  logging.Logger
	metrics *observability.MetricsCollector

	cron *cron.Cron

	mu       sync.Mutex
	attempts map[uuid.UUID]int
	stats    Stats
}

// New constructs the monitor. Start schedules the loops; the scan and poll
// methods can also be driven directly.
func New(cfg Config, eng *engine.Engine, stores store.Stores, logger logging.Logger, metrics *observability.MetricsCollector) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Monitor{
		cfg:      cfg,
		engine:   eng,
		stores:   stores,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		attempts: make(map[uuid.UUID]int),
	}
}

// Start schedules both loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(every(m.cfg.PollInterval), func() { m.PollCompletions(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(every(m.cfg.ScanInterval), func() { m.ScanStalls(ctx) }); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("monitor: started, poll %s, scan %s, idle threshold %s", m.cfg.PollInterval, m.cfg.ScanInterval, m.cfg.IdleThreshold)
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

func every(d time.Duration) string { return fmt.Sprintf("@every %s", d) }

// PollCompletions fires completion callbacks for every registered instance
// that has reached a terminal status.
func (m *Monitor) PollCompletions(ctx context.Context) {
	for _, id := range m.engine.CallbackInstances() {
		if err := m.engine.NotifyIfTerminal(ctx, id); err != nil {
			m.logger.Warn("monitor: terminal check for %s failed: %v", id, err)
			continue
		}
		m.mu.Lock()
		m.stats.CallbacksDelivered++
		m.mu.Unlock()
	}
}

// ScanStalls finds idle running or pending instances, verifies they are truly
// stalled and force-recovers their execution context. Returns the number of
// instances recovered with at least one node dispatched.
func (m *Monitor) ScanStalls(ctx context.Context) int {
	m.mu.Lock()
	m.stats.Scans++
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.IdleThreshold)
	stale, err := m.stores.Instances.ListStale(ctx, []model.InstanceStatus{model.InstanceStatusRunning, model.InstanceStatusPending}, cutoff)
	if err != nil {
		m.logger.Error("monitor: listing stale instances failed: %v", err)
		return 0
	}

	recovered := 0
	for _, instance := range stale {
		stalled, err := m.isStalled(ctx, instance.ID)
		if err != nil {
			m.logger.Warn("monitor: stall check for %s failed: %v", instance.ID, err)
			continue
		}
		if !stalled {
			continue
		}
		m.mu.Lock()
		m.stats.StalledFound++
		attempts := m.attempts[instance.ID]
		if attempts >= m.cfg.MaxAttempts {
			m.stats.AttemptsExhausted++
			m.mu.Unlock()
			m.logger.Warn("monitor: instance %s exceeded %d recovery attempts, leaving it alone", instance.ID, m.cfg.MaxAttempts)
			continue
		}
		m.attempts[instance.ID] = attempts + 1
		m.mu.Unlock()

		dispatched, err := m.engine.RecoverWorkflowContext(ctx, instance.ID, true)
		if err != nil {
			m.mu.Lock()
			m.stats.RecoveryFailures++
			m.mu.Unlock()
			m.metrics.RecordStallRecovery(ctx, "error")
			m.logger.Error("monitor: recovering %s failed: %v", instance.ID, err)
			continue
		}
		if dispatched > 0 {
			recovered++
			m.metrics.RecordStallRecovery(ctx, "recovered")
			m.logger.Info("monitor: recovered instance %s, %d nodes dispatched", instance.ID, dispatched)
		} else {
			m.metrics.RecordStallRecovery(ctx, "no_ready_nodes")
		}
		m.mu.Lock()
		m.stats.Recovered += boolToInt(dispatched > 0)
		m.mu.Unlock()
	}
	return recovered
}

// isStalled verifies a true stall: no task is live, yet a pending node
// instance exists to run. Upstream completeness is settled by the recovery
// rebuild itself.
func (m *Monitor) isStalled(ctx context.Context, instanceID uuid.UUID) (bool, error) {
	tasks, err := m.stores.Tasks.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status == model.TaskStatusAssigned || t.Status == model.TaskStatusInProgress {
			return false, nil
		}
	}
	nodes, err := m.stores.NodeInstances.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, ni := range nodes {
		if ni.Status == model.NodeInstanceStatusPending {
			return true, nil
		}
	}
	return false, nil
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
