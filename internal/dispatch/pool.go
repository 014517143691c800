package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"loom/internal/agent"
	"loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/observability"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// PoolConfig tunes the agent worker pool.
type PoolConfig struct {
	// Workers bounds concurrent agent calls.
	Workers int `mapstructure:"workers"`
	// QueueSize bounds waiting tasks; a full queue rejects the enqueue.
	QueueSize int `mapstructure:"queue_size"`
	// Retry governs per-call backoff; a task's MaxRetries overrides
	// MaxAttempts when set.
	Retry errors.RetryConfig `mapstructure:"retry"`
}

// DefaultPoolConfig returns the documented pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   defaultWorkers,
		QueueSize: defaultQueueSize,
		Retry:     errors.DefaultRetryConfig(),
	}
}

type workItem struct {
	taskID     uuid.UUID
	agentID    string
	retries    int
	req        agent.Request
	reference  bool
	enqueuedAt time.Time
}

// WorkerPool drains a FIFO queue of agent tasks with a bounded worker
// count. Workers never hold any workflow lock while the agent call is in
// flight; results re-enter the engine through the submitter, which takes
// the lock itself.
type WorkerPool struct {
	cfg       PoolConfig
	invoker   agent.Invoker
	submitter ResultSubmitter
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	breaker   *errors.CircuitBreaker

	queue    chan workItem
	group    *errgroup.Group
	cancel   context.CancelFunc
	startOne sync.Once
	stopOne  sync.Once
}

// NewWorkerPool constructs the pool. Start must be called before tasks are
// enqueued.
func NewWorkerPool(cfg PoolConfig, invoker agent.Invoker, submitter ResultSubmitter, logger logging.Logger, metrics *observability.MetricsCollector) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	logger = logging.OrNop(logger)
	return &WorkerPool{
		cfg:       cfg,
		invoker:   invoker,
		submitter: submitter,
		logger:    logger,
		metrics:   metrics,
		breaker:   errors.NewCircuitBreaker("agent-pool", errors.DefaultCircuitBreakerConfig(), logger),
		queue:     make(chan workItem, cfg.QueueSize),
	}
}

// SetSubmitter binds the result sink. The engine and the pool reference
// each other, so the pool is constructed first and bound once the engine
// exists. Must be called before Start.
func (p *WorkerPool) SetSubmitter(s ResultSubmitter) { p.submitter = s }

// Start launches the workers.
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOne.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.group, ctx = errgroup.WithContext(ctx)
		for i := 0; i < p.cfg.Workers; i++ {
			p.group.Go(func() error {
				p.worker(ctx)
				return nil
			})
		}
		p.logger.Info("dispatch: agent pool started with %d workers, queue %d", p.cfg.Workers, p.cfg.QueueSize)
	})
}

// Stop drains in-flight work and shuts the workers down.
func (p *WorkerPool) Stop() {
	p.stopOne.Do(func() {
		close(p.queue)
		if p.group != nil {
			_ = p.group.Wait()
		}
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info("dispatch: agent pool stopped")
	})
}

// Enqueue adds one task to the FIFO queue without blocking. A full queue is
// a transient error; the caller rolls the task back and the node stays
// pending.
func (p *WorkerPool) Enqueue(ctx context.Context, item workItem) error {
	const op = "dispatch.Enqueue"

	item.enqueuedAt = time.Now()
	select {
	case p.queue <- item:
		p.metrics.AddAgentQueueDepth(ctx, 1)
		p.metrics.RecordTaskDispatched(ctx, "agent")
		return nil
	default:
		return errors.Transient(op, fmt.Errorf("agent queue full (%d)", p.cfg.QueueSize))
	}
}

// QueueDepth reports waiting tasks.
func (p *WorkerPool) QueueDepth() int { return len(p.queue) }

func (p *WorkerPool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.AddAgentQueueDepth(ctx, -1)
			p.process(ctx, item)
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, item workItem) {
	retry := p.cfg.Retry
	if item.retries > 0 {
		retry.MaxAttempts = item.retries
	}

	resp, err := errors.RetryWithResult(ctx, retry, p.logger, func(ctx context.Context) (agent.Response, error) {
		return errors.ExecuteFunc(p.breaker, ctx, func(ctx context.Context) (agent.Response, error) {
			return p.invoker.Invoke(ctx, item.agentID, item.req)
		})
	})

	elapsed := time.Since(item.enqueuedAt).Seconds()
	if err != nil {
		p.metrics.RecordTaskLatency(ctx, "agent", elapsed)
		p.logger.Warn("dispatch: agent task %s failed: %v", item.taskID, err)
		if failErr := p.submitter.FailAgentTask(ctx, item.taskID, err.Error()); failErr != nil {
			p.logger.Error("dispatch: recording failure for task %s failed: %v", item.taskID, failErr)
		}
		return
	}

	p.metrics.RecordTaskLatency(ctx, "agent", elapsed)
	if err := p.submitter.SubmitAgentResult(ctx, item.taskID, resp, item.reference); err != nil {
		// A task whose workflow left running in the meantime: the result is
		// discarded, which is the documented cancellation semantics.
		if errors.IsConflict(err) || errors.IsNotFound(err) {
			p.logger.Info("dispatch: result for task %s discarded: %v", item.taskID, err)
			return
		}
		p.logger.Error("dispatch: submitting result for task %s failed: %v", item.taskID, err)
	}
}
