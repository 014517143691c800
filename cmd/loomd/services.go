package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/agent"
	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/engine"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/logging"
	"loom/internal/merge"
	"loom/internal/monitor"
	"loom/internal/observability"
	"loom/internal/store"
	"loom/internal/store/memory"
	"loom/internal/store/postgres"
	"loom/internal/subdivision"
)

const shutdownTimeout = 10 * time.Second

// CoreServices holds every process-lifetime component, wired once at startup
// and torn down in reverse order.
type CoreServices struct {
	Config       *config.Config
	Logger       logging.Logger
	Metrics      *observability.MetricsCollector
	Tracer       *observability.TracerProvider
	Stores       store.Stores
	Contexts     *execution.Manager
	Pool         *dispatch.WorkerPool
	Engine       *engine.Engine
	Subdivisions *subdivision.Service
	Merges       *merge.Service
	Monitor      *monitor.Monitor

	pg *postgres.Store
}

// buildServices wires the process. The pool is constructed before the engine
// and bound to it afterwards; Start launches the workers and the monitor.
func buildServices(ctx context.Context, cfg *config.Config) (*CoreServices, error) {
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := logging.FromObservabilityWithComponent(obsLogger, "loomd")

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	svc := &CoreServices{Config: cfg, Logger: logger, Metrics: metrics, Tracer: tracer}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := postgres.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		svc.pg = pg
		svc.Stores = pg.Stores()
	default:
		svc.Stores = memory.New(memory.Config{}).Stores()
	}

	svc.Contexts, err = execution.NewManager(cfg.Contexts, svc.Stores, logger, metrics)
	if err != nil {
		svc.closeStore()
		return nil, err
	}

	invoker, err := buildInvoker(cfg, svc.Stores)
	if err != nil {
		svc.closeStore()
		return nil, err
	}

	svc.Pool = dispatch.NewWorkerPool(cfg.Pool, invoker, nil, logger, metrics)
	router := dispatch.NewRouter(svc.Pool, logger)
	svc.Engine = engine.New(cfg.Engine, svc.Stores, svc.Contexts, router, nil, logger, metrics, tracer)
	svc.Pool.SetSubmitter(svc.Engine)

	svc.Subdivisions = subdivision.NewService(svc.Stores, svc.Engine, svc.Contexts, nil, logger, tracer)
	svc.Merges = merge.NewService(svc.Stores, logger, tracer)
	svc.Monitor = monitor.New(cfg.Monitor, svc.Engine, svc.Stores, logger, metrics)
	return svc, nil
}

func buildInvoker(cfg *config.Config, stores store.Stores) (agent.Invoker, error) {
	const op = "loomd.buildInvoker"

	switch cfg.Agent.Mode {
	case config.AgentModeMock:
		return &agent.MockInvoker{}, nil
	case config.AgentModeHTTP:
		return agent.NewHTTPInvoker(stores.Directory), nil
	case config.AgentModeOpenAI:
		return agent.NewOpenAIInvoker(cfg.Agent.OpenAI), nil
	default:
		return nil, errors.Validation(op, "unknown agent mode "+cfg.Agent.Mode)
	}
}

// Start launches the worker pool and the monitor.
func (s *CoreServices) Start(ctx context.Context) error {
	s.Pool.Start(ctx)
	return s.Monitor.Start(ctx)
}

// Shutdown tears the process down: monitor first so no new recovery starts,
// then the pool drains in-flight agent work, then stores and telemetry.
func (s *CoreServices) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.Monitor.Stop()
	s.Pool.Stop()
	s.closeStore()
	if err := s.Tracer.Shutdown(ctx); err != nil {
		s.Logger.Warn("loomd: tracer shutdown: %v", err)
	}
	if err := s.Metrics.Shutdown(ctx); err != nil {
		s.Logger.Warn("loomd: metrics shutdown: %v", err)
	}
}

func (s *CoreServices) closeStore() {
	if s.pg != nil {
		s.pg.Close()
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	svc.Logger.Info("loomd: started, store backend %s, agent mode %s", cfg.Store.Backend, cfg.Agent.Mode)

	<-ctx.Done()
	svc.Logger.Info("loomd: shutting down")
	return nil
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	const op = "loomd.migrate"

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Backend != config.BackendPostgres {
		return errors.Validation(op, "migrate requires the postgres backend")
	}

	ctx := cmd.Context()
	pg, err := postgres.Connect(ctx, cfg.Store.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()
	return pg.EnsureSchema(ctx)
}
