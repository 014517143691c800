package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for loom.
type MetricsCollector struct {
	meter metric.Meter

	// Workflow metrics
	workflowsStarted  metric.Int64Counter
	workflowsFinished metric.Int64Counter

	// Node / task metrics
	nodesCompleted  metric.Int64Counter
	tasksDispatched metric.Int64Counter
	taskLatency     metric.Float64Histogram

	// Dispatch metrics
	agentQueueDepth metric.Int64UpDownCounter

	// Context manager metrics
	residentContexts metric.Int64UpDownCounter

	// Recovery metrics
	stallRecoveries metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. A disabled collector
// is a valid no-op value.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("loom")

	workflowsStarted, err := meter.Int64Counter(
		"loom.workflow.started.total",
		metric.WithDescription("Total number of workflow instances started"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflows_started counter: %w", err)
	}

	workflowsFinished, err := meter.Int64Counter(
		"loom.workflow.finished.total",
		metric.WithDescription("Total number of workflow instances reaching a terminal status"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflows_finished counter: %w", err)
	}

	nodesCompleted, err := meter.Int64Counter(
		"loom.node.completed.total",
		metric.WithDescription("Total number of node instances completed"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nodes_completed counter: %w", err)
	}

	tasksDispatched, err := meter.Int64Counter(
		"loom.task.dispatched.total",
		metric.WithDescription("Total number of task instances dispatched"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_dispatched counter: %w", err)
	}

	taskLatency, err := meter.Float64Histogram(
		"loom.task.latency",
		metric.WithDescription("Task time from dispatch to completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_latency histogram: %w", err)
	}

	agentQueueDepth, err := meter.Int64UpDownCounter(
		"loom.agent.queue.depth",
		metric.WithDescription("Number of agent tasks waiting in the worker pool queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent_queue_depth gauge: %w", err)
	}

	residentContexts, err := meter.Int64UpDownCounter(
		"loom.context.resident",
		metric.WithDescription("Number of execution contexts resident in memory"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resident_contexts gauge: %w", err)
	}

	stallRecoveries, err := meter.Int64Counter(
		"loom.stall.recoveries.total",
		metric.WithDescription("Total number of stall recovery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stall_recoveries counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		workflowsStarted:  workflowsStarted,
		workflowsFinished: workflowsFinished,
		nodesCompleted:    nodesCompleted,
		tasksDispatched:   tasksDispatched,
		taskLatency:       taskLatency,
		agentQueueDepth:   agentQueueDepth,
		residentContexts:  residentContexts,
		stallRecoveries:   stallRecoveries,
	}

	if config.PrometheusPort > 0 {
		collector.startPrometheusServer(config.PrometheusPort)
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("prometheus server error: %v\n", err)
		}
	}()
}

// RecordWorkflowStarted increments the workflow started counter.
func (m *MetricsCollector) RecordWorkflowStarted(ctx context.Context) {
	if m == nil || m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.Add(ctx, 1)
}

// RecordWorkflowFinished increments the terminal-status counter.
func (m *MetricsCollector) RecordWorkflowFinished(ctx context.Context, status string) {
	if m == nil || m.workflowsFinished == nil {
		return
	}
	m.workflowsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordNodeCompleted increments the node completed counter.
func (m *MetricsCollector) RecordNodeCompleted(ctx context.Context, nodeType string) {
	if m == nil || m.nodesCompleted == nil {
		return
	}
	m.nodesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

// RecordTaskDispatched increments the dispatched task counter.
func (m *MetricsCollector) RecordTaskDispatched(ctx context.Context, kind string) {
	if m == nil || m.tasksDispatched == nil {
		return
	}
	m.tasksDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTaskLatency records time from dispatch to completion.
func (m *MetricsCollector) RecordTaskLatency(ctx context.Context, kind string, seconds float64) {
	if m == nil || m.taskLatency == nil {
		return
	}
	m.taskLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddAgentQueueDepth adjusts the agent queue depth gauge.
func (m *MetricsCollector) AddAgentQueueDepth(ctx context.Context, delta int64) {
	if m == nil || m.agentQueueDepth == nil {
		return
	}
	m.agentQueueDepth.Add(ctx, delta)
}

// AddResidentContexts adjusts the resident context gauge.
func (m *MetricsCollector) AddResidentContexts(ctx context.Context, delta int64) {
	if m == nil || m.residentContexts == nil {
		return
	}
	m.residentContexts.Add(ctx, delta)
}

// RecordStallRecovery increments the stall recovery counter.
func (m *MetricsCollector) RecordStallRecovery(ctx context.Context, outcome string) {
	if m == nil || m.stallRecoveries == nil {
		return
	}
	m.stallRecoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown stops the Prometheus scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}
