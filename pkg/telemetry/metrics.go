package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/packetflow/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeWarningCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record node invocation metrics.
type NodeMetrics struct {
	NodeID      string
	NodeKind    string
	NodeVersion string
	Port        string
	Outcome     runtime.NodeOutcome
	Duration    time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe one node invocation.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.version", metrics.NodeVersion),
		attribute.String("node.port", metrics.Port),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordWarning counts a runtime warning by error kind.
func RecordWarning(ctx context.Context, nodeID, kind string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	nodeWarningCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node.id", nodeID),
		attribute.String("warning.kind", kind),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("packetflow.engine")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.executions_total",
			metric.WithDescription("Node invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeWarningCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.warnings_total",
			metric.WithDescription("Runtime warnings partitioned by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.node.duration_ms",
			metric.WithDescription("Observed node handler latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
