package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordWarningEvent attaches a runtime warning to the provided span.
func RecordWarningEvent(span trace.Span, kind, nodeID string, guardIndex int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("warning.kind", kind),
		attribute.String("node.id", nodeID),
	}
	if guardIndex >= 0 {
		attrs = append(attrs, attribute.Int("guard.index", guardIndex))
	}

	span.AddEvent("flow.warning", trace.WithAttributes(attrs...))
}
