// Package telemetry wires OpenTelemetry exporters and meters and the Prometheus
// registry for the packetflow runtime.
//
// It centralises tracer provider setup, records per-node invocation metrics for the
// scheduler, and offers a Prometheus-backed service that plugs into the execution
// context's lifecycle hooks.
package telemetry
