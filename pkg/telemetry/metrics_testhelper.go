package telemetry

import "sync"

// ResetMetricsForTest drops the cached node instruments so the next recording
// binds to whatever MeterProvider is global at that point. Only tests call it.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	nodeExecutionCounter = nil
	nodeWarningCounter = nil
	nodeLatencyHistogram = nil
}
