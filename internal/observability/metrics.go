package observability

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the hub.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names emitted by the background tasks. Exposed as constants so the
// administrative surface and tests reference a single vocabulary.
const (
	MetricQueueDepth        = "sentinel.queue.depth"
	MetricQueueDropped      = "sentinel.queue.dropped"
	MetricForwardAttempts   = "sentinel.forward.attempts"
	MetricForwardFailures   = "sentinel.forward.failures"
	MetricSyncRuns          = "sentinel.sync.runs"
	MetricSyncFailures      = "sentinel.sync.failures"
	MetricDevicesOffline    = "sentinel.devices.offline"
	MetricSchedulerOverlaps = "sentinel.scheduler.suppressed_ticks"
	MetricTaskDuration      = "sentinel.task.duration"
)
