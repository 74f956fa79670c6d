package prometheus

import (
	"time"

	"cache-intercept/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Strategy outcomes
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	networkRequests *prometheus.CounterVec
	errors          *prometheus.CounterVec
	networkLatency  *prometheus.HistogramVec

	// Store
	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	evictions    *prometheus.CounterVec
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Async writer
	queueDepth    *prometheus.GaugeVec
	droppedWrites *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec
	asyncLatency  *prometheus.HistogramVec

	// Deferred actions
	replays  *prometheus.CounterVec
	deferred *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of responses served from cache per request class",
			},
			[]string{"class"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of responses not served from cache per request class",
			},
			[]string{"class"},
		),
		networkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "network_requests_total",
				Help:      "Total number of network fetch attempts per request class",
			},
			[]string{"class", "status"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed requests per class and reason",
			},
			[]string{"class", "reason"},
		),
		networkLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "network_duration_seconds",
				Help:      "Network fetch latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"class"},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of store operations per store, operation and status",
			},
			[]string{"store", "operation", "status"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_duration_seconds",
				Help:      "Store operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"store", "operation"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Total number of entries removed by runtime trimming per generation",
			},
			[]string{"generation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per store",
			},
			[]string{"store"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per store (0=closed, 1=open, 2=half-open)",
			},
			[]string{"store"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth per queue",
			},
			[]string{"queue"},
		),
		droppedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Total number of background refreshes dropped because the queue was full",
			},
			[]string{"queue"},
		),
		asyncWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_writes_total",
				Help:      "Total number of background refreshes per queue and status",
			},
			[]string{"queue", "status"},
		),
		asyncLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "async_write_duration_seconds",
				Help:      "Background refresh latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"queue"},
		),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_replays_total",
				Help:      "Total number of deferred action replays per kind and status",
			},
			[]string{"kind", "status"},
		),
		deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_actions_total",
				Help:      "Total number of actions queued for later replay per kind",
			},
			[]string{"kind"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.networkRequests,
		pc.errors,
		pc.networkLatency,
		pc.storeOps,
		pc.storeLatency,
		pc.evictions,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.droppedWrites,
		pc.asyncWrites,
		pc.asyncLatency,
		pc.replays,
		pc.deferred,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordLookup records whether a cached entry was served.
func (pc *PrometheusCollector) RecordLookup(class string, hit bool) {
	if hit {
		pc.cacheHits.WithLabelValues(class).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(class).Inc()
	}
}

// RecordNetworkRequest records a network fetch attempt.
func (pc *PrometheusCollector) RecordNetworkRequest(class string, success bool, duration time.Duration) {
	pc.networkRequests.WithLabelValues(class, status(success)).Inc()
	pc.networkLatency.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordError records a request that could not be answered.
func (pc *PrometheusCollector) RecordError(class string, reason string) {
	pc.errors.WithLabelValues(class, reason).Inc()
}

// RecordStoreOp records a store operation.
func (pc *PrometheusCollector) RecordStoreOp(store, op string, success bool, duration time.Duration) {
	pc.storeOps.WithLabelValues(store, op, status(success)).Inc()
	pc.storeLatency.WithLabelValues(store, op).Observe(duration.Seconds())
}

// RecordEviction records entries trimmed from a generation.
func (pc *PrometheusCollector) RecordEviction(namespace string, count int) {
	pc.evictions.WithLabelValues(namespace).Add(float64(count))
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(store string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(store).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(store).Inc()
	}
}

// RecordQueueDepth records the current depth of a queue.
func (pc *PrometheusCollector) RecordQueueDepth(name string, depth int) {
	pc.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// RecordWriteDropped records a dropped background refresh.
func (pc *PrometheusCollector) RecordWriteDropped(name string) {
	pc.droppedWrites.WithLabelValues(name).Inc()
}

// RecordAsyncWrite records a completed background refresh.
func (pc *PrometheusCollector) RecordAsyncWrite(name string, success bool, duration time.Duration) {
	pc.asyncWrites.WithLabelValues(name, status(success)).Inc()
	pc.asyncLatency.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordReplay records one deferred action replay attempt.
func (pc *PrometheusCollector) RecordReplay(kind string, success bool) {
	pc.replays.WithLabelValues(kind, status(success)).Inc()
}

// RecordDeferred records an action queued for later replay.
func (pc *PrometheusCollector) RecordDeferred(kind string) {
	pc.deferred.WithLabelValues(kind).Inc()
}
