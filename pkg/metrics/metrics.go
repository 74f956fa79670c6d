package metrics

import (
	"time"
)

// Collector defines the interface for collecting interception metrics.
// Implementations can export metrics to various backends (Prometheus, in-process counters, etc.).
type Collector interface {
	// Strategy outcomes
	RecordLookup(class string, hit bool)
	RecordNetworkRequest(class string, success bool, duration time.Duration)
	RecordError(class string, reason string)

	// Store operations
	RecordStoreOp(store, op string, success bool, duration time.Duration)
	RecordEviction(namespace string, count int)

	// Circuit breaker
	RecordCircuitState(store string, state CircuitState)

	// Async writer
	RecordQueueDepth(name string, depth int)
	RecordWriteDropped(name string)
	RecordAsyncWrite(name string, success bool, duration time.Duration)

	// Deferred actions
	RecordReplay(kind string, success bool)
	RecordDeferred(kind string)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of Collector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordLookup(class string, hit bool)                                     {}
func (NoOpCollector) RecordNetworkRequest(class string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordError(class string, reason string)                                 {}
func (NoOpCollector) RecordStoreOp(store, op string, success bool, duration time.Duration)    {}
func (NoOpCollector) RecordEviction(namespace string, count int)                              {}
func (NoOpCollector) RecordCircuitState(store string, state CircuitState)                     {}
func (NoOpCollector) RecordQueueDepth(name string, depth int)                                 {}
func (NoOpCollector) RecordWriteDropped(name string)                                          {}
func (NoOpCollector) RecordAsyncWrite(name string, success bool, duration time.Duration)      {}
func (NoOpCollector) RecordReplay(kind string, success bool)                                  {}
func (NoOpCollector) RecordDeferred(kind string)                                              {}

// Multi fans every event out to each collector in order.
type Multi []Collector

func (m Multi) RecordLookup(class string, hit bool) {
	for _, c := range m {
		c.RecordLookup(class, hit)
	}
}

func (m Multi) RecordNetworkRequest(class string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordNetworkRequest(class, success, duration)
	}
}

func (m Multi) RecordError(class string, reason string) {
	for _, c := range m {
		c.RecordError(class, reason)
	}
}

func (m Multi) RecordStoreOp(store, op string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordStoreOp(store, op, success, duration)
	}
}

func (m Multi) RecordEviction(namespace string, count int) {
	for _, c := range m {
		c.RecordEviction(namespace, count)
	}
}

func (m Multi) RecordCircuitState(store string, state CircuitState) {
	for _, c := range m {
		c.RecordCircuitState(store, state)
	}
}

func (m Multi) RecordQueueDepth(name string, depth int) {
	for _, c := range m {
		c.RecordQueueDepth(name, depth)
	}
}

func (m Multi) RecordWriteDropped(name string) {
	for _, c := range m {
		c.RecordWriteDropped(name)
	}
}

func (m Multi) RecordAsyncWrite(name string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordAsyncWrite(name, success, duration)
	}
}

func (m Multi) RecordReplay(kind string, success bool) {
	for _, c := range m {
		c.RecordReplay(kind, success)
	}
}

func (m Multi) RecordDeferred(kind string) {
	for _, c := range m {
		c.RecordDeferred(kind)
	}
}
