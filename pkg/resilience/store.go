package resilience

import (
	"context"
	"errors"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientStore wraps a cache.Store with circuit breaker and timeout
// protection. Misses and caller mistakes (invalid keys, cancelled contexts)
// do not count as breaker failures.
type ResilientStore struct {
	store   cache.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewResilientStore creates a new resilient wrapper around the given store.
func NewResilientStore(store cache.Store, config ResilientConfig) *ResilientStore {
	return NewResilientStoreWithMetrics(store, config, metrics.NoOpCollector{})
}

// NewResilientStoreWithMetrics creates a new resilient store with custom metrics collector.
func NewResilientStoreWithMetrics(store cache.Store, config ResilientConfig, collector metrics.Collector) *ResilientStore {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	logger := logging.Global().Named("resilience").Named(store.Name())

	rs := &ResilientStore{
		store:   store,
		timeout: config.Timeout,
		metrics: collector,
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		zap.String("store", store.Name()),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        store.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rs.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)

	return rs
}

func countsAsSuccess(err error) bool {
	return err == nil ||
		cache.IsNotFound(err) ||
		errors.Is(err, cache.ErrInvalidKey) ||
		errors.Is(err, cache.ErrInvalidNamespace) ||
		errors.Is(err, cache.ErrInvalidEntry) ||
		errors.Is(err, context.Canceled)
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	default:
		return metrics.CircuitClosed
	}
}

// execute runs fn through the breaker with the configured timeout and
// translates breaker and deadline errors into cache sentinels.
func execute[T any](rs *ResilientStore, ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	duration := time.Since(start)
	rs.metrics.RecordStoreOp(rs.store.Name(), op, countsAsSuccess(err), duration)

	if err == nil {
		return result.(T), nil
	}

	fields = append(fields, zap.String("operation", op))
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rs.logger.Warn("circuit breaker open - request rejected", fields...)
		return zero, cache.ErrCircuitOpen
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rs.logger.Warn("operation timeout",
			append(fields,
				zap.Duration("timeout", rs.timeout),
				zap.Duration("elapsed", duration),
			)...,
		)
		return zero, cache.ErrTimeout
	case countsAsSuccess(err):
		return zero, err
	}

	rs.logger.Error(op+" operation failed",
		append(fields,
			zap.Duration("duration", duration),
			zap.Error(err),
		)...,
	)
	return zero, err
}

type none struct{}

func (rs *ResilientStore) Name() string {
	return rs.store.Name()
}

func (rs *ResilientStore) Open(ctx context.Context, ns string) error {
	_, err := execute(rs, ctx, "open", []zap.Field{zap.String("namespace", ns)}, func(ctx context.Context) (none, error) {
		return none{}, rs.store.Open(ctx, ns)
	})
	return err
}

func (rs *ResilientStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
	_, err := execute(rs, ctx, "put", []zap.Field{zap.String("namespace", ns), zap.String("key", key)}, func(ctx context.Context) (none, error) {
		return none{}, rs.store.Put(ctx, ns, key, entry)
	})
	return err
}

func (rs *ResilientStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	return execute(rs, ctx, "match", []zap.Field{zap.String("namespace", ns), zap.String("key", key)}, func(ctx context.Context) (*cache.Entry, error) {
		return rs.store.Match(ctx, ns, key)
	})
}

func (rs *ResilientStore) Delete(ctx context.Context, ns, key string) error {
	_, err := execute(rs, ctx, "delete", []zap.Field{zap.String("namespace", ns), zap.String("key", key)}, func(ctx context.Context) (none, error) {
		return none{}, rs.store.Delete(ctx, ns, key)
	})
	return err
}

// DeleteMulti keeps the wrapped store's batch delete reachable through the wrapper.
func (rs *ResilientStore) DeleteMulti(ctx context.Context, ns string, keys []string) error {
	_, err := execute(rs, ctx, "delete_multi", []zap.Field{zap.String("namespace", ns), zap.Int("keys", len(keys))}, func(ctx context.Context) (none, error) {
		return none{}, cache.DeleteKeys(ctx, rs.store, ns, keys)
	})
	return err
}

func (rs *ResilientStore) Keys(ctx context.Context, ns string) ([]string, error) {
	return execute(rs, ctx, "keys", []zap.Field{zap.String("namespace", ns)}, func(ctx context.Context) ([]string, error) {
		return rs.store.Keys(ctx, ns)
	})
}

func (rs *ResilientStore) Namespaces(ctx context.Context) ([]string, error) {
	return execute(rs, ctx, "namespaces", nil, func(ctx context.Context) ([]string, error) {
		return rs.store.Namespaces(ctx)
	})
}

func (rs *ResilientStore) DeleteNamespace(ctx context.Context, ns string) error {
	_, err := execute(rs, ctx, "delete_namespace", []zap.Field{zap.String("namespace", ns)}, func(ctx context.Context) (none, error) {
		return none{}, rs.store.DeleteNamespace(ctx, ns)
	})
	return err
}

// State reports the current breaker state.
func (rs *ResilientStore) State() metrics.CircuitState {
	return circuitState(rs.cb.State())
}

// Close closes the underlying store.
func (rs *ResilientStore) Close() error {
	return rs.store.Close()
}
