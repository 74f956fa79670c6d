package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Queue.
type Config struct {
	// ReplayRate limits replays per second. Zero means unlimited.
	ReplayRate float64

	// ReplayBurst is the limiter burst (default: 1)
	ReplayBurst int
}

// DrainResult summarises one drain.
type DrainResult struct {
	Replayed  int `json:"replayed"`
	Remaining int `json:"remaining"`
	// FailedID is the action the drain stopped at, if any.
	FailedID string `json:"failed_id,omitempty"`
}

// Queue is the deferred action queue. It is the only owner of the log.
type Queue struct {
	log       Log
	transport Transport
	limiter   *rate.Limiter
	metrics   metrics.Collector
	logger    *logging.Logger
	now       func() time.Time

	drainMu sync.Mutex
}

// New creates a queue over log, replaying through transport.
func New(log Log, transport Transport, config Config) *Queue {
	return NewWithMetrics(log, transport, config, metrics.NoOpCollector{})
}

// NewWithMetrics creates a queue reporting replays to collector.
func NewWithMetrics(log Log, transport Transport, config Config, collector metrics.Collector) *Queue {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	var limiter *rate.Limiter
	if config.ReplayRate > 0 {
		burst := config.ReplayBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.ReplayRate), burst)
	}
	return &Queue{
		log:       log,
		transport: transport,
		limiter:   limiter,
		metrics:   collector,
		logger:    logging.Global().Named("queue"),
		now:       time.Now,
	}
}

// Supports reports whether actions of kind can be queued.
func (q *Queue) Supports(kind Kind) bool {
	return q.transport.Supports(kind)
}

// Enqueue appends an action to the log. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload []byte, contentType string) (Action, error) {
	if !q.transport.Supports(kind) {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	action := Action{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		ContentType: contentType,
		EnqueuedAt:  q.now().UTC(),
	}
	if err := q.log.Append(ctx, action); err != nil {
		return Action{}, fmt.Errorf("queue: append %s: %w", kind, err)
	}

	q.metrics.RecordDeferred(string(kind))
	q.logger.Debug("Deferred action", zap.String("id", action.ID), zap.String("kind", string(kind)))
	return action, nil
}

// Pending returns the queued actions, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	return q.log.List(ctx)
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.log.Len(ctx)
}

// DrainOnReconnect replays queued actions oldest first, removing each one
// after it is accepted. It stops at the first failure and leaves that action
// and everything after it queued for the next drain. Concurrent drains run
// one after the other.
//
// A replay failure is reported through the returned error together with the
// partial result.
func (q *Queue) DrainOnReconnect(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var result DrainResult
	for {
		actions, err := q.log.List(ctx)
		if err != nil {
			return result, fmt.Errorf("queue: list: %w", err)
		}
		if len(actions) == 0 {
			return result, nil
		}

		for i, action := range actions {
			if err := q.replay(ctx, action); err != nil {
				result.FailedID = action.ID
				result.Remaining = len(actions) - i
				if n, lerr := q.log.Len(ctx); lerr == nil {
					result.Remaining = n
				}
				q.logger.Warn("Replay failed, drain halted",
					zap.String("id", action.ID),
					zap.String("kind", string(action.Kind)),
					zap.Int("remaining", result.Remaining),
					zap.Error(err))
				return result, err
			}
			if err := q.log.Remove(ctx, action.ID); err != nil && !errors.Is(err, ErrActionNotFound) {
				return result, fmt.Errorf("queue: remove %s: %w", action.ID, err)
			}
			result.Replayed++
		}
	}
}

func (q *Queue) replay(ctx context.Context, action Action) error {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	err := q.transport.Replay(ctx, action)
	q.metrics.RecordNetworkRequest("deferred", err == nil, time.Since(start))
	q.metrics.RecordReplay(string(action.Kind), err == nil)
	if err != nil {
		q.metrics.RecordError("deferred", "replay")
	}
	return err
}

// Close closes the log.
func (q *Queue) Close() error {
	return q.log.Close()
}
