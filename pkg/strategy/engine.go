// Package strategy implements the caching strategies applied to classified
// requests: cache-first with background revalidation, network-first raced
// against a timer, and stale-while-revalidate.
//
// The engine is the only writer of cache entries. Store failures are treated
// as misses; they are logged and never returned to the caller.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/fetch"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"
	"cache-intercept/pkg/writer"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoResponse is returned when neither the network nor the cache produced a response.
var ErrNoResponse = errors.New("strategy: no response available")

// Source tells where a result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is the response chosen by a strategy.
type Result struct {
	Entry  *cache.Entry
	Source Source
	// Stale is set when a cached entry older than its max-age was served.
	Stale bool
	// NetworkErr is the network failure a cached entry was served in place of.
	NetworkErr error
}

// Hit reports whether the result was served from the cache.
func (r *Result) Hit() bool {
	return r != nil && r.Source == SourceCache
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Metrics receives lookups, network requests and errors.
	Metrics metrics.Collector

	// Now is the clock used for staleness (default: time.Now)
	Now func() time.Time
}

// Engine executes caching strategies against one store.
type Engine struct {
	store     cache.Store
	fetcher   fetch.Fetcher
	refresher *writer.AsyncWriter
	metrics   metrics.Collector
	now       func() time.Time
	logger    *logging.Logger

	sf singleflight.Group
	bg conc.WaitGroup
}

// NewEngine creates an engine. Background revalidations are submitted to
// refresher, which must write to the same store.
func NewEngine(store cache.Store, fetcher fetch.Fetcher, refresher *writer.AsyncWriter, config EngineConfig) *Engine {
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{
		store:     store,
		fetcher:   fetcher,
		refresher: refresher,
		metrics:   config.Metrics,
		now:       config.Now,
		logger:    logging.Global().Named("strategy"),
	}
}

// CacheFirst serves a cached entry when one exists. A stale entry is still
// served immediately while a background fetch refreshes it. On a miss the
// caller waits for the network and a cacheable response is stored.
func (e *Engine) CacheFirst(ctx context.Context, req *fetch.Request, namespace string, maxAge time.Duration) (*Result, error) {
	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	if cached := e.lookup(ctx, namespace, key); cached != nil {
		e.metrics.RecordLookup(label(req), true)
		stale := cached.Stale(e.now(), maxAge)
		if stale {
			e.revalidate(req, namespace, key, cached)
		}
		return &Result{Entry: cached, Source: SourceCache, Stale: stale}, nil
	}

	e.metrics.RecordLookup(label(req), false)
	return e.fromNetwork(ctx, req, namespace, key)
}

// StaleWhileRevalidate serves a cached entry when one exists and always
// refreshes it in the background. On a miss the caller waits for the network
// and that fetch is the refresh.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req *fetch.Request, namespace string) (*Result, error) {
	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	if cached := e.lookup(ctx, namespace, key); cached != nil {
		e.metrics.RecordLookup(label(req), true)
		e.revalidate(req, namespace, key, cached)
		return &Result{Entry: cached, Source: SourceCache}, nil
	}

	e.metrics.RecordLookup(label(req), false)
	return e.fromNetwork(ctx, req, namespace, key)
}

func (e *Engine) fromNetwork(ctx context.Context, req *fetch.Request, namespace, key string) (*Result, error) {
	select {
	case res := <-e.fetchAsync(req, namespace, key):
		if res.err != nil {
			e.metrics.RecordError(label(req), errorReason(res.err))
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, res.err)
		}
		return &Result{Entry: res.entry, Source: SourceNetwork}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup reads one entry. Any store failure is a miss.
func (e *Engine) lookup(ctx context.Context, namespace, key string) *cache.Entry {
	entry, err := e.store.Match(ctx, namespace, key)
	if err != nil {
		if !cache.IsNotFound(err) {
			e.logger.Warn("Store lookup failed, treating as miss",
				zap.String("generation", namespace),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil
	}
	return entry
}

type fetchResult struct {
	entry *cache.Entry
	err   error
}

var errFetchAborted = errors.New("strategy: fetch aborted")

// fetchAsync starts a network fetch that outlives the caller. A cacheable
// response is stored in namespace when it arrives, whether or not anyone is
// still waiting on the returned channel.
func (e *Engine) fetchAsync(req *fetch.Request, namespace, key string) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	e.bg.Go(func() {
		res := fetchResult{err: errFetchAborted}
		defer func() { ch <- res }()

		res.entry, res.err = e.fetch(req, key)
		if res.err == nil {
			e.put(namespace, key, res.entry)
		}
	})
	return ch
}

// fetch performs one network request for key; concurrent fetches of the same
// key share a single request. It runs detached from any caller context and is
// bounded by the fetcher's own timeout.
func (e *Engine) fetch(req *fetch.Request, key string) (*cache.Entry, error) {
	v, err, _ := e.sf.Do(key, func() (any, error) {
		start := time.Now()
		entry, err := e.fetcher.Fetch(context.Background(), req)
		e.metrics.RecordNetworkRequest(label(req), err == nil, time.Since(start))
		if err != nil {
			e.logger.Debug("Network fetch failed", zap.String("key", key), zap.Error(err))
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Entry), nil
}

// put writes a cacheable entry. Failures are logged only.
func (e *Engine) put(namespace, key string, entry *cache.Entry) {
	if !fetch.Cacheable(entry) {
		return
	}
	if err := e.store.Put(context.Background(), namespace, key, entry); err != nil {
		e.logger.Warn("Store write failed",
			zap.String("generation", namespace),
			zap.String("key", key),
			zap.Error(err))
	}
}

// revalidate queues a background refresh of key. The caller never waits on it.
func (e *Engine) revalidate(req *fetch.Request, namespace, key string, previous *cache.Entry) {
	class := label(req)
	job := writer.Job{
		Namespace: namespace,
		Key:       key,
		Fetch: func(ctx context.Context) (*cache.Entry, error) {
			entry, err := e.fetch(req, key)
			if err != nil || !fetch.Cacheable(entry) {
				return nil, err
			}
			return entry, nil
		},
		Done: func(entry *cache.Entry, err error) {
			if err != nil {
				e.metrics.RecordError(class, "refresh_"+errorReason(err))
				e.logger.Warn("Background refresh failed", zap.String("key", key), zap.Error(err))
				return
			}
			if entry != nil {
				e.logger.Debug("Refreshed entry",
					zap.String("generation", namespace),
					zap.String("key", key),
					zap.Bool("changed", previous == nil || entry.Hash != previous.Hash))
			}
		},
	}

	if err := e.refresher.Submit(context.Background(), job); err != nil {
		e.logger.Warn("Background refresh not queued", zap.String("key", key), zap.Error(err))
	}
}

// Wait blocks until every background fetch started by the engine has finished.
// Refreshes queued on the async writer are flushed separately.
func (e *Engine) Wait() {
	if r := e.bg.WaitAndRecover(); r != nil {
		e.logger.Error("Background fetch panicked", zap.String("panic", r.String()))
	}
}

// errorReason labels a failed fetch or refresh for metrics.
func errorReason(err error) string {
	if fetch.IsNetworkError(err) {
		return "network"
	}
	return cache.ClassifyError(err)
}

func label(req *fetch.Request) string {
	if req.Class == "" {
		return "unclassified"
	}
	return req.Class
}
