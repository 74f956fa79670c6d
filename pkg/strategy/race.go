package strategy

import (
	"context"
	"fmt"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/fetch"
)

// NetworkFirst starts a network fetch and a cache lookup together and races
// them against timeout.
//
//   - A successful (2xx) network response that arrives first is returned, and
//     stored when it is cacheable.
//   - When the timer fires and a cached entry exists, the entry is returned.
//     The network fetch keeps running and still stores its response.
//   - When the network fails, or answers with a non-2xx status, the cached
//     entry is returned if there is one. Otherwise the failure is returned.
//
// With no cached entry the caller waits for the network past the timer. A
// timeout of zero or less disables the timer.
func (e *Engine) NetworkFirst(ctx context.Context, req *fetch.Request, namespace string, maxAge, timeout time.Duration) (*Result, error) {
	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	network := e.fetchAsync(req, namespace, key)
	lookup := make(chan *cache.Entry, 1)
	e.bg.Go(func() {
		var entry *cache.Entry
		defer func() { lookup <- entry }()
		entry = e.lookup(context.WithoutCancel(ctx), namespace, key)
	})

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var (
		cached    *cache.Entry
		lookedUp  bool
		timedOut  bool
		netResult *fetchResult
	)

	for {
		// Decide as soon as the collected results allow it.
		if netResult != nil && netResult.err == nil && netResult.entry.OK() {
			return e.served(req, &Result{Entry: netResult.entry, Source: SourceNetwork}), nil
		}
		if lookedUp && cached != nil && (timedOut || netResult != nil) {
			res := &Result{Entry: cached, Source: SourceCache, Stale: cached.Stale(e.now(), maxAge)}
			if netResult != nil {
				res.NetworkErr = netResult.err
			}
			return e.served(req, res), nil
		}
		if lookedUp && cached == nil && netResult != nil {
			if netResult.err != nil {
				e.metrics.RecordLookup(label(req), false)
				e.metrics.RecordError(label(req), errorReason(netResult.err))
				return nil, fmt.Errorf("%w: %w", ErrNoResponse, netResult.err)
			}
			// A non-2xx response is still a response.
			return e.served(req, &Result{Entry: netResult.entry, Source: SourceNetwork}), nil
		}

		select {
		case res := <-network:
			netResult = &res
			network = nil
		case cached = <-lookup:
			lookedUp = true
			lookup = nil
		case <-timer:
			timedOut = true
			timer = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) served(req *fetch.Request, res *Result) *Result {
	e.metrics.RecordLookup(label(req), res.Hit())
	return res
}
