package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/cache/memory"
	"cache-intercept/pkg/cache/mock"
	"cache-intercept/pkg/cache/storetest"
	"cache-intercept/pkg/fetch"
	"cache-intercept/pkg/metrics"
	"cache-intercept/pkg/writer"
)

const ns = "runtime-v9"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// origin is a scripted network. Every fetch is counted; when gate is set the
// fetch blocks until the gate is closed.
type origin struct {
	calls atomic.Int64

	mu           sync.Mutex
	status       int
	body         string
	cacheControl string
	err          error
	gate         chan struct{}
}

func newOrigin(body string) *origin {
	return &origin{status: http.StatusOK, body: body}
}

func (o *origin) Fetch(ctx context.Context, req *fetch.Request) (*cache.Entry, error) {
	o.calls.Add(1)

	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		<-gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	header := http.Header{}
	if o.cacheControl != "" {
		header.Set("Cache-Control", o.cacheControl)
	}
	return fetch.NewEntry(req, o.status, header, []byte(o.body), t0), nil
}

func (o *origin) block() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	return o.gate
}

func (o *origin) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

type harness struct {
	engine   *Engine
	store    cache.Store
	origin   *origin
	refresh  *writer.AsyncWriter
	counters *metrics.Counters
	now      time.Time
}

func newHarness(t *testing.T, store cache.Store, o *origin) *harness {
	t.Helper()
	h := &harness{store: store, origin: o, counters: metrics.NewCounters(), now: t0}
	h.refresh = writer.NewAsyncWriter(store, writer.AsyncWriterConfig{QueueSize: 10, Workers: 1})
	h.engine = NewEngine(store, o, h.refresh, EngineConfig{
		Metrics: h.counters,
		Now:     func() time.Time { return h.now },
	})
	t.Cleanup(func() {
		h.engine.Wait()
		h.refresh.Close()
	})
	return h
}

func newMemoryHarness(t *testing.T, body string) *harness {
	return newHarness(t, memory.NewMemoryStore(memory.MemoryStoreConfig{}), newOrigin(body))
}

func (h *harness) seed(t *testing.T, url, body string, storedAt time.Time) {
	t.Helper()
	key, _ := cache.RequestKey(http.MethodGet, url)
	if err := h.store.Put(context.Background(), ns, key, storetest.NewEntry(key, body, storedAt)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func (h *harness) stored(t *testing.T, url string) *cache.Entry {
	t.Helper()
	key, _ := cache.RequestKey(http.MethodGet, url)
	entry, err := h.store.Match(context.Background(), ns, key)
	if err != nil {
		return nil
	}
	return entry
}

func newReq(t *testing.T, url string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Class = "test"
	return req
}

func expectSnapshot(t *testing.T, c *metrics.Counters, want metrics.Snapshot) {
	t.Helper()
	if got := c.Snapshot(); got != want {
		t.Errorf("counters = %+v, want %+v", got, want)
	}
}

const url = "https://shop.example.com/index.html"

func TestCacheFirst_FreshHitSkipsNetwork(t *testing.T) {
	h := newMemoryHarness(t, "network")
	h.seed(t, url, "cached", t0)
	h.now = t0.Add(30 * time.Second)

	res, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
	if err != nil {
		t.Fatalf("CacheFirst failed: %v", err)
	}
	if res.Source != SourceCache || res.Stale || string(res.Entry.Body) != "cached" {
		t.Errorf("got %+v body %q", res, res.Entry.Body)
	}

	h.refresh.Flush(time.Second)
	if calls := h.origin.calls.Load(); calls != 0 {
		t.Errorf("Expected no network calls, got %d", calls)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheHits: 1})
}

func TestCacheFirst_NoMaxAgeNeverStale(t *testing.T) {
	h := newMemoryHarness(t, "network")
	h.seed(t, url, "cached", t0)
	h.now = t0.Add(365 * 24 * time.Hour)

	res, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, 0)
	if err != nil {
		t.Fatalf("CacheFirst failed: %v", err)
	}
	if res.Stale {
		t.Error("entry without max-age must not be stale")
	}
	h.refresh.Flush(time.Second)
	if calls := h.origin.calls.Load(); calls != 0 {
		t.Errorf("Expected no network calls, got %d", calls)
	}
}

func TestCacheFirst_MissFetchesAndStores(t *testing.T) {
	h := newMemoryHarness(t, "network")

	res, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
	if err != nil {
		t.Fatalf("CacheFirst failed: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Entry.Body) != "network" {
		t.Errorf("got %+v", res)
	}

	h.engine.Wait()
	if entry := h.stored(t, url); entry == nil || string(entry.Body) != "network" {
		t.Errorf("network response not stored: %+v", entry)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheMisses: 1, NetworkRequests: 1})
}

func TestCacheFirst_StaleServedAndRevalidated(t *testing.T) {
	h := newMemoryHarness(t, "fresh")
	h.seed(t, url, "old", t0)
	h.now = t0.Add(61 * time.Second)

	res, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, 60*time.Second)
	if err != nil {
		t.Fatalf("CacheFirst failed: %v", err)
	}
	if res.Source != SourceCache || !res.Stale || string(res.Entry.Body) != "old" {
		t.Errorf("Expected stale cached entry, got %+v body %q", res, res.Entry.Body)
	}

	if err := h.refresh.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if calls := h.origin.calls.Load(); calls != 1 {
		t.Errorf("Expected one background fetch, got %d", calls)
	}
	if entry := h.stored(t, url); entry == nil || string(entry.Body) != "fresh" {
		t.Errorf("entry not refreshed: %+v", entry)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheHits: 1, NetworkRequests: 1})
}

func TestCacheFirst_StaleRefreshDoesNotBlock(t *testing.T) {
	h := newMemoryHarness(t, "fresh")
	h.seed(t, url, "old", t0)
	h.now = t0.Add(2 * time.Minute)
	gate := h.origin.block()
	defer close(gate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("caller waited on the background refresh")
	}
}

func TestCacheFirst_NetworkFailure(t *testing.T) {
	h := newMemoryHarness(t, "")
	h.origin.fail(fmt.Errorf("%w: connection refused", fetch.ErrNetwork))

	_, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
	if !errors.Is(err, ErrNoResponse) || !fetch.IsNetworkError(err) {
		t.Errorf("Expected ErrNoResponse wrapping the network error, got %v", err)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheMisses: 1, NetworkRequests: 1, Errors: 1})
}

func TestCacheFirst_RefreshFailureCountsError(t *testing.T) {
	h := newMemoryHarness(t, "")
	h.seed(t, url, "old", t0)
	h.now = t0.Add(2 * time.Minute)
	h.origin.fail(fmt.Errorf("%w: connection refused", fetch.ErrNetwork))

	if _, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute); err != nil {
		t.Fatalf("CacheFirst failed: %v", err)
	}
	h.refresh.Flush(time.Second)

	expectSnapshot(t, h.counters, metrics.Snapshot{CacheHits: 1, NetworkRequests: 1, Errors: 1})
	if entry := h.stored(t, url); entry == nil || string(entry.Body) != "old" {
		t.Errorf("failed refresh must keep the old entry, got %+v", entry)
	}
}

func TestCacheFirst_NonCacheableResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"not found", http.StatusNotFound, ""},
		{"no-store", http.StatusOK, "no-store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewMemoryStore(memory.MemoryStoreConfig{})
			f := fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Entry, error) {
				h := http.Header{}
				if tt.header != "" {
					h.Set("Cache-Control", tt.header)
				}
				return fetch.NewEntry(req, tt.status, h, []byte("body"), t0), nil
			})
			refresh := writer.NewAsyncWriter(store, writer.AsyncWriterConfig{})
			defer refresh.Close()
			engine := NewEngine(store, f, refresh, EngineConfig{})

			res, err := engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
			if err != nil {
				t.Fatalf("CacheFirst failed: %v", err)
			}
			if res.Entry.Status != tt.status {
				t.Errorf("Status = %d, want %d", res.Entry.Status, tt.status)
			}

			engine.Wait()
			keys, _ := store.Keys(context.Background(), ns)
			if len(keys) != 0 {
				t.Errorf("response must not be stored, got keys %v", keys)
			}
		})
	}
}

func TestCacheFirst_StoreFailureIsMiss(t *testing.T) {
	h := newHarness(t, mock.NewFailingStore("down", cache.ErrStoreUnavailable), newOrigin("network"))

	res, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute)
	if err != nil {
		t.Fatalf("store failure must not surface: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("Expected network result, got %s", res.Source)
	}
	h.engine.Wait()
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheMisses: 1, NetworkRequests: 1})
}

func TestCacheFirst_CallerCancelDoesNotAbortFetch(t *testing.T) {
	h := newMemoryHarness(t, "network")
	gate := h.origin.block()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.engine.CacheFirst(ctx, newReq(t, url), ns, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	close(gate)
	h.engine.Wait()
	if h.stored(t, url) == nil {
		t.Error("fetch should complete and populate the cache after the caller left")
	}
}

func TestCacheFirst_ConcurrentMissesShareFetch(t *testing.T) {
	h := newMemoryHarness(t, "network")
	gate := h.origin.block()

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute); err != nil {
				t.Errorf("CacheFirst failed: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls := h.origin.calls.Load(); calls != 1 {
		t.Errorf("Expected 1 shared network call, got %d", calls)
	}
	if got := h.counters.Snapshot().NetworkRequests; got != 1 {
		t.Errorf("Expected 1 network request, got %d", got)
	}
}

func TestCacheFirst_InvalidRequest(t *testing.T) {
	h := newMemoryHarness(t, "network")
	req := &fetch.Request{Method: http.MethodGet, URL: "http://bad\x7fhost/"}

	if _, err := h.engine.CacheFirst(context.Background(), req, ns, time.Minute); err == nil {
		t.Error("Expected error for a request without a valid key")
	}
}

func TestStaleWhileRevalidate_HitRefreshes(t *testing.T) {
	h := newMemoryHarness(t, "fresh")
	h.seed(t, url, "old", t0)

	res, err := h.engine.StaleWhileRevalidate(context.Background(), newReq(t, url), ns)
	if err != nil {
		t.Fatalf("StaleWhileRevalidate failed: %v", err)
	}
	if res.Source != SourceCache || string(res.Entry.Body) != "old" {
		t.Errorf("Expected cached entry, got %+v", res)
	}

	h.refresh.Flush(time.Second)
	if entry := h.stored(t, url); entry == nil || string(entry.Body) != "fresh" {
		t.Errorf("entry not refreshed: %+v", entry)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheHits: 1, NetworkRequests: 1})
}

func TestStaleWhileRevalidate_MissWaitsForNetwork(t *testing.T) {
	h := newMemoryHarness(t, "first")

	res, err := h.engine.StaleWhileRevalidate(context.Background(), newReq(t, url), ns)
	if err != nil {
		t.Fatalf("StaleWhileRevalidate failed: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Entry.Body) != "first" {
		t.Errorf("Expected network entry, got %+v", res)
	}

	h.engine.Wait()
	h.refresh.Flush(time.Second)
	if calls := h.origin.calls.Load(); calls != 1 {
		t.Errorf("Expected exactly one fetch on a miss, got %d", calls)
	}
	if entry := h.stored(t, url); entry == nil || string(entry.Body) != "first" {
		t.Errorf("first response not stored: %+v", entry)
	}
	expectSnapshot(t, h.counters, metrics.Snapshot{CacheMisses: 1, NetworkRequests: 1})
}

func TestResult_Hit(t *testing.T) {
	var nilResult *Result
	if nilResult.Hit() {
		t.Error("nil result is not a hit")
	}
	if !(&Result{Source: SourceCache}).Hit() {
		t.Error("cache result is a hit")
	}
	if (&Result{Source: SourceNetwork}).Hit() {
		t.Error("network result is not a hit")
	}
}

// reasonRecorder keeps the reason of every recorded error.
type reasonRecorder struct {
	metrics.NoOpCollector

	mu      sync.Mutex
	reasons []string
}

func (r *reasonRecorder) RecordError(class string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *reasonRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestEngine_ErrorReasons(t *testing.T) {
	tests := []struct {
		name     string
		fetchErr error
		putErr   error
		want     string
	}{
		{"network failure", fmt.Errorf("%w: connection refused", fetch.ErrNetwork), nil, "refresh_network"},
		{"store timeout", nil, fmt.Errorf("put: %w", cache.ErrTimeout), "refresh_timeout"},
		{"circuit open", nil, cache.ErrCircuitOpen, "refresh_circuit_breaker_open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mock.NewMockStore("scripted")
			store.MatchFunc = func(ctx context.Context, ns, key string) (*cache.Entry, error) {
				return storetest.NewEntry(key, "old", t0), nil
			}
			store.PutFunc = func(ctx context.Context, ns, key string, entry *cache.Entry) error {
				return tt.putErr
			}
			o := newOrigin("new")
			if tt.fetchErr != nil {
				o.fail(tt.fetchErr)
			}

			recorder := &reasonRecorder{}
			refresh := writer.NewAsyncWriter(store, writer.AsyncWriterConfig{QueueSize: 10, Workers: 1})
			defer refresh.Close()
			engine := NewEngine(store, o, refresh, EngineConfig{
				Metrics: recorder,
				Now:     func() time.Time { return t0.Add(time.Hour) },
			})

			if _, err := engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute); err != nil {
				t.Fatalf("CacheFirst failed: %v", err)
			}
			refresh.Flush(time.Second)
			engine.Wait()

			if got := recorder.recorded(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("reasons = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestEngine_MissErrorReason(t *testing.T) {
	h := newMemoryHarness(t, "")
	recorder := &reasonRecorder{}
	h.engine.metrics = recorder
	h.origin.fail(errors.New("response body exceeds limit"))

	if _, err := h.engine.CacheFirst(context.Background(), newReq(t, url), ns, time.Minute); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Expected ErrNoResponse, got %v", err)
	}
	if got := recorder.recorded(); len(got) != 1 || got[0] != "other" {
		t.Errorf("reasons = %v, want [other]", got)
	}
}
