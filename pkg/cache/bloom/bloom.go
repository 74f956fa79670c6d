package bloom

import (
	"context"
	"sync"

	"cache-intercept/pkg/cache"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomStore adds probabilistic membership testing in front of a cache.Store,
// so lookups for requests that were never stored skip the backend entirely.
// Deleted keys stay in the filter and fall through to the backend.
type BloomStore struct {
	store  cache.Store
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewBloomStore creates a new bloom filter wrapper around store.
func NewBloomStore(store cache.Store, expectedItems uint, falsePositiveRate float64) *BloomStore {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &BloomStore{
		store:             store,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

func member(ns, key string) []byte {
	b := make([]byte, 0, len(ns)+1+len(key))
	b = append(b, ns...)
	b = append(b, 0)
	return append(b, key...)
}

// Warm seeds the filter with every key already present in the store.
// Call it once at startup when the backend is persistent.
func (bs *BloomStore) Warm(ctx context.Context) error {
	namespaces, err := bs.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		keys, err := bs.store.Keys(ctx, ns)
		if err != nil {
			return err
		}
		bs.mu.Lock()
		for _, key := range keys {
			bs.filter.Add(member(ns, key))
		}
		bs.mu.Unlock()
	}
	return nil
}

// Name returns the name of the underlying store.
func (bs *BloomStore) Name() string {
	return "bloom(" + bs.store.Name() + ")"
}

func (bs *BloomStore) Open(ctx context.Context, ns string) error {
	return bs.store.Open(ctx, ns)
}

// Match consults the filter before the underlying store.
func (bs *BloomStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bs.mu.Lock()
	bs.totalQueries++
	if !bs.filter.Test(member(ns, key)) {
		bs.bloomRejected++
		bs.mu.Unlock()
		return nil, cache.ErrEntryNotFound
	}
	bs.mu.Unlock()

	entry, err := bs.store.Match(ctx, ns, key)
	if cache.IsNotFound(err) {
		bs.mu.Lock()
		bs.falsePositives++
		bs.mu.Unlock()
	}
	return entry, err
}

// Put records the key in the filter and stores the entry.
func (bs *BloomStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bs.mu.Lock()
	bs.filter.Add(member(ns, key))
	bs.mu.Unlock()

	return bs.store.Put(ctx, ns, key, entry)
}

func (bs *BloomStore) Delete(ctx context.Context, ns, key string) error {
	return bs.store.Delete(ctx, ns, key)
}

// DeleteMulti forwards to the underlying store's batch delete when it has one.
func (bs *BloomStore) DeleteMulti(ctx context.Context, ns string, keys []string) error {
	return cache.DeleteKeys(ctx, bs.store, ns, keys)
}

func (bs *BloomStore) Keys(ctx context.Context, ns string) ([]string, error) {
	return bs.store.Keys(ctx, ns)
}

func (bs *BloomStore) Namespaces(ctx context.Context) ([]string, error) {
	return bs.store.Namespaces(ctx)
}

func (bs *BloomStore) DeleteNamespace(ctx context.Context, ns string) error {
	return bs.store.DeleteNamespace(ctx, ns)
}

// Close closes the underlying store.
func (bs *BloomStore) Close() error {
	return bs.store.Close()
}

// Reset clears the bloom filter and its counters.
func (bs *BloomStore) Reset() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.filter = bloom.NewWithEstimates(bs.expectedItems, bs.falsePositiveRate)
	bs.totalQueries = 0
	bs.bloomRejected = 0
	bs.falsePositives = 0
}

// Stats returns statistics about the bloom filter.
func (bs *BloomStore) Stats() BloomStats {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0

	if bs.totalQueries > 0 {
		rejectionRate = float64(bs.bloomRejected) / float64(bs.totalQueries)
		queried := bs.totalQueries - bs.bloomRejected
		if queried > 0 {
			falsePositiveRate = float64(bs.falsePositives) / float64(queried)
		}
	}

	return BloomStats{
		TotalQueries:      bs.totalQueries,
		BloomRejected:     bs.bloomRejected,
		FalsePositives:    bs.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    uint(bs.filter.Cap()),
	}
}

// BloomStats holds statistics about bloom filter performance.
type BloomStats struct {
	TotalQueries      uint64  `json:"total_queries"`
	BloomRejected     uint64  `json:"bloom_rejected"`
	FalsePositives    uint64  `json:"false_positives"`
	RejectionRate     float64 `json:"rejection_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	FilterCapacity    uint    `json:"filter_capacity"`
}
