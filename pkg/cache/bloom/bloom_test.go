package bloom

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/cache/memory"
	"cache-intercept/pkg/cache/mock"
	"cache-intercept/pkg/cache/storetest"
)

func newTestBloom(expected uint, rate float64) (*BloomStore, *memory.MemoryStore) {
	base := memory.NewMemoryStore(memory.MemoryStoreConfig{Name: "test"})
	return NewBloomStore(base, expected, rate), base
}

func TestBloomStore_Conformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) cache.Store {
		bs, _ := newTestBloom(100, 0.01)
		t.Cleanup(func() { bs.Close() })
		return bs
	})
}

func TestBloomStore_RejectionSkipsBackend(t *testing.T) {
	base := mock.NewMockStore("backend")
	bs := NewBloomStore(base, 100, 0.01)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("GET /asset/%d", i)
		bs.Put(ctx, "stable-v1", key, storetest.NewEntry(key, "x", time.Now()))
	}

	_, err := bs.Match(ctx, "stable-v1", "GET /never-stored")
	if !cache.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	if base.MatchCalls() != 0 {
		t.Errorf("Expected backend Match to be skipped, got %d calls", base.MatchCalls())
	}

	stats := bs.Stats()
	if stats.TotalQueries != 1 || stats.BloomRejected != 1 {
		t.Errorf("Stats = %+v, want 1 query and 1 rejection", stats)
	}
}

func TestBloomStore_NamespaceScoped(t *testing.T) {
	bs, _ := newTestBloom(100, 0.001)
	ctx := context.Background()

	bs.Put(ctx, "stable-v1", "GET /app.js", storetest.NewEntry("GET /app.js", "x", time.Now()))

	if _, err := bs.Match(ctx, "stable-v1", "GET /app.js"); err != nil {
		t.Fatalf("Match in stored namespace failed: %v", err)
	}
	if _, err := bs.Match(ctx, "stable-v2", "GET /app.js"); !cache.IsNotFound(err) {
		t.Errorf("Expected not found in other namespace, got %v", err)
	}
}

func TestBloomStore_Warm(t *testing.T) {
	base := memory.NewMemoryStore(memory.MemoryStoreConfig{Name: "test"})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("GET /%d", i)
		base.Put(ctx, "runtime-v1", key, storetest.NewEntry(key, "x", time.Now()))
	}

	bs := NewBloomStore(base, 100, 0.01)
	if err := bs.Warm(ctx); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := bs.Match(ctx, "runtime-v1", fmt.Sprintf("GET /%d", i)); err != nil {
			t.Errorf("Match after Warm failed for %d: %v", i, err)
		}
	}
	if stats := bs.Stats(); stats.BloomRejected != 0 {
		t.Errorf("Expected no rejections after Warm, got %d", stats.BloomRejected)
	}
}

func TestBloomStore_FalsePositives(t *testing.T) {
	// Use very small filter to force collisions
	bs, _ := newTestBloom(5, 0.3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("GET /%d", i)
		bs.Put(ctx, "runtime-v1", key, storetest.NewEntry(key, "x", time.Now()))
	}

	for i := 100; i < 200; i++ {
		_, err := bs.Match(ctx, "runtime-v1", fmt.Sprintf("GET /%d", i))
		if !cache.IsNotFound(err) {
			t.Fatalf("Expected not found, got %v", err)
		}
	}

	stats := bs.Stats()
	if stats.BloomRejected+stats.FalsePositives != 100 {
		t.Errorf("Expected every query to be rejected or a false positive, got %+v", stats)
	}
	t.Logf("False positives detected: %d (%.1f%%)", stats.FalsePositives, stats.FalsePositiveRate*100)
}

func TestBloomStore_Reset(t *testing.T) {
	bs, _ := newTestBloom(100, 0.01)
	ctx := context.Background()

	bs.Put(ctx, "runtime-v1", "GET /a", storetest.NewEntry("GET /a", "x", time.Now()))
	bs.Match(ctx, "runtime-v1", "GET /a")

	bs.Reset()

	stats := bs.Stats()
	if stats.TotalQueries != 0 {
		t.Errorf("Expected 0 queries after reset, got %d", stats.TotalQueries)
	}

	// The filter no longer knows the key even though the backend still has it.
	if _, err := bs.Match(ctx, "runtime-v1", "GET /a"); !cache.IsNotFound(err) {
		t.Logf("bloom filter accepted key after reset: %v", err)
	}
}

func TestBloomStore_Name(t *testing.T) {
	bs, _ := newTestBloom(100, 0.01)
	if name := bs.Name(); name != "bloom(test)" {
		t.Errorf("Expected name bloom(test), got %s", name)
	}
}

func TestBloomStore_ContextCancellation(t *testing.T) {
	bs, _ := newTestBloom(100, 0.01)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bs.Put(ctx, "runtime-v1", "GET /", storetest.NewEntry("GET /", "x", time.Now())); err == nil {
		t.Error("Expected error with cancelled context")
	}
	if _, err := bs.Match(ctx, "runtime-v1", "GET /"); err == nil {
		t.Error("Expected error with cancelled context")
	}
}
