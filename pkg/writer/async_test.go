package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/cache/mock"
)

// recordingStore returns a mock store that records Put keys in order.
func recordingStore() (*mock.MockStore, func() []string) {
	var mu sync.Mutex
	var keys []string

	store := mock.NewMockStore("recording")
	store.PutFunc = func(ctx context.Context, ns, key string, entry *cache.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		return nil
	}
	return store, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), keys...)
	}
}

func refreshJob(key string) Job {
	return Job{
		Namespace: "runtime-v1",
		Key:       key,
		Fetch: func(ctx context.Context) (*cache.Entry, error) {
			return &cache.Entry{Key: key, Status: 200, Body: []byte(key)}, nil
		},
	}
}

func TestNewAsyncWriter(t *testing.T) {
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{
		QueueSize:   100,
		Workers:     4,
		MaxWaitTime: 5 * time.Millisecond,
	})
	defer writer.Close()

	if writer.workers != 4 {
		t.Errorf("Expected 4 workers, got %d", writer.workers)
	}
	if cap(writer.queue) != 100 {
		t.Errorf("Expected queue size 100, got %d", cap(writer.queue))
	}
}

func TestNewAsyncWriter_Defaults(t *testing.T) {
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{})
	defer writer.Close()

	if cap(writer.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(writer.queue))
	}
	if writer.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", writer.workers)
	}
	if writer.config.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected default MaxWaitTime 10ms, got %v", writer.config.MaxWaitTime)
	}
	if writer.name != "refresh" {
		t.Errorf("Expected default name refresh, got %q", writer.name)
	}
}

func TestAsyncWriter_SubmitStoresEntry(t *testing.T) {
	store, keys := recordingStore()
	writer := NewAsyncWriter(store, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer writer.Close()

	done := make(chan *cache.Entry, 1)
	job := refreshJob("GET /a")
	job.Done = func(entry *cache.Entry, err error) {
		if err != nil {
			t.Errorf("job failed: %v", err)
		}
		done <- entry
	}

	if err := writer.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case entry := <-done:
		if entry == nil || string(entry.Body) != "GET /a" {
			t.Errorf("Done got entry %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not complete")
	}

	if got := keys(); len(got) != 1 || got[0] != "GET /a" {
		t.Errorf("stored keys = %v", got)
	}
	if stats := writer.Stats(); stats.TotalWrites != 1 {
		t.Errorf("Expected 1 total write, got %d", stats.TotalWrites)
	}
}

func TestAsyncWriter_NilEntrySkipsStore(t *testing.T) {
	store, keys := recordingStore()
	writer := NewAsyncWriter(store, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer writer.Close()

	writer.Submit(context.Background(), Job{
		Namespace: "runtime-v1",
		Key:       "GET /no-store",
		Fetch: func(ctx context.Context) (*cache.Entry, error) {
			return nil, nil
		},
	})

	if err := writer.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := keys(); len(got) != 0 {
		t.Errorf("Expected no store writes, got %v", got)
	}
}

func TestAsyncWriter_InvalidJob(t *testing.T) {
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{})
	defer writer.Close()

	if err := writer.Submit(context.Background(), Job{Key: "GET /"}); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("Expected ErrInvalidJob, got %v", err)
	}
}

func TestAsyncWriter_ConcurrentSubmits(t *testing.T) {
	store, keys := recordingStore()
	writer := NewAsyncWriter(store, AsyncWriterConfig{QueueSize: 100, Workers: 4})
	defer writer.Close()

	const numJobs = 50
	var wg sync.WaitGroup
	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := writer.Submit(context.Background(), refreshJob(fmt.Sprintf("GET /%d", n))); err != nil {
				t.Errorf("Submit %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if err := writer.Flush(2 * time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(keys()); got != numJobs {
		t.Errorf("Expected %d stored keys, got %d", numJobs, got)
	}
}

func TestAsyncWriter_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{
		QueueSize:   5,
		Workers:     1,
		MaxWaitTime: 10 * time.Millisecond,
	})
	defer func() {
		close(release)
		writer.Close()
	}()

	blocking := Job{
		Namespace: "runtime-v1",
		Key:       "GET /slow",
		Fetch: func(ctx context.Context) (*cache.Entry, error) {
			once.Do(func() { close(started) })
			<-release
			return nil, nil
		},
	}

	// First job occupies the worker, next 5 fill the queue
	if err := writer.Submit(context.Background(), blocking); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	for i := 0; i < 5; i++ {
		if err := writer.Submit(context.Background(), refreshJob(fmt.Sprintf("GET /%d", i))); err != nil {
			t.Fatalf("Submit %d failed unexpectedly: %v", i, err)
		}
	}

	if err := writer.Submit(context.Background(), refreshJob("GET /extra")); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	stats := writer.Stats()
	if stats.DroppedWrites != 1 {
		t.Errorf("Expected 1 dropped write, got %d", stats.DroppedWrites)
	}
	if stats.TotalWrites != 6 {
		t.Errorf("Expected 6 accepted jobs, got %d", stats.TotalWrites)
	}
	if stats.InFlight != 6 {
		t.Errorf("Expected 6 jobs in flight, got %d", stats.InFlight)
	}
}

func TestAsyncWriter_ContextCancellation(t *testing.T) {
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := writer.Submit(ctx, refreshJob("GET /")); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAsyncWriter_ErrorHandling(t *testing.T) {
	tests := []struct {
		name  string
		store cache.Store
		job   Job
	}{
		{
			name:  "fetch fails",
			store: mock.NewMockStore("m"),
			job: Job{Namespace: "runtime-v1", Key: "GET /", Fetch: func(ctx context.Context) (*cache.Entry, error) {
				return nil, errors.New("network down")
			}},
		},
		{
			name:  "store fails",
			store: mock.NewFailingStore("m", cache.ErrStoreUnavailable),
			job:   refreshJob("GET /"),
		},
		{
			name:  "fetch panics",
			store: mock.NewMockStore("m"),
			job: Job{Namespace: "runtime-v1", Key: "GET /", Fetch: func(ctx context.Context) (*cache.Entry, error) {
				panic("boom")
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := NewAsyncWriter(tt.store, AsyncWriterConfig{QueueSize: 10, Workers: 1})
			defer writer.Close()

			var doneErr atomic.Value
			tt.job.Done = func(entry *cache.Entry, err error) {
				if err != nil {
					doneErr.Store(err)
				}
			}

			if err := writer.Submit(context.Background(), tt.job); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if err := writer.Flush(time.Second); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			if doneErr.Load() == nil {
				t.Error("Expected Done to receive an error")
			}
			if stats := writer.Stats(); stats.FailedWrites != 1 {
				t.Errorf("Expected 1 failed write in stats, got %d", stats.FailedWrites)
			}
		})
	}
}

func TestAsyncWriter_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer func() {
		close(release)
		writer.Close()
	}()

	writer.Submit(context.Background(), Job{
		Namespace: "runtime-v1",
		Key:       "GET /",
		Fetch: func(ctx context.Context) (*cache.Entry, error) {
			<-release
			return nil, nil
		},
	})

	if err := writer.Flush(50 * time.Millisecond); err != ErrFlushTimeout {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}

func TestAsyncWriter_CloseDrainsQueue(t *testing.T) {
	store, keys := recordingStore()
	writer := NewAsyncWriter(store, AsyncWriterConfig{QueueSize: 10, Workers: 2})

	for i := 0; i < 3; i++ {
		if err := writer.Submit(context.Background(), refreshJob(fmt.Sprintf("GET /%d", i))); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := len(keys()); got != 3 {
		t.Errorf("Expected 3 stored keys after close, got %d", got)
	}

	if err := writer.Submit(context.Background(), refreshJob("GET /late")); err != ErrWriterClosed {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestAsyncWriter_Ordering(t *testing.T) {
	store, keys := recordingStore()
	writer := NewAsyncWriter(store, AsyncWriterConfig{
		QueueSize: 20,
		Workers:   1, // Single worker ensures FIFO
	})
	defer writer.Close()

	want := []string{"GET /1", "GET /2", "GET /3", "GET /4", "GET /5"}
	for _, key := range want {
		writer.Submit(context.Background(), refreshJob(key))
	}
	if err := writer.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got := keys()
	if len(got) != len(want) {
		t.Fatalf("Expected %d writes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected write %d to be %s, got %s", i, want[i], got[i])
		}
	}
}

func BenchmarkAsyncWriter_Submit(b *testing.B) {
	writer := NewAsyncWriter(mock.NewMockStore("m"), AsyncWriterConfig{
		QueueSize: 10000,
		Workers:   4,
	})
	defer writer.Close()

	ctx := context.Background()
	job := refreshJob("GET /bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writer.Submit(ctx, job)
	}
}
