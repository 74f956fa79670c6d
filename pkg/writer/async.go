package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/metrics"

	"github.com/sourcegraph/conc"
)

// AsyncWriter runs background refreshes on a worker pool fed by a bounded queue.
// Each job fetches a fresh response and, when the fetch yields an entry,
// stores it in the job's namespace. Request handling never waits on it.
type AsyncWriter struct {
	store      cache.Store
	queue      chan Job
	workers    int
	wg         conc.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     AsyncWriterConfig
	metrics    metrics.Collector
	name       string

	// Statistics (accessed atomically)
	droppedWrites int64
	totalWrites   int64
	failedWrites  int64
	inFlight      int64

	// Metrics ticker for periodic queue depth reporting
	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// Job is one background refresh.
type Job struct {
	Namespace string
	Key       string

	// Fetch produces the entry to store. A nil entry with a nil error means
	// the response was fetched but must not be stored.
	Fetch func(ctx context.Context) (*cache.Entry, error)

	// Done, if set, is called with the stored entry or the first error.
	Done func(entry *cache.Entry, err error)
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// Name labels the writer in metrics (default: "refresh")
	Name string

	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full.
	// 0 means the default of 10ms.
	MaxWaitTime time.Duration

	// JobTimeout bounds each job's fetch and store write (default: 30s)
	JobTimeout time.Duration
}

// NewAsyncWriter creates a new async writer with bounded queue and worker pool.
// The writer starts processing immediately and must be closed with Close().
func NewAsyncWriter(store cache.Store, config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(store, config, metrics.NoOpCollector{})
}

// NewAsyncWriterWithMetrics creates a new async writer with custom metrics collector.
func NewAsyncWriterWithMetrics(store cache.Store, config AsyncWriterConfig, collector metrics.Collector) *AsyncWriter {
	if config.Name == "" {
		config.Name = "refresh"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		store:         store,
		queue:         make(chan Job, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       collector,
		name:          config.Name,
		metricsTicker: time.NewTicker(5 * time.Second), // Report queue depth every 5s
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Go(w.worker)
	}

	go w.reportMetrics()

	return w
}

// Submit enqueues a job without blocking request handling.
// If the queue is full, it waits up to MaxWaitTime before dropping the job.
// Returns ErrQueueFull if the job was dropped due to backpressure.
func (w *AsyncWriter) Submit(ctx context.Context, job Job) error {
	if job.Fetch == nil {
		return ErrInvalidJob
	}

	select {
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	atomic.AddInt64(&w.inFlight, 1)
	select {
	case w.queue <- job:
		atomic.AddInt64(&w.totalWrites, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&w.inFlight, -1)
		atomic.AddInt64(&w.droppedWrites, 1)
		w.metrics.RecordWriteDropped(w.name)
		return ErrQueueFull
	case <-ctx.Done():
		atomic.AddInt64(&w.inFlight, -1)
		return ctx.Err()
	case <-w.ctx.Done():
		atomic.AddInt64(&w.inFlight, -1)
		return ErrWriterClosed
	}
}

// worker processes jobs from the queue.
func (w *AsyncWriter) worker() {
	for {
		select {
		case job := <-w.queue:
			w.process(job)
		case <-w.ctx.Done():
			// Drain remaining items in queue before exiting
			for {
				select {
				case job := <-w.queue:
					w.process(job)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) process(job Job) {
	defer atomic.AddInt64(&w.inFlight, -1)

	start := time.Now()
	entry, err := w.run(job)
	w.metrics.RecordAsyncWrite(w.name, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&w.failedWrites, 1)
	}
	if job.Done != nil {
		job.Done(entry, err)
	}
}

func (w *AsyncWriter) run(job Job) (entry *cache.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entry, err = nil, fmt.Errorf("writer: job %s %s panic: %v", job.Namespace, job.Key, r)
		}
	}()

	// Jobs run on their own deadline so Close can still drain them.
	ctx, cancel := context.WithTimeout(context.Background(), w.config.JobTimeout)
	defer cancel()

	entry, err = job.Fetch(ctx)
	if err != nil || entry == nil {
		return nil, err
	}
	if err := w.store.Put(ctx, job.Namespace, job.Key, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Flush waits until every submitted job has finished or the timeout passes.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&w.inFlight) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting new jobs and waits for workers to complete.
// Any jobs in the queue will be processed before shutdown.
func (w *AsyncWriter) Close() error {
	select {
	case <-w.metricsStop:
		return nil
	default:
	}

	close(w.metricsStop)
	w.metricsTicker.Stop()

	w.cancelFunc()
	w.wg.Wait()

	return nil
}

// reportMetrics periodically reports queue depth.
func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.name, len(w.queue))
		case <-w.metricsStop:
			return
		}
	}
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    len(w.queue),
		InFlight:      atomic.LoadInt64(&w.inFlight),
		DroppedWrites: atomic.LoadInt64(&w.droppedWrites),
		TotalWrites:   atomic.LoadInt64(&w.totalWrites),
		FailedWrites:  atomic.LoadInt64(&w.failedWrites),
	}
}
