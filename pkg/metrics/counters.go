package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of Counters.
type Snapshot struct {
	CacheHits       uint64 `json:"cacheHits"`
	CacheMisses     uint64 `json:"cacheMisses"`
	NetworkRequests uint64 `json:"networkRequests"`
	Errors          uint64 `json:"errors"`
}

// Counters is the in-process Collector behind the pull-based metrics read.
// All four counters only ever increase. The zero value is ready to use.
type Counters struct {
	NoOpCollector

	hits     atomic.Uint64
	misses   atomic.Uint64
	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) RecordLookup(class string, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *Counters) RecordNetworkRequest(class string, success bool, duration time.Duration) {
	c.requests.Add(1)
}

func (c *Counters) RecordError(class string, reason string) {
	c.errors.Add(1)
}

// Snapshot returns the current counter values. Each field is read atomically;
// the four reads are not one transaction.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:       c.hits.Load(),
		CacheMisses:     c.misses.Load(),
		NetworkRequests: c.requests.Load(),
		Errors:          c.errors.Load(),
	}
}
