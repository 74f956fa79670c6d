package cache

import (
	"context"
	"net/http"
	"time"
)

// Store defines the interface that all response store implementations must satisfy.
// A store is partitioned into namespaces; each namespace holds one cache generation.
// Operations on one namespace never observe or modify another.
type Store interface {
	// Open creates the namespace if it does not exist yet.
	// Opening an existing namespace is a no-op.
	Open(ctx context.Context, namespace string) error

	// Put stores an entry under key, replacing any previous entry with the same key.
	// A replaced key moves to the end of the insertion order.
	Put(ctx context.Context, namespace, key string, entry *Entry) error

	// Match returns the entry stored under key.
	// Returns ErrEntryNotFound if the namespace or key does not exist.
	Match(ctx context.Context, namespace, key string) (*Entry, error)

	// Delete removes the entry stored under key.
	// Returns nil if the key was deleted or didn't exist.
	Delete(ctx context.Context, namespace, key string) error

	// Keys returns the keys of the namespace in insertion order, oldest first.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Namespaces returns every namespace that has been opened or written to.
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace removes the namespace and every entry in it.
	// Returns nil if the namespace didn't exist.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Name returns the identifier for this store (e.g., "memory", "leveldb", "redis").
	// Used for logging, metrics, and debugging.
	Name() string

	// Close releases any resources held by the store.
	Close() error
}

// Entry is an immutable capture of an HTTP response, sufficient to replay it
// without re-issuing the request. Entries are never mutated once stored; a new
// entry with the same key replaces the old one.
type Entry struct {
	// Key is the canonical request identity (see RequestKey)
	Key string `json:"key"`

	// Status is the HTTP status code
	Status int `json:"status"`

	// Header holds the response headers
	Header http.Header `json:"header"`

	// Body is the full response body
	Body []byte `json:"body"`

	// StoredAt is derived from the response Date header when present,
	// otherwise it is the time the response was captured
	StoredAt time.Time `json:"stored_at"`

	// Hash is the CRC32 checksum of Body
	Hash uint32 `json:"hash"`
}

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Stale reports whether the entry's age exceeds maxAge.
// A maxAge of zero or less means the entry never goes stale.
func (e *Entry) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return e.Age(now) > maxAge
}

// OK reports whether the captured status is 2xx.
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Header = CloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return &out
}

// CloneHeader returns a deep copy of h.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
