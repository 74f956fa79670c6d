package memory

import (
	"context"
	"sort"
	"sync"

	"cache-intercept/pkg/cache"
)

// MemoryStore is an in-memory implementation of cache.Store.
// It keeps one map per namespace and tracks insertion order with a monotonically
// increasing sequence number, so Keys always returns entries oldest first.
type MemoryStore struct {
	// namespaces maps a namespace name to its entries
	namespaces map[string]*namespace

	// seq is the last sequence number handed out
	seq uint64

	// mu protects namespaces and seq
	mu sync.RWMutex

	config MemoryStoreConfig
}

type namespace struct {
	items map[string]*item
}

// item holds a stored entry and its insertion sequence.
type item struct {
	entry *cache.Entry
	seq   uint64
}

// MemoryStoreConfig holds configuration for the memory store
type MemoryStoreConfig struct {
	// Name is the store identifier
	Name string
}

// NewMemoryStore creates a new in-memory store with the given configuration.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.Name == "" {
		config.Name = "memory"
	}

	return &MemoryStore{
		namespaces: make(map[string]*namespace),
		config:     config,
	}
}

// Open creates the namespace if it doesn't exist.
func (s *MemoryStore) Open(ctx context.Context, ns string) error {
	if err := cache.ValidateNamespace(ns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.openLocked(ns)
	return nil
}

func (s *MemoryStore) openLocked(ns string) *namespace {
	n, ok := s.namespaces[ns]
	if !ok {
		n = &namespace{items: make(map[string]*item)}
		s.namespaces[ns] = n
	}
	return n
}

// Put stores a copy of entry under key. Replacing an existing key moves it to
// the end of the insertion order.
func (s *MemoryStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
	if err := cache.ValidateNamespace(ns); err != nil {
		return err
	}
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if entry == nil {
		return cache.ErrInvalidEntry
	}

	stored := entry.Clone()
	stored.Key = key

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.openLocked(ns).items[key] = &item{entry: stored, seq: s.seq}
	return nil
}

// Match returns a copy of the entry stored under key.
func (s *MemoryStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.namespaces[ns]
	if !ok {
		return nil, cache.ErrEntryNotFound
	}
	it, ok := n.items[key]
	if !ok {
		return nil, cache.ErrEntryNotFound
	}
	return it.entry.Clone(), nil
}

// Delete removes a key from the namespace.
func (s *MemoryStore) Delete(ctx context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.namespaces[ns]; ok {
		delete(n.items, key)
	}
	return nil
}

// DeleteMulti removes several keys under a single lock.
func (s *MemoryStore) DeleteMulti(ctx context.Context, ns string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.namespaces[ns]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(n.items, key)
	}
	return nil
}

// Keys returns the namespace keys in insertion order.
func (s *MemoryStore) Keys(ctx context.Context, ns string) ([]string, error) {
	s.mu.RLock()
	n, ok := s.namespaces[ns]
	if !ok {
		s.mu.RUnlock()
		return nil, nil
	}
	items := make([]*item, 0, len(n.items))
	for _, it := range n.items {
		items = append(items, it)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].seq < items[j].seq
	})

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.entry.Key
	}
	return keys, nil
}

// Namespaces returns all namespaces in lexical order.
func (s *MemoryStore) Namespaces(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteNamespace drops the namespace and all of its entries.
func (s *MemoryStore) DeleteNamespace(ctx context.Context, ns string) error {
	s.mu.Lock()
	delete(s.namespaces, ns)
	s.mu.Unlock()
	return nil
}

// Name returns the store name.
func (s *MemoryStore) Name() string {
	return s.config.Name
}

// Close clears all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.namespaces = make(map[string]*namespace)
	s.mu.Unlock()
	return nil
}

// Stats returns current store statistics.
func (s *MemoryStore) Stats() MemoryStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := MemoryStoreStats{
		Namespaces: len(s.namespaces),
		Entries:    make(map[string]int, len(s.namespaces)),
	}
	for name, n := range s.namespaces {
		stats.Entries[name] = len(n.items)
	}
	return stats
}

// MemoryStoreStats holds store statistics.
type MemoryStoreStats struct {
	Namespaces int            // Number of namespaces
	Entries    map[string]int // Entry count per namespace
}
