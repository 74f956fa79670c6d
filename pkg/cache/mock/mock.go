package mock

import (
	"context"
	"sync/atomic"

	"cache-intercept/pkg/cache"
)

// MockStore is a mock implementation of cache.Store for testing.
// It allows injecting custom behavior for each method and tracks call counts.
type MockStore struct {
	// Function hooks - set these to customize behavior
	OpenFunc            func(ctx context.Context, ns string) error
	PutFunc             func(ctx context.Context, ns, key string, entry *cache.Entry) error
	MatchFunc           func(ctx context.Context, ns, key string) (*cache.Entry, error)
	DeleteFunc          func(ctx context.Context, ns, key string) error
	KeysFunc            func(ctx context.Context, ns string) ([]string, error)
	NamespacesFunc      func(ctx context.Context) ([]string, error)
	DeleteNamespaceFunc func(ctx context.Context, ns string) error
	NameFunc            func() string
	CloseFunc           func() error

	// Call tracking (must use atomic operations for race-free access)
	openCalls   int64
	putCalls    int64
	matchCalls  int64
	deleteCalls int64
	keysCalls   int64
	closeCalls  int64
}

// Open implements cache.Store.Open with optional custom behavior.
func (m *MockStore) Open(ctx context.Context, ns string) error {
	atomic.AddInt64(&m.openCalls, 1)
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, ns)
	}
	return nil
}

// Put implements cache.Store.Put with optional custom behavior.
func (m *MockStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
	atomic.AddInt64(&m.putCalls, 1)
	if m.PutFunc != nil {
		return m.PutFunc(ctx, ns, key, entry)
	}
	return nil
}

// Match implements cache.Store.Match. Without a hook every lookup misses.
func (m *MockStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	atomic.AddInt64(&m.matchCalls, 1)
	if m.MatchFunc != nil {
		return m.MatchFunc(ctx, ns, key)
	}
	return nil, cache.ErrEntryNotFound
}

// Delete implements cache.Store.Delete with optional custom behavior.
func (m *MockStore) Delete(ctx context.Context, ns, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, ns, key)
	}
	return nil
}

// Keys implements cache.Store.Keys with optional custom behavior.
func (m *MockStore) Keys(ctx context.Context, ns string) ([]string, error) {
	atomic.AddInt64(&m.keysCalls, 1)
	if m.KeysFunc != nil {
		return m.KeysFunc(ctx, ns)
	}
	return nil, nil
}

// Namespaces implements cache.Store.Namespaces with optional custom behavior.
func (m *MockStore) Namespaces(ctx context.Context) ([]string, error) {
	if m.NamespacesFunc != nil {
		return m.NamespacesFunc(ctx)
	}
	return nil, nil
}

// DeleteNamespace implements cache.Store.DeleteNamespace with optional custom behavior.
func (m *MockStore) DeleteNamespace(ctx context.Context, ns string) error {
	if m.DeleteNamespaceFunc != nil {
		return m.DeleteNamespaceFunc(ctx, ns)
	}
	return nil
}

// Name implements cache.Store.Name with optional custom behavior.
func (m *MockStore) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// Close implements cache.Store.Close with optional custom behavior.
func (m *MockStore) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// OpenCalls returns the number of Open calls (thread-safe).
func (m *MockStore) OpenCalls() int {
	return int(atomic.LoadInt64(&m.openCalls))
}

// PutCalls returns the number of Put calls (thread-safe).
func (m *MockStore) PutCalls() int {
	return int(atomic.LoadInt64(&m.putCalls))
}

// MatchCalls returns the number of Match calls (thread-safe).
func (m *MockStore) MatchCalls() int {
	return int(atomic.LoadInt64(&m.matchCalls))
}

// DeleteCalls returns the number of Delete calls (thread-safe).
func (m *MockStore) DeleteCalls() int {
	return int(atomic.LoadInt64(&m.deleteCalls))
}

// KeysCalls returns the number of Keys calls (thread-safe).
func (m *MockStore) KeysCalls() int {
	return int(atomic.LoadInt64(&m.keysCalls))
}

// CloseCalls returns the number of Close calls (thread-safe).
func (m *MockStore) CloseCalls() int {
	return int(atomic.LoadInt64(&m.closeCalls))
}

// NewMockStore creates a new MockStore with default behavior.
// By default, writes succeed and every Match misses.
func NewMockStore(name string) *MockStore {
	return &MockStore{
		NameFunc: func() string { return name },
	}
}

// NewFailingStore creates a MockStore whose every operation returns err.
func NewFailingStore(name string, err error) *MockStore {
	return &MockStore{
		NameFunc: func() string { return name },
		OpenFunc: func(ctx context.Context, ns string) error { return err },
		PutFunc: func(ctx context.Context, ns, key string, entry *cache.Entry) error {
			return err
		},
		MatchFunc: func(ctx context.Context, ns, key string) (*cache.Entry, error) {
			return nil, err
		},
		DeleteFunc: func(ctx context.Context, ns, key string) error { return err },
		KeysFunc: func(ctx context.Context, ns string) ([]string, error) {
			return nil, err
		},
		NamespacesFunc:      func(ctx context.Context) ([]string, error) { return nil, err },
		DeleteNamespaceFunc: func(ctx context.Context, ns string) error { return err },
	}
}

// ErrBackendDown is a mock error for an unreachable backend
var ErrBackendDown = &mockError{"backend down"}

type mockError struct {
	msg string
}

func (e *mockError) Error() string {
	return "mock: " + e.msg
}
