// Package storetest provides a conformance suite that every cache.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cache-intercept/pkg/cache"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) cache.Store

// TestStore runs the full conformance suite against stores built by newStore.
func TestStore(t *testing.T, newStore Factory) {
	t.Run("PutMatch", func(t *testing.T) { testPutMatch(t, newStore(t)) })
	t.Run("MatchMissing", func(t *testing.T) { testMatchMissing(t, newStore(t)) })
	t.Run("ReplaceMovesToEnd", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("KeysInsertionOrder", func(t *testing.T) { testKeysOrder(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteKeys", func(t *testing.T) { testDeleteKeys(t, newStore(t)) })
	t.Run("OpenListsEmptyNamespace", func(t *testing.T) { testOpen(t, newStore(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("InvalidInput", func(t *testing.T) { testInvalid(t, newStore(t)) })
}

// NewEntry builds a small 200 response entry for key.
func NewEntry(key, body string, storedAt time.Time) *cache.Entry {
	return &cache.Entry{
		Key:      key,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     []byte(body),
		StoredAt: storedAt.UTC().Truncate(time.Second),
	}
}

func mustPut(t *testing.T, s cache.Store, ns, key, body string) {
	t.Helper()
	if err := s.Put(context.Background(), ns, key, NewEntry(key, body, time.Now())); err != nil {
		t.Fatalf("Put(%s, %s) failed: %v", ns, key, err)
	}
}

func mustKeys(t *testing.T, s cache.Store, ns string) []string {
	t.Helper()
	keys, err := s.Keys(context.Background(), ns)
	if err != nil {
		t.Fatalf("Keys(%s) failed: %v", ns, err)
	}
	return keys
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func testPutMatch(t *testing.T, s cache.Store) {
	ctx := context.Background()
	stored := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := NewEntry("GET https://example.com/index.html", "<html>", stored)
	entry.Header.Set("Date", stored.Format(http.TimeFormat))
	entry.Hash = 42

	if err := s.Put(ctx, "stable-v1", entry.Key, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Match(ctx, "stable-v1", entry.Key)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", got.Status)
	}
	if string(got.Body) != "<html>" {
		t.Errorf("Body = %q, want <html>", got.Body)
	}
	if got.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", got.Header.Get("Content-Type"))
	}
	if !got.StoredAt.Equal(stored) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, stored)
	}
	if got.Hash != 42 {
		t.Errorf("Hash = %d, want 42", got.Hash)
	}
	if got.Key != entry.Key {
		t.Errorf("Key = %q, want %q", got.Key, entry.Key)
	}
}

func testMatchMissing(t *testing.T, s cache.Store) {
	ctx := context.Background()

	if _, err := s.Match(ctx, "never-opened", "GET /"); !cache.IsNotFound(err) {
		t.Errorf("Match on unknown namespace: got %v, want not found", err)
	}

	if err := s.Open(ctx, "stable-v1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Match(ctx, "stable-v1", "GET /missing"); !cache.IsNotFound(err) {
		t.Errorf("Match on missing key: got %v, want not found", err)
	}
}

func testReplace(t *testing.T, s cache.Store) {
	ctx := context.Background()
	mustPut(t, s, "runtime-v1", "GET /a", "a1")
	mustPut(t, s, "runtime-v1", "GET /b", "b1")
	mustPut(t, s, "runtime-v1", "GET /a", "a2")

	got, err := s.Match(ctx, "runtime-v1", "GET /a")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if string(got.Body) != "a2" {
		t.Errorf("Body = %q, want a2", got.Body)
	}

	if keys := mustKeys(t, s, "runtime-v1"); !equalKeys(keys, []string{"GET /b", "GET /a"}) {
		t.Errorf("Keys = %v, want [GET /b GET /a]", keys)
	}
}

func testKeysOrder(t *testing.T, s cache.Store) {
	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("GET /item/%d", i)
		mustPut(t, s, "runtime-v1", key, "x")
		want = append(want, key)
	}

	if keys := mustKeys(t, s, "runtime-v1"); !equalKeys(keys, want) {
		t.Errorf("Keys = %v, want %v", keys, want)
	}

	if keys := mustKeys(t, s, "unknown"); len(keys) != 0 {
		t.Errorf("Keys of unknown namespace = %v, want empty", keys)
	}
}

func testDelete(t *testing.T, s cache.Store) {
	ctx := context.Background()
	mustPut(t, s, "runtime-v1", "GET /a", "a")
	mustPut(t, s, "runtime-v1", "GET /b", "b")

	if err := s.Delete(ctx, "runtime-v1", "GET /a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Match(ctx, "runtime-v1", "GET /a"); !cache.IsNotFound(err) {
		t.Errorf("deleted key still matches: %v", err)
	}
	if err := s.Delete(ctx, "runtime-v1", "GET /a"); err != nil {
		t.Errorf("Delete of missing key should succeed, got %v", err)
	}
	if keys := mustKeys(t, s, "runtime-v1"); !equalKeys(keys, []string{"GET /b"}) {
		t.Errorf("Keys = %v, want [GET /b]", keys)
	}
}

func testDeleteKeys(t *testing.T, s cache.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustPut(t, s, "runtime-v1", fmt.Sprintf("GET /%d", i), "x")
	}

	if err := cache.DeleteKeys(ctx, s, "runtime-v1", []string{"GET /0", "GET /1", "GET /3"}); err != nil {
		t.Fatalf("DeleteKeys failed: %v", err)
	}
	if keys := mustKeys(t, s, "runtime-v1"); !equalKeys(keys, []string{"GET /2", "GET /4"}) {
		t.Errorf("Keys = %v, want [GET /2 GET /4]", keys)
	}
}

func testOpen(t *testing.T, s cache.Store) {
	ctx := context.Background()
	if err := s.Open(ctx, "external-v1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Open(ctx, "external-v1"); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	names, err := s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces failed: %v", err)
	}
	if !equalKeys(names, []string{"external-v1"}) {
		t.Errorf("Namespaces = %v, want [external-v1]", names)
	}

	if err := s.DeleteNamespace(ctx, "external-v1"); err != nil {
		t.Fatalf("DeleteNamespace failed: %v", err)
	}
	if err := s.DeleteNamespace(ctx, "external-v1"); err != nil {
		t.Errorf("DeleteNamespace of missing namespace should succeed, got %v", err)
	}
	names, _ = s.Namespaces(ctx)
	if len(names) != 0 {
		t.Errorf("Namespaces after delete = %v, want empty", names)
	}
}

func testIsolation(t *testing.T, s cache.Store) {
	ctx := context.Background()
	key := "GET https://example.com/app.js"
	mustPut(t, s, "stable-v1", key, "old")
	mustPut(t, s, "stable-v2", key, "new")

	if err := s.DeleteNamespace(ctx, "stable-v1"); err != nil {
		t.Fatalf("DeleteNamespace failed: %v", err)
	}

	got, err := s.Match(ctx, "stable-v2", key)
	if err != nil {
		t.Fatalf("current generation lost its entry: %v", err)
	}
	if string(got.Body) != "new" {
		t.Errorf("Body = %q, want new", got.Body)
	}
	if _, err := s.Match(ctx, "stable-v1", key); !cache.IsNotFound(err) {
		t.Errorf("deleted generation still matches: %v", err)
	}

	names, _ := s.Namespaces(ctx)
	if !equalKeys(names, []string{"stable-v2"}) {
		t.Errorf("Namespaces = %v, want [stable-v2]", names)
	}
}

func testInvalid(t *testing.T, s cache.Store) {
	ctx := context.Background()
	entry := NewEntry("GET /", "x", time.Now())

	if err := s.Put(ctx, "", "GET /", entry); !errors.Is(err, cache.ErrInvalidNamespace) {
		t.Errorf("Put with empty namespace: got %v, want ErrInvalidNamespace", err)
	}
	if err := s.Put(ctx, "runtime-v1", "", entry); !errors.Is(err, cache.ErrInvalidKey) {
		t.Errorf("Put with empty key: got %v, want ErrInvalidKey", err)
	}
	if err := s.Put(ctx, "runtime-v1", "GET /", nil); !errors.Is(err, cache.ErrInvalidEntry) {
		t.Errorf("Put with nil entry: got %v, want ErrInvalidEntry", err)
	}
}
