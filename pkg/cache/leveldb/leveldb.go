package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"cache-intercept/pkg/cache"

	json "github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<ns>             namespace registry
//	e:<ns>:<key>       record (entry + insertion sequence)
//	o:<ns>:<seq>       insertion order index, value is the request key
//	s                  last sequence number handed out
const (
	prefixNamespace = "n:"
	prefixEntry     = "e:"
	prefixOrder     = "o:"
	keySequence     = "s"
)

// LevelDBStore is a persistent cache.Store backed by an embedded LevelDB database.
// Writes go through a single mutex so the sequence counter and the order index
// stay consistent with the entries they describe.
type LevelDBStore struct {
	db     *leveldb.DB
	config LevelDBStoreConfig

	mu  sync.Mutex
	seq uint64
}

// LevelDBStoreConfig holds configuration for the LevelDB store.
type LevelDBStoreConfig struct {
	// Name is the store identifier
	Name string

	// Path is the database directory, created if missing
	Path string
}

type record struct {
	Seq   uint64       `json:"seq"`
	Entry *cache.Entry `json:"entry"`
}

// NewLevelDBStore opens (or creates) the database at config.Path.
func NewLevelDBStore(config LevelDBStoreConfig) (*LevelDBStore, error) {
	if config.Name == "" {
		config.Name = "leveldb"
	}
	if config.Path == "" {
		return nil, fmt.Errorf("leveldb: path is required")
	}

	db, err := leveldb.OpenFile(config.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", config.Path, err)
	}

	s := &LevelDBStore{db: db, config: config}
	if err := s.loadSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStore) loadSequence() error {
	b, err := s.db.Get([]byte(keySequence), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leveldb: load sequence: %w", err)
	}
	if len(b) != 8 {
		return fmt.Errorf("leveldb: corrupt sequence value")
	}
	s.seq = binary.BigEndian.Uint64(b)
	return nil
}

func namespaceKey(ns string) []byte { return []byte(prefixNamespace + ns) }

func entryKey(ns, key string) []byte { return []byte(prefixEntry + ns + ":" + key) }

func entryPrefix(ns string) []byte { return []byte(prefixEntry + ns + ":") }

func orderPrefix(ns string) []byte { return []byte(prefixOrder + ns + ":") }

func orderKey(ns string, seq uint64) []byte {
	b := orderPrefix(ns)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return append(b, n[:]...)
}

// Open registers the namespace.
func (s *LevelDBStore) Open(ctx context.Context, ns string) error {
	if err := cache.ValidateNamespace(ns); err != nil {
		return err
	}
	if err := s.db.Put(namespaceKey(ns), nil, nil); err != nil {
		return cache.WrapError(err, s.config.Name, "open")
	}
	return nil
}

// Put stores entry under key and appends it to the namespace order index.
func (s *LevelDBStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
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

	batch := new(leveldb.Batch)
	if old, err := s.getRecord(ns, key); err == nil {
		batch.Delete(orderKey(ns, old.Seq))
	}

	seq := s.seq + 1
	b, err := json.Marshal(record{Seq: seq, Entry: stored})
	if err != nil {
		return fmt.Errorf("leveldb put: failed to marshal: %w", err)
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	batch.Put(namespaceKey(ns), nil)
	batch.Put(entryKey(ns, key), b)
	batch.Put(orderKey(ns, seq), []byte(key))
	batch.Put([]byte(keySequence), seqBytes[:])

	if err := s.db.Write(batch, nil); err != nil {
		return cache.WrapError(err, s.config.Name, "put")
	}
	s.seq = seq
	return nil
}

func (s *LevelDBStore) getRecord(ns, key string) (*record, error) {
	b, err := s.db.Get(entryKey(ns, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, cache.ErrEntryNotFound
	}
	if err != nil {
		return nil, cache.WrapError(err, s.config.Name, "match")
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("leveldb match: failed to unmarshal: %w", err)
	}
	return &rec, nil
}

// Match returns the entry stored under key.
func (s *LevelDBStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	rec, err := s.getRecord(ns, key)
	if err != nil {
		return nil, err
	}
	if rec.Entry == nil {
		return nil, cache.ErrEntryNotFound
	}
	return rec.Entry, nil
}

// Delete removes key and its order index entry.
func (s *LevelDBStore) Delete(ctx context.Context, ns, key string) error {
	return s.DeleteMulti(ctx, ns, []string{key})
}

// DeleteMulti removes several keys in one batch.
func (s *LevelDBStore) DeleteMulti(ctx context.Context, ns string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, key := range keys {
		rec, err := s.getRecord(ns, key)
		if cache.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		batch.Delete(entryKey(ns, key))
		batch.Delete(orderKey(ns, rec.Seq))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return cache.WrapError(err, s.config.Name, "delete")
	}
	return nil
}

// Keys walks the order index, which LevelDB keeps sorted by sequence.
func (s *LevelDBStore) Keys(ctx context.Context, ns string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix(orderPrefix(ns)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, cache.WrapError(err, s.config.Name, "keys")
	}
	return keys, nil
}

// Namespaces lists registered namespaces in lexical order.
func (s *LevelDBStore) Namespaces(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixNamespace)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixNamespace))))
	}
	if err := it.Error(); err != nil {
		return nil, cache.WrapError(err, s.config.Name, "namespaces")
	}
	return out, nil
}

// DeleteNamespace removes the registry key and every entry and order key of ns.
func (s *LevelDBStore) DeleteNamespace(ctx context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(namespaceKey(ns))
	for _, prefix := range [][]byte{entryPrefix(ns), orderPrefix(ns)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return cache.WrapError(err, s.config.Name, "delete namespace")
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return cache.WrapError(err, s.config.Name, "delete namespace")
	}
	return nil
}

// Name returns the store name.
func (s *LevelDBStore) Name() string {
	return s.config.Name
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
