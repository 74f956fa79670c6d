package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	q:<seq>   action JSON, seq is 8 bytes big-endian so keys sort in append order
//	i:<id>    seq of the action with id
//	s         last sequence number handed out
const (
	prefixAction = "q:"
	prefixIndex  = "i:"
	keySeq       = "s"
)

// LevelDBLog is a persistent Log in an embedded LevelDB database.
type LevelDBLog struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// NewLevelDBLog opens (or creates) the log at path.
func NewLevelDBLog(path string) (*LevelDBLog, error) {
	if path == "" {
		return nil, fmt.Errorf("queue: leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}

	l := &LevelDBLog{db: db}
	b, err := db.Get([]byte(keySeq), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("queue: load sequence: %w", err)
	case len(b) != 8:
		db.Close()
		return nil, fmt.Errorf("queue: corrupt sequence value")
	default:
		l.seq = binary.BigEndian.Uint64(b)
	}
	return l, nil
}

func seqBytes(seq uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return n[:]
}

func actionKey(seq uint64) []byte {
	return append([]byte(prefixAction), seqBytes(seq)...)
}

func indexKey(id string) []byte {
	return []byte(prefixIndex + id)
}

func (l *LevelDBLog) Append(ctx context.Context, action Action) error {
	if action.ID == "" {
		return fmt.Errorf("queue: action id is required")
	}
	value, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("queue: encode action: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	batch := new(leveldb.Batch)
	batch.Put(actionKey(seq), value)
	batch.Put(indexKey(action.ID), seqBytes(seq))
	batch.Put([]byte(keySeq), seqBytes(seq))
	if err := l.db.Write(batch, nil); err != nil {
		return l.wrap(err, "append")
	}
	l.seq = seq
	return nil
}

func (l *LevelDBLog) List(ctx context.Context) ([]Action, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixAction)), nil)
	defer iter.Release()

	var out []Action
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var a Action
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("queue: decode action: %w", err)
		}
		out = append(out, a)
	}
	if err := iter.Error(); err != nil {
		return nil, l.wrap(err, "list")
	}
	return out, nil
}

func (l *LevelDBLog) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.db.Get(indexKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrActionNotFound
	}
	if err != nil {
		return l.wrap(err, "remove")
	}

	batch := new(leveldb.Batch)
	batch.Delete(append([]byte(prefixAction), b...))
	batch.Delete(indexKey(id))
	if err := l.db.Write(batch, nil); err != nil {
		return l.wrap(err, "remove")
	}
	return nil
}

func (l *LevelDBLog) Len(ctx context.Context) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixIndex)), nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, l.wrap(err, "len")
	}
	return n, nil
}

func (l *LevelDBLog) Close() error {
	return l.db.Close()
}

func (l *LevelDBLog) wrap(err error, op string) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrLogClosed
	}
	return fmt.Errorf("queue: leveldb %s: %w", op, err)
}
