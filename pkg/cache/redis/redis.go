package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cache-intercept/pkg/cache"

	json "github.com/goccy/go-json"
	"github.com/redis/rueidis"
)

// RedisStore is a cache.Store shared between processes through Redis.
//
// Each namespace uses two keys: a hash of encoded entries and a sorted set
// whose scores come from a global INCR counter, which gives insertion order.
// Namespaces are tracked in a set so they can be listed without SCAN. The
// namespace is a hash tag so both keys land in one cluster slot.
type RedisStore struct {
	client rueidis.Client
	name   string
	config RedisStoreConfig
}

type RedisStoreConfig struct {
	Name string
	// Addr is the Redis server address for single node/sentinel mode.
	// For cluster mode, use ClusterAddrs instead.
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number (0-15).
	// Note: In cluster mode, only DB 0 is supported.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs is a list of Redis Sentinel addresses.
	// If set, sentinel mode is enabled.
	SentinelMasterSet string
	SentinelAddrs     []string
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "offlinecache:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	var initAddress []string
	if len(config.ClusterAddrs) > 0 {
		initAddress = config.ClusterAddrs
	} else if len(config.SentinelAddrs) > 0 {
		initAddress = config.SentinelAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{MasterSet: config.SentinelMasterSet}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisStore{
		client: client,
		name:   config.Name,
		config: config,
	}, nil
}

func (r *RedisStore) entriesKey(ns string) string {
	return r.config.KeyPrefix + "{" + ns + "}:entries"
}

func (r *RedisStore) orderKey(ns string) string {
	return r.config.KeyPrefix + "{" + ns + "}:order"
}

func (r *RedisStore) namespacesKey() string {
	return r.config.KeyPrefix + "namespaces"
}

func (r *RedisStore) seqKey() string {
	return r.config.KeyPrefix + "seq"
}

func (r *RedisStore) Open(ctx context.Context, ns string) error {
	if err := cache.ValidateNamespace(ns); err != nil {
		return err
	}
	cmd := r.client.B().Sadd().Key(r.namespacesKey()).Member(ns).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis open: %w", err)
	}
	return nil
}

func (r *RedisStore) Put(ctx context.Context, ns, key string, entry *cache.Entry) error {
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
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("redis put: failed to marshal: %w", err)
	}

	seq, err := r.client.Do(ctx, r.client.B().Incr().Key(r.seqKey()).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("redis put: sequence: %w", err)
	}

	// ZADD on an existing member rewrites its score, moving it to the end.
	cmds := []rueidis.Completed{
		r.client.B().Hset().Key(r.entriesKey(ns)).FieldValue().FieldValue(key, string(data)).Build(),
		r.client.B().Zadd().Key(r.orderKey(ns)).ScoreMember().ScoreMember(float64(seq), key).Build(),
		r.client.B().Sadd().Key(r.namespacesKey()).Member(ns).Build(),
	}
	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("redis put: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) Match(ctx context.Context, ns, key string) (*cache.Entry, error) {
	cmd := r.client.B().Hget().Key(r.entriesKey(ns)).Field(key).Build()
	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrEntryNotFound
		}
		return nil, fmt.Errorf("redis match: %w", err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("redis match: failed to unmarshal: %w", err)
	}
	return &entry, nil
}

func (r *RedisStore) Delete(ctx context.Context, ns, key string) error {
	return r.DeleteMulti(ctx, ns, []string{key})
}

// DeleteMulti removes keys from both the entry hash and the order set in one pipeline.
func (r *RedisStore) DeleteMulti(ctx context.Context, ns string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	cmds := []rueidis.Completed{
		r.client.B().Hdel().Key(r.entriesKey(ns)).Field(keys...).Build(),
		r.client.B().Zrem().Key(r.orderKey(ns)).Member(keys...).Build(),
	}
	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, ns string) ([]string, error) {
	cmd := r.client.B().Zrange().Key(r.orderKey(ns)).Min("0").Max("-1").Build()
	keys, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	return keys, nil
}

func (r *RedisStore) Namespaces(ctx context.Context) ([]string, error) {
	cmd := r.client.B().Smembers().Key(r.namespacesKey()).Build()
	names, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("redis namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) DeleteNamespace(ctx context.Context, ns string) error {
	cmds := []rueidis.Completed{
		r.client.B().Del().Key(r.entriesKey(ns), r.orderKey(ns)).Build(),
		r.client.B().Srem().Key(r.namespacesKey()).Member(ns).Build(),
	}
	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("redis delete namespace: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) Name() string {
	return r.name
}

func (r *RedisStore) Close() error {
	r.client.Close()
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) FlushDB(ctx context.Context) error {
	cmd := r.client.B().Flushdb().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}
