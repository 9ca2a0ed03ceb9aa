package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// RedisStorage keeps stores in Redis.
//
// Layout, for prefix "academy":
//
//	academy:stores             ZSET  store name -> creation time
//	academy:store:<name>:data  HASH  request key -> JSON Entry
//	academy:store:<name>:keys  ZSET  request key -> first insertion time
type RedisStorage struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStorage creates a Redis-backed storage. prefix namespaces all keys.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "academy"
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisStorage) storesKey() string {
	return r.prefix + ":stores"
}

func (r *RedisStorage) dataKey(name string) string {
	return fmt.Sprintf("%s:store:%s:data", r.prefix, name)
}

func (r *RedisStorage) keysKey(name string) string {
	return fmt.Sprintf("%s:store:%s:keys", r.prefix, name)
}

// Open registers the store if missing and returns a handle to it.
func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := r.register(ctx, r.redis, name); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "open").Inc()
		return nil, fmt.Errorf("redis zadd: %w", err)
	}
	return &redisStore{storage: r, name: name}, nil
}

func (r *RedisStorage) register(ctx context.Context, c redis.Cmdable, name string) error {
	return c.ZAddNX(ctx, r.storesKey(), redis.Z{
		Score:  float64(r.now().UnixNano()),
		Member: name,
	}).Err()
}

// Names lists stores in creation order.
func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.redis.ZRange(ctx, r.storesKey(), 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "names").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

// Drop deletes a store and its entries in one transaction.
func (r *RedisStorage) Drop(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.storesKey(), name)
		pipe.Del(ctx, r.dataKey(name), r.keysKey(name))
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "drop").Inc()
		return false, fmt.Errorf("redis drop: %w", err)
	}
	if removed.Val() == 0 {
		return false, nil
	}
	StoresDropped.WithLabelValues(backendRedis).Inc()
	return true, nil
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (s *redisStore) Name() string { return s.name }

// Match retrieves an entry by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (s *redisStore) Match(ctx context.Context, key string) (*Entry, error) {
	data, err := s.storage.redis.HGet(ctx, s.storage.dataKey(s.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(backendRedis).Inc()
	return &entry, nil
}

// Put stores the entry. Data, key order and store registration are written
// in one MULTI so a reader never sees a key without its entry.
func (s *redisStore) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = s.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.storage.register(ctx, pipe, s.name); err != nil {
			return err
		}
		pipe.HSet(ctx, s.storage.dataKey(s.name), key, data)
		pipe.ZAddNX(ctx, s.storage.keysKey(s.name), redis.Z{
			Score:  float64(s.storage.now().UnixNano()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("redis put: %w", err)
	}

	CacheWrites.WithLabelValues(backendRedis).Inc()
	return nil
}

// Delete removes an entry.
func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.storage.dataKey(s.name), key)
		pipe.ZRem(ctx, s.storage.keysKey(s.name), key)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis del: %w", err)
	}
	return removed.Val() > 0, nil
}

// Keys lists keys in first-insertion order.
func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.storage.redis.ZRange(ctx, s.storage.keysKey(s.name), 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}
