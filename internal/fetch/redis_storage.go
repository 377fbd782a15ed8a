package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
)

const defaultRedisPrefix = "kadaigpt:"

// RedisStorage keeps caches in Redis so several tills in one shop share them.
// Each entry is a JSON string at <prefix>cache:<name>:<key>; cache names are
// a set at <prefix>caches.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to redisURL and verifies the connection.
func NewRedisStorage(redisURL, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to ping redis", err)
	}
	return NewRedisStorageWithClient(client, prefix), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

// Close closes the client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + "caches"
}

func (s *RedisStorage) entryKey(cache, key string) string {
	return s.prefix + "cache:" + cache + ":" + key
}

func (s *RedisStorage) Open(ctx context.Context, cache string) error {
	if err := s.client.SAdd(ctx, s.namesKey(), cache).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to open cache", err)
	}
	return nil
}

func (s *RedisStorage) Put(ctx context.Context, cache, key string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode cached response", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.namesKey(), cache)
		pipe.Set(ctx, s.entryKey(cache, key), data, 0)
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to store cached response", err)
	}
	return nil
}

func (s *RedisStorage) Match(ctx context.Context, cache, key string) (*CachedResponse, error) {
	data, err := s.client.Get(ctx, s.entryKey(cache, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cached response", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt cached response", err)
	}
	return &resp, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list caches", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, cache string) error {
	pattern := s.entryKey(cache, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return apperrors.Wrap(apperrors.ErrStorage, "failed to delete cache entries", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to scan cache entries", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to delete cache entries", err)
		}
	}
	if err := s.client.SRem(ctx, s.namesKey(), cache).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to drop cache name", err)
	}
	return nil
}
