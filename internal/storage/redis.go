package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisNamespace = "raven:"

// RedisBackend stores blobs as plain string keys under the raven: namespace.
type RedisBackend struct {
	client *redis.Client
}

// OpenRedis connects to addr and pings it.
func OpenRedis(ctx context.Context, addr string) (*RedisBackend, error) {
	if addr == "" {
		return nil, errors.New("no redis address configured")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Name() string { return "redis" }
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) Read(ctx context.Context, key string, _ int64) ([]byte, error) {
	data, err := b.client.Get(ctx, redisNamespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.client.Set(ctx, redisNamespace+key, data, 0).Err()
}

func (b *RedisBackend) Create(ctx context.Context, key string, data []byte) error {
	ok, err := b.client.SetNX(ctx, redisNamespace+key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	n, err := b.client.Del(ctx, redisNamespace+key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	iter := b.client.Scan(ctx, 0, redisNamespace+prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, Object{Key: strings.TrimPrefix(iter.Val(), redisNamespace)})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	// SCAN may return a key more than once.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	var dedup []Object
	for _, o := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Key == o.Key {
			continue
		}
		dedup = append(dedup, o)
	}
	return dedup, nil
}
