package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	compareAndSwapScript = redis.NewScript(`
		local cur = redis.call('GET', KEYS[1])
		if not cur or cur ~= ARGV[1] then
			return 0
		end
		local ttl = tonumber(ARGV[3])
		if ttl <= 0 then
			ttl = redis.call('PTTL', KEYS[1])
		end
		if ttl > 0 then
			redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
		else
			redis.call('SET', KEYS[1], ARGV[2])
		end
		return 1
	`)

	compareAndDeleteScript = redis.NewScript(`
		local cur = redis.call('GET', KEYS[1])
		if not cur or cur ~= ARGV[1] then
			return 0
		end
		redis.call('DEL', KEYS[1])
		return 1
	`)

	// Returns {allowed, count, pttl}. A denied call never increments.
	incrWithinScript = redis.NewScript(`
		local limit = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		if count >= limit then
			local pttl = redis.call('PTTL', KEYS[1])
			if pttl < 0 then
				pttl = window
			end
			return {0, count, pttl}
		end
		count = redis.call('INCR', KEYS[1])
		local pttl = redis.call('PTTL', KEYS[1])
		if count == 1 or pttl < 0 then
			redis.call('PEXPIRE', KEYS[1], window)
			pttl = window
		end
		return {1, count, pttl}
	`)
)

// Redis implements Store on a Redis server for multi-instance deployments.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed store. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "accounts:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Dial parses a redis:// URL and returns a connected store.
func Dial(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis kv: get failed: %w", err)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis kv: set failed: %w", err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis kv: setnx failed: %w", err)
	}
	return ok, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	n, err := compareAndSwapScript.Run(ctx, r.client, []string{r.key(key)},
		old, value, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis kv: compare-and-swap failed: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.key(key)}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("redis kv: compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis kv: delete failed: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis kv: exists failed: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) IncrWithin(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error) {
	if limit <= 0 {
		return Counter{Allowed: false, TTL: window}, nil
	}

	res, err := incrWithinScript.Run(ctx, r.client, []string{r.key(key)},
		limit, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis kv: incr failed: %w", err)
	}
	if len(res) != 3 {
		return Counter{}, fmt.Errorf("redis kv: unexpected incr result %v", res)
	}

	return Counter{
		Allowed: res[0] == 1,
		Count:   res[1],
		TTL:     time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
