package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores entries in a Redis server under a common namespace.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis connects and pings. Callers fall back to Nop when it fails.
func NewRedis(ctx context.Context, addr, password string, db int, namespace string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisFromClient(rdb, namespace), nil
}

func NewRedisFromClient(rdb *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "dues"
	}
	return &Redis{rdb: rdb, namespace: namespace}
}

func (r *Redis) key(k string) string { return r.namespace + ":" + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, prefix string) error {
	iter := r.rdb.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
