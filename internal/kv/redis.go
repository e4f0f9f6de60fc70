package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scand/internal/errs"
)

// casScript implements CompareAndSwap server-side so concurrent writers
// cannot interleave between the read and the write.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds connection settings for NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.E("kv.NewRedisStore", errs.KindUnavailable, fmt.Errorf("ping %s: %w", cfg.Addr, err))
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that
// point the client at miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("kv.Get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("kv.Set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap("kv.SetNX", err)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{key}, prev, next).Result()
	if err != nil {
		return false, wrap("kv.CompareAndSwap", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrap("kv.Delete", err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrap("kv.Incr", err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("kv.Expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	return n, wrap("kv.HIncrBy", err)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	return m, wrap("kv.HGetAll", err)
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap("kv.LPush", s.client.LPush(ctx, key, args...).Err())
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("kv.RPop", err)
	}
	return val, nil
}

func (s *RedisStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", wrap("kv.BRPop", err)
	}
	if len(res) != 2 {
		return "", "", errs.Errorf("kv.BRPop", errs.KindInternal, "unexpected reply length %d", len(res))
	}
	return res[0], res[1], nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return n, wrap("kv.LLen", err)
}

func (s *RedisStore) LIndex(ctx context.Context, key string, index int64) (string, error) {
	val, err := s.client.LIndex(ctx, key, index).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("kv.LIndex", err)
	}
	return val, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	return vals, wrap("kv.LRange", err)
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, count, value).Result()
	return n, wrap("kv.LRem", err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap("kv.ZAdd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("kv.ZRem", s.client.ZRem(ctx, key, args...).Err())
}

func (s *RedisStore) ZRangeByLex(ctx context.Context, key, min, max string, offset, count int64) ([]string, error) {
	if count <= 0 {
		count = -1
	}
	vals, err := s.client.ZRangeByLex(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: offset,
		Count:  count,
	}).Result()
	return vals, wrap("kv.ZRangeByLex", err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap("kv.Ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// wrap classifies driver errors as Unavailable so callers can retry.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.E(op, errs.KindUnavailable, err)
}
