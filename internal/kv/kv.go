// Package kv defines the persistence port the dispatch core is built
// on: plain keys with TTL, atomic counters, hash counters, lists usable
// as FIFO queues, a sorted index, and compare-and-set.
//
// The core never talks to a database directly; every durable structure
// (task records, pool queues, DLQs, idempotency entries, stats) lives
// behind this interface.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or list element does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the key-value/queue persistence contract.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value only when key is absent. Returns true when the
	// write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap atomically replaces the value at key with next when
	// the current value equals prev. Returns true on success; false when
	// the value changed underneath or the key is missing.
	CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error)

	// Delete removes the given keys, returning how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically increments the counter at key and returns the new
	// value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HIncrBy atomically adds delta to a hash field counter.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// HGetAll returns every field of the hash at key. Missing keys yield
	// an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush prepends values to the list at key.
	LPush(ctx context.Context, key string, values ...string) error

	// RPop removes and returns the oldest element, or ErrNotFound when
	// the list is empty.
	RPop(ctx context.Context, key string) (string, error)

	// BRPop blocks up to timeout for an element on any of the given
	// lists, preferring earlier keys. Returns the key served and the
	// element, or ErrNotFound on timeout.
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)

	// LLen returns the list length; zero when the key is missing.
	LLen(ctx context.Context, key string) (int64, error)

	// LIndex returns the element at index (negative counts from the
	// tail), or ErrNotFound.
	LIndex(ctx context.Context, key string, index int64) (string, error)

	// LRange returns elements in [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LRem removes up to count occurrences of value, returning how many
	// were removed.
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	// ZAdd inserts member with score into the sorted index at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes members from the sorted index.
	ZRem(ctx context.Context, key string, members ...string) error

	// ZRangeByLex returns members in lexical order between min and max,
	// windowed by offset and count (count <= 0 means unbounded). Bounds
	// use Redis lex syntax: "-", "+", "[member" inclusive, "(member"
	// exclusive. All members must share score zero.
	ZRangeByLex(ctx context.Context, key, min, max string, offset, count int64) ([]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
