package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGetSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestSetWithTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNX(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "first", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "second", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestCompareAndSwap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// missing key never swaps
	ok, err := store.CompareAndSwap(ctx, "k", "a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "a", 0))

	ok, err = store.CompareAndSwap(ctx, "k", "a", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", "a", "c")
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestIncr(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestHashCounters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.HIncrBy(ctx, "stats", "enqueued", 2)
	require.NoError(t, err)
	n, err := store.HIncrBy(ctx, "stats", "enqueued", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	m, err := store.HGetAll(ctx, "stats")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"enqueued": "3"}, m)

	m, err = store.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestListFIFO(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LPush(ctx, "q", "a"))
	require.NoError(t, store.LPush(ctx, "q", "b", "c"))

	n, err := store.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// oldest element sits at the tail
	head, err := store.LIndex(ctx, "q", -1)
	require.NoError(t, err)
	assert.Equal(t, "a", head)

	var got []string
	for {
		v, err := store.RPop(ctx, "q")
		if err != nil {
			assert.ErrorIs(t, err, ErrNotFound)
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBRPopServesFirstNonEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LPush(ctx, "q2", "x"))

	key, val, err := store.BRPop(ctx, 50*time.Millisecond, "q1", "q2")
	require.NoError(t, err)
	assert.Equal(t, "q2", key)
	assert.Equal(t, "x", val)

	_, _, err = store.BRPop(ctx, 50*time.Millisecond, "q1", "q2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRem(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LPush(ctx, "q", "a", "b", "a"))
	n, err := store.LRem(ctx, "q", 0, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	vals, err := store.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, vals)
}

func TestSortedIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "idx", 0, "001:a"))
	require.NoError(t, store.ZAdd(ctx, "idx", 0, "002:b"))
	require.NoError(t, store.ZAdd(ctx, "idx", 0, "003:c"))

	vals, err := store.ZRangeByLex(ctx, "idx", "-", "+", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"001:a", "002:b", "003:c"}, vals)

	// exclusive lower bound skips the named member itself
	vals, err = store.ZRangeByLex(ctx, "idx", "(001:a", "+", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"002:b"}, vals)

	// exclusive upper bound on a prefix keeps only strictly-smaller members
	vals, err = store.ZRangeByLex(ctx, "idx", "-", "(002:", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"001:a"}, vals)

	require.NoError(t, store.ZRem(ctx, "idx", "002:b"))
	vals, err = store.ZRangeByLex(ctx, "idx", "-", "+", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"001:a", "003:c"}, vals)
}
