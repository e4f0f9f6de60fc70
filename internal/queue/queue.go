// Package queue implements the durable multi-pool dispatch queue: one
// FIFO per scanner pool, a per-pool dead-letter queue, and aggregate
// counters, all on the kv persistence layer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"scand/internal/errs"
	"scand/internal/kv"
)

const (
	queueKeyPrefix = "queue:"
	dlqKeyPrefix   = "dlq:"
	statsKeyPrefix = "queue:stats:"
)

// ErrEmpty is returned by dequeue operations when no work is available
// within the timeout. Callers treat it as "no work", not a failure.
var ErrEmpty = errors.New("queue: empty")

// DLQEntry is a parked task retained for admin inspection.
type DLQEntry struct {
	TaskID        string    `json:"task_id"`
	Pool          string    `json:"pool"`
	Reason        string    `json:"reason"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	Attempts      int       `json:"attempts"`
}

// PoolStats are the counters for a single pool.
type PoolStats struct {
	Pool     string `json:"pool"`
	Depth    int64  `json:"depth"`
	DLQSize  int64  `json:"dlq_size"`
	Enqueued int64  `json:"enqueued"`
	Dequeued int64  `json:"dequeued"`
	DeadLett int64  `json:"dead_lettered"`
}

// Stats aggregates counters across pools.
type Stats struct {
	Depth   int64                `json:"queue_depth"`
	DLQSize int64                `json:"dlq_size"`
	PerPool map[string]PoolStats `json:"per_pool"`
}

// Queue is the multi-pool FIFO. Safe for concurrent use; the round-robin
// cursor for DequeueAny is the only in-memory state.
type Queue struct {
	kv kv.Store

	mu     sync.Mutex
	cursor int // round-robin offset for DequeueAny
}

// New creates a queue on the given kv backend.
func New(store kv.Store) *Queue {
	return &Queue{kv: store}
}

func queueKey(pool string) string { return queueKeyPrefix + pool }
func dlqKey(pool string) string   { return dlqKeyPrefix + pool }
func statsKey(pool string) string { return statsKeyPrefix + pool }

// Enqueue appends a task id to the pool's FIFO.
func (q *Queue) Enqueue(ctx context.Context, pool, taskID string) error {
	const op = "queue.Enqueue"
	if pool == "" || taskID == "" {
		return errs.E(op, errs.KindInvalidArgument, "pool and task id are required")
	}
	if err := q.kv.LPush(ctx, queueKey(pool), taskID); err != nil {
		return err
	}
	_, _ = q.kv.HIncrBy(ctx, statsKey(pool), "enqueued", 1)
	return nil
}

// Dequeue pops the oldest task id from the pool, or ErrEmpty.
func (q *Queue) Dequeue(ctx context.Context, pool string) (string, error) {
	taskID, err := q.kv.RPop(ctx, queueKey(pool))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	_, _ = q.kv.HIncrBy(ctx, statsKey(pool), "dequeued", 1)
	return taskID, nil
}

// DequeueAny blocks up to timeout for a task id from any of the given
// pools. The key order rotates per call so every pool gets a fair shot
// regardless of name ordering.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, timeout time.Duration) (string, string, error) {
	const op = "queue.DequeueAny"
	if len(pools) == 0 {
		return "", "", errs.E(op, errs.KindInvalidArgument, "no pools given")
	}

	q.mu.Lock()
	start := q.cursor % len(pools)
	q.cursor++
	q.mu.Unlock()

	keys := make([]string, 0, len(pools))
	for i := 0; i < len(pools); i++ {
		keys = append(keys, queueKey(pools[(start+i)%len(pools)]))
	}

	key, taskID, err := q.kv.BRPop(ctx, timeout, keys...)
	if errors.Is(err, kv.ErrNotFound) {
		return "", "", ErrEmpty
	}
	if err != nil {
		return "", "", err
	}
	pool := key[len(queueKeyPrefix):]
	_, _ = q.kv.HIncrBy(ctx, statsKey(pool), "dequeued", 1)
	return pool, taskID, nil
}

// Peek returns the task id that the next Dequeue would serve, without
// removing it.
func (q *Queue) Peek(ctx context.Context, pool string) (string, error) {
	taskID, err := q.kv.LIndex(ctx, queueKey(pool), -1)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrEmpty
	}
	return taskID, err
}

// Depth returns the number of queued task ids in the pool.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	return q.kv.LLen(ctx, queueKey(pool))
}

// ToDLQ parks a task id on the pool's dead-letter queue. Re-parking the
// same task bumps its attempt count and keeps the first failure time.
func (q *Queue) ToDLQ(ctx context.Context, pool, taskID, reason string) error {
	entries, err := q.dlqEntries(ctx, pool)
	if err != nil {
		return err
	}
	entry := DLQEntry{
		TaskID:        taskID,
		Pool:          pool,
		Reason:        reason,
		FirstFailedAt: time.Now().UTC(),
		Attempts:      1,
	}
	for _, prev := range entries {
		if prev.TaskID == taskID {
			entry.FirstFailedAt = prev.FirstFailedAt
			entry.Attempts = prev.Attempts + 1
			if _, err := q.kv.LRem(ctx, dlqKey(pool), 0, marshalEntry(prev)); err != nil {
				return err
			}
			break
		}
	}
	if err := q.kv.LPush(ctx, dlqKey(pool), marshalEntry(entry)); err != nil {
		return err
	}
	_, _ = q.kv.HIncrBy(ctx, statsKey(pool), "dead_lettered", 1)
	return nil
}

// RequeueDLQ moves a parked task id back onto the pool's live queue.
func (q *Queue) RequeueDLQ(ctx context.Context, pool, taskID string) error {
	const op = "queue.RequeueDLQ"
	entries, err := q.dlqEntries(ctx, pool)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.TaskID == taskID {
			if _, err := q.kv.LRem(ctx, dlqKey(pool), 0, marshalEntry(entry)); err != nil {
				return err
			}
			return q.Enqueue(ctx, pool, taskID)
		}
	}
	return errs.Errorf(op, errs.KindNotFound, "task %s not in dlq for pool %s", taskID, pool)
}

// ClearDLQ drops every parked entry for the pool. Clearing an empty DLQ
// succeeds silently.
func (q *Queue) ClearDLQ(ctx context.Context, pool string) error {
	_, err := q.kv.Delete(ctx, dlqKey(pool))
	return err
}

// DLQSize returns the number of parked entries for the pool.
func (q *Queue) DLQSize(ctx context.Context, pool string) (int64, error) {
	return q.kv.LLen(ctx, dlqKey(pool))
}

// DLQList returns the parked entries for admin inspection, newest first.
func (q *Queue) DLQList(ctx context.Context, pool string) ([]DLQEntry, error) {
	return q.dlqEntries(ctx, pool)
}

// StatsFor returns the counters for the given pools.
func (q *Queue) StatsFor(ctx context.Context, pools []string) (Stats, error) {
	out := Stats{PerPool: make(map[string]PoolStats, len(pools))}
	for _, pool := range pools {
		depth, err := q.Depth(ctx, pool)
		if err != nil {
			return Stats{}, err
		}
		dlqSize, err := q.DLQSize(ctx, pool)
		if err != nil {
			return Stats{}, err
		}
		counters, err := q.kv.HGetAll(ctx, statsKey(pool))
		if err != nil {
			return Stats{}, err
		}
		ps := PoolStats{
			Pool:     pool,
			Depth:    depth,
			DLQSize:  dlqSize,
			Enqueued: parseCounter(counters["enqueued"]),
			Dequeued: parseCounter(counters["dequeued"]),
			DeadLett: parseCounter(counters["dead_lettered"]),
		}
		out.PerPool[pool] = ps
		out.Depth += depth
		out.DLQSize += dlqSize
	}
	return out, nil
}

func (q *Queue) dlqEntries(ctx context.Context, pool string) ([]DLQEntry, error) {
	raw, err := q.kv.LRange(ctx, dlqKey(pool), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(raw))
	for _, r := range raw {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue // skip malformed rows rather than wedge admin ops
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func marshalEntry(entry DLQEntry) string {
	raw, _ := json.Marshal(entry)
	return string(raw)
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
