package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scand/internal/errs"
	"scand/internal/kv"
)

func newTestKV(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTask(id string) *Task {
	return &Task{
		ID:          id,
		ScanType:    ScanTypeUntrusted,
		Targets:     "192.168.1.1",
		ScanName:    "test scan",
		ScannerPool: "nessus",
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestStoreCreateGet(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()

	in := newTask("t1")
	require.NoError(t, store.Create(ctx, in))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "nessus", got.ScannerPool)

	_, err = store.Get(ctx, "nope")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTask("t1")))
	err := store.Create(ctx, newTask("t1"))
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestTransitionHappyPath(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	got, err := store.Transition(ctx, "t1", StatusRunning, WithInstanceKey("nessus-01"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "nessus-01", got.ScannerInstanceKey)
	require.NotNil(t, got.StartedAt)

	got, err = store.Transition(ctx, "t1", StatusCompleted,
		WithArtifactPath("/data/t1/scan_native.nessus"),
		WithVulnerabilitiesFound(12))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.VulnerabilitiesFound)
	assert.Equal(t, 12, *got.VulnerabilitiesFound)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt), "timestamps must be monotonic")
}

func TestTransitionRejectsBadEdges(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	_, err := store.Transition(ctx, "t1", StatusCompleted)
	assert.True(t, errs.Is(err, errs.KindInvalidTransition))

	_, err = store.Transition(ctx, "t1", StatusRunning)
	require.NoError(t, err)
	_, err = store.Transition(ctx, "t1", StatusFailed, WithFailureReason(FailureTimeout))
	require.NoError(t, err)

	_, err = store.Transition(ctx, "t1", StatusRunning)
	assert.True(t, errs.Is(err, errs.KindInvalidTransition))
}

func TestTransitionToSameTerminalIsSilent(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	_, err := store.Transition(ctx, "t1", StatusCancelled)
	require.NoError(t, err)
	_, err = store.Transition(ctx, "t1", StatusCancelled)
	require.NoError(t, err)

	_, err = store.Transition(ctx, "t1", StatusExpired)
	assert.True(t, errs.Is(err, errs.KindInvalidTransition))
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan Status, n)
	for i := 0; i < n; i++ {
		to := StatusRunning
		if i%2 == 1 {
			to = StatusCancelled
		}
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			if _, err := store.Transition(ctx, "t1", to); err == nil {
				wins <- to
			}
		}(to)
	}
	wg.Wait()
	close(wins)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	// Cancelled-from-cancelled succeeds silently, so count distinct
	// non-terminal winners instead: only one goroutine may have taken
	// the queued->running edge.
	running := 0
	for s := range wins {
		if s == StatusRunning {
			running++
		}
	}
	assert.LessOrEqual(t, running, 1)
	assert.Contains(t, []Status{StatusRunning, StatusCancelled}, got.Status)
}

func TestSetProgressAndHeartbeat(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))
	_, err := store.Transition(ctx, "t1", StatusRunning)
	require.NoError(t, err)

	require.NoError(t, store.SetProgress(ctx, "t1", 140))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.LastHeartbeatAt)

	before := *got.LastHeartbeatAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Heartbeat(ctx, "t1"))
	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeatAt.After(before) || got.LastHeartbeatAt.Equal(before))
}

func TestListFiltersAndCursor(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tk := newTask(fmt.Sprintf("t%d", i))
		tk.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			tk.ScannerPool = "dmz"
		}
		require.NoError(t, store.Create(ctx, tk))
	}

	// pool filter
	tasks, next, err := store.List(ctx, ListFilter{Pool: "dmz"}, 10, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Empty(t, next)

	// cursor pagination, oldest first
	tasks, next, err = store.List(ctx, ListFilter{}, 2, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t0", tasks[0].ID)
	assert.Equal(t, "t1", tasks[1].ID)
	require.NotEmpty(t, next)

	tasks, _, err = store.List(ctx, ListFilter{}, 10, next)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "t2", tasks[0].ID)

	// status filter
	_, err = store.Transition(ctx, "t0", StatusRunning)
	require.NoError(t, err)
	tasks, _, err = store.List(ctx, ListFilter{Status: StatusRunning}, 10, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t0", tasks[0].ID)
}

func TestListCursorExactOnAdjacentTimestamps(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()

	// Creation times one nanosecond apart are indistinguishable as
	// float64 scores at the current epoch; the index must still page
	// through them without repeats or gaps.
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tk := newTask(fmt.Sprintf("p%d", i))
		tk.CreatedAt = base.Add(time.Duration(i))
		require.NoError(t, store.Create(ctx, tk))
	}

	var seen []string
	cursor := ""
	for {
		tasks, next, err := store.List(ctx, ListFilter{}, 2, cursor)
		require.NoError(t, err)
		for _, tk := range tasks {
			seen = append(seen, tk.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, seen)
}

func TestListRejectsMalformedCursor(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	for _, cursor := range []string{"17", "not-a-cursor", "xxxxxxxxxxxxxxxxxxxx:t1"} {
		_, _, err := store.List(ctx, ListFilter{}, 10, cursor)
		assert.True(t, errs.Is(err, errs.KindInvalidArgument), "cursor %q", cursor)
	}
}

func TestDelete(t *testing.T) {
	store := NewStore(newTestKV(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTask("t1")))

	require.NoError(t, store.Delete(ctx, "t1"))
	_, err := store.Get(ctx, "t1")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	tasks, _, err := store.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestIdempotencyClaim(t *testing.T) {
	kvs := newTestKV(t)
	idx := NewIdempotency(kvs, time.Hour)
	ctx := context.Background()

	bound, wasNew, err := idx.Claim(ctx, "K1", "task-a")
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, "task-a", bound)

	bound, wasNew, err = idx.Claim(ctx, "K1", "task-b")
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, "task-a", bound)

	got, err := idx.Lookup(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "task-a", got)

	_, err = idx.Lookup(ctx, "K2")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestIdempotencyConcurrentClaimsAgree(t *testing.T) {
	kvs := newTestKV(t)
	idx := NewIdempotency(kvs, time.Hour)
	ctx := context.Background()

	const n = 16
	results := make([]string, n)
	created := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bound, wasNew, err := idx.Claim(ctx, "K1", fmt.Sprintf("task-%d", i))
			require.NoError(t, err)
			results[i] = bound
			created[i] = wasNew
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i], "all claimers must see the same task id")
	}
	for _, wasNew := range created {
		if wasNew {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claim may create the binding")
}
