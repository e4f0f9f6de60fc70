package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"scand/internal/errs"
	"scand/internal/kv"
)

const (
	taskKeyPrefix = "task:"
	createdIndex  = "tasks:by_created"
)

// casAttempts bounds the read-modify-write loop. Contention on a single
// task is rare (single-writer discipline), so a handful is plenty.
const casAttempts = 5

// Store persists task records in the kv layer. Every mutation is a
// compare-and-set on the full serialized record, which makes state
// transitions race-free without locks.
type Store struct {
	kv kv.Store
}

// NewStore creates a task store on the given kv backend.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

// indexMember builds the created-index entry. Members sort lexically as
// (creation time, id): the nanosecond timestamp is zero-padded to fixed
// width so string order matches time order, and doubling as the list
// cursor keeps pagination exact where a float score would round.
func indexMember(id string, createdAt time.Time) string {
	return fmt.Sprintf("%020d:%s", createdAt.UnixNano(), id)
}

func memberID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// Create persists a new task and indexes it by creation time. The id
// must be unused.
func (s *Store) Create(ctx context.Context, t *Task) error {
	const op = "task.Create"
	if t.ID == "" {
		return errs.E(op, errs.KindInvalidArgument, "task id is empty")
	}
	if !t.Status.IsValid() {
		return errs.Errorf(op, errs.KindInvalidArgument, "invalid status %q", t.Status)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return errs.E(op, errs.KindInternal, err)
	}
	ok, err := s.kv.SetNX(ctx, taskKey(t.ID), string(raw), 0)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Errorf(op, errs.KindConflict, "task %s already exists", t.ID)
	}
	return s.kv.ZAdd(ctx, createdIndex, 0, indexMember(t.ID, t.CreatedAt))
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	const op = "task.Get"
	raw, err := s.kv.Get(ctx, taskKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errs.Errorf(op, errs.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, errs.E(op, errs.KindInternal, err)
	}
	return &t, nil
}

// Update applies mutate to the current record under CAS. mutate must be
// side-effect free; it may run more than once.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	const op = "task.Update"
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, err := s.kv.Get(ctx, taskKey(id))
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errs.Errorf(op, errs.KindNotFound, "task %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, errs.E(op, errs.KindInternal, err)
		}
		if err := mutate(&t); err != nil {
			return nil, err
		}
		next, err := json.Marshal(&t)
		if err != nil {
			return nil, errs.E(op, errs.KindInternal, err)
		}
		ok, err := s.kv.CompareAndSwap(ctx, taskKey(id), raw, string(next))
		if err != nil {
			return nil, err
		}
		if ok {
			return &t, nil
		}
	}
	return nil, errs.Errorf(op, errs.KindUnavailable, "task %s: too much write contention", id)
}

// TransitionOption customises a Transition call.
type TransitionOption func(*Task)

// WithFailureReason records why the task failed or was cancelled.
func WithFailureReason(reason FailureReason) TransitionOption {
	return func(t *Task) { t.FailureReason = reason }
}

// WithInstanceKey binds the scanner instance serving the task.
func WithInstanceKey(key string) TransitionOption {
	return func(t *Task) { t.ScannerInstanceKey = key }
}

// WithArtifactPath records where the exported artifact was written.
func WithArtifactPath(path string) TransitionOption {
	return func(t *Task) { t.ArtifactPath = path }
}

// WithVulnerabilitiesFound records the opportunistic vulnerability count.
func WithVulnerabilitiesFound(n int) TransitionOption {
	return func(t *Task) { t.VulnerabilitiesFound = &n }
}

// Transition moves the task to the given state, validating the edge and
// stamping the appropriate timestamp. Transitions into the current
// terminal state succeed silently so cancel/expire sweeps stay
// idempotent.
func (s *Store) Transition(ctx context.Context, id string, to Status, opts ...TransitionOption) (*Task, error) {
	const op = "task.Transition"
	if !to.IsValid() {
		return nil, errs.Errorf(op, errs.KindInvalidArgument, "invalid status %q", to)
	}
	updated, err := s.Update(ctx, id, func(t *Task) error {
		if t.Status == to && to.IsTerminal() {
			return nil
		}
		if !CanTransition(t.Status, to) {
			return errs.Errorf(op, errs.KindInvalidTransition, "task %s: %s -> %s", id, t.Status, to)
		}
		now := time.Now().UTC()
		t.Status = to
		switch {
		case to == StatusRunning:
			t.StartedAt = &now
			t.LastHeartbeatAt = &now
		case to.IsTerminal():
			t.CompletedAt = &now
			if to == StatusCompleted {
				t.Progress = 100
			}
		}
		for _, apply := range opts {
			apply(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Expire force-marks a task expired, bypassing the public state
// machine. Only the TTL sweep calls this: retention applies to
// completed tasks too, which have no outgoing edge otherwise. Expiring
// an already-expired task is a no-op.
func (s *Store) Expire(ctx context.Context, id string) (*Task, error) {
	return s.Update(ctx, id, func(t *Task) error {
		if t.Status == StatusExpired {
			return nil
		}
		t.Status = StatusExpired
		if t.CompletedAt == nil {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
		return nil
	})
}

// Requeue resets a failed task back to queued, bypassing the public
// state machine. Only DLQ admin requeue calls this; the execution
// fields are cleared so the rerun starts clean.
func (s *Store) Requeue(ctx context.Context, id string) (*Task, error) {
	return s.Update(ctx, id, func(t *Task) error {
		if t.Status == StatusQueued {
			return nil
		}
		if t.Status != StatusFailed {
			return errs.Errorf("task.Requeue", errs.KindInvalidTransition,
				"task %s: %s -> %s", id, t.Status, StatusQueued)
		}
		t.Status = StatusQueued
		t.FailureReason = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.LastHeartbeatAt = nil
		t.ScannerInstanceKey = ""
		t.RemoteScanID = ""
		t.Progress = 0
		return nil
	})
}

// Heartbeat stamps the worker liveness marker on a running task.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(t *Task) error {
		now := time.Now().UTC()
		t.LastHeartbeatAt = &now
		return nil
	})
	return err
}

// SetProgress updates the remote scan progress percentage.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.Update(ctx, id, func(t *Task) error {
		t.Progress = progress
		now := time.Now().UTC()
		t.LastHeartbeatAt = &now
		return nil
	})
	return err
}

// SetRemoteScanID binds the backend scanner's id after create_scan.
func (s *Store) SetRemoteScanID(ctx context.Context, id, remoteID string) error {
	_, err := s.Update(ctx, id, func(t *Task) error {
		t.RemoteScanID = remoteID
		return nil
	})
	return err
}

// ListFilter narrows a List call.
type ListFilter struct {
	Status Status // zero value matches all
	Pool   string // empty matches all
}

// List returns tasks oldest-first, filtered, windowed by limit, starting
// after the cursor returned by a previous call. An empty next cursor
// means the listing is exhausted.
func (s *Store) List(ctx context.Context, filter ListFilter, limit int, cursor string) ([]*Task, string, error) {
	const op = "task.List"
	if limit <= 0 {
		limit = 50
	}
	min := "-"
	if cursor != "" {
		if len(cursor) < 22 || cursor[20] != ':' {
			return nil, "", errs.Errorf(op, errs.KindInvalidArgument, "bad cursor %q", cursor)
		}
		if _, err := strconv.ParseUint(cursor[:20], 10, 64); err != nil {
			return nil, "", errs.Errorf(op, errs.KindInvalidArgument, "bad cursor %q", cursor)
		}
		// Exclusive bound: the member the cursor names was the tail of
		// the previous page.
		min = "(" + cursor
	}

	var (
		out        []*Task
		lastMember string
	)
	offset := int64(0)
	// Over-fetch in index order, applying filters store-side.
	for len(out) < limit {
		members, err := s.kv.ZRangeByLex(ctx, createdIndex, min, "+", offset, int64(limit*4))
		if err != nil {
			return nil, "", err
		}
		if len(members) == 0 {
			break
		}
		offset += int64(len(members))
		for _, m := range members {
			t, err := s.Get(ctx, memberID(m))
			if errs.Is(err, errs.KindNotFound) {
				continue // index lag after delete
			}
			if err != nil {
				return nil, "", err
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if filter.Pool != "" && t.ScannerPool != filter.Pool {
				continue
			}
			out = append(out, t)
			lastMember = m
			if len(out) == limit {
				break
			}
		}
	}

	next := ""
	if lastMember != "" && len(out) == limit {
		next = lastMember
	}
	return out, next, nil
}

// ListOlderThan returns ids of tasks whose creation time is before the
// given instant. Used by the TTL housekeeper.
func (s *Store) ListOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	max := fmt.Sprintf("(%020d:", before.UnixNano())
	members, err := s.kv.ZRangeByLex(ctx, createdIndex, "-", max, 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = memberID(m)
	}
	return ids, nil
}

// Delete removes a task record and its index entry. Deleting a missing
// task is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if errs.Is(err, errs.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.kv.Delete(ctx, taskKey(id)); err != nil {
		return err
	}
	return s.kv.ZRem(ctx, createdIndex, indexMember(t.ID, t.CreatedAt))
}
