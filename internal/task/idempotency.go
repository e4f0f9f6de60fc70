package task

import (
	"context"
	"errors"
	"time"

	"scand/internal/errs"
	"scand/internal/kv"
)

const idemKeyPrefix = "idem:"

// Idempotency maps client-supplied keys to task ids for a bounded time.
// Two concurrent claims with the same key resolve to the same task id.
type Idempotency struct {
	kv  kv.Store
	ttl time.Duration
}

// NewIdempotency creates the index. A zero ttl falls back to 24h.
func NewIdempotency(store kv.Store, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{kv: store, ttl: ttl}
}

// Claim binds key to taskID unless another task already holds it.
// Returns the bound task id and whether this call created the binding.
func (i *Idempotency) Claim(ctx context.Context, key, taskID string) (string, bool, error) {
	const op = "idempotency.Claim"
	if key == "" {
		return "", false, errs.E(op, errs.KindInvalidArgument, "idempotency key is empty")
	}
	ok, err := i.kv.SetNX(ctx, idemKeyPrefix+key, taskID, i.ttl)
	if err != nil {
		return "", false, err
	}
	if ok {
		return taskID, true, nil
	}
	bound, err := i.kv.Get(ctx, idemKeyPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		// Entry expired between SetNX and Get; claim again.
		return i.Claim(ctx, key, taskID)
	}
	if err != nil {
		return "", false, err
	}
	return bound, false, nil
}

// Lookup returns the task id bound to key, or NotFound.
func (i *Idempotency) Lookup(ctx context.Context, key string) (string, error) {
	const op = "idempotency.Lookup"
	bound, err := i.kv.Get(ctx, idemKeyPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", errs.Errorf(op, errs.KindNotFound, "no task bound to key %q", key)
	}
	if err != nil {
		return "", err
	}
	return bound, nil
}
