// Package housekeeper runs the periodic retention sweeps: artifact TTL,
// stale task TTL, the dead-worker heartbeat reaper, and the purge of
// long-expired records.
package housekeeper

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"scand/internal/artifact"
	"scand/internal/errs"
	"scand/internal/kv"
	"scand/internal/logging"
	"scand/internal/task"
)

// deletionsKey is the kv counter recording how many artifacts the
// sweeps have removed.
const deletionsKey = "housekeeper:artifacts_deleted"

const listPage = 200

// Config tunes the sweep cadence and retention bounds.
type Config struct {
	ArtifactTTL   time.Duration // retention after completed_at, default 24h
	TaskTTL       time.Duration // bound on non-terminal task age, default 168h
	PollInterval  time.Duration // worker poll cadence; reap threshold is 3x this
	SweepInterval time.Duration // cron cadence, default 1m
}

func (c *Config) applyDefaults() {
	if c.ArtifactTTL <= 0 {
		c.ArtifactTTL = 24 * time.Hour
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = 168 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Housekeeper owns the cron schedule and the sweep implementations.
type Housekeeper struct {
	cfg       Config
	cron      *cron.Cron
	tasks     *task.Store
	artifacts *artifact.Store
	kv        kv.Store
	logger    logging.Logger
}

// New builds a housekeeper; Start arms the schedule.
func New(cfg Config, tasks *task.Store, artifacts *artifact.Store, store kv.Store, logger logging.Logger) *Housekeeper {
	cfg.applyDefaults()
	return &Housekeeper{
		cfg:       cfg,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks:     tasks,
		artifacts: artifacts,
		kv:        store,
		logger:    logging.OrNop(logger),
	}
}

// Start registers the sweep jobs and starts the cron loop.
func (h *Housekeeper) Start() error {
	_, err := h.cron.AddFunc("@every "+h.cfg.SweepInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SweepInterval)
		defer cancel()
		h.Sweep(ctx)
	})
	if err != nil {
		return errs.E("housekeeper.Start", errs.KindInternal, err)
	}
	h.cron.Start()
	h.logger.Info("housekeeper: sweeping every %s (artifact_ttl=%s task_ttl=%s)",
		h.cfg.SweepInterval, h.cfg.ArtifactTTL, h.cfg.TaskTTL)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}

// Sweep runs each pass once. Every pass is idempotent, so a crash
// mid-sweep just leaves work for the next tick.
func (h *Housekeeper) Sweep(ctx context.Context) {
	if n, err := h.SweepArtifacts(ctx); err != nil {
		h.logger.Warn("housekeeper: artifact sweep: %v", err)
	} else if n > 0 {
		h.logger.Info("housekeeper: expired %d task artifacts", n)
	}
	if n, err := h.SweepStaleTasks(ctx); err != nil {
		h.logger.Warn("housekeeper: stale task sweep: %v", err)
	} else if n > 0 {
		h.logger.Info("housekeeper: expired %d stale tasks", n)
	}
	if n, err := h.ReapSilentWorkers(ctx); err != nil {
		h.logger.Warn("housekeeper: heartbeat reap: %v", err)
	} else if n > 0 {
		h.logger.Info("housekeeper: failed %d tasks with silent workers", n)
	}
	if n, err := h.PurgeExpired(ctx); err != nil {
		h.logger.Warn("housekeeper: expired purge: %v", err)
	} else if n > 0 {
		h.logger.Info("housekeeper: purged %d expired tasks", n)
	}
}

// SweepArtifacts expires completed tasks whose artifact retention has
// lapsed, deleting the artifact directory first. Returns how many tasks
// it expired.
func (h *Housekeeper) SweepArtifacts(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-h.cfg.ArtifactTTL)
	// completed_at >= created_at, so tasks created after the cutoff
	// cannot have lapsed yet
	ids, err := h.tasks.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		t, err := h.tasks.Get(ctx, id)
		if errs.Is(err, errs.KindNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if t.Status != task.StatusCompleted || t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := h.expireOne(ctx, t); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// SweepStaleTasks expires non-terminal tasks older than task_ttl,
// covering records orphaned by crashed workers or lost queue items.
func (h *Housekeeper) SweepStaleTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-h.cfg.TaskTTL)
	ids, err := h.tasks.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		t, err := h.tasks.Get(ctx, id)
		if errs.Is(err, errs.KindNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if t.Status.IsTerminal() {
			continue
		}
		if err := h.expireOne(ctx, t); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ReapSilentWorkers fails running tasks whose heartbeat is older than
// three poll intervals. The owning worker is presumed dead; the scanner
// side is left to its own timeout.
func (h *Housekeeper) ReapSilentWorkers(ctx context.Context) (int, error) {
	threshold := time.Now().Add(-3 * h.cfg.PollInterval)
	reaped := 0
	cursor := ""
	for {
		tasks, next, err := h.tasks.List(ctx, task.ListFilter{Status: task.StatusRunning}, listPage, cursor)
		if err != nil {
			return reaped, err
		}
		for _, t := range tasks {
			last := t.StartedAt
			if t.LastHeartbeatAt != nil {
				last = t.LastHeartbeatAt
			}
			if last == nil || last.After(threshold) {
				continue
			}
			_, err := h.tasks.Transition(ctx, t.ID, task.StatusFailed,
				task.WithFailureReason(task.FailureInternal))
			if errs.Is(err, errs.KindInvalidTransition) || errs.Is(err, errs.KindNotFound) {
				continue
			}
			if err != nil {
				return reaped, err
			}
			h.logger.Warn("housekeeper: task %s reaped, no heartbeat since %s", t.ID, last.Format(time.RFC3339))
			reaped++
		}
		if next == "" {
			return reaped, nil
		}
		cursor = next
	}
}

// PurgeExpired removes expired records once task_ttl has passed since
// they finished. Without removal every sweep would re-read the whole
// expired history through the created index.
func (h *Housekeeper) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-h.cfg.TaskTTL)
	ids, err := h.tasks.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		t, err := h.tasks.Get(ctx, id)
		if errs.Is(err, errs.KindNotFound) {
			continue
		}
		if err != nil {
			return purged, err
		}
		if t.Status != task.StatusExpired {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
			continue
		}
		if err := h.tasks.Delete(ctx, t.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// expireOne deletes the artifact, expires the record, and bumps the
// deletion counter. Artifact deletion is idempotent so a retried sweep
// converges.
func (h *Housekeeper) expireOne(ctx context.Context, t *task.Task) error {
	if err := h.artifacts.Delete(t.ID); err != nil {
		return err
	}
	if _, err := h.tasks.Expire(ctx, t.ID); err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	if _, err := h.kv.Incr(ctx, deletionsKey); err != nil {
		h.logger.Warn("housekeeper: deletion counter: %v", err)
	}
	return nil
}

// Deletions reports the lifetime artifact deletion count.
func (h *Housekeeper) Deletions(ctx context.Context) (int64, error) {
	raw, err := h.kv.Get(ctx, deletionsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.E("housekeeper.Deletions", errs.KindInternal, err)
	}
	return n, nil
}
