// Package worker runs the dispatch loop: pull a queued task, reserve a
// scanner instance, drive the remote scan lifecycle, persist the
// artifact, and land the task in a terminal state.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"scand/internal/artifact"
	"scand/internal/async"
	"scand/internal/errs"
	"scand/internal/logging"
	"scand/internal/queue"
	"scand/internal/results"
	"scand/internal/scanner"
	"scand/internal/task"
)

var (
	errScanTimeout    = errors.New("scan exceeded wall-clock timeout")
	errBackendAborted = errors.New("scan aborted on the backend")
)

// Config tunes one worker's loop.
type Config struct {
	Pools          []string      // pools this worker consumes, in fairness order
	PollInterval   time.Duration // remote status poll cadence
	DequeueTimeout time.Duration // bounded block on an empty queue
	ScanTimeout    time.Duration // wall-clock bound per scan, from the running transition
	Retry          errs.RetryConfig
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 500 * time.Millisecond
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = time.Hour
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = errs.DefaultRetryConfig()
	}
}

// Worker owns tasks from dequeue to terminal transition.
type Worker struct {
	id        string
	cfg       Config
	tasks     *task.Store
	queue     *queue.Queue
	registry  *scanner.Registry
	artifacts *artifact.Store
	logger    logging.Logger
}

// New builds a worker with a unique owner id.
func New(cfg Config, tasks *task.Store, q *queue.Queue, registry *scanner.Registry, artifacts *artifact.Store, logger logging.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		id:        "worker-" + uuid.NewString()[:8],
		cfg:       cfg,
		tasks:     tasks,
		queue:     q,
		registry:  registry,
		artifacts: artifacts,
		logger:    logging.OrNop(logger),
	}
}

// ID returns the worker's owner id, used in logs.
func (w *Worker) ID() string {
	return w.id
}

// Run loops until ctx is cancelled. Each iteration handles at most one
// task end to end.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("%s: consuming pools %v", w.id, w.cfg.Pools)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("%s: draining", w.id)
			return nil
		default:
		}
		if err := w.runGuarded(ctx); err != nil && !errors.Is(err, queue.ErrEmpty) {
			w.logger.Error("%s: dispatch error: %v", w.id, err)
			w.sleep(ctx, w.cfg.DequeueTimeout)
		}
	}
}

// runGuarded contains adapter panics to the current task; the loop
// survives and moves on.
func (w *Worker) runGuarded(ctx context.Context) error {
	defer async.Recover(w.logger, w.id)
	return w.RunOnce(ctx)
}

// RunOnce performs a single dequeue-dispatch cycle. Returns
// queue.ErrEmpty when no work was available within the timeout.
func (w *Worker) RunOnce(ctx context.Context) error {
	pool, taskID, err := w.queue.DequeueAny(ctx, w.cfg.Pools, w.cfg.DequeueTimeout)
	if err != nil {
		return err
	}

	t, err := w.tasks.Get(ctx, taskID)
	if errs.Is(err, errs.KindNotFound) {
		w.logger.Warn("%s: dropping unknown task %s", w.id, taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != task.StatusQueued {
		// cancelled while queued, or a duplicate delivery
		w.logger.Debug("%s: dropping task %s in state %s", w.id, taskID, t.Status)
		return nil
	}

	instanceKey, ok := w.registry.Reserve(t.ScannerPool)
	if !ok {
		// no capacity: back of the queue, jittered backoff
		if err := w.queue.Enqueue(ctx, pool, taskID); err != nil {
			return err
		}
		w.sleep(ctx, jitter(w.cfg.DequeueTimeout))
		return nil
	}
	defer w.registry.Release(instanceKey)

	t, err = w.tasks.Transition(ctx, taskID, task.StatusRunning, task.WithInstanceKey(instanceKey))
	if errs.Is(err, errs.KindInvalidTransition) {
		// lost the race to a cancel
		return nil
	}
	if err != nil {
		return err
	}

	w.dispatch(ctx, t, instanceKey)
	return nil
}

// dispatch drives one running task to a terminal state.
func (w *Worker) dispatch(ctx context.Context, t *task.Task, instanceKey string) {
	adapter, err := w.registry.Adapter(instanceKey)
	if err != nil {
		w.fail(ctx, t, task.FailureInternal, err)
		return
	}

	remoteID, err := adapter.CreateScan(ctx, scanner.CreateRequest{
		Name:        t.ScanName,
		Description: t.Description,
		Targets:     t.Targets,
		ScanType:    t.ScanType,
	})
	if err != nil {
		w.fail(ctx, t, task.FailureCreateRejected, err)
		return
	}
	if err := w.tasks.SetRemoteScanID(ctx, t.ID, remoteID); err != nil {
		w.logger.Warn("%s: task %s: record remote id: %v", w.id, t.ID, err)
	}

	if _, err := adapter.LaunchScan(ctx, remoteID); err != nil {
		// roll back the remote definition so no orphan scan lingers
		if _, delErr := adapter.DeleteScan(ctx, remoteID); delErr != nil {
			w.logger.Warn("%s: task %s: rollback delete: %v", w.id, t.ID, delErr)
		}
		w.fail(ctx, t, task.FailureLaunchRejected, err)
		return
	}

	w.poll(ctx, t, adapter, remoteID)
}

// poll watches the remote scan until it lands in a terminal state,
// handling cancellation and the wall-clock timeout on each tick.
func (w *Worker) poll(ctx context.Context, t *task.Task, adapter scanner.Scanner, remoteID string) {
	deadline := time.Now().Add(w.cfg.ScanTimeout)
	if t.StartedAt != nil {
		deadline = t.StartedAt.Add(w.cfg.ScanTimeout)
	}

	for {
		current, err := w.tasks.Get(ctx, t.ID)
		if err != nil {
			w.fail(ctx, t, task.FailureInternal, err)
			return
		}
		if current.Status == task.StatusCancelled {
			if _, err := adapter.StopScan(ctx, remoteID); err != nil {
				w.logger.Warn("%s: task %s: stop after cancel: %v", w.id, t.ID, err)
			}
			w.logger.Info("%s: task %s cancelled, polling stopped", w.id, t.ID)
			return
		}
		if time.Now().After(deadline) {
			if _, err := adapter.StopScan(ctx, remoteID); err != nil {
				w.logger.Warn("%s: task %s: stop after timeout: %v", w.id, t.ID, err)
			}
			w.fail(ctx, t, task.FailureTimeout, errScanTimeout)
			return
		}

		status, err := w.getStatus(ctx, adapter, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				// shutdown, not an unreachable scanner
				return
			}
			w.fail(ctx, t, task.FailureScannerUnreachable, err)
			return
		}
		if err := w.tasks.SetProgress(ctx, t.ID, status.Progress); err != nil {
			w.logger.Warn("%s: task %s: progress update: %v", w.id, t.ID, err)
		}

		switch status.State {
		case task.StatusCompleted:
			w.complete(ctx, t, adapter, remoteID)
			return
		case task.StatusCancelled:
			if _, err := w.tasks.Transition(ctx, t.ID, task.StatusCancelled,
				task.WithFailureReason(task.FailureCancelledByUser)); err != nil {
				w.logger.Warn("%s: task %s: cancel transition: %v", w.id, t.ID, err)
			}
			return
		case task.StatusFailed:
			w.fail(ctx, t, task.FailureInternal, errBackendAborted)
			return
		}

		select {
		case <-ctx.Done():
			// shutdown mid-scan: leave the task running for the
			// heartbeat reaper or a restarted worker
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// getStatus polls the backend, retrying transient transport errors.
func (w *Worker) getStatus(ctx context.Context, adapter scanner.Scanner, remoteID string) (scanner.Status, error) {
	var status scanner.Status
	err := errs.RetryWithLog(ctx, w.cfg.Retry, func(ctx context.Context) error {
		s, err := adapter.GetStatus(ctx, remoteID)
		if err != nil {
			return errs.E("worker.getStatus", errs.KindUnavailable, err)
		}
		status = s
		return nil
	}, w.logger)
	return status, err
}

// complete exports the results, persists the artifact, and finishes the
// task.
func (w *Worker) complete(ctx context.Context, t *task.Task, adapter scanner.Scanner, remoteID string) {
	var data []byte
	err := errs.RetryWithLog(ctx, w.cfg.Retry, func(ctx context.Context) error {
		b, err := adapter.ExportResults(ctx, remoteID)
		if err != nil {
			return errs.E("worker.export", errs.KindUnavailable, err)
		}
		data = b
		return nil
	}, w.logger)
	if err != nil {
		w.fail(ctx, t, task.FailureExportFailed, err)
		return
	}

	path, err := w.artifacts.Write(t.ID, data)
	if err != nil {
		w.fail(ctx, t, task.FailureExportFailed, err)
		return
	}

	opts := []task.TransitionOption{task.WithArtifactPath(path)}
	if count, err := results.Count(data); err == nil {
		opts = append(opts, task.WithVulnerabilitiesFound(count))
	} else {
		w.logger.Warn("%s: task %s: artifact not countable: %v", w.id, t.ID, err)
	}

	if _, err := w.tasks.Transition(ctx, t.ID, task.StatusCompleted, opts...); err != nil {
		w.logger.Warn("%s: task %s: completion transition: %v", w.id, t.ID, err)
	}
}

// fail lands the task in failed and parks it on the pool's DLQ.
func (w *Worker) fail(ctx context.Context, t *task.Task, reason task.FailureReason, cause error) {
	w.logger.Error("%s: task %s failed (%s): %v", w.id, t.ID, reason, cause)
	if _, err := w.tasks.Transition(ctx, t.ID, task.StatusFailed, task.WithFailureReason(reason)); err != nil {
		w.logger.Warn("%s: task %s: failure transition: %v", w.id, t.ID, err)
		return
	}
	if err := w.queue.ToDLQ(ctx, t.ScannerPool, t.ID, string(reason)); err != nil {
		w.logger.Warn("%s: task %s: dlq: %v", w.id, t.ID, err)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// jitter spreads backoff across workers contending for capacity.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)+1))
}
