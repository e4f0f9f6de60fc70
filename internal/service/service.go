// Package service is the public operations surface: submit, status,
// list, results, capacity and queue views, and DLQ admin. It is a thin
// layer over the stores; transport wiring lives elsewhere.
package service

import (
	"context"
	"strings"
	"time"

	"scand/internal/artifact"
	"scand/internal/errs"
	"scand/internal/logging"
	"scand/internal/queue"
	"scand/internal/results"
	"scand/internal/scanner"
	"scand/internal/task"
)

// Config carries the service-level tunables.
type Config struct {
	DefaultPool   string
	MaxQueueDepth int64 // submit high-water mark; 0 disables backpressure
}

// Service exposes the operations surface.
type Service struct {
	cfg       Config
	tasks     *task.Store
	idem      *task.Idempotency
	queue     *queue.Queue
	registry  *scanner.Registry
	artifacts *artifact.Store
	projector *results.Projector
	logger    logging.Logger
}

// New wires the service. The projector's parse cache is created here.
func New(cfg Config, tasks *task.Store, idem *task.Idempotency, q *queue.Queue, registry *scanner.Registry, artifacts *artifact.Store, logger logging.Logger) (*Service, error) {
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = "nessus"
	}
	projector, err := results.NewProjector()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		tasks:     tasks,
		idem:      idem,
		queue:     q,
		registry:  registry,
		artifacts: artifacts,
		projector: projector,
		logger:    logging.OrNop(logger),
	}, nil
}

// SubmitRequest is a scan submission.
type SubmitRequest struct {
	Targets        string `json:"targets"`
	ScanName       string `json:"scan_name"`
	Description    string `json:"description,omitempty"`
	ScanType       string `json:"scan_type,omitempty"` // default untrusted
	ScannerPool    string `json:"scanner_pool,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitResult reports the task the submission resolved to.
type SubmitResult struct {
	TaskID     string      `json:"task_id"`
	Status     task.Status `json:"status"`
	Idempotent bool        `json:"idempotent"`
}

// SubmitScan validates the request, claims the idempotency key, and
// creates + enqueues a new task. A replayed key returns the previously
// bound task; the same key with a different payload is a Conflict.
func (s *Service) SubmitScan(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	const op = "service.SubmitScan"

	if strings.TrimSpace(req.Targets) == "" {
		return nil, errs.E(op, errs.KindInvalidArgument, "targets must not be empty")
	}
	if strings.TrimSpace(req.ScanName) == "" {
		return nil, errs.E(op, errs.KindInvalidArgument, "scan_name must not be empty")
	}
	scanType := task.ScanType(req.ScanType)
	if req.ScanType == "" {
		scanType = task.ScanTypeUntrusted
	}
	if !scanType.IsValid() {
		return nil, errs.Errorf(op, errs.KindInvalidArgument, "unknown scan_type %q", req.ScanType)
	}
	pool := req.ScannerPool
	if pool == "" {
		pool = s.cfg.DefaultPool
	}

	if s.cfg.MaxQueueDepth > 0 {
		depth, err := s.queue.Depth(ctx, pool)
		if err != nil {
			return nil, err
		}
		if depth >= s.cfg.MaxQueueDepth {
			return nil, errs.Errorf(op, errs.KindQueueFull,
				"pool %s queue at high-water mark (%d)", pool, s.cfg.MaxQueueDepth)
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:             task.NewID(scanType, now),
		ScanType:       scanType,
		Targets:        req.Targets,
		ScanName:       req.ScanName,
		Description:    req.Description,
		ScannerPool:    pool,
		IdempotencyKey: req.IdempotencyKey,
		Fingerprint:    task.PayloadFingerprint(req.Targets, req.ScanName, scanType, pool),
		Status:         task.StatusQueued,
		CreatedAt:      now,
	}

	// Create before claiming: when the claim loses, the winner's record
	// is already readable, so concurrent submits with one key agree.
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		boundID, wasNew, err := s.idem.Claim(ctx, req.IdempotencyKey, t.ID)
		if err != nil {
			_ = s.tasks.Delete(ctx, t.ID)
			return nil, err
		}
		if !wasNew {
			_ = s.tasks.Delete(ctx, t.ID)
			existing, err := s.tasks.Get(ctx, boundID)
			if err != nil {
				return nil, err
			}
			if existing.Fingerprint != t.Fingerprint {
				return nil, errs.Errorf(op, errs.KindConflict,
					"idempotency key %q already bound to task %s with a different payload",
					req.IdempotencyKey, boundID)
			}
			return &SubmitResult{TaskID: existing.ID, Status: existing.Status, Idempotent: true}, nil
		}
	}

	if err := s.queue.Enqueue(ctx, pool, t.ID); err != nil {
		return nil, err
	}
	s.logger.Info("submitted task %s to pool %s", t.ID, pool)
	return &SubmitResult{TaskID: t.ID, Status: task.StatusQueued, Idempotent: false}, nil
}

// ScanStatus is the external view of a task.
type ScanStatus struct {
	TaskID               string             `json:"task_id"`
	Status               task.Status        `json:"status"`
	Progress             int                `json:"progress"`
	ScannerInstanceKey   string             `json:"scanner_instance_key,omitempty"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
	VulnerabilitiesFound *int               `json:"vulnerabilities_found,omitempty"`
	FailureReason        task.FailureReason `json:"failure_reason,omitempty"`
}

// GetScanStatus returns the task's current state.
func (s *Service) GetScanStatus(ctx context.Context, taskID string) (*ScanStatus, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return statusOf(t), nil
}

func statusOf(t *task.Task) *ScanStatus {
	return &ScanStatus{
		TaskID:               t.ID,
		Status:               t.Status,
		Progress:             t.Progress,
		ScannerInstanceKey:   t.ScannerInstanceKey,
		StartedAt:            t.StartedAt,
		CompletedAt:          t.CompletedAt,
		VulnerabilitiesFound: t.VulnerabilitiesFound,
		FailureReason:        t.FailureReason,
	}
}

// ListParams narrows and windows a ListTasks call.
type ListParams struct {
	Status string
	Pool   string
	Limit  int
	Cursor string
}

// TaskList is one page of tasks, oldest first.
type TaskList struct {
	Tasks      []*ScanStatus `json:"tasks"`
	Total      int           `json:"total"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ListTasks pages through tasks matching the filter, oldest first.
func (s *Service) ListTasks(ctx context.Context, params ListParams) (*TaskList, error) {
	const op = "service.ListTasks"
	filter := task.ListFilter{Pool: params.Pool}
	if params.Status != "" {
		status := task.Status(params.Status)
		if !status.IsValid() {
			return nil, errs.Errorf(op, errs.KindInvalidArgument, "unknown status %q", params.Status)
		}
		filter.Status = status
	}
	tasks, next, err := s.tasks.List(ctx, filter, params.Limit, params.Cursor)
	if err != nil {
		return nil, err
	}
	out := &TaskList{Tasks: make([]*ScanStatus, 0, len(tasks)), NextCursor: next}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, statusOf(t))
	}
	out.Total = len(out.Tasks)
	return out, nil
}

// CancelResult is the outcome of a cancel call.
type CancelResult struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// CancelScan moves a queued or running task to cancelled. A queued task
// is skipped when dequeued; a running task's worker stops the remote
// scan on its next poll. Cancelling an already-cancelled task succeeds.
func (s *Service) CancelScan(ctx context.Context, taskID string) (*CancelResult, error) {
	t, err := s.tasks.Transition(ctx, taskID, task.StatusCancelled,
		task.WithFailureReason(task.FailureCancelledByUser))
	if err != nil {
		return nil, err
	}
	s.logger.Info("task %s cancelled", taskID)
	return &CancelResult{TaskID: t.ID, Status: t.Status}, nil
}

// GetScanResults projects the completed task's artifact as NDJSON.
func (s *Service) GetScanResults(ctx context.Context, taskID string, params results.Params) (string, error) {
	const op = "service.GetScanResults"
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Status != task.StatusCompleted {
		return "", errs.Errorf(op, errs.KindNotReady,
			"task %s is %s, results require completed", taskID, t.Status)
	}
	data, err := s.artifacts.Read(t.ID)
	if err != nil {
		return "", errs.Errorf(op, errs.KindNotFound, "task %s: artifact missing", taskID)
	}
	return s.projector.Project(t.ID, data, params)
}

// ScannerList enumerates the configured scanner instances.
type ScannerList struct {
	Scanners []scanner.Descriptor `json:"scanners"`
}

// ListScanners returns every configured instance descriptor.
func (s *Service) ListScanners(_ context.Context) *ScannerList {
	return &ScannerList{Scanners: s.registry.Descriptors()}
}

// PoolList enumerates the configured pools.
type PoolList struct {
	Pools       []string `json:"pools"`
	DefaultPool string   `json:"default_pool"`
}

// ListPools returns the configured pools and the submit default.
func (s *Service) ListPools(_ context.Context) *PoolList {
	return &PoolList{Pools: s.registry.Pools(), DefaultPool: s.cfg.DefaultPool}
}

// GetPoolStatus reports capacity for one pool, defaulting to the
// submit default pool.
func (s *Service) GetPoolStatus(_ context.Context, pool string) (scanner.PoolStatus, error) {
	if pool == "" {
		pool = s.cfg.DefaultPool
	}
	return s.registry.Status(pool)
}

// GetQueueStatus aggregates queue and DLQ depths across the configured
// pools.
func (s *Service) GetQueueStatus(ctx context.Context) (queue.Stats, error) {
	return s.queue.StatsFor(ctx, s.registry.Pools())
}

// DLQClear drops every parked task for the pool.
func (s *Service) DLQClear(ctx context.Context, pool string) error {
	return s.queue.ClearDLQ(ctx, pool)
}

// DLQRequeue moves a parked task back onto the live queue and resets
// its record so a worker will pick it up again.
func (s *Service) DLQRequeue(ctx context.Context, pool, taskID string) error {
	if err := s.queue.RequeueDLQ(ctx, pool, taskID); err != nil {
		return err
	}
	if _, err := s.tasks.Requeue(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task %s requeued from %s dlq", taskID, pool)
	return nil
}

// ArtifactInvalidate drops the cached parse for a task, used after its
// artifact is deleted.
func (s *Service) ArtifactInvalidate(taskID string) {
	s.projector.Invalidate(taskID)
}
