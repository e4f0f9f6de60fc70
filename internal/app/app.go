// Package app assembles the process: config → stores → registry →
// workers → housekeeper → service, with an init → run → shutdown
// lifecycle.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"scand/internal/artifact"
	"scand/internal/config"
	"scand/internal/errs"
	"scand/internal/housekeeper"
	"scand/internal/kv"
	"scand/internal/logging"
	"scand/internal/queue"
	"scand/internal/scanner"
	"scand/internal/service"
	"scand/internal/task"
	"scand/internal/worker"
)

// App owns every long-lived collaborator. Nothing here is a process
// global; tests can build as many Apps as they like.
type App struct {
	cfg    *config.Config
	logger logging.Logger

	kv          kv.Store
	tasks       *task.Store
	queue       *queue.Queue
	registry    *scanner.Registry
	artifacts   *artifact.Store
	workers     []*worker.Worker
	housekeeper *housekeeper.Housekeeper
	service     *service.Service
}

// Option adjusts construction, mainly for tests and the --fake flag.
type Option func(*options)

type options struct {
	factory scanner.Factory
	kv      kv.Store
}

// WithScannerFactory overrides how descriptors become adapters.
func WithScannerFactory(f scanner.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithKV injects a pre-built kv store, bypassing the Redis dial.
func WithKV(store kv.Store) Option {
	return func(o *options) { o.kv = store }
}

// New builds and wires the application. The returned App is not yet
// running; call Run.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (*App, error) {
	logger = logging.OrNop(logger)
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.kv
	if store == nil {
		var err error
		store, err = kv.NewRedisStore(ctx, kv.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	factory := o.factory
	if factory == nil {
		factory = scanner.HTTPFactory(logger)
	}
	registry, err := scanner.NewRegistry(cfg.ScannersFile, factory, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	artifacts, err := artifact.NewStore(cfg.DataDir)
	if err != nil {
		registry.Close()
		_ = store.Close()
		return nil, err
	}

	tasks := task.NewStore(store)
	q := queue.New(store)
	idem := task.NewIdempotency(store, cfg.IdempotencyTTL)

	svc, err := service.New(service.Config{
		DefaultPool:   cfg.DefaultPool,
		MaxQueueDepth: cfg.MaxQueueDepth,
	}, tasks, idem, q, registry, artifacts, logger)
	if err != nil {
		registry.Close()
		_ = store.Close()
		return nil, err
	}

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, worker.New(worker.Config{
			Pools:          cfg.Pools(),
			PollInterval:   cfg.PollInterval,
			DequeueTimeout: cfg.DequeueTimeout,
			ScanTimeout:    cfg.ScanTimeout,
			Retry:          errs.DefaultRetryConfig(),
		}, tasks, q, registry, artifacts, logger))
	}

	hk := housekeeper.New(housekeeper.Config{
		ArtifactTTL:   cfg.ArtifactTTL,
		TaskTTL:       cfg.TaskTTL,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
	}, tasks, artifacts, store, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		kv:          store,
		tasks:       tasks,
		queue:       q,
		registry:    registry,
		artifacts:   artifacts,
		workers:     workers,
		housekeeper: hk,
		service:     svc,
	}, nil
}

// Service exposes the operations surface to whatever transport hosts
// this process.
func (a *App) Service() *service.Service {
	return a.service
}

// Registry exposes the scanner registry, mainly for CLI inspection.
func (a *App) Registry() *scanner.Registry {
	return a.registry
}

// Run starts the workers and the housekeeper and blocks until ctx is
// cancelled or a worker fails. Shutdown runs regardless of cause.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("scand starting: %d workers on pools %v, data_dir=%s",
		len(a.workers), a.cfg.Pools(), a.cfg.DataDir)

	if err := a.housekeeper.Start(); err != nil {
		a.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range a.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// shutdown drains in the reverse order of construction.
func (a *App) shutdown() {
	a.logger.Info("scand shutting down")
	a.housekeeper.Stop()
	a.registry.Close()
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("kv close: %v", err)
	}
}
