// Package app wires the upload components from a resolved configuration. The
// HTTP server and the one-shot sweep tool share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mediahub/internal/api"
	"mediahub/internal/artifacts"
	"mediahub/internal/blobstore"
	"mediahub/internal/config"
	"mediahub/internal/expiry"
	"mediahub/internal/observability/logging"
	"mediahub/internal/observability/metrics"
	"mediahub/internal/storage"
	"mediahub/internal/upload"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	Store storage.Store
	Blobs blobstore.Store

	Manager   *upload.Manager
	Assembler *upload.Assembler
	Pool      *upload.AssemblyPool
	Receiver  *upload.Receiver
	Registry  *artifacts.Registry
	Jobs      []expiry.Job

	now func() time.Time
}

// Option adjusts construction, mostly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	store storage.Store
	blobs blobstore.Store
	now   func() time.Time
}

// WithStore uses an already opened session store instead of cfg.SessionStore.
func WithStore(store storage.Store) Option {
	return func(o *buildOptions) { o.store = store }
}

// WithBlobs uses an already opened blob store instead of cfg.BlobStore.
func WithBlobs(blobs blobstore.Store) Option {
	return func(o *buildOptions) { o.blobs = blobs }
}

func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// New opens the configured backends and builds every component. The store is
// closed again when a later step fails.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	limits, err := cfg.Uploads.Limits()
	if err != nil {
		return nil, fmt.Errorf("upload limits: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = storage.Open(ctx, cfg.SessionStore.StorageConfig())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}
	blobs := o.blobs
	if blobs == nil {
		blobs, err = cfg.BlobStore.Open(ctx)
		if err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}

	uploadOpts := []upload.Option{
		upload.WithLimits(limits),
		upload.WithLogger(logger),
		upload.WithMetrics(recorder),
		upload.WithClock(o.now),
		upload.WithDeleteConcurrency(cfg.Uploads.DeleteConcurrency),
	}
	assembler := upload.NewAssembler(store, blobs, uploadOpts...)
	pool, err := upload.NewAssemblyPool(upload.AssemblyPoolConfig{
		Assembler:  assembler,
		Store:      store,
		Logger:     logger,
		Workers:    cfg.Uploads.AssemblyWorkers,
		Timeout:    cfg.Uploads.AssemblyTimeout,
		StaleAfter: cfg.Uploads.StaleAssemblyAfter,
		Now:        o.now,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("assembly pool: %w", err)
	}

	registry := artifacts.NewRegistry(store, blobs,
		artifacts.WithDefaultTTL(cfg.Artifacts.DefaultTTL),
		artifacts.WithLogger(logger),
		artifacts.WithClock(o.now),
	)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   recorder,
		Store:     store,
		Blobs:     blobs,
		Manager:   upload.NewManager(store, blobs, uploadOpts...),
		Assembler: assembler,
		Pool:      pool,
		Receiver:  upload.NewReceiver(store, blobs, pool, uploadOpts...),
		Registry:  registry,
		Jobs:      sweepJobs(cfg.Sweeper, store, blobs, pool, logger),
		now:       o.now,
	}, nil
}

func sweepJobs(cfg config.SweeperConfig, store storage.Store, blobs blobstore.Store, pool *upload.AssemblyPool, logger *slog.Logger) []expiry.Job {
	base := upload.SweepConfig{
		Store:         store,
		Blobs:         blobs,
		Logger:        logging.WithComponent(logger, "expiry"),
		BatchSize:     cfg.BatchSize,
		DeleteWorkers: cfg.DeleteWorkers,
	}
	failed := base
	failed.Retention = cfg.FailedRetention
	records := base
	records.Retention = cfg.RecordRetention

	return []expiry.Job{
		expiry.NewJob(upload.NewExpiredSessions(base)),
		expiry.NewJob(pool.StalledAssemblies()),
		expiry.NewJob(upload.NewFailedChunkRetention(failed)),
		expiry.NewJob(upload.NewLeftoverChunks(base)),
		expiry.NewJob(upload.NewSessionRecordRetention(records)),
		expiry.NewJob(artifacts.NewExpiredArtifacts(store, blobs, cfg.BatchSize)),
	}
}

// Handler builds the API handler over the app's components.
func (a *App) Handler() *api.Handler {
	handler := api.NewHandler(a.Manager, a.Receiver, a.Registry)
	handler.Store = a.Store
	handler.Logger = a.Logger
	return handler
}

// StartAssembly resumes sessions a previous process left in completing.
func (a *App) StartAssembly(ctx context.Context) {
	a.Pool.Start(ctx)
}

// StartSweeper runs the expiry jobs every Sweeper.Interval. A zero interval
// leaves the sweeper off. The returned function stops it.
func (a *App) StartSweeper(ctx context.Context) func() {
	return expiry.StartWorker(ctx, expiry.WorkerConfig{
		Jobs:       a.Jobs,
		Interval:   a.Config.Sweeper.Interval,
		Logger:     logging.WithComponent(a.Logger, "expiry"),
		RunOnStart: a.Config.Sweeper.RunOnStart,
		Now:        a.now,
		OnSweep:    func(summaries []expiry.Summary) { a.recordSweep(summaries, a.now()) },
	})
}

// Sweep runs every expiry job once.
func (a *App) Sweep(ctx context.Context, now time.Time) []expiry.Summary {
	summaries := expiry.RunAll(ctx, a.Jobs, now.UTC(), logging.WithComponent(a.Logger, "expiry"))
	a.recordSweep(summaries, now)
	return summaries
}

func (a *App) recordSweep(summaries []expiry.Summary, at time.Time) {
	for _, summary := range summaries {
		a.Metrics.ObserveSweep(summary.Kind, summary.Expired, summary.Skipped, summary.Failed(), at)
	}
}

// Close drains the assembly pool and then closes the session store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain assembly pool: %w", err))
	}
	if err := a.Store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session store: %w", err))
	}
	return errors.Join(errs...)
}
