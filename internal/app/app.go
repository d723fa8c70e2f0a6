// Package app wires configuration into long-lived services: checkpoint
// state, the content hash index, the chunk pipeline and its sink, and the
// fetch/extract stack used by crawls.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/checkpoint"
	"github.com/JakeFAU/threadharvest/internal/config"
	"github.com/JakeFAU/threadharvest/internal/corpus"
	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/extract"
	collyfetcher "github.com/JakeFAU/threadharvest/internal/fetcher/colly"
	"github.com/JakeFAU/threadharvest/internal/fetcher/headless"
	"github.com/JakeFAU/threadharvest/internal/hashindex"
	"github.com/JakeFAU/threadharvest/internal/id/uuid"
	"github.com/JakeFAU/threadharvest/internal/pipeline"
	"github.com/JakeFAU/threadharvest/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/threadharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/threadharvest/internal/sink"
	"github.com/JakeFAU/threadharvest/internal/storage/gcs"
	"github.com/JakeFAU/threadharvest/internal/storage/local"
	"github.com/JakeFAU/threadharvest/internal/storage/memory"
	"github.com/JakeFAU/threadharvest/internal/storage/postgres"
)

var tracer = otel.Tracer("github.com/JakeFAU/threadharvest/internal/app")

// Options injects collaborators that would otherwise be built from config.
// Zero values mean "build from config".
type Options struct {
	Logger    *zap.Logger
	IDs       crawler.IDGenerator
	Extractor crawler.Extractor
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	DB        postgres.DB
}

// CrawlOptions are the per-invocation crawl switches.
type CrawlOptions struct {
	Force bool
	// ScrapeOnly journals items without chunking or ingesting them.
	ScrapeOnly bool
}

// Status summarizes persisted state.
type Status struct {
	Checkpoints  []crawler.CheckpointRecord
	Fingerprints int
}

// App holds the services shared by every command.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
	runID  string

	checkpoints *checkpoint.Store
	index       *hashindex.Index

	pipe    *pipeline.Pipeline
	db      postgres.DB
	runs    *postgres.RunStore
	closers []func() error
}

// New opens the checkpoint store and the hash index. Nothing touches the
// network until a command needs the sink or the fetchers.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := opts.IDs
	if ids == nil {
		ids = uuid.New()
	}
	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	checkpoints, err := checkpoint.Open(checkpoint.Options{
		Dir:     cfg.State.CheckpointDir,
		Recover: cfg.State.RecoverCorrupt,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	index, err := hashindex.Open(hashindex.Options{
		Path:    cfg.State.HashFile,
		Recover: cfg.State.RecoverCorrupt,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		opts:        opts,
		logger:      logger.With(zap.String("run_id", runID)),
		runID:       runID,
		checkpoints: checkpoints,
		index:       index,
	}, nil
}

// RunID identifies this process run in logs, batch objects and run history.
func (a *App) RunID() string {
	return a.runID
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Crawl runs targets through the controller. Statistics from the pipeline
// are folded into the returned RunStats.
func (a *App) Crawl(ctx context.Context, targets []crawler.CrawlTarget, opts CrawlOptions) (_ crawler.RunStats, err error) {
	ctx, span := tracer.Start(ctx, "crawl", trace.WithAttributes(
		attribute.String("run_id", a.runID),
		attribute.Int("targets", len(targets)),
		attribute.Bool("force", opts.Force),
		attribute.Bool("scrape_only", opts.ScrapeOnly),
	))
	defer func() { endSpan(span, err) }()

	for _, target := range targets {
		if _, err := a.checkpoints.Load(ctx, target.ID); err != nil {
			return crawler.RunStats{}, fmt.Errorf("load checkpoint %s: %w", target.ID, err)
		}
	}

	var (
		handler crawler.ItemHandler
		pipe    *pipeline.Pipeline
	)
	if !opts.ScrapeOnly {
		if pipe, err = a.pipeline(ctx); err != nil {
			return crawler.RunStats{}, err
		}
		handler = pipe
	}
	extractor, err := a.extractor()
	if err != nil {
		return crawler.RunStats{}, err
	}

	controllerOpts := []crawler.ControllerOption{
		crawler.WithLogger(a.logger),
		crawler.WithRetryPolicy(crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts: a.cfg.Crawler.MaxAttempts,
			BaseDelay:   a.cfg.Crawler.BackoffInitial,
			MaxDelay:    a.cfg.Crawler.BackoffMax,
		})),
	}
	if a.cfg.Journal.Enabled {
		journal, err := corpus.OpenJournal(a.cfg.Journal.Path)
		if err != nil {
			return crawler.RunStats{}, err
		}
		a.closers = append(a.closers, journal.Close)
		controllerOpts = append(controllerOpts, crawler.WithJournal(journal))
	}

	controller, err := crawler.NewController(crawler.ControllerConfig{
		MinDelay:        a.cfg.Crawler.MinDelay,
		MaxDelay:        a.cfg.Crawler.MaxDelay,
		DefaultMaxItems: a.cfg.Crawler.DefaultMaxItems,
		Force:           opts.Force,
	}, extractor, a.checkpoints, handler, controllerOpts...)
	if err != nil {
		return crawler.RunStats{}, err
	}

	a.startRun(ctx, "crawl")
	stats, runErr := controller.Run(ctx, targets)
	if pipe != nil {
		if err := pipe.Flush(context.WithoutCancel(ctx)); err != nil {
			runErr = errors.Join(runErr, err)
		}
		stats.Add(pipe.Stats())
	}
	a.finishRun(ctx, stats, runErr)
	crawler.LogSummary(a.logger, stats)
	return stats, runErr
}

// Ingest replays a journal CSV through the chunk pipeline. Rows with empty
// content are skipped; rows already ingested are dropped by the hash index.
func (a *App) Ingest(ctx context.Context, csvPath string) (_ crawler.RunStats, err error) {
	ctx, span := tracer.Start(ctx, "ingest", trace.WithAttributes(
		attribute.String("run_id", a.runID),
		attribute.String("csv", csvPath),
	))
	defer func() { endSpan(span, err) }()

	result, err := corpus.ReadFile(csvPath)
	if err != nil {
		return crawler.RunStats{}, err
	}
	a.logger.Info("journal loaded",
		zap.String("path", csvPath),
		zap.Int("items", len(result.Items)),
		zap.Int("skipped_empty", result.SkippedEmpty),
	)
	pipe, err := a.pipeline(ctx)
	if err != nil {
		return crawler.RunStats{}, err
	}

	a.startRun(ctx, "ingest")
	runErr := pipe.Ingest(ctx, result.Items)
	stats := pipe.Stats()
	stats.ItemsFailed += result.SkippedEmpty
	a.finishRun(ctx, stats, runErr)
	crawler.LogSummary(a.logger, stats)
	return stats, runErr
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Status lists every checkpoint and the number of known fingerprints.
func (a *App) Status(ctx context.Context) (Status, error) {
	records, err := a.checkpoints.List(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Checkpoints: records, Fingerprints: a.index.Len()}, nil
}

// Reset deletes the checkpoint of one target.
func (a *App) Reset(ctx context.Context, targetID string) error {
	return a.checkpoints.Reset(ctx, targetID)
}

// Close releases everything opened by the app, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	if a.pipe != nil {
		return a.pipe, nil
	}
	ingestSink, err := a.buildSink(ctx)
	if err != nil {
		return nil, err
	}
	// Chunks sent to the discard sink are stored nowhere, so their
	// fingerprints must not reach the persisted index.
	var index crawler.HashIndex = a.index
	if a.cfg.Sink.Kind == config.SinkDiscard {
		index = hashindex.NewMemory()
		a.logger.Info("discard sink: content fingerprints are kept for this run only")
	}
	pipe, err := pipeline.New(pipeline.Config{
		ChunkSize:      a.cfg.Chunking.Size,
		ChunkOverlap:   a.cfg.Chunking.Overlap,
		BatchSize:      a.cfg.Chunking.BatchSize,
		SkipDuplicates: a.cfg.Chunking.SkipDuplicates,
	}, index, ingestSink, pipeline.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.pipe = pipe
	return pipe, nil
}

func (a *App) buildSink(ctx context.Context) (crawler.IngestSink, error) {
	var (
		out crawler.IngestSink
		err error
	)
	switch a.cfg.Sink.Kind {
	case config.SinkDiscard:
		out = &sink.DiscardSink{}
	case config.SinkBlob:
		store, prefix, berr := a.blobStore(ctx)
		if berr != nil {
			return nil, berr
		}
		out, err = sink.NewBlobSink(store, prefix, a.runID)
	case config.SinkPostgres:
		db, derr := a.database(ctx)
		if derr != nil {
			return nil, derr
		}
		chunks, cerr := postgres.NewChunkStore(db, a.cfg.Database.ChunkTable)
		if cerr != nil {
			return nil, cerr
		}
		if a.cfg.Database.EnsureSchema {
			if err := chunks.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		out = chunks
	default:
		return nil, fmt.Errorf("%w: unknown sink.kind %q", config.ErrInvalidConfig, a.cfg.Sink.Kind)
	}
	if err != nil {
		return nil, err
	}

	if a.cfg.Sink.Notify {
		publisher, err := a.publisher(ctx)
		if err != nil {
			return nil, err
		}
		out, err = sink.NewNotifyingSink(out, publisher, a.cfg.PubSub.Topic, a.runID, a.logger)
		if err != nil {
			return nil, err
		}
	}
	a.logger.Info("sink ready", zap.String("kind", a.cfg.Sink.Kind), zap.Bool("notify", a.cfg.Sink.Notify))
	return out, nil
}

// blobStore returns the configured store and the object prefix the blob
// sink should add itself.
func (a *App) blobStore(ctx context.Context) (crawler.BlobStore, string, error) {
	if a.opts.BlobStore != nil {
		return a.opts.BlobStore, a.cfg.Storage.Prefix, nil
	}
	switch a.cfg.Storage.Backend {
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		return store, a.cfg.Storage.Prefix, err
	case config.StorageMemory:
		return memory.NewBlobStore(), a.cfg.Storage.Prefix, nil
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		return store, "", err
	}
	return nil, "", fmt.Errorf("%w: unknown storage.backend %q", config.ErrInvalidConfig, a.cfg.Storage.Backend)
}

func (a *App) database(ctx context.Context) (postgres.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.opts.DB != nil {
		a.db = a.opts.DB
		return a.db, nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.db = pool
	return pool, nil
}

func (a *App) publisher(ctx context.Context) (crawler.Publisher, error) {
	if a.opts.Publisher != nil {
		return a.opts.Publisher, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher, err := pubsubpublisher.New(client, a.cfg.PubSub.Topic)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close, func() error {
		publisher.Stop()
		return nil
	})
	return publisher, nil
}

func (a *App) extractor() (crawler.Extractor, error) {
	if a.opts.Extractor != nil {
		return a.opts.Extractor, nil
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Crawler.RateLimitRPS,
		DefaultBurst: a.cfg.Crawler.RateLimitBurst,
	})

	var fetcher crawler.PageFetcher
	if a.cfg.Crawler.Headless.Enabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Crawler.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.Crawler.Headless.NavTimeout,
			SettleDelay:       a.cfg.Crawler.Headless.SettleDelay,
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("start headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error {
			hf.Close()
			return nil
		})
		fetcher = hf
	} else {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Crawler.UserAgent,
			RespectRobots: a.cfg.Crawler.RespectRobots,
			Timeout:       a.cfg.Crawler.Timeout,
		}, limiter)
	}
	return extract.NewHTMLExtractor(a.cfg.Extract, fetcher, a.logger)
}

// startRun and finishRun keep the optional run history. Failures there are
// logged and never fail the command.
func (a *App) startRun(ctx context.Context, command string) {
	runs := a.runStore(ctx)
	if runs == nil {
		return
	}
	if err := runs.StartRun(context.WithoutCancel(ctx), a.runID, command, time.Now().UTC()); err != nil {
		a.logger.Warn("record run start failed", zap.Error(err))
	}
}

func (a *App) finishRun(ctx context.Context, stats crawler.RunStats, runErr error) {
	if a.runs == nil {
		return
	}
	status := postgres.RunSucceeded
	var msg *string
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = postgres.RunCanceled
	case runErr != nil:
		status = postgres.RunFailed
	}
	if runErr != nil {
		text := runErr.Error()
		msg = &text
	}
	if err := a.runs.FinishRun(context.WithoutCancel(ctx), a.runID, time.Now().UTC(), status, stats, msg); err != nil {
		a.logger.Warn("record run finish failed", zap.Error(err))
	}
}

func (a *App) runStore(ctx context.Context) *postgres.RunStore {
	if a.runs != nil {
		return a.runs
	}
	if !a.cfg.Database.RecordRuns || (a.cfg.Database.DSN == "" && a.opts.DB == nil) {
		return nil
	}
	db, err := a.database(ctx)
	if err != nil {
		a.logger.Warn("run history disabled", zap.Error(err))
		return nil
	}
	runs, err := postgres.NewRunStore(db, a.cfg.Database.RunTable)
	if err != nil {
		a.logger.Warn("run history disabled", zap.Error(err))
		return nil
	}
	if a.cfg.Database.EnsureSchema {
		if err := runs.EnsureSchema(ctx); err != nil {
			a.logger.Warn("run history disabled", zap.Error(err))
			return nil
		}
	}
	a.runs = runs
	return runs
}
