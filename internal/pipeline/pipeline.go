package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/metrics"
)

// DefaultBatchSize bounds a sink batch when none is configured.
const DefaultBatchSize = 100

// Config holds the chunking and batching settings.
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	BatchSize      int
	SkipDuplicates bool
}

// Validate rejects settings that cannot produce chunks.
func (c Config) Validate() error {
	if err := ValidateWindow(c.ChunkSize, c.ChunkOverlap); err != nil {
		return err
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch size %d must not be negative", ErrInvalidChunking, c.BatchSize)
	}
	return nil
}

// Pipeline implements crawler.ItemHandler. Accepted chunks are buffered and
// delivered in fixed-size batches; the hash index is flushed after every
// batch whether or not the sink succeeded.
type Pipeline struct {
	cfg    Config
	index  crawler.HashIndex
	sink   crawler.IngestSink
	logger *zap.Logger

	mu      sync.Mutex
	pending []crawler.Chunk
	stats   crawler.RunStats
}

var _ crawler.ItemHandler = (*Pipeline)(nil)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New validates cfg and builds a pipeline.
func New(cfg Config, index crawler.HashIndex, sink crawler.IngestSink, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if index == nil {
		return nil, errors.New("pipeline: hash index is required")
	}
	if sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	p := &Pipeline{
		cfg:    cfg,
		index:  index,
		sink:   sink,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")
	return p, nil
}

// HandleItem splits, stamps and filters one item, delivering any batches that
// fill up. Returned errors are fatal: invalid items or a hash index that
// cannot be written.
func (p *Pipeline) HandleItem(ctx context.Context, item crawler.RawItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	texts, err := Split(item.Body, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	chunks := AttachMetadata(texts, item)

	p.mu.Lock()
	defer p.mu.Unlock()
	accepted, skipped := FilterDuplicates(chunks, p.index)
	p.stats.ChunksAccepted += len(accepted)
	p.stats.ChunksSkipped += skipped
	metrics.ObserveChunks("accepted", len(accepted))
	metrics.ObserveChunks("duplicate", skipped)
	if skipped > 0 {
		p.logger.Debug("duplicate chunks skipped",
			zap.String("item", item.ID),
			zap.Int("skipped", skipped),
			zap.Int("accepted", len(accepted)),
		)
	}

	p.pending = append(p.pending, accepted...)
	for len(p.pending) >= p.cfg.BatchSize {
		batch := p.pending[:p.cfg.BatchSize:p.cfg.BatchSize]
		p.pending = p.pending[p.cfg.BatchSize:]
		if err := p.deliver(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Flush delivers every buffered chunk and persists the hash index.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) > 0 {
		n := min(len(p.pending), p.cfg.BatchSize)
		batch := p.pending[:n:n]
		p.pending = p.pending[n:]
		if err := p.deliver(ctx, batch); err != nil {
			return err
		}
	}
	p.pending = nil
	if err := p.index.Flush(); err != nil {
		return fmt.Errorf("flush hash index: %w", err)
	}
	return nil
}

// Ingest pushes already extracted items through the pipeline and flushes it.
// Invalid items are skipped and counted as failed.
func (p *Pipeline) Ingest(ctx context.Context, items []crawler.RawItem) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, p.Flush(context.WithoutCancel(ctx)))
		}
		err := p.HandleItem(ctx, item)
		switch {
		case errors.Is(err, crawler.ErrInvalidItem):
			p.mu.Lock()
			p.stats.ItemsFailed++
			p.mu.Unlock()
			p.logger.Warn("item skipped", zap.String("item", item.ID), zap.Error(err))
		case err != nil:
			return err
		default:
			p.mu.Lock()
			p.stats.ItemsScraped++
			p.mu.Unlock()
		}
	}
	return p.Flush(ctx)
}

// Stats returns the chunk and batch counters gathered so far.
func (p *Pipeline) Stats() crawler.RunStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// deliver sends one batch. Sink failures are counted and logged; only a
// hash index write failure is returned.
func (p *Pipeline) deliver(ctx context.Context, batch []crawler.Chunk) error {
	result, err := p.sink.Ingest(ctx, batch, p.cfg.SkipDuplicates)
	if err != nil {
		p.stats.BatchesFailed++
		metrics.ObserveBatch("failed")
		p.logger.Error("sink rejected batch", zap.Int("chunks", len(batch)), zap.Error(err))
	} else {
		p.stats.BatchesDelivered++
		p.stats.SinkAdded += result.Added
		p.stats.SinkSkipped += result.Skipped
		metrics.ObserveBatch("delivered")
		p.logger.Info("batch delivered",
			zap.Int("chunks", len(batch)),
			zap.Int("added", result.Added),
			zap.Int("skipped", result.Skipped),
			zap.Int("delivered_total", p.stats.BatchesDelivered),
		)
	}
	if err := p.index.Flush(); err != nil {
		return fmt.Errorf("flush hash index: %w", err)
	}
	return nil
}
