package sink

import (
	"context"
	"sync/atomic"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

// DiscardSink accepts every batch and keeps only a chunk count.
type DiscardSink struct {
	chunks atomic.Int64
}

var _ crawler.IngestSink = (*DiscardSink)(nil)

// Ingest counts batch as added.
func (d *DiscardSink) Ingest(_ context.Context, batch []crawler.Chunk, _ bool) (crawler.IngestResult, error) {
	d.chunks.Add(int64(len(batch)))
	return crawler.IngestResult{Added: len(batch)}, nil
}

// Chunks returns the number of chunks received so far.
func (d *DiscardSink) Chunks() int {
	return int(d.chunks.Load())
}
