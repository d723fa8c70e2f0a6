package crawler

import (
	"context"
	"io"
	"time"
)

// Extractor locates threads on listing pages and extracts their content. The
// controller treats it as a black box.
type Extractor interface {
	Listing(ctx context.Context, target CrawlTarget, cursor int) (ListingPage, error)
	Item(ctx context.Context, target CrawlTarget, ref ItemRef) (RawItem, error)
}

// ItemHandler consumes every successfully extracted item exactly once.
type ItemHandler interface {
	HandleItem(ctx context.Context, item RawItem) error
	Flush(ctx context.Context) error
}

// IngestSink accepts chunk batches for downstream storage/embedding.
type IngestSink interface {
	Ingest(ctx context.Context, batch []Chunk, skipDuplicates bool) (IngestResult, error)
}

// CheckpointStore persists per-target crawl progress.
type CheckpointStore interface {
	Load(ctx context.Context, targetID string) (CheckpointRecord, error)
	IsKnown(targetID, itemID string) bool
	RecordItem(ctx context.Context, targetID, itemID string) error
	AdvanceCursor(ctx context.Context, targetID string, cursor int) error
	MarkComplete(ctx context.Context, targetID string) error
	Reopen(ctx context.Context, targetID string) error
}

// HashIndex is the process-wide set of accepted chunk fingerprints.
type HashIndex interface {
	Contains(fingerprint string) bool
	Add(fingerprint string)
	Flush() error
}

// PageFetcher retrieves a single page body.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// BlobStore writes batch artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes batch notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// FetchResponse is the result returned by a PageFetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ItemJournal durably records extracted items before they are checkpointed.
type ItemJournal interface {
	Append(item RawItem) error
}

// RateLimiter gates fetches per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}
