package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidItem marks a RawItem missing required metadata.
var ErrInvalidItem = errors.New("invalid raw item")

// CheckpointStatus represents the lifecycle state of a target's checkpoint.
type CheckpointStatus string

// Checkpoint status values persisted in the checkpoint store.
const (
	StatusInProgress CheckpointStatus = "in_progress"
	StatusComplete   CheckpointStatus = "complete"
)

// CrawlTarget is one logical source archive (e.g. one discussion group).
type CrawlTarget struct {
	ID       string `json:"id" mapstructure:"id"`
	URL      string `json:"url" mapstructure:"url"`
	MaxItems int    `json:"max_items" mapstructure:"max_items"`
}

// CheckpointRecord is the durable crawl progress of a single target.
type CheckpointRecord struct {
	TargetID   string           `json:"target_id"`
	ScrapedIDs []string         `json:"scraped_ids"`
	Cursor     int              `json:"cursor"`
	ItemsDone  int              `json:"items_done"`
	Status     CheckpointStatus `json:"status"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Complete reports whether the target finished a previous crawl.
func (r CheckpointRecord) Complete() bool {
	return r.Status == StatusComplete
}

// ItemRef points at a single thread discovered on a listing page. Title and
// Date are optional hints scraped from the listing row.
type ItemRef struct {
	ID    string
	Title string
	Date  string
}

// ListingPage is one page of a target's thread listing.
type ListingPage struct {
	Cursor  int
	Items   []ItemRef
	HasNext bool
}

// RawItem is a fully extracted thread.
type RawItem struct {
	ID       string `json:"url"`
	TargetID string `json:"target_id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Date     string `json:"date"`
	Body     string `json:"content"`
}

// Validate rejects items that cannot be ingested.
func (i RawItem) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if strings.TrimSpace(i.Body) == "" {
		return fmt.Errorf("%w: %s has empty body", ErrInvalidItem, i.ID)
	}
	return nil
}

// Chunk is a bounded slice of a RawItem body carrying its source metadata.
type Chunk struct {
	Text        string `json:"text"`
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Date        string `json:"date"`
	Index       int    `json:"chunk_index"`
	Count       int    `json:"chunk_count"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Key identifies the chunk position within its source item.
func (c Chunk) Key() string {
	return fmt.Sprintf("%s#%04d", c.SourceID, c.Index)
}

// IngestResult is what a sink reports for a delivered batch.
type IngestResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// RunStats summarizes a run. Every skip, retry and failure is counted here.
type RunStats struct {
	TargetsCompleted  int `json:"targets_completed"`
	TargetsFailed     int `json:"targets_failed"`
	TargetsSkipped    int `json:"targets_skipped"`
	ListingPages      int `json:"listing_pages"`
	ItemsScraped      int `json:"items_scraped"`
	ItemsSkippedKnown int `json:"items_skipped_known"`
	ItemsFailed       int `json:"items_failed"`
	FetchRetries      int `json:"fetch_retries"`
	ChunksAccepted    int `json:"chunks_accepted"`
	ChunksSkipped     int `json:"chunks_skipped"`
	BatchesDelivered  int `json:"batches_delivered"`
	BatchesFailed     int `json:"batches_failed"`
	SinkAdded         int `json:"sink_added"`
	SinkSkipped       int `json:"sink_skipped"`
}

// Add folds other into s.
func (s *RunStats) Add(other RunStats) {
	s.TargetsCompleted += other.TargetsCompleted
	s.TargetsFailed += other.TargetsFailed
	s.TargetsSkipped += other.TargetsSkipped
	s.ListingPages += other.ListingPages
	s.ItemsScraped += other.ItemsScraped
	s.ItemsSkippedKnown += other.ItemsSkippedKnown
	s.ItemsFailed += other.ItemsFailed
	s.FetchRetries += other.FetchRetries
	s.ChunksAccepted += other.ChunksAccepted
	s.ChunksSkipped += other.ChunksSkipped
	s.BatchesDelivered += other.BatchesDelivered
	s.BatchesFailed += other.BatchesFailed
	s.SinkAdded += other.SinkAdded
	s.SinkSkipped += other.SinkSkipped
}
