package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

// BatchEvent is published after every delivered batch.
type BatchEvent struct {
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	Targets   []string  `json:"targets"`
	Chunks    int       `json:"chunks"`
	Added     int       `json:"added"`
	Skipped   int       `json:"skipped"`
	Delivered time.Time `json:"delivered_at"`
}

// NotifyingSink forwards batches to another sink and announces each
// successful delivery. Publish failures are logged and never fail the batch.
type NotifyingSink struct {
	next      crawler.IngestSink
	publisher crawler.Publisher
	topic     string
	runID     string
	logger    *zap.Logger
	now       func() time.Time

	mu  sync.Mutex
	seq int
}

var _ crawler.IngestSink = (*NotifyingSink)(nil)

// NewNotifyingSink wraps next.
func NewNotifyingSink(next crawler.IngestSink, publisher crawler.Publisher, topic, runID string, logger *zap.Logger) (*NotifyingSink, error) {
	if next == nil {
		return nil, errors.New("notifying sink: wrapped sink is required")
	}
	if publisher == nil {
		return nil, errors.New("notifying sink: publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyingSink{
		next:      next,
		publisher: publisher,
		topic:     topic,
		runID:     runID,
		logger:    logger.Named("notify"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ingest delivers batch and publishes a BatchEvent on success.
func (s *NotifyingSink) Ingest(ctx context.Context, batch []crawler.Chunk, skipDuplicates bool) (crawler.IngestResult, error) {
	result, err := s.next.Ingest(ctx, batch, skipDuplicates)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	event := BatchEvent{
		RunID:     s.runID,
		Sequence:  seq,
		Targets:   targetsOf(batch),
		Chunks:    len(batch),
		Added:     result.Added,
		Skipped:   result.Skipped,
		Delivered: s.now(),
	}
	id, pubErr := s.publisher.Publish(ctx, s.topic, event)
	if pubErr != nil {
		s.logger.Warn("batch notification failed", zap.Int("sequence", seq), zap.Error(pubErr))
		return result, nil
	}
	s.logger.Debug("batch notification published", zap.Int("sequence", seq), zap.String("message_id", id))
	return result, nil
}

func targetsOf(batch []crawler.Chunk) []string {
	seen := make(map[string]struct{})
	targets := make([]string, 0, 1)
	for _, c := range batch {
		if _, ok := seen[c.TargetID]; ok {
			continue
		}
		seen[c.TargetID] = struct{}{}
		targets = append(targets, c.TargetID)
	}
	return targets
}
