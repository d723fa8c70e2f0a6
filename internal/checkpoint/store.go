// Package checkpoint persists per-target crawl progress as one JSON document
// per target. Every mutation is written with write-then-rename before it
// returns, so a crash never leaves a half-written record behind.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

var (
	// ErrCorrupt marks a checkpoint file that cannot be trusted.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrCursorRegression is returned when a cursor would move backwards.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrNotLoaded is returned when a target is mutated before Load.
	ErrNotLoaded = errors.New("checkpoint not loaded")
	// ErrNoCheckpoint is returned by Reset when the target has no checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint")
)

const fileExt = ".json"

// Options configures a Store.
type Options struct {
	Dir string
	// Recover treats unreadable checkpoint files as empty instead of failing.
	Recover bool
	Logger  *zap.Logger
	Now     func() time.Time
}

type entry struct {
	record crawler.CheckpointRecord
	known  map[string]struct{}
}

// Store is a file-backed crawler.CheckpointStore.
type Store struct {
	dir     string
	recover bool
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

var _ crawler.CheckpointStore = (*Store)(nil)

// Open prepares the checkpoint directory.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("checkpoint: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		dir:     opts.Dir,
		recover: opts.Recover,
		logger:  logger.Named("checkpoint"),
		now:     now,
		entries: make(map[string]*entry),
	}, nil
}

// Path returns the file backing targetID.
func (s *Store) Path(targetID string) string {
	return filepath.Join(s.dir, crawler.SafeFileName(targetID)+fileExt)
}

// Load returns the record for targetID. A missing file yields a fresh
// in-progress record; it never fails on absence.
func (s *Store) Load(_ context.Context, targetID string) (crawler.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.load(targetID)
	if err != nil {
		return crawler.CheckpointRecord{}, err
	}
	return cloneRecord(e.record), nil
}

// IsKnown reports whether itemID was already recorded for targetID. Targets
// that were never loaded know nothing.
func (s *Store) IsKnown(targetID, itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok {
		return false
	}
	_, known := e.known[itemID]
	return known
}

// RecordItem adds itemID and flushes durably before returning. Recording an
// already known item is a no-op.
func (s *Store) RecordItem(_ context.Context, targetID, itemID string) error {
	if strings.TrimSpace(itemID) == "" {
		return fmt.Errorf("record item for %s: empty id", targetID)
	}
	return s.mutate(targetID, func(rec *crawler.CheckpointRecord, known map[string]struct{}) (bool, error) {
		if _, ok := known[itemID]; ok {
			return false, nil
		}
		rec.ScrapedIDs = append(rec.ScrapedIDs, itemID)
		rec.ItemsDone = len(rec.ScrapedIDs)
		return true, nil
	})
}

// AdvanceCursor moves the listing cursor forward. Equal values are a no-op
// and smaller values are rejected with ErrCursorRegression.
func (s *Store) AdvanceCursor(_ context.Context, targetID string, cursor int) error {
	return s.mutate(targetID, func(rec *crawler.CheckpointRecord, _ map[string]struct{}) (bool, error) {
		switch {
		case cursor < rec.Cursor:
			return false, fmt.Errorf("%w: %s from %d to %d", ErrCursorRegression, targetID, rec.Cursor, cursor)
		case cursor == rec.Cursor:
			return false, nil
		}
		rec.Cursor = cursor
		return true, nil
	})
}

// MarkComplete flags the target as fully crawled.
func (s *Store) MarkComplete(_ context.Context, targetID string) error {
	return s.mutate(targetID, func(rec *crawler.CheckpointRecord, _ map[string]struct{}) (bool, error) {
		if rec.Status == crawler.StatusComplete {
			return false, nil
		}
		rec.Status = crawler.StatusComplete
		return true, nil
	})
}

// Reopen returns a completed target to in_progress with the cursor at the
// start. Recorded items are kept, so only new items will be extracted.
func (s *Store) Reopen(_ context.Context, targetID string) error {
	return s.mutate(targetID, func(rec *crawler.CheckpointRecord, _ map[string]struct{}) (bool, error) {
		rec.Status = crawler.StatusInProgress
		rec.Cursor = 0
		return true, nil
	})
}

// Reset destroys the checkpoint for targetID. It is the only way to remove
// recorded items. A target without a checkpoint file yields ErrNoCheckpoint.
func (s *Store) Reset(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, targetID)
	if err := os.Remove(s.Path(targetID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w for target %q", ErrNoCheckpoint, targetID)
		}
		return fmt.Errorf("remove checkpoint %s: %w", targetID, err)
	}
	s.logger.Info("checkpoint reset", zap.String("target", targetID))
	return nil
}

// List reads every checkpoint in the directory, sorted by target ID.
func (s *Store) List(_ context.Context) ([]crawler.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	records := make([]crawler.CheckpointRecord, 0, len(matches))
	for _, path := range matches {
		rec, err := readRecord(path, "")
		if err != nil {
			if s.recover {
				s.logger.Warn("skipping unreadable checkpoint", zap.String("path", path), zap.Error(err))
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TargetID < records[j].TargetID })
	return records, nil
}

// mutate applies fn to a loaded record and persists it when fn reports a
// change. The cached record only changes once the write succeeded.
func (s *Store) mutate(targetID string, fn func(*crawler.CheckpointRecord, map[string]struct{}) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[targetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, targetID)
	}
	next := cloneRecord(e.record)
	changed, err := fn(&next, e.known)
	if err != nil || !changed {
		return err
	}
	next.UpdatedAt = s.now()
	if err := s.write(next); err != nil {
		return err
	}
	for _, id := range next.ScrapedIDs[len(e.record.ScrapedIDs):] {
		e.known[id] = struct{}{}
	}
	e.record = next
	return nil
}

func (s *Store) load(targetID string) (*entry, error) {
	if e, ok := s.entries[targetID]; ok {
		return e, nil
	}
	path := s.Path(targetID)
	rec, err := readRecord(path, targetID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		rec = freshRecord(targetID)
	case err != nil:
		if !s.recover {
			return nil, err
		}
		s.logger.Warn("discarding unreadable checkpoint",
			zap.String("target", targetID),
			zap.String("path", path),
			zap.Error(err),
		)
		rec = freshRecord(targetID)
	}
	e := &entry{record: rec, known: knownSet(rec.ScrapedIDs)}
	s.entries[targetID] = e
	return e, nil
}

func (s *Store) write(rec crawler.CheckpointRecord) error {
	out := cloneRecord(rec)
	sort.Strings(out.ScrapedIDs)
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", rec.TargetID, err)
	}
	if err := renameio.WriteFile(s.Path(rec.TargetID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", rec.TargetID, err)
	}
	return nil
}

// readRecord decodes and validates one checkpoint file. When wantID is set
// the record must belong to that target.
func readRecord(path, wantID string) (crawler.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return crawler.CheckpointRecord{}, err
		}
		return crawler.CheckpointRecord{}, fmt.Errorf("%w: read %s: %w", ErrCorrupt, path, err)
	}
	var rec crawler.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("%w: decode %s: %w", ErrCorrupt, path, err)
	}
	if err := validate(rec, wantID); err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	return rec, nil
}

func validate(rec crawler.CheckpointRecord, wantID string) error {
	if rec.TargetID == "" {
		return errors.New("missing target_id")
	}
	if wantID != "" && rec.TargetID != wantID {
		return fmt.Errorf("target_id %q does not match %q", rec.TargetID, wantID)
	}
	if rec.Status != crawler.StatusInProgress && rec.Status != crawler.StatusComplete {
		return fmt.Errorf("unknown status %q", rec.Status)
	}
	if rec.Cursor < 0 {
		return fmt.Errorf("negative cursor %d", rec.Cursor)
	}
	if rec.ItemsDone != len(rec.ScrapedIDs) {
		return fmt.Errorf("items_done %d does not match %d scraped ids", rec.ItemsDone, len(rec.ScrapedIDs))
	}
	if len(knownSet(rec.ScrapedIDs)) != len(rec.ScrapedIDs) {
		return errors.New("duplicate scraped ids")
	}
	return nil
}

func freshRecord(targetID string) crawler.CheckpointRecord {
	return crawler.CheckpointRecord{
		TargetID:   targetID,
		ScrapedIDs: []string{},
		Status:     crawler.StatusInProgress,
	}
}

func cloneRecord(rec crawler.CheckpointRecord) crawler.CheckpointRecord {
	rec.ScrapedIDs = slices.Clone(rec.ScrapedIDs)
	if rec.ScrapedIDs == nil {
		rec.ScrapedIDs = []string{}
	}
	return rec
}

func knownSet(ids []string) map[string]struct{} {
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return known
}
