package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/hashindex"
)

// ContentTypeJSONL is the content type of exported batch objects.
const ContentTypeJSONL = "application/x-ndjson"

// BlobSink writes every batch as one JSONL object named
// <prefix>/<runID>/batch-NNNNN.jsonl. With skipDuplicates it drops chunks
// whose fingerprint it already exported during this run.
type BlobSink struct {
	store  crawler.BlobStore
	prefix string
	runID  string

	mu       sync.Mutex
	seq      int
	exported map[string]struct{}
	lastURI  string
}

var _ crawler.IngestSink = (*BlobSink)(nil)

// NewBlobSink builds a sink over store. runID separates the objects of
// different runs.
func NewBlobSink(store crawler.BlobStore, prefix, runID string) (*BlobSink, error) {
	if store == nil {
		return nil, errors.New("blob sink: store is required")
	}
	if runID == "" {
		return nil, errors.New("blob sink: run id is required")
	}
	return &BlobSink{
		store:    store,
		prefix:   prefix,
		runID:    runID,
		exported: make(map[string]struct{}),
	}, nil
}

// ObjectPath returns the object name for batch number seq.
func (s *BlobSink) ObjectPath(seq int) string {
	return path.Join(s.prefix, s.runID, fmt.Sprintf("batch-%05d.jsonl", seq))
}

// LastURI returns the URI of the most recently written object.
func (s *BlobSink) LastURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURI
}

// Ingest encodes batch and uploads it. Nothing is written when every chunk
// was skipped.
func (s *BlobSink) Ingest(ctx context.Context, batch []crawler.Chunk, skipDuplicates bool) (crawler.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		buf     bytes.Buffer
		result  crawler.IngestResult
		written []string
	)
	enc := json.NewEncoder(&buf)
	seen := make(map[string]struct{}, len(batch))
	for _, chunk := range batch {
		if chunk.Fingerprint == "" {
			chunk.Fingerprint = hashindex.Fingerprint(chunk.Text)
		}
		if skipDuplicates {
			_, before := s.exported[chunk.Fingerprint]
			_, inBatch := seen[chunk.Fingerprint]
			if before || inBatch {
				result.Skipped++
				continue
			}
		}
		if err := enc.Encode(chunk); err != nil {
			return crawler.IngestResult{}, fmt.Errorf("encode chunk %s: %w", chunk.Key(), err)
		}
		seen[chunk.Fingerprint] = struct{}{}
		written = append(written, chunk.Fingerprint)
		result.Added++
	}
	if result.Added == 0 {
		return result, nil
	}

	s.seq++
	uri, err := s.store.PutObject(ctx, s.ObjectPath(s.seq), ContentTypeJSONL, &buf)
	if err != nil {
		return crawler.IngestResult{}, fmt.Errorf("upload batch %d: %w", s.seq, err)
	}
	for _, fp := range written {
		s.exported[fp] = struct{}{}
	}
	s.lastURI = uri
	return result, nil
}
