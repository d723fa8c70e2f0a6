package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/hashindex"
)

// ChunkStore writes chunk batches into Postgres and implements
// crawler.IngestSink.
type ChunkStore struct {
	db    DB
	table string
	now   func() time.Time
}

var _ crawler.IngestSink = (*ChunkStore)(nil)

// NewChunkStore builds a store over db. An empty table defaults to "chunks".
func NewChunkStore(db DB, table string) (*ChunkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "chunks")
	if err != nil {
		return nil, err
	}
	return &ChunkStore{db: db, table: name, now: func() time.Time { return time.Now().UTC() }}, nil
}

// EnsureSchema creates the chunk table when missing.
func (s *ChunkStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	source_id   TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	target_id   TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	author      TEXT NOT NULL DEFAULT '',
	posted      TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	fingerprint CHAR(64) NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS %[1]s_fingerprint_idx ON %[1]s (fingerprint);`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Ingest writes batch in one transaction. With skipDuplicates, chunks whose
// fingerprint is already stored are skipped; otherwise rows are upserted by
// source and position.
func (s *ChunkStore) Ingest(ctx context.Context, batch []crawler.Chunk, skipDuplicates bool) (result crawler.IngestResult, err error) {
	if len(batch) == 0 {
		return crawler.IngestResult{}, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.IngestResult{}, fmt.Errorf("begin chunk batch: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback(ctx))
		}
	}()

	query := s.upsertQuery()
	if skipDuplicates {
		query = s.insertMissingQuery()
	}
	ingestedAt := s.now()
	for _, chunk := range batch {
		fp := chunk.Fingerprint
		if fp == "" {
			fp = hashindex.Fingerprint(chunk.Text)
		}
		tag, err := tx.Exec(ctx, query,
			chunk.SourceID,
			chunk.Index,
			chunk.Count,
			chunk.TargetID,
			chunk.Title,
			chunk.Author,
			chunk.Date,
			chunk.Text,
			fp,
			ingestedAt,
		)
		if err != nil {
			return crawler.IngestResult{}, fmt.Errorf("insert chunk %s: %w", chunk.Key(), err)
		}
		if tag.RowsAffected() > 0 {
			result.Added++
		} else {
			result.Skipped++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.IngestResult{}, fmt.Errorf("commit chunk batch: %w", err)
	}
	return result, nil
}

func (s *ChunkStore) insertMissingQuery() string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (source_id, chunk_index, chunk_count, target_id, title, author, posted, body, fingerprint, ingested_at)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE fingerprint = $9)
ON CONFLICT (source_id, chunk_index) DO NOTHING`, s.table)
}

func (s *ChunkStore) upsertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (source_id, chunk_index, chunk_count, target_id, title, author, posted, body, fingerprint, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (source_id, chunk_index) DO UPDATE SET
	chunk_count = EXCLUDED.chunk_count,
	target_id = EXCLUDED.target_id,
	title = EXCLUDED.title,
	author = EXCLUDED.author,
	posted = EXCLUDED.posted,
	body = EXCLUDED.body,
	fingerprint = EXCLUDED.fingerprint,
	ingested_at = EXCLUDED.ingested_at`, s.table)
}
