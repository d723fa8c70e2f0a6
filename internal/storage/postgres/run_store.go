package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

// Run statuses recorded in the run table.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// RunStore records one row per harvest run with its final statistics.
type RunStore struct {
	db    DB
	table string
}

// NewRunStore builds a store over db. An empty table defaults to
// "harvest_runs".
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "harvest_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: name}, nil
}

// EnsureSchema creates the run table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	command       TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	stats         JSONB,
	error_message TEXT
);`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// StartRun inserts a running row.
func (s *RunStore) StartRun(ctx context.Context, runID, command string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, command, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.db.Exec(ctx, query, runID, command, startedAt, RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and statistics of a run.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	status string,
	stats crawler.RunStats,
	errMsg *string,
) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, stats = $3, error_message = $4
WHERE id = $5`, s.table)
	tag, err := s.db.Exec(ctx, query, finishedAt, status, statsJSON, errMsg, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}
