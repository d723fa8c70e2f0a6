// Package corpus reads and writes the CSV journal of extracted threads. The
// journal is the raw corpus: it can be replayed through the pipeline with
// the ingest command.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

// Header lists the journal columns in write order.
var Header = []string{"target_id", "url", "title", "author", "date", "content"}

var requiredColumns = []string{"url", "title", "content"}

// ErrMissingColumns is returned for CSV files lacking required columns.
var ErrMissingColumns = errors.New("csv missing required columns")

// Journal appends items to a CSV file. Each Append is synced to disk before
// it returns.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

var _ crawler.ItemJournal = (*Journal)(nil)

// OpenJournal opens path for appending and writes the header to a new file.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	j := &Journal{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := j.writeRow(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return j, nil
}

// Append writes one item row.
func (j *Journal) Append(item crawler.RawItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeRow([]string{item.TargetID, item.ID, item.Title, item.Author, item.Date, item.Body})
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("flush journal: %w", err)
	}
	return j.file.Close()
}

func (j *Journal) writeRow(row []string) error {
	if err := j.w.Write(row); err != nil {
		return fmt.Errorf("write journal row: %w", err)
	}
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// ReadResult is the outcome of reading a journal.
type ReadResult struct {
	Items []crawler.RawItem
	// SkippedEmpty counts rows without content.
	SkippedEmpty int
}

// ReadFile loads every row of a journal CSV.
func ReadFile(path string) (ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("open csv: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Read(f)
}

// Read parses journal rows from r. Columns are matched by header name, so
// files written by other tools work as long as url, title and content exist.
func Read(r io.Reader) (ReadResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ReadResult{}, fmt.Errorf("%w: empty file", ErrMissingColumns)
		}
		return ReadResult{}, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var result ReadResult
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read csv row: %w", err)
		}
		item := crawler.RawItem{
			ID:       strings.TrimSpace(field(row, "url")),
			TargetID: field(row, "target_id"),
			Title:    field(row, "title"),
			Author:   field(row, "author"),
			Date:     field(row, "date"),
			Body:     field(row, "content"),
		}
		if strings.TrimSpace(item.Body) == "" {
			result.SkippedEmpty++
			continue
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}
