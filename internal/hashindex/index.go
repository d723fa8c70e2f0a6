// Package hashindex keeps the process-wide set of accepted chunk
// fingerprints. It is the second dedup level after the checkpoint's URL set:
// identical text reached through different threads is ingested only once.
package hashindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

// ErrCorrupt marks a hash file with malformed lines.
var ErrCorrupt = errors.New("hash index corrupt")

var (
	fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	// tornTail matches what an interrupted append leaves on the last line.
	tornTail = regexp.MustCompile(`^[0-9a-f]{0,63}$`)
)

// Normalize lowercases text and collapses every whitespace run to a single
// space. Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Fingerprint is the lowercase hex SHA-256 of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Options configures Open.
type Options struct {
	Path string
	// Recover starts from an empty index when the file is malformed.
	Recover bool
	Logger  *zap.Logger
}

// Index is a file-backed fingerprint set. It only grows during a run, so
// Flush appends new fingerprints instead of rewriting the file.
type Index struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	// order[:flushed] is on disk. rewrite forces the next Flush to replace
	// the file, after recovery or when it is not one fingerprint per line.
	flushed int
	rewrite bool
}

// Open loads the index from path. A missing file yields an empty index.
func Open(opts Options) (*Index, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("hashindex: path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{
		path:   opts.Path,
		logger: logger.Named("hashindex"),
		set:    make(map[string]struct{}),
	}
	if err := idx.read(); err != nil {
		if !errors.Is(err, ErrCorrupt) || !opts.Recover {
			return nil, err
		}
		idx.logger.Warn("discarding malformed hash index", zap.String("path", opts.Path), zap.Error(err))
		idx.set = make(map[string]struct{})
		idx.order = nil
		idx.rewrite = true
	}
	idx.flushed = len(idx.order)
	idx.logger.Debug("hash index loaded", zap.String("path", opts.Path), zap.Int("fingerprints", len(idx.order)))
	return idx, nil
}

// NewMemory returns an index that is never persisted.
func NewMemory() *Index {
	return &Index{logger: zap.NewNop(), set: make(map[string]struct{})}
}

// Contains reports whether the fingerprint was accepted before.
func (i *Index) Contains(fingerprint string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.set[fingerprint]
	return ok
}

// Add inserts a fingerprint; adding a present value is a no-op.
func (i *Index) Add(fingerprint string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.set[fingerprint]; ok {
		return
	}
	i.set[fingerprint] = struct{}{}
	i.order = append(i.order, fingerprint)
}

// Len returns the number of fingerprints.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.order)
}

// Flush appends the fingerprints added since the last flush and syncs the
// file. The file is rewritten atomically instead when it was recovered or
// not canonical on open, or when a previous append failed.
func (i *Index) Flush() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.path == "" || (!i.rewrite && i.flushed == len(i.order)) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("create hash index dir: %w", err)
	}
	if i.rewrite {
		if err := renameio.WriteFile(i.path, lines(i.order), 0o644); err != nil {
			return fmt.Errorf("write hash index: %w", err)
		}
		i.rewrite = false
		i.flushed = len(i.order)
		return nil
	}
	if err := i.appendPending(); err != nil {
		i.rewrite = true
		return err
	}
	i.flushed = len(i.order)
	return nil
}

func (i *Index) appendPending() (err error) {
	f, err := os.OpenFile(i.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open hash index: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close hash index: %w", cerr)
		}
	}()
	if _, err := f.Write(lines(i.order[i.flushed:])); err != nil {
		return fmt.Errorf("append hash index: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync hash index: %w", err)
	}
	return nil
}

func lines(fps []string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(fps) * 65)
	for _, fp := range fps {
		buf.WriteString(fp)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (i *Index) read() error {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open hash index: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	rows := strings.Split(string(data), "\n")
	last := len(rows) - 1
	terminated := rows[last] == ""
	if !terminated {
		i.rewrite = true
	}
	for n, row := range rows {
		fp := strings.TrimSpace(row)
		if fp != row {
			i.rewrite = true
		}
		if fp == "" {
			if n != last {
				i.rewrite = true
			}
			continue
		}
		if !fingerprintPattern.MatchString(fp) {
			if n == last && !terminated && tornTail.MatchString(fp) {
				i.logger.Warn("dropping partial fingerprint from interrupted append", zap.String("path", i.path))
				continue
			}
			return fmt.Errorf("%w: %s line %d", ErrCorrupt, i.path, n+1)
		}
		if _, ok := i.set[fp]; ok {
			i.rewrite = true
			continue
		}
		i.set[fp] = struct{}{}
		i.order = append(i.order, fp)
	}
	return nil
}
