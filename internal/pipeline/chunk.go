// Package pipeline turns extracted items into deduplicated chunk batches and
// hands them to the ingestion sink.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/threadharvest/internal/crawler"
	"github.com/JakeFAU/threadharvest/internal/hashindex"
)

// ErrInvalidChunking is returned for window settings that cannot make
// progress.
var ErrInvalidChunking = errors.New("invalid chunking configuration")

// ValidateWindow checks size and overlap.
func ValidateWindow(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidChunking, size)
	}
	if overlap < 0 {
		return fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidChunking, overlap)
	}
	if overlap >= size {
		return fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidChunking, overlap, size)
	}
	return nil
}

// Split cuts text into windows of size runes that overlap by overlap runes.
// The last window may be shorter; text no longer than size yields exactly one
// chunk holding the whole text.
func Split(text string, size, overlap int) ([]string, error) {
	if err := ValidateWindow(size, overlap); err != nil {
		return nil, err
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}, nil
	}
	step := size - overlap
	chunks := make([]string, 0, (len(runes)-overlap+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// AttachMetadata stamps each chunk with the item's metadata and its
// position.
func AttachMetadata(chunks []string, item crawler.RawItem) []crawler.Chunk {
	out := make([]crawler.Chunk, len(chunks))
	for i, text := range chunks {
		out[i] = crawler.Chunk{
			Text:     text,
			SourceID: item.ID,
			TargetID: item.TargetID,
			Title:    strings.TrimSpace(item.Title),
			Author:   strings.TrimSpace(item.Author),
			Date:     strings.TrimSpace(item.Date),
			Index:    i,
			Count:    len(chunks),
		}
	}
	return out
}

// FilterDuplicates accepts chunks whose fingerprint is not yet in index and
// adds each accepted fingerprint immediately, so identical chunks inside one
// call are accepted once. Accepted chunks keep their order.
func FilterDuplicates(chunks []crawler.Chunk, index crawler.HashIndex) ([]crawler.Chunk, int) {
	accepted := make([]crawler.Chunk, 0, len(chunks))
	skipped := 0
	for _, chunk := range chunks {
		fp := hashindex.Fingerprint(chunk.Text)
		if index.Contains(fp) {
			skipped++
			continue
		}
		index.Add(fp)
		chunk.Fingerprint = fp
		accepted = append(accepted, chunk)
	}
	return accepted, skipped
}
