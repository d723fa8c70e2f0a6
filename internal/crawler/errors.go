package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrExtraction signals content that was fetched but could not be parsed.
	// It is never retried.
	ErrExtraction = errors.New("extraction failed")
	// ErrTargetFailed is returned when a target ends in the Failed state.
	ErrTargetFailed = errors.New("target failed")
)

// StatusError reports a non-success HTTP status from a fetch.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}
