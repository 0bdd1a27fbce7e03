package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra context.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrCancelled    = errors.New("operation cancelled")
)

// NetworkError wraps DNS, connect, TLS, and timeout failures as well as
// HTTP statuses that were still retryable when the retries ran out.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-retriable HTTP status surfaced to the caller.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// ParseError indicates a fetched body could not be parsed as HTML or JSON.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError indicates a filesystem or catalog failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DiskSpaceError indicates the pre-flight free-space check failed.
// It is never retried.
type DiskSpaceError struct {
	Path     string
	Required uint64
	Free     uint64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %d bytes, have %d", e.Path, e.Required, e.Free)
}
