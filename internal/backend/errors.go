package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the object does not exist
	ErrNotFound = errors.New("object not found")

	// ErrUnauthorized is returned when the backend rejects the credentials.
	// It is never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRangeNotSatisfiable is returned when a range starts or ends beyond
	// the end of the object. It is never retried.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrInvalidRange is returned for malformed ranges before any request is made
	ErrInvalidRange = errors.New("invalid range")

	// ErrContentHasChanged is returned when the object changed since its identity was resolved
	ErrContentHasChanged = errors.New("content has changed since first request")

	// ErrRangeRequestsNotSupported is returned when the remote server ignores
	// the Range header
	ErrRangeRequestsNotSupported = errors.New("range requests are not supported by the remote server")
)

// RangeError attaches the diagnostic context of a failed fetch
type RangeError struct {
	Source  string
	Backend string
	Offset  int64
	Length  int64
	Err     error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: fetch %s [%d, %d): %v", e.Backend, e.Source, e.Offset, e.Offset+e.Length, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// NewRangeError wraps err unless it already carries range context
func NewRangeError(f Fetcher, src string, offset, length int64, err error) error {
	var rangeErr *RangeError
	if errors.As(err, &rangeErr) {
		return err
	}

	return &RangeError{
		Source:  src,
		Backend: f.Name(),
		Offset:  offset,
		Length:  length,
		Err:     err,
	}
}

// IsRetryable reports whether err is a transient failure worth another attempt
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRangeNotSatisfiable),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrContentHasChanged),
		errors.Is(err, ErrRangeRequestsNotSupported),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
