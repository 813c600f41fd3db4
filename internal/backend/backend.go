// Package backend defines the capability every storage adapter provides:
// fetching one byte range of one remote object in a single round trip.
package backend

import (
	"context"
	"io"

	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Fetcher performs physical range fetches against one Source.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	// Fetch returns the bytes in [offset, offset+length) with exactly one
	// request. A response shorter than length is returned as-is when the
	// backend ends the object early.
	Fetch(ctx context.Context, offset, length int64) ([]byte, error)

	// Stat resolves the identity metadata of the Source
	Stat(ctx context.Context) (Identity, error)

	// Name is the backend name used in logs and metric labels
	Name() string
}

// Identity is the resolved metadata of a Source
type Identity struct {
	Source source.Source
	// URL is the concrete endpoint serving the object
	URL string
	// Size is the object size in bytes, -1 when unknown
	Size int64
	// ETag is the entity tag or generation reported by the backend, if any
	ETag string
}

// Close releases the resources held by f, looking through the wrappers
// added by WithRetry, WithTimeout, WithRateLimit and WithMetrics
func Close(f Fetcher) error {
	for f != nil {
		if closer, ok := f.(io.Closer); ok {
			return closer.Close()
		}

		wrapper, ok := f.(interface{ Unwrap() Fetcher })
		if !ok {
			return nil
		}

		f = wrapper.Unwrap()
	}

	return nil
}
