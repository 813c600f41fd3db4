// Package coalesce turns an unordered set of requested byte ranges into the
// smallest set of backend fetches worth issuing, and cuts the fetched
// buffers back into the requested ranges.
package coalesce

import (
	"fmt"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
)

var (
	// ErrEmptyRange is returned for a range that selects no bytes
	ErrEmptyRange = fmt.Errorf("%w: zero-length range", backend.ErrInvalidRange)
	// ErrInvertedRange is returned for a range whose end precedes its start
	ErrInvertedRange = fmt.Errorf("%w: end before start", backend.ErrInvalidRange)
	// ErrNegativeOffset is returned for a range starting before the object
	ErrNegativeOffset = fmt.Errorf("%w: negative offset", backend.ErrInvalidRange)
)

// Range is an inclusive [Start, End] byte interval in absolute object offsets
type Range struct {
	Start int64
	End   int64
}

// Len is the number of bytes selected by r
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Validate rejects malformed ranges before any network call is made
func (r Range) Validate() error {
	switch {
	case r.Start < 0:
		return fmt.Errorf("%v: %w", r, ErrNegativeOffset)
	case r.End == r.Start-1:
		return fmt.Errorf("%v: %w", r, ErrEmptyRange)
	case r.End < r.Start:
		return fmt.Errorf("%v: %w", r, ErrInvertedRange)
	}

	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Fetch is one physical request of Length bytes starting at Offset
type Fetch struct {
	Offset int64
	Length int64
}

// End is the exclusive end offset of f
func (f Fetch) End() int64 {
	return f.Offset + f.Length
}

// Contains reports whether r lies entirely inside f
func (f Fetch) Contains(r Range) bool {
	return r.Start >= f.Offset && r.End < f.End()
}

// Result binds the bytes of a physical fetch to the offset they start at.
// Data may be shorter than the fetch that produced it when the object ends
// early.
type Result struct {
	Offset int64
	Data   []byte
}

// End is the exclusive end offset of the bytes held by res
func (res Result) End() int64 {
	return res.Offset + int64(len(res.Data))
}

// Covers reports whether res holds every byte of r
func (res Result) Covers(r Range) bool {
	return r.Start >= res.Offset && r.End < res.End()
}
