// Package stream exposes a remote object as a seekable byte stream for
// decoders. Every read goes through a rangereader.Reader, so the header,
// the cache and range coalescing are shared with direct range reads.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/rangereader"
)

var (
	// ErrClosed is returned by every operation on a closed Stream
	ErrClosed = errors.New("stream: closed")

	// ErrNegativePosition is returned when a seek would move before the start
	ErrNegativePosition = errors.New("stream: negative position")

	// ErrUnknownSize is returned for io.SeekEnd when the size is unknown
	ErrUnknownSize = errors.New("stream: object size unknown")
)

// Stream is an io.ReadSeekCloser and io.ReaderAt over one object. Read,
// Seek and the cursor methods are not safe for concurrent use. ReadAt,
// ReadRanges and Batch are.
type Stream struct {
	ctx    context.Context
	reader *rangereader.Reader
	size   int64

	pos  int64
	mark int64

	release func()

	mux    sync.RWMutex
	closed bool
}

// Option configures a Stream
type Option func(*Stream)

// WithRelease makes Close call release, the first time only
func WithRelease(release func()) Option {
	return func(s *Stream) {
		s.release = release
	}
}

var (
	_ io.ReadSeekCloser = (*Stream)(nil)
	_ io.ReaderAt       = (*Stream)(nil)
)

// New opens a Stream reading through reader. The header is loaded eagerly
// since decoders start there. ctx bounds every read of the Stream.
func New(ctx context.Context, reader *rangereader.Reader, opts ...Option) (*Stream, error) {
	size, err := reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := reader.ReadHeader(ctx); err != nil {
		return nil, err
	}

	s := &Stream{ctx: ctx, reader: reader, size: size}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Size is the object size, -1 when unknown
func (s *Stream) Size() int64 {
	return s.size
}

// Position is the current cursor
func (s *Stream) Position() int64 {
	return s.pos
}

// Mark remembers the current cursor for Reset
func (s *Stream) Mark() {
	s.mark = s.pos
}

// Reset moves the cursor back to the last Mark, or to the start. No request
// is made.
func (s *Stream) Reset() error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	s.pos = s.mark

	return nil
}

func (s *Stream) checkClosed() error {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// Seek implements io.Seeker. Seeking past the end is allowed, reads there
// return io.EOF.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	var pos int64

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		if s.size < 0 {
			return 0, ErrUnknownSize
		}
		pos = s.size + offset
	default:
		return 0, fmt.Errorf("stream: invalid whence %d", whence)
	}

	if pos < 0 {
		return 0, ErrNegativePosition
	}

	s.pos = pos

	return pos, nil
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)

	if n > 0 && errors.Is(err, io.EOF) {
		// io.Reader may report the end with the next call
		return n, nil
	}

	return n, err
}

// ReadFully fills p from the cursor. It returns io.ErrUnexpectedEOF when
// the object ends first.
func (s *Stream) ReadFully(p []byte) error {
	_, err := io.ReadFull(s, p)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}

// ReadAt implements io.ReaderAt. The cursor is not moved.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	if off < 0 {
		return 0, ErrNegativePosition
	}

	if len(p) == 0 {
		return 0, nil
	}

	if s.size >= 0 && off >= s.size {
		return 0, io.EOF
	}

	got, err := s.reader.ReadAvailable(s.ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}

	n := copy(p, got)
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// ReadRanges reads a batch of ranges with a single coalesced read
func (s *Stream) ReadRanges(ranges []coalesce.Range) (map[int64][]byte, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	return s.reader.Read(s.ctx, ranges)
}

// Close releases the Stream. The underlying reader and its cache stay
// usable by others.
func (s *Stream) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true

	if s.release != nil {
		s.release()
	}

	return nil
}
