package stream

import (
	"fmt"
	"io"

	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
)

type batchRead struct {
	off int64
	buf []byte
}

// Batch collects reads of several tiles and issues them together
type Batch struct {
	stream *Stream
	reads  []batchRead
}

// Batch starts a new batch of reads
func (s *Stream) Batch() *Batch {
	return &Batch{stream: s}
}

// Add queues a read filling buf from off
func (b *Batch) Add(off int64, buf []byte) *Batch {
	b.reads = append(b.reads, batchRead{off: off, buf: buf})
	return b
}

// Len is the number of queued reads
func (b *Batch) Len() int {
	return len(b.reads)
}

// Flush reads every queued buffer with one coalesced read. Each buffer must
// lie inside the object. The batch is empty afterwards, whether Flush
// succeeds or not.
func (b *Batch) Flush() error {
	reads := b.reads
	b.reads = nil

	ranges := make([]coalesce.Range, 0, len(reads))
	for _, r := range reads {
		if len(r.buf) == 0 {
			continue
		}

		ranges = append(ranges, coalesce.Range{Start: r.off, End: r.off + int64(len(r.buf)) - 1})
	}

	if len(ranges) == 0 {
		return nil
	}

	got, err := b.stream.ReadRanges(ranges)
	if err != nil {
		return err
	}

	for _, r := range reads {
		if len(r.buf) == 0 {
			continue
		}

		// reads sharing a start resolve to the longest one
		data := got[r.off]
		if len(data) < len(r.buf) {
			return fmt.Errorf("stream: batch read at %d: %w", r.off, io.ErrUnexpectedEOF)
		}

		copy(r.buf, data[:len(r.buf)])
	}

	return nil
}
