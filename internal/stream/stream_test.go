package stream_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/cache"
	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/rangereader"
	"gitlab.com/gitlab-org/cogrange/internal/source"
	"gitlab.com/gitlab-org/cogrange/internal/stream"
)

const testData = "1234567890abcdefghij0987654321"

// memFetcher serves an in-memory object and counts its fetches
type memFetcher struct {
	data        []byte
	unknownSize bool
	fetches     atomic.Int32
}

func (f *memFetcher) Name() string { return "mem" }

func (f *memFetcher) Stat(context.Context) (backend.Identity, error) {
	if f.unknownSize {
		return backend.Identity{Size: -1}, nil
	}

	return backend.Identity{Size: int64(len(f.data))}, nil
}

func (f *memFetcher) Fetch(_ context.Context, offset, length int64) ([]byte, error) {
	f.fetches.Add(1)

	if offset >= int64(len(f.data)) {
		return nil, backend.ErrRangeNotSatisfiable
	}

	end := min(offset+length, int64(len(f.data)))

	return append([]byte(nil), f.data[offset:end]...), nil
}

func newStream(t *testing.T, data []byte, headerLength int64) (*stream.Stream, *memFetcher) {
	t.Helper()

	f := &memFetcher{data: data}

	return openStream(t, f, headerLength), f
}

func openStream(t *testing.T, f *memFetcher, headerLength int64, opts ...stream.Option) *stream.Stream {
	t.Helper()

	src, err := source.Parse("file:///data/object.tif")
	require.NoError(t, err)

	c := cache.New(cache.Config{MaxBytes: 64 << 20})
	t.Cleanup(c.Stop)

	r := rangereader.New(f, rangereader.Options{
		Source:       src,
		HeaderLength: headerLength,
		Cache:        c,
	})

	s, err := stream.New(context.Background(), r, opts...)
	require.NoError(t, err)

	return s
}

func TestSeekAndRead(t *testing.T) {
	tests := map[string]struct {
		offset          int64
		whence          int
		readSize        int
		expectedPos     int64
		expectedContent string
		expectedErr     error
	}{
		"start": {
			offset:          10,
			whence:          io.SeekStart,
			readSize:        5,
			expectedPos:     10,
			expectedContent: "abcde",
		},
		"current": {
			offset:          3,
			whence:          io.SeekCurrent,
			readSize:        3,
			expectedPos:     3,
			expectedContent: "456",
		},
		"end": {
			offset:          -4,
			whence:          io.SeekEnd,
			readSize:        10,
			expectedPos:     26,
			expectedContent: "4321",
		},
		"past_end": {
			offset:      100,
			whence:      io.SeekStart,
			readSize:    1,
			expectedPos: 100,
			expectedErr: io.EOF,
		},
		"negative": {
			offset:      -1,
			whence:      io.SeekStart,
			expectedErr: stream.ErrNegativePosition,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := newStream(t, []byte(testData), 8)

			pos, err := s.Seek(tt.offset, tt.whence)
			if err != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.Equal(t, tt.expectedPos, pos)

			buf := make([]byte, tt.readSize)
			n, err := s.Read(buf)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expectedContent, string(buf[:n]))
			require.Equal(t, tt.expectedPos+int64(n), s.Position())
		})
	}
}

func TestReadAll(t *testing.T) {
	s, _ := newStream(t, []byte(testData), 8)
	require.Equal(t, int64(len(testData)), s.Size())

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, testData, string(data))
}

func TestReadFully(t *testing.T) {
	s, _ := newStream(t, []byte(testData), 8)

	buf := make([]byte, 10)
	require.NoError(t, s.ReadFully(buf))
	require.Equal(t, "1234567890", string(buf))

	_, err := s.Seek(25, io.SeekStart)
	require.NoError(t, err)
	require.ErrorIs(t, s.ReadFully(buf), io.ErrUnexpectedEOF)

	_, err = s.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.ErrorIs(t, s.ReadFully(buf), io.ErrUnexpectedEOF)
}

func TestMarkReset(t *testing.T) {
	s, f := newStream(t, []byte(testData), 8)

	_, err := s.Seek(12, io.SeekStart)
	require.NoError(t, err)
	s.Mark()

	buf := make([]byte, 4)
	require.NoError(t, s.ReadFully(buf))
	require.Equal(t, "cdef", string(buf))

	fetches := f.fetches.Load()

	require.NoError(t, s.Reset())
	require.Equal(t, int64(12), s.Position())
	require.Equal(t, fetches, f.fetches.Load(), "reset makes no request")

	require.NoError(t, s.ReadFully(buf))
	require.Equal(t, "cdef", string(buf))
	require.Equal(t, fetches, f.fetches.Load(), "bytes read before come from the cache")
}

func TestReadAtLeavesCursor(t *testing.T) {
	s, _ := newStream(t, []byte(testData), 8)

	_, err := s.Seek(5, io.SeekStart)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()

			buf := make([]byte, 10)
			if _, err := s.ReadAt(buf, off); err != nil {
				errs <- err
				return
			}

			if string(buf) != testData[off:off+10] {
				errs <- io.ErrShortBuffer
			}
		}(int64(i * 2))
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(5), s.Position())

	buf := make([]byte, 10)
	n, err := s.ReadAt(buf, 25)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "54321", string(buf[:n]))
}

func TestReadAtEndOfUnknownSize(t *testing.T) {
	tests := map[string]struct {
		offset       int64
		length       int
		expectedData string
		expectedErr  error
	}{
		"inside": {
			offset:       10,
			length:       5,
			expectedData: "abcde",
		},
		"crossing_the_end": {
			offset:       25,
			length:       10,
			expectedData: "54321",
			expectedErr:  io.EOF,
		},
		"at_the_end": {
			offset:      30,
			length:      4,
			expectedErr: io.EOF,
		},
		"past_the_end": {
			offset:      100,
			length:      4,
			expectedErr: io.EOF,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := openStream(t, &memFetcher{data: []byte(testData), unknownSize: true}, 8)
			require.Equal(t, int64(-1), s.Size())

			buf := make([]byte, tt.length)
			n, err := s.ReadAt(buf, tt.offset)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			require.Equal(t, tt.expectedData, string(buf[:n]))
		})
	}
}

func TestReadAllOfUnknownSize(t *testing.T) {
	s := openStream(t, &memFetcher{data: []byte(testData), unknownSize: true}, 8)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, testData, string(data))
}

func TestHeaderReadsMakeNoRequest(t *testing.T) {
	s, f := newStream(t, []byte(testData), 16)
	require.Equal(t, int32(1), f.fetches.Load(), "the header is loaded on open")

	buf := make([]byte, 8)
	_, err := s.ReadAt(buf, 4)
	require.NoError(t, err)
	require.Equal(t, "567890ab", string(buf))
	require.Equal(t, int32(1), f.fetches.Load())
}

func TestBatch(t *testing.T) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 253)
	}

	s, f := newStream(t, data, 1024)
	before := f.fetches.Load()

	tiles := [][]byte{make([]byte, 100), make([]byte, 200), make([]byte, 300)}
	offsets := []int64{4096, 8192, 12288}

	b := s.Batch()
	for i, tile := range tiles {
		b.Add(offsets[i], tile)
	}
	require.Equal(t, 3, b.Len())

	require.NoError(t, b.Flush())
	require.Zero(t, b.Len())
	require.Equal(t, before+1, f.fetches.Load(), "close tiles are fetched together")

	for i, tile := range tiles {
		require.Equal(t, data[offsets[i]:offsets[i]+int64(len(tile))], tile)
	}

	short, long := make([]byte, 10), make([]byte, 50)
	require.NoError(t, s.Batch().Add(20000, long).Add(20000, short).Flush())
	require.Equal(t, data[20000:20010], short, "reads sharing a start get their own length")
	require.Equal(t, data[20000:20050], long)

	require.ErrorIs(t, s.Batch().Add(int64(len(data)), make([]byte, 1)).Flush(), backend.ErrRangeNotSatisfiable)
	require.NoError(t, s.Batch().Flush())
}

func TestReadRanges(t *testing.T) {
	s, _ := newStream(t, []byte(testData), 4)

	got, err := s.ReadRanges([]coalesce.Range{{Start: 10, End: 14}, {Start: 20, End: 21}})
	require.NoError(t, err)
	require.Equal(t, "abcde", string(got[10]))
	require.Equal(t, "09", string(got[20]))
}

func TestClose(t *testing.T) {
	s, _ := newStream(t, []byte(testData), 4)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), stream.ErrClosed)

	_, err := s.Read(make([]byte, 1))
	require.ErrorIs(t, err, stream.ErrClosed)

	_, err = s.Seek(0, io.SeekStart)
	require.ErrorIs(t, err, stream.ErrClosed)

	_, err = s.ReadRanges([]coalesce.Range{{Start: 0, End: 1}})
	require.ErrorIs(t, err, stream.ErrClosed)

	require.ErrorIs(t, s.Reset(), stream.ErrClosed)
}

func TestCloseReleases(t *testing.T) {
	var released int
	s := openStream(t, &memFetcher{data: []byte(testData)}, 4, stream.WithRelease(func() { released++ }))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), stream.ErrClosed)
	require.Equal(t, 1, released)
}
