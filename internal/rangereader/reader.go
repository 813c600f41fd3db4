// Package rangereader serves byte ranges of one remote object. It keeps the
// object header in memory, shares every fetched byte through the cache and
// merges the misses of a read into as few physical fetches as possible.
package rangereader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/cache"
	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/logging"
	"gitlab.com/gitlab-org/cogrange/internal/source"
	"gitlab.com/gitlab-org/cogrange/metrics"
)

// Options configure a Reader. Zero values select defaults.
type Options struct {
	Source source.Source
	// HeaderLength is the number of leading bytes ReadHeader loads
	HeaderLength int64
	Coalesce     coalesce.Config
	// Parallelism bounds the concurrent fetches of one Read, 0 means no limit
	Parallelism int
	// Cache defaults to cache.Default()
	Cache *cache.Cache
	// Identity skips the Stat call when the metadata is already known
	Identity *backend.Identity
}

// Reader reads ranges of one Source. It is safe for concurrent use.
type Reader struct {
	fetcher      backend.Fetcher
	src          source.Source
	namespace    string
	headerLength int64
	coalesce     coalesce.Config
	parallelism  int
	cache        *cache.Cache

	mux      sync.Mutex
	identity *backend.Identity
	header   []byte
}

// New creates a Reader fetching through fetcher
func New(fetcher backend.Fetcher, opts Options) *Reader {
	r := &Reader{
		fetcher:      fetcher,
		src:          opts.Source,
		namespace:    opts.Source.String(),
		headerLength: opts.HeaderLength,
		coalesce:     opts.Coalesce,
		parallelism:  opts.Parallelism,
		cache:        opts.Cache,
		identity:     opts.Identity,
	}

	if r.headerLength <= 0 {
		r.headerLength = opts.Source.DefaultHeaderLength()
	}

	if r.coalesce.MaxFetchSize <= 0 {
		r.coalesce = coalesce.DefaultFor(opts.Source.Kind)
	}

	if r.cache == nil {
		r.cache = cache.Default()
	}

	return r
}

// Source is the object r reads from
func (r *Reader) Source() source.Source {
	return r.src
}

// HeaderLength is the number of bytes ReadHeader loads at most
func (r *Reader) HeaderLength() int64 {
	return r.headerLength
}

func (r *Reader) key(offset int64) cache.Key {
	return cache.Key{Source: r.namespace, Offset: offset}
}

func (r *Reader) log() *logrus.Entry {
	return logging.WithSource(r.namespace, r.fetcher.Name())
}

// Identity resolves the metadata of the Source with a single Stat call.
// Failures are not remembered.
func (r *Reader) Identity(ctx context.Context) (backend.Identity, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.identity != nil {
		return *r.identity, nil
	}

	id, err := r.fetcher.Stat(ctx)
	if err != nil {
		return backend.Identity{}, fmt.Errorf("stat %s: %w", r.namespace, err)
	}

	r.identity = &id

	return id, nil
}

// Size is the object size, -1 when the backend does not report it
func (r *Reader) Size(ctx context.Context) (int64, error) {
	id, err := r.Identity(ctx)
	if err != nil {
		return 0, err
	}

	return id.Size, nil
}

func (r *Reader) loadedHeader() []byte {
	r.mux.Lock()
	defer r.mux.Unlock()

	return r.header
}

// ReadHeader returns the first HeaderLength bytes of the object, fewer when
// the object is shorter. The bytes are fetched once and every later call
// returns the same buffer.
func (r *Reader) ReadHeader(ctx context.Context) ([]byte, error) {
	if header := r.loadedHeader(); header != nil {
		return header, nil
	}

	size, err := r.Size(ctx)
	if err != nil {
		return nil, err
	}

	length := r.headerLength
	if size >= 0 {
		length = min(length, size)
	}

	if length == 0 {
		return r.setHeader([]byte{}), nil
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		data, err := r.fetcher.Fetch(ctx, 0, length)
		if err != nil {
			return nil, backend.NewRangeError(r.fetcher, r.namespace, 0, length, err)
		}

		return data, nil
	}

	data, err := r.cache.GetOrFetch(ctx, r.key(0), fetch)
	if err != nil {
		return nil, err
	}

	// a read starting at 0 may have cached fewer bytes than the header
	if int64(len(data)) < length {
		gen := r.cache.Generation(r.namespace)
		if data, err = fetch(ctx); err != nil {
			return nil, err
		}

		r.cache.PutAt(r.key(0), data, gen)
	}

	n := min(int64(len(data)), length)

	return r.setHeader(data[:n:n]), nil
}

func (r *Reader) setHeader(data []byte) []byte {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.header == nil {
		r.header = data
	}

	return r.header
}

type pending struct {
	rng   coalesce.Range
	entry *cache.Entry
}

// fetched is bytes to cache once the read they belong to succeeds
type fetched struct {
	key  cache.Key
	data []byte
}

// Read returns the bytes of every range keyed by its start. Ranges sharing
// a start resolve to the longest of them. Either every range is returned or
// the read fails as a whole and nothing it fetched is cached.
func (r *Reader) Read(ctx context.Context, ranges []coalesce.Range) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(ranges))
	if len(ranges) == 0 {
		return out, nil
	}

	for _, rng := range ranges {
		if err := rng.Validate(); err != nil {
			return nil, err
		}
	}

	size, err := r.Size(ctx)
	if err != nil {
		return nil, err
	}

	wanted := longestByStart(ranges)

	if size >= 0 {
		for _, rng := range wanted {
			if rng.End >= size {
				return nil, backend.NewRangeError(r.fetcher, r.namespace, rng.Start, rng.Len(), backend.ErrRangeNotSatisfiable)
			}
		}
	}

	metrics.RequestedRanges.Add(float64(len(ranges)))

	gen := r.cache.Generation(r.namespace)
	header := r.loadedHeader()

	var claimed, waiting []pending
	var missing []coalesce.Range

	for _, rng := range wanted {
		if int64(len(header)) > rng.End {
			out[rng.Start] = header[rng.Start : rng.End+1 : rng.End+1]
			continue
		}

		if data, ok := r.cache.Get(r.key(rng.Start)); ok && int64(len(data)) >= rng.Len() {
			out[rng.Start] = data[:rng.Len():rng.Len()]
			continue
		}

		e, owner := r.cache.Acquire(r.key(rng.Start))
		if owner {
			claimed = append(claimed, pending{rng: rng, entry: e})
			continue
		}

		select {
		case <-e.Done():
			if !collect(out, rng, e) {
				missing = append(missing, rng)
			}
		default:
			waiting = append(waiting, pending{rng: rng, entry: e})
		}
	}

	// claimed entries are published before waiting on anyone else, so two
	// readers waiting on each other always make progress
	keep, err := r.fetchInto(ctx, claimed, out)
	if err != nil {
		return nil, err
	}

	for _, w := range waiting {
		if _, err := w.entry.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !collect(out, w.rng, w.entry) {
			missing = append(missing, w.rng)
		}
	}

	// keys someone else failed to fetch, or cached shorter than needed
	if len(missing) > 0 {
		uncached := make([]pending, 0, len(missing))
		for _, rng := range missing {
			uncached = append(uncached, pending{rng: rng})
		}

		more, err := r.fetchInto(ctx, uncached, out)
		if err != nil {
			return nil, err
		}

		keep = append(keep, more...)
	}

	// only a read that succeeded as a whole populates the cache
	for _, k := range keep {
		r.cache.PutAt(k.key, k.data, gen)
	}

	return out, nil
}

// ReadAvailable reads up to length bytes from offset. Unlike Read it returns
// fewer bytes, possibly none, when the object ends first, which is how the
// end of an object of unknown size is found.
func (r *Reader) ReadAvailable(ctx context.Context, offset, length int64) ([]byte, error) {
	size, err := r.Size(ctx)
	if err != nil {
		return nil, err
	}

	if size >= 0 {
		if offset >= size {
			return nil, nil
		}

		length = min(length, size-offset)
	}

	if length <= 0 {
		return nil, nil
	}

	got, err := r.Read(ctx, []coalesce.Range{{Start: offset, End: offset + length - 1}})
	if err == nil {
		return got[offset], nil
	}

	if size >= 0 || !errors.Is(err, backend.ErrRangeNotSatisfiable) {
		return nil, err
	}

	// the object ends inside the range
	data, err := r.fetch(ctx, coalesce.Fetch{Offset: offset, Length: length})
	if errors.Is(err, backend.ErrRangeNotSatisfiable) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	r.cache.Put(r.key(offset), data)

	n := min(int64(len(data)), length)

	return data[:n:n], nil
}

// collect stores the bytes of a resolved entry when they cover rng
func collect(out map[int64][]byte, rng coalesce.Range, e *cache.Entry) bool {
	data, err := e.Wait(context.Background())
	if err != nil || int64(len(data)) < rng.Len() {
		return false
	}

	out[rng.Start] = data[:rng.Len():rng.Len()]

	return true
}

// fetchInto coalesces the ranges of reqs, fetches them and stores the
// results in out. On success the entries of reqs are published to their
// waiters without being cached and the bytes to cache are returned. On
// failure the entries are failed.
func (r *Reader) fetchInto(ctx context.Context, reqs []pending, out map[int64][]byte) (keep []fetched, err error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	defer func() {
		if err == nil {
			return
		}

		for _, req := range reqs {
			if req.entry != nil {
				req.entry.Fail(err)
			}
		}
	}()

	ranges := make([]coalesce.Range, 0, len(reqs))
	for _, req := range reqs {
		ranges = append(ranges, req.rng)
	}

	fetches, err := coalesce.Plan(r.coalesce, ranges)
	if err != nil {
		return nil, err
	}

	metrics.CoalescedFetches.Add(float64(len(fetches)))

	r.log().WithFields(log.Fields{
		"ranges":  len(ranges),
		"fetches": len(fetches),
	}).Debug("fetching ranges")

	results, err := coalesce.Execute(ctx, fetches, r.parallelism, r.fetch)
	if err != nil {
		if errors.Is(err, backend.ErrContentHasChanged) {
			dropped := r.cache.InvalidateSource(r.namespace)
			r.log().WithError(err).WithField("dropped", dropped).Warn("object changed, cached bytes dropped")
		}

		return nil, err
	}

	slices := make([][]byte, len(reqs))
	for i, req := range reqs {
		data, err := coalesce.Slice(results, req.rng)
		if err != nil {
			// the backend ended the object before the range did
			return nil, backend.NewRangeError(r.fetcher, r.namespace, req.rng.Start, req.rng.Len(), backend.ErrRangeNotSatisfiable)
		}

		slices[i] = data
	}

	keep = make([]fetched, 0, len(reqs)+len(results))

	for i, req := range reqs {
		out[req.rng.Start] = slices[i]

		if req.entry != nil {
			req.entry.Publish(slices[i])
			keep = append(keep, fetched{key: req.entry.Key(), data: slices[i]})
		}
	}

	for _, res := range results {
		keep = append(keep, fetched{key: r.key(res.Offset), data: res.Data})
	}

	return keep, nil
}

func (r *Reader) fetch(ctx context.Context, f coalesce.Fetch) ([]byte, error) {
	data, err := r.fetcher.Fetch(ctx, f.Offset, f.Length)
	if err != nil {
		r.log().WithError(err).WithFields(log.Fields{
			"offset": f.Offset,
			"length": f.Length,
		}).Debug("range fetch failed")

		return nil, backend.NewRangeError(r.fetcher, r.namespace, f.Offset, f.Length, err)
	}

	return data, nil
}

// longestByStart keeps the longest range per start, ordered by start
func longestByStart(ranges []coalesce.Range) []coalesce.Range {
	byStart := make(map[int64]coalesce.Range, len(ranges))
	for _, rng := range ranges {
		if prev, ok := byStart[rng.Start]; !ok || rng.End > prev.End {
			byStart[rng.Start] = rng
		}
	}

	out := make([]coalesce.Range, 0, len(byStart))
	for _, rng := range byStart {
		out = append(out, rng)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	return out
}
