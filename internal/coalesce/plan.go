package coalesce

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// ErrNotCovered is returned by Slice when the fetched data does not hold
// every byte of the requested range
var ErrNotCovered = errors.New("range not covered by fetched data")

// Config controls how aggressively ranges are merged
type Config struct {
	// WasteThreshold is the largest gap, in bytes, fetched only to save a
	// round trip. Ranges further apart than this are fetched separately.
	WasteThreshold int64
	// MaxFetchSize caps the length of a single fetch, 0 means unlimited
	MaxFetchSize int64
}

// DefaultConfig fits object stores where a round trip costs far more than a
// megabyte of transfer
var DefaultConfig = Config{
	WasteThreshold: 1 << 20,
	MaxFetchSize:   8 << 20,
}

// DefaultFor returns the coalescing defaults for a backend kind
func DefaultFor(kind source.Kind) Config {
	switch kind {
	case source.KindHTTP, source.KindAzure:
		return Config{WasteThreshold: 256 << 10, MaxFetchSize: 4 << 20}
	case source.KindFile:
		return Config{WasteThreshold: 64 << 10, MaxFetchSize: 8 << 20}
	default:
		return DefaultConfig
	}
}

// Plan validates ranges and merges them into ascending, non-overlapping
// fetches. Overlapping ranges always merge since they share bytes; ranges
// separated by less than the waste threshold merge while the result stays
// within MaxFetchSize. Anything longer than MaxFetchSize is split.
func Plan(cfg Config, ranges []Range) ([]Fetch, error) {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int { return cmp.Compare(a.Start, b.Start) })

	var fetches []Fetch

	for i := 0; i < len(sorted); {
		start := sorted[i].Start
		end := sorted[i].End + 1

		next := i + 1
		for ; next < len(sorted); next++ {
			peekStart := sorted[next].Start
			peekEnd := sorted[next].End + 1

			if peekStart < end {
				end = max(end, peekEnd)
				continue
			}

			if peekStart-end >= cfg.WasteThreshold && peekStart != end {
				break
			}

			if cfg.MaxFetchSize > 0 && peekEnd-start > cfg.MaxFetchSize {
				break
			}

			end = max(end, peekEnd)
		}

		fetches = append(fetches, split(cfg, start, end)...)

		i = next
	}

	return fetches, nil
}

func split(cfg Config, start, end int64) []Fetch {
	if cfg.MaxFetchSize <= 0 || end-start <= cfg.MaxFetchSize {
		return []Fetch{{Offset: start, Length: end - start}}
	}

	var out []Fetch
	for off := start; off < end; off += cfg.MaxFetchSize {
		out = append(out, Fetch{Offset: off, Length: min(cfg.MaxFetchSize, end-off)})
	}

	return out
}

// FetchFunc performs one physical fetch
type FetchFunc func(ctx context.Context, f Fetch) ([]byte, error)

// Execute runs fn for every fetch with at most parallelism fetches in
// flight. The first failure cancels the remaining fetches and is returned
// alone, no partial results are returned. Results come back in the order of
// fetches.
func Execute(ctx context.Context, fetches []Fetch, parallelism int, fn FetchFunc) ([]Result, error) {
	results := make([]Result, len(fetches))

	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i, f := range fetches {
		i, f := i, f

		g.Go(func() error {
			data, err := fn(ctx, f)
			if err != nil {
				return err
			}

			results[i] = Result{Offset: f.Offset, Data: data}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Slice cuts the bytes of r out of results, which must be sorted by offset
// and non-overlapping. A single covering result is sliced without copying,
// a range spanning several results is concatenated. The returned slice never
// holds more than r.Len() bytes.
func Slice(results []Result, r Range) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	i := find(results, r.Start)
	if i < len(results) && results[i].Covers(r) {
		res := results[i]
		lo, hi := r.Start-res.Offset, r.End-res.Offset+1

		return res.Data[lo:hi:hi], nil
	}

	out := make([]byte, 0, r.Len())
	for pos := r.Start; pos <= r.End; {
		i := find(results, pos)
		if i == len(results) || results[i].Offset > pos {
			return nil, ErrNotCovered
		}

		res := results[i]
		stop := min(r.End+1, res.End())
		out = append(out, res.Data[pos-res.Offset:stop-res.Offset]...)
		pos = stop
	}

	return out, nil
}

// find returns the index of the first result ending after offset
func find(results []Result, offset int64) int {
	return sort.Search(len(results), func(i int) bool {
		return results[i].End() > offset
	})
}
