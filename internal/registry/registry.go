// Package registry shares one rangereader.Reader per Source and header
// length across the process.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	bytecache "gitlab.com/gitlab-org/cogrange/internal/cache"
	"gitlab.com/gitlab-org/cogrange/internal/config"
	"gitlab.com/gitlab-org/cogrange/internal/rangereader"
	"gitlab.com/gitlab-org/cogrange/internal/source"
	"gitlab.com/gitlab-org/cogrange/internal/stream"
)

const (
	defaultExpiration = 10 * time.Minute
	refreshInterval   = defaultExpiration / 2
	cleanupInterval   = time.Minute
)

// Opener builds the Fetcher serving a Source. It is implemented by
// factory.Factory.
type Opener interface {
	Resolve(src source.Source) source.Source
	Open(ctx context.Context, src source.Source) (backend.Fetcher, error)
}

// entry counts the callers using a Reader. Its Fetcher is closed once the
// entry has been evicted and the last caller released it.
type entry struct {
	key     string
	reader  *rangereader.Reader
	fetcher backend.Fetcher

	mux     sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

// acquire fails once the fetcher is closed
func (e *entry) acquire() bool {
	e.mux.Lock()
	defer e.mux.Unlock()

	if e.closed {
		return false
	}

	e.refs++

	return true
}

func (e *entry) release() {
	e.mux.Lock()
	defer e.mux.Unlock()

	e.refs--
	e.closeIfUnused()
}

func (e *entry) evict() {
	e.mux.Lock()
	defer e.mux.Unlock()

	e.evicted = true
	e.closeIfUnused()
}

func (e *entry) closeIfUnused() {
	if !e.evicted || e.refs > 0 || e.closed {
		return
	}

	e.closed = true

	if err := backend.Close(e.fetcher); err != nil {
		log.WithError(err).WithField("reader", e.key).Warn("failed to close evicted reader")
	}
}

// Registry hands out shared Readers. Readers unused for the expiration
// interval are dropped and their Fetcher closed as soon as no caller holds
// them anymore. Bytes they fetched stay in the byte cache.
type Registry struct {
	opener  Opener
	cfg     *config.Config
	bytes   *bytecache.Cache
	readers *cache.Cache
}

// New creates a Registry opening fetchers with opener. A nil byteCache
// makes the Readers use the process wide cache.
func New(opener Opener, cfg *config.Config, byteCache *bytecache.Cache) *Registry {
	r := &Registry{
		opener:  opener,
		cfg:     cfg,
		bytes:   byteCache,
		readers: cache.New(defaultExpiration, cleanupInterval),
	}

	r.readers.OnEvicted(func(_ string, object interface{}) {
		if e, ok := object.(*entry); ok && e != nil {
			e.evict()
		}
	})

	return r
}

func readerKey(src source.Source, headerLength int64) string {
	return fmt.Sprintf("%s#%d", src.String(), headerLength)
}

// Open returns the shared Reader of uri, creating it on first use. The
// caller must call release once it stops using the Reader.
func (r *Registry) Open(ctx context.Context, uri string) (reader *rangereader.Reader, release func(), err error) {
	src, err := source.Parse(uri)
	if err != nil {
		return nil, nil, err
	}

	src = r.opener.Resolve(src)
	headerLength := r.cfg.Reader.HeaderLengthFor(src)
	key := readerKey(src, headerLength)

	// loop instead of locking, Add fails when another caller won the race
	for {
		object, till, found := r.readers.GetWithExpiration(key)
		if found {
			e := object.(*entry)
			if !e.acquire() {
				// evicted and closed since the lookup
				continue
			}

			if time.Until(till) < refreshInterval {
				r.readers.Set(key, object, cache.DefaultExpiration)
			}

			return e.reader, releaseOnce(e), nil
		}

		e, err := r.newEntry(ctx, key, src, headerLength)
		if err != nil {
			return nil, nil, err
		}

		e.refs = 1

		if r.readers.Add(key, e, cache.DefaultExpiration) != nil {
			backend.Close(e.fetcher)
			continue
		}

		return e.reader, releaseOnce(e), nil
	}
}

func releaseOnce(e *entry) func() {
	var once sync.Once

	return func() {
		once.Do(e.release)
	}
}

func (r *Registry) newEntry(ctx context.Context, key string, src source.Source, headerLength int64) (*entry, error) {
	fetcher, err := r.opener.Open(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}

	reader := rangereader.New(fetcher, rangereader.Options{
		Source:       src,
		HeaderLength: headerLength,
		Coalesce:     r.cfg.Coalesce.For(src.Kind),
		Parallelism:  r.cfg.Reader.Parallelism,
		Cache:        r.bytes,
	})

	return &entry{key: key, reader: reader, fetcher: fetcher}, nil
}

// Stream opens uri as a seekable Stream over its shared Reader. Closing the
// Stream releases the Reader.
func (r *Registry) Stream(ctx context.Context, uri string) (*stream.Stream, error) {
	reader, release, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}

	s, err := stream.New(ctx, reader, stream.WithRelease(release))
	if err != nil {
		release()
		return nil, err
	}

	return s, nil
}

// Len is the number of live Readers
func (r *Registry) Len() int {
	return r.readers.ItemCount()
}

// Close drops every Reader. Fetchers of Readers still in use are closed
// when they are released.
func (r *Registry) Close() {
	for key := range r.readers.Items() {
		r.readers.Delete(key)
	}
}
