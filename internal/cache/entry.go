package cache

import (
	"context"
	"sync"
)

// Entry is the single-flight handle for one Key. It is created by the first
// caller that misses, resolved exactly once, and shared by every caller that
// asks for the same Key while the fetch is in flight.
type Entry struct {
	key      Key
	gen      uint64
	cache    *Cache
	resolve  *sync.Once
	resolved chan struct{}
	data     []byte
	err      error
}

func newEntry(c *Cache, key Key, gen uint64) *Entry {
	return &Entry{
		key:      key,
		gen:      gen,
		cache:    c,
		resolve:  &sync.Once{},
		resolved: make(chan struct{}),
	}
}

func newResolvedEntry(key Key, data []byte) *Entry {
	e := &Entry{
		key:      key,
		resolve:  &sync.Once{},
		resolved: make(chan struct{}),
		data:     data,
	}

	e.resolve.Do(func() { close(e.resolved) })

	return e
}

// Key is the cache key e resolves
func (e *Entry) Key() Key {
	return e.key
}

// Resolve publishes data to every waiter and moves e into the cache.
// Only the first Resolve, Publish or Fail call has an effect.
func (e *Entry) Resolve(data []byte) {
	e.resolve.Do(func() {
		e.data = data
		e.cache.settle(e, true)
		close(e.resolved)
	})
}

// Publish hands data to every waiter and forgets e without caching data.
// The owner stores the bytes later with Put once it knows they are wanted.
// Only the first Resolve, Publish or Fail call has an effect.
func (e *Entry) Publish(data []byte) {
	e.resolve.Do(func() {
		e.data = data
		e.cache.settle(e, false)
		close(e.resolved)
	})
}

// Fail publishes err to every waiter and forgets e, so the next caller
// fetches again. Errors are never cached.
func (e *Entry) Fail(err error) {
	e.resolve.Do(func() {
		e.err = err
		e.cache.settle(e, false)
		close(e.resolved)
	})
}

// Done is closed once e has been resolved or failed
func (e *Entry) Done() <-chan struct{} {
	return e.resolved
}

// Wait blocks until e is resolved or ctx is done. A waiter giving up does
// not cancel the fetch, other waiters still receive its result.
func (e *Entry) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-e.resolved:
		return e.data, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
