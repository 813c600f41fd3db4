// Package cache is the process-wide byte cache shared by every range
// reader. It maps (source, offset) to the bytes fetched at that offset and
// guarantees at most one fetch in flight per key.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/cogrange/internal/lru"
	"gitlab.com/gitlab-org/cogrange/metrics"
)

const (
	shardCount   = 64
	keySeparator = "\x00"
)

// Key identifies the bytes fetched at Offset of the object named Source
type Key struct {
	Source string
	Offset int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Source, k.Offset)
}

func (k Key) storeKey() string {
	return k.Source + keySeparator + strconv.FormatInt(k.Offset, 10)
}

// Config bounds the cache
type Config struct {
	// MaxBytes is the total size of resident values before the least
	// recently used ones are evicted
	MaxBytes int64
	// TTL expires values after the given duration, 0 keeps them until evicted
	TTL time.Duration
	// FetchTimeout bounds fetches started by GetOrFetch, 0 means no bound
	FetchTimeout time.Duration
}

// DefaultConfig is used by Default unless Init is called first
var DefaultConfig = Config{
	MaxBytes:     512 << 20,
	FetchTimeout: time.Minute,
}

// FetchFunc loads the bytes for a key on a miss
type FetchFunc func(ctx context.Context) ([]byte, error)

type value []byte

func (v value) Size() int64 {
	return int64(len(v))
}

type shard struct {
	mux     sync.Mutex
	pending map[Key]*Entry
}

// Cache is safe for concurrent use. Locks are striped by key and are never
// held across a fetch.
type Cache struct {
	store        *lru.Cache
	shards       [shardCount]shard
	fetchTimeout time.Duration

	genMux      sync.Mutex
	generations map[string]uint64
}

var (
	defaultCache *Cache
	defaultOnce  sync.Once
)

// New creates an empty cache. Tests and embedders that need isolation use
// their own instance instead of Default.
func New(cfg Config) *Cache {
	c := &Cache{
		store:        lru.New(cfg.MaxBytes, cfg.TTL, metrics.CachedEntries, metrics.CachedBytes),
		fetchTimeout: cfg.FetchTimeout,
		generations:  make(map[string]uint64),
	}

	for i := range c.shards {
		c.shards[i].pending = make(map[Key]*Entry)
	}

	return c
}

// Init creates the process-wide cache with cfg. It has no effect once the
// process-wide cache exists.
func Init(cfg Config) *Cache {
	defaultOnce.Do(func() {
		defaultCache = New(cfg)
	})

	return defaultCache
}

// Default returns the process-wide cache, creating it with DefaultConfig on
// first use
func Default() *Cache {
	return Init(DefaultConfig)
}

func (c *Cache) shard(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.storeKey()))

	return &c.shards[h.Sum32()%shardCount]
}

// Get returns the resident bytes for key
func (c *Cache) Get(key Key) ([]byte, bool) {
	data, ok := c.get(key)
	if !ok {
		metrics.CacheRequests.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	metrics.CacheRequests.WithLabelValues("get", "hit").Inc()
	return data, true
}

func (c *Cache) get(key Key) ([]byte, bool) {
	v, ok := c.store.Get(key.storeKey())
	if !ok {
		return nil, false
	}

	return v.(value), true
}

// KeyExists reports whether bytes for key are resident
func (c *Cache) KeyExists(key Key) bool {
	_, ok := c.get(key)
	return ok
}

// Put stores data under key unless a fetch for key is in flight, which
// will populate it itself, or longer bytes are already resident.
func (c *Cache) Put(key Key, data []byte) {
	c.PutAt(key, data, c.Generation(key.Source))
}

// PutAt is Put for bytes fetched while source generation gen was current.
// Bytes fetched before the source was invalidated are dropped.
func (c *Cache) PutAt(key Key, data []byte, gen uint64) bool {
	s := c.shard(key)

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, inFlight := s.pending[key]; inFlight {
		return false
	}

	if gen != c.Generation(key.Source) {
		return false
	}

	c.storeLongest(key, data)

	return true
}

// Generation is bumped every time source is invalidated
func (c *Cache) Generation(source string) uint64 {
	c.genMux.Lock()
	defer c.genMux.Unlock()

	return c.generations[source]
}

func (c *Cache) storeLongest(key Key, data []byte) {
	if existing, ok := c.get(key); ok && len(existing) >= len(data) {
		return
	}

	c.store.Set(key.storeKey(), value(data))
}

// Acquire returns the entry for key. When owner is true the caller created
// the entry and must eventually Resolve or Fail it. Otherwise the entry is
// either already resolved or being fetched by someone else and the caller
// only waits on it.
func (c *Cache) Acquire(key Key) (e *Entry, owner bool) {
	s := c.shard(key)

	s.mux.Lock()
	defer s.mux.Unlock()

	if data, ok := c.get(key); ok {
		metrics.CacheRequests.WithLabelValues("acquire", "hit").Inc()
		return newResolvedEntry(key, data), false
	}

	if e, ok := s.pending[key]; ok {
		metrics.CacheRequests.WithLabelValues("acquire", "shared").Inc()
		return e, false
	}

	metrics.CacheRequests.WithLabelValues("acquire", "miss").Inc()

	e = newEntry(c, key, c.Generation(key.Source))
	s.pending[key] = e

	return e, true
}

// settle moves a finished entry out of the in-flight set, storing its bytes
// when the fetch succeeded
func (c *Cache) settle(e *Entry, ok bool) {
	s := c.shard(e.key)

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.pending[e.key] == e {
		delete(s.pending, e.key)
	}

	if ok && e.gen == c.Generation(e.key.Source) {
		c.storeLongest(e.key, e.data)
	}
}

// GetOrFetch returns the bytes for key, calling fetchFn on a miss. Callers
// asking for a key that is already being fetched wait for that fetch instead
// of starting their own. The fetch runs detached from the cancellation of
// the caller that started it so that canceling one waiter never fails the
// others; it is bounded by the configured fetch timeout instead.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetchFn FetchFunc) ([]byte, error) {
	e, owner := c.Acquire(key)
	if owner {
		go c.fetch(ctx, e, fetchFn)
	}

	data, err := e.Wait(ctx)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("fetch", "error").Inc()
		return nil, err
	}

	return data, nil
}

func (c *Cache) fetch(ctx context.Context, e *Entry, fetchFn FetchFunc) {
	ctx = context.WithoutCancel(ctx)

	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	data, err := fetchFn(ctx)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"source": e.key.Source,
			"offset": e.key.Offset,
		}).Debug("cache fetch failed")

		e.Fail(err)
		return
	}

	e.Resolve(data)
}

// Invalidate drops the resident bytes for key. A fetch in flight for key is
// not affected.
func (c *Cache) Invalidate(key Key) bool {
	s := c.shard(key)

	s.mux.Lock()
	defer s.mux.Unlock()

	return c.store.Delete(key.storeKey())
}

// InvalidateSource drops every resident entry of source and returns how
// many were dropped. Fetches of source in flight still reach their waiters
// but no longer populate the cache.
func (c *Cache) InvalidateSource(source string) int {
	for i := range c.shards {
		c.shards[i].mux.Lock()
		defer c.shards[i].mux.Unlock()
	}

	c.genMux.Lock()
	c.generations[source]++
	c.genMux.Unlock()

	return c.store.DeletePrefix(source + keySeparator)
}

// Len is the number of resident entries
func (c *Cache) Len() int {
	return c.store.Len()
}

// Stop releases the background eviction worker. The cache must not be used
// afterwards.
func (c *Cache) Stop() {
	c.store.Stop()
}
