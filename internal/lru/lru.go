package lru

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// getsPerPromote is a value that makes the item to be promoted
// it is taken arbitrally as a sane value indicating that the item
// was frequently picked
// promotion moves the item to the front of the LRU list
const getsPerPromote = 64

// itemsToPrune is how many of the least recently used values are dropped
// once the cache grows past its byte budget. Values are tiles of up to a few
// megabytes, so pruning a handful is enough to get back under the limit.
const itemsToPrune = 8

// forever is the lifetime of values cached without a TTL
const forever = 100 * 365 * 24 * time.Hour

// Value is anything the cache can account for in bytes
type Value interface {
	Size() int64
}

// slot is what the cache stores. ccache only reports the deletion of values
// that reached its LRU list, so every slot is uncounted at most once by
// whoever removes it first.
type slot struct {
	value   Value
	counted atomic.Bool
}

// Cache wraps a ccache bounded by the total size of its values and keeps the
// resident entries and bytes gauges up to date.
type Cache struct {
	duration      time.Duration
	cache         *ccache.Cache
	cachedEntries prometheus.Gauge
	cachedBytes   prometheus.Gauge

	// serializes writers so a replaced slot is always uncounted
	mux sync.Mutex
}

// New creates an LRU cache holding at most maxBytes worth of values. A zero
// duration keeps values until they are evicted or deleted.
func New(maxBytes int64, duration time.Duration, cachedEntriesMetric, cachedBytesMetric prometheus.Gauge) *Cache {
	if duration <= 0 {
		duration = forever
	}

	c := &Cache{
		duration:      duration,
		cachedEntries: cachedEntriesMetric,
		cachedBytes:   cachedBytesMetric,
	}

	configuration := ccache.Configure()
	configuration.MaxSize(maxBytes)
	configuration.ItemsToPrune(itemsToPrune)
	configuration.GetsPerPromote(getsPerPromote) // if item gets requested frequently promote it
	configuration.OnDelete(c.uncount)

	c.cache = ccache.New(configuration)

	return c
}

func (c *Cache) uncount(item *ccache.Item) {
	s, ok := item.Value().(*slot)
	if !ok || !s.counted.CompareAndSwap(true, false) {
		return
	}

	c.cachedEntries.Dec()
	c.cachedBytes.Sub(float64(s.value.Size()))
}

// Get returns the value stored under key if it exists and has not expired
func (c *Cache) Get(key string) (Value, bool) {
	item := c.cache.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}

	s, ok := item.Value().(*slot)
	if !ok {
		return nil, false
	}

	return s.value, true
}

// Set stores value under key, replacing any previous value
func (c *Cache) Set(key string, value Value) {
	s := &slot{value: value}
	s.counted.Store(true)

	c.mux.Lock()
	defer c.mux.Unlock()

	if existing := c.cache.Get(key); existing != nil {
		c.uncount(existing)
	}

	c.cachedEntries.Inc()
	c.cachedBytes.Add(float64(value.Size()))

	c.cache.Set(key, s, c.duration)
}

// Delete removes key and reports whether it was present
func (c *Cache) Delete(key string) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if existing := c.cache.Get(key); existing != nil {
		c.uncount(existing)
	}

	return c.cache.Delete(key)
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed
func (c *Cache) DeletePrefix(prefix string) int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.cache.DeleteFunc(func(key string, item *ccache.Item) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}

		c.uncount(item)

		return true
	})
}

// Len is the number of values currently held
func (c *Cache) Len() int {
	return c.cache.ItemCount()
}

// Stop terminates the background worker of the cache
func (c *Cache) Stop() {
	c.cache.Stop()
}
