package lru

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type bytesValue []byte

func (b bytesValue) Size() int64 { return int64(len(b)) }

func newTestCache(t *testing.T, maxBytes int64, duration time.Duration) (*Cache, prometheus.Gauge, prometheus.Gauge) {
	t.Helper()

	entries := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_cached_entries"})
	bytes := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_cached_bytes"})

	c := New(maxBytes, duration, entries, bytes)
	t.Cleanup(c.Stop)

	return c, entries, bytes
}

func TestSetGet(t *testing.T) {
	c, entries, bytes := newTestCache(t, 1024, 0)

	c.Set("a", bytesValue("hello"))

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, bytesValue("hello"), v)

	_, ok = c.Get("missing")
	require.False(t, ok)

	require.Equal(t, float64(1), testutil.ToFloat64(entries))
	require.Equal(t, float64(5), testutil.ToFloat64(bytes))
}

func TestDelete(t *testing.T) {
	c, entries, bytes := newTestCache(t, 1024, 0)

	c.Set("src-a\x000", bytesValue("aaaa"))
	c.Set("src-a\x0010", bytesValue("bb"))
	c.Set("src-b\x000", bytesValue("c"))

	require.True(t, c.Delete("src-b\x000"))
	require.False(t, c.Delete("src-b\x000"))

	require.Equal(t, 2, c.DeletePrefix("src-a\x00"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(entries) == 0 && testutil.ToFloat64(bytes) == 0
	}, time.Second, time.Millisecond)
}

func TestExpiration(t *testing.T) {
	c, _, _ := newTestCache(t, 1024, time.Millisecond)

	c.Set("a", bytesValue("hello"))

	require.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestEvictsBySize(t *testing.T) {
	c, _, bytes := newTestCache(t, 100, 0)

	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		c.Set(key, make(bytesValue, 20))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(bytes) <= 100
	}, time.Second, time.Millisecond)
}

func TestReplaceKeepsGaugesExact(t *testing.T) {
	tests := map[string]struct {
		sizes         []int
		expectedBytes float64
	}{
		"replaced_once": {
			sizes:         []int{5, 3},
			expectedBytes: 3,
		},
		"replaced_in_a_burst": {
			sizes:         []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			expectedBytes: 16,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c, entries, bytes := newTestCache(t, 1024, 0)

			for _, size := range tt.sizes {
				c.Set("a", make(bytesValue, size))
			}

			// give the ccache worker time to drop the replaced items
			time.Sleep(10 * time.Millisecond)

			require.Equal(t, float64(1), testutil.ToFloat64(entries))
			require.Equal(t, tt.expectedBytes, testutil.ToFloat64(bytes))
			require.Equal(t, 1, c.Len())

			require.True(t, c.Delete("a"))

			require.Eventually(t, func() bool {
				return testutil.ToFloat64(entries) == 0 && testutil.ToFloat64(bytes) == 0
			}, time.Second, time.Millisecond)
		})
	}
}
