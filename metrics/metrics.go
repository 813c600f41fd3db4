package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FetchRequests counts the physical range fetches issued to a backend
	FetchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cogrange_fetch_requests_total",
		Help: "The number of physical range fetches issued to a storage backend",
	}, []string{"backend", "status"})

	// FetchDuration records how long a single physical fetch took
	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cogrange_fetch_duration_seconds",
		Help:    "Duration of a single physical range fetch",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	// FetchBytes counts the bytes returned by storage backends
	FetchBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cogrange_fetch_bytes_total",
		Help: "The number of bytes returned by storage backends",
	}, []string{"backend"})

	// FetchRetries counts fetch attempts that were retried after a transient error
	FetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cogrange_fetch_retries_total",
		Help: "The number of physical fetches retried after a transient error",
	}, []string{"backend"})

	// RequestedRanges counts the ranges requested by decoders
	RequestedRanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cogrange_requested_ranges_total",
		Help: "The number of byte ranges requested through the range reader",
	})

	// CoalescedFetches counts the fetches produced by range coalescing
	CoalescedFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cogrange_coalesced_fetches_total",
		Help: "The number of fetches planned after coalescing requested ranges",
	})

	// CacheRequests counts the cache lookups partitioned by op and result
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cogrange_cache_requests_total",
		Help: "The number of byte cache lookups by result (hit, miss, shared, error)",
	}, []string{"op", "result"})

	// CachedEntries is the number of entries held by the byte cache
	CachedEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cogrange_cache_entries",
		Help: "The number of entries resident in the byte cache",
	})

	// CachedBytes is the number of bytes held by the byte cache
	CachedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cogrange_cache_bytes",
		Help: "The number of bytes resident in the byte cache",
	})

	// HTTPRangeOpenRequests is the number of HTTP range responses being read
	HTTPRangeOpenRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cogrange_httprange_open_requests",
		Help: "The number of open HTTP range requests",
	})

	// HTTPRangeRequestsTotal counts HTTP range round trips by status code
	HTTPRangeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cogrange_httprange_requests_total",
		Help: "The number of HTTP range round trips by status code",
	}, []string{"status_code"})

	// HTTPRangeRequestDuration records HTTP range round trip latency by status code
	HTTPRangeRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cogrange_httprange_requests_duration",
		Help: "HTTP range round trip duration by status code",
	}, []string{"status_code"})

	// HTTPRangeTraceDuration records connection level timings of HTTP range requests
	HTTPRangeTraceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cogrange_httprange_trace_duration",
		Help:    "Connection stage timings of HTTP range requests",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.100, 0.250, 0.500, 1, 2, 5, 10},
	}, []string{"request_stage"})
)

func init() {
	prometheus.MustRegister(FetchRequests)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(FetchBytes)
	prometheus.MustRegister(FetchRetries)
	prometheus.MustRegister(RequestedRanges)
	prometheus.MustRegister(CoalescedFetches)
	prometheus.MustRegister(CacheRequests)
	prometheus.MustRegister(CachedEntries)
	prometheus.MustRegister(CachedBytes)
	prometheus.MustRegister(HTTPRangeOpenRequests)
	prometheus.MustRegister(HTTPRangeRequestsTotal)
	prometheus.MustRegister(HTTPRangeRequestDuration)
	prometheus.MustRegister(HTTPRangeTraceDuration)
}
