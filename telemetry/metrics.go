package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for live backend fetches (network + catalog queries)
	FetchBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// HTTPBuckets for admin API requests
	HTTPBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Cache Metrics
var (
	// CacheLookupsTotal counts lookups by cache type and result (hit, miss, forced)
	CacheLookupsTotal CounterVec = noopCounterVec{}

	// CacheDecodeFailuresTotal counts stored payloads that no longer decode
	CacheDecodeFailuresTotal CounterVec = noopCounterVec{}

	// CacheWriteFailuresTotal counts encode/put failures after a successful fetch
	CacheWriteFailuresTotal CounterVec = noopCounterVec{}

	// CacheClearsTotal counts explicit invalidations
	CacheClearsTotal Counter = NoopStat{}

	// CacheEntries tracks stored entries by state (live, expired)
	CacheEntries GaugeVec = noopGaugeVec{}

	// CachePurgedTotal counts expired entries reclaimed by the collector
	CachePurgedTotal Counter = NoopStat{}
)

// Backend Metrics
var (
	// FetchDurationSeconds measures live fetch latency by cache type and result
	FetchDurationSeconds HistogramVec = noopHistogramVec{}

	// ComparisonsTotal counts table comparisons by result (success, failed)
	ComparisonsTotal CounterVec = noopCounterVec{}
)

// Admin Metrics
var (
	// HTTPRequestsTotal counts admin API requests by method and status code
	HTTPRequestsTotal CounterVec = noopCounterVec{}

	// HTTPRequestDurationSeconds measures admin API latency by method
	HTTPRequestDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Cache Metrics
	CacheLookupsTotal = NewCounterVec(
		"cache_lookups_total",
		"Cache lookups by cache type and result",
		[]string{"cache_type", "result"},
	)
	CacheDecodeFailuresTotal = NewCounterVec(
		"cache_decode_failures_total",
		"Cached payloads that failed to decode and were treated as misses",
		[]string{"cache_type"},
	)
	CacheWriteFailuresTotal = NewCounterVec(
		"cache_write_failures_total",
		"Failures to encode or store a freshly fetched result",
		[]string{"cache_type"},
	)
	CacheClearsTotal = NewCounter(
		"cache_clears_total",
		"Explicit cache invalidations",
	)
	CacheEntries = NewGaugeVec(
		"cache_entries",
		"Stored cache entries by state",
		[]string{"state"},
	)
	CachePurgedTotal = NewCounter(
		"cache_purged_total",
		"Expired cache entries removed from the store",
	)

	// Backend Metrics
	FetchDurationSeconds = NewHistogramVec(
		"fetch_duration_seconds",
		"Live backend fetch duration in seconds",
		[]string{"cache_type", "result"},
		FetchBuckets,
	)
	ComparisonsTotal = NewCounterVec(
		"comparisons_total",
		"Table comparisons by result",
		[]string{"result"},
	)

	// Admin Metrics
	HTTPRequestsTotal = NewCounterVec(
		"http_requests_total",
		"Admin API requests by method and status",
		[]string{"method", "status"},
	)
	HTTPRequestDurationSeconds = NewHistogramVec(
		"http_request_duration_seconds",
		"Admin API request duration in seconds",
		[]string{"method"},
		HTTPBuckets,
	)
}

// UpdateCacheEntries publishes a store snapshot.
func UpdateCacheEntries(live, expired int) {
	CacheEntries.With("live").Set(float64(live))
	CacheEntries.With("expired").Set(float64(expired))
}
