package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics holds Prometheus metrics for the market data cache.
type CacheMetrics struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	FetchErrors prometheus.Counter
	Evictions   prometheus.Counter
	Entries     prometheus.Gauge
}

// NewCacheMetrics creates and registers cache metrics on the given registry.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market_cache",
			Name:      "hits_total",
			Help:      "Total number of market cache hits, by layer.",
		}, []string{"layer"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market_cache",
			Name:      "misses_total",
			Help:      "Total number of market cache misses, by layer.",
		}, []string{"layer"}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market_cache",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed upstream fetches on a cache miss.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market_cache",
			Name:      "evictions_total",
			Help:      "Total number of expired entries evicted from memory.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market_cache",
			Name:      "entries",
			Help:      "Number of entries currently held in memory, including expired ones.",
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.FetchErrors, m.Evictions, m.Entries)
	return m
}
