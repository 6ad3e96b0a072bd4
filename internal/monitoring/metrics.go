// Package monitoring exposes the Prometheus metrics of index loading and
// query serving.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Layer load outcomes.
const (
	OutcomeLoaded  = "loaded"
	OutcomeSkipped = "skipped"
)

var (
	LayerLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_index_layer_loads_total",
			Help: "Source layer loads by outcome",
		},
		[]string{"category", "outcome"},
	)

	UnifiedAmenities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "access_index_unified_amenities",
			Help: "Amenities in the served index by category",
		},
		[]string{"category"},
	)

	IndexSwapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_index_index_swaps_total",
			Help: "Number of times a rebuilt index replaced the served one",
		},
	)

	UnifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "access_index_unify_duration_seconds",
			Help:    "Time to load and unify every catalog layer",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	ScoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_index_score_requests_total",
			Help: "Score requests by profile and status",
		},
		[]string{"profile", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "access_index_query_duration_seconds",
			Help:    "Spatial query duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_index_cache_hits_total",
			Help: "Cache hits by cache",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_index_cache_misses_total",
			Help: "Cache misses by cache",
		},
		[]string{"cache"},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_index_rate_limit_exceeded_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// RecordLayerLoad counts one layer load attempt.
func RecordLayerLoad(category string, loaded bool) {
	outcome := OutcomeLoaded
	if !loaded {
		outcome = OutcomeSkipped
	}
	LayerLoadsTotal.WithLabelValues(category, outcome).Inc()
}

// RecordScore counts one score request.
func RecordScore(profile string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ScoreRequestsTotal.WithLabelValues(profile, status).Inc()
}

// ObserveQuery records the duration of a spatial operation started at start.
func ObserveQuery(operation string, start time.Time) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordCache counts a cache lookup.
func RecordCache(cache string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(cache).Inc()
		return
	}
	CacheMisses.WithLabelValues(cache).Inc()
}

// SetAmenityTotals publishes per-category amenity counts.
func SetAmenityTotals(totals map[string]int) {
	for cat, n := range totals {
		UnifiedAmenities.WithLabelValues(cat).Set(float64(n))
	}
}
