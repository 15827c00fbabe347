// Package metrics holds the Prometheus collectors for the recommender.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecommendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommend_duration_seconds",
			Help:    "Duration of Recommend calls in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"context", "outcome"},
	)

	RecommendColdStart = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_cold_start_total",
			Help: "Recommendations served through a cold-start fallback",
		},
		[]string{"fallback"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recommend_cache_hits_total",
			Help: "Recommendation cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recommend_cache_misses_total",
			Help: "Recommendation cache misses",
		},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_cache_invalidated_entries_total",
			Help: "Cache entries dropped by invalidation",
		},
		[]string{"scope"}, // "user", "seed"
	)

	InteractionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interactions_recorded_total",
			Help: "Interactions appended to the store",
		},
		[]string{"kind"},
	)

	InteractionsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interactions_duplicate_total",
			Help: "Interactions dropped as duplicates",
		},
	)

	InteractionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interactions_rejected_total",
			Help: "Interactions rejected before reaching the store",
		},
		[]string{"reason"},
	)

	CatalogTracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_tracks",
			Help: "Tracks currently indexed",
		},
	)

	CatalogVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_version",
			Help: "Current feature snapshot version",
		},
	)

	CatalogSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_sync_duration_seconds",
			Help:    "Duration of catalog sync runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogSyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_sync_errors_total",
			Help: "Failed catalog sync runs",
		},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Interaction stream messages by result",
		},
		[]string{"result"}, // "applied", "malformed", "failed"
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"method", "route", "status"},
	)
)

func RecordRecommend(context string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RecommendDuration.WithLabelValues(context, outcome).Observe(duration.Seconds())
}

func RecordCache(hit bool) {
	if hit {
		CacheHits.Inc()
	} else {
		CacheMisses.Inc()
	}
}

func RecordCatalog(tracks int, version uint64) {
	CatalogTracks.Set(float64(tracks))
	CatalogVersion.Set(float64(version))
}

// Middleware observes request latency labelled by the matched chi route
// pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
