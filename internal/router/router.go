package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/actuallystonmai/track-recommender/internal/handler"
	"github.com/actuallystonmai/track-recommender/internal/logging"
	"github.com/actuallystonmai/track-recommender/internal/metrics"
)

type Options struct {
	RequestTimeout time.Duration
	// RateLimitRequests per RateLimitWindow per client IP; 0 disables it.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
}

func Setup(h *handler.Handler, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.RateLimitRequests > 0 {
			r.Use(httprate.LimitByIP(opts.RateLimitRequests, opts.RateLimitWindow))
		}

		r.Get("/users/{userID}/recommendations", h.GetRecommendations)
		r.Get("/tracks/{trackID}/similar", h.GetSimilarTracks)
		r.Get("/recommendations/batch", h.GetBatchRecommendations)
		r.Post("/interactions", h.PostInteraction)
		r.Post("/interactions/events", h.PostInteractionEvent)
		r.Post("/catalog/sync", h.SyncCatalog)
	})

	return r
}
