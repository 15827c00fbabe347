package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/service"
	"github.com/actuallystonmai/track-recommender/internal/stream"
)

// Recommender is the part of the service the HTTP layer drives.
type Recommender interface {
	Recommend(ctx context.Context, rc domain.Context, opts domain.Options) (*domain.RecommendationResult, error)
	AppendInteraction(ctx context.Context, userID, trackID int64, kind domain.InteractionKind, ts time.Time) (uint64, error)
	SyncCatalog(ctx context.Context) (int, error)
	GetBatchRecommendations(ctx context.Context, page, limit int, opts domain.Options) (*domain.BatchResponse, error)
	CatalogVersion() uint64
	Defaults() service.Options
}

// EventPublisher enqueues interactions for asynchronous recording.
type EventPublisher interface {
	Publish(ctx context.Context, e stream.Event) (string, error)
}

type Handler struct {
	service   Recommender
	publisher EventPublisher
	validate  *validator.Validate
	checks    []HealthCheck
	logger    zerolog.Logger
}

func NewHandler(svc Recommender, logger zerolog.Logger, checks ...HealthCheck) *Handler {
	return &Handler{
		service:  svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		checks:   checks,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

// WithPublisher enables POST /interactions/events.
func (h *Handler) WithPublisher(pub EventPublisher) *Handler {
	h.publisher = pub
	return h
}

// write JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writes JSON error response.
func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// writeServiceError maps engine errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *domain.NotFoundError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Entity+"_not_found", nf.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", "User does not exist")
	case errors.Is(err, domain.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, "track_not_found", "Track does not exist")
	case domain.IsComputationError(err):
		writeError(w, http.StatusServiceUnavailable, "computation_error",
			"Recommendations are temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request_timeout",
			"Request timed out, please try again")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
