package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

// GET /users/{userID}/recommendations
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid user_id parameter")
		return
	}

	q := r.URL.Query()
	opts, msg := h.parseOptions(q)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_parameter", msg)
		return
	}

	rc := domain.UserContext(userID)
	if s := q.Get("recent_track_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid recent_track_id parameter")
			return
		}
		rc.RecentTrackID = id
	}

	h.recommend(w, r, rc, opts)
}

// GET /tracks/{trackID}/similar
func (h *Handler) GetSimilarTracks(w http.ResponseWriter, r *http.Request) {
	trackID, err := strconv.ParseInt(chi.URLParam(r, "trackID"), 10, 64)
	if err != nil || trackID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid track_id parameter")
		return
	}

	q := r.URL.Query()
	opts, msg := h.parseOptions(q)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_parameter", msg)
		return
	}

	rc := domain.SeedContext(trackID)
	if s := q.Get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid user_id parameter")
			return
		}
		rc.UserID = id
	}

	h.recommend(w, r, rc, opts)
}

func (h *Handler) recommend(w http.ResponseWriter, r *http.Request, rc domain.Context, opts domain.Options) {
	result, err := h.service.Recommend(r.Context(), rc, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RecommendationResponse{
		Context:         rc,
		Recommendations: result.Items,
		Metadata: domain.RecommendationMeta{
			CacheHit:       result.CacheHit,
			ColdStart:      result.ColdStart,
			Fallback:       result.Fallback,
			CatalogVersion: result.CatalogVersion,
			GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
			TotalCount:     len(result.Items),
		},
	})
}

// parseOptions reads k, alpha and exclude_interacted. Absent values take the
// service defaults. A non-empty message reports the first invalid parameter.
func (h *Handler) parseOptions(q url.Values) (domain.Options, string) {
	defaults := h.service.Defaults()
	opts := domain.Options{K: defaults.DefaultK, Alpha: defaults.Alpha}

	if s := q.Get("k"); s != "" {
		k, err := strconv.Atoi(s)
		if err != nil || k < 1 || k > defaults.MaxK {
			return opts, fmt.Sprintf("Invalid k parameter, must be between 1 and %d", defaults.MaxK)
		}
		opts.K = k
	}
	if s := q.Get("alpha"); s != "" {
		a, err := strconv.ParseFloat(s, 64)
		if err != nil || a < 0 || a > 1 {
			return opts, "Invalid alpha parameter, must be between 0 and 1"
		}
		opts.Alpha = a
	}
	if s := q.Get("exclude_interacted"); s != "" {
		x, err := strconv.ParseBool(s)
		if err != nil {
			return opts, "Invalid exclude_interacted parameter"
		}
		opts.ExcludeInteracted = x
	}
	return opts, ""
}
