package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	maxBatchPage     = 10000
	defaultBatchSize = 20
	maxBatchSize     = 100
)

// GET /recommendations/batch
//
// Precomputes listener feeds one page of users at a time. The feed options
// k, alpha and exclude_interacted apply to every listener on the page.
func (h *Handler) GetBatchRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size, msg := parseListenerPage(q)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_parameter", msg)
		return
	}
	opts, msg := h.parseOptions(q)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_parameter", msg)
		return
	}

	result, err := h.service.GetBatchRecommendations(r.Context(), page, size, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func parseListenerPage(q url.Values) (page, size int, msg string) {
	page, size = 1, defaultBatchSize
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxBatchPage {
			return 0, 0, fmt.Sprintf("Invalid page parameter, listener pages run from 1 to %d", maxBatchPage)
		}
		page = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxBatchSize {
			return 0, 0, fmt.Sprintf("Invalid limit parameter, at most %d listeners per page", maxBatchSize)
		}
		size = n
	}
	return page, size, ""
}
