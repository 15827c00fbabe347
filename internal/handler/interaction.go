package handler

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/stream"
)

const maxInteractionBody = 1 << 16

// decodeInteraction writes the 400 itself and reports false on bad input.
func (h *Handler) decodeInteraction(w http.ResponseWriter, r *http.Request) (InteractionRequest, domain.InteractionKind, time.Time, bool) {
	var req InteractionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInteractionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be a JSON interaction")
		return req, "", time.Time{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return req, "", time.Time{}, false
	}

	kind, err := domain.ParseInteractionKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return req, "", time.Time{}, false
	}
	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	return req, kind, ts, true
}

// POST /interactions
func (h *Handler) PostInteraction(w http.ResponseWriter, r *http.Request) {
	req, kind, ts, ok := h.decodeInteraction(w, r)
	if !ok {
		return
	}

	seq, err := h.service.AppendInteraction(r.Context(), req.UserID, req.TrackID, kind, ts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, InteractionResponse{Seq: seq})
}

// POST /interactions/events
func (h *Handler) PostInteractionEvent(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_disabled", "Interaction stream is not enabled")
		return
	}
	req, kind, ts, ok := h.decodeInteraction(w, r)
	if !ok {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id, err := h.publisher.Publish(r.Context(), stream.Event{
		UserID: req.UserID, TrackID: req.TrackID, Kind: string(kind), Timestamp: ts,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{MessageID: id})
}

// POST /catalog/sync
func (h *Handler) SyncCatalog(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.SyncCatalog(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Changes: n, CatalogVersion: h.service.CatalogVersion()})
}
