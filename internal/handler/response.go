package handler

import (
	"time"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

type RecommendationResponse struct {
	Context         domain.Context            `json:"context"`
	Recommendations []domain.ScoredTrack      `json:"recommendations"`
	Metadata        domain.RecommendationMeta `json:"metadata"`
}

type InteractionRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	TrackID   int64      `json:"track_id" validate:"required,gt=0"`
	Kind      string     `json:"kind" validate:"required,oneof=play like dislike bookmark"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type InteractionResponse struct {
	Seq uint64 `json:"seq"`
}

type EventResponse struct {
	MessageID string `json:"message_id"`
}

type SyncResponse struct {
	Changes        int    `json:"changes"`
	CatalogVersion uint64 `json:"catalog_version"`
}

type HealthResponse struct {
	Status         string            `json:"status"`
	CatalogVersion uint64            `json:"catalog_version"`
	Checks         map[string]string `json:"checks,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
