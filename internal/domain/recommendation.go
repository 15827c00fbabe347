package domain

import "fmt"

type ContextKind string

const (
	ContextSeed ContextKind = "seed"
	ContextUser ContextKind = "user"
)

// Context anchors a recommendation request on a seed track or on a user.
// For seed queries UserID is optional and only contributes exclusions.
// RecentTrackID is the implicit seed for users without interactions.
type Context struct {
	Kind          ContextKind `json:"kind"`
	SeedTrackID   int64       `json:"seed_track_id,omitempty"`
	UserID        int64       `json:"user_id,omitempty"`
	RecentTrackID int64       `json:"recent_track_id,omitempty"`
}

func SeedContext(trackID int64) Context {
	return Context{Kind: ContextSeed, SeedTrackID: trackID}
}

func UserContext(userID int64) Context {
	return Context{Kind: ContextUser, UserID: userID}
}

// ID is the identifier of the anchoring entity.
func (c Context) ID() int64 {
	if c.Kind == ContextSeed {
		return c.SeedTrackID
	}
	return c.UserID
}

func (c Context) Validate() error {
	switch c.Kind {
	case ContextSeed:
		if c.SeedTrackID <= 0 {
			return fmt.Errorf("%w: seed track id must be positive", ErrInvalidArgument)
		}
	case ContextUser:
		if c.UserID <= 0 {
			return fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown context kind %q", ErrInvalidArgument, c.Kind)
	}
	return nil
}

const (
	DefaultK     = 20
	DefaultAlpha = 0.5
)

type Options struct {
	K     int
	Alpha float64
	// ExcludeInteracted drops every track the requesting user already touched.
	ExcludeInteracted bool
}

func DefaultOptions() Options {
	return Options{K: DefaultK, Alpha: DefaultAlpha}
}

type Fallback string

const (
	FallbackNone         Fallback = ""
	FallbackImplicitSeed Fallback = "implicit_seed"
	FallbackPopularity   Fallback = "popularity"
	FallbackContentOnly  Fallback = "content_only"
)

type ScoredTrack struct {
	TrackID       int64   `json:"track_id"`
	Score         float64 `json:"score"`
	Content       float64 `json:"content_score"`
	Collaborative float64 `json:"collaborative_score"`
}

type RecommendationResult struct {
	Items          []ScoredTrack `json:"items"`
	ColdStart      bool          `json:"cold_start"`
	Fallback       Fallback      `json:"fallback,omitempty"`
	CatalogVersion uint64        `json:"catalog_version"`
	CacheHit       bool          `json:"cache_hit"`
}

// Clone returns a deep copy so cached results are never shared mutably.
func (r *RecommendationResult) Clone() *RecommendationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Items = append([]ScoredTrack(nil), r.Items...)
	return &out
}

type RecommendationMeta struct {
	CacheHit       bool     `json:"cache_hit"`
	ColdStart      bool     `json:"cold_start"`
	Fallback       Fallback `json:"fallback,omitempty"`
	CatalogVersion uint64   `json:"catalog_version"`
	GeneratedAt    string   `json:"generated_at"`
	TotalCount     int      `json:"total_count"`
}

type BatchStatus string

const (
	StatusSuccess BatchStatus = "success"
	StatusFailed  BatchStatus = "failed"
)

type BatchUserResult struct {
	UserID          int64         `json:"user_id"`
	Recommendations []ScoredTrack `json:"recommendations,omitempty"`
	ColdStart       bool          `json:"cold_start,omitempty"`
	Status          BatchStatus   `json:"status"`
	Error           string        `json:"error,omitempty"`
	Message         string        `json:"message,omitempty"`
}

type BatchSummary struct {
	SuccessCount     int   `json:"success_count"`
	FailedCount      int   `json:"failed_count"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

type BatchMeta struct {
	GeneratedAt string `json:"generated_at"`
}

type BatchResponse struct {
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalUsers int               `json:"total_users"`
	Results    []BatchUserResult `json:"results"`
	Summary    BatchSummary      `json:"summary"`
	Metadata   BatchMeta         `json:"metadata"`
}
