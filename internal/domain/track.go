package domain

import "time"

// Track is the engine's read-only projection of a catalog track.
type Track struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Genre        string    `json:"genre"`
	ArtistID     int64     `json:"artist_id"`
	Album        string    `json:"album,omitempty"`
	DurationSec  int       `json:"duration_sec"`
	ReleaseYear  int       `json:"release_year"`
	PlayCount    int64     `json:"play_count"`
	LikeCount    int64     `json:"like_count"`
	DislikeCount int64     `json:"dislike_count"`
	Version      int64     `json:"version"`
	Deleted      bool      `json:"deleted,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NetLikes is like_count minus dislike_count, used as a ranking tie-break.
func (t Track) NetLikes() int64 {
	return t.LikeCount - t.DislikeCount
}
