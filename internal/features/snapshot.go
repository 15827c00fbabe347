// Package features turns catalog tracks into fixed-dimension numeric vectors.
//
// A vector is laid out as
//
//	[genre one-hot | artist one-hot | duration, release year, popularity]
//
// where each one-hot block reserves position 0 for the "unknown" bucket.
// Normalization statistics live in an immutable Snapshot; the Extractor swaps
// snapshots atomically as the catalog grows so readers never lock.
package features

import (
	"math"
	"sort"
	"strings"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

const (
	unknownBucket = 0
	numericDims   = 3
)

// Range is an incrementally widened min/max pair.
type Range struct {
	Min, Max float64
	Set      bool
}

func (r Range) widen(v float64) Range {
	if !r.Set {
		return Range{Min: v, Max: v, Set: true}
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
	return r
}

// Normalize maps v into [0,1]. A degenerate range yields 0.5 and an empty
// range yields 0.
func (r Range) Normalize(v float64) float64 {
	if !r.Set || math.IsNaN(v) {
		return 0
	}
	if r.Max == r.Min {
		return 0.5
	}
	return clamp01((v - r.Min) / (r.Max - r.Min))
}

// Snapshot is an immutable view of vocabularies and numeric statistics.
// Never mutate a Snapshot after it has been published.
type Snapshot struct {
	Version  uint64
	genres   map[string]int
	artists  map[int64]int
	Duration Range
	Year     Range
	Plays    Range
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		genres:  map[string]int{},
		artists: map[int64]int{},
	}
}

// Dims is the vector length produced under this snapshot.
func (s *Snapshot) Dims() int {
	return len(s.genres) + 1 + len(s.artists) + 1 + numericDims
}

func (s *Snapshot) Genres() []string {
	out := make([]string, 0, len(s.genres))
	for g := range s.genres {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Popularity is play_count normalized across the catalog.
func (s *Snapshot) Popularity(playCount int64) float64 {
	return s.Plays.Normalize(float64(playCount))
}

// next derives the successor snapshot from a batch of changed tracks.
// Maps are copied only when a vocabulary actually grows.
func (s *Snapshot) next(tracks []domain.Track) *Snapshot {
	out := *s
	out.Version = s.Version + 1
	genresCopied, artistsCopied := false, false

	for _, t := range tracks {
		if t.Deleted {
			continue
		}
		if g := normalizeGenre(t.Genre); g != "" {
			if _, ok := out.genres[g]; !ok {
				if !genresCopied {
					out.genres = copyMap(s.genres)
					genresCopied = true
				}
				out.genres[g] = len(out.genres) + 1
			}
		}
		if t.ArtistID > 0 {
			if _, ok := out.artists[t.ArtistID]; !ok {
				if !artistsCopied {
					out.artists = copyMap(s.artists)
					artistsCopied = true
				}
				out.artists[t.ArtistID] = len(out.artists) + 1
			}
		}
		if t.DurationSec > 0 {
			out.Duration = out.Duration.widen(float64(t.DurationSec))
		}
		if t.ReleaseYear > 0 {
			out.Year = out.Year.widen(float64(t.ReleaseYear))
		}
		if t.PlayCount >= 0 {
			out.Plays = out.Plays.widen(float64(t.PlayCount))
		}
	}
	return &out
}

func copyMap[K comparable](in map[K]int) map[K]int {
	out := make(map[K]int, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeGenre(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1, math.IsInf(v, 1):
		return 1
	}
	return v
}
