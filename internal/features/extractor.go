package features

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

// Vector is a track or profile embedding. Treat returned vectors as read-only.
type Vector []float64

// Extractor owns the current normalization Snapshot.
type Extractor struct {
	mu   sync.Mutex // serializes Observe
	snap atomic.Pointer[Snapshot]
}

func NewExtractor() *Extractor {
	e := &Extractor{}
	e.snap.Store(emptySnapshot())
	return e
}

// Snapshot returns the current snapshot without locking.
func (e *Extractor) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Observe folds changed tracks into the statistics and publishes a new
// snapshot. Every non-empty batch advances the version, including batches
// made only of deletions, so cached vectors and profiles are re-derived.
func (e *Extractor) Observe(tracks ...domain.Track) *Snapshot {
	if len(tracks) == 0 {
		return e.Snapshot()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.snap.Load().next(tracks)
	e.snap.Store(next)
	return next
}

// Extract computes the vector of t under snap. It never fails: unseen
// categories land in the unknown bucket and bad numerics degrade to 0.
func Extract(snap *Snapshot, t domain.Track) Vector {
	v := make(Vector, snap.Dims())

	genreOffset := 0
	artistOffset := len(snap.genres) + 1
	numericOffset := artistOffset + len(snap.artists) + 1

	gi, ok := snap.genres[normalizeGenre(t.Genre)]
	if !ok {
		gi = unknownBucket
	}
	v[genreOffset+gi] = 1

	ai, ok := snap.artists[t.ArtistID]
	if !ok {
		ai = unknownBucket
	}
	v[artistOffset+ai] = 1

	if t.DurationSec > 0 {
		v[numericOffset] = snap.Duration.Normalize(float64(t.DurationSec))
	}
	if t.ReleaseYear > 0 {
		v[numericOffset+1] = snap.Year.Normalize(float64(t.ReleaseYear))
	}
	if t.PlayCount >= 0 {
		v[numericOffset+2] = snap.Plays.Normalize(float64(t.PlayCount))
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when either vector
// is zero or the dimensions differ.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return math.Max(-1, math.Min(1, sim))
}

// AddScaled returns dst + w*src as a new vector. Mismatched lengths return nil.
func AddScaled(dst, src Vector, w float64) Vector {
	if dst == nil {
		dst = make(Vector, len(src))
	}
	if len(dst) != len(src) {
		return nil
	}
	out := make(Vector, len(dst))
	for i := range dst {
		out[i] = dst[i] + w*src[i]
	}
	return out
}

// Finite reports whether every element is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
