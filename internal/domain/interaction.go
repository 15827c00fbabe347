package domain

import (
	"fmt"
	"strings"
	"time"
)

type InteractionKind string

const (
	KindPlay     InteractionKind = "play"
	KindLike     InteractionKind = "like"
	KindDislike  InteractionKind = "dislike"
	KindBookmark InteractionKind = "bookmark"
)

// Per-pair accumulated weights are clamped to [MinPairWeight, MaxPairWeight].
const (
	MinPairWeight = -5.0
	MaxPairWeight = 8.0
)

// Weight returns the signed contribution of one interaction of this kind.
func (k InteractionKind) Weight() float64 {
	switch k {
	case KindPlay:
		return 1
	case KindLike:
		return 3
	case KindDislike:
		return -2
	case KindBookmark:
		return 2
	default:
		return 0
	}
}

func (k InteractionKind) Valid() bool {
	switch k {
	case KindPlay, KindLike, KindDislike, KindBookmark:
		return true
	}
	return false
}

// IsPreference reports whether the kind toggles the like/dislike state of a pair.
func (k InteractionKind) IsPreference() bool {
	return k == KindLike || k == KindDislike
}

func ParseInteractionKind(s string) (InteractionKind, error) {
	k := InteractionKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown interaction kind %q", ErrInvalidArgument, s)
	}
	return k, nil
}

// Interaction is one immutable entry of the interaction log.
type Interaction struct {
	UserID    int64           `json:"user_id"`
	TrackID   int64           `json:"track_id"`
	Kind      InteractionKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

func ClampWeight(w float64) float64 {
	if w < MinPairWeight {
		return MinPairWeight
	}
	if w > MaxPairWeight {
		return MaxPairWeight
	}
	return w
}
