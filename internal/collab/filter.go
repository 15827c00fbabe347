// Package collab implements region-partitioned user KNN and
// neighbor-weighted item scoring over the interaction matrix.
package collab

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
	"github.com/actuallystonmai/track-recommender/internal/interactions"
)

// RegionSource resolves a user's region tag. It returns ErrRegionUnknown
// (or "") when the user has none, and ErrUserNotFound for unknown users.
type RegionSource interface {
	GetUserRegion(ctx context.Context, userID int64) (string, error)
}

type Neighbor struct {
	UserID     int64   `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

const DefaultNeighbors = 20

type Filter struct {
	store     *interactions.Store
	regions   *RegionTable
	source    RegionSource
	neighbors int
	logger    zerolog.Logger
}

func New(store *interactions.Store, source RegionSource, neighbors int, logger zerolog.Logger) *Filter {
	if neighbors <= 0 {
		neighbors = DefaultNeighbors
	}
	return &Filter{
		store:     store,
		regions:   NewRegionTable(),
		source:    source,
		neighbors: neighbors,
		logger:    logger.With().Str("component", "collab").Logger(),
	}
}

func (f *Filter) Regions() *RegionTable { return f.regions }

func (f *Filter) Neighbors() int { return f.neighbors }

// ResolveRegion returns the user's region, pulling it from the source while
// it is still unknown. Lookup failures other than a missing user leave the
// region unknown so the next interaction retries.
func (f *Filter) ResolveRegion(ctx context.Context, userID int64) (string, error) {
	if r := f.regions.Region(userID); r != "" {
		return r, nil
	}
	if f.source == nil {
		return "", nil
	}

	r, err := f.source.GetUserRegion(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return "", domain.UserNotFound(userID)
	case errors.Is(err, domain.ErrRegionUnknown):
		return "", nil
	case err != nil:
		f.logger.Warn().Err(err).Int64("user_id", userID).Msg("region lookup failed")
		return "", nil
	}

	r = strings.TrimSpace(r)
	if r != "" {
		f.regions.Assign(userID, r)
	}
	return r, nil
}

// SimilarUsers returns the k users most similar to userID.
func (f *Filter) SimilarUsers(ctx context.Context, userID int64, k int) ([]Neighbor, error) {
	return f.SimilarUsersAt(ctx, userID, k, f.storeSnapshot())
}

// SimilarUsersAt ranks candidates by profile cosine under snap. Candidates
// come from the user's region; the pool widens to every user with
// interactions when the region holds fewer than k. A user whose region is
// still unknown forms a partition of one, so the pool always widens for them
// rather than leaving them without neighbors.
func (f *Filter) SimilarUsersAt(_ context.Context, userID int64, k int, snap *features.Snapshot) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	profile, _ := f.store.ProfileAt(userID, snap)

	candidates := f.candidates(f.regions.Members(f.regions.Region(userID)), userID)
	if len(candidates) < k {
		candidates = f.candidates(f.store.Users(), userID)
	}

	out := make([]Neighbor, 0, len(candidates))
	for _, u := range candidates {
		other, ok := f.store.ProfileAt(u, snap)
		if !ok {
			continue
		}
		out = append(out, Neighbor{UserID: u, Similarity: features.Cosine(profile, other)})
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *Filter) candidates(pool []int64, self int64) []int64 {
	out := make([]int64, 0, len(pool))
	for _, u := range pool {
		if u != self && f.store.HasInteractions(u) {
			out = append(out, u)
		}
	}
	return out
}

// Score is the collaborative score of trackID for userID.
func (f *Filter) Score(_ context.Context, userID, trackID int64) (float64, error) {
	return f.ScoreAt(userID, trackID, f.storeSnapshot()), nil
}

// ScoreAt scores trackID for userID against neighbors chosen for that track:
// similarity is the cosine of both profiles with trackID's entry left out, so
// a neighbor's weight on the track never moves its own similarity. Region
// members come first and the pool widens when fewer than the neighbor count
// are positively similar.
func (f *Filter) ScoreAt(userID, trackID int64, snap *features.Snapshot) float64 {
	self, ok := f.store.ProfileWithout(userID, trackID, snap)
	if !ok {
		return 0
	}

	region := f.regions.Region(userID)
	ns := f.leaveOutNeighbors(self, f.candidates(f.regions.Members(region), userID), trackID, snap)
	if len(ns) < f.neighbors {
		ns = f.leaveOutNeighbors(self, f.candidates(f.store.Users(), userID), trackID, snap)
	}
	if len(ns) > f.neighbors {
		ns = ns[:f.neighbors]
	}
	return f.ScoreWith(ns, trackID)
}

func (f *Filter) leaveOutNeighbors(self features.Vector, pool []int64, trackID int64, snap *features.Snapshot) []Neighbor {
	var out []Neighbor
	for _, u := range pool {
		other, ok := f.store.ProfileWithout(u, trackID, snap)
		if !ok {
			continue
		}
		if sim := features.Cosine(self, other); sim > 0 {
			out = append(out, Neighbor{UserID: u, Similarity: sim})
		}
	}
	sortNeighbors(out)
	return out
}

// ScoreWith averages the neighbors' weights for trackID, weighted by
// similarity, and scales the result by the pair weight ceiling. Every
// positively similar neighbor counts and a missing entry counts as 0, so
// raising one neighbor's weight can only raise the score.
func (f *Filter) ScoreWith(neighbors []Neighbor, trackID int64) float64 {
	var num, den float64
	for _, n := range neighbors {
		if n.Similarity <= 0 {
			continue
		}
		w, _ := f.store.Weight(n.UserID, trackID)
		num += n.Similarity * w
		den += n.Similarity
	}
	if den == 0 {
		return 0
	}
	return num / den / domain.MaxPairWeight
}

// Audience turns the seed track's positive listeners into pseudo-neighbors
// weighted by how strongly they engaged with the seed.
func (f *Filter) Audience(seedTrackID, excludeUser int64) []Neighbor {
	var out []Neighbor
	for _, u := range f.store.Audience(seedTrackID) {
		if u == excludeUser {
			continue
		}
		w, ok := f.store.Weight(u, seedTrackID)
		if !ok || w <= 0 {
			continue
		}
		out = append(out, Neighbor{UserID: u, Similarity: w / domain.MaxPairWeight})
	}
	sortNeighbors(out)
	return out
}

// CandidateTracks lists tracks that positively similar neighbors engaged
// with, ordered by id.
func (f *Filter) CandidateTracks(neighbors []Neighbor) []int64 {
	seen := make(map[int64]struct{})
	for _, n := range neighbors {
		if n.Similarity <= 0 {
			continue
		}
		for _, e := range f.store.Entries(n.UserID) {
			if e.Weight > 0 {
				seen[e.TrackID] = struct{}{}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *Filter) storeSnapshot() *features.Snapshot {
	return f.store.Snapshot()
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Similarity != ns[j].Similarity {
			return ns[i].Similarity > ns[j].Similarity
		}
		return ns[i].UserID < ns[j].UserID
	})
}
