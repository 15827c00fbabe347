// Package ranker blends content similarity and collaborative evidence into a
// single ordered recommendation list and applies the cold-start policy.
package ranker

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/catalog"
	"github.com/actuallystonmai/track-recommender/internal/collab"
	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
	"github.com/actuallystonmai/track-recommender/internal/interactions"
)

type Ranker struct {
	catalog *catalog.Catalog
	store   *interactions.Store
	collab  *collab.Filter
	logger  zerolog.Logger
}

func New(cat *catalog.Catalog, store *interactions.Store, cf *collab.Filter, logger zerolog.Logger) *Ranker {
	return &Ranker{
		catalog: cat,
		store:   store,
		collab:  cf,
		logger:  logger.With().Str("component", "ranker").Logger(),
	}
}

type candidate struct {
	trackID  int64
	content  float64
	collab   float64
	score    float64
	netLikes int64
}

// Rank computes a fresh RecommendationResult for rc. It never consults the
// cache. Only an unresolvable seed or user fails the whole request.
func (r *Ranker) Rank(ctx context.Context, rc domain.Context, opts domain.Options) (*domain.RecommendationResult, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if opts.K <= 0 {
		opts.K = domain.DefaultK
	}
	if opts.Alpha < 0 || opts.Alpha > 1 || math.IsNaN(opts.Alpha) {
		opts.Alpha = domain.DefaultAlpha
	}

	if rc.Kind == domain.ContextSeed {
		if rc.UserID > 0 {
			if _, err := r.collab.ResolveRegion(ctx, rc.UserID); err != nil {
				return nil, err
			}
		}
		return r.rankSeed(ctx, rc.SeedTrackID, rc.UserID, false, opts)
	}
	return r.rankUser(ctx, rc, opts)
}

func (r *Ranker) rankUser(ctx context.Context, rc domain.Context, opts domain.Options) (*domain.RecommendationResult, error) {
	userID := rc.UserID
	if _, err := r.collab.ResolveRegion(ctx, userID); err != nil {
		return nil, err
	}

	if !r.store.HasInteractions(userID) {
		if rc.RecentTrackID > 0 {
			res, err := r.rankSeed(ctx, rc.RecentTrackID, userID, true, opts)
			if err == nil {
				res.ColdStart = true
				res.Fallback = domain.FallbackImplicitSeed
				return res, nil
			}
			if !errors.Is(err, domain.ErrTrackNotFound) {
				return nil, err
			}
			r.logger.Debug().Int64("user_id", userID).Int64("recent_track_id", rc.RecentTrackID).
				Msg("implicit seed not in catalog, using popularity")
		}
		return r.rankPopular(opts), nil
	}

	snap := r.catalog.Snapshot()
	profile, _ := r.store.ProfileAt(userID, snap)
	if !profile.Finite() {
		return nil, &domain.ComputationError{Op: "user profile", Err: errors.New("non-finite profile vector")}
	}

	neighbors, err := r.collab.SimilarUsersAt(ctx, userID, r.collab.Neighbors(), snap)
	if err != nil {
		return nil, &domain.ComputationError{Op: "similar users", Err: err}
	}

	skip := r.exclusions(userID, 0, opts)
	pool := make(map[int64]*candidate)

	for _, n := range r.catalog.Index().Nearest(profile, snap, 0, opts.K, skip.has) {
		pool[n.TrackID] = &candidate{trackID: n.TrackID, content: n.Similarity}
	}
	for _, id := range r.collab.CandidateTracks(neighbors) {
		if skip.has(id) {
			continue
		}
		if _, ok := pool[id]; ok {
			continue
		}
		vec, ok := r.catalog.VectorAt(id, snap)
		if !ok {
			continue
		}
		pool[id] = &candidate{trackID: id, content: features.Cosine(profile, vec)}
	}

	items := r.score(pool, opts, func(id int64) float64 {
		return r.collab.ScoreAt(userID, id, snap)
	})
	return &domain.RecommendationResult{
		Items:          items,
		CatalogVersion: snap.Version,
	}, nil
}

// rankSeed anchors on a track. For cold users collaborative evidence is
// forced to zero; otherwise the seed's audience stands in for neighbors.
func (r *Ranker) rankSeed(ctx context.Context, seedID, userID int64, coldUser bool, opts domain.Options) (*domain.RecommendationResult, error) {
	if _, err := r.catalog.Track(ctx, seedID); err != nil {
		return nil, err
	}
	snap := r.catalog.Snapshot()
	seedVec, ok := r.catalog.VectorAt(seedID, snap)
	if !ok {
		return nil, domain.TrackNotFound(seedID)
	}
	if !seedVec.Finite() {
		return nil, &domain.ComputationError{Op: "seed vector", Err: errors.New("non-finite seed vector")}
	}

	skip := r.exclusions(userID, seedID, opts)
	pool := make(map[int64]*candidate)
	for _, n := range r.catalog.Index().Nearest(seedVec, snap, seedID, opts.K, skip.has) {
		pool[n.TrackID] = &candidate{trackID: n.TrackID, content: n.Similarity}
	}

	var audience []collab.Neighbor
	if !coldUser {
		audience = r.collab.Audience(seedID, userID)
	}
	for _, id := range r.collab.CandidateTracks(audience) {
		if id == seedID || skip.has(id) {
			continue
		}
		if _, ok := pool[id]; ok {
			continue
		}
		vec, ok := r.catalog.VectorAt(id, snap)
		if !ok {
			continue
		}
		pool[id] = &candidate{trackID: id, content: features.Cosine(seedVec, vec)}
	}

	var collabScore func(int64) float64
	if !coldUser {
		collabScore = func(id int64) float64 { return r.collab.ScoreWith(audience, id) }
	}
	res := &domain.RecommendationResult{
		Items:          r.score(pool, opts, collabScore),
		CatalogVersion: snap.Version,
	}
	if !coldUser && len(audience) == 0 {
		res.ColdStart = true
		res.Fallback = domain.FallbackContentOnly
	}
	return res, nil
}

// rankPopular orders the whole catalog by normalized play count.
func (r *Ranker) rankPopular(opts domain.Options) *domain.RecommendationResult {
	snap := r.catalog.Snapshot()
	tracks := r.catalog.Index().Tracks()

	cands := make([]candidate, 0, len(tracks))
	for _, t := range tracks {
		p := snap.Popularity(t.PlayCount)
		cands = append(cands, candidate{trackID: t.ID, score: p, netLikes: t.NetLikes()})
	}
	sortCandidates(cands)
	if len(cands) > opts.K {
		cands = cands[:opts.K]
	}
	return &domain.RecommendationResult{
		Items:          toItems(cands),
		ColdStart:      true,
		Fallback:       domain.FallbackPopularity,
		CatalogVersion: snap.Version,
	}
}

// score fills in collaborative components and composites. A nil collabScore
// leaves collaborative evidence at zero. Candidates whose track vanished or
// whose score is not finite are dropped.
func (r *Ranker) score(pool map[int64]*candidate, opts domain.Options, collabScore func(int64) float64) []domain.ScoredTrack {
	out := make([]candidate, 0, len(pool))
	for _, c := range pool {
		t, ok := r.catalog.Index().Get(c.trackID)
		if !ok {
			continue
		}
		c.netLikes = t.NetLikes()
		if collabScore != nil && r.store.TrackInteractions(c.trackID) > 0 {
			c.collab = collabScore(c.trackID)
		}
		c.score = opts.Alpha*c.content + (1-opts.Alpha)*c.collab
		if math.IsNaN(c.score) || math.IsInf(c.score, 0) {
			r.logger.Warn().Int64("track_id", c.trackID).Msg("dropping candidate with non-finite score")
			continue
		}
		out = append(out, *c)
	}
	sortCandidates(out)
	if len(out) > opts.K {
		out = out[:opts.K]
	}
	return toItems(out)
}

type exclusionSet map[int64]struct{}

func (e exclusionSet) has(id int64) bool {
	_, ok := e[id]
	return ok
}

func (r *Ranker) exclusions(userID, seedID int64, opts domain.Options) exclusionSet {
	skip := exclusionSet{}
	if seedID > 0 {
		skip[seedID] = struct{}{}
	}
	if userID <= 0 {
		return skip
	}
	for id := range r.store.Disliked(userID) {
		skip[id] = struct{}{}
	}
	if opts.ExcludeInteracted {
		for id := range r.store.Interacted(userID) {
			skip[id] = struct{}{}
		}
	}
	return skip
}

// sortCandidates orders by composite desc, net likes desc, then id asc.
func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if cs[i].netLikes != cs[j].netLikes {
			return cs[i].netLikes > cs[j].netLikes
		}
		return cs[i].trackID < cs[j].trackID
	})
}

func toItems(cs []candidate) []domain.ScoredTrack {
	items := make([]domain.ScoredTrack, len(cs))
	for i, c := range cs {
		items[i] = domain.ScoredTrack{
			TrackID:       c.trackID,
			Score:         c.score,
			Content:       c.content,
			Collaborative: c.collab,
		}
	}
	return items
}
