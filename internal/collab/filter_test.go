package collab

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/catalog"
	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
	"github.com/actuallystonmai/track-recommender/internal/index"
	"github.com/actuallystonmai/track-recommender/internal/interactions"
)

type mapRegions struct {
	regions map[int64]string
	err     error
	calls   int
}

func (m *mapRegions) GetUserRegion(_ context.Context, userID int64) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	r, ok := m.regions[userID]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	if r == "" {
		return "", domain.ErrRegionUnknown
	}
	return r, nil
}

type fixture struct {
	store  *interactions.Store
	filter *Filter
	src    *mapRegions
	clock  int
}

func newFixture(t *testing.T, regions map[int64]string) *fixture {
	t.Helper()
	cat := catalog.New(nil, features.NewExtractor(), index.NewBruteForce(), zerolog.New(io.Discard))
	cat.Apply(
		domain.Track{ID: 1, Genre: "Rock", ArtistID: 1},
		domain.Track{ID: 2, Genre: "Rock", ArtistID: 1},
		domain.Track{ID: 3, Genre: "Jazz", ArtistID: 2},
		domain.Track{ID: 4, Genre: "Pop", ArtistID: 3},
	)
	store := interactions.NewStore(cat)
	src := &mapRegions{regions: regions}
	return &fixture{
		store:  store,
		filter: New(store, src, 10, zerolog.New(io.Discard)),
		src:    src,
	}
}

func (f *fixture) record(t *testing.T, user, track int64, kind domain.InteractionKind) {
	t.Helper()
	if _, err := f.filter.ResolveRegion(context.Background(), user); err != nil {
		t.Fatalf("ResolveRegion(%d) error = %v", user, err)
	}
	f.clock++
	_, err := f.store.Append(domain.Interaction{
		UserID:    user,
		TrackID:   track,
		Kind:      kind,
		Timestamp: time.Unix(int64(f.clock), 0),
	})
	if err != nil {
		t.Fatalf("Append error = %v", err)
	}
}

func userIDs(ns []Neighbor) []int64 {
	out := make([]int64, len(ns))
	for i, n := range ns {
		out[i] = n.UserID
	}
	return out
}

func TestRegionTableAssign(t *testing.T) {
	rt := NewRegionTable()
	rt.Assign(3, "eu")
	rt.Assign(1, "eu")
	rt.Assign(2, "us")

	eu := rt.Members("eu")
	if len(eu) != 2 || eu[0] != 1 || eu[1] != 3 {
		t.Fatalf("Members(eu) = %v, want [1 3]", eu)
	}

	rt.Assign(3, "us")
	if got := rt.Members("eu"); len(got) != 1 || got[0] != 1 {
		t.Errorf("Members(eu) after move = %v, want [1]", got)
	}
	if len(eu) != 2 {
		t.Errorf("published member slice mutated: %v", eu)
	}
	if got := rt.Region(3); got != "us" {
		t.Errorf("Region(3) = %q, want us", got)
	}

	rt.Assign(1, "")
	if rt.Region(1) != "" || len(rt.Members("eu")) != 0 {
		t.Errorf("clearing region left user 1 in eu")
	}
	if got := rt.Regions(); len(got) != 1 || got[0] != "us" {
		t.Errorf("Regions() = %v, want [us]", got)
	}
	if rt.Members("") != nil {
		t.Errorf("unknown region must have no members")
	}
}

func TestResolveRegion(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: ""})
	ctx := context.Background()

	if r, err := f.filter.ResolveRegion(ctx, 1); r != "eu" || err != nil {
		t.Errorf("ResolveRegion(1) = %q, %v", r, err)
	}
	calls := f.src.calls
	f.filter.ResolveRegion(ctx, 1)
	if f.src.calls != calls {
		t.Errorf("known region should not hit the source again")
	}

	if r, err := f.filter.ResolveRegion(ctx, 2); r != "" || err != nil {
		t.Errorf("ResolveRegion(2) = %q, %v, want unknown", r, err)
	}

	if _, err := f.filter.ResolveRegion(ctx, 99); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("ResolveRegion(99) error = %v, want ErrUserNotFound", err)
	}

	f.src.err = errors.New("db down")
	if r, err := f.filter.ResolveRegion(ctx, 5); r != "" || err != nil {
		t.Errorf("transient failure should degrade to unknown, got %q, %v", r, err)
	}
}

func TestSimilarUsersPrefersRegion(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu", 3: "us", 4: "us"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 2, 1, domain.KindLike)
	f.record(t, 2, 2, domain.KindPlay)
	f.record(t, 3, 3, domain.KindLike)
	f.record(t, 4, 1, domain.KindLike)

	ns, err := f.filter.SimilarUsers(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("SimilarUsers error = %v", err)
	}
	if got := userIDs(ns); len(got) != 1 || got[0] != 2 {
		t.Errorf("SimilarUsers(1, k=1) = %v, want same-region [2]", got)
	}
}

func TestSimilarUsersWidensWhenRegionIsSmall(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu", 3: "us", 4: "us"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 2, 1, domain.KindLike)
	f.record(t, 2, 3, domain.KindPlay)
	f.record(t, 3, 3, domain.KindLike)
	f.record(t, 4, 1, domain.KindLike)

	ns, _ := f.filter.SimilarUsers(context.Background(), 1, 2)
	got := userIDs(ns)
	if len(got) != 2 || got[0] != 4 || got[1] != 2 {
		t.Errorf("SimilarUsers(1, k=2) = %v, want [4 2]", got)
	}
	if math.Abs(ns[0].Similarity-1) > 1e-9 {
		t.Errorf("identical profiles similarity = %v, want 1", ns[0].Similarity)
	}

	all, _ := f.filter.SimilarUsers(context.Background(), 1, 10)
	if len(all) != 3 {
		t.Errorf("k larger than user base returned %d, want 3", len(all))
	}
	for _, n := range all {
		if n.UserID == 1 {
			t.Errorf("querying user returned as its own neighbor")
		}
	}
}

func TestSimilarUsersUnknownRegionWidens(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "", 2: "eu"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 2, 1, domain.KindLike)

	ns, _ := f.filter.SimilarUsers(context.Background(), 1, 1)
	if got := userIDs(ns); len(got) != 1 || got[0] != 2 {
		t.Errorf("SimilarUsers for unknown region = %v, want [2]", got)
	}
}

func TestScoreZeroCoverage(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 2, 1, domain.KindLike)

	got, err := f.filter.Score(context.Background(), 1, 4)
	if err != nil || got != 0 {
		t.Errorf("Score for untouched track = %v, %v, want 0", got, err)
	}
}

func TestScoreIsMonotonicInNeighborWeight(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 2, 1, domain.KindLike)
	f.record(t, 2, 3, domain.KindPlay)

	ctx := context.Background()
	before, _ := f.filter.Score(ctx, 1, 3)
	if math.Abs(before-1.0/8) > 1e-9 {
		t.Errorf("Score after play = %v, want 1/8", before)
	}

	f.record(t, 2, 3, domain.KindLike)
	after, _ := f.filter.Score(ctx, 1, 3)
	if after < before {
		t.Errorf("Score decreased from %v to %v after a like", before, after)
	}
	if math.Abs(after-4.0/8) > 1e-9 {
		t.Errorf("Score after play+like = %v, want 4/8", after)
	}
}

func TestScoreNeverDropsWhenNeighborSimilarityShifts(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu", 3: "eu"})
	f.record(t, 1, 1, domain.KindLike)
	f.record(t, 1, 4, domain.KindLike)
	f.record(t, 3, 1, domain.KindLike)
	for range 3 {
		f.record(t, 3, 4, domain.KindLike)
	}
	// user 2 is dissimilar on everything except track 4
	f.record(t, 2, 1, domain.KindDislike)
	f.record(t, 2, 1, domain.KindDislike)
	f.record(t, 2, 4, domain.KindPlay)

	ctx := context.Background()
	prev, _ := f.filter.Score(ctx, 1, 4)
	if prev != 1 {
		t.Errorf("initial Score = %v, want 1", prev)
	}
	for i := range 4 {
		f.record(t, 2, 4, domain.KindPlay)
		got, _ := f.filter.Score(ctx, 1, 4)
		if got < prev {
			t.Fatalf("play %d: Score decreased from %v to %v", i+2, prev, got)
		}
		prev = got
	}
	if w, _ := f.store.Weight(2, 4); w != 5 {
		t.Errorf("user 2 weight on track 4 = %v, want 5", w)
	}
}

func TestScoreCountsNeighborsWithoutEntry(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu", 3: "eu"})
	for _, u := range []int64{1, 2, 3} {
		f.record(t, u, 1, domain.KindLike)
	}
	f.record(t, 2, 3, domain.KindPlay)

	// users 2 and 3 are equally similar; only 2 has touched track 3
	got, _ := f.filter.Score(context.Background(), 1, 3)
	if want := 0.5 / 8; math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}

	before := got
	f.record(t, 3, 3, domain.KindPlay)
	after, _ := f.filter.Score(context.Background(), 1, 3)
	if after <= before {
		t.Errorf("Score = %v after a second neighbor played, want above %v", after, before)
	}
}

func TestScoreWithIgnoresNonPositiveNeighbors(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu"})
	f.record(t, 2, 3, domain.KindLike)

	ns := []Neighbor{{UserID: 2, Similarity: 0}, {UserID: 2, Similarity: -0.5}}
	if got := f.filter.ScoreWith(ns, 3); got != 0 {
		t.Errorf("ScoreWith non-positive neighbors = %v, want 0", got)
	}
}

func TestAudienceAndCandidates(t *testing.T) {
	f := newFixture(t, map[int64]string{1: "eu", 2: "eu", 3: "us"})
	f.record(t, 1, 1, domain.KindPlay)
	f.record(t, 2, 1, domain.KindLike)
	f.record(t, 2, 2, domain.KindPlay)
	f.record(t, 3, 1, domain.KindDislike)
	f.record(t, 3, 4, domain.KindLike)

	aud := f.filter.Audience(1, 0)
	if got := userIDs(aud); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("Audience(1) = %v, want [2 1]", got)
	}
	if got := userIDs(f.filter.Audience(1, 2)); len(got) != 1 || got[0] != 1 {
		t.Errorf("Audience(1, exclude 2) = %v, want [1]", got)
	}

	tracks := f.filter.CandidateTracks(aud)
	if len(tracks) != 2 || tracks[0] != 1 || tracks[1] != 2 {
		t.Errorf("CandidateTracks = %v, want [1 2]", tracks)
	}

	// user 2 (similarity 3/8) played track 2, user 1 (1/8) never did
	want := (3.0 / 8 * 1) / (4.0 / 8) / 8
	if got := f.filter.ScoreWith(aud, 2); math.Abs(got-want) > 1e-9 {
		t.Errorf("ScoreWith(audience, 2) = %v, want %v", got, want)
	}
}
