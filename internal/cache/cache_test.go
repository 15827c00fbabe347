package cache

import (
	"context"
	"errors"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

func newTestCache(cfg Config, tier Tier) (*Cache, *time.Time) {
	c := New(cfg, tier, zerolog.New(io.Discard))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func result(ids ...int64) *domain.RecommendationResult {
	res := &domain.RecommendationResult{}
	for _, id := range ids {
		res.Items = append(res.Items, domain.ScoredTrack{TrackID: id, Score: 1})
	}
	return res
}

func userKey(userID int64) Key {
	return NewKey(domain.UserContext(userID), domain.DefaultOptions(), 1)
}

func seedKey(trackID int64) Key {
	return NewKey(domain.SeedContext(trackID), domain.DefaultOptions(), 1)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	ctx := context.Background()
	var calls int

	compute := func(context.Context) (*domain.RecommendationResult, error) {
		calls++
		return result(1, 2), nil
	}

	_, hit, err := c.GetOrCompute(ctx, userKey(1), compute)
	if err != nil || hit {
		t.Fatalf("first call hit=%v err=%v, want miss", hit, err)
	}
	res, hit, _ := c.GetOrCompute(ctx, userKey(1), compute)
	if !hit || calls != 1 {
		t.Errorf("second call hit=%v calls=%d, want hit after one computation", hit, calls)
	}

	res.Items[0].TrackID = 99
	again, _ := c.Get(userKey(1))
	if again.Items[0].TrackID != 1 {
		t.Errorf("caller mutation leaked into cache")
	}
}

func TestEntriesExpire(t *testing.T) {
	c, now := newTestCache(Config{TTL: time.Minute}, nil)
	ctx := context.Background()
	var calls int
	compute := func(context.Context) (*domain.RecommendationResult, error) {
		calls++
		return result(1), nil
	}

	c.GetOrCompute(ctx, userKey(1), compute)
	*now = now.Add(59 * time.Second)
	if _, ok := c.Get(userKey(1)); !ok {
		t.Errorf("entry expired before TTL")
	}
	*now = now.Add(time.Second)
	if _, ok := c.Get(userKey(1)); ok {
		t.Errorf("entry still served at TTL")
	}
	c.GetOrCompute(ctx, userKey(1), compute)
	if calls != 2 {
		t.Errorf("calls = %d, want recomputation after expiry", calls)
	}
}

func TestSingleFlight(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	compute := func(context.Context) (*domain.RecommendationResult, error) {
		calls.Add(1)
		<-release
		return result(7), nil
	}

	const callers = 20
	var started, wg sync.WaitGroup
	results := make([]*domain.RecommendationResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			res, _, err := c.GetOrCompute(context.Background(), seedKey(3), compute)
			if err != nil {
				t.Errorf("caller %d error = %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
	for i, r := range results {
		if r == nil || len(r.Items) != 1 || r.Items[0].TrackID != 7 {
			t.Errorf("caller %d result = %+v", i, r)
		}
	}
}

func TestErrorsAreSharedAndNotCached(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	boom := &domain.ComputationError{Op: "rank", Err: errors.New("boom")}
	var calls atomic.Int32
	release := make(chan struct{})

	failing := func(context.Context) (*domain.RecommendationResult, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.GetOrCompute(context.Background(), userKey(1), failing)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !domain.IsComputationError(err) {
			t.Errorf("waiter %d error = %v, want ComputationError", i, err)
		}
	}
	if c.Len() != 0 {
		t.Errorf("failed computation was cached")
	}

	before := calls.Load()
	res, hit, err := c.GetOrCompute(context.Background(), userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		calls.Add(1)
		return result(1), nil
	})
	if err != nil || hit || res == nil || calls.Load() != before+1 {
		t.Errorf("retry after error: res=%v hit=%v err=%v", res, hit, err)
	}
}

func TestInvalidation(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	ctx := context.Background()
	ok := func(context.Context) (*domain.RecommendationResult, error) { return result(1), nil }

	seedWithUser := NewKey(domain.Context{Kind: domain.ContextSeed, SeedTrackID: 5, UserID: 1}, domain.DefaultOptions(), 1)
	for _, k := range []Key{userKey(1), userKey(2), seedKey(5), seedKey(6), seedWithUser} {
		c.GetOrCompute(ctx, k, ok)
	}

	if n := c.InvalidateUser(ctx, 1); n != 2 {
		t.Errorf("InvalidateUser(1) dropped %d, want 2", n)
	}
	if _, hit := c.Get(userKey(1)); hit {
		t.Errorf("user 1 feed survived invalidation")
	}
	if _, hit := c.Get(userKey(2)); !hit {
		t.Errorf("user 2 feed dropped by user 1 invalidation")
	}

	if n := c.InvalidateSeed(ctx, 5); n != 1 {
		t.Errorf("InvalidateSeed(5) dropped %d, want 1", n)
	}
	if _, hit := c.Get(seedKey(5)); hit {
		t.Errorf("seed 5 survived invalidation")
	}
	if _, hit := c.Get(seedKey(6)); !hit {
		t.Errorf("seed 6 dropped by seed 5 invalidation")
	}
}

func TestInvalidationDuringComputationIsNotStored(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
			close(entered)
			<-release
			return result(1), nil
		})
	}()
	<-entered
	c.InvalidateUser(ctx, 1)

	// a request after the invalidation must not join the stale flight
	var fresh atomic.Bool
	res, _, err := c.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		fresh.Store(true)
		return result(2), nil
	})
	close(release)
	<-done

	if err != nil || !fresh.Load() || res.Items[0].TrackID != 2 {
		t.Errorf("post-invalidation request joined stale computation: res=%+v err=%v", res, err)
	}
	if got, _ := c.Get(userKey(1)); got == nil || got.Items[0].TrackID != 2 {
		t.Errorf("cached result = %+v, want the post-invalidation result", got)
	}
}

func TestMaxEntriesEviction(t *testing.T) {
	c, now := newTestCache(Config{MaxEntries: 2, TTL: time.Minute}, nil)
	ctx := context.Background()
	ok := func(context.Context) (*domain.RecommendationResult, error) { return result(1), nil }

	c.GetOrCompute(ctx, userKey(1), ok)
	*now = now.Add(time.Second)
	c.GetOrCompute(ctx, userKey(2), ok)
	*now = now.Add(time.Second)
	c.GetOrCompute(ctx, userKey(3), ok)

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, hit := c.Get(userKey(1)); hit {
		t.Errorf("oldest entry not evicted")
	}
	if _, hit := c.Get(userKey(3)); !hit {
		t.Errorf("newest entry missing")
	}
}

func TestKeyDistinguishesParameters(t *testing.T) {
	base := domain.DefaultOptions()
	alpha := base
	alpha.Alpha = 0.7
	k := base
	k.K = 5

	keys := []Key{
		NewKey(domain.UserContext(1), base, 1),
		NewKey(domain.UserContext(1), base, 2),
		NewKey(domain.UserContext(1), alpha, 1),
		NewKey(domain.UserContext(1), k, 1),
		NewKey(domain.SeedContext(1), base, 1),
	}
	seen := map[string]bool{}
	for _, key := range keys {
		if seen[key.String()] {
			t.Errorf("duplicate key %s", key)
		}
		seen[key.String()] = true
	}
}

func TestRedisPatternsMatchKeys(t *testing.T) {
	user := NewKey(domain.UserContext(12), domain.DefaultOptions(), 3).String()
	seedForUser := NewKey(domain.Context{Kind: domain.ContextSeed, SeedTrackID: 4, UserID: 12}, domain.DefaultOptions(), 3).String()
	seed := NewKey(domain.SeedContext(4), domain.DefaultOptions(), 3).String()
	other := NewKey(domain.SeedContext(40), domain.DefaultOptions(), 3).String()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{userPattern(12), user, true},
		{userPattern(12), seedForUser, true},
		{userPattern(1), user, false},
		{seedPattern(4), seed, true},
		{seedPattern(4), seedForUser, true},
		{seedPattern(4), other, false},
	}
	for _, tt := range tests {
		got, err := path.Match(tt.pattern, tt.key)
		if err != nil {
			t.Fatalf("path.Match(%q) error = %v", tt.pattern, err)
		}
		if got != tt.want {
			t.Errorf("%q matches %q = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

type memTier struct {
	mu      sync.Mutex
	data    map[string]*domain.RecommendationResult
	deletes []string
}

func (m *memTier) Get(_ context.Context, key Key) (*domain.RecommendationResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[key.String()]
	return r, ok, nil
}

func (m *memTier) Set(_ context.Context, key Key, res *domain.RecommendationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = res
	return nil
}

func (m *memTier) InvalidateUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, userPattern(userID))
	for k := range m.data {
		if ok, _ := path.Match(userPattern(userID), k); ok {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memTier) InvalidateSeed(_ context.Context, trackID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, seedPattern(trackID))
	return nil
}

func TestSecondTier(t *testing.T) {
	tier := &memTier{data: map[string]*domain.RecommendationResult{}}
	ctx := context.Background()

	first, _ := newTestCache(Config{MaxEntries: 1, Epoch: "a"}, tier)
	first.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		return result(4), nil
	})
	if len(tier.data) != 1 {
		t.Fatalf("tier holds %d entries, want 1", len(tier.data))
	}

	// pushed out locally, still served from the shared tier
	first.GetOrCompute(ctx, userKey(2), func(context.Context) (*domain.RecommendationResult, error) {
		return result(5), nil
	})
	res, _, err := first.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		t.Error("computed despite shared tier hit")
		return nil, errors.New("unexpected")
	})
	if err != nil || res.Items[0].TrackID != 4 {
		t.Errorf("tier read = %+v, %v", res, err)
	}

	first.InvalidateUser(ctx, 1)
	if len(tier.data) != 1 || len(tier.deletes) != 1 {
		t.Errorf("tier invalidation not forwarded: data=%d deletes=%v", len(tier.data), tier.deletes)
	}
}

func TestRestartedProcessIgnoresTierEntries(t *testing.T) {
	tier := &memTier{data: map[string]*domain.RecommendationResult{}}
	ctx := context.Background()

	// both processes start their catalog version at 1
	before, _ := newTestCache(Config{}, tier)
	before.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		return result(4), nil
	})

	after, _ := newTestCache(Config{}, tier)
	var computed bool
	res, hit, err := after.GetOrCompute(ctx, userKey(1), func(context.Context) (*domain.RecommendationResult, error) {
		computed = true
		return result(9), nil
	})
	if err != nil || hit || !computed || res.Items[0].TrackID != 9 {
		t.Errorf("restarted cache served a previous process entry: res=%+v hit=%v computed=%v err=%v", res, hit, computed, err)
	}
	if len(tier.data) != 2 {
		t.Errorf("tier holds %d entries, want one per process", len(tier.data))
	}
}

func TestGenerationsArePruned(t *testing.T) {
	c, _ := newTestCache(Config{}, nil)
	ctx := context.Background()
	ok := func(context.Context) (*domain.RecommendationResult, error) { return result(1), nil }

	for id := int64(1); id <= 50; id++ {
		c.GetOrCompute(ctx, userKey(id), ok)
		c.GetOrCompute(ctx, seedKey(id), ok)
		c.InvalidateUser(ctx, id)
		c.InvalidateSeed(ctx, id)
	}

	c.mu.RLock()
	users, seeds := len(c.userGen), len(c.seedGen)
	c.mu.RUnlock()
	if users != 0 || seeds != 0 {
		t.Errorf("idle cache tracks %d user and %d seed generations, want 0", users, seeds)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}
